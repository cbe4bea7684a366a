package audio

import "testing"

func TestStereoToMono_AveragesChannels(t *testing.T) {
	stereo := Int16sToBytes([]int16{100, 200, -50, 50, 32767, 32767})
	mono := BytesToInt16s(StereoToMono(stereo))

	want := []int16{150, 0, 32767}
	if len(mono) != len(want) {
		t.Fatalf("len = %d, want %d", len(mono), len(want))
	}
	for i := range want {
		if mono[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, mono[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Run("same rate is passthrough", func(t *testing.T) {
		in := Int16sToBytes([]int16{1, 2, 3})
		out := ResampleMono16(in, 16000, 16000)
		if &in[0] != &out[0] {
			t.Error("same-rate resample copied the buffer")
		}
	})

	t.Run("downsample halves sample count", func(t *testing.T) {
		in := Int16sToBytes(make([]int16, 960)) // 20 ms at 48 kHz
		out := ResampleMono16(in, 48000, 16000)
		if got := len(out) / 2; got != 320 {
			t.Errorf("samples = %d, want 320 (20 ms at 16 kHz)", got)
		}
	})

	t.Run("upsample preserves constant signal", func(t *testing.T) {
		in := make([]int16, 160)
		for i := range in {
			in[i] = 1234
		}
		out := BytesToInt16s(ResampleMono16(Int16sToBytes(in), 16000, 48000))
		if len(out) != 480 {
			t.Fatalf("samples = %d, want 480", len(out))
		}
		for i, s := range out {
			if s != 1234 {
				t.Fatalf("sample %d = %d, want 1234 (linear interpolation of a constant)", i, s)
			}
		}
	})
}

func TestClamp16(t *testing.T) {
	tests := []struct {
		in   int32
		want int16
	}{
		{0, 0},
		{32767, 32767},
		{32768, 32767},
		{-32768, -32768},
		{-40000, -32768},
		{1000, 1000},
	}
	for _, tc := range tests {
		if got := Clamp16(tc.in); got != tc.want {
			t.Errorf("Clamp16(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestInt16sBytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	out := BytesToInt16s(Int16sToBytes(in))
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestFrameDuration(t *testing.T) {
	f := Frame{Data: make([]byte, 640), SampleRate: 16000}
	if got := f.Duration().Milliseconds(); got != 20 {
		t.Errorf("Duration = %dms, want 20ms", got)
	}
}
