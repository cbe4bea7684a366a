package capture

import (
	"time"

	"github.com/dubwire/dubwire/pkg/audio"
)

// Framer converts arbitrarily-sized raw PCM chunks into fixed-size PCM16
// mono frames at the target sample rate. Stereo input is downmixed with
// clamping, then resampled. Partial frames are held until enough samples
// arrive; a short frame is never emitted.
//
// Not safe for concurrent use; the capture callback is the only producer.
type Framer struct {
	src        SourceFormat
	targetRate int
	frameBytes int

	pending []byte // mono PCM16 at targetRate awaiting a full frame
	emitted int    // frames emitted so far, for timestamps
}

// NewFramer creates a framer producing frames of frameMillis duration at
// targetRate.
func NewFramer(src SourceFormat, targetRate, frameMillis int) *Framer {
	samples := targetRate * frameMillis / 1000
	return &Framer{
		src:        src,
		targetRate: targetRate,
		frameBytes: samples * 2,
	}
}

// FrameBytes returns the fixed frame size in bytes.
func (f *Framer) FrameBytes() int { return f.frameBytes }

// Push ingests one raw chunk and returns zero or more complete frames.
func (f *Framer) Push(raw []byte) []audio.Frame {
	pcm := raw
	if f.src.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	pcm = audio.ResampleMono16(pcm, f.src.SampleRate, f.targetRate)

	f.pending = append(f.pending, pcm...)

	var frames []audio.Frame
	for len(f.pending) >= f.frameBytes {
		data := make([]byte, f.frameBytes)
		copy(data, f.pending[:f.frameBytes])
		f.pending = f.pending[f.frameBytes:]

		frameDur := time.Duration(f.frameBytes/2) * time.Second / time.Duration(f.targetRate)
		frames = append(frames, audio.Frame{
			Data:       data,
			SampleRate: f.targetRate,
			Timestamp:  time.Duration(f.emitted) * frameDur,
		})
		f.emitted++
	}
	return frames
}

// Reset discards any buffered partial frame.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
	f.emitted = 0
}
