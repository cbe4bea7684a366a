package audio

import "sync"

// RampDuration is the fixed interval over which gain changes ramp to their
// target. Instant gain steps produce audible clicks; a short linear ramp
// does not.
const RampDuration = 50 // milliseconds

// RampedGain is a single gain stage with click-free transitions. Calling
// [RampedGain.SetTarget] does not change the gain immediately; instead the
// gain moves linearly toward the target over [RampDuration] worth of
// samples processed through [RampedGain.Apply].
//
// Safe for concurrent use: SetTarget may be called from a control goroutine
// while Apply runs on the playback goroutine.
type RampedGain struct {
	mu      sync.Mutex
	current float64
	target  float64
	step    float64 // per-sample increment while ramping
}

// NewRampedGain creates a gain stage starting at the given gain with no
// ramp in progress.
func NewRampedGain(gain float64) *RampedGain {
	g := clampGain(gain)
	return &RampedGain{current: g, target: g}
}

// SetTarget starts a ramp from the current gain to target. sampleRate is
// used to size the per-sample step so the ramp completes in [RampDuration].
func (r *RampedGain) SetTarget(target float64, sampleRate int) {
	target = clampGain(target)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.target = target
	rampSamples := sampleRate * RampDuration / 1000
	if rampSamples <= 0 {
		r.current = target
		r.step = 0
		return
	}
	r.step = (target - r.current) / float64(rampSamples)
}

// Gain returns the instantaneous gain value.
func (r *RampedGain) Gain() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Apply scales PCM16 samples in place, advancing any ramp in progress.
func (r *RampedGain) Apply(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i+1 < len(pcm); i += 2 {
		if r.step != 0 {
			r.current += r.step
			if (r.step > 0 && r.current >= r.target) || (r.step < 0 && r.current <= r.target) {
				r.current = r.target
				r.step = 0
			}
		}
		s := int32(int16(pcm[i]) | int16(pcm[i+1])<<8)
		s = int32(float64(s) * r.current)
		out := Clamp16(s)
		pcm[i] = byte(out)
		pcm[i+1] = byte(out >> 8)
	}
}

// MixInto sums two equal-format PCM16 buffers with clamping and returns the
// result. The shorter input is treated as padded with silence.
func MixInto(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	n &^= 1
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		var sa, sb int32
		if i+1 < len(a) {
			sa = int32(int16(a[i]) | int16(a[i+1])<<8)
		}
		if i+1 < len(b) {
			sb = int32(int16(b[i]) | int16(b[i+1])<<8)
		}
		s := Clamp16(sa + sb)
		out[i] = byte(s)
		out[i+1] = byte(s >> 8)
	}
	return out
}

func clampGain(g float64) float64 {
	if g < 0 {
		return 0
	}
	if g > 1 {
		return 1
	}
	return g
}
