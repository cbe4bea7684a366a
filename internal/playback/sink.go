package playback

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Sink receives ordered PCM16 frames for audible output. Write must not
// block for longer than real time; the player paces itself against the
// frame clock, not against the sink.
type Sink interface {
	// Write queues one frame of little-endian PCM16 mono audio.
	Write(pcm []byte) error
	// Close releases the output device.
	Close() error
}

// DeviceSink plays PCM frames on the default output device via malgo.
// Frames are staged in a bounded ring buffer that the device callback
// drains; the callback zero-fills on underflow so the device never stalls.
type DeviceSink struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu   sync.Mutex
	ring []byte
	max  int
}

// NewDeviceSink opens the default playback device at the given sample rate,
// mono PCM16. bufferFrames bounds how much audio may be staged ahead of the
// device; Write discards the oldest staged audio when the bound is hit.
func NewDeviceSink(sampleRate, bufferFrames int) (*DeviceSink, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("playback: init audio context: %w", err)
	}

	frameBytes := sampleRate / 50 * 2 // 20 ms
	s := &DeviceSink{
		ctx: ctx,
		max: frameBytes * bufferFrames,
	}

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.SampleRate = uint32(sampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: s.dataCallback,
	}
	device, err := malgo.InitDevice(ctx.Context, config, callbacks)
	if err != nil {
		ctx.Uninit()
		return nil, fmt.Errorf("playback: init output device: %w", err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		return nil, fmt.Errorf("playback: start output device: %w", err)
	}
	return s, nil
}

// Write stages one frame for the device callback. When the ring is full the
// oldest audio is discarded so latency stays bounded.
func (s *DeviceSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = append(s.ring, pcm...)
	if over := len(s.ring) - s.max; over > 0 {
		s.ring = s.ring[over:]
	}
	return nil
}

// Close stops the device and tears down the audio context.
func (s *DeviceSink) Close() error {
	s.device.Uninit()
	if err := s.ctx.Uninit(); err != nil {
		return fmt.Errorf("playback: uninit audio context: %w", err)
	}
	s.ctx.Free()
	return nil
}

func (s *DeviceSink) dataCallback(pOutput, _ []byte, frameCount uint32) {
	s.mu.Lock()
	n := copy(pOutput, s.ring)
	s.ring = s.ring[n:]
	s.mu.Unlock()

	// Zero-fill on underflow so the device keeps running.
	for i := n; i < len(pOutput); i++ {
		pOutput[i] = 0
	}
}
