// Package capture implements the outbound audio pipeline: a raw capture
// source, a framer that produces fixed-size PCM16 mono frames at the target
// rate, and a real-time delivery loop that hands frames to the connection.
//
// The pipeline is isolated from network I/O: the capture callback runs on
// the audio device's real-time thread and never blocks. When delivery falls
// behind, frames are dropped rather than accumulated.
package capture

import (
	"encoding/hex"
	"fmt"

	"github.com/gen2brain/malgo"
)

// SourceFormat describes the raw PCM a [Source] delivers: little-endian
// int16 samples at the given rate and channel count.
type SourceFormat struct {
	SampleRate int
	Channels   int
}

// Source is a continuously running raw audio source. Start begins delivery
// of raw PCM chunks to the callback on the source's own thread; the
// callback must return quickly and must not block.
type Source interface {
	// Format reports the raw PCM layout delivered to the callback.
	Format() SourceFormat

	// Start begins capture. The callback receives raw interleaved PCM16.
	Start(cb func(pcm []byte)) error

	// Stop halts capture and releases the device.
	Stop() error
}

// DeviceSource captures from a system audio device via malgo (miniaudio).
type DeviceSource struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	format SourceFormat

	deviceID string
}

// NewDeviceSource initialises the audio backend for the given format.
// deviceID selects a specific capture device by its hex-encoded ID; empty
// uses the system default.
func NewDeviceSource(deviceID string, format SourceFormat) (*DeviceSource, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("capture: invalid source format %+v", format)
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init audio context: %w", err)
	}
	return &DeviceSource{ctx: mctx, format: format, deviceID: deviceID}, nil
}

// Format implements [Source].
func (s *DeviceSource) Format() SourceFormat { return s.format }

// Start implements [Source].
func (s *DeviceSource) Start(cb func(pcm []byte)) error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(s.format.Channels)
	deviceConfig.SampleRate = uint32(s.format.SampleRate)

	if s.deviceID != "" {
		idBytes, err := hex.DecodeString(s.deviceID)
		if err != nil {
			return fmt.Errorf("capture: invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			cb(data)
		},
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("capture: init device: %w", err)
	}
	s.device = device
	if err := device.Start(); err != nil {
		device.Uninit()
		s.device = nil
		return fmt.Errorf("capture: start device: %w", err)
	}
	return nil
}

// Stop implements [Source].
func (s *DeviceSource) Stop() error {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	return nil
}

// Close releases the audio backend. The source cannot be restarted after
// Close.
func (s *DeviceSource) Close() {
	_ = s.Stop()
	_ = s.ctx.Uninit()
	s.ctx.Free()
}
