// Package audio provides the PCM primitives shared by the capture and
// playback pipelines: little-endian int16 conversion, resampling, channel
// conversion with clamping, and a ramped two-stage gain mixer.
package audio

import "time"

// Frame is a fixed-size chunk of PCM16 mono audio flowing through the
// pipeline. Outbound frames are produced by the capture framer at a steady
// real-time cadence; the connection manager sends the Data bytes verbatim.
type Frame struct {
	// Data is little-endian int16 mono PCM. Always exactly the configured
	// frame size; short frames are never emitted.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for the outbound capture format,
	// 48000 for decoded dubbed audio).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
