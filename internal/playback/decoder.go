package playback

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/dubwire/dubwire/pkg/audio"
)

// The dubbing service delivers 48 kHz mono Opus at 20 ms frame size.
const (
	DecodeSampleRate = 48000
	decodeChannels   = 1
	frameMillis      = 20
	// frameSamples is the number of samples per 20 ms frame.
	frameSamples = DecodeSampleRate * frameMillis / 1000 // 960
	// FrameBytes is the size of one decoded PCM frame.
	FrameBytes = frameSamples * 2
)

// Decoder wraps a gopus Opus decoder for the dubbed inbound stream. The
// decoder is stateful across consecutive frames, so each session stream
// gets its own instance.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates an Opus decoder configured for dubbed audio.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(DecodeSampleRate, decodeChannels)
	if err != nil {
		return nil, fmt.Errorf("playback: create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes an Opus packet into mono PCM int16 samples and returns the
// result as little-endian bytes.
func (d *Decoder) Decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, frameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("playback: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}
