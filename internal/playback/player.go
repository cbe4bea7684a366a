package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dubwire/dubwire/internal/observe"
	"github.com/dubwire/dubwire/pkg/audio"
	"github.com/dubwire/dubwire/pkg/types"
)

// PlayerConfig configures a Player.
type PlayerConfig struct {
	// Sink receives the mixed output frames. Required.
	Sink Sink
	// PendingWindow bounds how far ahead of the playback position inbound
	// sequences may queue. Zero selects the default of 32.
	PendingWindow int
	// Mix is the initial gain configuration. Gains apply immediately at
	// startup; later changes ramp.
	Mix types.VolumeMixState
	// Original optionally delivers original-source PCM frames at the
	// playback rate for monitor mixing. May be nil; the original
	// contribution is then silence.
	Original <-chan []byte
	// Metrics is optional.
	Metrics *observe.Metrics
}

// Player drains the sequencing queue on a fixed frame clock, applies the
// dubbed and original gain stages, mixes, and writes to the sink. The
// frame clock never blocks on inbound audio: an empty queue plays silence
// in the dubbed stage and counts an underrun.
type Player struct {
	cfg     PlayerConfig
	dec     *Decoder
	queue   *SeqQueue
	dubbed  *audio.RampedGain
	orig    *audio.RampedGain
	metrics *observe.Metrics

	mu  sync.Mutex
	mix types.VolumeMixState

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// NewPlayer creates a player. The sink must already be open.
func NewPlayer(cfg PlayerConfig) (*Player, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("playback: sink is required")
	}
	dec, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	return &Player{
		cfg:     cfg,
		dec:     dec,
		queue:   NewSeqQueue(cfg.PendingWindow),
		dubbed:  audio.NewRampedGain(cfg.Mix.DubbedGain),
		orig:    audio.NewRampedGain(cfg.Mix.OriginalGain),
		metrics: cfg.Metrics,
		mix:     cfg.Mix,
		done:    make(chan struct{}),
	}, nil
}

// Start begins the playback loop. It returns immediately; the loop runs
// until Stop or context cancellation.
func (p *Player) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

// Stop halts the playback loop and waits for it to exit. Safe to call more
// than once. The sink is left open for the owner to close.
func (p *Player) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
		if p.cfg.Original != nil {
			// Keep the monitor producer unblocked until it closes its side.
			go audio.Drain(p.cfg.Original)
		}
	})
}

// HandleAudio decodes an inbound Opus payload and queues it for playback.
// Stale, duplicate, and out-of-window sequences are dropped idempotently.
// A decode failure drops the payload and is reported to the caller.
func (p *Player) HandleAudio(ctx context.Context, seq uint64, payload []byte) error {
	pcm, err := p.dec.Decode(payload)
	if err != nil {
		return err
	}
	if reason, ok := p.queue.Offer(seq, pcm); !ok {
		slog.Debug("dropping inbound audio", "seq", seq, "reason", string(reason))
		if p.metrics != nil {
			p.metrics.StaleAudioDropped.Add(ctx, 1, observe.Attr("reason", string(reason)))
		}
	}
	return nil
}

// SetMix ramps the gain stages to the given configuration over the fixed
// ramp interval. Takes effect on the next frame.
func (p *Player) SetMix(mix types.VolumeMixState) {
	p.mu.Lock()
	p.mix = mix
	p.mu.Unlock()
	p.dubbed.SetTarget(mix.DubbedGain, DecodeSampleRate)
	p.orig.SetTarget(mix.OriginalGain, DecodeSampleRate)
}

// Mix returns the currently configured gain state.
func (p *Player) Mix() types.VolumeMixState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mix
}

// ResetStream rewinds the sequencing queue for a fresh inbound stream.
func (p *Player) ResetStream() {
	p.queue.Reset()
}

func (p *Player) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(frameMillis * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.cfg.Sink.Write(p.frame(ctx)); err != nil {
				slog.Warn("playback sink write failed", "error", err)
			}
		}
	}
}

// frame produces one mixed output frame without blocking.
func (p *Player) frame(ctx context.Context) []byte {
	dubbed, ok := p.queue.Next()
	if !ok {
		dubbed = audio.Silence(FrameBytes)
		if p.metrics != nil {
			p.metrics.PlaybackUnderruns.Add(ctx, 1)
		}
	}
	p.dubbed.Apply(dubbed)

	original := p.originalFrame()
	p.orig.Apply(original)

	return audio.MixInto(dubbed, original)
}

// originalFrame pulls one monitor frame if available, silence otherwise.
func (p *Player) originalFrame() []byte {
	if p.cfg.Original == nil {
		return audio.Silence(FrameBytes)
	}
	select {
	case pcm, ok := <-p.cfg.Original:
		if !ok || len(pcm) == 0 {
			return audio.Silence(FrameBytes)
		}
		return pcm
	default:
		return audio.Silence(FrameBytes)
	}
}
