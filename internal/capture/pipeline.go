package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dubwire/dubwire/internal/observe"
	"github.com/dubwire/dubwire/pkg/audio"
)

// PipelineConfig configures a [Pipeline].
type PipelineConfig struct {
	// Source supplies raw audio. Required.
	Source Source

	// TargetRate is the outbound PCM16 sample rate in Hz.
	TargetRate int

	// FrameMillis is the fixed frame duration.
	FrameMillis int

	// QueueFrames bounds the handoff queue between the capture callback
	// and the delivery goroutine. When full, new frames are dropped.
	QueueFrames int

	// Send delivers one complete frame. Typically the connection manager's
	// Send; it must tolerate being called at real-time cadence.
	Send func(data []byte)

	// Metrics counts dropped frames. May be nil.
	Metrics *observe.Metrics
}

// Pipeline runs the capture source, frames its output, and delivers frames
// to Send on a dedicated goroutine so encoding jitter can never stall the
// device callback and network stalls can never block capture.
type Pipeline struct {
	cfg    PipelineConfig
	framer *Framer
	queue  chan audio.Frame

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPipeline creates a stopped pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("capture: pipeline requires a source")
	}
	if cfg.TargetRate <= 0 || cfg.FrameMillis <= 0 {
		return nil, fmt.Errorf("capture: invalid target format: rate=%d frame_ms=%d", cfg.TargetRate, cfg.FrameMillis)
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 8
	}
	return &Pipeline{
		cfg:    cfg,
		framer: NewFramer(cfg.Source.Format(), cfg.TargetRate, cfg.FrameMillis),
		queue:  make(chan audio.Frame, cfg.QueueFrames),
	}, nil
}

// FrameBytes returns the fixed outbound frame size in bytes.
func (p *Pipeline) FrameBytes() int { return p.framer.FrameBytes() }

// Start begins capture and delivery. Returns an error if already running or
// if the source fails to start.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("capture: pipeline already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.framer.Reset()

	go p.deliver(runCtx)

	if err := p.cfg.Source.Start(p.onChunk); err != nil {
		cancel()
		<-p.done
		return err
	}

	p.running = true
	slog.Info("capture: pipeline started",
		"rate", p.cfg.TargetRate,
		"frame_ms", p.cfg.FrameMillis,
		"frame_bytes", p.framer.FrameBytes(),
	)
	return nil
}

// Stop halts capture. Frames still queued are discarded. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false

	_ = p.cfg.Source.Stop()
	p.cancel()
	<-p.done
	slog.Info("capture: pipeline stopped")
}

// onChunk is the capture callback. It runs on the device's real-time
// thread: framing is cheap fixed-cost work, and the queue handoff never
// blocks.
func (p *Pipeline) onChunk(raw []byte) {
	for _, frame := range p.framer.Push(raw) {
		select {
		case p.queue <- frame:
		default:
			// Delivery has fallen behind; dropping beats buffering stale
			// audio.
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.FramesDropped.Add(context.Background(), 1, observe.Attr("reason", "queue_full"))
			}
		}
	}
}

// deliver pulls frames off the queue and hands them to Send.
func (p *Pipeline) deliver(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.queue:
			p.cfg.Send(frame.Data)
		}
	}
}
