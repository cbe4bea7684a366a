// Package session implements the coordinator that owns the lifecycle of a
// dubbing session: it validates start requests, reserves quota, brings up
// the connection and both audio pipelines, and tears everything down in
// order on stop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dubwire/dubwire/internal/capture"
	"github.com/dubwire/dubwire/internal/config"
	"github.com/dubwire/dubwire/internal/conn"
	"github.com/dubwire/dubwire/internal/credential"
	"github.com/dubwire/dubwire/internal/observe"
	"github.com/dubwire/dubwire/internal/playback"
	"github.com/dubwire/dubwire/internal/protocol"
	"github.com/dubwire/dubwire/internal/quota"
	"github.com/dubwire/dubwire/internal/relay"
	"github.com/dubwire/dubwire/internal/store"
	"github.com/dubwire/dubwire/pkg/types"
)

// mixKey is the store key for the persisted volume mix preference.
const mixKey = "state"

// StartRequest describes a requested session. Empty language fields fall
// back to the configured defaults.
type StartRequest struct {
	SourceLanguage string
	TargetLanguage string
	Modes          types.ModeFlags
}

// CoordinatorConfig wires the coordinator's collaborators. Cfg, Vault,
// Ledger, Store, and Relay are required; the remaining fields override
// production implementations in tests.
type CoordinatorConfig struct {
	Cfg    *config.Config
	Vault  *credential.Vault
	Ledger *quota.Ledger
	Store  *store.Store
	Relay  *relay.Relay

	// Metrics is optional.
	Metrics *observe.Metrics

	// Dialer overrides the websocket dialer.
	Dialer conn.Dialer

	// Source overrides the capture device.
	Source capture.Source

	// SinkFactory overrides the playback output device.
	SinkFactory func() (playback.Sink, error)
}

// Coordinator owns the single live session. All public methods are safe
// for concurrent use; at most one session is live at a time and a second
// start attempt fails with [types.ErrSessionConflict].
type Coordinator struct {
	cfg CoordinatorConfig

	mu        sync.Mutex
	state     types.SessionState
	connState types.ConnectionState
	sess      types.Session
	mix       types.VolumeMixState
	reserved  float64
	startedAt time.Time

	mgr      *conn.Manager
	pipeline *capture.Pipeline
	player   *playback.Player
	sink     playback.Sink
	runCtx   context.Context
	cancel   context.CancelFunc
}

// NewCoordinator creates a coordinator, restores the persisted mix
// preference, and registers the relay status provider.
func NewCoordinator(ctx context.Context, cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Cfg == nil || cfg.Vault == nil || cfg.Ledger == nil || cfg.Store == nil || cfg.Relay == nil {
		return nil, fmt.Errorf("session: config, vault, ledger, store and relay are required")
	}

	c := &Coordinator{
		cfg:       cfg,
		state:     types.SessionEnded,
		connState: types.ConnIdle,
		mix:       initialMix(cfg.Cfg.Mix),
	}
	if err := c.restoreMix(ctx); err != nil {
		slog.Warn("could not restore mix preference", "error", err)
	}
	cfg.Relay.SetStatusFunc(c.status)
	return c, nil
}

// initialMix derives the startup mix from configuration.
func initialMix(mc config.MixConfig) types.VolumeMixState {
	if mc.Preset == types.PresetCustom {
		return types.VolumeMixState{
			OriginalGain: mc.OriginalGain,
			DubbedGain:   mc.DubbedGain,
			Preset:       types.PresetCustom,
		}
	}
	return types.MixForPreset(mc.Preset)
}

// Start brings up a session: it validates the request, reserves quota,
// opens the connection, and starts both audio pipelines. It returns once
// the first connection attempt succeeds or terminally fails. Quota
// rejection happens before any connection attempt.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (types.Session, error) {
	if !req.Modes.Any() {
		return types.Session{}, fmt.Errorf("session: at least one of audio dubbing or live subtitles must be enabled")
	}

	c.mu.Lock()
	if c.state == types.SessionStarting || c.state == types.SessionActive || c.state == types.SessionStopping {
		c.mu.Unlock()
		return types.Session{}, types.ErrSessionConflict
	}
	c.setStateLocked(types.SessionStarting)
	c.mu.Unlock()

	sess, err := c.start(ctx, req)
	if err != nil {
		c.mu.Lock()
		c.releaseLocked()
		targets := c.detachLocked()
		c.setStateLocked(types.SessionEnded)
		c.mu.Unlock()
		c.teardown(targets)
		return types.Session{}, err
	}
	return sess, nil
}

func (c *Coordinator) start(ctx context.Context, req StartRequest) (types.Session, error) {
	svc := c.cfg.Cfg.Service
	if req.SourceLanguage == "" {
		req.SourceLanguage = svc.SourceLanguage
	}
	if req.TargetLanguage == "" {
		req.TargetLanguage = svc.TargetLanguage
	}

	estimate := c.cfg.Cfg.Quota.EstimateSeconds
	if err := c.cfg.Ledger.CheckAndReserve(estimate); err != nil {
		return types.Session{}, err
	}

	sess := types.Session{
		ID:             uuid.NewString(),
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		Modes:          req.Modes,
		State:          types.SessionStarting,
	}

	c.mu.Lock()
	c.sess = sess
	c.reserved = estimate
	c.mu.Unlock()
	c.cfg.Ledger.SetSessionID(sess.ID)
	c.publishQuota(ctx)

	if err := c.bringUp(ctx, sess, req.Modes); err != nil {
		return types.Session{}, err
	}

	c.mu.Lock()
	c.startedAt = time.Now()
	c.sess.StartedAt = c.startedAt
	c.sess.State = types.SessionActive
	c.setStateLocked(types.SessionActive)
	sess = c.sess
	c.mu.Unlock()

	c.cfg.Relay.SessionActive(c.runCtx, true, sess.ID)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("session active",
		"session_id", sess.ID,
		"source_lang", sess.SourceLanguage,
		"target_lang", sess.TargetLanguage,
		"dubbing", sess.Modes.AudioDubbing,
		"subtitles", sess.Modes.LiveSubtitles)
	return sess, nil
}

// bringUp opens the playback and capture pipelines and the connection. On
// any failure it leaves cleanup to the caller.
func (c *Coordinator) bringUp(ctx context.Context, sess types.Session, modes types.ModeFlags) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	if modes.AudioDubbing {
		if err := c.openPlayback(runCtx); err != nil {
			return err
		}
	}

	ready := make(chan error, 1)
	mgr := conn.New(c.connConfig(sess, ready))
	c.mu.Lock()
	c.mgr = mgr
	c.mu.Unlock()
	if err := mgr.Open(runCtx); err != nil {
		return err
	}

	select {
	case err := <-ready:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	return c.openCapture(runCtx, mgr)
}

func (c *Coordinator) openPlayback(ctx context.Context) error {
	pb := c.cfg.Cfg.Audio.Playback
	var (
		sink playback.Sink
		err  error
	)
	if c.cfg.SinkFactory != nil {
		sink, err = c.cfg.SinkFactory()
	} else {
		sink, err = playback.NewDeviceSink(pb.SampleRate, pb.PendingWindow)
	}
	if err != nil {
		return fmt.Errorf("session: open playback sink: %w", err)
	}

	player, err := playback.NewPlayer(playback.PlayerConfig{
		Sink:          sink,
		PendingWindow: pb.PendingWindow,
		Mix:           c.Mix(),
		Metrics:       c.cfg.Metrics,
	})
	if err != nil {
		sink.Close()
		return err
	}
	player.Start(ctx)

	c.mu.Lock()
	c.sink = sink
	c.player = player
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) openCapture(ctx context.Context, mgr *conn.Manager) error {
	cc := c.cfg.Cfg.Audio.Capture

	src := c.cfg.Source
	if src == nil {
		dev, err := capture.NewDeviceSource(cc.DeviceID, capture.SourceFormat{
			SampleRate: cc.SampleRate,
			Channels:   1,
		})
		if err != nil {
			return fmt.Errorf("session: open capture device: %w", err)
		}
		src = dev
	}

	pipeline, err := capture.NewPipeline(capture.PipelineConfig{
		Source:      src,
		TargetRate:  cc.SampleRate,
		FrameMillis: cc.FrameMillis,
		QueueFrames: cc.QueueFrames,
		Send:        mgr.Send,
		Metrics:     c.cfg.Metrics,
	})
	if err != nil {
		return err
	}
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("session: start capture: %w", err)
	}

	c.mu.Lock()
	c.pipeline = pipeline
	c.mu.Unlock()
	return nil
}

// connConfig builds the connection manager configuration for a session.
// The ready channel receives the outcome of the initial connection attempt
// exactly once.
func (c *Coordinator) connConfig(sess types.Session, ready chan<- error) conn.Config {
	svc := c.cfg.Cfg.Service
	var readyOnce sync.Once

	return conn.Config{
		Endpoint: svc.Endpoint,
		Handshake: protocol.Handshake{
			SourceLanguage: sess.SourceLanguage,
			TargetLanguage: sess.TargetLanguage,
			AudioDubbing:   sess.Modes.AudioDubbing,
			LiveSubtitles:  sess.Modes.LiveSubtitles,
		},
		TokenFunc:      c.cfg.Vault.Token,
		Dialer:         c.cfg.Dialer,
		InitialBackoff: svc.Reconnect.InitialBackoff.Std(),
		MaxBackoff:     svc.Reconnect.MaxBackoff.Std(),
		MaxAttempts:    svc.Reconnect.MaxAttempts,
		OnMessage:      c.handleMessage,
		OnState: func(s types.ConnectionState, err error) {
			switch s {
			case types.ConnOpen:
				readyOnce.Do(func() { ready <- nil })
			case types.ConnClosed:
				// A nil error on Closed means the bring-up was cancelled
				// before the connection ever opened.
				readyOnce.Do(func() {
					if err != nil {
						ready <- err
					} else {
						ready <- context.Canceled
					}
				})
			}
			c.handleConnState(s, err)
		},
		Metrics: c.cfg.Metrics,
	}
}

// handleConnState mirrors connection transitions into status events and
// ends the session when the connection is terminally lost.
func (c *Coordinator) handleConnState(s types.ConnectionState, err error) {
	c.mu.Lock()
	prev := c.connState
	c.connState = s
	active := c.state == types.SessionActive
	sessID := c.sess.ID
	player := c.player
	c.mu.Unlock()

	c.cfg.Relay.Publish(relay.Event{
		Type:      relay.EventConnectionState,
		SessionID: sessID,
		Payload:   string(s),
	})

	// A fresh connection restarts the inbound sequence space.
	if s == types.ConnOpen && prev == types.ConnReconnecting && player != nil {
		player.ResetStream()
	}

	if s == types.ConnClosed && err != nil && active {
		slog.Error("connection terminally lost, ending session", "session_id", sessID, "error", err)
		go func() {
			if stopErr := c.Stop(context.Background()); stopErr != nil {
				slog.Warn("stop after connection loss failed", "error", stopErr)
			}
		}()
	}
}

// handleMessage dispatches inbound server messages.
func (c *Coordinator) handleMessage(msg protocol.Message) {
	c.mu.Lock()
	player := c.player
	sessID := c.sess.ID
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	switch msg.Type {
	case protocol.TypeAudio:
		if player == nil {
			return
		}
		if err := player.HandleAudio(ctx, msg.Audio.Seq, msg.Audio.Payload); err != nil {
			slog.Warn("dropping undecodable audio", "seq", msg.Audio.Seq, "error", err)
		}
	case protocol.TypeSubtitle:
		c.cfg.Relay.Publish(relay.Event{
			Type:      relay.EventSubtitle,
			SessionID: sessID,
			Payload:   msg.Subtitle,
		})
	case protocol.TypeTranscript:
		slog.Debug("transcript", "text", msg.Transcript.Text)
	case protocol.TypeError:
		slog.Warn("server error", "code", msg.Error.Code, "message", msg.Error.Message)
	}
}

// Stop tears the session down and settles quota. Stopping a session that
// is not active is a no-op, except mid-start: then the bring-up is
// cancelled and the pending Start call releases the reservation. The
// actual elapsed time replaces the reservation exactly once.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == types.SessionStarting {
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	if c.state != types.SessionActive {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(types.SessionStopping)
	sessID := c.sess.ID
	startedAt := c.startedAt
	reserved := c.reserved
	c.reserved = 0
	targets := c.detachLocked()
	c.mu.Unlock()

	elapsed := time.Since(startedAt)
	c.cfg.Ledger.DeductActual(elapsed.Seconds(), reserved)

	c.teardown(targets)

	c.mu.Lock()
	c.sess.AccumulatedDuration = elapsed
	c.sess.State = types.SessionEnded
	c.setStateLocked(types.SessionEnded)
	c.mu.Unlock()

	c.cfg.Relay.SessionActive(ctx, false, sessID)
	c.publishQuota(ctx)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveSessions.Add(ctx, -1)
		c.cfg.Metrics.SessionDuration.Record(ctx, elapsed.Seconds())
	}

	if err := c.cfg.Ledger.Sync(ctx); err != nil {
		slog.Debug("final quota sync failed", "error", err)
	}

	slog.Info("session ended", "session_id", sessID, "duration", elapsed.Round(time.Second))
	return nil
}

// teardownTargets holds components detached from the coordinator, ready
// to be stopped without c.mu held.
type teardownTargets struct {
	pipeline *capture.Pipeline
	mgr      *conn.Manager
	player   *playback.Player
	sink     playback.Sink
	cancel   context.CancelFunc
}

// detachLocked removes the session components from the coordinator so
// they can be torn down after releasing the lock. The connection manager
// delivers state callbacks that re-enter handleConnState, which needs
// c.mu, so closing it under the lock would deadlock. Must be called with
// c.mu held; idempotent.
func (c *Coordinator) detachLocked() teardownTargets {
	t := teardownTargets{
		pipeline: c.pipeline,
		mgr:      c.mgr,
		player:   c.player,
		sink:     c.sink,
		cancel:   c.cancel,
	}
	c.pipeline = nil
	c.mgr = nil
	c.player = nil
	c.sink = nil
	c.cancel = nil
	c.connState = types.ConnIdle
	return t
}

// teardown stops detached components. Must not be called with c.mu held.
func (c *Coordinator) teardown(t teardownTargets) {
	if t.pipeline != nil {
		t.pipeline.Stop()
	}
	if t.mgr != nil {
		t.mgr.Close()
	}
	if t.player != nil {
		t.player.Stop()
	}
	if t.sink != nil {
		if err := t.sink.Close(); err != nil {
			slog.Warn("closing playback sink failed", "error", err)
		}
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// releaseLocked returns an unconsumed reservation to the ledger. Must be
// called with c.mu held.
func (c *Coordinator) releaseLocked() {
	if c.reserved > 0 {
		c.cfg.Ledger.Release(c.reserved)
		c.reserved = 0
	}
}

// SetMix applies and persists a new volume mix. Takes effect within one
// ramp interval on a live session and is restored on the next one.
func (c *Coordinator) SetMix(ctx context.Context, mix types.VolumeMixState) error {
	if mix.OriginalGain < 0 || mix.OriginalGain > 1 || mix.DubbedGain < 0 || mix.DubbedGain > 1 {
		return fmt.Errorf("session: mix gains must be within [0, 1]")
	}
	if mix.Preset == "" {
		mix.Preset = types.PresetCustom
	}

	c.mu.Lock()
	c.mix = mix
	player := c.player
	sessID := c.sess.ID
	c.mu.Unlock()

	if player != nil {
		player.SetMix(mix)
	}

	raw, err := json.Marshal(mix)
	if err != nil {
		return fmt.Errorf("session: encode mix preference: %w", err)
	}
	if err := c.cfg.Store.Put(ctx, store.NSMix, mixKey, raw); err != nil {
		return fmt.Errorf("session: persist mix preference: %w", err)
	}

	c.cfg.Relay.Publish(relay.Event{
		Type:      relay.EventMixChanged,
		SessionID: sessID,
		Payload:   mix,
	})
	return nil
}

// Mix returns the current volume mix.
func (c *Coordinator) Mix() types.VolumeMixState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mix
}

// Session returns a snapshot of the current (or most recent) session.
func (c *Coordinator) Session() types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sess
	if c.state == types.SessionActive {
		s.AccumulatedDuration = time.Since(c.startedAt)
	}
	return s
}

// State returns the current session lifecycle state.
func (c *Coordinator) State() types.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Shutdown stops any live session and releases coordinator resources.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.Stop(ctx)
}

// restoreMix loads the persisted mix preference, if any.
func (c *Coordinator) restoreMix(ctx context.Context) error {
	raw, err := c.cfg.Store.Get(ctx, store.NSMix, mixKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var mix types.VolumeMixState
	if err := json.Unmarshal(raw, &mix); err != nil {
		return fmt.Errorf("decode mix preference: %w", err)
	}
	c.mu.Lock()
	c.mix = mix
	c.mu.Unlock()
	return nil
}

// setStateLocked records a lifecycle transition and broadcasts it. Must be
// called with c.mu held.
func (c *Coordinator) setStateLocked(s types.SessionState) {
	if c.state == s {
		return
	}
	slog.Debug("session state change", "from", string(c.state), "to", string(s))
	c.state = s
	sessID := c.sess.ID
	go c.cfg.Relay.Publish(relay.Event{
		Type:      relay.EventSessionState,
		SessionID: sessID,
		Payload:   string(s),
	})
}

func (c *Coordinator) publishQuota(ctx context.Context) {
	rec := c.cfg.Ledger.Record()
	c.cfg.Relay.Publish(relay.Event{Type: relay.EventQuotaUpdated, Payload: rec})
	if c.cfg.Metrics != nil {
		observe.RecordGauge(ctx, c.cfg.Metrics.QuotaUsedSeconds, rec.DailyUsedSeconds)
		observe.RecordGauge(ctx, c.cfg.Metrics.QuotaReservedSeconds, rec.ReservedSeconds)
	}
}

// status is the relay status provider.
func (c *Coordinator) status() relay.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return relay.Status{
		SessionState:    c.state,
		ConnectionState: c.connState,
		SessionID:       c.sess.ID,
		Quota:           c.cfg.Ledger.Record(),
		Mix:             c.mix,
	}
}
