// Package conn maintains the persistent channel to the remote
// speech-translation service: dialing and handshake, the connection state
// machine, exponential-backoff reconnection, outbound frame delivery, and
// inbound message dispatch.
//
// Liveness beats completeness on this channel: outbound frames are silently
// dropped whenever the connection is not open, because stale audio has no
// value to a live translation.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dubwire/dubwire/internal/observe"
	"github.com/dubwire/dubwire/internal/protocol"
	"github.com/dubwire/dubwire/pkg/types"
)

// Default tuning applied when Config fields are zero.
const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxAttempts    = 10
	defaultPingInterval   = 15 * time.Second
	defaultProtoThreshold = 5
	writeTimeout          = 2 * time.Second
)

// ErrNotIdle is returned by Open when the manager has already been opened.
var ErrNotIdle = errors.New("conn: manager already opened")

// Config configures a [Manager].
type Config struct {
	// Endpoint is the websocket URL of the dubbing service.
	Endpoint string

	// Handshake is sent after every (re)connect. The credential inside it
	// is re-read for each dial via TokenFunc when set.
	Handshake protocol.Handshake

	// TokenFunc, when non-nil, refreshes Handshake.Token before each dial.
	TokenFunc func(ctx context.Context) (string, error)

	// Dialer establishes transports. Defaults to a [WebsocketDialer].
	Dialer Dialer

	// InitialBackoff is the delay before the first reconnect attempt.
	// Doubles per attempt up to MaxBackoff. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the doubling. Default: 30s.
	MaxBackoff time.Duration

	// MaxAttempts is the number of consecutive failed attempts before the
	// connection is abandoned. Default: 10.
	MaxAttempts int

	// PingInterval is the keep-alive period while open. Default: 15s.
	PingInterval time.Duration

	// ProtocolErrorThreshold is the number of consecutive malformed inbound
	// messages tolerated before the connection is recycled. Default: 5.
	ProtocolErrorThreshold int

	// OnMessage receives every well-formed inbound message. Called from the
	// read goroutine; must not block.
	OnMessage func(protocol.Message)

	// OnState receives every state transition. The error is non-nil only
	// for a terminal transition to Closed caused by a failure (auth
	// rejection or attempts exhausted). Called from the manager goroutine;
	// must not block.
	OnState func(state types.ConnectionState, err error)

	// Metrics records transitions and frame counters. May be nil.
	Metrics *observe.Metrics
}

// Manager drives the connection state machine:
//
//	Idle → Connecting → Open → Reconnecting → Connecting → … → Closed
//
// Open starts the machine; Close stops it from any state, cancelling any
// backoff timer immediately. All exported methods are safe for concurrent
// use.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	opened bool
	state  types.ConnectionState
	tr     Transport
	cancel context.CancelFunc

	stopOnce sync.Once
	done     chan struct{} // closed when the run goroutine exits
}

// New creates a Manager in the Idle state. Zero config fields get defaults.
func New(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = &WebsocketDialer{}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ProtocolErrorThreshold <= 0 {
		cfg.ProtocolErrorThreshold = defaultProtoThreshold
	}
	return &Manager{
		cfg:   cfg,
		state: types.ConnIdle,
		done:  make(chan struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open starts the connection state machine asynchronously. State
// transitions, including the initial Connecting, are delivered through
// Config.OnState. Returns [ErrNotIdle] if called more than once.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	// The state itself only leaves Idle once the run goroutine is
	// scheduled, so re-entry is guarded by a flag set synchronously here.
	if m.opened {
		m.mu.Unlock()
		return ErrNotIdle
	}
	m.opened = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

// Send delivers one outbound PCM16 frame. Valid only in the Open state;
// otherwise the frame is silently dropped and counted.
func (m *Manager) Send(data []byte) {
	m.mu.Lock()
	tr := m.tr
	open := m.state == types.ConnOpen
	m.mu.Unlock()

	if !open || tr == nil {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.FramesDropped.Add(context.Background(), 1, observe.Attr("reason", "not_open"))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := tr.WriteBinary(ctx, data); err != nil {
		// The read loop notices the dead transport and recycles it; the
		// frame itself is not retried.
		slog.Debug("conn: frame write failed", "err", err)
		return
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.FramesSent.Add(context.Background(), 1)
	}
}

// Close stops the state machine from any state. Pending backoff timers are
// cancelled immediately. Safe to call multiple times; blocks until the
// manager goroutine has exited.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		tr := m.tr
		started := cancel != nil
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if tr != nil {
			_ = tr.Close() // unblocks the read loop
		}
		if !started {
			// Never opened: transition Idle → Closed directly.
			m.setState(types.ConnClosed, nil)
			close(m.done)
			return
		}
		<-m.done
	})
}

// run is the connection state machine. It exits on auth rejection, attempts
// exhaustion, or context cancellation.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	backoff := m.cfg.InitialBackoff
	attempts := 0

	for {
		m.setState(types.ConnConnecting, nil)

		hs := m.cfg.Handshake
		if m.cfg.TokenFunc != nil {
			token, err := m.cfg.TokenFunc(ctx)
			if err != nil {
				m.setState(types.ConnClosed, fmt.Errorf("%w: %v", types.ErrAuthentication, err))
				return
			}
			hs.Token = token
		}

		tr, err := m.cfg.Dialer.Dial(ctx, m.cfg.Endpoint, hs)
		if err != nil {
			if m.handleFailure(ctx, err, &attempts, &backoff) {
				return
			}
			continue
		}

		attempts = 0
		backoff = m.cfg.InitialBackoff

		m.mu.Lock()
		m.tr = tr
		m.mu.Unlock()
		m.setState(types.ConnOpen, nil)

		err = m.serve(ctx, tr)

		m.mu.Lock()
		m.tr = nil
		m.mu.Unlock()
		_ = tr.Close()

		if m.handleFailure(ctx, err, &attempts, &backoff) {
			return
		}
	}
}

// handleFailure classifies a dial or serve error and either schedules the
// next attempt (returning false) or terminates the machine (returning true).
func (m *Manager) handleFailure(ctx context.Context, err error, attempts *int, backoff *time.Duration) (terminal bool) {
	if ctx.Err() != nil {
		// Deliberate stop.
		m.setState(types.ConnClosed, nil)
		return true
	}
	if errors.Is(err, types.ErrAuthentication) {
		// Rejected credential: never retried, distinct error upward so the
		// caller can re-authenticate.
		m.setState(types.ConnClosed, err)
		return true
	}

	*attempts++
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ReconnectAttempts.Add(context.Background(), 1)
	}
	if *attempts >= m.cfg.MaxAttempts {
		m.setState(types.ConnClosed, fmt.Errorf("conn: giving up after %d attempts: %w", *attempts, err))
		return true
	}

	slog.Warn("conn: connection lost, backing off",
		"attempt", *attempts,
		"max_attempts", m.cfg.MaxAttempts,
		"backoff", *backoff,
		"err", err,
	)
	m.setState(types.ConnReconnecting, nil)

	select {
	case <-ctx.Done():
		m.setState(types.ConnClosed, nil)
		return true
	case <-time.After(*backoff):
	}

	*backoff *= 2
	if *backoff > m.cfg.MaxBackoff {
		*backoff = m.cfg.MaxBackoff
	}
	return false
}

// serve reads inbound messages until the transport fails, dispatching each
// well-formed message and policing the protocol-error threshold. A ping
// keep-alive runs alongside the read loop.
func (m *Manager) serve(ctx context.Context, tr Transport) error {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := tr.Ping(pingCtx); err != nil {
					return
				}
			}
		}
	}()

	protoErrs := 0
	for {
		raw, err := tr.ReadMessage(ctx)
		if err != nil {
			return err
		}

		msg, err := protocol.Parse(raw)
		if err != nil {
			protoErrs++
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.ProtocolErrors.Add(context.Background(), 1)
			}
			slog.Warn("conn: dropping malformed message", "err", err, "consecutive", protoErrs)
			if protoErrs >= m.cfg.ProtocolErrorThreshold {
				return fmt.Errorf("%w: %d consecutive malformed messages", types.ErrProtocol, protoErrs)
			}
			continue
		}
		protoErrs = 0

		if m.cfg.Metrics != nil {
			m.cfg.Metrics.InboundMessages.Add(context.Background(), 1, observe.Attr("type", string(msg.Type)))
		}
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(msg)
		}
	}
}

// setState records and publishes a state transition.
func (m *Manager) setState(s types.ConnectionState, err error) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	if err != nil {
		slog.Error("conn: state change", "state", s, "err", err)
	} else {
		slog.Debug("conn: state change", "state", s)
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ConnStateChanges.Add(context.Background(), 1, observe.Attr("state", string(s)))
	}
	if m.cfg.OnState != nil {
		m.cfg.OnState(s, err)
	}
}
