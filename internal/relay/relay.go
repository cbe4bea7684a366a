// Package relay bridges the long-lived session context and short-lived
// control surfaces. It broadcasts session events to subscribers, answers
// status queries from a snapshot provider, and emits a keep-alive
// heartbeat while a session is active so the hosting context is not
// reclaimed mid-session.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dubwire/dubwire/pkg/types"
)

// EventType identifies a broadcast event.
type EventType string

const (
	// EventSessionState fires on every session lifecycle transition.
	EventSessionState EventType = "session_state"
	// EventConnectionState fires on connection state transitions.
	EventConnectionState EventType = "connection_state"
	// EventQuotaUpdated fires when the quota ledger changes.
	EventQuotaUpdated EventType = "quota_updated"
	// EventAuthChanged fires when credentials are saved or cleared.
	EventAuthChanged EventType = "auth_changed"
	// EventSubtitle carries an inbound subtitle line.
	EventSubtitle EventType = "subtitle"
	// EventMixChanged fires when the volume mix configuration changes.
	EventMixChanged EventType = "mix_changed"
	// EventHeartbeat is the keep-alive emitted while a session is active.
	EventHeartbeat EventType = "heartbeat"
)

// Event is one broadcast message.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// Status is the snapshot answered to status queries.
type Status struct {
	SessionState    types.SessionState    `json:"session_state"`
	ConnectionState types.ConnectionState `json:"connection_state"`
	SessionID       string                `json:"session_id,omitempty"`
	Quota           types.QuotaRecord     `json:"quota"`
	Mix             types.VolumeMixState  `json:"mix"`
	Authenticated   bool                  `json:"authenticated"`
}

// StatusFunc produces the current status snapshot. Set by the session
// coordinator once it owns the state.
type StatusFunc func() Status

const defaultHeartbeatInterval = 20 * time.Second

// Relay fans events out to subscribers. A disabled relay accepts every
// call and does nothing, so callers never branch on configuration.
type Relay struct {
	enabled  bool
	interval time.Duration

	mu       sync.RWMutex
	subs     map[int]chan Event
	nextID   int
	statusFn StatusFunc

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
}

// New creates a relay. A zero interval selects the default heartbeat
// period.
func New(enabled bool, heartbeatInterval time.Duration) *Relay {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	return &Relay{
		enabled:  enabled,
		interval: heartbeatInterval,
		subs:     make(map[int]chan Event),
	}
}

// SetStatusFunc installs the snapshot provider for status queries.
func (r *Relay) SetStatusFunc(fn StatusFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusFn = fn
}

// Subscribe registers a listener and returns its event channel plus a
// cancel function. The channel is buffered; a subscriber that falls
// behind loses events rather than stalling the publisher.
func (r *Relay) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	if !r.enabled {
		return ch, func() {}
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// Publish broadcasts an event to all subscribers. Never blocks: slow
// subscribers are skipped. The read lock is held across the sends;
// cancellation closes channels under the write lock, so a channel can
// never be closed mid-broadcast.
func (r *Relay) Publish(ev Event) {
	if !r.enabled {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("relay subscriber behind, dropping event", "type", string(ev.Type))
		}
	}
}

// Status answers a status query from the installed snapshot provider.
// Returns the zero status when no provider is installed.
func (r *Relay) Status() Status {
	r.mu.RLock()
	fn := r.statusFn
	r.mu.RUnlock()
	if fn == nil {
		return Status{}
	}
	return fn()
}

// SessionActive toggles the keep-alive heartbeat. The heartbeat runs only
// while a session is active; toggling is idempotent.
func (r *Relay) SessionActive(ctx context.Context, active bool, sessionID string) {
	if !r.enabled {
		return
	}

	r.hbMu.Lock()
	defer r.hbMu.Unlock()

	if !active {
		if r.hbCancel != nil {
			r.hbCancel()
			r.hbCancel = nil
		}
		return
	}
	if r.hbCancel != nil {
		return
	}

	hbCtx, cancel := context.WithCancel(ctx)
	r.hbCancel = cancel
	go r.heartbeat(hbCtx, sessionID)
}

// Close stops the heartbeat and closes all subscriber channels.
func (r *Relay) Close() {
	r.hbMu.Lock()
	if r.hbCancel != nil {
		r.hbCancel()
		r.hbCancel = nil
	}
	r.hbMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}

func (r *Relay) heartbeat(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Publish(Event{Type: EventHeartbeat, SessionID: sessionID})
		}
	}
}
