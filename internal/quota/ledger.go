// Package quota implements the usage ledger for dubbing time: optimistic
// reservations taken at session start, actual deduction at session stop, and
// periodic reconciliation against the remote authority.
//
// The local record is advisory. Every successful sync overwrites the local
// used/limit values with the server's; the invariant used+reserved ≤ limit
// is enforced locally for capped tiers under a single mutex so concurrent
// reserve/deduct/sync interleavings cannot lose updates.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dubwire/dubwire/internal/config"
	"github.com/dubwire/dubwire/internal/store"
	"github.com/dubwire/dubwire/pkg/types"
)

const snapshotKey = "snapshot"

// Remote reconciles the local ledger with the authoritative server-side one.
type Remote interface {
	// Sync pushes the client's view and pulls the canonical values.
	Sync(ctx context.Context, req SyncRequest) (SyncResponse, error)
}

// SyncRequest is the payload pushed to the quota authority.
type SyncRequest struct {
	// SessionID is the currently active session, if any.
	SessionID string `json:"session_id,omitempty"`

	// ClientUsedSeconds is the client's view of today's confirmed usage.
	ClientUsedSeconds float64 `json:"client_used_seconds"`
}

// SyncResponse carries the authoritative values, which always win.
type SyncResponse struct {
	ServerUsedSeconds float64   `json:"server_used_seconds"`
	DailyLimitSeconds *float64  `json:"daily_limit_seconds"`
	ResetAt           time.Time `json:"reset_at"`
}

// LedgerConfig holds the dependencies and tuning for a [Ledger].
type LedgerConfig struct {
	// Remote is the sync client. Nil disables reconciliation (local-only
	// accounting, always treated as fresh).
	Remote Remote

	// Store persists the quota snapshot across restarts. May be nil.
	Store *store.Store

	// SyncInterval is the period between reconciliations. Default: 60s.
	SyncInterval time.Duration

	// OfflinePolicy selects fail-open or fail-closed reservation behaviour
	// when the snapshot is stale. Default: fail-open.
	OfflinePolicy config.OfflinePolicy

	// MaxStaleness is the snapshot age beyond which fail-closed starts
	// rejecting reservations. Default: 24h.
	MaxStaleness time.Duration
}

// Ledger tracks daily dubbing-time usage. All exported methods are safe for
// concurrent use; the active session mutates counters concurrently with the
// periodic sync.
type Ledger struct {
	remote       Remote
	st           *store.Store
	syncInterval time.Duration
	policy       config.OfflinePolicy
	maxStaleness time.Duration

	mu        sync.Mutex
	rec       types.QuotaRecord
	sessionID string
}

// NewLedger creates a Ledger, restoring any persisted snapshot from the
// store.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 60 * time.Second
	}
	if cfg.OfflinePolicy == "" {
		cfg.OfflinePolicy = config.FailOpen
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = 24 * time.Hour
	}

	l := &Ledger{
		remote:       cfg.Remote,
		st:           cfg.Store,
		syncInterval: cfg.SyncInterval,
		policy:       cfg.OfflinePolicy,
		maxStaleness: cfg.MaxStaleness,
	}

	if l.st != nil {
		if raw, err := l.st.Get(ctx, store.NSQuota, snapshotKey); err == nil {
			var rec types.QuotaRecord
			if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil {
				// A reservation can never survive a restart; the session
				// holding it is gone.
				rec.ReservedSeconds = 0
				l.rec = rec
			} else {
				slog.Warn("quota: discarding unreadable snapshot", "err", jsonErr)
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("quota: load snapshot: %w", err)
		}
	}

	return l, nil
}

// CheckAndReserve atomically compares used+reserved+estimated against the
// daily limit and takes the reservation when it fits. Unlimited tiers always
// succeed. Returns [types.ErrQuotaExceeded] when the reservation does not
// fit, or [types.ErrQuotaStale] under the fail-closed offline policy when
// the snapshot is too old.
func (l *Ledger) CheckAndReserve(estimatedSeconds float64) error {
	if estimatedSeconds < 0 {
		return fmt.Errorf("quota: negative estimate %f", estimatedSeconds)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(time.Now())

	if l.remote != nil && l.policy == config.FailClosed {
		if age := time.Since(l.rec.LastSyncAt); age > l.maxStaleness {
			return fmt.Errorf("%w: last sync %s ago", types.ErrQuotaStale, age.Round(time.Second))
		}
	}

	if l.rec.DailyLimitSeconds != nil {
		limit := *l.rec.DailyLimitSeconds
		if l.rec.DailyUsedSeconds+l.rec.ReservedSeconds+estimatedSeconds > limit {
			return fmt.Errorf("%w: used %.0fs + reserved %.0fs + estimate %.0fs exceeds limit %.0fs",
				types.ErrQuotaExceeded, l.rec.DailyUsedSeconds, l.rec.ReservedSeconds, estimatedSeconds, limit)
		}
	}

	l.rec.ReservedSeconds += estimatedSeconds
	return nil
}

// DeductActual converts a reservation into confirmed usage: used grows by
// actualSeconds, the reservation of reservedSeconds is released, and any
// over/under estimate is thereby reconciled.
func (l *Ledger) DeductActual(actualSeconds, reservedSeconds float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(time.Now())

	if actualSeconds > 0 {
		l.rec.DailyUsedSeconds += actualSeconds
	}
	l.releaseLocked(reservedSeconds)
	l.persistLocked()
}

// Release returns an unused reservation without deducting anything. Called
// when a session fails between reservation and activation.
func (l *Ledger) Release(reservedSeconds float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(reservedSeconds)
}

// SetSessionID attaches the active session's ID to subsequent sync requests.
// Pass "" when no session is active.
func (l *Ledger) SetSessionID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = id
}

// Record returns a copy of the current quota record.
func (l *Ledger) Record() types.QuotaRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec
}

// Sync pushes local usage to the remote authority and overwrites the local
// record with the canonical response. A nil remote makes Sync a no-op.
// Sync never blocks session start/stop: counters are only locked for the
// brief reconcile step, not for the network round-trip.
func (l *Ledger) Sync(ctx context.Context) error {
	if l.remote == nil {
		return nil
	}

	l.mu.Lock()
	req := SyncRequest{
		SessionID:         l.sessionID,
		ClientUsedSeconds: l.rec.DailyUsedSeconds,
	}
	l.mu.Unlock()

	resp, err := l.remote.Sync(ctx, req)
	if err != nil {
		return fmt.Errorf("quota: sync: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rec.DailyUsedSeconds = resp.ServerUsedSeconds
	l.rec.DailyLimitSeconds = resp.DailyLimitSeconds
	l.rec.ResetAt = resp.ResetAt
	l.rec.LastSyncAt = time.Now()
	l.persistLocked()

	slog.Debug("quota: synced",
		"used", l.rec.DailyUsedSeconds,
		"reserved", l.rec.ReservedSeconds,
		"unlimited", l.rec.DailyLimitSeconds == nil,
	)
	return nil
}

// Run performs periodic syncs until ctx is cancelled. Failures are logged;
// reservation behaviour under a stale snapshot is governed by the offline
// policy.
func (l *Ledger) Run(ctx context.Context) {
	if l.remote == nil {
		return
	}

	ticker := time.NewTicker(l.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Sync(ctx); err != nil {
				slog.Warn("quota: periodic sync failed", "err", err, "policy", l.policy)
			}
		}
	}
}

// releaseLocked shrinks the reservation, never below zero.
func (l *Ledger) releaseLocked(reservedSeconds float64) {
	l.rec.ReservedSeconds -= reservedSeconds
	if l.rec.ReservedSeconds < 0 {
		l.rec.ReservedSeconds = 0
	}
}

// rolloverLocked resets local counters when the day boundary has passed.
// The reset is provisional until the next sync confirms it.
func (l *Ledger) rolloverLocked(now time.Time) {
	if l.rec.ResetAt.IsZero() || now.Before(l.rec.ResetAt) {
		return
	}
	slog.Info("quota: day boundary crossed, resetting local counters",
		"reset_at", l.rec.ResetAt, "used_before", l.rec.DailyUsedSeconds)
	l.rec.DailyUsedSeconds = 0
	l.rec.ResetAt = l.rec.ResetAt.Add(24 * time.Hour)
	l.persistLocked()
}

// persistLocked writes the snapshot to the store, best effort.
func (l *Ledger) persistLocked() {
	if l.st == nil {
		return
	}
	raw, err := json.Marshal(l.rec)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.st.Put(ctx, store.NSQuota, snapshotKey, raw); err != nil {
		slog.Warn("quota: persist snapshot failed", "err", err)
	}
}
