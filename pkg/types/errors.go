package types

import "errors"

// Error taxonomy surfaced by the connection manager and quota ledger.
// The session coordinator is the single point that translates these into
// session-state transitions; callers test them with [errors.Is].
var (
	// ErrTransientNetwork marks a recoverable network failure. The connection
	// manager retries these with exponential backoff.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrAuthentication marks a rejected credential. Fatal to the session,
	// never retried; the caller must re-authenticate.
	ErrAuthentication = errors.New("authentication rejected")

	// ErrQuotaExceeded is returned when a quota reservation cannot be made.
	// Fatal to session start; no connection attempt is made.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrProtocol marks a malformed inbound message. Individual occurrences
	// are logged and dropped; it surfaces upward only past a recurrence
	// threshold.
	ErrProtocol = errors.New("protocol error")

	// ErrSessionConflict is returned by Start when a session is already
	// active on this host.
	ErrSessionConflict = errors.New("a session is already active")

	// ErrQuotaStale is returned under the fail-closed offline policy when
	// the local quota snapshot is too old to authorise new reservations.
	ErrQuotaStale = errors.New("quota snapshot is stale")
)
