// Package types defines the shared domain types of the dubwire live-dubbing
// client: session and connection state machines, quota accounting records,
// volume mix settings, and the error taxonomy exchanged between components.
package types

import "time"

// SessionState is the lifecycle state of a dubbing [Session].
type SessionState string

const (
	SessionCreated  SessionState = "created"
	SessionStarting SessionState = "starting"
	SessionActive   SessionState = "active"
	SessionStopping SessionState = "stopping"
	SessionEnded    SessionState = "ended"
)

// ConnectionState is the state of the persistent channel to the remote
// speech-translation service.
type ConnectionState string

const (
	ConnIdle         ConnectionState = "idle"
	ConnConnecting   ConnectionState = "connecting"
	ConnOpen         ConnectionState = "open"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnClosed       ConnectionState = "closed"
)

// ModeFlags selects which outputs a session produces. At least one flag must
// be set for a session to start.
type ModeFlags struct {
	// AudioDubbing enables decoded dubbed audio playback mixed with the
	// original source.
	AudioDubbing bool `json:"audio_dubbing" yaml:"audio_dubbing"`

	// LiveSubtitles enables translated subtitle text delivery.
	LiveSubtitles bool `json:"live_subtitles" yaml:"live_subtitles"`
}

// Any reports whether at least one mode flag is set.
func (m ModeFlags) Any() bool {
	return m.AudioDubbing || m.LiveSubtitles
}

// Session describes one bounded period of active real-time dubbing or
// subtitling. Exactly one live Session exists per host at a time.
type Session struct {
	// ID uniquely identifies the session.
	ID string `json:"id"`

	// SourceLanguage is the BCP-47 language tag of the original audio.
	SourceLanguage string `json:"source_language"`

	// TargetLanguage is the BCP-47 language tag of the dubbed output.
	TargetLanguage string `json:"target_language"`

	// Modes selects the requested outputs.
	Modes ModeFlags `json:"modes"`

	// State is the current lifecycle state.
	State SessionState `json:"state"`

	// StartedAt records when the session entered the active state.
	StartedAt time.Time `json:"started_at"`

	// AccumulatedDuration is the total active time so far.
	AccumulatedDuration time.Duration `json:"accumulated_duration"`
}

// QuotaRecord is the local view of daily usage against the remote quota
// authority. The local record is advisory; the remote is authoritative and
// overwrites local values on every successful sync.
type QuotaRecord struct {
	// DailyUsedSeconds is the confirmed usage for the current day.
	DailyUsedSeconds float64 `json:"daily_used_seconds"`

	// DailyLimitSeconds is the daily allowance. Nil means unlimited.
	DailyLimitSeconds *float64 `json:"daily_limit_seconds"`

	// ReservedSeconds is the optimistic pre-deduction held by a running or
	// starting session, pending confirmation.
	ReservedSeconds float64 `json:"reserved_seconds"`

	// ResetAt is when the daily counter rolls over, as reported by the remote.
	ResetAt time.Time `json:"reset_at"`

	// LastSyncAt records the last successful reconciliation with the remote.
	LastSyncAt time.Time `json:"last_sync_at"`
}

// Unlimited reports whether this record belongs to an uncapped tier.
func (q QuotaRecord) Unlimited() bool {
	return q.DailyLimitSeconds == nil
}

// Remaining returns the seconds still available after usage and reservations.
// For unlimited tiers it returns 0 and false.
func (q QuotaRecord) Remaining() (float64, bool) {
	if q.DailyLimitSeconds == nil {
		return 0, false
	}
	r := *q.DailyLimitSeconds - q.DailyUsedSeconds - q.ReservedSeconds
	if r < 0 {
		r = 0
	}
	return r, true
}

// MixPreset is a named combination of original/dubbed gain levels.
type MixPreset string

const (
	// PresetDubbedOnly mutes the original source and plays only dubbed audio.
	PresetDubbedOnly MixPreset = "dubbed_only"

	// PresetBoth plays dubbed audio over an attenuated original source.
	PresetBoth MixPreset = "both"

	// PresetOriginalOnly passes the original source through unchanged.
	PresetOriginalOnly MixPreset = "original_only"

	// PresetCustom indicates user-supplied gain values.
	PresetCustom MixPreset = "custom"
)

// VolumeMixState holds the output gain configuration. Gains are linear in
// the range [0, 1].
type VolumeMixState struct {
	OriginalGain float64   `json:"original_gain"`
	DubbedGain   float64   `json:"dubbed_gain"`
	Preset       MixPreset `json:"preset"`
}

// MixForPreset returns the canonical gain values for a named preset.
// PresetCustom returns the zero value; callers supply their own gains.
func MixForPreset(p MixPreset) VolumeMixState {
	switch p {
	case PresetDubbedOnly:
		return VolumeMixState{OriginalGain: 0, DubbedGain: 1, Preset: p}
	case PresetOriginalOnly:
		return VolumeMixState{OriginalGain: 1, DubbedGain: 0, Preset: p}
	case PresetBoth:
		return VolumeMixState{OriginalGain: 0.25, DubbedGain: 1, Preset: p}
	default:
		return VolumeMixState{Preset: PresetCustom}
	}
}

// AccountInfo is the minimal cached account descriptor persisted locally.
type AccountInfo struct {
	// AccountID identifies the account at the remote service.
	AccountID string `json:"account_id"`

	// DisplayName is the human-readable account name.
	DisplayName string `json:"display_name"`

	// Tier is the subscription tier name (e.g. "free", "pro").
	Tier string `json:"tier"`
}
