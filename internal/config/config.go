// Package config provides the configuration schema and YAML loader for the
// dubwire live-dubbing client.
package config

import (
	"fmt"
	"time"

	"github.com/dubwire/dubwire/pkg/types"
)

// LogLevel controls log verbosity for the client.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// OfflinePolicy selects quota behaviour when the remote ledger is
// unreachable during sync.
type OfflinePolicy string

const (
	// FailOpen proceeds on the last known local snapshot.
	FailOpen OfflinePolicy = "fail_open"

	// FailClosed blocks new reservations once the snapshot is older than
	// quota.max_staleness.
	FailClosed OfflinePolicy = "fail_closed"
)

// IsValid reports whether p is a recognised offline policy.
func (p OfflinePolicy) IsValid() bool {
	return p == FailOpen || p == FailClosed
}

// Duration wraps [time.Duration] with YAML decoding from strings like "30s".
type Duration time.Duration

// UnmarshalYAML decodes a duration string via [time.ParseDuration].
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for dubwire.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Service ServiceConfig `yaml:"service"`
	Audio   AudioConfig   `yaml:"audio"`
	Quota   QuotaConfig   `yaml:"quota"`
	Relay   RelayConfig   `yaml:"relay"`
	Store   StoreConfig   `yaml:"store"`
	Mix     MixConfig     `yaml:"mix"`
}

// ClientConfig holds process-level settings.
type ClientConfig struct {
	// ListenAddr is the TCP address for the health and metrics endpoints
	// (e.g. "127.0.0.1:8090"). Empty disables the HTTP listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ServiceConfig describes the remote speech-translation service and the
// reconnection policy for its persistent channel.
type ServiceConfig struct {
	// Endpoint is the websocket URL of the dubbing service
	// (e.g. "wss://dub.example.com/v1/stream").
	Endpoint string `yaml:"endpoint"`

	// HandshakeTimeout bounds the wait for the server's ready status after
	// the websocket opens. Default: 10s.
	HandshakeTimeout Duration `yaml:"handshake_timeout"`

	// SourceLanguage and TargetLanguage are the default language pair used
	// when a start request leaves them empty.
	SourceLanguage string `yaml:"source_lang"`
	TargetLanguage string `yaml:"target_lang"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes the exponential backoff applied after an unexpected
// disconnect.
type ReconnectConfig struct {
	// InitialBackoff is the delay before the first retry. Doubles each
	// attempt. Default: 1s.
	InitialBackoff Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the doubling. Default: 30s.
	MaxBackoff Duration `yaml:"max_backoff"`

	// MaxAttempts is the number of attempts before the connection is
	// abandoned and the session ends. Default: 10.
	MaxAttempts int `yaml:"max_attempts"`
}

// AudioConfig holds capture and playback pipeline settings.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig tunes the outbound capture/encode pipeline.
type CaptureConfig struct {
	// DeviceID selects a specific capture device. Empty uses the system
	// default.
	DeviceID string `yaml:"device_id"`

	// SampleRate is the outbound PCM16 sample rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameMillis is the fixed frame duration. Default: 20.
	FrameMillis int `yaml:"frame_ms"`

	// QueueFrames bounds how many frames may queue between the framer and
	// the connection before new frames are dropped. Default: 8.
	QueueFrames int `yaml:"queue_frames"`
}

// PlaybackConfig tunes the inbound decode/playback pipeline.
type PlaybackConfig struct {
	// SampleRate is the decoded dubbed audio rate in Hz. Default: 48000.
	SampleRate int `yaml:"sample_rate"`

	// PendingWindow is the sequencing buffer size: audio messages whose
	// sequence number is more than this far ahead of the last played one
	// are dropped rather than waited for. Default: 32.
	PendingWindow int `yaml:"pending_window"`
}

// QuotaConfig tunes the usage ledger and its reconciliation with the remote
// authority.
type QuotaConfig struct {
	// Endpoint is the HTTP URL of the quota sync API. Empty disables
	// remote sync (local-only accounting).
	Endpoint string `yaml:"endpoint"`

	// EstimateSeconds is the optimistic reservation taken when a session
	// starts. Default: 60.
	EstimateSeconds float64 `yaml:"estimate_seconds"`

	// SyncInterval is the period between reconciliations. Default: 60s.
	SyncInterval Duration `yaml:"sync_interval"`

	// SyncTimeout bounds each sync request. Default: 5s.
	SyncTimeout Duration `yaml:"sync_timeout"`

	// OfflinePolicy selects fail-open or fail-closed behaviour when the
	// remote is unreachable. Default: fail_open.
	OfflinePolicy OfflinePolicy `yaml:"offline_policy"`

	// MaxStaleness is how old the local snapshot may be before fail_closed
	// starts rejecting reservations. Default: 24h.
	MaxStaleness Duration `yaml:"max_staleness"`
}

// RelayConfig tunes the cross-context relay. On hosts that never suspend
// the coordinating process the relay can be left disabled.
type RelayConfig struct {
	// Enabled turns the relay on. Default: false.
	Enabled bool `yaml:"enabled"`

	// HeartbeatInterval is the keep-alive period while a session is active.
	// Must be shorter than the host's idle-suspension window. Default: 20s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// StoreConfig locates the local persisted state.
type StoreConfig struct {
	// Path is the SQLite database file holding the encrypted credential,
	// cached account descriptor, quota snapshot, and mix preference.
	Path string `yaml:"path"`
}

// MixConfig holds the initial volume mix applied before any persisted
// preference is restored.
type MixConfig struct {
	// Preset names the initial mix. Default: both.
	Preset types.MixPreset `yaml:"preset"`

	// OriginalGain and DubbedGain apply only when Preset is "custom".
	OriginalGain float64 `yaml:"original_gain"`
	DubbedGain   float64 `yaml:"dubbed_gain"`
}
