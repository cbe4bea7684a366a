package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dubwire/dubwire/pkg/types"
)

// Defaults applied to zero-valued fields after decoding.
const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultInitialBackoff   = 1 * time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultMaxAttempts      = 10

	defaultCaptureRate   = 16000
	defaultFrameMillis   = 20
	defaultQueueFrames   = 8
	defaultPlaybackRate  = 48000
	defaultPendingWindow = 32

	defaultEstimateSeconds = 60.0
	defaultSyncInterval    = 60 * time.Second
	defaultSyncTimeout     = 5 * time.Second
	defaultMaxStaleness    = 24 * time.Hour

	defaultHeartbeatInterval = 20 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Client.LogLevel == "" {
		cfg.Client.LogLevel = LogInfo
	}

	if cfg.Service.HandshakeTimeout <= 0 {
		cfg.Service.HandshakeTimeout = Duration(defaultHandshakeTimeout)
	}
	if cfg.Service.Reconnect.InitialBackoff <= 0 {
		cfg.Service.Reconnect.InitialBackoff = Duration(defaultInitialBackoff)
	}
	if cfg.Service.Reconnect.MaxBackoff <= 0 {
		cfg.Service.Reconnect.MaxBackoff = Duration(defaultMaxBackoff)
	}
	if cfg.Service.Reconnect.MaxAttempts <= 0 {
		cfg.Service.Reconnect.MaxAttempts = defaultMaxAttempts
	}

	if cfg.Audio.Capture.SampleRate <= 0 {
		cfg.Audio.Capture.SampleRate = defaultCaptureRate
	}
	if cfg.Audio.Capture.FrameMillis <= 0 {
		cfg.Audio.Capture.FrameMillis = defaultFrameMillis
	}
	if cfg.Audio.Capture.QueueFrames <= 0 {
		cfg.Audio.Capture.QueueFrames = defaultQueueFrames
	}
	if cfg.Audio.Playback.SampleRate <= 0 {
		cfg.Audio.Playback.SampleRate = defaultPlaybackRate
	}
	if cfg.Audio.Playback.PendingWindow <= 0 {
		cfg.Audio.Playback.PendingWindow = defaultPendingWindow
	}

	if cfg.Quota.EstimateSeconds <= 0 {
		cfg.Quota.EstimateSeconds = defaultEstimateSeconds
	}
	if cfg.Quota.SyncInterval <= 0 {
		cfg.Quota.SyncInterval = Duration(defaultSyncInterval)
	}
	if cfg.Quota.SyncTimeout <= 0 {
		cfg.Quota.SyncTimeout = Duration(defaultSyncTimeout)
	}
	if cfg.Quota.OfflinePolicy == "" {
		cfg.Quota.OfflinePolicy = FailOpen
	}
	if cfg.Quota.MaxStaleness <= 0 {
		cfg.Quota.MaxStaleness = Duration(defaultMaxStaleness)
	}

	if cfg.Relay.HeartbeatInterval <= 0 {
		cfg.Relay.HeartbeatInterval = Duration(defaultHeartbeatInterval)
	}

	if cfg.Mix.Preset == "" {
		cfg.Mix.Preset = types.PresetBoth
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Client.LogLevel != "" && !cfg.Client.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("client.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Client.LogLevel))
	}

	if cfg.Service.Endpoint == "" {
		errs = append(errs, errors.New("service.endpoint is required"))
	}
	if cfg.Service.Reconnect.MaxBackoff.Std() < cfg.Service.Reconnect.InitialBackoff.Std() {
		errs = append(errs, fmt.Errorf("service.reconnect.max_backoff %v is below initial_backoff %v",
			cfg.Service.Reconnect.MaxBackoff.Std(), cfg.Service.Reconnect.InitialBackoff.Std()))
	}

	if ms := cfg.Audio.Capture.FrameMillis; ms > 0 {
		if cfg.Audio.Capture.SampleRate*ms%1000 != 0 {
			errs = append(errs, fmt.Errorf("audio.capture: frame_ms %d does not divide into whole samples at %d Hz",
				ms, cfg.Audio.Capture.SampleRate))
		}
	}

	if !cfg.Quota.OfflinePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("quota.offline_policy %q is invalid; valid values: fail_open, fail_closed", cfg.Quota.OfflinePolicy))
	}

	if cfg.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}

	switch cfg.Mix.Preset {
	case types.PresetDubbedOnly, types.PresetBoth, types.PresetOriginalOnly:
	case types.PresetCustom:
		if cfg.Mix.OriginalGain < 0 || cfg.Mix.OriginalGain > 1 {
			errs = append(errs, fmt.Errorf("mix.original_gain %.2f is out of range [0, 1]", cfg.Mix.OriginalGain))
		}
		if cfg.Mix.DubbedGain < 0 || cfg.Mix.DubbedGain > 1 {
			errs = append(errs, fmt.Errorf("mix.dubbed_gain %.2f is out of range [0, 1]", cfg.Mix.DubbedGain))
		}
	default:
		errs = append(errs, fmt.Errorf("mix.preset %q is invalid; valid values: dubbed_only, both, original_only, custom", cfg.Mix.Preset))
	}

	return errors.Join(errs...)
}
