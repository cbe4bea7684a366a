package config

import (
	"strings"
	"testing"
	"time"

	"github.com/dubwire/dubwire/pkg/types"
)

const minimalYAML = `
service:
  endpoint: "wss://dub.example.com/v1/stream"
store:
  path: "dubwire.db"
`

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Client.LogLevel != LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Client.LogLevel)
	}
	if got := cfg.Service.Reconnect.InitialBackoff.Std(); got != time.Second {
		t.Errorf("initial_backoff = %v, want 1s", got)
	}
	if got := cfg.Service.Reconnect.MaxBackoff.Std(); got != 30*time.Second {
		t.Errorf("max_backoff = %v, want 30s", got)
	}
	if cfg.Service.Reconnect.MaxAttempts != 10 {
		t.Errorf("max_attempts = %d, want 10", cfg.Service.Reconnect.MaxAttempts)
	}
	if cfg.Audio.Capture.SampleRate != 16000 {
		t.Errorf("capture rate = %d, want 16000", cfg.Audio.Capture.SampleRate)
	}
	if cfg.Audio.Capture.FrameMillis != 20 {
		t.Errorf("frame_ms = %d, want 20", cfg.Audio.Capture.FrameMillis)
	}
	if cfg.Audio.Playback.SampleRate != 48000 {
		t.Errorf("playback rate = %d, want 48000", cfg.Audio.Playback.SampleRate)
	}
	if cfg.Audio.Playback.PendingWindow != 32 {
		t.Errorf("pending_window = %d, want 32", cfg.Audio.Playback.PendingWindow)
	}
	if cfg.Quota.EstimateSeconds != 60 {
		t.Errorf("estimate_seconds = %v, want 60", cfg.Quota.EstimateSeconds)
	}
	if cfg.Quota.OfflinePolicy != FailOpen {
		t.Errorf("offline_policy = %q, want fail_open", cfg.Quota.OfflinePolicy)
	}
	if got := cfg.Quota.MaxStaleness.Std(); got != 24*time.Hour {
		t.Errorf("max_staleness = %v, want 24h", got)
	}
	if cfg.Mix.Preset != types.PresetBoth {
		t.Errorf("mix preset = %q, want both", cfg.Mix.Preset)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	yaml := `
client:
  listen_addr: "127.0.0.1:8090"
  log_level: debug
service:
  endpoint: "wss://dub.example.com/v1/stream"
  handshake_timeout: 5s
  source_lang: en
  target_lang: ja
  reconnect:
    initial_backoff: 500ms
    max_backoff: 10s
    max_attempts: 4
audio:
  capture:
    sample_rate: 16000
    frame_ms: 40
    queue_frames: 16
  playback:
    pending_window: 64
quota:
  endpoint: "https://dub.example.com/v1/quota/sync"
  offline_policy: fail_closed
  max_staleness: 1h
relay:
  enabled: true
  heartbeat_interval: 10s
store:
  path: "/var/lib/dubwire/state.db"
mix:
  preset: custom
  original_gain: 0.5
  dubbed_gain: 0.9
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Service.TargetLanguage != "ja" {
		t.Errorf("target_lang = %q, want ja", cfg.Service.TargetLanguage)
	}
	if got := cfg.Service.Reconnect.InitialBackoff.Std(); got != 500*time.Millisecond {
		t.Errorf("initial_backoff = %v, want 500ms", got)
	}
	if cfg.Audio.Capture.FrameMillis != 40 {
		t.Errorf("frame_ms = %d, want 40", cfg.Audio.Capture.FrameMillis)
	}
	if cfg.Quota.OfflinePolicy != FailClosed {
		t.Errorf("offline_policy = %q, want fail_closed", cfg.Quota.OfflinePolicy)
	}
	if !cfg.Relay.Enabled {
		t.Error("relay not enabled")
	}
	if cfg.Mix.Preset != types.PresetCustom || cfg.Mix.DubbedGain != 0.9 {
		t.Errorf("mix = %+v", cfg.Mix)
	}
}

func TestLoadFromReader_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing endpoint",
			yaml: "store:\n  path: db\n",
			want: "service.endpoint is required",
		},
		{
			name: "missing store path",
			yaml: "service:\n  endpoint: wss://x\n",
			want: "store.path is required",
		},
		{
			name: "unknown field",
			yaml: minimalYAML + "widgets: 3\n",
			want: "decode yaml",
		},
		{
			name: "bad log level",
			yaml: minimalYAML + "client:\n  log_level: loud\n",
			want: "client.log_level",
		},
		{
			name: "bad offline policy",
			yaml: minimalYAML + "quota:\n  offline_policy: maybe\n",
			want: "quota.offline_policy",
		},
		{
			name: "bad duration",
			yaml: minimalYAML + "quota:\n  sync_interval: soon\n",
			want: "invalid duration",
		},
		{
			name: "frame does not divide",
			yaml: minimalYAML + "audio:\n  capture:\n    sample_rate: 44100\n    frame_ms: 23\n",
			want: "whole samples",
		},
		{
			name: "backoff inversion",
			yaml: "service:\n  endpoint: wss://x\n  reconnect:\n    initial_backoff: 10s\n    max_backoff: 2s\nstore:\n  path: db\n",
			want: "max_backoff",
		},
		{
			name: "custom mix gain out of range",
			yaml: minimalYAML + "mix:\n  preset: custom\n  original_gain: 1.5\n",
			want: "original_gain",
		},
		{
			name: "unknown preset",
			yaml: minimalYAML + "mix:\n  preset: loudest\n",
			want: "mix.preset",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("LoadFromReader succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadFromReader_CollectsAllErrors(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("{}"))
	if err == nil {
		t.Fatal("empty config validated, want errors")
	}
	msg := err.Error()
	for _, want := range []string{"service.endpoint", "store.path"} {
		if !strings.Contains(msg, want) {
			t.Errorf("joined error %q is missing %q", msg, want)
		}
	}
}
