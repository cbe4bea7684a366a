// Command dubwire is the live-dubbing session client: it captures source
// audio, streams it to the speech-translation service, and plays the dubbed
// result mixed with the original.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dubwire/dubwire/internal/config"
	"github.com/dubwire/dubwire/internal/credential"
	"github.com/dubwire/dubwire/internal/health"
	"github.com/dubwire/dubwire/internal/observe"
	"github.com/dubwire/dubwire/internal/quota"
	"github.com/dubwire/dubwire/internal/relay"
	"github.com/dubwire/dubwire/internal/session"
	"github.com/dubwire/dubwire/internal/store"
	"github.com/dubwire/dubwire/pkg/types"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	saveToken := flag.String("save-token", "", "encrypt and store the service auth token, then exit")
	deleteToken := flag.Bool("delete-token", false, "remove the stored auth token, then exit")
	sourceLang := flag.String("source", "", "override the configured source language")
	targetLang := flag.String("target", "", "override the configured target language")
	dubbing := flag.Bool("dubbing", true, "enable dubbed audio playback")
	subtitles := flag.Bool("subtitles", false, "enable live subtitle delivery")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dubwire: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dubwire: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Client.LogLevel)
	slog.SetDefault(logger)

	slog.Info("dubwire starting",
		"version", version,
		"config", *configPath,
		"endpoint", cfg.Service.Endpoint,
		"log_level", cfg.Client.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics provider ──────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Local store and credential vault ──────────────────────────────────────
	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open local store", "err", err, "path", cfg.Store.Path)
		return 1
	}
	defer st.Close()

	vault, err := credential.New(st, machineSecret())
	if err != nil {
		slog.Error("failed to initialise credential vault", "err", err)
		return 1
	}

	// ── Token management modes ────────────────────────────────────────────────
	if *saveToken != "" {
		if err := vault.SaveToken(ctx, *saveToken); err != nil {
			slog.Error("failed to store token", "err", err)
			return 1
		}
		fmt.Println("token stored")
		return 0
	}
	if *deleteToken {
		if err := vault.DeleteToken(ctx); err != nil {
			slog.Error("failed to delete token", "err", err)
			return 1
		}
		fmt.Println("token deleted")
		return 0
	}

	// ── Quota ledger ──────────────────────────────────────────────────────────
	var remote quota.Remote
	if cfg.Quota.Endpoint != "" {
		remote = quota.NewHTTPRemote(cfg.Quota.Endpoint, vault,
			quota.WithTimeout(cfg.Quota.SyncTimeout.Std()))
	}
	ledger, err := quota.NewLedger(ctx, quota.LedgerConfig{
		Remote:        remote,
		Store:         st,
		SyncInterval:  cfg.Quota.SyncInterval.Std(),
		OfflinePolicy: cfg.Quota.OfflinePolicy,
		MaxStaleness:  cfg.Quota.MaxStaleness.Std(),
	})
	if err != nil {
		slog.Error("failed to initialise quota ledger", "err", err)
		return 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ledger.Run(gctx)
		return nil
	})

	// ── Relay and coordinator ─────────────────────────────────────────────────
	rl := relay.New(cfg.Relay.Enabled, cfg.Relay.HeartbeatInterval.Std())
	defer rl.Close()

	coord, err := session.NewCoordinator(ctx, session.CoordinatorConfig{
		Cfg:     cfg,
		Vault:   vault,
		Ledger:  ledger,
		Store:   st,
		Relay:   rl,
		Metrics: metrics,
	})
	if err != nil {
		slog.Error("failed to initialise session coordinator", "err", err)
		return 1
	}

	// ── Health and metrics endpoint ───────────────────────────────────────────
	var healthSrv *http.Server
	if cfg.Client.ListenAddr != "" {
		srv := newHealthServer(cfg.Client.ListenAddr, st, rl)
		healthSrv = srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health endpoint: %w", err)
			}
			return nil
		})
		slog.Info("health endpoint listening", "addr", cfg.Client.ListenAddr)
	}

	// ── Start the session ─────────────────────────────────────────────────────
	sess, err := coord.Start(ctx, session.StartRequest{
		SourceLanguage: *sourceLang,
		TargetLanguage: *targetLang,
		Modes: types.ModeFlags{
			AudioDubbing:  *dubbing,
			LiveSubtitles: *subtitles,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrNoCredential):
			slog.Error("no stored credential — run with -save-token first")
		case errors.Is(err, types.ErrQuotaExceeded):
			slog.Error("daily dubbing quota exhausted", "quota", ledger.Record())
		case errors.Is(err, types.ErrAuthentication):
			slog.Error("service rejected the stored credential", "err", err)
		default:
			slog.Error("failed to start session", "err", err)
		}
		return 1
	}
	slog.Info("dubbing — press Ctrl+C to stop",
		"session_id", sess.ID,
		"source_lang", sess.SourceLanguage,
		"target_lang", sess.TargetLanguage,
	)

	// Blocks until a signal arrives or a background component fails.
	<-gctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := coord.Stop(shutdownCtx); err != nil {
		slog.Error("session stop error", "err", err)
		return 1
	}
	if healthSrv != nil {
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health endpoint shutdown error", "err", err)
		}
	}
	stop()
	if err := g.Wait(); err != nil {
		slog.Error("background component failed", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newHealthServer assembles the local control endpoint: liveness and
// readiness probes, the status snapshot, and Prometheus metrics.
func newHealthServer(addr string, st *store.Store, rl *relay.Relay) *http.Server {
	h := health.New(rl.Status, health.Checker{
		Name:  "store",
		Check: st.Ping,
	})

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// machineSecret returns a host-stable secret for sealing the credential.
func machineSecret() []byte {
	if raw, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return []byte(id)
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dubwire-local"
	}
	return []byte(host)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
