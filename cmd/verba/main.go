// Command verba is the voice assistant client. It streams microphone
// audio to the configured live provider, plays the assistant's replies,
// persists finished turns, and serves health and metrics endpoints.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verba-ai/verba/internal/app"
	"github.com/verba-ai/verba/internal/config"
	"github.com/verba-ai/verba/internal/health"
	"github.com/verba-ai/verba/internal/observe"
	"github.com/verba-ai/verba/pkg/audio/capture"
	"github.com/verba-ai/verba/pkg/audio/playback"
	"github.com/verba-ai/verba/pkg/convo"
	"github.com/verba-ai/verba/pkg/convo/memstore"
	"github.com/verba-ai/verba/pkg/convo/postgres"
	"github.com/verba-ai/verba/pkg/live"
	"github.com/verba-ai/verba/pkg/live/gemini"
	"github.com/verba-ai/verba/pkg/textgen"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	defaultConfig := os.Getenv("VERBA_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "path to the YAML configuration file (env VERBA_CONFIG)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "verba: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "verba: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("verba starting",
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	// ── Config watcher ────────────────────────────────────────────────────────
	// The log level applies live; everything else needs a restart.
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		d := config.Diff(old, updated)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "log_level", d.NewLogLevel)
		}
		if len(d.RestartNeeded) > 0 {
			slog.Warn("config changes need a restart to apply",
				"sections", strings.Join(d.RestartNeeded, ", "))
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "verba"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Conversation store ────────────────────────────────────────────────────
	var (
		store        convo.Store
		storeChecker health.Checker
	)
	switch cfg.Store.Backend {
	case config.StorePostgres:
		pg, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("failed to open conversation store", "err", err)
			return 1
		}
		defer pg.Close()
		store = pg
		storeChecker = health.Checker{Name: "store", Check: pg.Ping}
		slog.Info("conversation store ready", "backend", "postgres")
	default:
		store = memstore.New()
		storeChecker = health.Checker{Name: "store", Check: func(context.Context) error { return nil }}
		slog.Info("conversation store ready", "backend", "memory")
	}

	// ── Live provider ─────────────────────────────────────────────────────────
	if cfg.Live.Provider != "gemini" {
		slog.Error("unsupported live provider", "provider", cfg.Live.Provider)
		return 1
	}
	apiKey := cfg.Live.ResolveAPIKey()
	if apiKey == "" {
		slog.Error("no API key configured — set live.api_key or the env var named by live.api_key_env")
		return 1
	}
	var liveOpts []gemini.Option
	if cfg.Live.Model != "" {
		liveOpts = append(liveOpts, gemini.WithModel(cfg.Live.Model))
	}
	if cfg.Live.BaseURL != "" {
		liveOpts = append(liveOpts, gemini.WithBaseURL(cfg.Live.BaseURL))
	}
	if cfg.Live.Keepalive > 0 {
		liveOpts = append(liveOpts, gemini.WithKeepalive(time.Duration(cfg.Live.Keepalive)))
	}
	provider := gemini.New(apiKey, liveOpts...)

	// ── Text generation (conversation titles) ─────────────────────────────────
	var titler app.Titler
	if cfg.Textgen.Provider != "" {
		var genOpts []anyllmlib.Option
		if cfg.Textgen.APIKey != "" {
			genOpts = append(genOpts, anyllmlib.WithAPIKey(cfg.Textgen.APIKey))
		}
		if cfg.Textgen.BaseURL != "" {
			genOpts = append(genOpts, anyllmlib.WithBaseURL(cfg.Textgen.BaseURL))
		}
		gen, err := textgen.New(cfg.Textgen.Provider, cfg.Textgen.Model, genOpts...)
		if err != nil {
			slog.Error("failed to create text generator", "err", err)
			return 1
		}
		if cfg.Textgen.Titles {
			titler = textgen.NewTitler(gen)
		}
	}

	// ── Session controller ────────────────────────────────────────────────────
	ctrlOpts := []app.Option{
		app.WithSessionConfig(live.SessionConfig{
			Model:        cfg.Live.Model,
			Voice:        cfg.Live.Voice,
			Instructions: cfg.Live.Instructions,
		}),
		app.WithMetrics(metrics),
	}
	if titler != nil {
		ctrlOpts = append(ctrlOpts, app.WithTitler(titler))
	}
	ctrl := app.New(
		provider,
		capture.NewPortAudio(cfg.Audio.InputDevice),
		playback.NewPortAudioOpener(cfg.Audio.OutputDevice),
		store,
		ctrlOpts...,
	)

	// ── Metrics and health listener ───────────────────────────────────────────
	var httpSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		health.New(
			storeChecker,
			health.Checker{Name: "session", Check: func(context.Context) error {
				if st := ctrl.State(); st == live.StateError {
					return fmt.Errorf("session state %s: %v", st, ctrl.Err())
				}
				return nil
			}},
		).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())

		httpSrv = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics listener started", "addr", cfg.Metrics.ListenAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listener failed", "err", err)
			}
		}()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Run the session ───────────────────────────────────────────────────────
	if err := ctrl.Start(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}
	slog.Info("session ready — press Ctrl+C to stop")

	exitCode := 0
	select {
	case <-ctx.Done():
	case <-ctrl.Done():
		if err := ctrl.Err(); err != nil {
			slog.Error("session ended", "err", err)
			exitCode = 1
		} else {
			slog.Info("session ended by remote")
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := ctrl.Stop(); err != nil {
		slog.Warn("session stop error", "err", err)
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics listener shutdown error", "err", err)
		}
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	liveVal := cfg.Live.Provider
	if cfg.Live.Model != "" {
		liveVal += " / " + cfg.Live.Model
	}
	titlesVal := "(disabled)"
	if cfg.Textgen.Provider != "" && cfg.Textgen.Titles {
		titlesVal = cfg.Textgen.Provider
		if cfg.Textgen.Model != "" {
			titlesVal += " / " + cfg.Textgen.Model
		}
	}
	metricsVal := "(disabled)"
	if cfg.Metrics.Enabled {
		metricsVal = cfg.Metrics.ListenAddr
	}

	fmt.Println("╔════════════════════════════════════╗")
	fmt.Println("║        verba — startup summary     ║")
	fmt.Println("╠════════════════════════════════════╣")
	printRow("Live", liveVal)
	printRow("Voice", cfg.Live.Voice)
	printRow("Store", string(cfg.Store.Backend))
	printRow("Titles", titlesVal)
	printRow("Input", cfg.Audio.InputDevice)
	printRow("Output", cfg.Audio.OutputDevice)
	printRow("Metrics", metricsVal)
	fmt.Println("╚════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 21 {
		value = value[:18] + "…"
	}
	fmt.Printf("║  %-9s : %-21s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
