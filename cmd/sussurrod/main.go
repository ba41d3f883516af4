// Command sussurrod is the sussurro voice session server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/voxlab/sussurro/internal/audio/mic"
	"github.com/voxlab/sussurro/internal/config"
	"github.com/voxlab/sussurro/internal/correct"
	"github.com/voxlab/sussurro/internal/engine"
	"github.com/voxlab/sussurro/internal/health"
	"github.com/voxlab/sussurro/internal/history"
	"github.com/voxlab/sussurro/internal/observe"
	"github.com/voxlab/sussurro/internal/resilience"
	"github.com/voxlab/sussurro/internal/server"
	"github.com/voxlab/sussurro/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sussurrod: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sussurrod: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sussurrod starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"default_language", cfg.DefaultLanguage,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "sussurro",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── History store ─────────────────────────────────────────────────────────
	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		slog.Error("failed to open history store", "err", err)
		return 1
	}
	defer store.Close()

	// ── Session and server ────────────────────────────────────────────────────
	corrector := correct.New(
		correct.WithTechTerms(cfg.Corrections.TechTerms),
		correct.WithCommands(cfg.Corrections.Commands),
	)

	session := server.NewSession(cfg, engineProvider(cfg, logger, metrics),
		server.WithStore(store),
		server.WithCorrector(corrector),
		server.WithSessionLogger(logger),
		server.WithMetrics(metrics),
	)

	checks := map[string]health.Check{
		"history": func(ctx context.Context) error {
			_, err := store.Recent(ctx, 1)
			return err
		},
	}

	srv := server.New(cfg, session, logger, metrics, checks)

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// engineProvider builds the per-language recognition pipeline: a microphone
// source feeding a supervised worker process running the configured backend.
func engineProvider(cfg *config.Config, log *slog.Logger, metrics *observe.Metrics) server.EngineProvider {
	return func(language string) (server.Engine, error) {
		lang := cfg.Languages[language]
		kind := lang.Engine
		if kind == "" {
			kind = config.EngineVosk
		}

		launcher := &worker.ExecLauncher{
			Command: cfg.Worker.Command,
			Args: []string{
				"-engine", string(kind),
				"-language", language,
				"-model", lang.ModelPath,
				"-sample-rate", strconv.Itoa(cfg.Audio.SampleRate),
			},
		}
		breaker := resilience.NewRestartBreaker(resilience.RestartBreakerConfig{
			Name:        language,
			MaxFailures: cfg.Worker.Restart.MaxFailures,
			ResetWindow: cfg.Worker.Restart.ResetWindow,
		})
		sup := worker.NewSupervisor(launcher,
			worker.WithName(language),
			worker.WithResultTimeout(cfg.Worker.ResultTimeout),
			worker.WithShutdownTimeout(cfg.Worker.ShutdownTimeout),
			worker.WithBreaker(breaker),
			worker.WithLogger(log),
			worker.WithRestartHook(func() {
				metrics.RecordWorkerRestart(context.Background(), language)
			}),
		)

		source, err := mic.Open(cfg.Audio.SampleRate, cfg.Audio.BlockSize)
		if err != nil {
			return nil, err
		}
		return engine.New(language, sup, source, log, engine.WithMetrics(metrics)), nil
	}
}

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
