package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arkon-ai/arkon/internal/config"
	"github.com/arkon-ai/arkon/internal/gateway"
	"github.com/arkon-ai/arkon/internal/logger"
	"github.com/arkon-ai/arkon/internal/store"
	"github.com/arkon-ai/arkon/internal/tracing"
	"github.com/arkon-ai/arkon/pkg/dispatcher"
	"github.com/arkon-ai/arkon/pkg/identity"
	"github.com/arkon-ai/arkon/pkg/router"
	"github.com/arkon-ai/arkon/pkg/runner"
	"github.com/arkon-ai/arkon/pkg/session"
	"github.com/arkon-ai/arkon/pkg/taskqueue"
	"github.com/arkon-ai/arkon/pkg/transcribe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the arkon daemon",
	Long: `Run the arkon daemon in the foreground: the HTTP gateway, session
store, agent router, and engine orchestrator. Stops cleanly on SIGINT or
SIGTERM, draining in-flight requests and reaping engine processes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer lg.Close()
	log := lg.GetZerolog()

	if err := tracing.InitOpenTelemetry("arkon"); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.ShutdownOpenTelemetry(ctx)
		}()
	}

	db, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	signer, err := identity.NewSigner(cfg.Auth.SigningSecret, cfg.TokenLifetime())
	if err != nil {
		return err
	}
	legacy, err := identity.NewLegacyStore(db.DB())
	if err != nil {
		return err
	}
	resolver, err := identity.NewResolver(signer, legacy, log)
	if err != nil {
		return err
	}
	accounts, err := identity.NewRegistry(db.DB(), signer)
	if err != nil {
		return err
	}

	sessions, err := session.NewStore(db.DB(), cfg.SessionExpiry(), cfg.Session.HistoryCap)
	if err != nil {
		return err
	}
	purger, err := session.NewPurger(sessions, "@hourly", log)
	if err != nil {
		return err
	}
	purger.Start()
	defer purger.Stop()

	rt, err := router.New(cfg.Router.Threshold)
	if err != nil {
		return err
	}
	if cfg.Router.OverridesPath != "" {
		if cfg.Router.WatchOverride {
			watcher, err := router.WatchOverrides(rt, cfg.Router.OverridesPath, log)
			if err != nil {
				return fmt.Errorf("failed to watch router overrides: %w", err)
			}
			defer watcher.Close()
		} else if err := rt.LoadOverrides(cfg.Router.OverridesPath); err != nil {
			return fmt.Errorf("failed to load router overrides: %w", err)
		}
	}

	queue := taskqueue.New()
	defer queue.Close()

	engine, err := runner.New(runner.Config{
		Command:            cfg.Runner.ToolCommand,
		WorkingDir:         cfg.Runner.WorkingDir,
		StandardTimeout:    secondsOf(cfg.Runner.StandardTimeout),
		ComplexTimeout:     secondsOf(cfg.Runner.ComplexTimeout),
		InteractiveTimeout: secondsOf(cfg.Runner.InteractiveTimeout),
		MaxConcurrent:      cfg.Runner.MaxConcurrent,
	}, queue)
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	if err := os.MkdirAll(cfg.Runner.WorkingDir, 0o700); err != nil {
		return fmt.Errorf("failed to create engine working directory: %w", err)
	}

	var transcriber gateway.Transcriber
	if cfg.Transcription.WhisperEnabled || cfg.Transcription.OpenAIAPIKey != "" {
		tr, err := transcribe.New(transcribe.Config{
			WhisperEnabled: cfg.Transcription.WhisperEnabled,
			WhisperBinary:  cfg.Transcription.WhisperBinary,
			WhisperModel:   cfg.Transcription.WhisperModel,
			Language:       cfg.Transcription.Language,
			OpenAIAPIKey:   cfg.Transcription.OpenAIAPIKey,
			OpenAIModel:    cfg.Transcription.OpenAIModel,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize transcription: %w", err)
		}
		transcriber = tr
	}

	disp, err := dispatcher.New(resolver, sessions, rt, engine, router.NewStatsTracker(), dispatcher.Limits{
		AudioMaxBytes:    cfg.Limits.AudioMaxBytes,
		DocumentMaxBytes: cfg.Limits.DocumentMaxBytes,
	}, log)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Dispatcher:  disp,
		Transcriber: transcriber,
		Accounts:    accounts,
		ModelLoaded: transcriber != nil,
		Device:      "cpu",
		Logger:      log,
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("Arkon daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	return server.Stop()
}

func secondsOf(s int) time.Duration {
	return time.Duration(s) * time.Second
}
