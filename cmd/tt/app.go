package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/ado"
	"github.com/mschirtzinger/teamtrack/internal/config"
	"github.com/mschirtzinger/teamtrack/internal/logging"
	"github.com/mschirtzinger/teamtrack/internal/service"
	"github.com/mschirtzinger/teamtrack/internal/store"
	"github.com/mschirtzinger/teamtrack/internal/sync"
	"github.com/mschirtzinger/teamtrack/internal/telemetry"
)

// app holds what a command needs once config is loaded and the store is open.
type app struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	svc    *service.Service

	closers []io.Closer
}

// openApp loads config, sets up logging and telemetry, and opens the store.
// It exits the process on failure.
func openApp(ctx context.Context) *app {
	cfg, err := config.Load(configPath)
	if err != nil {
		FatalErrorWithHint(err.Error(), "Run 'tt init' to write a starter config")
	}

	logOpts := logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if verboseFlag {
		logOpts.Level = "debug"
	}
	logger, logCloser, err := logging.New(logOpts)
	if err != nil {
		FatalError("failed to set up logging: %v", err)
	}
	slog.SetDefault(logger)

	a := &app{ctx: ctx, cfg: cfg, logger: logger}
	a.closers = append(a.closers, logCloser)

	if err := telemetry.Init(ctx, cfg.Telemetry, "teamtrack", Version); err != nil {
		WarnError("telemetry disabled: %v", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		a.Close()
		FatalError("%v", err)
	}
	a.store = st

	a.svc = service.New(st, clientFactory(cfg.ADO, logger), service.Options{
		Sync: sync.Config{
			ChunkSize:     cfg.Sync.ChunkSize,
			RunTimeout:    cfg.Sync.RunTimeout,
			StaleRunAfter: cfg.Sync.StaleRunAfter,
		},
		UnlinkedPageSize: cfg.Sync.UnlinkedPageSize,
	}, logger)

	return a
}

// Close releases the store, flushes telemetry and closes the log file.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", "error", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	telemetry.Shutdown(ctx)
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	var (
		st  *store.Store
		err error
	)
	switch cfg.DB.Backend {
	case "mysql":
		st, err = store.OpenServer(ctx, cfg.DB.DSN)
	default:
		st, err = store.Open(cfg.DB.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.DB.Backend, err)
	}
	if err := st.InitSchemaContext(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// clientFactory builds ado clients from the single configured token.
func clientFactory(cfg config.ADOConfig, logger *slog.Logger) service.ClientFactory {
	return func(organization string) (*ado.Client, error) {
		token := strings.TrimSpace(cfg.PAT)
		if token == "" {
			return nil, fmt.Errorf("no Azure DevOps token configured for %s (set ado.pat or TT_ADO_PAT)", organization)
		}
		c := ado.DefaultConfig(organization, token)
		c.Auth = ado.AuthScheme(cfg.Auth)
		c.BaseURL = cfg.BaseURL
		if cfg.Timeout > 0 {
			c.Timeout = cfg.Timeout
		}
		c.MaxRetries = cfg.MaxRetries
		if cfg.Concurrency > 0 {
			c.Concurrency = cfg.Concurrency
		}
		c.Logger = logger
		return ado.NewWithConfig(c), nil
	}
}

// Exit closes the app before exiting with code.
func (a *app) Exit(code int) {
	a.Close()
	os.Exit(code)
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
