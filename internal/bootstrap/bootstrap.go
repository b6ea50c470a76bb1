// Package bootstrap assembles the gateway from its parts: environment,
// configuration, logging, session store, upstream client pool, usage
// backend, and the HTTP server.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/dify2openai/difybridge/internal/api"
	"github.com/dify2openai/difybridge/internal/config"
	"github.com/dify2openai/difybridge/internal/dify"
	"github.com/dify2openai/difybridge/internal/logging"
	log "github.com/dify2openai/difybridge/internal/logging"
	"github.com/dify2openai/difybridge/internal/session"
	"github.com/dify2openai/difybridge/internal/usage"
)

// App is the assembled gateway.
type App struct {
	Config   *config.Store
	Sessions *session.Store
	Pool     *dify.Pool
	Usage    usage.Backend

	server *api.Server
}

// Options tweak assembly without editing the config file.
type Options struct {
	ConfigPath string

	// PortOverride, when non-zero, replaces the configured port.
	PortOverride int
}

// Bootstrap loads configuration and wires every component. The app is not
// serving yet; call Run.
func Bootstrap(opts Options) (*App, error) {
	logging.SetupBaseLogger()

	// .env overlays process environment when present.
	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warnf("failed to load .env file")
		}
	}

	store, err := config.NewStore(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg := store.Current()

	if opts.PortOverride != 0 {
		cfg.Port = opts.PortOverride
	}

	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		return nil, fmt.Errorf("configure log output: %w", err)
	}

	sessions := session.NewStore(cfg.Session.Timeout(), cfg.Session.SweepInterval())
	pool := dify.NewPool(cfg.StreamIdleTimeout())

	backend, err := newUsageBackend(cfg.Usage)
	if err != nil {
		// Usage accounting is optional; a broken backend must not keep
		// the gateway down.
		log.Warnf("usage backend disabled: %v", err)
		backend = nil
	}

	app := &App{
		Config:   store,
		Sessions: sessions,
		Pool:     pool,
		Usage:    backend,
	}
	app.server = api.NewServer(api.Options{
		Config:   store,
		Sessions: sessions,
		Pool:     pool,
		Usage:    backend,
	})
	return app, nil
}

func newUsageBackend(cfg config.UsageConfig) (usage.Backend, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	var flushInterval time.Duration
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("parse usage flush-interval: %w", err)
		}
		flushInterval = d
	}
	backend, err := usage.NewBackend(usage.Config{
		DSN:           cfg.DSN,
		BatchSize:     cfg.BatchSize,
		FlushInterval: flushInterval,
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("usage backend initialized: %s", cfg.DSN)
	return backend, nil
}

// Run serves until ctx is cancelled, then shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	a.Sessions.Start()
	if a.Usage != nil {
		if err := a.Usage.Start(); err != nil {
			return fmt.Errorf("start usage backend: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.Config.Watch(gctx); err != nil {
		log.Warnf("config hot reload unavailable: %v", err)
	}
	g.Go(func() error {
		return a.server.Run(gctx)
	})

	err := g.Wait()

	a.Sessions.Stop()
	if a.Usage != nil {
		if stopErr := a.Usage.Stop(); stopErr != nil {
			log.Warnf("stop usage backend: %v", stopErr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
