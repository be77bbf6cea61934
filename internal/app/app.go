// Package app assembles the ladder service from configuration and runs its
// long-lived components.
package app

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/ladder/config"
	"github.com/vadiminshakov/ladder/internal/services/alerting"
	"github.com/vadiminshakov/ladder/internal/services/costmodel"
	"github.com/vadiminshakov/ladder/internal/services/overnight"
	"github.com/vadiminshakov/ladder/internal/services/resilience"
	"github.com/vadiminshakov/ladder/internal/web"
)

// App owns every background loop of the service.
type App struct {
	cfg        *config.Config
	l          *zap.Logger
	server     *web.Server
	reconciler *resilience.Reconciler
	guardian   *overnight.Guardian
	watcher    *costmodel.Watcher
	alerter    *alerting.Alerter
	cleanup    func()
}

func newApp(
	cfg *config.Config,
	l *zap.Logger,
	server *web.Server,
	reconciler *resilience.Reconciler,
	guardian *overnight.Guardian,
	watcher *costmodel.Watcher,
	alerter *alerting.Alerter,
) *App {
	return &App{
		cfg:        cfg,
		l:          l,
		server:     server,
		reconciler: reconciler,
		guardian:   guardian,
		watcher:    watcher,
		alerter:    alerter,
	}
}

// New builds the dependency graph. Close releases the stores it opened.
func New(ctx context.Context, cfg *config.Config, l *zap.Logger) (*App, error) {
	a, cleanup, err := buildApp(ctx, cfg, l)
	if err != nil {
		return nil, errors.Wrap(err, "build app")
	}
	a.cleanup = cleanup
	return a, nil
}

// Handler exposes the HTTP router without starting a listener.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run blocks until ctx is cancelled or one of the loops fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start(ctx)
	})
	g.Go(func() error {
		return a.reconciler.Run(ctx)
	})
	if a.cfg.Overnight.Enabled {
		g.Go(func() error {
			return a.guardian.Run(ctx)
		})
	} else {
		a.l.Info("overnight guardian disabled")
	}
	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(ctx)
		})
	}

	a.l.Info("ladder started",
		zap.String("addr", a.server.Addr()),
		zap.String("venue", a.cfg.Venue.Kind),
		zap.String("store", a.cfg.Store.Driver))

	err := g.Wait()
	a.alerter.Wait()
	return err
}

// Close releases stores and journals. Safe to call more than once.
func (a *App) Close() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

// NewLogger builds the production JSON logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}
