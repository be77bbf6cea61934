package app

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/config"
	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
	"github.com/vadiminshakov/ladder/internal/services/alerting"
	"github.com/vadiminshakov/ladder/internal/services/costmodel"
	"github.com/vadiminshakov/ladder/internal/services/execution"
	"github.com/vadiminshakov/ladder/internal/services/intake"
	"github.com/vadiminshakov/ladder/internal/services/overnight"
	"github.com/vadiminshakov/ladder/internal/services/pricer"
	"github.com/vadiminshakov/ladder/internal/services/resilience"
	"github.com/vadiminshakov/ladder/internal/services/solver"
	"github.com/vadiminshakov/ladder/internal/services/workflow"
	"github.com/vadiminshakov/ladder/internal/storage"
	"github.com/vadiminshakov/ladder/internal/storage/mutationcache"
	"github.com/vadiminshakov/ladder/internal/storage/postgres"
	"github.com/vadiminshakov/ladder/internal/storage/sessionevents"
	"github.com/vadiminshakov/ladder/internal/storage/sessions"
	"github.com/vadiminshakov/ladder/internal/web"
)

func provideMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func provideGraph(cfg *config.Config) (*domain.Graph, error) {
	if cfg.Graph.Path == "" {
		return domain.DefaultGraph(), nil
	}
	f, err := os.Open(cfg.Graph.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open graph file")
	}
	defer f.Close()
	return domain.LoadGraph(f)
}

func provideDurableStore(ctx context.Context, cfg *config.Config, l *zap.Logger) (storage.SessionStore, func(), error) {
	var (
		st  storage.SessionStore
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		pool, perr := postgres.NewPool(ctx, cfg.Store.PostgresDSN)
		if perr != nil {
			return nil, nil, perr
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		st = postgres.NewStore(l.Named("postgres"), pool)
	default:
		st, err = sessions.NewStore(l.Named("sqlite"), cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
	}

	cleanup := func() {
		if err := st.Close(); err != nil {
			l.Warn("close session store", zap.Error(err))
		}
	}
	return st, cleanup, nil
}

func provideMutationJournal(cfg *config.Config) (*mutationcache.WALStore, func(), error) {
	journal, err := mutationcache.NewWALStore(cfg.Resilience.CacheDir)
	if err != nil {
		return nil, nil, err
	}
	return journal, func() { _ = journal.Close() }, nil
}

func provideCacheManager(l *zap.Logger, cfg *config.Config, journal *mutationcache.WALStore, m *metrics.Metrics) (*resilience.CacheManager, error) {
	return resilience.NewCacheManager(l.Named("cache"), journal, m, cfg.Resilience.MaxRetries)
}

func provideResilientStore(l *zap.Logger, cfg *config.Config, durable storage.SessionStore, cache *resilience.CacheManager) *resilience.Store {
	return resilience.NewStore(l.Named("store"), durable, cache, resilience.StoreConfig{
		MaxAttempts:    cfg.Store.MaxAttempts,
		InitialBackoff: cfg.Store.InitialBackoff,
		MaxBackoff:     cfg.Store.MaxBackoff,
	})
}

func provideReconciler(l *zap.Logger, cfg *config.Config, durable storage.SessionStore, cache *resilience.CacheManager, m *metrics.Metrics) *resilience.Reconciler {
	return resilience.NewReconciler(l.Named("reconciler"), durable, cache, cfg.Resilience.TTL, cfg.Resilience.ReconcileInterval, m)
}

func provideEventLog(cfg *config.Config) (*sessionevents.WALStore, func(), error) {
	events, err := sessionevents.NewWALStore(cfg.Resilience.EventsDir)
	if err != nil {
		return nil, nil, err
	}
	return events, func() { _ = events.Close() }, nil
}

func provideCostModel(l *zap.Logger) *costmodel.Model {
	return costmodel.NewModel(l.Named("costs"), domain.DemoCostProfile())
}

// provideCostWatcher returns nil when no profiles file is configured; the
// demo profile then stays in place.
func provideCostWatcher(l *zap.Logger, cfg *config.Config, model *costmodel.Model) (*costmodel.Watcher, error) {
	if cfg.Venue.CostProfilesPath == "" {
		l.Info("no cost profiles file configured, using demo profile")
		return nil, nil
	}
	return costmodel.NewWatcher(l.Named("costs"), cfg.Venue.CostProfilesPath, cfg.Venue.CostProfile, model)
}

func provideSolver(l *zap.Logger, cfg *config.Config, model *costmodel.Model) *solver.Solver {
	return solver.New(l.Named("solver"), model,
		solver.WithMaxIterations(cfg.Sizing.SolverMaxIter),
		solver.WithTolerance(cfg.Sizing.SolverTolerance))
}

func provideIntake(l *zap.Logger, cfg *config.Config, store *resilience.Store) (*intake.Intake, error) {
	return intake.New(l.Named("intake"), intakeConfig(cfg.Intake), store)
}

func intakeConfig(c config.IntakeConfig) intake.Config {
	return intake.Config{
		MaxAge:          c.MaxAge,
		StaleAfter:      c.StaleAfter,
		MaxFutureSkew:   c.MaxFutureSkew,
		MinRiskReward:   c.MinRiskReward,
		MaxRiskReward:   c.MaxRiskReward,
		MinRiskPercent:  c.MinRiskPercent,
		MaxRiskPercent:  c.MaxRiskPercent,
		RRTolerance:     c.RRTolerance,
		MinStopDistance: c.MinStopDistance,
		MaxStopDistance: c.MaxStopDistance,
	}
}

func providePrices(l *zap.Logger, cfg *config.Config, vp venueProvider) *pricer.LastPricer {
	return pricer.NewLastPricer(l.Named("prices"), vp.Pricer(), cfg.Venue.PriceMaxAge)
}

func provideVenue(vp venueProvider, prices *pricer.LastPricer) (execution.Venue, error) {
	return vp.Venue(prices)
}

func provideCoordinator(l *zap.Logger, cfg *config.Config, venue execution.Venue, m *metrics.Metrics) *execution.Coordinator {
	return execution.New(l.Named("execution"), venue, execution.Config{
		MaxAttempts:          cfg.Execution.MaxAttempts,
		InitialBackoff:       cfg.Execution.InitialBackoff,
		MaxBackoff:           cfg.Execution.MaxBackoff,
		PartialFillThreshold: cfg.Execution.PartialFillThreshold,
		BreakerThreshold:     cfg.Execution.BreakerThreshold,
		BreakerCooldown:      cfg.Execution.BreakerCooldown,
	}, m)
}

// provideAlerter also subscribes the alerter to mutation cache growth.
func provideAlerter(l *zap.Logger, cfg *config.Config, cache *resilience.CacheManager, m *metrics.Metrics) *alerting.Alerter {
	sinks := []alerting.Notifier{alerting.NewLogSink(l.Named("alerts"))}
	if cfg.Secrets.TelegramToken != "" && cfg.Alerting.TelegramChatID != "" {
		sinks = append(sinks, alerting.NewTelegram(cfg.Secrets.TelegramToken, cfg.Alerting.TelegramChatID))
	}

	a := alerting.New(l.Named("alerting"), alerting.Config{
		Cooldown:                  cfg.Alerting.Cooldown,
		SendTimeout:               cfg.Alerting.SendTimeout,
		ExecutionFailureThreshold: cfg.Alerting.ExecutionFailureThreshold,
		CacheSizeThreshold:        cfg.Alerting.CacheSizeThreshold,
		DrawdownPercent:           cfg.Alerting.DrawdownPercent,
	}, m, sinks...)
	cache.SetObserver(a)
	return a
}

func provideEngine(
	l *zap.Logger,
	cfg *config.Config,
	graph *domain.Graph,
	store *resilience.Store,
	in *intake.Intake,
	sv *solver.Solver,
	model *costmodel.Model,
	coord *execution.Coordinator,
	events *sessionevents.WALStore,
	alerter *alerting.Alerter,
	prices *pricer.LastPricer,
	m *metrics.Metrics,
) (*workflow.Engine, error) {
	return workflow.New(l.Named("workflow"), workflow.Config{
		InitialCapital:     cfg.Sizing.InitialCapital,
		MaxCapitalFraction: cfg.Sizing.MaxCapitalFraction,
		RiskPercent:        cfg.Sizing.RiskPercent,
		MaxOverNominal:     cfg.Sizing.MaxOverNominal,
		ExpectedHolding:    cfg.Sizing.ExpectedHolding,
		OvernightClose:     cfg.Sizing.OvernightClose,
	}, workflow.Deps{
		Graph:    graph,
		Store:    store,
		Intake:   in,
		Solver:   sv,
		Costs:    model,
		Executor: coord,
		Events:   events,
		Alerts:   alerter,
		Prices:   prices,
		Metrics:  m,
	})
}

func provideGuardian(
	l *zap.Logger,
	cfg *config.Config,
	store *resilience.Store,
	coord *execution.Coordinator,
	engine *workflow.Engine,
	alerter *alerting.Alerter,
	m *metrics.Metrics,
) (*overnight.Guardian, error) {
	hour, minute, err := overnight.ParseClock(cfg.Overnight.Cutoff)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Overnight.Timezone)
	if err != nil {
		return nil, errors.Wrap(err, "overnight timezone")
	}
	return overnight.NewGuardian(l.Named("overnight"), overnight.Config{
		CutoffHour:       hour,
		CutoffMinute:     minute,
		Location:         loc,
		Grace:            cfg.Overnight.Grace,
		ProximityPercent: cfg.Overnight.ProximityPercent,
		MaxOpen:          cfg.Overnight.MaxOpen,
		MinToCutoff:      cfg.Overnight.MinToCutoff,
		Interval:         cfg.Overnight.Interval,
		Concurrency:      cfg.Overnight.Concurrency,
	}, store, coord, engine, alerter, m), nil
}

func provideServer(
	l *zap.Logger,
	cfg *config.Config,
	engine *workflow.Engine,
	events *sessionevents.WALStore,
	cache *resilience.CacheManager,
	reconciler *resilience.Reconciler,
	store *resilience.Store,
	coord *execution.Coordinator,
	m *metrics.Metrics,
) (*web.Server, error) {
	return web.NewServer(l.Named("http"), web.Config{
		Addr:          cfg.App.HTTPAddr,
		Workflow:      engine,
		Events:        events,
		Cache:         cache,
		Reconciler:    reconciler,
		Registrations: store,
		Store:         store,
		Breaker:       coord.Breaker(),
		Metrics:       m.Handler(),
	})
}
