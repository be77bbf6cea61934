//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/config"
)

var storageSet = wire.NewSet(
	provideDurableStore,
	provideMutationJournal,
	provideCacheManager,
	provideResilientStore,
	provideReconciler,
	provideEventLog,
)

var tradingSet = wire.NewSet(
	provideGraph,
	provideCostModel,
	provideCostWatcher,
	provideSolver,
	provideIntake,
	newVenueProvider,
	providePrices,
	provideVenue,
	provideCoordinator,
	provideEngine,
	provideGuardian,
)

func buildApp(ctx context.Context, cfg *config.Config, l *zap.Logger) (*App, func(), error) {
	wire.Build(
		provideMetrics,
		storageSet,
		tradingSet,
		provideAlerter,
		provideServer,
		newApp,
	)
	return nil, nil, nil
}
