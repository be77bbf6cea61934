// Command ladder runs the trading session service: it accepts entry signals
// and exit outcomes over HTTP, sizes trades against the decision graph and
// keeps every session's progress durable.
//
// Usage:
//
//	ladder --config configs/config.yaml
//	ladder --setup
//
// Required environment variables:
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
//	Telegram alerts (optional): TELEGRAM_BOT_TOKEN
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/config"
	"github.com/vadiminshakov/ladder/internal/app"
	"github.com/vadiminshakov/ladder/internal/setup"
)

func main() {
	flags := config.ParseFlags()

	path := flags.ConfigPath
	if flags.Setup {
		if err := setup.RunTUI(); err != nil {
			log.Fatal(err)
		}
		path = setup.OutputFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := app.NewLogger(cfg.App.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("ladder stopped with error", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
	logger.Info("ladder stopped")
}
