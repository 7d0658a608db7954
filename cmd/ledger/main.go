package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"wasteless-ledger/pkg/config"
	"wasteless-ledger/pkg/db"
	"wasteless-ledger/pkg/health"
	"wasteless-ledger/pkg/logger"
	"wasteless-ledger/pkg/redis"
	"wasteless-ledger/pkg/sequence"
	"wasteless-ledger/pkg/server"
	"wasteless-ledger/pkg/task"
	"wasteless-ledger/services/reconcile"
	"wasteless-ledger/services/wallet"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		task.Client,
		fx.Provide(provideSnowflakeNode),
		server.Module,
		health.Module,
		wallet.Module,
		wallet.Routes,
		reconcile.Module,
		reconcile.Routes,
		fx.Invoke(db.Otel),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
