package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"marketplace-rewards/internal/httpapi"
	"marketplace-rewards/internal/server"
	"marketplace-rewards/pkg/clock"
	"marketplace-rewards/pkg/config"
	"marketplace-rewards/pkg/db"
	"marketplace-rewards/pkg/health"
	"marketplace-rewards/pkg/logger"
	"marketplace-rewards/pkg/redis"
	"marketplace-rewards/pkg/task"
	"marketplace-rewards/services/account"
	"marketplace-rewards/services/points"
	"marketplace-rewards/services/referral"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		clock.Module,
		task.Client,
		task.Server,
		task.SchedulerModule,
		fx.Provide(
			provideTracerProvider,
			provideSnowflakeNode,
		),
		fx.Invoke(migrate, registerDBPlugins),
		httpapi.Module,
		health.Module,
		account.Module,
		points.Module,
		points.TaskModule,
		referral.Module,
		referral.TaskModule,
		server.Module,
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

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func migrate(gdb *gorm.DB) error {
	models := []any{&account.User{}}
	models = append(models, points.Models()...)
	models = append(models, referral.Models()...)
	return gdb.AutoMigrate(models...)
}

func registerDBPlugins(gdb *gorm.DB, cfg *config.Config) error {
	if err := db.Otel(gdb); err != nil {
		return err
	}
	return db.Metric(gdb, cfg.Database.DBNAME)
}
