package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/config"
	"github.com/serenitylabs/serenity/internal/db"
	"github.com/serenitylabs/serenity/internal/deadletter"
	"github.com/serenitylabs/serenity/internal/idgen"
	"github.com/serenitylabs/serenity/internal/invoice"
	"github.com/serenitylabs/serenity/internal/metrics"
	"github.com/serenitylabs/serenity/internal/migration"
	"github.com/serenitylabs/serenity/internal/observability"
	"github.com/serenitylabs/serenity/internal/outbox"
	"github.com/serenitylabs/serenity/internal/payment"
	"github.com/serenitylabs/serenity/internal/plan"
	"github.com/serenitylabs/serenity/internal/providers"
	redismodule "github.com/serenitylabs/serenity/internal/redis"
	"github.com/serenitylabs/serenity/internal/refund"
	"github.com/serenitylabs/serenity/internal/scheduler"
	"github.com/serenitylabs/serenity/internal/server"
	"github.com/serenitylabs/serenity/internal/subscription"
	"github.com/serenitylabs/serenity/internal/tier"
	"github.com/serenitylabs/serenity/internal/user"
	"github.com/serenitylabs/serenity/internal/webhook"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "serenity",
		Short:   "Serenity subscription reconciliation service",
		Version: readVersionFromEnv(),
	}
	root.AddCommand(newMigrateCmd(), newServeCmd(), newSchedulerCmd(), newAllCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the grace sweep and outbox dispatch workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			runScheduler()
			return nil
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run migrations, then the API and workers in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runMigrate(); err != nil {
				return err
			}
			runMonolith()
			return nil
		},
	}
}

func coreModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		idgen.Module,
		db.Module,
		clock.Module,
		redismodule.Module,
		metrics.Module,
		plan.Module,
		user.Module,
		providers.Module,
		payment.Module,
		subscription.Module,
		outbox.Module,
		deadletter.Module,
		refund.Module,
		invoice.Module,
		tier.Module,
		webhook.Module,
	)
}

func serverModules() fx.Option {
	return fx.Options(
		server.Module,
		fx.Invoke(func(s *server.Server) { s.RegisterRoutes() }),
		fx.Invoke(server.RunHTTP),
	)
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		fx.Invoke(func(gdb *gorm.DB, cfg config.Config) error {
			if cfg.DatabaseDriver != "postgres" {
				return fmt.Errorf("migrations require postgres, got %q", cfg.DatabaseDriver)
			}
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return migration.RunMigrations(sqlDB)
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	_ = app.Stop(context.Background())
	return nil
}

func runServe() {
	app := fx.New(
		coreModules(),
		serverModules(),
	)
	app.Run()
}

func runScheduler() {
	app := fx.New(
		coreModules(),
		scheduler.Module,
	)
	app.Run()
}

func runMonolith() {
	app := fx.New(
		coreModules(),
		serverModules(),
		scheduler.Module,
	)
	app.Run()
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
