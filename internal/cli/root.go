// Package cli implements the schedctl operator commands.
package cli

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/driving-school-scheduler/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/driving-school-scheduler/internal/adapters/mongo"
	"github.com/robertarktes/driving-school-scheduler/internal/config"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"github.com/robertarktes/driving-school-scheduler/internal/quota"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Env opens the backends a command needs. Each opener returns a close func.
type Env struct {
	OpenLedger  func(ctx context.Context) (*quota.Ledger, func(), error)
	OpenCatalog func(ctx context.Context) (LessonCatalog, func(), error)
	Migrate     func(ctx context.Context) error
	Status      func(ctx context.Context) error
}

// EnvFromConfig connects to the stores named in cfg.
func EnvFromConfig(cfg *config.Config, logger observability.Logger) Env {
	return Env{
		OpenLedger: func(ctx context.Context) (*quota.Ledger, func(), error) {
			pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
			if err != nil {
				return nil, nil, err
			}
			return quota.NewLedger(crdb.NewRepository(pool), logger), pool.Close, nil
		},
		OpenCatalog: func(ctx context.Context) (LessonCatalog, func(), error) {
			client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
			if err != nil {
				return nil, nil, err
			}
			closeFn := func() { _ = client.Disconnect(context.Background()) }
			return mongoadapter.NewCatalogRepository(client.Database(cfg.MongoDB), logger), closeFn, nil
		},
		Migrate: func(ctx context.Context) error { return crdb.Migrate(ctx, cfg.CRDBDSN) },
		Status:  func(ctx context.Context) error { return crdb.MigrationStatus(ctx, cfg.CRDBDSN) },
	}
}

func NewRoot(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "schedctl",
		Short:         "Driving school scheduler operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newMigrateCmd(env))
	cmd.AddCommand(newQuotaCmd(env))
	cmd.AddCommand(newLessonsCmd(env))
	return cmd
}
