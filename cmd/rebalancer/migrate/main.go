package main

import (
	"context"
	"flag"
	"log"

	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/config"
	"github.com/chainsafe/treasury-rebalancer/pkg/migrations/rebalancerdb"
	"github.com/chainsafe/treasury-rebalancer/pkg/pgutil"
	mghelper "github.com/chainsafe/treasury-rebalancer/pkg/pgutil/migrations"
)

func main() {
	cfgPath := flag.String("config", "config.example.yaml", "Path to configuration file")
	flag.Usage = mghelper.Usage
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("error reading configuration file: %s", err.Error())
	}
	if cfg.StateStore.Driver != config.DriverPostgres {
		log.Fatalf("state_store.driver is %q, migrations only apply to %q", cfg.StateStore.Driver, config.DriverPostgres)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("error creating logger: %s", err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	db, err := pgutil.ConnectDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Running migrations for rebalancer database", zap.String("database", cfg.Database.Database))

	runner := mghelper.NewRunner(migrate.NewMigrator(db, rebalancerdb.Migrations), logger)
	if err := runner.Run(ctx, flag.Args()...); err != nil {
		mghelper.Exitf("%v", err)
	}
}
