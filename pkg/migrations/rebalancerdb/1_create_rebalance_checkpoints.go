package rebalancerdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	mghelper "github.com/chainsafe/treasury-rebalancer/pkg/pgutil/migrations"
	"github.com/chainsafe/treasury-rebalancer/pkg/statestore/pgstore"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating rebalance_checkpoints table...")
		return mghelper.CreateSchema(ctx, db, &pgstore.CheckpointDao{})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping rebalance_checkpoints table...")
		return mghelper.DropTables(ctx, db, &pgstore.CheckpointDao{})
	})
}
