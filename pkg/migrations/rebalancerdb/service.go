// Package rebalancerdb holds all the migrations for the rebalancer checkpoint database
package rebalancerdb

import (
	"github.com/uptrace/bun/migrate"
)

// Migrations is the collection of all migrations for the rebalancer database
var Migrations = migrate.NewMigrations()
