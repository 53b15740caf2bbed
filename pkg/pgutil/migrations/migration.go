// Package migrations runs bun migrations and provides schema helpers for them
package migrations

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

const usageText = `Usage:
  go run cmd/rebalancer/migrate/main.go -config <file> <command>

This program runs command on the checkpoint database. Supported commands are:
  - init - creates migration info table in the database
  - up - creates the info table when missing and runs all available migrations.
  - down - reverts last migration group.
  - status - prints migration status.

Examples:
  go run cmd/rebalancer/migrate/main.go -config config.yaml up
  go run cmd/rebalancer/migrate/main.go -config config.yaml status
`

// Usage prints command usage
func Usage() {
	fmt.Print(usageText)
	flag.PrintDefaults()
	os.Exit(2)
}

// Exitf prints the message and the usage, then exits
func Exitf(s string, args ...any) {
	fmt.Fprintf(os.Stderr, s+"\n", args...)
	Usage()
}

// CreateSchema creates schema from models
func CreateSchema(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}

// DropTables drops tables from database
func DropTables(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		_, err := db.NewDropTable().
			Model(model).
			IfExists().
			Cascade().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("drop table for %T: %w", model, err)
		}
	}
	return nil
}

// TruncateTables removes all rows from the models' tables. Used by tests.
func TruncateTables(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		_, err := db.NewDelete().
			Model(model).
			Where("1=1").
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateModelIndexes creates multiple indexes on the table associated with the model.
func CreateModelIndexes(ctx context.Context, db bun.IDB, model any, columns ...string) error {
	for _, column := range columns {
		indexName, err := modelIndexName(db, model, column)
		if err != nil {
			return err
		}
		if _, err = db.NewCreateIndex().
			Model(model).
			Index(indexName).
			Column(column).
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DropModelIndexes drops indexes from the database using model + column names.
func DropModelIndexes(ctx context.Context, db bun.IDB, model any, columns ...string) error {
	for _, column := range columns {
		indexName, err := modelIndexName(db, model, column)
		if err != nil {
			return err
		}
		if _, err = db.NewDropIndex().
			Model(model).
			Index(indexName).
			IfExists().
			Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func modelIndexName(db bun.IDB, model any, column string) (string, error) {
	if model == nil {
		return "", errors.New("model cannot be nil")
	}
	tableName := db.NewCreateIndex().Model(model).GetTableName()
	if tableName == "" {
		return "", fmt.Errorf("failed to resolve table name for model %T", model)
	}

	indexTableName := strings.NewReplacer(`"`, "", ".", "_").Replace(tableName)
	return fmt.Sprintf("idx_%s_%s", indexTableName, column), nil
}

// Runner executes migrate commands against one migrator.
type Runner struct {
	migrator *migrate.Migrator
	logger   *zap.Logger
}

// NewRunner creates a Runner. A nil logger discards progress output.
func NewRunner(migrator *migrate.Migrator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{migrator: migrator, logger: logger}
}

// Run executes the command named by args[0].
func (r *Runner) Run(ctx context.Context, args ...string) error {
	if len(args) == 0 {
		return errors.New("no command provided")
	}

	switch args[0] {
	case "init":
		if err := r.migrator.Init(ctx); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		r.logger.Info("Migration table created")
		return nil
	case "up":
		if err := r.migrator.Init(ctx); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		return r.locked(ctx, r.up)
	case "down":
		return r.locked(ctx, r.down)
	case "status":
		return r.status(ctx)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func (r *Runner) locked(ctx context.Context, fn func(context.Context) error) error {
	if err := r.migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := r.migrator.Unlock(ctx); err != nil {
			r.logger.Warn("Failed to release migration lock", zap.Error(err))
		}
	}()
	return fn(ctx)
}

func (r *Runner) up(ctx context.Context) error {
	group, err := r.migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if group.IsZero() {
		r.logger.Info("No new migrations to run, database is up to date")
		return nil
	}
	r.logger.Info("Migrated", zap.Stringer("group", group))
	return nil
}

func (r *Runner) down(ctx context.Context) error {
	group, err := r.migrator.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if group.IsZero() {
		r.logger.Info("No migrations to roll back")
		return nil
	}
	r.logger.Info("Rolled back", zap.Stringer("group", group))
	return nil
}

func (r *Runner) status(ctx context.Context) error {
	ms, err := r.migrator.MigrationsWithStatus(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	r.logger.Info("Migration status",
		zap.Stringer("migrations", ms),
		zap.Stringer("unapplied", ms.Unapplied()),
		zap.Stringer("last_group", ms.LastGroup()))
	return nil
}
