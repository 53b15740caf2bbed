package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/config"
	"github.com/chainsafe/treasury-rebalancer/pkg/pgutil"
)

// Test DAO for testing purposes
type testDao struct {
	bun.BaseModel `bun:"table:test_checkpoints"`
	ID            string    `bun:",pk,type:varchar(64)"`
	Phase         string    `bun:",notnull,type:varchar(64)"`
	UpdatedAt     time.Time `bun:",notnull"`
}

func TestConnectDB_Success(t *testing.T) {
	db := pgutil.SetupTestDB(t)

	if err := db.Ping(); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}
}

func TestConnectDB_InvalidHost(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:     "invalid-host-that-does-not-exist",
		Port:     5432,
		User:     "test",
		Password: "test",
		Database: "test",
		SSLMode:  "disable",
	}

	db, err := pgutil.ConnectDB(context.Background(), cfg)
	if err == nil {
		db.Close()
		t.Error("ConnectDB() should fail with invalid host")
	}
}

func TestCreateSchema(t *testing.T) {
	db := pgutil.SetupTestDB(t)
	ctx := context.Background()

	if err := CreateSchema(ctx, db, &testDao{}); err != nil {
		t.Fatalf("CreateSchema() failed: %v", err)
	}
	pgutil.AssertTableExists(t, db, "test_checkpoints")

	// Calling again must not fail
	if err := CreateSchema(ctx, db, &testDao{}); err != nil {
		t.Errorf("CreateSchema() second call failed: %v", err)
	}
}

func TestDropTables(t *testing.T) {
	db := pgutil.SetupTestDB(t)
	ctx := context.Background()

	if err := CreateSchema(ctx, db, &testDao{}); err != nil {
		t.Fatalf("CreateSchema() failed: %v", err)
	}
	if err := DropTables(ctx, db, &testDao{}); err != nil {
		t.Fatalf("DropTables() failed: %v", err)
	}
	pgutil.AssertTableNotExists(t, db, "test_checkpoints")

	if err := DropTables(ctx, db, &testDao{}); err != nil {
		t.Errorf("DropTables() second call failed: %v", err)
	}
}

func TestTruncateTables(t *testing.T) {
	db := pgutil.SetupTestDB(t)
	ctx := context.Background()

	if err := CreateSchema(ctx, db, &testDao{}); err != nil {
		t.Fatalf("CreateSchema() failed: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := db.NewInsert().Model(&testDao{ID: id, Phase: "idle", UpdatedAt: time.Now()}).Exec(ctx); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	pgutil.AssertRowCount(t, db, "test_checkpoints", 2)

	if err := TruncateTables(ctx, db, &testDao{}); err != nil {
		t.Fatalf("TruncateTables() failed: %v", err)
	}
	pgutil.AssertRowCount(t, db, "test_checkpoints", 0)
}

func TestCreateAndDropModelIndexes(t *testing.T) {
	db := pgutil.SetupTestDB(t)
	ctx := context.Background()

	if err := CreateSchema(ctx, db, &testDao{}); err != nil {
		t.Fatalf("CreateSchema() failed: %v", err)
	}
	if err := CreateModelIndexes(ctx, db, &testDao{}, "phase", "updated_at"); err != nil {
		t.Fatalf("CreateModelIndexes() failed: %v", err)
	}
	pgutil.AssertIndexExists(t, db, "idx_test_checkpoints_phase")
	pgutil.AssertIndexExists(t, db, "idx_test_checkpoints_updated_at")

	if err := DropModelIndexes(ctx, db, &testDao{}, "phase"); err != nil {
		t.Fatalf("DropModelIndexes() failed: %v", err)
	}
	pgutil.AssertIndexExists(t, db, "idx_test_checkpoints_updated_at")
}

func TestModelIndexName_NilModel(t *testing.T) {
	if _, err := modelIndexName(nil, nil, "phase"); err == nil {
		t.Fatal("expected error for nil model")
	}
}

func TestRunner_Run(t *testing.T) {
	db := pgutil.SetupTestDB(t)
	ctx := context.Background()

	ms := migrate.NewMigrations()
	ms.MustRegister(func(ctx context.Context, db *bun.DB) error {
		return CreateSchema(ctx, db, &testDao{})
	}, func(ctx context.Context, db *bun.DB) error {
		return DropTables(ctx, db, &testDao{})
	})
	runner := NewRunner(migrate.NewMigrator(db, ms), zap.NewNop())

	if err := runner.Run(ctx); err == nil {
		t.Fatal("expected error without a command")
	}
	if err := runner.Run(ctx, "bogus"); err == nil {
		t.Fatal("expected error for unknown command")
	}

	// up creates the info table itself, no init needed
	for _, cmd := range []string{"up", "status", "up"} {
		if err := runner.Run(ctx, cmd); err != nil {
			t.Fatalf("%s failed: %v", cmd, err)
		}
	}
	pgutil.AssertTableExists(t, db, "test_checkpoints")

	if err := runner.Run(ctx, "down"); err != nil {
		t.Fatalf("down failed: %v", err)
	}
	pgutil.AssertTableNotExists(t, db, "test_checkpoints")
}
