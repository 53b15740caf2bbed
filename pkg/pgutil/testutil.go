package pgutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"

	"github.com/chainsafe/treasury-rebalancer/pkg/config"
)

const (
	testDBName     = "rebalancer_test"
	testDBUser     = "rebalancer"
	testDBPassword = "rebalancer"
	testDBRetries  = 10
)

// SetupTestDB starts a PostgreSQL container and returns a connection to it.
// The container is terminated when the test finishes. It skips in -short
// mode, where no docker daemon is expected.
func SetupTestDB(t *testing.T) *bun.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase(testDBName),
		postgres.WithUsername(testDBUser),
		postgres.WithPassword(testDBPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		User:     testDBUser,
		Password: testDBPassword,
		Database: testDBName,
		SSLMode:  "disable",
	}

	// The port can be mapped before postgres accepts connections on it.
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		db, err := ConnectDB(ctx, cfg)
		if err == nil {
			t.Cleanup(func() { _ = db.Close() })
			return db
		}
		if attempt == testDBRetries {
			t.Fatalf("failed to connect to test database after %d attempts: %v", attempt, err)
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// AssertTableExists fails the test when table is missing from the public schema.
func AssertTableExists(t *testing.T, db bun.IDB, table string) {
	t.Helper()
	if !tableExists(t, db, table) {
		t.Errorf("table %s does not exist", table)
	}
}

// AssertTableNotExists fails the test when table is present in the public schema.
func AssertTableNotExists(t *testing.T, db bun.IDB, table string) {
	t.Helper()
	if tableExists(t, db, table) {
		t.Errorf("table %s should not exist but it does", table)
	}
}

// AssertIndexExists fails the test when the named index is missing.
func AssertIndexExists(t *testing.T, db bun.IDB, index string) {
	t.Helper()
	if !exists(t, db, "SELECT 1 FROM pg_indexes WHERE schemaname = 'public' AND indexname = ?", index) {
		t.Errorf("index %s does not exist", index)
	}
}

// AssertRowCount fails the test when table does not hold expected rows.
func AssertRowCount(t *testing.T, db bun.IDB, table string, expected int) {
	t.Helper()

	count, err := db.NewSelect().TableExpr("?", bun.Ident(table)).Count(context.Background())
	if err != nil {
		t.Fatalf("failed to count rows in table %s: %v", table, err)
	}
	if count != expected {
		t.Errorf("table %s: expected %d rows, got %d", table, expected, count)
	}
}

func tableExists(t *testing.T, db bun.IDB, table string) bool {
	t.Helper()
	return exists(t, db, "SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?", table)
}

func exists(t *testing.T, db bun.IDB, query string, arg any) bool {
	t.Helper()

	var found bool
	err := db.NewSelect().ColumnExpr("EXISTS ("+query+")", arg).Scan(context.Background(), &found)
	if err != nil {
		t.Fatalf("failed to query catalog: %v", err)
	}
	return found
}
