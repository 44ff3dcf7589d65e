// Package testutil provides shared test infrastructure: a Postgres container
// with the kanri schema, a Redis container, and an in-memory SQLite store
// for tests that do not need Docker.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    code := m.Run()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/storage/sqlite"
	"github.com/ashita-ai/kanri/migrations"
)

// TestContainer wraps a testcontainers container with the address tests
// connect to: a DSN for Postgres, host:port for Redis.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
	Addr      string
}

// MustStartPostgres starts a Postgres container. Calls os.Exit(1) on failure
// (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kanri",
			"POSTGRES_PASSWORD": "kanri",
			"POSTGRES_DB":       "kanri",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, host, port := mustStart(ctx, req, "5432")
	return &TestContainer{
		Container: container,
		DSN:       fmt.Sprintf("postgres://kanri:kanri@%s:%s/kanri?sslmode=disable", host, port),
		Addr:      host + ":" + port,
	}
}

// MustStartRedis starts a Redis container. Calls os.Exit(1) on failure.
func MustStartRedis() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, host, port := mustStart(ctx, req, "6379")
	return &TestContainer{Container: container, Addr: host + ":" + port}
}

func mustStart(ctx context.Context, req testcontainers.ContainerRequest, natPort nat.Port) (testcontainers.Container, string, string) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start %s: %v\n", req.Image, err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, natPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}
	return container, host, port.Port()
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// NewSQLiteStore opens a fresh migrated SQLite store in t's temp dir and
// closes it when the test ends.
func NewSQLiteStore(t testing.TB) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(context.Background(), t.TempDir()+"/kanri.db", TestLogger())
	if err != nil {
		t.Fatalf("testutil: open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
