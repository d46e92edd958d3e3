//go:build integration

// Package integration exercises the Postgres stores against a real database.
// Run with: go test -tags integration ./test/integration/...
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hmis/billing/internal/domain/billing"
	"github.com/hmis/billing/internal/domain/catalog"
	"github.com/hmis/billing/internal/domain/coverage"
	"github.com/hmis/billing/internal/platform/db"
)

type testDB struct {
	Pool          *pgxpool.Pool
	MigrationsDir string
}

var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("BILLING_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 20, 2)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}

	globalDB = &testDB{Pool: pool, MigrationsDir: findMigrationsDir()}
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// newTenant creates and migrates a throwaway tenant schema.
func newTenant(t *testing.T, prefix string) string {
	t.Helper()
	ctx := context.Background()
	tenantID := fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.New().String()[:8], "-", ""))
	if err := db.CreateTenantSchema(ctx, globalDB.Pool, tenantID, globalDB.MigrationsDir); err != nil {
		t.Fatalf("create tenant schema %s: %v", tenantID, err)
	}
	t.Cleanup(func() {
		if _, err := globalDB.Pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+db.SchemaFor(tenantID)+" CASCADE"); err != nil {
			t.Logf("warning: failed to drop schema for %s: %v", tenantID, err)
		}
	})
	return tenantID
}

// withTenantConn pins a connection to the tenant schema for the duration of
// fn, the way the tenant middleware does for a request.
func withTenantConn(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	conn, err := globalDB.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", db.SchemaFor(tenantID))); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	ctx = db.WithTenant(ctx, tenantID)
	ctx = context.WithValue(ctx, db.DBConnKey, conn)
	return fn(ctx)
}

type services struct {
	billing  *billing.Service
	coverage *coverage.Service
	catalog  *catalog.Service
}

func newServices() services {
	pool := globalDB.Pool
	cov := coverage.NewService(coverage.NewRepoPG(pool), "UGX", zerolog.Nop())
	cat := catalog.NewService(catalog.NewRepoPG(pool), "UGX", zerolog.Nop())
	svc := billing.NewService(billing.NewInvoiceStorePG(pool), billing.NewPaymentLedgerPG(pool), cov, cat, billing.ServiceConfig{
		Currency:   "UGX",
		Coverage:   billing.CoverageConfig{FallbackCopayBps: 2000, FallbackDiscountBps: 1000},
		MaxRetries: 3,
	}, zerolog.Nop())
	return services{billing: svc, coverage: cov, catalog: cat}
}

func ptrInt64(v int64) *int64 { return &v }
