package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

// JWTTenantKey is the echo context key the auth middleware stores the token's
// tenant claim under.
const JWTTenantKey = "jwt_tenant_id"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidTenantID reports whether id is safe to embed in a schema name.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// SchemaFor returns the schema holding a tenant's billing tables.
func SchemaFor(tenantID string) string {
	return "tenant_" + tenantID
}

// TenantMiddleware resolves the tenant for a request and, when pool is set,
// pins a connection whose search_path points at the tenant schema. With a nil
// pool only the tenant id is placed in the context.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := WithTenant(c.Request().Context(), tenantID)
			c.Set("tenant_id", tenantID)

			if pool != nil {
				conn, err := pool.Acquire(ctx)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
				}
				defer conn.Release()

				if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaFor(tenantID))); err != nil {
					return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
				}
				ctx = context.WithValue(ctx, DBConnKey, conn)
			}

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get(JWTTenantKey).(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the schema for a tenant and, when migrationsDir
// is set, migrates it.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrationsDir string) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	schema := SchemaFor(tenantID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		if _, err := NewMigrator(pool, migrationsDir).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
