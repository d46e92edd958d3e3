package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Pinger is a dependency that can report its liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler pings the database pool, when there is one, and every named
// dependency. Any failure turns the response into a 503.
func HealthHandler(pool *pgxpool.Pool, deps map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		healthy := true
		body := map[string]interface{}{}
		checks := map[string]string{}

		if pool != nil {
			stats := GetPoolStats(pool)
			if err := pool.Ping(ctx); err != nil {
				stats.Healthy = false
				healthy = false
				checks["database"] = err.Error()
			} else {
				checks["database"] = "ok"
			}
			body["pool"] = stats
		}

		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				healthy = false
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}
		body["checks"] = checks

		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
