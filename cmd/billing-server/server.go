package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/hmis/billing/internal/config"
	"github.com/hmis/billing/internal/domain/billing"
	"github.com/hmis/billing/internal/domain/catalog"
	"github.com/hmis/billing/internal/domain/coverage"
	"github.com/hmis/billing/internal/domain/reports"
	"github.com/hmis/billing/internal/platform/auth"
	"github.com/hmis/billing/internal/platform/blobstore"
	"github.com/hmis/billing/internal/platform/cache"
	"github.com/hmis/billing/internal/platform/db"
	"github.com/hmis/billing/internal/platform/jsoncodec"
	"github.com/hmis/billing/internal/platform/messaging"
	"github.com/hmis/billing/internal/platform/middleware"
	"github.com/hmis/billing/internal/platform/validation"
	"github.com/hmis/billing/internal/platform/websocket"
)

// server is the assembled API with the resources it must release on exit.
type server struct {
	echo    *echo.Echo
	hub     *websocket.Hub
	billing *billing.Service
	closers []func()
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer connects the configured backends and mounts every route.
// Redis, RabbitMQ and S3 are optional; each is wired only when its URL or
// endpoint is set.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}
	fail := func(err error) (*server, error) {
		srv.Close()
		return nil, err
	}

	var (
		pool      *pgxpool.Pool
		invoices  billing.InvoiceStore
		ledger    billing.PaymentLedger
		coverRepo coverage.Repository
		catRepo   catalog.Repository
	)
	if cfg.UsesPostgres() {
		p, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		pool = p
		srv.closers = append(srv.closers, pool.Close)
		logger.Info().Msg("connected to database")

		invoices = billing.NewInvoiceStorePG(pool)
		ledger = billing.NewPaymentLedgerPG(pool)
		coverRepo = coverage.NewRepoPG(pool)
		catRepo = catalog.NewRepoPG(pool)
	} else {
		mem := billing.NewMemoryStore()
		invoices, ledger = mem, mem
		coverRepo = coverage.NewMemoryRepository()
		catRepo = catalog.NewMemoryRepository()
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	}

	coverageSvc := coverage.NewService(coverRepo, cfg.Currency, logger)
	catalogSvc := catalog.NewService(catRepo, cfg.Currency, logger)
	billingSvc := billing.NewService(invoices, ledger, coverageSvc, catalogSvc, billing.ServiceConfig{
		Currency: cfg.Currency,
		Coverage: billing.CoverageConfig{
			FallbackCopayBps:    cfg.FallbackCopayBps,
			FallbackDiscountBps: cfg.FallbackDiscountBps,
		},
		MaxRetries: cfg.MaxRetries,
	}, logger)
	srv.billing = billingSvc

	deps := map[string]db.Pinger{}

	if cfg.RedisURL != "" {
		client, err := cache.NewClient(ctx, cfg.RedisURL, 2*time.Second)
		if err != nil {
			return fail(err)
		}
		srv.closers = append(srv.closers, func() { _ = client.Close() })
		billingSvc.SetIdempotencyStore(cache.NewIdempotencyStore(client, cfg.IdempotencyTTL))
		deps["redis"] = cache.Pinger{Client: client}
		logger.Info().Msg("redis idempotency cache enabled")
	}

	if cfg.AMQPURL != "" {
		conn, err := messaging.Dial(cfg.AMQPURL)
		if err != nil {
			return fail(err)
		}
		srv.closers = append(srv.closers, func() { _ = conn.Close() })
		pub, err := messaging.NewPublisher(conn, cfg.AMQPExchange)
		if err != nil {
			return fail(err)
		}
		srv.closers = append(srv.closers, func() { _ = pub.Close() })
		broker := billing.NewBrokerPublisher(pub)
		billingSvc.AddEventPublisher(broker)
		billingSvc.SetEncounterNotifier(broker)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing billing events to rabbitmq")
	}

	hub := websocket.NewHub(logger)
	srv.hub = hub
	billingSvc.AddEventPublisher(billing.NewStreamPublisher(websocket.Publisher{Hub: hub}))

	var store blobstore.Store = blobstore.NewMemoryStore()
	if cfg.S3Endpoint != "" {
		s3, err := blobstore.NewS3Store(blobstore.S3Config{
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			UseSSL:          cfg.S3UseSSL,
		})
		if err != nil {
			return fail(err)
		}
		store = s3
		deps["object_store"] = s3
	}
	reportSvc := reports.NewService(billingSvc, store, cfg.ExportURLTTL, logger)

	srv.echo = newEcho(cfg, logger, pool, deps)
	apiV1 := srv.echo.Group("/api/v1",
		db.TenantMiddleware(pool, cfg.DefaultTenant),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		middleware.Audit(logger),
	)

	billing.NewHandler(billingSvc).RegisterRoutes(apiV1)
	coverage.NewHandler(coverageSvc).RegisterRoutes(apiV1)
	catalog.NewHandler(catalogSvc).RegisterRoutes(apiV1)
	reports.NewHandler(reportSvc).RegisterRoutes(apiV1)
	websocket.NewHandler(hub).RegisterRoutes(apiV1, auth.RequireRole(auth.RoleBilling, auth.RoleCashier))

	return srv, nil
}

// newEcho builds the router with the cross-cutting middleware and the public
// health endpoints.
func newEcho(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, deps map[string]db.Pinger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsoncodec.Serializer{}
	e.Validator = validation.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID", billing.IdempotencyHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, echo.HeaderContentDisposition},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, deps))
	return e
}
