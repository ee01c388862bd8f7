package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/sorrel/config"
	"github.com/Ramsey-B/sorrel/internal/handlers"
	"github.com/Ramsey-B/sorrel/pkg/customs"
	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/health"
	"github.com/Ramsey-B/sorrel/pkg/httpclient"
	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/mapping"
	"github.com/Ramsey-B/sorrel/pkg/middleware"
	"github.com/Ramsey-B/sorrel/pkg/periods"
	"github.com/Ramsey-B/sorrel/pkg/ratelimit"
	"github.com/Ramsey-B/sorrel/pkg/ratesaudit"
	"github.com/Ramsey-B/sorrel/pkg/redis"
	"github.com/Ramsey-B/sorrel/pkg/repositories"
	"github.com/Ramsey-B/sorrel/pkg/retry"
	"github.com/Ramsey-B/sorrel/pkg/scheduler"
	"github.com/Ramsey-B/sorrel/pkg/secrets"
	"github.com/Ramsey-B/sorrel/pkg/startup"
	"github.com/Ramsey-B/sorrel/pkg/syncjob"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
	"github.com/Ramsey-B/sorrel/pkg/tracing/exporters"
)

// app holds the process-wide collaborators as startup brings them up.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	db        database.DB
	redis     *redis.Client
	events    kafka.Publisher
	producer  *kafka.Producer
	engine    *syncjob.Engine
	scheduler *scheduler.Scheduler
	server    *echo.Echo
	health    *health.Checker

	stopTracing func(context.Context) error
}

func newApp(cfg *config.Config, logger ectologger.Logger) *app {
	a := &app{cfg: cfg, logger: logger, events: kafka.Discard{}}
	a.health = health.NewChecker(cfg.Version, map[string]health.PingFunc{
		"database": func(ctx context.Context) error {
			if a.db == nil {
				return errors.New("database not connected")
			}
			return a.db.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			if a.redis == nil {
				return errors.New("redis not connected")
			}
			return a.redis.Ping(ctx)
		},
	})
	return a
}

func (a *app) dependencies() []startup.Dependency {
	return []startup.Dependency{
		startup.Func{ID: "tracing", OnStart: a.startTracing, OnStop: a.stopTracingProvider},
		startup.Func{ID: "database", OnStart: a.startDatabase, OnStop: a.stopDatabase},
		startup.Func{ID: "redis", OnStart: a.startRedis, OnStop: a.stopRedis},
		startup.Func{ID: "kafka", OnStart: a.startKafka, OnStop: a.stopKafka},
		startup.Func{ID: "engine", Requires: []string{"database", "redis", "kafka"}, OnStart: a.startEngine, OnStop: a.stopEngine},
		startup.Func{ID: "scheduler", Requires: []string{"engine"}, OnStart: a.startScheduler, OnStop: a.stopScheduler},
		startup.Func{ID: "http", Requires: []string{"engine", "tracing"}, OnStart: a.startServer, OnStop: a.stopServer},
	}
}

func (a *app) startTracing(ctx context.Context) error {
	if !a.cfg.OTLPEnabled {
		return nil
	}
	shutdown, err := tracing.Setup(ctx, a.cfg.AppName, exporters.OTLPConfig{
		Endpoint: a.cfg.OTLPEndpoint,
		Protocol: a.cfg.OTLPProtocol,
		Insecure: a.cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	a.stopTracing = shutdown
	return nil
}

func (a *app) stopTracingProvider(ctx context.Context) error {
	if a.stopTracing == nil {
		return nil
	}
	return a.stopTracing(ctx)
}

func (a *app) startDatabase(ctx context.Context) error {
	c := a.cfg
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DatabaseUserName, c.DatabasePassword, c.DatabaseHost, c.DatabasePort, c.DatabaseName, c.DatabaseSSLMode)

	conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	conn.SetMaxOpenConns(c.DatabaseMaxOpenConns)
	conn.SetMaxIdleConns(c.DatabaseMaxIdleConns)
	conn.SetConnMaxLifetime(c.DatabaseConnMaxLifetime)

	driver, err := postgres.WithInstance(conn.DB, &postgres.Config{})
	if err != nil {
		_ = conn.Close()
		return err
	}
	migrations := database.NewMigrationService(a.logger, database.MigrationConfig{
		FolderPath:   c.DatabaseMigrationFolderPath,
		Version:      uint(max(c.DatabaseMigrationVersion, 0)),
		Force:        c.DatabaseMigrationForce,
		AutoRollback: c.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(c.DatabaseName, driver); err != nil {
		_ = conn.Close()
		return err
	}

	a.db = database.NewDatabaseInstance(conn, a.logger)
	return nil
}

func (a *app) stopDatabase(context.Context) error {
	return a.db.Close()
}

func (a *app) startRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	return nil
}

func (a *app) stopRedis(context.Context) error {
	return a.redis.Close()
}

func (a *app) startKafka(context.Context) error {
	if !a.cfg.KafkaEnabled {
		a.logger.Info("Kafka disabled, sync job events are not published")
		return nil
	}
	a.producer = kafka.NewProducer(kafka.ParseConfig(a.cfg.KafkaBrokers, a.cfg.KafkaEventsTopic), a.logger)
	a.events = a.producer
	return nil
}

func (a *app) stopKafka(context.Context) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

func (a *app) startEngine(ctx context.Context) error {
	c := a.cfg

	box, err := secrets.NewBox(c.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("invalid TOKEN_ENCRYPTION_KEY: %w", err)
	}
	mapper, err := mapping.NewMapper(mapping.Config{
		DeclarationType:  c.MappingDeclarationType,
		CustomsOffice:    c.MappingCustomsOffice,
		Declarant:        c.MappingDeclarant,
		TotalValue:       c.MappingTotalValue,
		Currency:         c.MappingCurrency,
		Goods:            c.MappingGoods,
		GoodsCode:        c.MappingGoodsCode,
		GoodsDescription: c.MappingGoodsDesc,
	})
	if err != nil {
		return fmt.Errorf("invalid field mapping: %w", err)
	}
	tolerance, err := decimal.NewFromString(c.RatesTolerance)
	if err != nil {
		return fmt.Errorf("invalid RATES_TOLERANCE: %w", err)
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = c.UpstreamTimeout
	outbound := httpclient.NewClient(httpCfg, a.logger)

	jobs := repositories.NewSyncJobRepository(a.db, a.logger)
	declarations := repositories.NewDeclarationRepository(a.db, a.logger)
	credentials := repositories.NewTenantCredentialRepository(a.db, a.logger)
	rates := repositories.NewExchangeRateRepository(a.db, a.logger)
	system := repositories.NewSystemRepository(a.db, a.logger)

	limiter := ratelimit.NewManager(redis.NewRateLimiter(a.redis, ""), ratelimit.Config{
		Concurrency: c.SyncGlobalConcurrency,
		Limit:       c.UpstreamRateLimit,
		Window:      c.UpstreamRateWindow,
	}, a.logger)

	a.engine = syncjob.NewEngine(syncjob.Deps{
		Jobs:        jobs,
		Ledger:      repositories.NewSyncJobErrorRepository(a.db, a.logger),
		Declaration: declarations,
		Credentials: credentials,
		System:      system,
		Upstream:    customs.NewClient(outbound, customs.Config{BaseURL: c.CustomsBaseURL, Timeout: c.UpstreamTimeout}, a.logger),
		Decryptor:   box,
		Mapper:      mapper,
		Limiter:     limiter,
		Events:      a.events,
	}, syncjob.Config{
		ChunkDays:    c.SyncChunkDays,
		MaxRangeDays: c.SyncMaxRangeDays,
		Policy: retry.Policy{
			MaxRetries: c.SyncMaxRetries,
			BaseDelay:  c.SyncRetryBaseDelay,
			MaxDelay:   c.SyncRetryMaxDelay,
		},
		FailureRateThreshold: c.SyncFailureRateThreshold,
		FailureRateMinSample: c.SyncFailureRateMinSample,
		Concurrency:          c.SyncJobConcurrency,
		CancelPollInterval:   c.SyncCancelPollInterval,
		StaleAfter:           c.SyncStaleAfter,
	}, a.logger)

	source := ratesaudit.NewHTTPSource(outbound, c.RatesSourceURL, a.logger)
	var refresher scheduler.RateRefresher
	if c.RatesRefreshEnable {
		refresher = ratesaudit.NewRefresher(system, rates, source, instanceName(), a.logger)
	}
	a.scheduler = scheduler.NewScheduler(system, redis.NewLocker(a.redis, ""), a.engine, refresher, scheduler.Config{
		PollInterval: c.SchedulerPollInterval,
		SyncEvery:    c.SchedulerSyncEvery,
		LookbackDays: c.SchedulerLookbackDays,
	}, a.logger)

	a.server = a.newServer(
		handlers.NewSyncJobHandler(a.engine, a.logger),
		handlers.NewPeriodHandler(periods.NewReconciler(declarations, a.logger)),
		handlers.NewRatesAuditHandler(ratesaudit.NewAuditor(rates, source, tolerance, c.RatesAuditMaxDays, a.logger), a.logger),
		handlers.NewTenantHandler(credentials, box, a.logger),
	)

	n, err := a.engine.Resume(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to resume interrupted sync jobs")
	} else if n > 0 {
		a.logger.Infof("Resumed %d interrupted sync jobs", n)
	}
	return nil
}

func (a *app) stopEngine(ctx context.Context) error {
	return a.engine.Shutdown(ctx)
}

func (a *app) startScheduler(ctx context.Context) error {
	if !a.cfg.SchedulerEnabled {
		return nil
	}
	return a.scheduler.Start(ctx)
}

func (a *app) stopScheduler(ctx context.Context) error {
	return a.scheduler.Stop(ctx)
}

func (a *app) newServer(
	syncJobs *handlers.SyncJobHandler,
	periodHandler *handlers.PeriodHandler,
	audit *handlers.RatesAuditHandler,
	tenant *handlers.TenantHandler,
) *echo.Echo {
	c := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)
	e.Server.ReadTimeout = time.Duration(c.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(c.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = c.MaxHeaderBytes

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{AllowOrigins: c.AllowOrigins}))
	e.Use(otelecho.Middleware(c.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	a.health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	syncJobs.Register(api.Group("/sync-jobs"))
	periodHandler.Register(api.Group("/declarations"))
	audit.Register(api.Group("/exchange-rates"))
	tenant.Register(api.Group("/tenant"))
	return e
}

func (a *app) startServer(context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	go func() {
		if err := a.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server stopped")
		}
	}()
	return nil
}

func (a *app) stopServer(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "sorrel"
	}
	return host + ":" + uuid.NewString()[:8]
}
