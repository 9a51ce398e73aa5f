package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	_ "github.com/lib/pq" // PostgreSQL driver

	"ibex/internal/aggregation"
	"ibex/internal/broker"
	"ibex/internal/config"
	"ibex/internal/constants"
	"ibex/internal/deduplication"
	"ibex/internal/envelope"
	"ibex/internal/events"
	"ibex/internal/logger"
	"ibex/internal/management"
	"ibex/pkg/bootstrap"
	"ibex/pkg/health"
	"ibex/pkg/lease"
	"ibex/pkg/metrics"
	"ibex/pkg/middleware"
	"ibex/pkg/ratelimit"
	"ibex/pkg/tracing"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type App struct {
	config         *config.Config
	logger         logger.Logger
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redis          *redis.Client
	mongoClient    *mongo.Client
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("management-service")
	}
	return &App{
		config:      cfg,
		logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := a.initRouter(ctx); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Server.Port),
		Handler: a.router,
	}

	tp, err := tracing.Init(a.config.Tracing, "management-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	if db == nil {
		return fmt.Errorf("postgresql is required: database.postgres.host is not configured")
	}
	a.db = db
	return nil
}

func (a *App) initRouter(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware("management-service"))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.Management.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.Management.RateLimit.RPS,
			Burst:           a.config.Management.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.Management.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.Management.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	repo := management.NewRepository(a.db)
	versioningRepo := management.NewVersioningRepository(a.db)
	envelopes := envelope.NewRepository(a.db)
	guard := deduplication.NewService(deduplication.NewRepository(a.db), a.config.Deduplication, a.logger)

	opts := []management.ServiceOption{
		management.WithVersioning(versioningRepo),
		management.WithDeadLetters(envelopes),
		management.WithDeduplication(guard),
	}

	var producer broker.Producer
	if a.config.Broker.Type == "kafka" && a.config.Broker.Kafka.ConfigUpdateTopic != "" {
		p, err := broker.NewProducer(a.config.Broker, a.logger)
		if err != nil {
			a.logger.WarnwCtx(ctx, "Failed to create config event producer, config events will be disabled", "error", err)
		} else {
			producer = p
			opts = append(opts, management.WithConfigEvents(
				management.NewConfigEventProducer(producer, a.config.Broker.Kafka.ConfigUpdateTopic)))
			a.logger.InfowCtx(ctx, "Config event producer initialized")
		}
	}

	if aggOpt := a.aggregationOption(ctx, producer); aggOpt != nil {
		opts = append(opts, aggOpt)
	}

	svc := management.NewService(repo, opts...)

	handler := management.NewHandler(svc, a.logger)
	handler.RegisterRoutes(router)

	metrics.RegisterManagementMetrics()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.mongoClient != nil {
		healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	}
	if a.redis != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redis))
	}

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
	return nil
}

// aggregationOption wires the aggregation-definition endpoints and the
// instance-cancel operation. Definitions live in MongoDB; canceling an
// instance additionally needs Redis for the instance lease, so the two
// capabilities degrade independently when a store is not configured.
func (a *App) aggregationOption(ctx context.Context, producer broker.Producer) management.ServiceOption {
	if a.config.Database.MongoDB.URI == "" {
		a.logger.WarnwCtx(ctx, "MongoDB not configured, aggregation management disabled")
		return nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	mongoClient, err := a.dbConnector.InitMongoDB(initCtx)
	if err != nil {
		a.logger.WarnwCtx(ctx, "MongoDB connection failed, aggregation management disabled", "error", err)
		return nil
	}
	a.mongoClient = mongoClient

	dbName := a.config.Database.MongoDB.Database
	if dbName == "" {
		dbName = constants.DefaultMongoDBName
	}
	definitions := aggregation.NewDefinitionRepository(mongoClient.Database(dbName))

	var aggregator management.Aggregator
	if a.config.Database.Redis.Host != "" {
		rdb, err := a.dbConnector.InitRedis(initCtx)
		if err != nil {
			a.logger.WarnwCtx(ctx, "Redis connection failed, aggregation instance cancel disabled", "error", err)
		} else {
			a.redis = rdb

			var publisher events.Publisher = events.NopPublisher{}
			if producer != nil {
				eventsTopic := a.config.Broker.Kafka.EventsTopic
				if eventsTopic == "" {
					eventsTopic = constants.DefaultEventsTopic
				}
				publisher = events.NewPublisher(producer, eventsTopic, a.logger)
			}

			leases := lease.NewManager(rdb, constants.LeaseKeyPrefix)
			aggSvc, err := aggregation.NewService(definitions, aggregation.NewRepository(a.db), leases, publisher, a.config.Aggregation, a.logger)
			if err != nil {
				a.logger.WarnwCtx(ctx, "Failed to create aggregation service, instance cancel disabled", "error", err)
			} else {
				aggregator = aggSvc
			}
		}
	}

	return management.WithAggregation(definitions, aggregator)
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.logger.InfowCtx(ctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(ctx)
	case err := <-errChan:
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	dbErrs := a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)
	errs = append(errs, dbErrs...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}
