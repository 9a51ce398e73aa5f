package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // PostgreSQL driver

	"ibex/internal/aggregation"
	"ibex/internal/broker"
	"ibex/internal/config"
	"ibex/internal/constants"
	"ibex/internal/deduplication"
	"ibex/internal/envelope"
	"ibex/internal/events"
	"ibex/internal/logger"
	"ibex/internal/pipeline"
	"ibex/internal/routing"
	"ibex/pkg/bootstrap"
	"ibex/pkg/health"
	"ibex/pkg/lease"
	"ibex/pkg/logging"
	"ibex/pkg/metrics"
	"ibex/pkg/migrations"
	"ibex/pkg/models"
	"ibex/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	redis       *redis.Client
	mongoClient *mongo.Client

	guard      *deduplication.Service
	router     *routing.Service
	aggregator *aggregation.Service
	pipeline   *pipeline.Service

	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("ingest-service")
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.runMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := a.InitBroker("ingest-service"); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initServices(); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, "ingest-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterPipelineMetrics()
	metrics.RegisterBrokerMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	a.initHTTPServer()

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	if db == nil {
		return fmt.Errorf("postgresql is required: database.postgres.host is not configured")
	}
	a.db = db

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redis = rdb

	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return err
	}
	if mongoClient == nil {
		return fmt.Errorf("mongodb is required: database.mongodb.uri is not configured")
	}
	a.mongoClient = mongoClient

	return nil
}

func (a *App) runMigrations(ctx context.Context) error {
	if a.Config.Database.RunMigrations {
		path := a.Config.Database.MigrationsPath
		if path == "" {
			path = "file://migrations/postgres"
		}
		if err := migrations.RunPostgres(a.db, path); err != nil {
			return err
		}
		a.Logger.Info("PostgreSQL migrations applied")
	}

	if err := migrations.EnsureMongoCollection(ctx, a.mongoDatabase()); err != nil {
		return err
	}
	return nil
}

func (a *App) mongoDatabase() *mongo.Database {
	dbName := a.Config.Database.MongoDB.Database
	if dbName == "" {
		dbName = constants.DefaultMongoDBName
	}
	return a.mongoClient.Database(dbName)
}

func (a *App) initServices() error {
	envelopes := envelope.NewRepository(a.db)

	dedupRepo := deduplication.NewRepository(a.db)
	if a.Config.CircuitBreaker.Enabled {
		dedupRepo = deduplication.NewCircuitBreakerRepository(dedupRepo, a.Config.CircuitBreaker)
		initCtx := logging.WithServiceName(context.Background(), "ingest-service")
		a.Logger.InfowCtx(initCtx, "Circuit breaker enabled for deduplication repository")
	}
	a.guard = deduplication.NewService(dedupRepo, a.Config.Deduplication, a.Logger)

	router, err := routing.NewService(routing.NewRepository(a.db), a.Config.Routing, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create routing service: %w", err)
	}
	a.router = router

	eventsTopic := a.Config.Broker.Kafka.EventsTopic
	if eventsTopic == "" {
		eventsTopic = constants.DefaultEventsTopic
	}
	publisher := events.NewPublisher(a.Producer, eventsTopic, a.Logger)

	leases := lease.NewManager(a.redis, constants.LeaseKeyPrefix)
	definitions := aggregation.NewDefinitionRepository(a.mongoDatabase())
	aggregator, err := aggregation.NewService(definitions, aggregation.NewRepository(a.db), leases, publisher, a.Config.Aggregation, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create aggregation service: %w", err)
	}
	a.aggregator = aggregator

	a.pipeline = pipeline.NewService(envelopes, a.guard, a.router, a.aggregator, publisher, a.Producer, a.Config.Retry, a.Logger)

	return nil
}

func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	healthRegistry.Register(health.NewRedisChecker(a.redis))
	healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := healthRegistry.Check(r.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		fmt.Fprintf(w, `{"status":"%s","timestamp":"%s"}`, h.Status, h.Timestamp.Format(time.RFC3339))
	})

	mux.Handle("/metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler: mux,
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.router.StartReloader(gCtx)
	})

	a.startConfigConsumer(g, gCtx)

	inboundTopic := a.Config.Broker.Kafka.InboundTopic
	if inboundTopic == "" {
		inboundTopic = constants.DefaultInboundTopic
	}

	g.Go(func() error {
		a.Logger.InfowCtx(gCtx, "Starting inbound consumer", "topic", inboundTopic)
		return a.Consumer.Consume(gCtx, inboundTopic, a.pipeline.Process)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startConfigConsumer subscribes to the config-update topic so rule and
// dedup changes made through the management API take effect without a
// restart. A broken config consumer degrades to interval-based reload,
// it does not stop the service.
func (a *App) startConfigConsumer(g *errgroup.Group, gCtx context.Context) {
	configTopic := a.Config.Broker.Kafka.ConfigUpdateTopic
	if a.Config.Broker.Type != "kafka" || configTopic == "" {
		return
	}

	configConsumer, err := broker.NewConsumer(a.Config.Broker, a.Logger)
	if err != nil {
		a.Logger.WarnwCtx(gCtx, "Failed to create config event consumer, event-driven reload disabled",
			"error", err,
		)
		return
	}
	configConsumer.SetServiceName("ingest-service")

	routingEvents := routing.NewHandler(a.router, a.Logger)
	dedupEvents := deduplication.NewHandler(a.guard, a.Logger)

	g.Go(func() error {
		defer configConsumer.Close()
		a.Logger.InfowCtx(gCtx, "Starting config update event consumer", "topic", configTopic)
		return configConsumer.Consume(gCtx, configTopic, func(cCtx context.Context, msg *models.InboundMessage) error {
			if err := routingEvents.HandleConfigUpdateEvent(cCtx, msg); err != nil {
				return err
			}
			return dedupEvents.HandleConfigUpdateEvent(cCtx, msg)
		})
	})
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		var errs []error
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}
		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)...)
		return errs
	})
}
