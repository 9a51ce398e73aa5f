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
	"ibex/internal/config"
	"ibex/internal/constants"
	"ibex/internal/deduplication"
	"ibex/internal/envelope"
	"ibex/internal/events"
	"ibex/internal/logger"
	"ibex/internal/pipeline"
	"ibex/internal/retry"
	"ibex/internal/routing"
	"ibex/pkg/bootstrap"
	"ibex/pkg/health"
	"ibex/pkg/lease"
	"ibex/pkg/metrics"
	"ibex/pkg/tracing"
)

const (
	defaultRetrySweepInterval   = 30 * time.Second
	defaultTimeoutSweepInterval = 30 * time.Second
	defaultPurgeInterval        = time.Hour
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	redis       *redis.Client
	mongoClient *mongo.Client

	leases     *lease.Manager
	guard      *deduplication.Service
	router     *routing.Service
	aggregator *aggregation.Service
	retrySvc   *retry.Service

	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("scheduler-service")
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

	if err := a.InitBroker("scheduler-service"); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initServices(); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, "scheduler-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterSchedulerMetrics()
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

// initServices builds the same pipeline stack as the ingest service:
// resubmitted envelopes go back through routing and dispatch, so the
// scheduler needs the full set of collaborators, not just the sweeps.
func (a *App) initServices() error {
	envelopes := envelope.NewRepository(a.db)

	dedupRepo := deduplication.NewRepository(a.db)
	if a.Config.CircuitBreaker.Enabled {
		dedupRepo = deduplication.NewCircuitBreakerRepository(dedupRepo, a.Config.CircuitBreaker)
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

	a.leases = lease.NewManager(a.redis, constants.LeaseKeyPrefix)

	dbName := a.Config.Database.MongoDB.Database
	if dbName == "" {
		dbName = constants.DefaultMongoDBName
	}
	definitions := aggregation.NewDefinitionRepository(a.mongoClient.Database(dbName))

	aggregator, err := aggregation.NewService(definitions, aggregation.NewRepository(a.db), a.leases, publisher, a.Config.Aggregation, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create aggregation service: %w", err)
	}
	a.aggregator = aggregator

	pipe := pipeline.NewService(envelopes, a.guard, a.router, a.aggregator, publisher, a.Producer, a.Config.Retry, a.Logger)
	a.retrySvc = retry.NewService(envelopes, pipe, a.Config.Retry, a.Logger)

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

	// Resubmitted envelopes are routed against the current rule set.
	g.Go(func() error {
		return a.router.StartReloader(gCtx)
	})

	a.startSweep(g, gCtx, constants.LeaseRetrySweep,
		intervalOrDefault(a.Config.Retry.SweepIntervalSeconds, defaultRetrySweepInterval),
		a.retrySvc.ProcessPendingRetries)

	a.startSweep(g, gCtx, constants.LeaseTimeoutSweep,
		intervalOrDefault(a.Config.Aggregation.SweepIntervalSeconds, defaultTimeoutSweepInterval),
		a.aggregator.ProcessTimeouts)

	a.startSweep(g, gCtx, constants.LeasePurgeSweep,
		intervalOrDefault(a.Config.Retry.PurgeIntervalSeconds, defaultPurgeInterval),
		a.purgeDedupRecords)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startSweep runs fn on a ticker, guarded by a named lease so that at
// most one scheduler replica performs each sweep per interval. Sweep
// failures are logged and retried at the next tick.
func (a *App) startSweep(g *errgroup.Group, gCtx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	g.Go(func() error {
		a.Logger.InfowCtx(gCtx, "Sweep scheduled", "sweep", name, "interval", interval)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := a.leases.WithLease(gCtx, name, interval, fn); err != nil {
					a.Logger.ErrorwCtx(gCtx, "Sweep failed", "sweep", name, "error", err)
				}
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
	})
}

func (a *App) purgeDedupRecords(ctx context.Context) error {
	purged, err := a.guard.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		a.Logger.InfowCtx(ctx, "Expired dedup records purged", "count", purged)
	}
	return nil
}

func intervalOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
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
