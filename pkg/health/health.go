package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	checkTimeout = 5 * time.Second
	// A backend that answers but takes longer than this is reported
	// degraded: the service still works, the operator should look.
	degradedAfter = time.Second
)

// Checker pings one backend the service depends on. Name is the key
// the check reports under and should say what the backend holds, not
// what engine it runs.
type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type CheckerRegistry struct {
	checkers []Checker
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{
		checkers: make([]Checker, 0),
	}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, checker)
}

// Check runs every registered checker. Any failure makes the overall
// status unhealthy; a slow-but-working backend degrades it.
func (r *CheckerRegistry) Check(ctx context.Context) Health {
	results := make(map[string]CheckResult)
	overall := StatusHealthy

	for _, checker := range r.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		err := checker.Check(checkCtx)
		latency := time.Since(start)
		cancel()

		result := CheckResult{
			Status:    StatusHealthy,
			LatencyMS: latency.Milliseconds(),
			Timestamp: time.Now(),
		}

		switch {
		case err != nil:
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			overall = StatusUnhealthy
		case latency > degradedAfter:
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("responded in %s", latency.Round(time.Millisecond))
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}

		results[checker.Name()] = result
	}

	return Health{
		Status:    overall,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

// PostgreSQLChecker pings the envelope and rule store.
type PostgreSQLChecker struct {
	db *sql.DB
}

func NewPostgreSQLChecker(db *sql.DB) *PostgreSQLChecker {
	return &PostgreSQLChecker{db: db}
}

func (c *PostgreSQLChecker) Name() string {
	return "envelope-store"
}

func (c *PostgreSQLChecker) Check(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("envelope store ping failed: %w", err)
	}
	return nil
}

// RedisChecker pings the lease store the sweeps coordinate through.
type RedisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "lease-store"
}

func (c *RedisChecker) Check(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("lease store ping failed: %w", err)
	}
	return nil
}

// MongoDBChecker pings the aggregation-definition store.
type MongoDBChecker struct {
	client *mongo.Client
}

func NewMongoDBChecker(client *mongo.Client) *MongoDBChecker {
	return &MongoDBChecker{client: client}
}

func (c *MongoDBChecker) Name() string {
	return "definition-store"
}

func (c *MongoDBChecker) Check(ctx context.Context) error {
	if err := c.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("definition store ping failed: %w", err)
	}
	return nil
}
