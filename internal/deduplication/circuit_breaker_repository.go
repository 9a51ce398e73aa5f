package deduplication

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"ibex/internal/config"
	"ibex/pkg/circuitbreaker"
)

type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cfg config.CircuitBreakerConfig) *CircuitBreakerRepository {
	if !cfg.Enabled {
		return &CircuitBreakerRepository{
			repo: repo,
			cb:   nil,
		}
	}

	cbConfig := circuitbreaker.DefaultConfig("postgres-dedup")
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinRequests) {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		}
	}

	return &CircuitBreakerRepository{
		repo: repo,
		cb:   circuitbreaker.NewWrapper(cbConfig),
	}
}

func (r *CircuitBreakerRepository) Record(ctx context.Context, key RecordKey, now, expiresAt time.Time) (*Sighting, error) {
	if r.cb == nil {
		return r.repo.Record(ctx, key, now, expiresAt)
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.repo.Record(ctx, key, now, expiresAt)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return nil, fmt.Errorf("circuit breaker is open for postgres-dedup: %w", err)
		}
		return nil, err
	}

	sighting, ok := result.(*Sighting)
	if !ok {
		return nil, fmt.Errorf("repository returned invalid result type")
	}

	return sighting, nil
}

func (r *CircuitBreakerRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	if r.cb == nil {
		return r.repo.PurgeExpired(ctx, before)
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.repo.PurgeExpired(ctx, before)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return 0, fmt.Errorf("circuit breaker is open for postgres-dedup: %w", err)
		}
		return 0, err
	}

	purged, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("repository returned invalid result type")
	}

	return purged, nil
}

func (r *CircuitBreakerRepository) Stats(ctx context.Context, tenantID, messageType string) ([]StatEntry, error) {
	if r.cb == nil {
		return r.repo.Stats(ctx, tenantID, messageType)
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.repo.Stats(ctx, tenantID, messageType)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return nil, fmt.Errorf("circuit breaker is open for postgres-dedup: %w", err)
		}
		return nil, err
	}

	stats, ok := result.([]StatEntry)
	if !ok {
		return nil, fmt.Errorf("repository returned invalid result type")
	}

	return stats, nil
}

func (r *CircuitBreakerRepository) State() string {
	if r.cb == nil {
		return "disabled"
	}
	return r.cb.State().String()
}

func (r *CircuitBreakerRepository) IsOpen() bool {
	if r.cb == nil {
		return false
	}
	return r.cb.IsOpen()
}
