package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ibex/pkg/metrics"
)

// Manager hands out named, bounded-time exclusive leases backed by
// Redis SET NX PX. A lease is owned by a random token; Release and
// Extend only act when the stored token still matches, so an expired
// lease taken over by another holder is never clobbered.
type Manager struct {
	client *redis.Client
	prefix string
}

func NewManager(client *redis.Client, prefix string) *Manager {
	return &Manager{client: client, prefix: prefix}
}

type Lease struct {
	manager *Manager
	name    string
	token   string
	ttl     time.Duration
}

// Acquire attempts to take the named lease. A false result means
// another holder currently owns it; that is not an error.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	token := uuid.New().String()

	ok, err := m.client.SetNX(ctx, m.key(name), token, ttl).Result()
	if err != nil {
		metrics.LeaseAcquisitionsTotal.WithLabelValues(name, "error").Inc()
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if !ok {
		metrics.LeaseAcquisitionsTotal.WithLabelValues(name, "held").Inc()
		return nil, false, nil
	}

	metrics.LeaseAcquisitionsTotal.WithLabelValues(name, "acquired").Inc()
	return &Lease{manager: m, name: name, token: token, ttl: ttl}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.manager.client, []string{l.manager.key(l.name)}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lease %s: %w", l.name, err)
	}
	return nil
}

// Extend pushes the expiry out by the original TTL. Returns false when
// the lease was lost (expired and re-acquired elsewhere).
func (l *Lease) Extend(ctx context.Context) (bool, error) {
	res, err := extendScript.Run(ctx, l.manager.client, []string{l.manager.key(l.name)}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("failed to extend lease %s: %w", l.name, err)
	}
	return res == 1, nil
}

// WithLease runs fn only when the named lease can be acquired, and
// releases it afterwards. Contention is silent: fn is simply skipped.
func (m *Manager) WithLease(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l, ok, err := m.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx)
	}()

	return fn(ctx)
}

func (m *Manager) key(name string) string {
	return m.prefix + name
}
