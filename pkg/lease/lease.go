// Package lease provides single-flight around ticks that may run on several
// replicas at once.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Run when another holder owns the lease.
var ErrHeld = errors.New("lease held by another holder")

// Locker acquires named leases.
type Locker interface {
	// Acquire returns a release function when the lease was taken, or ErrHeld.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, err error)
}

// releaseScript deletes the key only if it still holds our token, so a holder
// whose lease expired never frees a lease taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Locker with SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func NewRedis(client redis.UniversalClient, prefix string, logger *slog.Logger) *Redis {
	if prefix == "" {
		prefix = "relay:lease:"
	}

	return &Redis{client: client, prefix: prefix, logger: logger.With("module", "lease")}
}

// NewRedisFromURL parses a redis:// URL.
func NewRedisFromURL(rawURL, prefix string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return NewRedis(redis.NewClient(opts), prefix, logger), nil
}

func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := r.prefix + name
	token := uuid.NewString()

	acquired, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", name, err)
	}

	if !acquired {
		return nil, ErrHeld
	}

	release := func(ctx context.Context) error {
		deleted, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("releasing lease %s: %w", name, err)
		}

		if deleted == 0 {
			r.logger.WarnContext(ctx, "lease expired before release", "lease", name)
		}

		return nil
	}

	return release, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Local is an in-process Locker for single-replica deployments.
type Local struct {
	held chan struct{}
}

func NewLocal() *Local {
	return &Local{held: make(chan struct{}, 1)}
}

// Acquire ignores name and ttl: one lease guards everything.
func (l *Local) Acquire(context.Context, string, time.Duration) (func(context.Context) error, error) {
	select {
	case l.held <- struct{}{}:
		return func(context.Context) error {
			<-l.held

			return nil
		}, nil
	default:
		return nil, ErrHeld
	}
}

// Run calls fn while holding the named lease. It returns ErrHeld without calling
// fn when the lease is taken.
func Run(ctx context.Context, locker Locker, name string, ttl time.Duration, fn func(context.Context)) error {
	release, err := locker.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}

	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	fn(ctx)

	return nil
}
