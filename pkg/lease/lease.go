// Package lease grants the exclusive right to drive a rebalance using a Redis key.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// ErrLeaseLost is returned by Extend when the key expired or is held by another token.
var ErrLeaseLost = errors.New("lease lost")

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)
)

// Locker hands out leases on a single key.
type Locker struct {
	client  redis.Cmdable
	key     string
	ttl     time.Duration
	refresh time.Duration
	logger  *zap.Logger
}

var _ rebalance.Locker = (*Locker)(nil)

// Option configures a Locker.
type Option func(*Locker)

// WithRefresh extends held leases every interval until they are released.
func WithRefresh(interval time.Duration) Option {
	return func(l *Locker) { l.refresh = interval }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocker creates a locker for key with the given lease ttl.
func NewLocker(client redis.Cmdable, key string, ttl time.Duration, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lease or fails with rebalance.ErrRebalanceInProgress when
// another holder has it.
func (l *Locker) Acquire(ctx context.Context) (rebalance.Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, rebalance.ErrRebalanceInProgress
	}

	lease := &Lease{
		client: l.client,
		key:    l.key,
		token:  token,
		ttl:    l.ttl,
		done:   make(chan struct{}),
	}
	if l.refresh > 0 {
		lease.wg.Add(1)
		go lease.keepAlive(l.refresh, l.logger)
	}
	return lease, nil
}

// Lease is a held lease identified by a random token.
type Lease struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// Token returns the value stored under the lease key.
func (l *Lease) Token() string {
	return l.token
}

// Extend resets the lease ttl. It fails with ErrLeaseLost if the lease is no longer held.
func (l *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lease %s: %w", l.key, err)
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}

// Release deletes the key if this lease still holds it. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()
		if rerr := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); rerr != nil {
			err = fmt.Errorf("failed to release lease %s: %w", l.key, rerr)
		}
	})
	return err
}

func (l *Lease) keepAlive(interval time.Duration, logger *zap.Logger) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.Extend(ctx)
			cancel()
			if errors.Is(err, ErrLeaseLost) {
				logger.Error("Rebalance lease lost", zap.String("key", l.key))
				return
			}
			if err != nil {
				logger.Warn("Failed to extend rebalance lease", zap.String("key", l.key), zap.Error(err))
			}
		}
	}
}
