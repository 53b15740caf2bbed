// Package redisstore keeps the rebalance checkpoint in a single Redis hash.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

const fieldDocument = "doc"

// casScript writes the document only if the stored token still equals
// ARGV[1]. An empty ARGV[1] requires the key to be absent.
var casScript = redis.NewScript(`
local cur = redis.call("hget", KEYS[1], "updated")
if ARGV[1] == "" then
	if cur then
		return 0
	end
elseif cur ~= ARGV[1] then
	return 0
end
redis.call("hset", KEYS[1], "doc", ARGV[2], "updated", ARGV[3])
return 1
`)

// Store is a Redis backed rebalance.Store.
type Store struct {
	client redis.Cmdable
	key    string
}

var _ rebalance.Store = (*Store)(nil)

// New creates a store keeping the checkpoint under key.
func New(client redis.Cmdable, key string) *Store {
	return &Store{client: client, key: key}
}

// Load returns the persisted checkpoint.
func (s *Store) Load(ctx context.Context) (*rebalance.Checkpoint, error) {
	doc, err := s.client.HGet(ctx, s.key, fieldDocument).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, rebalance.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return rebalance.UnmarshalCheckpoint(doc)
}

// Save replaces the checkpoint if it was not modified since prevUpdatedAt.
func (s *Store) Save(ctx context.Context, cp *rebalance.Checkpoint, prevUpdatedAt time.Time) error {
	doc, err := cp.MarshalDocument()
	if err != nil {
		return err
	}

	ok, err := casScript.Run(ctx, s.client, []string{s.key}, token(prevUpdatedAt), doc, token(cp.UpdatedAt)).Int()
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if ok != 1 {
		return rebalance.ErrConcurrentModification
	}
	return nil
}

func token(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}
