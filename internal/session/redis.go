// internal/session/redis.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "session:"

// redisStore keeps session state in Redis so conversations survive a
// host-service restart.
type redisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb, ttl: 24 * time.Hour}
}

func (s *redisStore) Get(ctx context.Context, id string) (State, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, nil
		}
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *redisStore) Put(ctx context.Context, id string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyPrefix+id, raw, s.ttl).Err()
}
