package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/twinsight/connect/internal/domain"
	"github.com/twinsight/connect/internal/repository"
)

const statePrefix = "authstate:"

// RedisStateStore implements repository.StateStore backed by Redis. Expiry is
// enforced by the key TTL; consumption is a single GETDEL so a state token
// can never be redeemed twice, even across replicas.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Save stores the encoded authorization state with TTL.
func (s *RedisStateStore) Save(ctx context.Context, state domain.AuthorizationState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, statePrefix+state.State, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Consume atomically loads and deletes the state. Nil means absent, expired,
// or already consumed.
func (s *RedisStateStore) Consume(ctx context.Context, token string) (*domain.AuthorizationState, error) {
	raw, err := s.client.GetDel(ctx, statePrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	var state domain.AuthorizationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}
