package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type kvStore struct {
	client *redis.Client
	keys   keys
}

// Get reads the named counters with a single MGET
func (s *kvStore) Get(ctx context.Context, names ...string) (map[string][]byte, error) {
	values := make(map[string][]byte, len(names))
	if len(names) == 0 {
		return values, nil
	}

	redisKeys := make([]string, len(names))
	for i, name := range names {
		redisKeys[i] = s.keys.counter(name)
	}

	results, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget counters: %w", err)
	}

	for i, result := range results {
		switch v := result.(type) {
		case nil:
			// Key absent
		case string:
			values[names[i]] = []byte(v)
		default:
			return nil, fmt.Errorf("unexpected value type %T for %s", result, names[i])
		}
	}

	return values, nil
}

// Set writes all counters inside one MULTI/EXEC block
func (s *kvStore) Set(ctx context.Context, values map[string][]byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for name, value := range values {
			pipe.Set(ctx, s.keys.counter(name), value, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set counters: %w", err)
	}
	return nil
}
