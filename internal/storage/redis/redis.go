package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client         *redis.Client
	kvStore        *kvStore
	detectionStore *detectionStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "nudge"
	}
	k := keys{prefix: prefix}

	store := &Store{
		client:         client,
		kvStore:        &kvStore{client: client, keys: k},
		detectionStore: &detectionStore{client: client, keys: k},
	}

	return store, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// KV returns the counter key space
func (s *Store) KV() storage.KVStore {
	return s.kvStore
}

// Detections returns the detection log store
func (s *Store) Detections() storage.DetectionStore {
	return s.detectionStore
}

// keys builds the namespaced redis key names
type keys struct {
	prefix string
}

func (k keys) counter(name string) string {
	return fmt.Sprintf("%s:kv:%s", k.prefix, name)
}

func (k keys) detections() string {
	return k.prefix + ":detections"
}

func (k keys) detectionData() string {
	return k.prefix + ":detections:data"
}

func (k keys) detectionHosts() string {
	return k.prefix + ":detections:hosts"
}

func (k keys) detectionHostPrefix() string {
	return k.prefix + ":detections:host:"
}

func (k keys) detectionHost(host string) string {
	return k.detectionHostPrefix() + host
}
