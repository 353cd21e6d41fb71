package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

type kvStore struct {
	db *bbolt.DB
}

func (s *kvStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	values := make(map[string][]byte, len(keys))
	return values, s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketCounters))
		if b == nil {
			return nil
		}
		for _, key := range keys {
			value := b.Get([]byte(key))
			if value == nil {
				continue
			}
			// bolt values are only valid for the life of the transaction
			values[key] = append([]byte(nil), value...)
		}
		return nil
	})
}

func (s *kvStore) Set(ctx context.Context, values map[string][]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketCounters))
		if b == nil {
			return fmt.Errorf("counters bucket missing")
		}
		for key, value := range values {
			if err := b.Put([]byte(key), value); err != nil {
				return fmt.Errorf("put %s: %w", key, err)
			}
		}
		return nil
	})
}
