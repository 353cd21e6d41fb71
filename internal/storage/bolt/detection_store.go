package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/nudgeproxy/internal/storage"
	"go.etcd.io/bbolt"
)

type detectionStore struct {
	db *bbolt.DB
}

func (s *detectionStore) Add(ctx context.Context, detection storage.Detection) error {
	if detection.Timestamp.IsZero() {
		detection.Timestamp = time.Now().UTC()
	}
	if detection.ID == "" {
		key, err := logKey("detection", detection.Timestamp)
		if err != nil {
			return err
		}
		detection.ID = key
	}
	data, err := marshal(detection)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketDetections))
		if bucket == nil {
			return fmt.Errorf("detection bucket missing")
		}
		if err := bucket.Put([]byte(detection.ID), data); err != nil {
			return err
		}
		hostBucket, err := ensureIndexBucket(tx, bucketIndexDetections, bucketIndexHost, normalizeIndexKey(detection.Host))
		if err != nil {
			return err
		}
		return hostBucket.Put([]byte(detection.ID), []byte{})
	})
}

func (s *detectionStore) Query(ctx context.Context, filter storage.DetectionFilter) ([]storage.Detection, error) {
	items := make([]storage.Detection, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDetections))
		if bucket == nil {
			return nil
		}

		collect := func(v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var d storage.Detection
			if err := unmarshal(v, &d); err != nil {
				return err
			}
			if filter.Matches(d) {
				items = append(items, d)
			}
			return nil
		}

		// Keys sort by timestamp, so a reverse walk yields newest first.
		if filter.Host != "" {
			index := lookupIndexBucket(tx, bucketIndexDetections, bucketIndexHost, normalizeIndexKey(filter.Host))
			if index == nil {
				return nil
			}
			c := index.Cursor()
			for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
				v := bucket.Get(k)
				if v == nil {
					continue
				}
				if err := collect(v); err != nil {
					return err
				}
			}
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := collect(v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return filter.Page(items), nil
}

func (s *detectionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketDetections))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; {
			var d storage.Detection
			if err := unmarshal(v, &d); err != nil {
				return err
			}
			if !d.Timestamp.Before(cutoff) {
				// everything after this key is newer
				break
			}
			key := append([]byte(nil), k...)
			if index := lookupIndexBucket(tx, bucketIndexDetections, bucketIndexHost, normalizeIndexKey(d.Host)); index != nil {
				if err := index.Delete(key); err != nil {
					return err
				}
			}
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
			k, v = c.Seek(key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
