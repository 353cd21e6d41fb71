package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	KV() KVStore
	Detections() DetectionStore
}

// KVStore is the persisted counter key space.
// Keys absent from storage are absent from the map returned by Get.
// Set writes every key in values as a single atomic unit.
type KVStore interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
}

// DetectionStore manages the detection log.
type DetectionStore interface {
	Add(ctx context.Context, detection Detection) error
	Query(ctx context.Context, filter DetectionFilter) ([]Detection, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// DetectionFilter defines criteria for querying the detection log.
// Results are returned newest first.
type DetectionFilter struct {
	Host      string
	Source    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Matches reports whether d satisfies the non-paging parts of the filter.
func (f DetectionFilter) Matches(d Detection) bool {
	if f.Host != "" && !strings.EqualFold(f.Host, d.Host) {
		return false
	}
	if f.Source != "" && f.Source != d.Source {
		return false
	}
	if f.StartTime != nil && d.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && d.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Page applies Offset and Limit to an already filtered, ordered slice.
func (f DetectionFilter) Page(items []Detection) []Detection {
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return []Detection{}
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items
}
