package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type detectionStore struct {
	client *redis.Client
	keys   keys
}

// Add stores a detection and indexes it by time and host
func (s *detectionStore) Add(ctx context.Context, detection storage.Detection) error {
	if detection.Timestamp.IsZero() {
		detection.Timestamp = time.Now().UTC()
	}
	if detection.ID == "" {
		detection.ID = uuid.NewString()
	}

	payload, err := json.Marshal(detection)
	if err != nil {
		return fmt.Errorf("marshal detection: %w", err)
	}

	host := normalizeHost(detection.Host)
	script := redis.NewScript(addDetectionScript)
	keys := []string{
		s.keys.detections(),
		s.keys.detectionData(),
		s.keys.detectionHosts(),
		s.keys.detectionHost(host),
	}
	args := []interface{}{
		detection.ID,
		scoreFor(detection.Timestamp),
		string(payload),
		host,
	}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// Query returns detections newest first
func (s *detectionStore) Query(ctx context.Context, filter storage.DetectionFilter) ([]storage.Detection, error) {
	index := s.keys.detections()
	if filter.Host != "" {
		index = s.keys.detectionHost(normalizeHost(filter.Host))
	}

	minScore, maxScore := scoreRange(filter.StartTime, filter.EndTime)
	ids, err := s.client.ZRevRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: minScore,
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range detections: %w", err)
	}

	items := make([]storage.Detection, 0, len(ids))
	if len(ids) == 0 {
		return items, nil
	}

	payloads, err := s.client.HMGet(ctx, s.keys.detectionData(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load detections: %w", err)
	}

	for _, payload := range payloads {
		raw, ok := payload.(string)
		if !ok {
			continue
		}
		var d storage.Detection
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("unmarshal detection: %w", err)
		}
		if filter.Matches(d) {
			items = append(items, d)
		}
	}

	return filter.Page(items), nil
}

// DeleteBefore removes detections older than cutoff along with their indexes
func (s *detectionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	script := redis.NewScript(deleteDetectionsBeforeScript)
	keys := []string{
		s.keys.detections(),
		s.keys.detectionData(),
		s.keys.detectionHosts(),
	}

	result, err := script.Run(ctx, s.client, keys, scoreFor(cutoff), s.keys.detectionHostPrefix()).Result()
	if err != nil {
		return 0, fmt.Errorf("delete detections: %w", err)
	}
	return parseCount(result)
}
