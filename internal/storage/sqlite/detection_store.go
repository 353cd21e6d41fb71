package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/google/uuid"
)

type detectionStore struct {
	db *sql.DB
}

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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO detections (id, ts, source, host, payload) VALUES (?, ?, ?, ?, ?)`,
		detection.ID,
		detection.Timestamp.UnixNano(),
		detection.Source,
		strings.ToLower(detection.Host),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

func (s *detectionStore) Query(ctx context.Context, filter storage.DetectionFilter) ([]storage.Detection, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Host != "" {
		clauses = append(clauses, "host = ?")
		args = append(args, strings.ToLower(filter.Host))
	}
	if filter.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.StartTime != nil {
		clauses = append(clauses, "ts >= ?")
		args = append(args, filter.StartTime.UnixNano())
	}
	if filter.EndTime != nil {
		clauses = append(clauses, "ts <= ?")
		args = append(args, filter.EndTime.UnixNano())
	}

	query := "SELECT payload FROM detections"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY ts DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	items := make([]storage.Detection, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		var d storage.Detection
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, fmt.Errorf("unmarshal detection: %w", err)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (s *detectionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete detections: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
