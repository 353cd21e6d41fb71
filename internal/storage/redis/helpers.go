package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// scoreFor converts a timestamp to a sorted-set score in milliseconds
func scoreFor(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}

// scoreRange converts optional time bounds into ZRANGEBYSCORE arguments
func scoreRange(start, end *time.Time) (string, string) {
	minScore, maxScore := "-inf", "+inf"
	if start != nil {
		minScore = scoreFor(*start)
	}
	if end != nil {
		maxScore = scoreFor(*end)
	}
	return minScore, maxScore
}

func normalizeHost(host string) string {
	if host == "" {
		return "unknown"
	}
	return strings.ToLower(host)
}

func parseCount(result any) (int, error) {
	switch v := result.(type) {
	case int64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("failed to parse count: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected count type %T", result)
	}
}
