package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Detection sources.
const (
	SourceNetwork = "network"
	SourcePage    = "page"
)

// Detection is one counted AI request in the detection log.
type Detection struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Host      string          `json:"host"`
	URL       string          `json:"url,omitempty"`
	CO2Grams  decimal.Decimal `json:"co2_grams"`
	Level     float64         `json:"level"`
}
