// Package billing persists per-call cost records for the generation core.
package billing

import (
	"context"
	"time"
)

// Record is one generation attempt as seen by the cost and audit sinks.
type Record struct {
	ID           string
	Provider     string
	Feature      string
	Model        string
	CallerID     string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
	LatencyMs    int64
	Success      bool
	ErrorMessage string
	Metadata     map[string]string
	CreatedAt    time.Time
}

type FeatureUsage struct {
	Feature      string  `json:"feature"`
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	Failures     int64   `json:"failures"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

type Store interface {
	Record(ctx context.Context, rec *Record) error
	UsageByFeature(ctx context.Context, from, to time.Time) ([]*FeatureUsage, error)
	TotalCost(ctx context.Context, from, to time.Time) (float64, error)
}
