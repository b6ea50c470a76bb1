// Package usage persists per-request token accounting to an optional
// database backend. Records are enqueued from the request path without
// blocking and written in batches by a background worker.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record is one completed gateway request.
type Record struct {
	Model    string
	Owner    string
	Endpoint string
	Streamed bool
	Failed   bool

	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64

	RequestedAt time.Time
}

// Endpoint values.
const (
	EndpointChat       = "chat"
	EndpointCompletion = "completion"
)

// GlobalStats is the summary for a time window.
type GlobalStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`
}

// ModelStats is the per-model breakdown for a time window.
type ModelStats struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	SuccessCount     int64  `json:"success_count"`
	FailureCount     int64  `json:"failure_count"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// DailyStats is the per-day breakdown for a time window.
type DailyStats struct {
	Day      string `json:"day"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// Backend is the persistence contract. Implementations are safe for
// concurrent use; Enqueue never blocks the request path.
type Backend interface {
	Enqueue(record Record)
	Flush(ctx context.Context) error

	QueryGlobalStats(ctx context.Context, since time.Time) (*GlobalStats, error)
	QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error)
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	Start() error
	Stop() error
}

// Config holds backend tuning parameters.
type Config struct {
	// DSN selects the backend: sqlite://path or postgres://...
	DSN string

	BatchSize     int
	FlushInterval time.Duration
	RetentionDays int
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultRetentionDays = 30
	defaultQueueSize     = 1000
)

func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
}

// NewBackend dispatches on the DSN scheme. An empty DSN disables usage
// accounting and returns nil without error.
func NewBackend(cfg Config) (Backend, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	cfg.normalize()

	switch {
	case strings.HasPrefix(cfg.DSN, "sqlite://"):
		return NewSQLiteBackend(strings.TrimPrefix(cfg.DSN, "sqlite://"), cfg)
	case strings.HasPrefix(cfg.DSN, "postgres://"), strings.HasPrefix(cfg.DSN, "postgresql://"):
		return NewPostgresBackend(cfg.DSN, cfg)
	default:
		return nil, fmt.Errorf("unsupported usage DSN %q (use sqlite:// or postgres://)", cfg.DSN)
	}
}
