// Package models defines the telemetry data structures shared by the
// gateway, the metrics collector and the archive.
package models

import "time"

// Backend names an upstream provider family used in cache keys.
type Backend string

const (
	BackendOpenAI    Backend = "openai"
	BackendAnthropic Backend = "anthropic"
	BackendEcho      Backend = "echo"
)

// DomainMarker is the reserved scope marker for broad informational lookups.
// Routing and cache expiry both key off it.
const DomainMarker = "domain"

// MetricsRecord describes one completed request. It is immutable once
// recorded. Prompt and response content are never stored.
type MetricsRecord struct {
	RequestID  string    `json:"req_id" db:"request_id"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	Client     string    `json:"client" db:"client"`
	Endpoint   string    `json:"endpoint" db:"endpoint"`
	Method     string    `json:"method" db:"method"`
	Model      string    `json:"model,omitempty" db:"model"`
	Tokens     int64     `json:"tokens,omitempty" db:"tokens"`
	Duration   float64   `json:"duration" db:"duration_seconds"` // seconds
	CacheHit   bool      `json:"cache_hit" db:"cache_hit"`
	StatusCode int       `json:"status_code" db:"status_code"`
	Error      string    `json:"error,omitempty" db:"error"`
	Cost       *float64  `json:"cost,omitempty" db:"cost_usd"`
	Scope      string    `json:"scope,omitempty" db:"scope"`
}

// DailyAggregate accumulates every record for one UTC calendar day.
type DailyAggregate struct {
	Date          string           `json:"date"`
	TotalRequests int64            `json:"total_requests"`
	TotalTokens   int64            `json:"total_tokens"`
	TotalCost     float64          `json:"total_cost"`
	CacheHits     int64            `json:"cache_hits"`
	Errors        int64            `json:"errors"`
	Models        map[string]int64 `json:"models"`
	Endpoints     map[string]int64 `json:"endpoints"`
	Clients       []string         `json:"clients"`
	UniqueClients int              `json:"unique_clients"`
	TotalDuration float64          `json:"total_duration"`
	AvgDuration   float64          `json:"avg_duration"`
}

// LiveCounters are the all-time flat counters.
type LiveCounters struct {
	Timestamp     time.Time        `json:"timestamp"`
	TotalRequests int64            `json:"total_requests"`
	CacheHits     int64            `json:"cache_hits"`
	Errors        int64            `json:"errors"`
	Models        map[string]int64 `json:"models"`
	CacheHitRate  float64          `json:"cache_hit_rate"`
}

// Change compares a metric between two periods.
type Change struct {
	// Percent is nil when the previous value was zero and the current one is not.
	Percent   *float64 `json:"change"`
	Direction string   `json:"direction"`
}

// Dashboard bundles today's and yesterday's aggregates with the live counters.
type Dashboard struct {
	CurrentDate string          `json:"current_date"`
	RealTime    *LiveCounters   `json:"real_time"`
	Today       *DailyAggregate `json:"today"`
	Yesterday   *DailyAggregate `json:"yesterday"`
	Comparison  struct {
		Requests Change `json:"requests_change"`
		Cost     Change `json:"cost_change"`
	} `json:"comparison"`
}

// UsageSummary aggregates archived records along one dimension.
type UsageSummary struct {
	Dimension     string  `json:"dimension"` // "model", "client", "endpoint" or "scope"
	DimensionID   string  `json:"dimension_id"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	CacheHits     int64   `json:"cache_hits"`
	Errors        int64   `json:"errors"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// CompletionRequest is what the gateway asks an upstream model for.
type CompletionRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

// Completion is an upstream model's answer. It is the payload stored in the
// response cache.
type Completion struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}
