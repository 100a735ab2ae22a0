// Package analytics derives cost insights from the request archive.
//
// The engine looks for per-client cost spikes and for models whose spend
// suggests routing more traffic to the next cheaper tier.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/router"
)

// InsightType categorizes the kind of insight generated.
type InsightType string

const (
	InsightCostSpike   InsightType = "cost_spike"
	InsightModelSwitch InsightType = "model_switch"
	InsightLowCacheUse InsightType = "low_cache_use"
)

// Severity indicates the urgency of an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	// SpikeThreshold is the multiple of the rolling average that counts as a spike.
	SpikeThreshold = 2.0
	// criticalMultiple escalates a spike to critical.
	criticalMultiple = 5.0
	// minSwitchSpend is the weekly spend below which no switch is suggested.
	minSwitchSpend = 1.0
	// lowCacheRate flags endpoints that are almost never served from cache.
	lowCacheRate     = 0.05
	minCacheRequests = 100
)

// Insight represents an actionable recommendation or alert.
type Insight struct {
	ID              string      `json:"id"`
	Type            InsightType `json:"type"`
	Severity        Severity    `json:"severity"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	EstimatedSaving float64     `json:"estimated_saving"`
	AffectedEntity  string      `json:"affected_entity"`
	CreatedAt       time.Time   `json:"created_at"`
}

// InsightsEngine generates cost insights.
type InsightsEngine struct {
	pool   *pgxpool.Pool
	router *router.Router
	now    func() time.Time
}

// NewInsightsEngine creates a new InsightsEngine. A nil pool yields no insights.
func NewInsightsEngine(pool *pgxpool.Pool, r *router.Router) *InsightsEngine {
	return &InsightsEngine{pool: pool, router: r, now: time.Now}
}

// All runs every detector and concatenates the results.
func (e *InsightsEngine) All(ctx context.Context) ([]Insight, error) {
	var all []Insight
	for _, detect := range []func(context.Context) ([]Insight, error){
		e.DetectSpikes, e.RecommendModelSwitches, e.DetectLowCacheUse,
	} {
		found, err := detect(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	return all, nil
}

// DetectSpikes finds client-days whose cost exceeds SpikeThreshold times the
// client's 7-day rolling average.
func (e *InsightsEngine) DetectSpikes(ctx context.Context) ([]Insight, error) {
	if e.pool == nil {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		WITH daily_costs AS (
			SELECT
				DATE(timestamp) AS day,
				client,
				SUM(cost_usd) AS daily_cost
			FROM gateway_requests
			WHERE timestamp > NOW() - INTERVAL '14 days'
			  AND cost_usd IS NOT NULL
			GROUP BY DATE(timestamp), client
		),
		rolling_avg AS (
			SELECT
				day,
				client,
				daily_cost,
				AVG(daily_cost) OVER (
					PARTITION BY client
					ORDER BY day
					ROWS BETWEEN 7 PRECEDING AND 1 PRECEDING
				) AS avg_cost
			FROM daily_costs
		)
		SELECT day, client, daily_cost, avg_cost
		FROM rolling_avg
		WHERE daily_cost > avg_cost * $1
		  AND avg_cost > 0
		ORDER BY day DESC
		LIMIT 20
	`, SpikeThreshold)
	if err != nil {
		return nil, fmt.Errorf("detecting spikes: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var day time.Time
		var client string
		var dailyCost, avgCost float64
		if err := rows.Scan(&day, &client, &dailyCost, &avgCost); err != nil {
			return nil, fmt.Errorf("scanning spike row: %w", err)
		}
		insights = append(insights, spikeInsight(day, client, dailyCost, avgCost, e.now()))
	}
	return insights, rows.Err()
}

func spikeInsight(day time.Time, client string, dailyCost, avgCost float64, now time.Time) Insight {
	multiple := dailyCost / avgCost
	severity := SeverityWarning
	if multiple >= criticalMultiple {
		severity = SeverityCritical
	}
	return Insight{
		ID:       fmt.Sprintf("spike-%s-%s", client, day.Format("2006-01-02")),
		Type:     InsightCostSpike,
		Severity: severity,
		Title:    fmt.Sprintf("Cost spike detected for %s", client),
		Description: fmt.Sprintf(
			"On %s, %s spent $%.4f, which is %.1fx the 7-day rolling average of $%.4f.",
			day.Format("Jan 2"), client, dailyCost, multiple, avgCost,
		),
		EstimatedSaving: roundCents(dailyCost - avgCost),
		AffectedEntity:  client,
		CreatedAt:       now,
	}
}

// RecommendModelSwitches suggests the next cheaper tier for models with
// noticeable weekly spend.
func (e *InsightsEngine) RecommendModelSwitches(ctx context.Context) ([]Insight, error) {
	if e.pool == nil || e.router == nil {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		SELECT
			model,
			COUNT(*) AS request_count,
			SUM(cost_usd) AS total_cost,
			AVG(tokens) AS avg_tokens
		FROM gateway_requests
		WHERE timestamp > NOW() - INTERVAL '7 days'
		  AND model <> ''
		  AND cost_usd IS NOT NULL
		GROUP BY model
		HAVING SUM(cost_usd) > $1
		ORDER BY total_cost DESC
	`, minSwitchSpend)
	if err != nil {
		return nil, fmt.Errorf("querying model usage: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var model string
		var reqCount int64
		var totalCost, avgTokens float64
		if err := rows.Scan(&model, &reqCount, &totalCost, &avgTokens); err != nil {
			return nil, fmt.Errorf("scanning model usage: %w", err)
		}
		if in, ok := e.switchInsight(model, reqCount, totalCost, avgTokens); ok {
			insights = append(insights, in)
		}
	}
	return insights, rows.Err()
}

func (e *InsightsEngine) switchInsight(model string, reqCount int64, totalCost, avgTokens float64) (Insight, bool) {
	from, to, ok := e.router.Downgrade(model)
	if !ok || from.CostPer1K <= 0 || to.CostPer1K >= from.CostPer1K {
		return Insight{}, false
	}
	saving := totalCost * (1 - to.CostPer1K/from.CostPer1K)
	return Insight{
		ID:       fmt.Sprintf("switch-%s", model),
		Type:     InsightModelSwitch,
		Severity: SeverityInfo,
		Title:    fmt.Sprintf("Consider switching %s to %s", model, to.Primary),
		Description: fmt.Sprintf(
			"You spent $%.2f on %s (%d requests, avg %.0f tokens). "+
				"Routing simpler queries to the %s tier (%s) could save ~$%.2f/week.",
			totalCost, model, reqCount, avgTokens, to.Tier, to.Primary, saving,
		),
		EstimatedSaving: roundCents(saving),
		AffectedEntity:  model,
		CreatedAt:       e.now(),
	}, true
}

// DetectLowCacheUse flags busy endpoints that the response cache rarely serves.
func (e *InsightsEngine) DetectLowCacheUse(ctx context.Context) ([]Insight, error) {
	if e.pool == nil {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		SELECT
			endpoint,
			COUNT(*) AS request_count,
			COUNT(*) FILTER (WHERE cache_hit) AS hits
		FROM gateway_requests
		WHERE timestamp > NOW() - INTERVAL '7 days'
		  AND error = ''
		GROUP BY endpoint
		HAVING COUNT(*) >= $1
	`, minCacheRequests)
	if err != nil {
		return nil, fmt.Errorf("querying cache usage: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var endpoint string
		var total, hits int64
		if err := rows.Scan(&endpoint, &total, &hits); err != nil {
			return nil, fmt.Errorf("scanning cache usage: %w", err)
		}
		rate := float64(hits) / float64(total)
		if rate >= lowCacheRate {
			continue
		}
		insights = append(insights, Insight{
			ID:       fmt.Sprintf("cache-%s", endpoint),
			Type:     InsightLowCacheUse,
			Severity: SeverityInfo,
			Title:    fmt.Sprintf("Low cache hit rate on %s", endpoint),
			Description: fmt.Sprintf(
				"Only %d of %d successful requests to %s were cache hits (%.1f%%). "+
					"Tagging repeat lookups with a domain scope keeps them cached longer.",
				hits, total, endpoint, rate*100,
			),
			AffectedEntity: endpoint,
			CreatedAt:      e.now(),
		})
	}
	return insights, rows.Err()
}

// GenerateReport creates a summary report for a given time period.
func (e *InsightsEngine) GenerateReport(ctx context.Context, from, to time.Time) (*Report, error) {
	if e.pool == nil {
		return nil, nil
	}

	report := Report{From: from, To: to}
	err := e.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(cost_usd), 0),
			COUNT(*),
			COALESCE(SUM(tokens), 0),
			COUNT(*) FILTER (WHERE cache_hit),
			COUNT(*) FILTER (WHERE error <> ''),
			COALESCE(AVG(duration_seconds), 0) * 1000
		FROM gateway_requests
		WHERE timestamp >= $1 AND timestamp <= $2
	`, from, to).Scan(
		&report.TotalCostUSD,
		&report.TotalRequests,
		&report.TotalTokens,
		&report.CacheHits,
		&report.Errors,
		&report.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("generating report: %w", err)
	}
	report.finish()
	return &report, nil
}

// Report is a summary of usage and costs over a time period.
type Report struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	TotalCostUSD  float64   `json:"total_cost_usd"`
	TotalRequests int64     `json:"total_requests"`
	TotalTokens   int64     `json:"total_tokens"`
	CacheHits     int64     `json:"cache_hits"`
	Errors        int64     `json:"errors"`
	CacheHitRate  float64   `json:"cache_hit_rate"`
	ErrorRate     float64   `json:"error_rate"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
}

func (r *Report) finish() {
	if r.TotalRequests == 0 {
		return
	}
	n := float64(r.TotalRequests)
	r.CacheHitRate = math.Round(float64(r.CacheHits)/n*10000) / 10000
	r.ErrorRate = math.Round(float64(r.Errors)/n*10000) / 10000
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
