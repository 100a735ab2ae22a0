package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/models"
)

// MaxRecentRecords caps RecentRecords.
const MaxRecentRecords = 1000

// ErrUnsupportedDimension is returned by Report for unknown dimensions.
var ErrUnsupportedDimension = errors.New("unsupported dimension")

// InsertRecord archives one request record. Re-inserting the same request id
// is a no-op.
func (db *DB) InsertRecord(ctx context.Context, rec *models.MetricsRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO gateway_requests (
			request_id, timestamp, client, endpoint, method, model,
			tokens, duration_seconds, cache_hit, status_code, error,
			cost_usd, scope
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (request_id) DO NOTHING
	`, rec.RequestID, rec.Timestamp, rec.Client, rec.Endpoint, rec.Method, rec.Model,
		rec.Tokens, rec.Duration, rec.CacheHit, rec.StatusCode, rec.Error,
		rec.Cost, rec.Scope)
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

// reportColumns whitelists the dimensions a report can group by. All SQL
// identifiers come from this map, never from caller input.
var reportColumns = map[string]string{
	"model":    "model",
	"client":   "client",
	"endpoint": "endpoint",
	"scope":    "scope",
}

func reportQuery(dimension string) (string, error) {
	col, ok := reportColumns[dimension]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDimension, dimension)
	}
	return fmt.Sprintf(`
		SELECT
			'%s' AS dimension,
			%s AS dimension_id,
			COALESCE(SUM(cost_usd), 0) AS total_cost_usd,
			COUNT(*) AS total_requests,
			COALESCE(SUM(tokens), 0) AS total_tokens,
			COUNT(*) FILTER (WHERE cache_hit) AS cache_hits,
			COUNT(*) FILTER (WHERE error <> '') AS errors,
			COALESCE(AVG(duration_seconds), 0) * 1000 AS avg_duration_ms
		FROM gateway_requests
		WHERE timestamp >= $1 AND timestamp <= $2
		GROUP BY %s
		ORDER BY total_cost_usd DESC, total_requests DESC
	`, dimension, col, col), nil
}

// Report aggregates archived records between from and to, grouped by
// dimension ("model", "client", "endpoint" or "scope").
func (db *DB) Report(ctx context.Context, dimension string, from, to time.Time) ([]models.UsageSummary, error) {
	query, err := reportQuery(dimension)
	if err != nil {
		return nil, err
	}

	rows, err := db.Pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying usage report: %w", err)
	}
	defer rows.Close()

	var results []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(
			&s.Dimension, &s.DimensionID, &s.TotalCostUSD, &s.TotalRequests,
			&s.TotalTokens, &s.CacheHits, &s.Errors, &s.AvgDurationMs,
		); err != nil {
			return nil, fmt.Errorf("scanning usage report: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// RecentRecords returns the most recent records, newest first.
func (db *DB) RecentRecords(ctx context.Context, limit int) ([]models.MetricsRecord, error) {
	if limit <= 0 || limit > MaxRecentRecords {
		limit = MaxRecentRecords
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT request_id, timestamp, client, endpoint, method, model,
		       tokens, duration_seconds, cache_hit, status_code, error,
		       cost_usd, scope
		FROM gateway_requests ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent records: %w", err)
	}
	defer rows.Close()

	var results []models.MetricsRecord
	for rows.Next() {
		var r models.MetricsRecord
		if err := rows.Scan(
			&r.RequestID, &r.Timestamp, &r.Client, &r.Endpoint, &r.Method, &r.Model,
			&r.Tokens, &r.Duration, &r.CacheHit, &r.StatusCode, &r.Error,
			&r.Cost, &r.Scope,
		); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
