// Package telemetry records one MetricsRecord per completed request and
// maintains the daily aggregates and all-time counters derived from them.
//
// Store layout:
//
//	metrics:request:{id}           JSON record, expires after the retention period
//	metrics:daily:{YYYY-MM-DD}     JSON DailyAggregate for that UTC day, kept for the daily retention
//	metrics:counters:total_requests
//	metrics:counters:cache_hits
//	metrics:counters:errors
//	metrics:counters:model:{model}
//
// The counters use INCR and are exact under concurrency. The daily aggregate
// is folded with a read-modify-write of the whole object, so concurrent
// records for the same day may overwrite each other (last writer wins).
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/models"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/store"
)

const (
	DefaultRetention = 24 * time.Hour
	// MinDailyRetention keeps yesterday's aggregate readable for the whole of
	// today.
	MinDailyRetention = 48 * time.Hour
	DateLayout        = "2006-01-02"

	requestKeyPrefix = "metrics:request:"
	dailyKeyPrefix   = "metrics:daily:"
	counterPrefix    = "metrics:counters:"
	totalKey         = counterPrefix + "total_requests"
	hitsKey          = counterPrefix + "cache_hits"
	errorsKey        = counterPrefix + "errors"
	modelKeyPrefix   = counterPrefix + "model:"

	archiveTimeout = 5 * time.Second
)

// ErrInvalidDate is returned for a day that is not in YYYY-MM-DD form.
var ErrInvalidDate = errors.New("telemetry: invalid date")

// Archiver receives a copy of every record for durable storage.
type Archiver interface {
	InsertRecord(ctx context.Context, rec *models.MetricsRecord) error
}

// Options configures the collector.
type Options struct {
	Retention time.Duration
	// DailyRetention applies to daily aggregates. Values below
	// MinDailyRetention are raised to it.
	DailyRetention time.Duration
	// Archiver is optional.
	Archiver Archiver
}

// Collector is safe for concurrent use.
type Collector struct {
	store     *store.Store
	retention time.Duration
	daily     time.Duration
	archiver  Archiver
	now       func() time.Time
	pending   sync.WaitGroup
}

// New creates a Collector over s. With a disconnected store every record is
// still logged.
func New(s *store.Store, opts Options) *Collector {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.DailyRetention < MinDailyRetention {
		opts.DailyRetention = MinDailyRetention
	}
	return &Collector{
		store:     s,
		retention: opts.Retention,
		daily:     opts.DailyRetention,
		archiver:  opts.Archiver,
		now:       time.Now,
	}
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// Available reports whether records are persisted to the store.
func (c *Collector) Available() bool {
	return c.store.Available()
}

// Record logs rec and persists it, its daily fold and the counters. Each
// write is best-effort and independent of the others. It reports false when
// any store write failed.
func (c *Collector) Record(ctx context.Context, rec models.MetricsRecord) bool {
	if rec.RequestID == "" {
		rec.RequestID = NewRequestID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.Client == "" {
		rec.Client = "anonymous"
	}

	logRecord(&rec)
	c.archive(rec)

	if !c.Available() {
		return true
	}

	ok := true
	if err := c.storeRecord(ctx, &rec); err != nil {
		ok = false
	}
	if err := c.foldDaily(ctx, &rec); err != nil {
		ok = false
	}
	if err := c.incrCounters(ctx, &rec); err != nil {
		ok = false
	}
	return ok
}

func logRecord(rec *models.MetricsRecord) {
	ev := log.WithLevel(Level(rec))
	if rec.Error != "" {
		ev = ev.Str("error", rec.Error)
	}
	ev = ev.Str("component", "telemetry").
		Str("request_id", rec.RequestID).
		Str("client", rec.Client).
		Str("method", rec.Method).
		Str("endpoint", rec.Endpoint).
		Int("status", rec.StatusCode).
		Str("model", rec.Model).
		Int64("tokens", rec.Tokens).
		Float64("duration_s", rec.Duration).
		Bool("cache_hit", rec.CacheHit)
	if rec.Cost != nil {
		ev = ev.Float64("cost", *rec.Cost)
	}
	if rec.Scope != "" {
		ev = ev.Str("scope", rec.Scope)
	}
	ev.Msg("request completed")
}

func (c *Collector) archive(rec models.MetricsRecord) {
	if c.archiver == nil {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := c.archiver.InsertRecord(ctx, &rec); err != nil {
			log.Warn().Str("component", "telemetry").Str("request_id", rec.RequestID).Err(err).
				Msg("failed to archive record")
		}
	}()
}

// Flush waits for outstanding archive writes.
func (c *Collector) Flush() {
	c.pending.Wait()
}

func (c *Collector) storeRecord(ctx context.Context, rec *models.MetricsRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("telemetry: encode record: %w", err)
	}
	return c.store.Do(ctx, "metrics record", func(ctx context.Context, rc *redis.Client) error {
		return rc.Set(ctx, requestKeyPrefix+rec.RequestID, payload, c.retention).Err()
	})
}

func (c *Collector) foldDaily(ctx context.Context, rec *models.MetricsRecord) error {
	date := rec.Timestamp.Format(DateLayout)
	key := dailyKeyPrefix + date

	return c.store.Do(ctx, "metrics daily", func(ctx context.Context, rc *redis.Client) error {
		agg := &models.DailyAggregate{Date: date}
		raw, err := rc.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, agg); err != nil {
				log.Warn().Str("component", "telemetry").Str("key", key).Err(err).
					Msg("resetting undecodable daily aggregate")
				agg = &models.DailyAggregate{Date: date}
			}
		}

		Fold(agg, rec)

		payload, err := json.Marshal(agg)
		if err != nil {
			return err
		}
		return rc.Set(ctx, key, payload, c.daily).Err()
	})
}

// Fold adds rec to agg.
func Fold(agg *models.DailyAggregate, rec *models.MetricsRecord) {
	if agg.Models == nil {
		agg.Models = make(map[string]int64)
	}
	if agg.Endpoints == nil {
		agg.Endpoints = make(map[string]int64)
	}

	agg.TotalRequests++
	agg.TotalTokens += rec.Tokens
	if rec.Cost != nil {
		agg.TotalCost += *rec.Cost
	}
	if rec.CacheHit {
		agg.CacheHits++
	}
	if rec.Error != "" {
		agg.Errors++
	}
	if rec.Model != "" {
		agg.Models[rec.Model]++
	}
	endpoint := rec.Endpoint
	if endpoint == "" {
		endpoint = "/"
	}
	agg.Endpoints[endpoint]++

	if rec.Client != "" {
		i := sort.SearchStrings(agg.Clients, rec.Client)
		if i == len(agg.Clients) || agg.Clients[i] != rec.Client {
			agg.Clients = append(agg.Clients, "")
			copy(agg.Clients[i+1:], agg.Clients[i:])
			agg.Clients[i] = rec.Client
		}
	}
	agg.UniqueClients = len(agg.Clients)

	agg.TotalDuration += rec.Duration
	agg.AvgDuration = agg.TotalDuration / float64(agg.TotalRequests)
}

func (c *Collector) incrCounters(ctx context.Context, rec *models.MetricsRecord) error {
	return c.store.Do(ctx, "metrics counters", func(ctx context.Context, rc *redis.Client) error {
		_, err := rc.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.Incr(ctx, totalKey)
			if rec.Model != "" {
				p.Incr(ctx, modelKeyPrefix+rec.Model)
			}
			if rec.CacheHit {
				p.Incr(ctx, hitsKey)
			}
			if rec.Error != "" {
				p.Incr(ctx, errorsKey)
			}
			return nil
		})
		return err
	})
}

// Daily returns the aggregate for date (YYYY-MM-DD, UTC), today when empty.
// It returns nil without error when nothing was recorded that day.
func (c *Collector) Daily(ctx context.Context, date string) (*models.DailyAggregate, error) {
	if date == "" {
		date = c.now().UTC().Format(DateLayout)
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	if !c.Available() {
		return nil, store.ErrUnavailable
	}

	var raw []byte
	err := c.store.Do(ctx, "metrics daily read", func(ctx context.Context, rc *redis.Client) error {
		var err error
		raw, err = rc.Get(ctx, dailyKeyPrefix+date).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var agg models.DailyAggregate
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("telemetry: decode daily aggregate %s: %w", date, err)
	}
	return &agg, nil
}

// Live returns the all-time counters. CacheHitRate is the fraction of
// requests served from cache.
func (c *Collector) Live(ctx context.Context) (*models.LiveCounters, error) {
	if !c.Available() {
		return nil, store.ErrUnavailable
	}

	live := &models.LiveCounters{Timestamp: c.now().UTC(), Models: make(map[string]int64)}
	err := c.store.Do(ctx, "metrics live", func(ctx context.Context, rc *redis.Client) error {
		vals, err := rc.MGet(ctx, totalKey, hitsKey, errorsKey).Result()
		if err != nil {
			return err
		}
		live.TotalRequests = asInt(vals[0])
		live.CacheHits = asInt(vals[1])
		live.Errors = asInt(vals[2])

		var keys []string
		iter := rc.Scan(ctx, 0, modelKeyPrefix+"*", 200).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		counts, err := rc.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, k := range keys {
			live.Models[strings.TrimPrefix(k, modelKeyPrefix)] = asInt(counts[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if live.TotalRequests > 0 {
		live.CacheHitRate = float64(live.CacheHits) / float64(live.TotalRequests)
	}
	return live, nil
}

func asInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Dashboard compares today's aggregate with yesterday's.
func (c *Collector) Dashboard(ctx context.Context) (*models.Dashboard, error) {
	now := c.now().UTC()
	today := now.Format(DateLayout)
	yesterday := now.AddDate(0, 0, -1).Format(DateLayout)

	live, err := c.Live(ctx)
	if err != nil {
		return nil, err
	}
	t, err := c.Daily(ctx, today)
	if err != nil {
		return nil, err
	}
	y, err := c.Daily(ctx, yesterday)
	if err != nil {
		return nil, err
	}
	if t == nil {
		t = &models.DailyAggregate{Date: today}
	}
	if y == nil {
		y = &models.DailyAggregate{Date: yesterday}
	}

	d := &models.Dashboard{CurrentDate: today, RealTime: live, Today: t, Yesterday: y}
	d.Comparison.Requests = PercentChange(float64(t.TotalRequests), float64(y.TotalRequests))
	d.Comparison.Cost = PercentChange(t.TotalCost, y.TotalCost)
	return d, nil
}

// PercentChange compares current with previous. A rise from zero has no
// finite percentage and is reported as direction "up" with a nil Percent.
func PercentChange(current, previous float64) models.Change {
	if previous == 0 {
		if current > 0 {
			return models.Change{Direction: "up"}
		}
		zero := 0.0
		return models.Change{Percent: &zero, Direction: "neutral"}
	}

	pct := (current - previous) / previous * 100
	pct = math.Round(pct*100) / 100
	dir := "neutral"
	switch {
	case pct > 0:
		dir = "up"
	case pct < 0:
		dir = "down"
	}
	return models.Change{Percent: &pct, Direction: dir}
}

// Level reports the log level Record uses for rec.
func Level(rec *models.MetricsRecord) zerolog.Level {
	if rec.Error != "" {
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}
