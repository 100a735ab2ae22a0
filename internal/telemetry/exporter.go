package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog/log"
)

const collectTimeout = 3 * time.Second

var (
	requestsDesc = prometheus.NewDesc("tollgate_requests_total",
		"Total number of requests.", nil, nil)
	cacheHitsDesc = prometheus.NewDesc("tollgate_cache_hits_total",
		"Total number of requests served from cache.", nil, nil)
	errorsDesc = prometheus.NewDesc("tollgate_errors_total",
		"Total number of requests that ended in an error.", nil, nil)
	hitRateDesc = prometheus.NewDesc("tollgate_cache_hit_rate",
		"Fraction of requests served from cache.", nil, nil)
	modelRequestsDesc = prometheus.NewDesc("tollgate_model_requests",
		"Requests routed to each model.", []string{"model"}, nil)
)

// Exporter exposes the store-backed counters as Prometheus metrics. The
// values are read from the store on every scrape, so they are shared by all
// gateway replicas.
type Exporter struct {
	collector *Collector
}

// NewExporter creates an Exporter reading from c.
func NewExporter(c *Collector) *Exporter {
	return &Exporter{collector: c}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- requestsDesc
	ch <- cacheHitsDesc
	ch <- errorsDesc
	ch <- hitRateDesc
	ch <- modelRequestsDesc
}

// Collect implements prometheus.Collector. Nothing is emitted while the
// store is unavailable.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	live, err := e.collector.Live(ctx)
	if err != nil {
		log.Debug().Str("component", "telemetry").Err(err).Msg("skipping store counters in scrape")
		return
	}

	ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.CounterValue, float64(live.TotalRequests))
	ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(live.CacheHits))
	ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(live.Errors))
	ch <- prometheus.MustNewConstMetric(hitRateDesc, prometheus.GaugeValue, live.CacheHitRate)

	names := make([]string, 0, len(live.Models))
	for m := range live.Models {
		names = append(names, m)
	}
	sort.Strings(names)
	for _, m := range names {
		ch <- prometheus.MustNewConstMetric(modelRequestsDesc, prometheus.GaugeValue, float64(live.Models[m]), m)
	}
}

// Export renders the store-backed counters in the Prometheus text format.
func (c *Collector) Export() (string, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewExporter(c)); err != nil {
		return "", fmt.Errorf("telemetry: register exporter: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return "", fmt.Errorf("telemetry: gather: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("telemetry: encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}
