package analytics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/router"
)

func newTestEngine(t *testing.T) *InsightsEngine {
	t.Helper()
	r, err := router.NewRouter(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := NewInsightsEngine(nil, r)
	e.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	return e
}

func TestInsightTypeConstants(t *testing.T) {
	types := []InsightType{InsightCostSpike, InsightModelSwitch, InsightLowCacheUse}

	seen := make(map[InsightType]bool)
	for _, it := range types {
		if seen[it] {
			t.Errorf("duplicate insight type: %s", it)
		}
		seen[it] = true
		if it == "" {
			t.Error("insight type should not be empty")
		}
	}
}

func TestSpikeInsight_Severity(t *testing.T) {
	tests := []struct {
		multiplier float64
		expected   Severity
	}{
		{2.0, SeverityWarning},
		{3.0, SeverityWarning},
		{4.9, SeverityWarning},
		{5.0, SeverityCritical},
		{10.0, SeverityCritical},
	}

	day := time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		in := spikeInsight(day, "user:alice", 2.0*tt.multiplier, 2.0, day)
		if in.Severity != tt.expected {
			t.Errorf("multiplier %.1f: expected severity %q, got %q", tt.multiplier, tt.expected, in.Severity)
		}
	}
}

func TestSpikeInsight_Fields(t *testing.T) {
	day := time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)
	in := spikeInsight(day, "ip:10.0.0.1", 10.0, 3.0, day)

	if in.ID != "spike-ip:10.0.0.1-2024-02-28" {
		t.Errorf("unexpected ID: %s", in.ID)
	}
	if in.EstimatedSaving != 7.0 {
		t.Errorf("expected saving $7.00, got $%.2f", in.EstimatedSaving)
	}
	if in.AffectedEntity != "ip:10.0.0.1" || in.Type != InsightCostSpike {
		t.Errorf("unexpected insight %+v", in)
	}
}

func TestSwitchInsight(t *testing.T) {
	e := newTestEngine(t)

	in, ok := e.switchInsight("gpt-4-32k", 40, 100.0, 1200)
	if !ok {
		t.Fatal("expected a switch suggestion for a large-tier model")
	}
	// Large 0.03/1K to medium 0.003/1K saves 90%.
	if in.EstimatedSaving != 90.0 {
		t.Errorf("expected saving $90.00, got $%.2f", in.EstimatedSaving)
	}
	if !strings.Contains(in.Title, "gpt-3.5-turbo-16k") {
		t.Errorf("expected medium primary in title, got %q", in.Title)
	}

	if _, ok := e.switchInsight("gpt-3.5-turbo", 10, 5.0, 100); ok {
		t.Error("expected no suggestion for the smallest tier")
	}
	if _, ok := e.switchInsight("mystery-model", 10, 5.0, 100); ok {
		t.Error("expected no suggestion for unknown models")
	}
}

func TestReportFinish(t *testing.T) {
	r := Report{TotalRequests: 8, CacheHits: 2, Errors: 1}
	r.finish()
	if r.CacheHitRate != 0.25 || r.ErrorRate != 0.125 {
		t.Errorf("unexpected rates %v / %v", r.CacheHitRate, r.ErrorRate)
	}

	empty := Report{}
	empty.finish()
	if empty.CacheHitRate != 0 || empty.ErrorRate != 0 {
		t.Error("expected zero rates for an empty report")
	}
}

func TestNilPool(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	all, err := e.All(ctx)
	if err != nil || all != nil {
		t.Errorf("expected no insights without a pool, got %v, %v", all, err)
	}
	report, err := e.GenerateReport(ctx, time.Now().Add(-time.Hour), time.Now())
	if err != nil || report != nil {
		t.Errorf("expected nil report without a pool, got %v, %v", report, err)
	}
}
