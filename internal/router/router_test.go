package router

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

// textWithTokens pads prefix with single-letter words until the estimate
// reaches at least n tokens.
func textWithTokens(prefix string, n int) string {
	var b strings.Builder
	b.WriteString(prefix)
	for EstimateTokens(b.String()) < n {
		b.WriteString(" a")
	}
	return b.String()
}

func TestNewRouter_Defaults(t *testing.T) {
	r := newTestRouter(t)
	if len(r.tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(r.tiers))
	}
	for _, m := range []string{"gpt-3.5-turbo", "gpt-3.5-turbo-16k", "gpt-4", "gpt-4-32k"} {
		if !r.KnownModel(m) {
			t.Errorf("expected %s to be a known model", m)
		}
	}
}

func TestNewRouter_MissingTier(t *testing.T) {
	tiers := DefaultTierConfigs()
	delete(tiers, TierMedium)
	if _, err := NewRouter(tiers); err == nil {
		t.Fatal("expected error for missing medium tier")
	}
}

func TestTierConfigsFor(t *testing.T) {
	for _, backend := range []string{"openai", "echo", ""} {
		if got := TierConfigsFor(backend)[TierLarge].Primary; got != "gpt-4" {
			t.Errorf("%q: expected gpt-4 large primary, got %s", backend, got)
		}
	}

	r, err := NewRouter(TierConfigsFor("anthropic"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tier := range Tiers {
		cfg := r.tiers[tier]
		if !strings.HasPrefix(cfg.Primary, "claude-") {
			t.Errorf("%s: expected a claude model, got %s", tier, cfg.Primary)
		}
		for _, alt := range cfg.Alternatives {
			if !strings.HasPrefix(alt, "claude-") {
				t.Errorf("%s: expected claude alternatives, got %s", tier, alt)
			}
		}
	}
	if r.KnownModel("gpt-4") {
		t.Error("expected gpt-4 to be unknown to the anthropic table")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"Hello world", 11/4 + 2/2},
		{"  spaced   out  ", 16/4 + 2/2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}

	short := EstimateTokens("Hello world")
	long := EstimateTokens(strings.Repeat("This is a much longer text ", 50))
	if long <= short || short <= 0 {
		t.Errorf("expected long (%d) > short (%d) > 0", long, short)
	}
}

func TestDetectTask(t *testing.T) {
	tests := []struct {
		query  string
		scopes []string
		want   Task
	}{
		{"test query", []string{"domain-query"}, TaskDomainQuery},
		{"extract phone numbers", nil, TaskExtraction},
		{"classify this document", nil, TaskClassification},
		{"summarize the meeting", nil, TaskSummary},
		{"write a detailed comprehensive report", nil, TaskReport},
		{"normalize and clean these rows", nil, TaskNormalization},
		{"random message", nil, TaskConversation},
		{"extract phone numbers", []string{"Public-DOMAIN"}, TaskDomainQuery},
		{"extract phone numbers", []string{"general"}, TaskExtraction},
	}
	for _, tt := range tests {
		if got := DetectTask(tt.query, tt.scopes); got != tt.want {
			t.Errorf("DetectTask(%q, %v) = %s, want %s", tt.query, tt.scopes, got, tt.want)
		}
	}
}

func TestParseTaskAndTier(t *testing.T) {
	for _, task := range Tasks {
		got, err := ParseTask(task.String())
		if err != nil || got != task {
			t.Errorf("ParseTask(%q) = %s, %v", task.String(), got, err)
		}
	}
	if _, err := ParseTask("poetry"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}

	for _, tier := range Tiers {
		got, err := ParseTier(tier.String())
		if err != nil || got != tier {
			t.Errorf("ParseTier(%q) = %s, %v", tier.String(), got, err)
		}
	}
	if _, err := ParseTier("huge"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
}

func TestSelectTier_Ladder(t *testing.T) {
	tests := []struct {
		tokens int
		task   Task
		want   Tier
	}{
		{100, TaskExtraction, TierSmall},
		{1000, TaskExtraction, TierSmall},
		{1000, TaskClassification, TierSmall},
		{1000, TaskNormalization, TierMedium},
		{1000, TaskConversation, TierMedium},
		{3000, TaskExtraction, TierMedium},
		{7000, TaskExtraction, TierLarge},
		{10, TaskReport, TierLarge},
		{10, TaskSummary, TierMedium},
		{10, TaskDomainQuery, TierMedium},
		{7000, TaskSummary, TierLarge},
	}
	for _, tt := range tests {
		if got := SelectTier(tt.tokens, tt.task); got != tt.want {
			t.Errorf("SelectTier(%d, %s) = %s, want %s", tt.tokens, tt.task, got, tt.want)
		}
	}
}

func TestSelectTier_Monotonic(t *testing.T) {
	for _, task := range Tasks {
		prev := TierUnset
		for tokens := 0; tokens <= 10000; tokens += 50 {
			got := SelectTier(tokens, task)
			if got < prev {
				t.Fatalf("task %s: tier decreased from %s to %s at %d tokens", task, prev, got, tokens)
			}
			if got < task.PreferredTier() {
				t.Fatalf("task %s: preferred tier %s ignored at %d tokens (got %s)", task, task.PreferredTier(), tokens, got)
			}
			prev = got
		}
	}
}

func TestRoute_Basic(t *testing.T) {
	r := newTestRouter(t)

	d, err := r.Route("extract phone numbers from text", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Task != TaskExtraction {
		t.Errorf("expected extraction, got %s", d.Task)
	}
	if d.Tier != TierSmall || d.Model != "gpt-3.5-turbo" {
		t.Errorf("expected small/gpt-3.5-turbo, got %s/%s", d.Tier, d.Model)
	}
	if d.MaxTokens != 2000 {
		t.Errorf("expected max tokens 2000, got %d", d.MaxTokens)
	}
	if d.Reason == "" {
		t.Error("expected a routing reason")
	}
}

func TestRoute_DomainScope(t *testing.T) {
	r := newTestRouter(t)
	d, err := r.Route("who owns this number", Options{Scopes: []string{"domain-query"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Task != TaskDomainQuery || d.Tier != TierMedium {
		t.Errorf("expected domain-query/medium, got %s/%s", d.Task, d.Tier)
	}
}

func TestRoute_ForcedModel(t *testing.T) {
	r := newTestRouter(t)

	d, err := r.Route("test", Options{ForcedModel: "gpt-4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Model != "gpt-4" {
		t.Errorf("expected forced model gpt-4, got %s", d.Model)
	}
	// Tier-derived fields still come from the small tier.
	if d.Tier != TierSmall || d.MaxTokens != 2000 {
		t.Errorf("expected small tier fields, got %s/%d", d.Tier, d.MaxTokens)
	}

	if _, err := r.Route("test", Options{ForcedModel: "made-up-model"}); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestRoute_ForcedTier(t *testing.T) {
	r := newTestRouter(t)
	d, err := r.Route("write a detailed report", Options{ForcedTier: TierSmall})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Tier != TierSmall {
		t.Errorf("expected forced small tier, got %s", d.Tier)
	}

	if _, err := r.Route("x", Options{ForcedTier: Tier(9)}); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
}

func TestRoute_CostDowngradeIsSingleStep(t *testing.T) {
	r := newTestRouter(t)
	query := textWithTokens("write a detailed report on", 1000)

	full, err := r.Route(query, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full.Tier != TierLarge {
		t.Fatalf("expected large tier without ceiling, got %s", full.Tier)
	}

	tokens := float64(full.EstimatedTokens)
	largeCost := tokens / 1000 * 0.03
	mediumCost := tokens / 1000 * 0.003
	ceiling := (largeCost + mediumCost) / 2

	d, err := r.Route(query, Options{CostCeiling: ceiling})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Tier != TierMedium {
		t.Fatalf("expected medium after downgrade, got %s", d.Tier)
	}
	if !d.Downgraded {
		t.Error("expected Downgraded flag")
	}
	if d.Model != "gpt-3.5-turbo-16k" {
		t.Errorf("expected medium primary model, got %s", d.Model)
	}
	if d.EstimatedCost != mediumCost {
		t.Errorf("expected recomputed cost %f, got %f", mediumCost, d.EstimatedCost)
	}

	// A ceiling below even the small-tier cost still stops after one step.
	d, err = r.Route(query, Options{CostCeiling: 0.0000001})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Tier != TierMedium {
		t.Errorf("expected a single step to medium, got %s", d.Tier)
	}
}

func TestRoute_ForcedModelCostDowngrade(t *testing.T) {
	r := newTestRouter(t)
	query := textWithTokens("write a detailed report on", 2800)

	full, err := r.Route(query, Options{ForcedModel: "gpt-4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full.Tier != TierLarge || full.Model != "gpt-4" {
		t.Fatalf("expected gpt-4 on the large tier, got %s/%s", full.Model, full.Tier)
	}

	d, err := r.Route(query, Options{ForcedModel: "gpt-4", CostCeiling: full.EstimatedCost / 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Downgraded || d.Tier != TierMedium {
		t.Fatalf("expected a downgrade to medium, got %s (downgraded=%v)", d.Tier, d.Downgraded)
	}
	if d.Model != "gpt-3.5-turbo-16k" {
		t.Errorf("expected the medium primary to replace the forced model, got %s", d.Model)
	}
	if want := float64(d.EstimatedTokens) / 1000 * 0.003; d.EstimatedCost != want {
		t.Errorf("expected medium-tier cost %f, got %f", want, d.EstimatedCost)
	}

	// Without a downgrade the forced model is kept.
	d, err = r.Route(query, Options{ForcedModel: "gpt-4", CostCeiling: full.EstimatedCost * 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Downgraded || d.Model != "gpt-4" {
		t.Errorf("expected forced gpt-4 without downgrade, got %s (downgraded=%v)", d.Model, d.Downgraded)
	}
}

func TestRoute_CeilingNotExceeded(t *testing.T) {
	r := newTestRouter(t)
	d, err := r.Route("write a detailed report", Options{CostCeiling: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Downgraded || d.Tier != TierLarge {
		t.Errorf("expected large tier untouched, got %s (downgraded=%v)", d.Tier, d.Downgraded)
	}
}

func TestRoute_MapReduce(t *testing.T) {
	r := newTestRouter(t)
	d, err := r.Route(textWithTokens("summarize", 6100), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.NeedsMapReduce {
		t.Error("expected map-reduce for a long summary")
	}

	d, err = r.Route(textWithTokens("extract", 6100), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.NeedsMapReduce {
		t.Error("map-reduce only applies to summaries")
	}
}

func TestRoute_AlternativesAreCopied(t *testing.T) {
	r := newTestRouter(t)
	d, _ := r.Route("hi", Options{})
	d.Alternatives[0] = "mutated"
	d2, _ := r.Route("hi", Options{})
	if d2.Alternatives[0] == "mutated" {
		t.Error("decision alternatives must not alias the tier table")
	}
}

func TestDecision_JSON(t *testing.T) {
	r := newTestRouter(t)
	d, _ := r.Route("summarize this", Options{})
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(raw)
	if !strings.Contains(s, `"model_size":"medium"`) || !strings.Contains(s, `"task_type":"summary"`) {
		t.Errorf("unexpected JSON: %s", s)
	}
}

func TestShouldStream(t *testing.T) {
	if !ShouldStream(TaskConversation, 2000) {
		t.Error("expected streaming for long conversation")
	}
	if ShouldStream(TaskExtraction, 100) {
		t.Error("expected no streaming for short extraction")
	}
	if !ShouldStream(TaskReport, 500) {
		t.Error("expected streaming for reports")
	}
	if !ShouldStream(TaskExtraction, 1500) {
		t.Error("expected streaming above the token threshold")
	}
}

func TestCatalog(t *testing.T) {
	r := newTestRouter(t)
	c := r.Catalog()
	if len(c.Tiers) != 3 {
		t.Errorf("expected 3 tiers, got %d", len(c.Tiers))
	}
	if len(c.SupportedTasks) != len(Tasks) {
		t.Errorf("expected %d tasks, got %d", len(Tasks), len(c.SupportedTasks))
	}
	if c.TaskMappings["report"] != "large" {
		t.Errorf("expected report -> large, got %s", c.TaskMappings["report"])
	}
}

func TestDowngrade(t *testing.T) {
	r := newTestRouter(t)

	from, to, ok := r.Downgrade("gpt-4-32k")
	if !ok {
		t.Fatal("expected a downgrade for a large-tier model")
	}
	if from.Tier != TierLarge || to.Tier != TierMedium {
		t.Errorf("expected large -> medium, got %s -> %s", from.Tier, to.Tier)
	}
	if to.CostPer1K >= from.CostPer1K {
		t.Errorf("expected cheaper target tier, got %v >= %v", to.CostPer1K, from.CostPer1K)
	}

	if _, _, ok := r.Downgrade("gpt-3.5-turbo"); ok {
		t.Error("expected no downgrade below the small tier")
	}
	if _, _, ok := r.Downgrade("unknown-model"); ok {
		t.Error("expected no downgrade for unknown model")
	}
}
