// Package router implements the model routing engine.
//
// The router classifies an incoming query into a task category, picks a
// model-size tier from the estimated token volume and the task's preferred
// tier, and projects the cost of serving it. It performs no I/O.
package router

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/models"
)

var (
	ErrUnknownTask  = errors.New("router: unknown task category")
	ErrUnknownTier  = errors.New("router: unknown size tier")
	ErrUnknownModel = errors.New("router: unknown model")
)

// DomainMarker forces TaskDomainQuery when a scope tag contains it.
const DomainMarker = models.DomainMarker

// Task is the detected category of a query.
type Task int

const (
	TaskConversation Task = iota
	TaskExtraction
	TaskClassification
	TaskNormalization
	TaskSummary
	TaskReport
	TaskDomainQuery
)

// Tasks lists every task category in scoring order.
var Tasks = []Task{
	TaskExtraction,
	TaskClassification,
	TaskNormalization,
	TaskSummary,
	TaskReport,
	TaskDomainQuery,
	TaskConversation,
}

func (t Task) String() string {
	switch t {
	case TaskExtraction:
		return "extraction"
	case TaskClassification:
		return "classification"
	case TaskNormalization:
		return "normalization"
	case TaskSummary:
		return "summary"
	case TaskReport:
		return "report"
	case TaskDomainQuery:
		return "domain-query"
	case TaskConversation:
		return "conversation"
	default:
		return fmt.Sprintf("task(%d)", int(t))
	}
}

// MarshalText encodes the task by name.
func (t Task) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTask converts a task name into a Task.
func ParseTask(s string) (Task, error) {
	for _, t := range Tasks {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTask, s)
}

// PreferredTier is the total task-to-tier preference table.
func (t Task) PreferredTier() Tier {
	switch t {
	case TaskSummary, TaskDomainQuery:
		return TierMedium
	case TaskReport:
		return TierLarge
	default:
		return TierSmall
	}
}

// Tier is a coarse cost/capability bucket. The zero value means "unset".
type Tier int

const (
	TierUnset Tier = iota
	TierSmall
	TierMedium
	TierLarge
)

// Tiers lists the three real tiers in ascending order.
var Tiers = []Tier{TierSmall, TierMedium, TierLarge}

func (t Tier) String() string {
	switch t {
	case TierSmall:
		return "small"
	case TierMedium:
		return "medium"
	case TierLarge:
		return "large"
	default:
		return "unset"
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTier converts a tier name into a Tier.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if t.String() == s {
			return t, nil
		}
	}
	return TierUnset, fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// down returns the next smaller tier, or t itself at the bottom.
func (t Tier) down() Tier {
	if t > TierSmall {
		return t - 1
	}
	return t
}

func maxTier(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// TierConfig describes the models serving one tier.
type TierConfig struct {
	Tier         Tier     `json:"tier"`
	Primary      string   `json:"primary"`
	Alternatives []string `json:"alternatives"`
	MaxTokens    int      `json:"max_tokens"`
	CostPer1K    float64  `json:"cost_per_1k"`
}

// DefaultTierConfigs returns the built-in tier table.
func DefaultTierConfigs() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierSmall: {
			Tier: TierSmall, Primary: "gpt-3.5-turbo",
			Alternatives: []string{"gpt-3.5-turbo-16k"},
			MaxTokens:    2000, CostPer1K: 0.0015,
		},
		TierMedium: {
			Tier: TierMedium, Primary: "gpt-3.5-turbo-16k",
			Alternatives: []string{"gpt-4", "gpt-3.5-turbo"},
			MaxTokens:    6000, CostPer1K: 0.003,
		},
		TierLarge: {
			Tier: TierLarge, Primary: "gpt-4",
			Alternatives: []string{"gpt-4-32k", "gpt-3.5-turbo-16k"},
			MaxTokens:    16000, CostPer1K: 0.03,
		},
	}
}

// AnthropicTierConfigs returns the tier table for the Anthropic messages API.
func AnthropicTierConfigs() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierSmall: {
			Tier: TierSmall, Primary: "claude-3-haiku-20240307",
			Alternatives: []string{"claude-3-5-haiku-20241022"},
			MaxTokens:    2000, CostPer1K: 0.00025,
		},
		TierMedium: {
			Tier: TierMedium, Primary: "claude-3-5-sonnet-20241022",
			Alternatives: []string{"claude-3-sonnet-20240229", "claude-3-haiku-20240307"},
			MaxTokens:    4096, CostPer1K: 0.003,
		},
		TierLarge: {
			Tier: TierLarge, Primary: "claude-3-opus-20240229",
			Alternatives: []string{"claude-3-5-sonnet-20241022"},
			MaxTokens:    4096, CostPer1K: 0.015,
		},
	}
}

// TierConfigsFor returns the built-in table whose model names the backend
// accepts. Unknown backends, including the local echo completer, get
// DefaultTierConfigs.
func TierConfigsFor(backend string) map[Tier]TierConfig {
	if models.Backend(backend) == models.BackendAnthropic {
		return AnthropicTierConfigs()
	}
	return DefaultTierConfigs()
}

// taskKeywords drives the second classification stage.
var taskKeywords = map[Task][]string{
	TaskExtraction:     {"extract", "find", "identify", "locate", "parse"},
	TaskClassification: {"classify", "categorize", "type", "kind", "category"},
	TaskNormalization:  {"normalize", "clean", "format", "standardize"},
	TaskSummary:        {"summarize", "summary", "overview", "brief", "digest"},
	TaskReport:         {"report", "analysis", "detailed", "comprehensive", "full"},
	TaskDomainQuery:    {"investigate", "research", "intelligence", "lookup"},
	TaskConversation:   {"chat", "talk", "discuss", "conversation"},
}

// Token ladder thresholds.
const (
	smallTokenLimit   = 500
	extractTokenLimit = 2000
	mediumTokenLimit  = 6000
	mapReduceTokens   = 6000
	streamTokens      = 1000
)

// Options carries the optional routing inputs.
type Options struct {
	Scopes      []string
	ForcedModel string
	ForcedTier  Tier
	// CostCeiling triggers a single-step downgrade when > 0 and exceeded.
	CostCeiling float64
}

// Decision is the routing result for one request. It is never persisted.
type Decision struct {
	Model           string   `json:"model"`
	Tier            Tier     `json:"model_size"`
	Task            Task     `json:"task_type"`
	EstimatedTokens int      `json:"estimated_tokens"`
	EstimatedCost   float64  `json:"estimated_cost"`
	MaxTokens       int      `json:"max_tokens"`
	NeedsMapReduce  bool     `json:"needs_map_reduce"`
	Alternatives    []string `json:"alternatives"`
	Downgraded      bool     `json:"downgraded"`
	Reason          string   `json:"routing_reason"`
}

// Router is stateless after construction and safe for concurrent use.
type Router struct {
	tiers  map[Tier]TierConfig
	models map[string]Tier
}

// NewRouter creates a Router over the given tier table. A nil table selects
// DefaultTierConfigs. Every tier must be present.
func NewRouter(tiers map[Tier]TierConfig) (*Router, error) {
	if tiers == nil {
		tiers = DefaultTierConfigs()
	}
	r := &Router{tiers: tiers, models: make(map[string]Tier)}
	for _, t := range Tiers {
		cfg, ok := tiers[t]
		if !ok || cfg.Primary == "" {
			return nil, fmt.Errorf("router: no model configured for tier %s", t)
		}
		r.register(cfg.Primary, t)
		for _, alt := range cfg.Alternatives {
			r.register(alt, t)
		}
	}
	return r, nil
}

// register records the smallest tier a model name appears in.
func (r *Router) register(model string, t Tier) {
	if cur, ok := r.models[model]; !ok || t < cur {
		r.models[model] = t
	}
}

// KnownModel reports whether model appears anywhere in the tier table.
func (r *Router) KnownModel(model string) bool {
	_, ok := r.models[model]
	return ok
}

// Downgrade returns the configs of the tier model belongs to and of the tier
// below it. ok is false for unknown models and the smallest tier.
func (r *Router) Downgrade(model string) (from, to TierConfig, ok bool) {
	t, known := r.models[model]
	if !known || t == TierSmall {
		return TierConfig{}, TierConfig{}, false
	}
	return r.tiers[t], r.tiers[t.down()], true
}

// EstimateTokens is a cheap directional heuristic: characters / 4 plus half
// the whitespace-delimited word count.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text)/4 + len(strings.Fields(text))/2
}

// DetectTask classifies a query. A scope tag containing DomainMarker wins
// outright; otherwise the category with the most keyword hits wins, with ties
// resolved by the order of Tasks and TaskConversation as the default.
func DetectTask(query string, scopes []string) Task {
	for _, s := range scopes {
		if strings.Contains(strings.ToLower(s), DomainMarker) {
			return TaskDomainQuery
		}
	}

	lower := strings.ToLower(query)
	best, bestScore := TaskConversation, 0
	for _, t := range Tasks {
		score := 0
		for _, kw := range taskKeywords[t] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

// tokenTier applies the token-count ladder.
func tokenTier(tokens int, task Task) Tier {
	switch {
	case tokens < smallTokenLimit:
		return TierSmall
	case tokens < extractTokenLimit:
		if task == TaskExtraction || task == TaskClassification {
			return TierSmall
		}
		return TierMedium
	case tokens < mediumTokenLimit:
		return TierMedium
	default:
		return TierLarge
	}
}

// SelectTier returns the larger of the token-implied and task-preferred tiers.
func SelectTier(tokens int, task Task) Tier {
	return maxTier(tokenTier(tokens, task), task.PreferredTier())
}

// Route classifies the query and builds a Decision.
func (r *Router) Route(query string, opts Options) (*Decision, error) {
	if opts.ForcedModel != "" && !r.KnownModel(opts.ForcedModel) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, opts.ForcedModel)
	}
	if opts.ForcedTier != TierUnset {
		if _, ok := r.tiers[opts.ForcedTier]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownTier, int(opts.ForcedTier))
		}
	}

	task := DetectTask(query, opts.Scopes)
	tokens := EstimateTokens(query)

	tier := opts.ForcedTier
	if tier == TierUnset {
		tier = SelectTier(tokens, task)
	}

	cost := r.cost(tokens, tier)
	downgraded := false
	if opts.CostCeiling > 0 && cost > opts.CostCeiling && tier > TierSmall {
		log.Debug().Str("component", "router").Float64("cost", cost).Float64("ceiling", opts.CostCeiling).
			Str("from", tier.String()).Msg("cost ceiling exceeded, downgrading tier")
		tier = tier.down()
		cost = r.cost(tokens, tier)
		downgraded = true
	}

	// A downgrade replaces a forced model too, so the decision is priced at
	// the tier of the model that actually serves it.
	cfg := r.tiers[tier]
	model := cfg.Primary
	if opts.ForcedModel != "" && !downgraded {
		model = opts.ForcedModel
	}

	reason := fmt.Sprintf("Task: %s, Size: %s, Tokens: %d", task, tier, tokens)
	if downgraded {
		reason += fmt.Sprintf(", downgraded to meet cost ceiling %.4f", opts.CostCeiling)
	}

	alts := make([]string, len(cfg.Alternatives))
	copy(alts, cfg.Alternatives)

	return &Decision{
		Model:           model,
		Tier:            tier,
		Task:            task,
		EstimatedTokens: tokens,
		EstimatedCost:   cost,
		MaxTokens:       cfg.MaxTokens,
		NeedsMapReduce:  tokens > mapReduceTokens && task == TaskSummary,
		Alternatives:    alts,
		Downgraded:      downgraded,
		Reason:          reason,
	}, nil
}

func (r *Router) cost(tokens int, tier Tier) float64 {
	return float64(tokens) / 1000.0 * r.tiers[tier].CostPer1K
}

// ShouldStream reports whether a response is long or interactive enough to
// be worth streaming.
func ShouldStream(task Task, estimatedTokens int) bool {
	switch task {
	case TaskConversation, TaskReport, TaskSummary:
		return true
	}
	return estimatedTokens > streamTokens
}

// Catalog describes the routing tables for inspection endpoints.
type Catalog struct {
	Tiers          map[string]TierConfig `json:"available_models"`
	TaskMappings   map[string]string     `json:"task_mappings"`
	SupportedTasks []string              `json:"supported_tasks"`
}

// Catalog returns a snapshot of the routing tables.
func (r *Router) Catalog() Catalog {
	c := Catalog{
		Tiers:        make(map[string]TierConfig, len(r.tiers)),
		TaskMappings: make(map[string]string, len(Tasks)),
	}
	for t, cfg := range r.tiers {
		c.Tiers[t.String()] = cfg
	}
	for _, t := range Tasks {
		c.TaskMappings[t.String()] = t.PreferredTier().String()
		c.SupportedTasks = append(c.SupportedTasks, t.String())
	}
	return c
}
