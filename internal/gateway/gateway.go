// Package gateway composes the router, response cache, admission controller
// and telemetry around one inbound query.
//
// Flow: route, probe the cache with the routed model, and on a hit check the
// request rate only and return the cached answer. On a miss, check rate and
// projected cost, call the upstream completer, and populate the cache.
// Telemetry is recorded on every path, including rejected and failed ones.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/admission"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/cache"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/telemetry"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/models"
)

var (
	// ErrEmptyQuery is returned for a blank query.
	ErrEmptyQuery = errors.New("gateway: empty query")
	// ErrUpstream wraps completer failures.
	ErrUpstream = errors.New("gateway: upstream completion failed")
)

// Completer is the external model client invoked on a cache miss.
type Completer interface {
	Backend() string
	Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error)
}

// Request is one inbound query.
type Request struct {
	RequestID   string
	Query       string
	Scope       string
	Client      string
	Endpoint    string
	Method      string
	ForcedModel string
	ForcedTier  router.Tier
	// CostCeiling is a per-request routing ceiling that may downgrade the tier
	// once. Zero disables it.
	CostCeiling float64
}

// Result is the outcome of a served query.
type Result struct {
	RequestID    string           `json:"request_id"`
	Response     json.RawMessage  `json:"response"`
	Routing      *router.Decision `json:"routing"`
	CacheHit     bool             `json:"cache_hit"`
	CacheTTLLeft int              `json:"cache_ttl_remaining,omitempty"`
	Admission    admission.Info   `json:"admission"`
	Stream       bool             `json:"stream_recommended"`
	Duration     float64          `json:"duration"`
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	router    *router.Router
	cache     *cache.Cache
	admission *admission.Controller
	telemetry *telemetry.Collector
	completer Completer
	now       func() time.Time
}

// New wires a Pipeline from already constructed components.
func New(r *router.Router, c *cache.Cache, a *admission.Controller, t *telemetry.Collector, comp Completer) *Pipeline {
	return &Pipeline{
		router:    r,
		cache:     c,
		admission: a,
		telemetry: t,
		completer: comp,
		now:       time.Now,
	}
}

// Backend names the completer's backend.
func (p *Pipeline) Backend() string {
	return p.completer.Backend()
}

// Route classifies a query without serving it.
func (p *Pipeline) Route(req Request) (*router.Decision, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	return p.router.Route(req.Query, p.routeOptions(req))
}

func (p *Pipeline) routeOptions(req Request) router.Options {
	opts := router.Options{
		ForcedModel: req.ForcedModel,
		ForcedTier:  req.ForcedTier,
		CostCeiling: req.CostCeiling,
	}
	if req.Scope != "" {
		opts.Scopes = []string{req.Scope}
	}
	return opts
}

// Handle serves one query. Deliberate admission denials are returned as
// *admission.Denial.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Result, error) {
	start := p.now()
	if req.RequestID == "" {
		req.RequestID = telemetry.NewRequestID()
	}
	rec := models.MetricsRecord{
		RequestID: req.RequestID,
		Timestamp: start,
		Client:    req.Client,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Scope:     req.Scope,
	}

	res, err := p.serve(ctx, req, &rec)

	rec.Duration = p.now().Sub(start).Seconds()
	rec.StatusCode = StatusCode(err)
	if err != nil {
		rec.Error = err.Error()
	}
	p.telemetry.Record(ctx, rec)

	if err != nil {
		return nil, err
	}
	res.Duration = rec.Duration
	return res, nil
}

func (p *Pipeline) serve(ctx context.Context, req Request, rec *models.MetricsRecord) (*Result, error) {
	decision, err := p.Route(req)
	if err != nil {
		return nil, err
	}
	rec.Model = decision.Model
	rec.Tokens = int64(decision.EstimatedTokens)

	res := &Result{
		RequestID: req.RequestID,
		Routing:   decision,
		Stream:    router.ShouldStream(decision.Task, decision.EstimatedTokens),
	}
	backend := p.completer.Backend()

	entry, err := p.cache.Get(ctx, backend, decision.Model, req.Query, req.Scope)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		allowed, info := p.admission.Check(ctx, req.Client, nil)
		res.Admission = info
		if !allowed {
			return nil, admission.DenialFor(info)
		}
		rec.CacheHit = true
		res.CacheHit = true
		res.Response = entry.Response
		res.CacheTTLLeft = int(entry.Remaining(p.now()).Seconds())
		return res, nil
	}

	cost := decision.EstimatedCost
	allowed, info := p.admission.Check(ctx, req.Client, &cost)
	res.Admission = info
	if !allowed {
		return nil, admission.DenialFor(info)
	}

	completion, err := p.completer.Complete(ctx, models.CompletionRequest{
		Model:     decision.Model,
		Prompt:    req.Query,
		MaxTokens: decision.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	rec.Cost = &cost
	if used := completion.InputTokens + completion.OutputTokens; used > 0 {
		rec.Tokens = used
	}

	payload, err := json.Marshal(completion)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode completion: %w", err)
	}
	res.Response = payload

	if _, err := p.cache.Set(ctx, backend, decision.Model, req.Query, payload, req.Scope); err != nil {
		log.Warn().Str("component", "gateway").Str("request_id", req.RequestID).Err(err).Msg("response not cached")
	}
	return res, nil
}

// StatusCode maps a Handle error to the HTTP status recorded for it.
func StatusCode(err error) int {
	var denial *admission.Denial
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &denial):
		return denial.StatusCode()
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsInvalidInput reports whether err was caused by a malformed request.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrEmptyQuery) ||
		errors.Is(err, router.ErrUnknownModel) ||
		errors.Is(err, router.ErrUnknownTask) ||
		errors.Is(err, router.ErrUnknownTier) ||
		errors.Is(err, cache.ErrInvalidScope) ||
		errors.Is(err, cache.ErrInvalidKeyPart)
}
