// Package api implements the HTTP endpoints of the Tollgate gateway.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/admission"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/cache"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/gateway"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/telemetry"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/models"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/store"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Deps are the components the handlers serve. DB and Insights are nil when no
// archive is configured; Metrics nil falls back to the telemetry text export.
type Deps struct {
	Pipeline  *gateway.Pipeline
	Router    *router.Router
	Cache     *cache.Cache
	Admission *admission.Controller
	Telemetry *telemetry.Collector
	DB        *database.DB
	Insights  *analytics.InsightsEngine
	Metrics   http.Handler
	Settings  map[string]any
}

// Handlers provides the HTTP endpoint handlers.
type Handlers struct {
	Deps
	started time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{Deps: d, started: time.Now()}
}

// Register mounts every route on r. Admin routes require adminKey and are
// disabled when it is empty.
func (h *Handlers) Register(r gin.IRouter, adminKey string) {
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", h.Prometheus)

	v1 := r.Group("/v1")
	{
		v1.POST("/query", h.Query)
		v1.POST("/route", h.Route)
	}

	admin := r.Group("/api/v1")
	admin.Use(middleware.AdminAuth(adminKey))
	{
		admin.GET("/metrics/daily", h.GetDaily)
		admin.GET("/metrics/realtime", h.GetRealtime)
		admin.GET("/dashboard", h.GetDashboard)
		admin.GET("/clients/:client", h.GetClientStats)
		admin.GET("/cache/stats", h.GetCacheStats)
		admin.DELETE("/cache", h.ClearCache)
		admin.GET("/router/catalog", h.GetCatalog)
		admin.GET("/report", h.GetReport)
		admin.GET("/summary", h.GetSummary)
		admin.GET("/requests", h.GetRecentRequests)
		admin.GET("/insights", h.GetInsights)
		admin.GET("/config", h.GetConfig)
	}
}

// HealthCheck returns the service health status and its dependencies.
func (h *Handlers) HealthCheck(c *gin.Context) {
	deps := gin.H{"store": "unhealthy", "archive": "disabled", "upstream": h.Pipeline.Backend()}
	if h.Cache.Available() {
		deps["store"] = "healthy"
	}
	if h.DB != nil {
		deps["archive"] = "healthy"
		if err := h.DB.Pool.Ping(c.Request.Context()); err != nil {
			deps["archive"] = "unhealthy"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"service":      "tollgate",
		"version":      Version,
		"uptime":       time.Since(h.started).Seconds(),
		"timestamp":    time.Now().UTC(),
		"dependencies": deps,
	})
}

// Prometheus serves the metrics exposition.
func (h *Handlers) Prometheus(c *gin.Context) {
	if h.Metrics != nil {
		h.Metrics.ServeHTTP(c.Writer, c.Request)
		return
	}
	text, err := h.Telemetry.Export()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics export failed"})
		return
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(text))
}

// QueryRequest is the body of /v1/query and /v1/route.
type QueryRequest struct {
	Query       string  `json:"query"`
	Scope       string  `json:"scope"`
	Model       string  `json:"model"`
	ModelSize   string  `json:"model_size"`
	CostCeiling float64 `json:"cost_ceiling"`
}

func (h *Handlers) bindQuery(c *gin.Context) (gateway.Request, error) {
	var body QueryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return gateway.Request{}, err
	}
	req := gateway.Request{
		RequestID:   middleware.GetRequestID(c),
		Query:       body.Query,
		Scope:       body.Scope,
		Client:      admission.ClientIdentity(c.Request),
		Endpoint:    c.FullPath(),
		Method:      c.Request.Method,
		ForcedModel: body.Model,
		CostCeiling: body.CostCeiling,
	}
	if body.ModelSize != "" {
		tier, err := router.ParseTier(body.ModelSize)
		if err != nil {
			return req, err
		}
		req.ForcedTier = tier
	}
	return req, nil
}

// Query serves a query through the gateway pipeline.
func (h *Handlers) Query(c *gin.Context) {
	req, err := h.bindQuery(c)
	if err != nil {
		h.reject(c, req, err)
		return
	}

	res, err := h.Pipeline.Handle(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if res.CacheHit {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	if rate := res.Admission.Rate; rate != nil {
		c.Header("X-RateLimit-Limit", strconv.Itoa(rate.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(rate.Remaining))
	}
	c.JSON(http.StatusOK, res)
}

// Route returns the routing decision for a query without serving it.
func (h *Handlers) Route(c *gin.Context) {
	req, err := h.bindQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.Pipeline.Route(req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"routing":            d,
		"stream_recommended": router.ShouldStream(d.Task, d.EstimatedTokens),
	})
}

// reject answers a request that never reached the pipeline and still records it.
func (h *Handlers) reject(c *gin.Context, req gateway.Request, err error) {
	h.Telemetry.Record(c.Request.Context(), models.MetricsRecord{
		RequestID:  middleware.GetRequestID(c),
		Client:     admission.ClientIdentity(c.Request),
		Endpoint:   c.FullPath(),
		Method:     c.Request.Method,
		Scope:      req.Scope,
		StatusCode: http.StatusBadRequest,
		Error:      err.Error(),
	})
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	var denial *admission.Denial
	if errors.As(err, &denial) {
		for k, v := range denial.Headers() {
			c.Header(k, v)
		}
		c.JSON(denial.StatusCode(), denial.Body())
		return
	}

	status := gateway.StatusCode(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		log.Error().Str("component", "api").Str("request_id", middleware.GetRequestID(c)).Err(err).Msg("request failed")
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

// GetDaily returns the aggregate for ?date=YYYY-MM-DD (today by default).
func (h *Handlers) GetDaily(c *gin.Context) {
	agg, err := h.Telemetry.Daily(c.Request.Context(), c.Query("date"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	if agg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no metrics recorded for date"})
		return
	}
	c.JSON(http.StatusOK, agg)
}

// GetRealtime returns the live counters.
func (h *Handlers) GetRealtime(c *gin.Context) {
	live, err := h.Telemetry.Live(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, live)
}

// GetDashboard returns today vs yesterday.
func (h *Handlers) GetDashboard(c *gin.Context) {
	d, err := h.Telemetry.Dashboard(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handlers) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, telemetry.ErrInvalidDate):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics store unavailable"})
	default:
		log.Error().Str("component", "api").Err(err).Msg("metrics read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics read failed"})
	}
}

// GetClientStats returns a client's admission windows.
func (h *Handlers) GetClientStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Admission.ClientStats(c.Request.Context(), c.Param("client")))
}

// GetCacheStats returns cache statistics.
func (h *Handlers) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Cache.Stats(c.Request.Context()))
}

// ClearCache removes every cached response.
func (h *Handlers) ClearCache(c *gin.Context) {
	n, ok := h.Cache.ClearAll(c.Request.Context())
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache not available", "deleted": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cache cleared", "deleted": n})
}

// GetCatalog returns the routing tables.
func (h *Handlers) GetCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, h.Router.Catalog())
}

// requireDB returns true if the archive is available, or sends a 503 and returns false.
func (h *Handlers) requireDB(c *gin.Context) bool {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive unavailable"})
		return false
	}
	return true
}

func timeRange(c *gin.Context) (from, to time.Time, ok bool) {
	now := time.Now().UTC()
	from, to = now.AddDate(0, -1, 0), now
	var err error
	if s := c.Query("from"); s != "" {
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' date format, use RFC3339"})
			return from, to, false
		}
	}
	if s := c.Query("to"); s != "" {
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'to' date format, use RFC3339"})
			return from, to, false
		}
	}
	return from, to, true
}

// GetReport returns archived usage grouped by ?dimension (model|client|endpoint|scope).
func (h *Handlers) GetReport(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	dimension := c.DefaultQuery("dimension", "model")
	summaries, err := h.DB.Report(c.Request.Context(), dimension, from, to)
	if err != nil {
		if errors.Is(err, database.ErrUnsupportedDimension) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dimension": dimension,
		"from":      from,
		"to":        to,
		"data":      summaries,
	})
}

// GetSummary returns archive totals for the period.
func (h *Handlers) GetSummary(c *gin.Context) {
	if h.Insights == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics unavailable"})
		return
	}
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	report, err := h.Insights.GenerateReport(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetRecentRequests returns the most recent archived requests.
func (h *Handlers) GetRecentRequests(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > database.MaxRecentRecords {
		limit = 50
	}
	records, err := h.DB.RecentRecords(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "data": records})
}

// GetInsights returns cost insights derived from the archive.
func (h *Handlers) GetInsights(c *gin.Context) {
	if h.Insights == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics unavailable"})
		return
	}
	all, err := h.Insights.All(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(all), "data": all})
}

// GetConfig returns the non-sensitive effective configuration.
func (h *Handlers) GetConfig(c *gin.Context) {
	limits := h.Admission.Limits()
	cacheOpts := h.Cache.Settings()
	c.JSON(http.StatusOK, gin.H{
		"version":  Version,
		"settings": h.Settings,
		"admission": gin.H{
			"requests_per_window": limits.Limit,
			"window_seconds":      limits.Window.Seconds(),
			"cost_ceiling":        limits.CostCeiling,
			"cost_window_seconds": limits.CostWindow.Seconds(),
		},
		"cache": gin.H{
			"default_ttl_seconds": cacheOpts.DefaultTTL.Seconds(),
			"domain_ttl_seconds":  cacheOpts.DomainTTL.Seconds(),
			"domain_marker":       models.DomainMarker,
		},
	})
}
