// Package admission enforces per-client request-rate and spend limits.
//
// Both limits are sliding windows anchored at the time of the check and kept
// as sorted sets in the shared store: rate:{client} holds one member per
// admitted request and cost:{client} one member per recorded cost
// observation, each scored by its timestamp in milliseconds. Entries that
// have left the window are pruned on every access.
//
// The rate check adds the request and counts the window in one MULTI/EXEC
// transaction, then withdraws the entry if the count is over the limit, so a
// concurrent burst never admits more than the limit. The cost check reads
// the window and writes the new observation in separate round-trips, so two
// concurrent requests from the same client can both be admitted against the
// same remaining budget. That overshoot is bounded by one request's cost.
package admission

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/store"
)

const (
	DefaultLimit       = 30
	DefaultWindow      = time.Minute
	DefaultCostCeiling = 10.0
	DefaultCostWindow  = time.Hour

	rateKeyPrefix = "rate:"
	costKeyPrefix = "cost:"

	// costEpsilon absorbs float drift when the projected spend lands exactly
	// on the ceiling.
	costEpsilon = 1e-9
)

// Options configures the limits. Zero values select the defaults.
type Options struct {
	// Limit is the number of requests allowed per Window.
	Limit  int
	Window time.Duration
	// CostCeiling is the spend allowed per CostWindow.
	CostCeiling float64
	CostWindow  time.Duration
}

// RateInfo describes the outcome of the request-rate check.
type RateInfo struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_time"`
	RetryAfter int       `json:"retry_after,omitempty"`
}

// CostInfo describes the outcome of the spend check.
type CostInfo struct {
	Allowed     bool      `json:"allowed"`
	Ceiling     float64   `json:"ceiling"`
	Current     float64   `json:"current"`
	Requested   float64   `json:"requested"`
	WouldExceed float64   `json:"would_exceed,omitempty"`
	Remaining   float64   `json:"remaining"`
	ResetAt     time.Time `json:"reset_time"`
}

// Info is the structured result of Check. Rate and Cost are nil when the
// corresponding check was skipped or failed open.
type Info struct {
	Client   string    `json:"client"`
	Allowed  bool      `json:"allowed"`
	Disabled bool      `json:"disabled,omitempty"`
	Rate     *RateInfo `json:"rate_limit,omitempty"`
	Cost     *CostInfo `json:"cost_limit,omitempty"`
}

// Controller is safe for concurrent use; all state lives in the store.
type Controller struct {
	store *store.Store
	opts  Options
	now   func() time.Time
}

// New creates a Controller over s.
func New(s *store.Store, opts Options) *Controller {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.CostCeiling <= 0 {
		opts.CostCeiling = DefaultCostCeiling
	}
	if opts.CostWindow <= 0 {
		opts.CostWindow = DefaultCostWindow
	}
	return &Controller{store: s, opts: opts, now: time.Now}
}

// Available reports whether limits are currently enforced.
func (c *Controller) Available() bool {
	return c.store.Available()
}

// Limits returns the effective configuration.
func (c *Controller) Limits() Options {
	return c.opts
}

// Check decides whether client may proceed. The cost check runs only when
// projectedCost is non-nil and the rate check did not deny. An admitted
// request is recorded in both windows by this call. Store failures admit the
// request.
func (c *Controller) Check(ctx context.Context, client string, projectedCost *float64) (bool, Info) {
	info := Info{Client: client, Allowed: true}
	if !c.Available() {
		info.Disabled = true
		return true, info
	}

	now := c.now()
	rate, err := c.checkRate(ctx, client, now)
	if err != nil {
		log.Debug().Str("component", "admission").Str("client", client).Err(err).Msg("rate check failed open")
	} else {
		info.Rate = rate
		if !rate.Allowed {
			info.Allowed = false
			log.Info().Str("component", "admission").Str("client", client).
				Int("limit", rate.Limit).Int("retry_after", rate.RetryAfter).Msg("rate limit exceeded")
			return false, info
		}
	}

	if projectedCost == nil {
		return true, info
	}

	cost, err := c.checkCost(ctx, client, now, *projectedCost)
	if err != nil {
		log.Debug().Str("component", "admission").Str("client", client).Err(err).Msg("cost check failed open")
		return true, info
	}
	info.Cost = cost
	if !cost.Allowed {
		info.Allowed = false
		log.Info().Str("component", "admission").Str("client", client).
			Float64("ceiling", cost.Ceiling).Float64("current", cost.Current).
			Float64("requested", cost.Requested).Msg("cost ceiling exceeded")
		return false, info
	}
	return true, info
}

func (c *Controller) checkRate(ctx context.Context, client string, now time.Time) (*RateInfo, error) {
	key := rateKeyPrefix + client
	cutoff := now.Add(-c.opts.Window).UnixMilli()
	info := &RateInfo{Limit: c.opts.Limit}

	err := c.store.Do(ctx, "rate check", func(ctx context.Context, rc *redis.Client) error {
		member := uuid.NewString()
		var card *redis.IntCmd
		if _, err := rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
			p.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
			card = p.ZCard(ctx, key)
			p.PExpire(ctx, key, c.opts.Window)
			return nil
		}); err != nil {
			return err
		}
		count := int(card.Val())

		if count > c.opts.Limit {
			if err := rc.ZRem(ctx, key, member).Err(); err != nil {
				return err
			}
			oldest, err := rc.ZRangeWithScores(ctx, key, 0, 0).Result()
			if err != nil {
				return err
			}
			expiry := now.Add(c.opts.Window)
			if len(oldest) > 0 {
				expiry = time.UnixMilli(int64(oldest[0].Score)).Add(c.opts.Window)
			}
			info.Allowed = false
			info.Remaining = 0
			info.ResetAt = expiry
			info.RetryAfter = retryAfterSeconds(expiry.Sub(now))
			return nil
		}

		info.Allowed = true
		info.Remaining = c.opts.Limit - count
		info.ResetAt = now.Add(c.opts.Window)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Controller) checkCost(ctx context.Context, client string, now time.Time, cost float64) (*CostInfo, error) {
	key := costKeyPrefix + client
	cutoff := now.Add(-c.opts.CostWindow).UnixMilli()
	info := &CostInfo{Ceiling: c.opts.CostCeiling, Requested: cost, ResetAt: now.Add(c.opts.CostWindow)}

	err := c.store.Do(ctx, "cost check", func(ctx context.Context, rc *redis.Client) error {
		current, err := spent(ctx, rc, key, cutoff)
		if err != nil {
			return err
		}

		if current+cost > c.opts.CostCeiling+costEpsilon {
			info.Allowed = false
			info.Current = current
			info.WouldExceed = current + cost
			info.Remaining = math.Max(0, c.opts.CostCeiling-current)
			return nil
		}

		_, err = rc.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: costMember(cost)})
			p.PExpire(ctx, key, c.opts.CostWindow)
			return nil
		})
		if err != nil {
			return err
		}
		info.Allowed = true
		info.Current = current + cost
		info.Remaining = math.Max(0, c.opts.CostCeiling-current-cost)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// spent prunes the cost window and sums what remains.
func spent(ctx context.Context, rc *redis.Client, key string, cutoff int64) (float64, error) {
	var members *redis.StringSliceCmd
	if _, err := rc.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		members = p.ZRange(ctx, key, 0, -1)
		return nil
	}); err != nil {
		return 0, err
	}

	var total float64
	for _, m := range members.Val() {
		total += parseCostMember(m)
	}
	return total, nil
}

// costMember makes each observation a distinct set member so equal costs
// recorded in the same window are not collapsed.
func costMember(cost float64) string {
	return strconv.FormatFloat(cost, 'f', -1, 64) + "|" + uuid.NewString()
}

func parseCostMember(m string) float64 {
	v, _, _ := strings.Cut(m, "|")
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// ClientStats is a read-mostly view of a client's windows.
type ClientStats struct {
	Client            string  `json:"client"`
	Disabled          bool    `json:"disabled,omitempty"`
	RequestsInWindow  int     `json:"requests_this_window"`
	Limit             int     `json:"limit"`
	RemainingRequests int     `json:"remaining_requests"`
	CostThisHour      float64 `json:"cost_this_hour"`
	Ceiling           float64 `json:"ceiling"`
	RemainingBudget   float64 `json:"remaining_budget"`
}

// ClientStats reports client's usage without recording anything. Expired
// entries are pruned as a side effect.
func (c *Controller) ClientStats(ctx context.Context, client string) ClientStats {
	st := ClientStats{
		Client:            client,
		Limit:             c.opts.Limit,
		RemainingRequests: c.opts.Limit,
		Ceiling:           c.opts.CostCeiling,
		RemainingBudget:   c.opts.CostCeiling,
	}
	if !c.Available() {
		st.Disabled = true
		return st
	}

	now := c.now()
	rateCutoff := now.Add(-c.opts.Window).UnixMilli()
	costCutoff := now.Add(-c.opts.CostWindow).UnixMilli()

	err := c.store.Do(ctx, "client stats", func(ctx context.Context, rc *redis.Client) error {
		var card *redis.IntCmd
		if _, err := rc.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRemRangeByScore(ctx, rateKeyPrefix+client, "-inf", strconv.FormatInt(rateCutoff, 10))
			card = p.ZCard(ctx, rateKeyPrefix+client)
			return nil
		}); err != nil {
			return err
		}
		st.RequestsInWindow = int(card.Val())

		current, err := spent(ctx, rc, costKeyPrefix+client, costCutoff)
		if err != nil {
			return err
		}
		st.CostThisHour = current
		return nil
	})
	if err != nil {
		st.Disabled = true
		return st
	}

	st.RemainingRequests = max(0, c.opts.Limit-st.RequestsInWindow)
	st.CostThisHour = math.Round(st.CostThisHour*1e4) / 1e4
	st.RemainingBudget = math.Round(math.Max(0, c.opts.CostCeiling-st.CostThisHour)*1e4) / 1e4
	return st
}
