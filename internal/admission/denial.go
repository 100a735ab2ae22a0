package admission

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// DenialKind says which limit rejected a request.
type DenialKind string

const (
	DeniedRate DenialKind = "rate"
	DeniedCost DenialKind = "cost"
)

// Denial is the error returned to callers when Check rejects a request.
type Denial struct {
	Kind DenialKind
	Info Info
}

// DenialFor converts a rejected Info into a Denial. It returns nil for an
// admitted request.
func DenialFor(info Info) *Denial {
	if info.Allowed {
		return nil
	}
	if info.Rate != nil && !info.Rate.Allowed {
		return &Denial{Kind: DeniedRate, Info: info}
	}
	return &Denial{Kind: DeniedCost, Info: info}
}

func (d *Denial) Error() string {
	switch d.Kind {
	case DeniedRate:
		return fmt.Sprintf("admission: rate limit exceeded for %s: retry after %ds", d.Info.Client, d.Info.Rate.RetryAfter)
	default:
		c := d.Info.Cost
		return fmt.Sprintf("admission: cost ceiling exceeded for %s: %.4f + %.4f > %.4f",
			d.Info.Client, c.Current, c.Requested, c.Ceiling)
	}
}

// StatusCode maps the denial to an HTTP status.
func (d *Denial) StatusCode() int {
	if d.Kind == DeniedRate {
		return http.StatusTooManyRequests
	}
	return http.StatusPaymentRequired
}

// Headers returns the response headers that accompany the denial.
func (d *Denial) Headers() map[string]string {
	if d.Kind != DeniedRate || d.Info.Rate == nil {
		return nil
	}
	r := d.Info.Rate
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"Retry-After":           strconv.Itoa(r.RetryAfter),
	}
}

// Body is the JSON body that accompanies the denial.
func (d *Denial) Body() map[string]any {
	if d.Kind == DeniedRate {
		return map[string]any{
			"error":       "Rate limit exceeded",
			"limit":       d.Info.Rate.Limit,
			"retry_after": d.Info.Rate.RetryAfter,
		}
	}
	c := d.Info.Cost
	return map[string]any{
		"error":     "Cost ceiling exceeded",
		"ceiling":   c.Ceiling,
		"current":   c.Current,
		"requested": c.Requested,
	}
}

// ClientIdentity derives the admission key for a request: the X-User-ID
// header, then the first X-Forwarded-For address, then the connection
// address.
func ClientIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return "user:" + id
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return "ip:" + first
		}
	}
	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return "ip:" + host
	}
	return "ip:unknown"
}
