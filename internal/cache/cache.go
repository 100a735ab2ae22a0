// Package cache implements the cache-aside response cache.
//
// Entries are keyed by backend, model, whitespace-normalized query text and an
// optional scope tag, and expire on their own in the shared store. Every
// operation is best-effort: when the store is missing or failing, reads miss
// and writes report false instead of returning an error.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/models"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/store"
)

var (
	// ErrInvalidScope is returned for scope tags that cannot be embedded in a key.
	ErrInvalidScope = errors.New("cache: invalid scope")
	// ErrInvalidKeyPart is returned for an empty or malformed backend or model.
	ErrInvalidKeyPart = errors.New("cache: invalid key part")
)

const (
	keyPrefix    = "cache:"
	generalScope = "general"
	hashLen      = 16
	scanBatch    = 200

	DefaultTTL       = 5 * time.Minute
	DefaultDomainTTL = 30 * time.Minute
)

// Options configures expiry. Zero values select the defaults.
type Options struct {
	DefaultTTL time.Duration
	// DomainTTL applies to scopes containing models.DomainMarker, matched
	// case-insensitively.
	DomainTTL time.Duration
}

// Entry is the stored form of a cached response.
type Entry struct {
	Response json.RawMessage `json:"response"`
	Scope    string          `json:"scope,omitempty"`
	TTL      int64           `json:"ttl"`
	CachedAt time.Time       `json:"cached_at"`
}

// Remaining reports how much freshness the entry has left at now.
func (e *Entry) Remaining(now time.Time) time.Duration {
	left := e.CachedAt.Add(time.Duration(e.TTL) * time.Second).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Stats summarizes the cache namespace and the store's keyspace counters.
type Stats struct {
	Enabled    bool    `json:"enabled"`
	Connected  bool    `json:"connected"`
	TotalKeys  int64   `json:"total_keys"`
	MemoryUsed string  `json:"memory_used,omitempty"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// Cache is safe for concurrent use.
type Cache struct {
	store      *store.Store
	defaultTTL time.Duration
	domainTTL  time.Duration
	now        func() time.Time
}

// New creates a Cache over s. A nil or disconnected store yields a cache that
// always misses.
func New(s *store.Store, opts Options) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.DomainTTL <= 0 {
		opts.DomainTTL = DefaultDomainTTL
	}
	return &Cache{
		store:      s,
		defaultTTL: opts.DefaultTTL,
		domainTTL:  opts.DomainTTL,
		now:        time.Now,
	}
}

// Settings returns the effective options.
func (c *Cache) Settings() Options {
	return Options{DefaultTTL: c.defaultTTL, DomainTTL: c.domainTTL}
}

// Available reports whether the cache is backed by a live store.
func (c *Cache) Available() bool {
	return c.store.Available()
}

// Normalize collapses internal whitespace runs and trims the text.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Key derives the store key for a query. Texts that differ only in whitespace
// produce the same key.
func Key(backend, model, text, scope string) (string, error) {
	if err := checkPart("backend", backend); err != nil {
		return "", err
	}
	if err := checkPart("model", model); err != nil {
		return "", err
	}
	if strings.ContainsFunc(scope, func(r rune) bool { return r == ':' || unicode.IsSpace(r) }) {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	parts := []string{backend, model, Normalize(text)}
	if scope != "" {
		parts = append(parts, scope)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	hash := hex.EncodeToString(sum[:])[:hashLen]

	tag := scope
	if tag == "" {
		tag = generalScope
	}
	return keyPrefix + backend + ":" + model + ":" + tag + ":" + hash, nil
}

func checkPart(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidKeyPart, name)
	}
	if strings.ContainsFunc(v, func(r rune) bool { return r == ':' || unicode.IsSpace(r) }) {
		return fmt.Errorf("%w: %s %q", ErrInvalidKeyPart, name, v)
	}
	return nil
}

// TTLFor returns the expiry applied to entries with the given scope.
func (c *Cache) TTLFor(scope string) time.Duration {
	if scope != "" && strings.Contains(strings.ToLower(scope), models.DomainMarker) {
		return c.domainTTL
	}
	return c.defaultTTL
}

// Get returns the cached entry, or nil on a miss. The error is non-nil only
// for malformed input.
func (c *Cache) Get(ctx context.Context, backend, model, text, scope string) (*Entry, error) {
	key, err := Key(backend, model, text, scope)
	if err != nil {
		return nil, err
	}
	if !c.Available() {
		return nil, nil
	}

	var raw string
	err = c.store.Do(ctx, "cache get", func(ctx context.Context, rc *redis.Client) error {
		var err error
		raw, err = rc.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		log.Debug().Str("component", "cache").Str("key", key).Msg("cache miss")
		return nil, nil
	}
	if err != nil {
		return nil, nil
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		log.Warn().Str("component", "cache").Str("key", key).Err(err).Msg("discarding undecodable cache entry")
		return nil, nil
	}
	log.Debug().Str("component", "cache").Str("key", key).Msg("cache hit")
	return &e, nil
}

// Set stores value under the query's key with the scope's TTL and reports
// whether the write landed.
func (c *Cache) Set(ctx context.Context, backend, model, text string, value json.RawMessage, scope string) (bool, error) {
	key, err := Key(backend, model, text, scope)
	if err != nil {
		return false, err
	}
	if !c.Available() {
		return false, nil
	}

	ttl := c.TTLFor(scope)
	payload, err := json.Marshal(Entry{
		Response: value,
		Scope:    scope,
		TTL:      int64(ttl / time.Second),
		CachedAt: c.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("cache: encode entry: %w", err)
	}

	err = c.store.Do(ctx, "cache set", func(ctx context.Context, rc *redis.Client) error {
		return rc.Set(ctx, key, payload, ttl).Err()
	})
	if err != nil {
		return false, nil
	}
	log.Debug().Str("component", "cache").Str("key", key).Dur("ttl", ttl).Msg("cached response")
	return true, nil
}

// Delete invalidates one entry and reports whether it existed.
func (c *Cache) Delete(ctx context.Context, backend, model, text, scope string) (bool, error) {
	key, err := Key(backend, model, text, scope)
	if err != nil {
		return false, err
	}
	if !c.Available() {
		return false, nil
	}

	var n int64
	err = c.store.Do(ctx, "cache delete", func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.Del(ctx, key).Result()
		return err
	})
	if err != nil {
		return false, nil
	}
	log.Info().Str("component", "cache").Str("key", key).Msg("deleted cache entry")
	return n > 0, nil
}

// ClearAll removes every cache entry and returns how many were deleted.
func (c *Cache) ClearAll(ctx context.Context) (int64, bool) {
	if !c.Available() {
		return 0, false
	}

	var deleted int64
	err := c.store.Do(ctx, "cache clear", func(ctx context.Context, rc *redis.Client) error {
		var cursor uint64
		for {
			keys, next, err := rc.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				n, err := rc.Del(ctx, keys...).Result()
				if err != nil {
					return err
				}
				deleted += n
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return deleted, false
	}
	log.Info().Str("component", "cache").Int64("deleted", deleted).Msg("cleared cache")
	return deleted, true
}

// Stats counts cache keys and reads keyspace hit/miss counters from the
// store's INFO output when it exposes them.
func (c *Cache) Stats(ctx context.Context) Stats {
	if !c.Available() {
		return Stats{}
	}
	st := Stats{Enabled: true}

	err := c.store.Do(ctx, "cache stats", func(ctx context.Context, rc *redis.Client) error {
		var cursor uint64
		for {
			keys, next, err := rc.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
			if err != nil {
				return err
			}
			st.TotalKeys += int64(len(keys))
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return st
	}
	st.Connected = true

	var info string
	err = c.store.Do(ctx, "cache info", func(ctx context.Context, rc *redis.Client) error {
		var err error
		info, err = rc.Info(ctx).Result()
		return err
	})
	if err == nil {
		fields := parseInfo(info)
		st.MemoryUsed = fields["used_memory_human"]
		st.Hits, _ = strconv.ParseInt(fields["keyspace_hits"], 10, 64)
		st.Misses, _ = strconv.ParseInt(fields["keyspace_misses"], 10, 64)
		if total := st.Hits + st.Misses; total > 0 {
			st.HitRate = float64(st.Hits) / float64(total)
		}
	}
	return st
}

func parseInfo(info string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			out[k] = v
		}
	}
	return out
}
