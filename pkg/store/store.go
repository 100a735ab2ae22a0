// Package store wraps the shared Redis key-value store used by the response
// cache, the admission controller and telemetry. Every operation runs under a
// short, caller-independent deadline and through a circuit breaker, so a slow
// or missing store degrades one request instead of the whole gateway.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when the store was never reached or the breaker
// is currently open.
var ErrUnavailable = errors.New("store: unavailable")

const (
	defaultTimeout          = 2 * time.Second
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// Options configures the connection and the outage policy.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Timeout bounds every single store round-trip, including the initial ping.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failed operations that
	// marks the store unavailable.
	FailureThreshold uint32
	// Cooldown is how long the store stays unavailable before a probe request
	// is let through again.
	Cooldown time.Duration
}

// Store is safe for concurrent use.
type Store struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	warn    *rate.Sometimes
}

// New connects to Redis at opts.Addr. It never fails: when the initial ping
// does not succeed the returned Store reports Available() == false for its
// whole lifetime and every operation returns ErrUnavailable.
func New(ctx context.Context, opts Options) *Store {
	s := newStore(opts)

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  s.timeout,
		ReadTimeout:  s.timeout,
		WriteTimeout: s.timeout,
		MaxRetries:   -1,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Str("component", "store").Str("addr", opts.Addr).Err(err).
			Msg("redis unreachable, cache, admission control and metrics persistence are disabled")
		_ = client.Close()
		return s
	}

	log.Info().Str("component", "store").Str("addr", opts.Addr).Msg("connected to redis")
	s.client = client
	return s
}

// Disabled returns a Store with no backing connection.
func Disabled() *Store {
	return newStore(Options{})
}

func newStore(opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	threshold := opts.FailureThreshold

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("store-%s", opts.Addr),
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("component", "store").Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).Msg("store availability changed")
		},
	})

	return &Store{
		breaker: breaker,
		timeout: opts.Timeout,
		warn:    &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Available reports whether the store is connected and not tripped.
func (s *Store) Available() bool {
	return s != nil && s.client != nil && s.breaker.State() != gobreaker.StateOpen
}

// Do runs fn against the Redis client. The caller's cancellation is ignored:
// an in-flight call runs to completion or to the store's own deadline.
// redis.Nil is passed through unchanged and does not count as a failure.
func (s *Store) Do(ctx context.Context, op string, fn func(ctx context.Context, c *redis.Client) error) error {
	if !s.Available() {
		return ErrUnavailable
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn(callCtx, s.client)
	})
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}

	s.warn.Do(func() {
		log.Warn().Str("component", "store").Str("op", op).Err(err).Msg("store operation failed")
	})
	return fmt.Errorf("store: %s: %w", op, err)
}

// Close gracefully shuts down the Redis client connection.
func (s *Store) Close() error {
	if s != nil && s.client != nil {
		log.Info().Str("component", "store").Msg("closing redis connection")
		return s.client.Close()
	}
	return nil
}
