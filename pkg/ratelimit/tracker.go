package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for cooldown tracking.
var (
	cpcCooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cpc_rate_limit_cooldown_seconds",
		Help: "Length of the most recently applied upstream cooldown window",
	})

	cpcRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpc_rate_limit_blocks_total",
		Help: "Total number of requests refused because the cooldown exceeded the inline wait cap",
	})

	cpcRateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpc_rate_limit_waits_total",
		Help: "Total number of requests that waited inline for a cooldown to pass",
	})

	cpcRateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpc_rate_limit_hits_total",
		Help: "Total number of 429 responses reported to the tracker",
	})
)

// Tracker gates requests against the shared upstream cooldown.
type Tracker struct {
	store    StateStore
	cooldown time.Duration
	logger   zerolog.Logger
}

// NewTracker creates a new cooldown tracker with the default cooldown.
func NewTracker(store StateStore, logger zerolog.Logger) *Tracker {
	return NewTrackerWithCooldown(store, DefaultCooldown, logger)
}

// NewTrackerWithCooldown creates a tracker whose fallback cooldown, applied
// when upstream sends a 429 without a Retry-After header, is custom.
func NewTrackerWithCooldown(store StateStore, cooldown time.Duration, logger zerolog.Logger) *Tracker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Tracker{
		store:    store,
		cooldown: cooldown,
		logger:   logger,
	}
}

// State retrieves the current cooldown state.
func (t *Tracker) State(ctx context.Context) (*CooldownState, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cooldown state: %w", err)
	}
	return state, nil
}

// Allow checks whether a request may proceed. Short cooldowns are waited out
// inline; cooldowns longer than MaxInlineWait refuse the request and leave
// the decision to the caller's retry policy. The error return is non-nil
// only for store failures or context cancellation.
func (t *Tracker) Allow(ctx context.Context) (bool, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load cooldown state: %w", err)
	}

	if !state.Active() {
		return true, nil
	}

	remaining := state.Remaining()
	if remaining > MaxInlineWait {
		t.logger.Warn().
			Dur("remaining", remaining).
			Int("hits", state.Hits).
			Msg("Upstream cooldown too long - refusing request")

		cpcRateLimitBlocksTotal.Inc()
		return false, nil
	}

	t.logger.Info().
		Dur("remaining", remaining).
		Msg("Upstream cooldown active - waiting inline")

	cpcRateLimitWaitsTotal.Inc()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(remaining):
		return true, nil
	}
}

// ReportRateLimit records a 429 response and opens a cooldown window.
// retryAfter comes from the response's Retry-After header; zero or negative
// values fall back to the tracker's configured cooldown.
func (t *Tracker) ReportRateLimit(ctx context.Context, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = t.cooldown
	}

	state, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cooldown state: %w", err)
	}

	now := time.Now()
	state.Hits++
	state.CooldownUntil = now.Add(retryAfter)
	state.LastUpdate = now

	if err := t.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save cooldown state: %w", err)
	}

	cpcRateLimitHitsTotal.Inc()
	cpcCooldownSeconds.Set(retryAfter.Seconds())

	t.logger.Warn().
		Int("hits", state.Hits).
		Time("cooldown_until", state.CooldownUntil).
		Dur("cooldown", retryAfter).
		Msg("Upstream rate limit hit - entering cooldown")

	return nil
}

// ReportSuccess clears the cooldown after a request succeeds. Callers invoke
// this only when an earlier attempt of the same request hit a 429, so a
// healthy run never touches the store.
func (t *Tracker) ReportSuccess(ctx context.Context) error {
	state, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cooldown state: %w", err)
	}

	if state.Hits == 0 && !state.Active() {
		return nil
	}

	now := time.Now()
	state.Hits = 0
	state.CooldownUntil = time.Time{}
	state.LastUpdate = now

	if err := t.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save cooldown state: %w", err)
	}

	cpcCooldownSeconds.Set(0)

	t.logger.Info().Msg("Upstream cooldown cleared after successful request")
	return nil
}
