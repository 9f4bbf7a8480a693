package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for operating-time tracking.
var (
	b24OperatingSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "b24_operating_seconds",
		Help: "Operating time used by a method in the current Bitrix24 limit window",
	}, []string{"method"})

	b24OperatingBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b24_operating_blocks_total",
		Help: "Total number of calls blocked because a method's operating budget was spent",
	})

	b24OperatingThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b24_operating_throttles_total",
		Help: "Total number of calls throttled because a method's operating budget is running low",
	})
)

// ThrottleDelay is the pause applied to calls in the warning band.
const ThrottleDelay = 1 * time.Second

// Tracker records operating-time telemetry per method and gates calls.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new operating-time tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// Key returns the Redis key holding the state of method.
func Key(method string) string {
	return RedisKeyPrefix + method
}

// GetState retrieves the state of method from Redis.
// Returns a healthy empty state if nothing was recorded.
func (t *Tracker) GetState(ctx context.Context, method string) (*OperatingState, error) {
	fields, err := t.redis.HGetAll(ctx, Key(method)).Result()
	if err != nil {
		return nil, fmt.Errorf("get operating state: %w", err)
	}

	state := &OperatingState{Method: method}
	if len(fields) == 0 {
		state.IsHealthy = true
		return state, nil
	}

	if v := fields["operating"]; v != "" {
		if state.Operating, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("parse operating: %w", err)
		}
	}
	if v := fields["reset_at"]; v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse reset_at: %w", err)
		}
		state.ResetAt = time.Unix(ts, 0)
	}
	if v := fields["last_update"]; v != "" {
		if state.LastUpdate, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("parse last_update: %w", err)
		}
	}
	state.UpdateHealth()

	return state, nil
}

// Record stores the operating telemetry of a response for method.
func (t *Tracker) Record(ctx context.Context, method string, operating float64, resetAt time.Time) error {
	if operating <= 0 && resetAt.IsZero() {
		return nil
	}

	now := time.Now()
	state := &OperatingState{
		Method:     method,
		Operating:  operating,
		ResetAt:    resetAt,
		LastUpdate: now,
	}
	state.UpdateHealth()

	key := Key(method)
	pipe := t.redis.Pipeline()
	values := []any{
		"operating", strconv.FormatFloat(operating, 'f', -1, 64),
		"last_update", now.Format(time.RFC3339Nano),
	}
	if !resetAt.IsZero() {
		values = append(values, "reset_at", strconv.FormatInt(resetAt.Unix(), 10))
	}
	pipe.HSet(ctx, key, values...)
	if resetAt.After(now) {
		pipe.ExpireAt(ctx, key, resetAt)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store operating state in redis: %w", err)
	}

	b24OperatingSeconds.WithLabelValues(method).Set(operating)

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Str("method", method).
			Float64("operating", operating).
			Time("reset_at", resetAt).
			Msg("Bitrix24 operating limit CRITICAL - calls will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Str("method", method).
			Float64("operating", operating).
			Time("reset_at", resetAt).
			Msg("Bitrix24 operating limit WARNING - calls will be throttled")
	default:
		t.logger.Debug().
			Str("method", method).
			Float64("operating", operating).
			Msg("Bitrix24 operating state updated")
	}

	return nil
}

// ShouldAllowRequest checks whether a call to method may go out now.
// It returns false and the time until reset when the method is blocked, and
// sleeps ThrottleDelay before allowing a call in the warning band.
func (t *Tracker) ShouldAllowRequest(ctx context.Context, method string) (bool, time.Duration, error) {
	state, err := t.GetState(ctx, method)
	if err != nil {
		return false, 0, fmt.Errorf("get operating state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		wait := state.TimeUntilReset()
		t.logger.Error().
			Str("method", method).
			Float64("operating", state.Operating).
			Dur("wait_duration", wait).
			Msg("Bitrix24 operating limit critical - blocking request")
		b24OperatingBlocksTotal.Inc()
		return false, wait, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Str("method", method).
			Float64("operating", state.Operating).
			Msg("Bitrix24 operating limit warning - throttling request")
		b24OperatingThrottlesTotal.Inc()

		timer := time.NewTimer(ThrottleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, 0, ctx.Err()
		case <-timer.C:
		}
	}

	return true, 0, nil
}
