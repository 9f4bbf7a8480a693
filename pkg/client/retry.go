package client

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	b24RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	b24RetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "b24_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	b24RetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts for transient failures
	// (including the initial request).
	MaxAttempts int

	// InitialBackoff is the first backoff duration; it doubles per retry.
	InitialBackoff time.Duration

	// MaxBackoff caps a single backoff.
	MaxBackoff time.Duration

	// MaxElapsed is the overall budget for one logical call, independent of
	// the per-request timeout. Zero means no budget.
	MaxElapsed time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		MaxElapsed:     2 * time.Minute,
	}
}

// RetryState is the per-call bookkeeping of one Invoke.
type RetryState struct {
	Attempts  int
	LastError error
	Delays    []time.Duration
}

// Action performs one attempt of a logical call.
type Action func(ctx context.Context) (*Response, error)

// RenewFunc replaces the credential that the last attempt was rejected with.
type RenewFunc func(ctx context.Context) error

// RetryPolicy wraps transport calls with backoff and token renewal.
type RetryPolicy struct {
	config   RetryConfig
	classify func(error) ErrorClass
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// NewRetryPolicy creates a policy that classifies errors with Classify.
func NewRetryPolicy(cfg RetryConfig, logger zerolog.Logger) *RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultRetryConfig().InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &RetryPolicy{
		config:   cfg,
		classify: Classify,
		sleep:    sleepContext,
		logger:   logger,
	}
}

// Invoke runs action until it succeeds, fails fatally, or the budget is spent.
//
// Transient failures back off exponentially. An auth-expired failure calls
// renew once and retries once; a second auth-expired failure is an AuthError.
func (p *RetryPolicy) Invoke(ctx context.Context, op string, action Action, renew RenewFunc) (*Response, error) {
	resp, _, err := p.run(ctx, op, action, renew)
	return resp, err
}

func (p *RetryPolicy) run(ctx context.Context, op string, action Action, renew RenewFunc) (*Response, RetryState, error) {
	var state RetryState
	start := time.Now()
	renewed := false
	transient := 0
	var prev time.Duration

	for {
		state.Attempts++
		resp, err := action(ctx)
		if err == nil {
			if state.Attempts > 1 {
				p.logger.Info().
					Str("method", op).
					Int("attempt", state.Attempts).
					Msg("Request succeeded after retry")
			}
			return resp, state, nil
		}
		state.LastError = err
		errorClass := p.classify(err)

		switch errorClass.Disposition() {
		case DispositionFatal:
			return nil, state, err

		case DispositionAuthExpired:
			if renewed || renew == nil {
				return nil, state, &AuthError{Method: op, Err: fmt.Errorf("%w: %w", ErrAuthExpired, err)}
			}
			renewed = true
			b24RetriesTotal.WithLabelValues(string(errorClass)).Inc()
			p.logger.Warn().
				Str("method", op).
				Int("attempt", state.Attempts).
				Str("error_class", string(errorClass)).
				Msg("Access token rejected, renewing before retry")
			if renewErr := renew(ctx); renewErr != nil {
				return nil, state, &AuthError{Method: op, Err: fmt.Errorf("renew access token: %w", renewErr)}
			}
			continue
		}

		transient++
		if transient >= p.config.MaxAttempts {
			return nil, state, p.exhausted(op, errorClass, state)
		}

		delay := p.backoff(transient-1, err, prev)
		if p.config.MaxElapsed > 0 && time.Since(start)+delay > p.config.MaxElapsed {
			return nil, state, p.exhausted(op, errorClass, state)
		}

		b24RetriesTotal.WithLabelValues(string(errorClass)).Inc()
		b24RetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(delay.Seconds())
		p.logger.Warn().
			Err(err).
			Str("method", op).
			Int("attempt", state.Attempts).
			Str("error_class", string(errorClass)).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := p.sleep(ctx, delay); err != nil {
			p.logger.Warn().
				Str("method", op).
				Int("attempt", state.Attempts).
				Msg("Context cancelled during retry backoff")
			return nil, state, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
		state.Delays = append(state.Delays, delay)
		prev = delay
	}
}

// backoff doubles from InitialBackoff, honours a larger server hint, stays
// within MaxBackoff and never drops below the previous delay.
func (p *RetryPolicy) backoff(retry int, err error, prev time.Duration) time.Duration {
	delay := retryablehttp.DefaultBackoff(p.config.InitialBackoff, p.config.MaxBackoff, retry, nil)
	if hint := retryAfter(err); hint > delay {
		delay = hint
	}
	if delay > p.config.MaxBackoff {
		delay = p.config.MaxBackoff
	}
	if delay < prev {
		delay = prev
	}
	return delay
}

func (p *RetryPolicy) exhausted(op string, errorClass ErrorClass, state RetryState) error {
	b24RetryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	p.logger.Error().
		Err(state.LastError).
		Str("method", op).
		Str("error_class", string(errorClass)).
		Int("attempts", state.Attempts).
		Msg("Retry attempts exhausted")
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, state.Attempts, state.LastError)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
