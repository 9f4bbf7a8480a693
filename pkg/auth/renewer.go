package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var b24TokenRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "b24_token_renewals_total",
	Help: "Total number of access token renewals by outcome",
}, []string{"outcome"})

// DefaultRenewTimeout bounds one refresh-token exchange plus the store write.
const DefaultRenewTimeout = 30 * time.Second

// Renewer hands out the current token and renews it at most once per failure
// window: concurrent callers share one in-flight exchange, and a caller whose
// stale token was already replaced gets the replacement without a new exchange.
type Renewer struct {
	store     Store
	exchanger Exchanger
	group     singleflight.Group
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewRenewer creates a renewer persisting to store.
func NewRenewer(store Store, exchanger Exchanger, logger zerolog.Logger) *Renewer {
	return &Renewer{
		store:     store,
		exchanger: exchanger,
		timeout:   DefaultRenewTimeout,
		logger:    logger,
	}
}

// Token returns the token currently held by the store.
func (r *Renewer) Token(ctx context.Context) (Token, error) {
	return r.store.Get(ctx)
}

// Renew replaces stale, the token a call was rejected with. The new token is
// saved to the store before Renew returns.
func (r *Renewer) Renew(ctx context.Context, stale Token) (Token, error) {
	ch := r.group.DoChan("renew", func() (any, error) {
		// Detached from the first caller so its cancellation cannot fail
		// every waiter sharing this exchange.
		renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.renew(renewCtx, stale)
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		if res.Shared {
			r.logger.Debug().Msg("Joined in-flight token renewal")
		}
		return res.Val.(Token), nil
	}
}

func (r *Renewer) renew(ctx context.Context, stale Token) (Token, error) {
	current, err := r.store.Get(ctx)
	if err != nil {
		b24TokenRenewalsTotal.WithLabelValues("store_error").Inc()
		return Token{}, fmt.Errorf("load token: %w", err)
	}

	if current.AccessToken != "" && current.AccessToken != stale.AccessToken {
		b24TokenRenewalsTotal.WithLabelValues("already_renewed").Inc()
		r.logger.Debug().Msg("Token already renewed, reusing stored token")
		return current, nil
	}

	fresh, err := r.exchanger.Exchange(ctx, current)
	if err != nil {
		b24TokenRenewalsTotal.WithLabelValues("failed").Inc()
		r.logger.Error().Err(err).Str("domain", current.Domain).Msg("Token renewal failed")
		return Token{}, err
	}

	if err := r.store.Save(ctx, fresh); err != nil {
		b24TokenRenewalsTotal.WithLabelValues("store_error").Inc()
		return Token{}, fmt.Errorf("save renewed token: %w", err)
	}

	b24TokenRenewalsTotal.WithLabelValues("renewed").Inc()
	r.logger.Info().
		Str("domain", fresh.Domain).
		Time("expires_at", fresh.ExpiresAt).
		Msg("Access token renewed")

	return fresh, nil
}
