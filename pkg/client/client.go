// Package client provides the core Bitrix24 REST client: a signed transport,
// error classification, and a retry policy that renews expired tokens.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/b24-client/pkg/auth"
	"github.com/Sternrassler/b24-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client operations.
var (
	b24RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_requests_total",
		Help: "Total Bitrix24 calls by method and outcome",
	}, []string{"method", "status"})

	b24RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "b24_request_duration_seconds",
		Help:    "Bitrix24 call duration in seconds by method, retries included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	b24ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_errors_total",
		Help: "Total Bitrix24 errors by class",
	}, []string{"class"})
)

// Caller performs one logical REST call. *Client implements it; batch and
// pagination build on it.
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any) (*Response, error)
}

// TokenManager supplies OAuth tokens and renews a rejected one.
// *auth.Renewer implements it.
type TokenManager interface {
	Token(ctx context.Context) (auth.Token, error)
	Renew(ctx context.Context, stale auth.Token) (auth.Token, error)
}

// Client is the Bitrix24 REST client.
type Client struct {
	transport  *Transport
	retry      *RetryPolicy
	tokens     TokenManager
	tracker    *ratelimit.Tracker
	webhookURL string
	endpoint   string
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration. Exactly one of WebhookURL and
// Tokens must be set.
type Config struct {
	// WebhookURL is an incoming webhook, e.g. https://example.bitrix24.com/rest/1/secret/
	WebhookURL string

	// Tokens enables OAuth mode.
	Tokens TokenManager

	// Endpoint overrides the REST base URL in OAuth mode; by default the
	// token's client_endpoint is used.
	Endpoint string

	// UserAgent header sent with every request.
	UserAgent string

	// RequestTimeout bounds one physical HTTP request.
	RequestTimeout time.Duration

	// Client-side pacing. Bitrix24 allows 2 requests/s with a burst of 50.
	RequestsPerSecond float64
	Burst             int

	// Retry configures backoff for transient failures.
	Retry RetryConfig

	// Redis enables the shared operating-time tracker. Optional.
	Redis *redis.Client

	// Logger is the log sink. Defaults to the global zerolog logger.
	Logger *zerolog.Logger

	// HTTPClient overrides the underlying HTTP client (its Timeout is kept).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration for a webhook.
func DefaultConfig(webhookURL, userAgent string) Config {
	return Config{
		WebhookURL:        webhookURL,
		UserAgent:         userAgent,
		RequestTimeout:    30 * time.Second,
		RequestsPerSecond: 2,
		Burst:             50,
		Retry:             DefaultRetryConfig(),
	}
}

// New creates a new Bitrix24 client.
func New(cfg Config) (*Client, error) {
	if cfg.WebhookURL == "" && cfg.Tokens == nil {
		return nil, &ConfigError{Field: "credentials", Reason: "webhook url or token manager is required"}
	}
	if cfg.WebhookURL != "" && cfg.Tokens != nil {
		return nil, &ConfigError{Field: "credentials", Reason: "webhook url and token manager are mutually exclusive"}
	}
	if cfg.WebhookURL != "" {
		if err := validateBaseURL(cfg.WebhookURL); err != nil {
			return nil, &ConfigError{Field: "webhook url", Reason: err.Error()}
		}
	}
	if cfg.Endpoint != "" {
		if err := validateBaseURL(cfg.Endpoint); err != nil {
			return nil, &ConfigError{Field: "endpoint", Reason: err.Error()}
		}
	}
	if cfg.RequestTimeout < 0 {
		return nil, &ConfigError{Field: "request timeout", Reason: fmt.Sprintf("must be >= 0 (got %s)", cfg.RequestTimeout)}
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, &ConfigError{Field: "requests per second", Reason: fmt.Sprintf("must be >= 0 (got %v)", cfg.RequestsPerSecond)}
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	} else if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "b24-client").Logger()
	} else {
		logger = log.With().Str("component", "b24-client").Logger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var tracker *ratelimit.Tracker
	if cfg.Redis != nil {
		tracker = ratelimit.NewTracker(cfg.Redis, logger)
	}

	return &Client{
		transport:  NewTransport(httpClient, cfg.UserAgent, cfg.RequestsPerSecond, cfg.Burst, logger),
		retry:      NewRetryPolicy(cfg.Retry, logger),
		tokens:     cfg.Tokens,
		tracker:    tracker,
		webhookURL: cfg.WebhookURL,
		endpoint:   cfg.Endpoint,
		httpClient: httpClient,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Call performs one REST method call with retries and token renewal.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (*Response, error) {
	if err := ValidateMethod(method); err != nil {
		return nil, err
	}

	startTime := time.Now()
	defer func() {
		b24RequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	var used auth.Token
	var renew RenewFunc
	if c.tokens != nil {
		renew = func(ctx context.Context) error {
			_, err := c.tokens.Renew(ctx, used)
			return err
		}
	}

	resp, err := c.retry.Invoke(ctx, method, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, method, params, &used)
	}, renew)
	if err != nil {
		errorClass := Classify(err)
		b24ErrorsTotal.WithLabelValues(string(errorClass)).Inc()
		b24RequestsTotal.WithLabelValues(method, string(errorClass)).Inc()
		return nil, err
	}

	b24RequestsTotal.WithLabelValues(method, "ok").Inc()
	return resp, nil
}

// attempt performs one physical request; used receives the token it was signed with.
func (c *Client) attempt(ctx context.Context, method string, params map[string]any, used *auth.Token) (*Response, error) {
	if c.tracker != nil {
		allowed, wait, err := c.tracker.ShouldAllowRequest(ctx, method)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case err != nil:
			c.logger.Warn().Err(err).Str("method", method).Msg("Operating limit check failed")
		case !allowed:
			return nil, &APIError{
				Code:        "OPERATION_TIME_LIMIT",
				Description: "method operating budget spent, blocked until window reset",
				ErrorClass:  ErrorClassRateLimit,
				RetryAfter:  wait,
			}
		}
	}

	baseURL := c.webhookURL
	accessToken := ""
	if c.tokens != nil {
		token, err := c.currentToken(ctx, method)
		if err != nil {
			return nil, err
		}
		*used = token
		accessToken = token.AccessToken
		baseURL = c.endpoint
		if baseURL == "" {
			baseURL = token.ClientEndpoint
		}
		if baseURL == "" {
			return nil, &ConfigError{Field: "endpoint", Reason: "token has no client_endpoint and no endpoint is configured"}
		}
	}

	c.logger.Debug().Str("method", method).Msg("Executing Bitrix24 request")

	resp, err := c.transport.Call(ctx, baseURL, method, params, accessToken)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("error_class", string(Classify(err))).Msg("Error classified")
		return nil, err
	}

	if c.tracker != nil && resp.Time != nil {
		if err := c.tracker.Record(ctx, method, resp.Time.Operating, resp.Time.ResetAt()); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record operating state")
		}
	}

	return resp, nil
}

// currentToken loads the token and renews it up front when it is known to be expired.
func (c *Client) currentToken(ctx context.Context, method string) (auth.Token, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return auth.Token{}, &AuthError{Method: method, Err: fmt.Errorf("load token: %w", err)}
	}
	if token.Expired(0) && token.RefreshToken != "" {
		c.logger.Debug().Time("expires_at", token.ExpiresAt).Msg("Access token expired, renewing before call")
		renewed, err := c.tokens.Renew(ctx, token)
		if err != nil {
			return auth.Token{}, &AuthError{Method: method, Err: fmt.Errorf("renew access token: %w", err)}
		}
		return renewed, nil
	}
	return token, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// ValidateMethod rejects method names that cannot be addressed as a URL path
// segment or a batch command.
func ValidateMethod(method string) error {
	if strings.TrimSpace(method) == "" {
		return &ConfigError{Field: "method", Reason: "must not be empty"}
	}
	for _, r := range method {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return &ConfigError{Field: "method", Reason: fmt.Sprintf("%q contains %q", method, r)}
		}
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
