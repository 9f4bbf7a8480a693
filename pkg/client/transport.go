package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// Transport issues a single signed HTTP request and returns the decoded
// envelope. It knows nothing about batching or retries.
type Transport struct {
	http      *retryablehttp.Client
	limiter   *rate.Limiter
	userAgent string
	logger    zerolog.Logger
}

// NewTransport builds a transport on top of httpClient. A zero requestsPerSecond
// disables client-side pacing.
func NewTransport(httpClient *http.Client, userAgent string, requestsPerSecond float64, burst int, logger zerolog.Logger) *Transport {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.Logger = nil
	rc.RetryMax = 0
	// Retries belong to RetryPolicy, which classifies API error bodies too.
	rc.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
		logger.Debug().
			Str("url", redactURL(req.URL.Path)).
			Msg("Sending Bitrix24 request")
	}

	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}

	return &Transport{
		http:      rc,
		limiter:   limiter,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Call POSTs params as JSON to {baseURL}/{method}. A non-empty accessToken is
// sent as the "auth" parameter (OAuth mode); webhook URLs carry their secret
// in the path instead.
func (t *Transport) Call(ctx context.Context, baseURL, method string, params map[string]any, accessToken string) (*Response, error) {
	body := make(map[string]any, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	if accessToken != "" {
		body["auth"] = accessToken
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ConfigError{Field: "params", Reason: err.Error()}
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/" + method
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &ConfigError{Field: "endpoint", Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = redactEndpoint(urlErr.URL)
		}
		return nil, &TransportError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	return decodeResponse(resp, data)
}

// decodeResponse turns an HTTP response into a Response or a classified error.
func decodeResponse(resp *http.Response, data []byte) (*Response, error) {
	wait := parseRetryAfter(resp.Header.Get("Retry-After"))

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if decodeErr == nil && env.Error != "" {
		return nil, &APIError{
			StatusCode:  resp.StatusCode,
			Code:        env.Error,
			Description: env.ErrorDescription,
			ErrorClass:  ClassForCode(env.Error, resp.StatusCode),
			RetryAfter:  wait,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			ErrorClass: classForStatus(resp.StatusCode),
			Message:    resp.Status,
			RetryAfter: wait,
		}
	}

	if decodeErr != nil {
		// 2xx with a non-JSON body: usually a maintenance page from a proxy.
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassServer,
			Message:    "invalid response body",
			Err:        decodeErr,
		}
	}

	return env.response(), nil
}

// classForStatus classifies a non-2xx response that carried no error body.
func classForStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusRequestTimeout || status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// redactURL drops the webhook secret ("/rest/{user}/{secret}/method").
func redactURL(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "rest" {
		parts[2] = "***"
	}
	return "/" + strings.Join(parts, "/")
}

// redactEndpoint applies redactURL to the path of an absolute URL.
func redactEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable url]"
	}
	return u.Scheme + "://" + u.Host + redactURL(u.Path)
}
