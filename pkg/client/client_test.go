package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/b24-client/internal/testutil"
	"github.com/Sternrassler/b24-client/pkg/auth"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokens is a TokenManager handing out numbered access tokens.
type fakeTokens struct {
	mu       sync.Mutex
	token    auth.Token
	renewals int
	renewErr error
	stale    []auth.Token
}

func (f *fakeTokens) Token(context.Context) (auth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) Renew(_ context.Context, stale auth.Token) (auth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals++
	f.stale = append(f.stale, stale)
	if f.renewErr != nil {
		return auth.Token{}, f.renewErr
	}
	f.token = auth.Token{
		AccessToken:  "access-renewed",
		RefreshToken: "refresh-renewed",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	return f.token, nil
}

func testConfig(webhookURL string) Config {
	logger := zerolog.Nop()
	cfg := DefaultConfig(webhookURL, "b24-client-test/1.0")
	cfg.Retry = RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	cfg.RequestsPerSecond = 0
	cfg.Logger = &logger
	return cfg
}

func oauthConfig(mock *testutil.MockB24, tokens TokenManager) Config {
	cfg := testConfig("")
	cfg.Tokens = tokens
	cfg.Endpoint = mock.URL() + "/rest/"
	return cfg
}

func TestNew_Validation(t *testing.T) {
	tokens := &fakeTokens{}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid webhook", func(c *Config) {}, false},
		{"missing credentials", func(c *Config) { c.WebhookURL = "" }, true},
		{"both credentials", func(c *Config) { c.Tokens = tokens }, true},
		{"bad scheme", func(c *Config) { c.WebhookURL = "ftp://example.bitrix24.com/rest/1/x/" }, true},
		{"no host", func(c *Config) { c.WebhookURL = "https:///rest/1/x/" }, true},
		{"bad endpoint", func(c *Config) { c.WebhookURL = ""; c.Tokens = tokens; c.Endpoint = "::" }, true},
		{"oauth with endpoint", func(c *Config) { c.WebhookURL = ""; c.Tokens = tokens; c.Endpoint = "https://example.bitrix24.com/rest/" }, false},
		{"negative timeout", func(c *Config) { c.RequestTimeout = -time.Second }, true},
		{"negative rate", func(c *Config) { c.RequestsPerSecond = -1 }, true},
		{"zero retry config gets defaults", func(c *Config) { c.Retry = RetryConfig{} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("https://example.bitrix24.com/rest/1/secret/")
			tt.mutate(&cfg)

			c, err := New(cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, c.Close())
		})
	}
}

func TestNew_RetryDefaults(t *testing.T) {
	cfg := testConfig("https://example.bitrix24.com/rest/1/secret/")
	cfg.Retry = RetryConfig{}
	c, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryConfig(), c.retry.config)

	cfg.Retry = RetryConfig{InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second, MaxElapsed: 20 * time.Second}
	c, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, RetryConfig{
		MaxAttempts:    DefaultRetryConfig().MaxAttempts,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		MaxElapsed:     20 * time.Second,
	}, c.retry.config)
}

func TestClient_Call_NetworkErrorHidesWebhookSecret(t *testing.T) {
	mock := testutil.NewMockB24()
	webhook := mock.URL() + "/rest/1/TOPSECRET/"
	mock.Close()

	cfg := testConfig(webhook)
	cfg.Retry.MaxAttempts = 1
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "user.current", nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "TOPSECRET")
}

func TestClient_Call_Webhook(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()
	mock.SetResponse("user.current", testutil.NewResultResponse(map[string]any{"ID": "1", "NAME": "Anna"}))

	c, err := New(testConfig(mock.WebhookURL()))
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), "user.current", nil)
	require.NoError(t, err)

	record, err := Decode[Record](resp)
	require.NoError(t, err)
	name, _ := record.String("NAME")
	assert.Equal(t, "Anna", name)
	assert.Equal(t, 1, mock.GetRequestCount("user.current"))
}

func TestClient_Call_InvalidMethod(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	c, err := New(testConfig(mock.WebhookURL()))
	require.NoError(t, err)

	for _, method := range []string{"", "  ", "crm.deal.list?x=1", "../batch", "crm deal"} {
		_, err := c.Call(context.Background(), method, nil)
		assert.ErrorIs(t, err, ErrConfiguration, "method %q", method)
	}
	assert.Zero(t, mock.GetRequestCount(""))
}

func TestClient_Call_ServerErrorThenSuccess(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()
	mock.SetSequence("crm.deal.get",
		testutil.NewServerErrorResponse(),
		testutil.NewResultResponse(map[string]any{"ID": "7"}),
	)

	c, err := New(testConfig(mock.WebhookURL()))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "crm.deal.get", map[string]any{"id": 7})
	require.NoError(t, err)
	assert.Equal(t, 2, mock.GetRequestCount("crm.deal.get"))
}

func TestClient_Call_RateLimitExhausted(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()
	mock.SetResponse("crm.deal.list", testutil.NewRateLimitResponse())

	c, err := New(testConfig(mock.WebhookURL()))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "crm.deal.list", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, ErrorClassRateLimit, Classify(err))
	assert.Equal(t, 3, mock.GetRequestCount("crm.deal.list"))
}

func TestClient_Call_FatalNotRetried(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()
	mock.SetResponse("crm.deal.get", testutil.NewErrorResponse(400, "ERROR_ARGUMENT", "ID is not defined or invalid"))

	c, err := New(testConfig(mock.WebhookURL()))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "crm.deal.get", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrorClassValidation, apiErr.ErrorClass)
	assert.Equal(t, 1, mock.GetRequestCount("crm.deal.get"))
}

func TestClient_Call_OAuthRenewsOnce(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()
	mock.SetSequence("user.current",
		testutil.NewExpiredTokenResponse(),
		testutil.NewResultResponse(map[string]any{"ID": "1"}),
	)

	tokens := &fakeTokens{token: auth.Token{AccessToken: "access-1", RefreshToken: "refresh-1"}}
	c, err := New(oauthConfig(mock, tokens))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "user.current", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, tokens.renewals)
	require.Len(t, tokens.stale, 1)
	assert.Equal(t, "access-1", tokens.stale[0].AccessToken, "renewal names the rejected token")

	requests := mock.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "access-1", requests[0].Params["auth"])
	assert.Equal(t, "access-renewed", requests[1].Params["auth"])
}

func TestClient_Call_OAuthExpiredTwice(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()
	mock.SetResponse("user.current", testutil.NewExpiredTokenResponse())

	tokens := &fakeTokens{token: auth.Token{AccessToken: "access-1", RefreshToken: "refresh-1"}}
	c, err := New(oauthConfig(mock, tokens))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "user.current", nil)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, 1, tokens.renewals)
	assert.Equal(t, 2, mock.GetRequestCount("user.current"))
}

func TestClient_Call_OAuthRenewalFails(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()
	mock.SetResponse("user.current", testutil.NewExpiredTokenResponse())

	tokens := &fakeTokens{
		token:    auth.Token{AccessToken: "access-1", RefreshToken: "refresh-1"},
		renewErr: auth.ErrRefreshRejected,
	}
	c, err := New(oauthConfig(mock, tokens))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "user.current", nil)
	assert.ErrorIs(t, err, auth.ErrRefreshRejected)
	assert.Equal(t, ErrorClassAuth, Classify(err))
	assert.Equal(t, 1, mock.GetRequestCount("user.current"))
}

func TestClient_Call_RenewsKnownExpiredTokenUpFront(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	tokens := &fakeTokens{token: auth.Token{
		AccessToken:  "access-old",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}
	c, err := New(oauthConfig(mock, tokens))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "user.current", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, tokens.renewals)
	requests := mock.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "access-renewed", requests[0].Params["auth"])
}

func TestClient_Call_OAuthUsesClientEndpoint(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	tokens := &fakeTokens{token: auth.Token{AccessToken: "access-1", ClientEndpoint: mock.URL() + "/rest/"}}
	cfg := oauthConfig(mock, tokens)
	cfg.Endpoint = ""
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "user.current", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.GetRequestCount("user.current"))
}

func TestClient_Call_OAuthWithoutEndpoint(t *testing.T) {
	tokens := &fakeTokens{token: auth.Token{AccessToken: "access-1"}}
	cfg := testConfig("")
	cfg.Tokens = tokens
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "user.current", nil)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestValidateMethod(t *testing.T) {
	assert.NoError(t, ValidateMethod("crm.deal.list"))
	assert.NoError(t, ValidateMethod("tasks.task.list"))
	assert.NoError(t, ValidateMethod("im.recent_list"))
	assert.Error(t, ValidateMethod(""))
	assert.Error(t, ValidateMethod("crm/deal"))
	assert.Error(t, ValidateMethod("crm.deal.list?start=0"))
}
