package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// DefaultTokenURL is the Bitrix24 OAuth server token endpoint.
const DefaultTokenURL = "https://oauth.bitrix.info/oauth/token/"

// Exchanger trades the refresh token of current for a new token.
type Exchanger interface {
	Exchange(ctx context.Context, current Token) (Token, error)
}

// OAuthConfig configures an OAuthExchanger.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string

	// TokenURL defaults to DefaultTokenURL.
	TokenURL string

	// HTTPClient is used for the token request when set.
	HTTPClient *http.Client
}

// OAuthExchanger performs the refresh_token grant against the token endpoint.
type OAuthExchanger struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthExchanger creates an exchanger for one application.
func NewOAuthExchanger(cfg OAuthConfig) *OAuthExchanger {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &OAuthExchanger{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: cfg.HTTPClient,
	}
}

// Exchange POSTs grant_type=refresh_token and maps the reply, including the
// Bitrix24 extras, onto a Token.
func (e *OAuthExchanger) Exchange(ctx context.Context, current Token) (Token, error) {
	if strings.TrimSpace(current.RefreshToken) == "" {
		return Token{}, ErrNoRefreshToken
	}
	if e.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	}

	// An empty access token makes the source refresh immediately.
	src := e.config.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			return Token{}, fmt.Errorf("%w: %s", ErrRefreshRejected, retrieveErrorCode(retrieveErr))
		}
		return Token{}, fmt.Errorf("refresh token exchange: %w", err)
	}

	fresh := Token{
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		ExpiresAt:      tok.Expiry,
		ClientEndpoint: extraString(tok, "client_endpoint"),
		Domain:         extraString(tok, "domain"),
		MemberID:       extraString(tok, "member_id"),
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = current.RefreshToken
	}
	if fresh.ClientEndpoint == "" {
		fresh.ClientEndpoint = current.ClientEndpoint
	}
	if fresh.Domain == "" {
		fresh.Domain = current.Domain
	}
	if fresh.MemberID == "" {
		fresh.MemberID = current.MemberID
	}
	return fresh, nil
}

func extraString(tok *oauth2.Token, key string) string {
	if v, ok := tok.Extra(key).(string); ok {
		return v
	}
	return ""
}

func retrieveErrorCode(err *oauth2.RetrieveError) string {
	if err.ErrorCode != "" {
		return err.ErrorCode
	}
	return err.Response.Status
}
