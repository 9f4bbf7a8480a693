package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/b24-client/pkg/auth"
	"github.com/Sternrassler/b24-client/pkg/bitrix24"
	"github.com/Sternrassler/b24-client/pkg/logging"
	"github.com/Sternrassler/b24-client/pkg/tokenstore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const defaultRequestTimeout = 30 * time.Second

// settings is the resolved command configuration.
type settings struct {
	Webhook      string
	Endpoint     string
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	Domain       string
	MemberID     string
	RedisURL     string
	UserAgent    string
	RPS          float64
	Timeout      time.Duration
	LogLevel     string
	LogPretty    bool
}

func readSettings(v *viper.Viper) settings {
	return settings{
		Webhook:      v.GetString("webhook"),
		Endpoint:     v.GetString("endpoint"),
		AccessToken:  v.GetString("access-token"),
		RefreshToken: v.GetString("refresh-token"),
		ClientID:     v.GetString("client-id"),
		ClientSecret: v.GetString("client-secret"),
		Domain:       v.GetString("domain"),
		MemberID:     v.GetString("member-id"),
		RedisURL:     v.GetString("redis-url"),
		UserAgent:    v.GetString("user-agent"),
		RPS:          v.GetFloat64("rps"),
		Timeout:      v.GetDuration("timeout"),
		LogLevel:     v.GetString("log-level"),
		LogPretty:    v.GetBool("log-pretty"),
	}
}

func (s settings) oauth() bool {
	return s.AccessToken != "" || s.RefreshToken != ""
}

// session is a configured Core plus the resources it holds.
type session struct {
	core   *bitrix24.Core
	redis  *redis.Client
	logger zerolog.Logger
}

func (s *session) Close() {
	s.core.Close()
	if s.redis != nil {
		s.redis.Close()
	}
}

// openSession sets up logging, Redis and credentials and creates the Core.
func openSession(ctx context.Context, s settings) (*session, error) {
	portal := s.Domain
	if portal == "" && s.Webhook != "" {
		portal = "webhook"
	}
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(s.LogLevel),
		Pretty: s.LogPretty,
		Portal: portal,
	})

	var redisClient *redis.Client
	if s.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: s.RedisURL})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", s.RedisURL, err)
		}
		logger.Info().Str("addr", s.RedisURL).Msg("Connected to Redis")
	}

	cfg := bitrix24.DefaultConfig(s.Webhook, s.UserAgent)
	cfg.Client.RequestsPerSecond = s.RPS
	cfg.Client.RequestTimeout = s.Timeout
	cfg.Client.Redis = redisClient
	cfg.Client.Logger = &logger

	if s.oauth() {
		if s.Webhook != "" {
			closeRedis(redisClient)
			return nil, fmt.Errorf("webhook and OAuth tokens are mutually exclusive")
		}
		store, err := tokenStore(ctx, s, redisClient)
		if err != nil {
			closeRedis(redisClient)
			return nil, err
		}
		exchanger := auth.NewOAuthExchanger(auth.OAuthConfig{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
		})
		cfg.Client.Tokens = auth.NewRenewer(store, exchanger, logging.NewLogger("b24-auth"))
		cfg.Client.Endpoint = s.Endpoint
	}

	core, err := bitrix24.New(cfg)
	if err != nil {
		closeRedis(redisClient)
		return nil, err
	}

	return &session{core: core, redis: redisClient, logger: logger}, nil
}

// tokenStore returns the shared Redis store when Redis is configured, seeded
// with the configured token unless another process already stored one.
func tokenStore(ctx context.Context, s settings, redisClient *redis.Client) (auth.Store, error) {
	token := auth.Token{
		AccessToken:    s.AccessToken,
		RefreshToken:   s.RefreshToken,
		ClientEndpoint: s.Endpoint,
		Domain:         s.Domain,
		MemberID:       s.MemberID,
	}
	if redisClient == nil {
		return auth.NewMemoryStore(token), nil
	}
	if s.Domain == "" {
		return nil, fmt.Errorf("domain is required to share tokens through redis")
	}

	store := tokenstore.NewRedisStore(redisClient, tokenstore.Key{Domain: s.Domain, MemberID: s.MemberID})
	if _, err := store.Seed(ctx, token); err != nil {
		return nil, fmt.Errorf("seed token store: %w", err)
	}
	return store, nil
}

func closeRedis(c *redis.Client) {
	if c != nil {
		c.Close()
	}
}
