package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/b24-client/pkg/client"
	"github.com/Sternrassler/b24-client/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const maxProxyBody = 1 << 20

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a local REST proxy with health and metrics endpoints",
		Long: `Serve forwards POST /rest/{method} to the portal through the client, so
callers share its pacing, retries, token renewal and operating-time limits.
GET /health, GET /ready and GET /metrics are served alongside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, err := openSession(ctx, readSettings(v))
			if err != nil {
				return err
			}
			defer sess.Close()

			srv := &http.Server{
				Addr:              v.GetString("listen"),
				Handler:           newServeMux(sess.core, sess.redis, sess.logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				sess.logger.Info().Str("addr", srv.Addr).Msg("Starting REST proxy")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			sess.logger.Info().Msg("Shutting down REST proxy")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().String("listen", ":8080", "listen address")
	v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}

func newServeMux(caller client.Caller, redisClient *redis.Client, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(redisClient))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /rest/{method}", proxyHandler(caller, logger))
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

// proxyHandler forwards the JSON body of the request as the method's params
// and answers with the portal's envelope.
func proxyHandler(caller client.Caller, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.PathValue("method")

		params := map[string]any{}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &params); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "body must be a JSON object")
				return
			}
		}

		resp, err := caller.Call(r.Context(), method, params)
		if err != nil {
			status, code, description := proxyError(err)
			logger.Warn().
				Err(err).
				Str("method", method).
				Int("status", status).
				Msg("Proxied call failed")
			writeError(w, status, code, description)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := writeResponse(w, resp); err != nil {
			logger.Error().Err(err).Str("method", method).Msg("Failed to write response")
		}
	}
}

// proxyError maps a client error onto a status code and Bitrix24 error code.
func proxyError(err error) (int, string, string) {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status == 0 {
			// Raised locally, e.g. by the operating-time tracker.
			status = http.StatusBadRequest
			if apiErr.ErrorClass == client.ErrorClassRateLimit {
				status = http.StatusServiceUnavailable
			}
		}
		return status, apiErr.Code, apiErr.Description
	}

	switch client.Classify(err) {
	case client.ErrorClassConfiguration, client.ErrorClassValidation:
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error()
	case client.ErrorClassCancelled:
		return 499, "REQUEST_CANCELLED", err.Error()
	case client.ErrorClassAuth:
		return http.StatusUnauthorized, "INVALID_TOKEN", err.Error()
	default:
		return http.StatusBadGateway, "ERROR_UNEXPECTED_ANSWER", err.Error()
	}
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
