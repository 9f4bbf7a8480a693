// Package metrics documents the Prometheus metrics of the Bitrix24 client.
// Metrics are defined with promauto in the packages that record them
// (client, batch, pagination, auth, ratelimit, tokenstore) so that no
// package has to import another just to count.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gatherer collects the client metrics. promauto registers them with the
// default registry, so this is the default gatherer.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler exposing the client metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Names lists every metric family the client registers.
var Names = []string{
	"b24_requests_total",
	"b24_request_duration_seconds",
	"b24_errors_total",
	"b24_retries_total",
	"b24_retry_backoff_seconds",
	"b24_retry_exhausted_total",
	"b24_batch_chunks_total",
	"b24_batch_commands_total",
	"b24_pages_total",
	"b24_token_renewals_total",
	"b24_operating_seconds",
	"b24_operating_blocks_total",
	"b24_operating_throttles_total",
	"b24_tokenstore_errors_total",
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - b24_requests_total{method, status} (Counter): logical calls by method; status is "ok" or the error class
//   - b24_request_duration_seconds{method} (Histogram): call duration including retries
//   - b24_errors_total{class} (Counter): failed calls by error class
//
// Retry Metrics (pkg/client):
//   - b24_retries_total{error_class} (Counter): retry attempts by error class
//   - b24_retry_backoff_seconds{error_class} (Histogram): backoff duration by error class
//   - b24_retry_exhausted_total{error_class} (Counter): calls that exhausted their attempts
//
// Batch Metrics (pkg/batch):
//   - b24_batch_chunks_total{status} (Counter): batch calls, "ok" or "failed"
//   - b24_batch_commands_total{outcome} (Counter): commands by "ok", "error" or "missing"
//
// Pagination Metrics (pkg/pagination):
//   - b24_pages_total{mode} (Counter): list pages fetched, "offset" or "id"
//
// Auth Metrics (pkg/auth, pkg/tokenstore):
//   - b24_token_renewals_total{outcome} (Counter): renewed, already_renewed, failed, store_error
//   - b24_tokenstore_errors_total{operation} (Counter): Redis token store errors
//
// Operating Limit Metrics (pkg/ratelimit):
//   - b24_operating_seconds{method} (Gauge): operating time used in the current window
//   - b24_operating_blocks_total (Counter): calls blocked until the window reset
//   - b24_operating_throttles_total (Counter): calls delayed in the warning band
//
// Example Prometheus Queries:
//
//   # Error Rate by Class
//   sum by (class) (rate(b24_errors_total[5m]))
//
//   # Methods Close to the Operating Limit
//   b24_operating_seconds > 400
//
//   # P95 Call Latency
//   histogram_quantile(0.95, rate(b24_request_duration_seconds_bucket[5m]))
//
//   # Commands Failing Inside Batches
//   rate(b24_batch_commands_total{outcome!="ok"}[5m])
