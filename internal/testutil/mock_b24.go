// Package testutil provides testing utilities for the Bitrix24 client.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WebhookPath is the path prefix of the mock's webhook URL.
const WebhookPath = "/rest/1/secret/"

// MockResponse defines the behavior for a mock REST method response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is one request received by the mock.
type RecordedRequest struct {
	Method string
	Params map[string]any
	Header http.Header
}

// MockB24 is a configurable mock Bitrix24 portal for testing.
// Handlers are registered per REST method name.
type MockB24 struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request, params map[string]any)
	requests []RecordedRequest
}

// NewMockB24 creates a new mock portal.
func NewMockB24() *MockB24 {
	mock := &MockB24{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request, params map[string]any)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.Trim(strings.TrimPrefix(r.URL.Path, WebhookPath), "/")
		if idx := strings.LastIndex(method, "/"); idx >= 0 {
			// OAuth mode: any prefix, the method is the last segment.
			method = method[idx+1:]
		}

		params := map[string]any{}
		if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
			_ = json.Unmarshal(body, &params)
		}

		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method: method,
			Params: params,
			Header: r.Header.Clone(),
		})
		handler, exists := mock.handlers[method]
		mock.mu.Unlock()

		if exists {
			handler(w, r, params)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server root URL.
func (m *MockB24) URL() string {
	return m.server.URL
}

// WebhookURL returns a webhook base URL served by the mock.
func (m *MockB24) WebhookURL() string {
	return m.server.URL + WebhookPath
}

// Close shuts down the mock server.
func (m *MockB24) Close() {
	m.server.Close()
}

// Reset clears the recorded requests.
func (m *MockB24) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// SetHandler sets a custom handler for a REST method. params is the decoded JSON body.
func (m *MockB24) SetHandler(method string, handler func(w http.ResponseWriter, r *http.Request, params map[string]any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

// SetResponse configures a fixed response for a REST method.
func (m *MockB24) SetResponse(method string, resp MockResponse) {
	m.SetHandler(method, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeResponse(w, resp)
	})
}

// SetSequence answers successive calls of method with resps in order,
// repeating the last one once the sequence is used up.
func (m *MockB24) SetSequence(method string, resps ...MockResponse) {
	var mu sync.Mutex
	calls := 0
	m.SetHandler(method, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		mu.Lock()
		resp := resps[min(calls, len(resps)-1)]
		calls++
		mu.Unlock()
		writeResponse(w, resp)
	})
}

// Requests returns a copy of all recorded requests.
func (m *MockB24) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// GetRequestCount returns the number of requests made for method, or for all
// methods when method is empty.
func (m *MockB24) GetRequestCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if method == "" {
		return len(m.requests)
	}
	n := 0
	for _, req := range m.requests {
		if req.Method == method {
			n++
		}
	}
	return n
}

func (m *MockB24) defaultHandler(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, NewResultResponse(true))
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// timeBlock is a plausible "time" telemetry block.
func timeBlock(operating float64, resetAt time.Time) map[string]any {
	now := float64(time.Now().UnixNano()) / 1e9
	block := map[string]any{
		"start":      now,
		"finish":     now + 0.01,
		"duration":   0.01,
		"processing": 0.005,
		"date_start": time.Now().Format(time.RFC3339),
		"operating":  operating,
	}
	if !resetAt.IsZero() {
		block["operating_reset_at"] = resetAt.Unix()
	}
	return block
}

// NewResultResponse creates a 200 OK response carrying result.
func NewResultResponse(result any) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"result": result,
		"time":   timeBlock(0, time.Time{}),
	})
	return MockResponse{StatusCode: http.StatusOK, Body: string(body)}
}

// NewOperatingResponse creates a 200 OK response reporting operating time.
func NewOperatingResponse(result any, operating float64, resetAt time.Time) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"result": result,
		"time":   timeBlock(operating, resetAt),
	})
	return MockResponse{StatusCode: http.StatusOK, Body: string(body)}
}

// NewPageResponse creates a list page. next < 0 omits the cursor.
func NewPageResponse(items any, next, total int) MockResponse {
	payload := map[string]any{
		"result": items,
		"total":  total,
		"time":   timeBlock(0, time.Time{}),
	}
	if next >= 0 {
		payload["next"] = next
	}
	body, _ := json.Marshal(payload)
	return MockResponse{StatusCode: http.StatusOK, Body: string(body)}
}

// NewErrorResponse creates a structured Bitrix24 error response.
func NewErrorResponse(status int, code, description string) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"error":             code,
		"error_description": description,
	})
	return MockResponse{StatusCode: status, Body: string(body)}
}

// NewExpiredTokenResponse creates the 401 expired_token response.
func NewExpiredTokenResponse() MockResponse {
	return NewErrorResponse(http.StatusUnauthorized, "expired_token", "The access token provided has expired.")
}

// NewRateLimitResponse creates a 503 QUERY_LIMIT_EXCEEDED response.
func NewRateLimitResponse() MockResponse {
	return NewErrorResponse(http.StatusServiceUnavailable, "QUERY_LIMIT_EXCEEDED", "Too many requests")
}

// NewServerErrorResponse creates a 500 response without a structured body.
func NewServerErrorResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusInternalServerError, Body: "<html>Internal Server Error</html>"}
}

// ListHandler serves total sequential items {"ID": n} from a list method
// with Bitrix24's offset pagination: pageSize items per page starting at
// the "start" parameter.
func ListHandler(total, pageSize int) func(w http.ResponseWriter, r *http.Request, params map[string]any) {
	return func(w http.ResponseWriter, _ *http.Request, params map[string]any) {
		start := intParam(params["start"])
		end := min(start+pageSize, total)
		items := make([]map[string]any, 0, pageSize)
		for id := start + 1; id <= end; id++ {
			items = append(items, map[string]any{"ID": strconv.Itoa(id)})
		}
		next := -1
		if end < total {
			next = end
		}
		writeResponse(w, NewPageResponse(items, next, total))
	}
}

// CommandFunc answers one batch command. A non-empty errorCode fails the command.
type CommandFunc func(method string, query url.Values) (result any, errorCode string)

// BatchHandler serves the batch method by answering every command with fn.
// Result keys are written in reverse key order to exercise re-ordering.
func BatchHandler(fn CommandFunc) func(w http.ResponseWriter, r *http.Request, params map[string]any) {
	return func(w http.ResponseWriter, _ *http.Request, params map[string]any) {
		cmd, _ := params["cmd"].(map[string]any)
		halt := intParam(params["halt"]) == 1

		keys := make([]string, 0, len(cmd))
		for key := range cmd {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		results := map[string]json.RawMessage{}
		errs := map[string]json.RawMessage{}
		for _, key := range keys {
			raw, _ := cmd[key].(string)
			method, rawQuery, _ := strings.Cut(raw, "?")
			query, _ := url.ParseQuery(rawQuery)
			result, code := fn(method, query)
			if code != "" {
				errs[key], _ = json.Marshal(map[string]string{
					"error":             code,
					"error_description": "command " + key + " failed",
				})
				if halt {
					break
				}
				continue
			}
			results[key], _ = json.Marshal(result)
		}

		body := fmt.Sprintf(`{"result":{"result":%s,"result_error":%s,"result_total":[],"result_next":[],"result_time":[]},"time":{"operating":0}}`,
			reverseObject(results), reverseObject(errs))
		writeResponse(w, MockResponse{StatusCode: http.StatusOK, Body: body})
	}
}

// reverseObject encodes m as a JSON object with keys in descending order,
// or as [] when empty, the way PHP encodes an empty map.
func reverseObject(m map[string]json.RawMessage) string {
	if len(m) == 0 {
		return "[]"
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	var b strings.Builder
	b.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		b.Write(k)
		b.WriteByte(':')
		b.Write(m[key])
	}
	b.WriteByte('}')
	return b.String()
}

func intParam(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
