package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Response is the decoded envelope of one REST method call.
type Response struct {
	// Result is the raw "result" payload.
	Result json.RawMessage `json:"result"`

	// Total is the full collection size reported by list methods.
	Total *int `json:"total,omitempty"`

	// Next is the offset of the next page reported by list methods.
	Next *int `json:"next,omitempty"`

	// Time is the request timing telemetry.
	Time *Time `json:"time,omitempty"`
}

// HasMore reports whether a list response points at a further page.
func (r *Response) HasMore() bool {
	if r == nil || r.Next == nil {
		return false
	}
	if r.Total != nil && *r.Next >= *r.Total {
		return false
	}
	return true
}

// Decode unmarshals the result payload into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Result) == 0 {
		return fmt.Errorf("decode result: empty response")
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// Decode unmarshals the result payload of r into a T.
func Decode[T any](r *Response) (T, error) {
	var out T
	err := r.Decode(&out)
	return out, err
}

// Time is the "time" block Bitrix24 attaches to every response.
type Time struct {
	Start      float64 `json:"start"`
	Finish     float64 `json:"finish"`
	Duration   float64 `json:"duration"`
	Processing float64 `json:"processing"`
	DateStart  string  `json:"date_start"`
	DateFinish string  `json:"date_finish"`

	// Operating is the seconds of server time the method has consumed in the
	// current limit window.
	Operating float64 `json:"operating"`

	// OperatingResetAt is the unix time the operating window resets.
	OperatingResetAt int64 `json:"operating_reset_at"`
}

// ResetAt returns OperatingResetAt as a time.Time (zero when absent).
func (t *Time) ResetAt() time.Time {
	if t == nil || t.OperatingResetAt == 0 {
		return time.Time{}
	}
	return time.Unix(t.OperatingResetAt, 0)
}

// envelope is the wire shape of a single-call response body.
type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Total            json.RawMessage `json:"total"`
	Next             json.RawMessage `json:"next"`
	Time             *Time           `json:"time"`
}

func (e *envelope) response() *Response {
	return &Response{
		Result: e.Result,
		Total:  DecodeCount(e.Total),
		Next:   DecodeCount(e.Next),
		Time:   e.Time,
	}
}

// DecodeCount reads a "total" or "next" value, which portals send either as
// a JSON number or as a numeric string. Anything else yields nil.
func DecodeCount(raw json.RawMessage) *int {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	var n int
	if err := json.Unmarshal(trimmed, &n); err == nil {
		return &n
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return &n
		}
	}
	return nil
}
