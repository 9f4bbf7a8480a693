package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is an untyped entity as returned by list and get methods, with
// explicit accessors that coerce Bitrix24's loosely typed field values.
type Record map[string]json.RawMessage

// Has reports whether the field is present and not null.
func (r Record) Has(field string) bool {
	raw, ok := r[field]
	return ok && string(raw) != "null"
}

// String returns the field as a string. Numbers are formatted as written.
func (r Record) String(field string) (string, error) {
	raw, ok := r[field]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("field %s: not a string: %s", field, raw)
}

// Int64 returns the field as an integer. Numeric strings are accepted.
func (r Record) Int64(field string) (int64, error) {
	s, err := r.String(field)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return n, nil
}

// Float64 returns the field as a float. Numeric strings are accepted.
func (r Record) Float64(field string) (float64, error) {
	s, err := r.String(field)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return f, nil
}

// Bool returns the field as a boolean. Bitrix24 encodes flags as "Y"/"N".
func (r Record) Bool(field string) (bool, error) {
	raw, ok := r[field]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	s, err := r.String(field)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(s) {
	case "Y", "1", "TRUE":
		return true, nil
	case "N", "0", "FALSE", "":
		return false, nil
	}
	return false, fmt.Errorf("field %s: not a flag: %q", field, s)
}

// Time returns the field parsed as an RFC 3339 timestamp (Bitrix24's ATOM format).
func (r Record) Time(field string) (time.Time, error) {
	s, err := r.String(field)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", field, err)
	}
	return t, nil
}
