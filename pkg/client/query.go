package client

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BuildQuery encodes nested parameters the way PHP's http_build_query does,
// which is what the batch endpoint parses each "cmd" entry with:
//
//	{"filter": {">ID": 5}, "select": ["ID", "TITLE"]}
//	=> filter%5B%3EID%5D=5&select%5B0%5D=ID&select%5B1%5D=TITLE
//
// Map keys are sorted so the output is deterministic. Nil values are skipped,
// booleans become 1/0.
func BuildQuery(params map[string]any) string {
	pairs := make([]string, 0, len(params))
	for _, key := range sortedKeys(params) {
		pairs = appendQuery(pairs, key, reflect.ValueOf(params[key]))
	}
	return strings.Join(pairs, "&")
}

func appendQuery(pairs []string, prefix string, v reflect.Value) []string {
	if !v.IsValid() {
		return pairs
	}
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return pairs
		}
		v = v.Elem()
	}

	if t, ok := v.Interface().(time.Time); ok {
		return append(pairs, escapeKey(prefix)+"="+url.QueryEscape(t.Format(time.RFC3339)))
	}

	switch v.Kind() {
	case reflect.Map:
		keys := make([]string, 0, v.Len())
		values := make(map[string]reflect.Value, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, k)
			values[k] = iter.Value()
		}
		sort.Strings(keys)
		for _, k := range keys {
			pairs = appendQuery(pairs, prefix+"["+k+"]", values[k])
		}
		return pairs
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return append(pairs, escapeKey(prefix)+"="+url.QueryEscape(string(v.Bytes())))
		}
		for i := 0; i < v.Len(); i++ {
			pairs = appendQuery(pairs, prefix+"["+strconv.Itoa(i)+"]", v.Index(i))
		}
		return pairs
	case reflect.Bool:
		if v.Bool() {
			return append(pairs, escapeKey(prefix)+"=1")
		}
		return append(pairs, escapeKey(prefix)+"=0")
	}

	return append(pairs, escapeKey(prefix)+"="+url.QueryEscape(scalarString(v)))
}

func scalarString(v reflect.Value) string {
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	default:
		return fmt.Sprint(v.Interface())
	}
}

func escapeKey(key string) string {
	return url.QueryEscape(key)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
