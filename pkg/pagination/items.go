package pagination

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// extractItems returns the items of one list page. List methods answer either
// with a bare array or with an object wrapping one (tasks.task.list → "tasks",
// crm.item.list → "items").
func extractItems(result json.RawMessage, itemsKey string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		return items, nil

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		if itemsKey != "" {
			raw, ok := fields[itemsKey]
			if !ok {
				return nil, fmt.Errorf("page has no %q field", itemsKey)
			}
			return extractItems(raw, "")
		}

		var found []json.RawMessage
		arrays := 0
		for _, raw := range fields {
			raw = bytes.TrimSpace(raw)
			if len(raw) > 0 && raw[0] == '[' {
				arrays++
				if err := json.Unmarshal(raw, &found); err != nil {
					return nil, fmt.Errorf("decode page: %w", err)
				}
			}
		}
		switch arrays {
		case 1:
			return found, nil
		case 0:
			return keyedItems(fields)
		default:
			return nil, fmt.Errorf("page has %d array fields, set ItemsKey", arrays)
		}
	}

	return nil, fmt.Errorf("page result is not a list: %.40s", trimmed)
}

// keyedItems handles a page encoded as an object of objects, which PHP emits
// for arrays with non-sequential keys. Items keep numeric key order.
func keyedItems(fields map[string]json.RawMessage) ([]json.RawMessage, error) {
	keys := slices.SortedFunc(maps.Keys(fields), func(a, b string) int {
		na, errA := strconv.Atoi(a)
		nb, errB := strconv.Atoi(b)
		if errA == nil && errB == nil {
			return cmp.Compare(na, nb)
		}
		return cmp.Compare(a, b)
	})

	items := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		raw := bytes.TrimSpace(fields[key])
		if len(raw) == 0 || raw[0] != '{' {
			return nil, fmt.Errorf("page field %q is not an item", key)
		}
		items = append(items, raw)
	}
	return items, nil
}
