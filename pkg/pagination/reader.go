package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"time"

	"github.com/Sternrassler/b24-client/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var b24PagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "b24_pages_total",
	Help: "Total number of list pages fetched by traversal mode",
}, []string{"mode"})

// PageSize is the fixed page size of Bitrix24 list methods.
const PageSize = 50

// Config holds reader configuration.
type Config struct {
	// ItemsKey names the array inside an object-shaped result, e.g. "tasks".
	// When empty, a result that is an array or an object with exactly one
	// array field is accepted.
	ItemsKey string

	// IDField is the item field ReadByID advances on. Defaults to "ID",
	// falling back to "id".
	IDField string

	// Logger is the log sink. Defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default reader configuration.
func DefaultConfig() Config {
	return Config{
		IDField: "ID",
	}
}

// Reader walks Bitrix24 list methods page by page.
type Reader struct {
	caller client.Caller
	config Config
	logger zerolog.Logger
}

// NewReader creates a reader issuing page requests through caller.
func NewReader(caller client.Caller, config Config) *Reader {
	if config.IDField == "" {
		config.IDField = "ID"
	}

	var logger zerolog.Logger
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "b24-pagination").Logger()
	} else {
		logger = log.With().Str("component", "b24-pagination").Logger()
	}

	return &Reader{
		caller: caller,
		config: config,
		logger: logger,
	}
}

// Read returns every item of a list method as a lazy sequence. Pages are
// requested strictly one after another, each at the previous page's "next"
// offset, until the cursor is exhausted or a page comes back empty.
//
// A failed page ends the sequence with its error. Ranging over the returned
// sequence again starts a fresh traversal at offset 0.
func (r *Reader) Read(ctx context.Context, method string, params map[string]any) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		start := 0
		pages := 0
		items := 0
		begin := time.Now()

		for {
			pageParams := maps.Clone(params)
			if pageParams == nil {
				pageParams = make(map[string]any, 1)
			}
			pageParams["start"] = start

			resp, err := r.caller.Call(ctx, method, pageParams)
			if err != nil {
				r.logger.Warn().
					Err(err).
					Str("method", method).
					Int("start", start).
					Int("pages", pages).
					Msg("Page fetch failed")
				yield(nil, fmt.Errorf("read %s at offset %d: %w", method, start, err))
				return
			}
			pages++
			b24PagesTotal.WithLabelValues("offset").Inc()

			page, err := extractItems(resp.Result, r.config.ItemsKey)
			if err != nil {
				yield(nil, fmt.Errorf("read %s at offset %d: %w", method, start, err))
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			items += len(page)

			if len(page) == 0 || !resp.HasMore() {
				break
			}
			if *resp.Next <= start {
				yield(nil, fmt.Errorf("read %s: cursor did not advance past offset %d", method, start))
				return
			}
			start = *resp.Next
		}

		r.logger.Debug().
			Str("method", method).
			Int("pages", pages).
			Int("items", items).
			Dur("duration", time.Since(begin)).
			Msg("List read complete")
	}
}

// ReadByID walks a list method in ascending ID order using an ID filter
// instead of offsets, with start=-1 so the server skips counting the total.
// It is much cheaper than Read on large collections. Any "order" parameter
// is replaced; an existing "filter" map is kept and extended.
func (r *Reader) ReadByID(ctx context.Context, method string, params map[string]any) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		baseFilter := map[string]any{}
		switch f := params["filter"].(type) {
		case nil:
		case map[string]any:
			baseFilter = f
		default:
			yield(nil, &client.ConfigError{Field: "filter", Reason: fmt.Sprintf("must be a map, got %T", f)})
			return
		}

		var lastID int64
		for {
			filter := maps.Clone(baseFilter)
			filter[">"+r.config.IDField] = lastID

			pageParams := maps.Clone(params)
			if pageParams == nil {
				pageParams = make(map[string]any, 3)
			}
			pageParams["filter"] = filter
			pageParams["order"] = map[string]any{r.config.IDField: "ASC"}
			pageParams["start"] = -1

			resp, err := r.caller.Call(ctx, method, pageParams)
			if err != nil {
				yield(nil, fmt.Errorf("read %s after id %d: %w", method, lastID, err))
				return
			}
			b24PagesTotal.WithLabelValues("id").Inc()

			page, err := extractItems(resp.Result, r.config.ItemsKey)
			if err != nil {
				yield(nil, fmt.Errorf("read %s after id %d: %w", method, lastID, err))
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			if len(page) < PageSize {
				return
			}

			id, err := r.itemID(page[len(page)-1])
			if err != nil {
				yield(nil, fmt.Errorf("read %s: %w", method, err))
				return
			}
			if id <= lastID {
				yield(nil, fmt.Errorf("read %s: id did not advance past %d", method, lastID))
				return
			}
			lastID = id
		}
	}
}

func (r *Reader) itemID(raw json.RawMessage) (int64, error) {
	var record client.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return 0, fmt.Errorf("decode item: %w", err)
	}
	for _, field := range []string{r.config.IDField, "ID", "id"} {
		if record.Has(field) {
			return record.Int64(field)
		}
	}
	return 0, fmt.Errorf("item has no %s field", r.config.IDField)
}

// Decode maps a raw item sequence onto T. An item that fails to decode yields
// its error and iteration continues; a terminal error is passed through.
func Decode[T any](seq iter.Seq2[json.RawMessage, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for raw, err := range seq {
			var item T
			if err == nil {
				if decodeErr := json.Unmarshal(raw, &item); decodeErr != nil {
					err = fmt.Errorf("decode item: %w", decodeErr)
				}
			}
			if !yield(item, err) {
				return
			}
		}
	}
}
