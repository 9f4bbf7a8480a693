package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/b24-client/internal/testutil"
	"github.com/Sternrassler/b24-client/pkg/client"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pageCaller answers list calls with respond and records their params.
type pageCaller struct {
	calls   []map[string]any
	respond func(params map[string]any) (*client.Response, error)
}

func (p *pageCaller) Call(_ context.Context, _ string, params map[string]any) (*client.Response, error) {
	p.calls = append(p.calls, params)
	return p.respond(params)
}

func newTestReader(caller client.Caller) *Reader {
	logger := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.Logger = &logger
	return NewReader(caller, cfg)
}

func newMockReader(t *testing.T, total int) (*Reader, *testutil.MockB24) {
	t.Helper()
	mock := testutil.NewMockB24()
	t.Cleanup(mock.Close)
	mock.SetHandler("crm.deal.list", testutil.ListHandler(total, PageSize))

	logger := zerolog.Nop()
	cfg := client.DefaultConfig(mock.WebhookURL(), "b24-client-test/1.0")
	cfg.RequestsPerSecond = 0
	cfg.Retry = client.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	cfg.Logger = &logger
	c, err := client.New(cfg)
	require.NoError(t, err)

	return newTestReader(c), mock
}

func idsOf(t *testing.T, seq func(yield func(json.RawMessage, error) bool)) []int64 {
	t.Helper()
	var ids []int64
	for raw, err := range seq {
		require.NoError(t, err)
		var record client.Record
		require.NoError(t, json.Unmarshal(raw, &record))
		id, err := record.Int64("ID")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestReader_Read(t *testing.T) {
	tests := []struct {
		total    int
		requests int
	}{
		{0, 1},
		{1, 1},
		{50, 1},
		{51, 2},
		{120, 3},
		{200, 4},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d items", tt.total), func(t *testing.T) {
			reader, mock := newMockReader(t, tt.total)

			ids := idsOf(t, reader.Read(context.Background(), "crm.deal.list", map[string]any{"select": []string{"ID"}}))

			require.Len(t, ids, tt.total)
			for i, id := range ids {
				assert.Equal(t, int64(i+1), id)
			}

			requests := mock.Requests()
			require.Len(t, requests, tt.requests)
			for i, req := range requests {
				assert.Equal(t, float64(i*PageSize), req.Params["start"], "request %d start", i)
				assert.Equal(t, []any{"ID"}, req.Params["select"])
			}
		})
	}
}

func TestReader_Read_DoesNotMutateParams(t *testing.T) {
	reader, _ := newMockReader(t, 60)
	params := map[string]any{"filter": map[string]any{"STAGE_ID": "WON"}}

	idsOf(t, reader.Read(context.Background(), "crm.deal.list", params))

	assert.NotContains(t, params, "start")
}

func TestReader_Read_TerminalError(t *testing.T) {
	pageErr := &client.APIError{StatusCode: 400, Code: "ERROR_ARGUMENT", ErrorClass: client.ErrorClassValidation}
	caller := &pageCaller{respond: func(params map[string]any) (*client.Response, error) {
		if params["start"] == 50 {
			return nil, pageErr
		}
		next := 50
		items := make([]map[string]any, PageSize)
		for i := range items {
			items[i] = map[string]any{"ID": i + 1}
		}
		data, _ := json.Marshal(items)
		return &client.Response{Result: data, Next: &next}, nil
	}}

	var (
		items int
		errs  []error
	)
	for _, err := range newTestReader(caller).Read(context.Background(), "crm.deal.list", nil) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items++
	}

	assert.Equal(t, PageSize, items)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], pageErr)
	assert.Contains(t, errs[0].Error(), "at offset 50")
	assert.Len(t, caller.calls, 2)
}

func TestReader_Read_CursorMustAdvance(t *testing.T) {
	caller := &pageCaller{respond: func(map[string]any) (*client.Response, error) {
		next := 0
		return &client.Response{Result: json.RawMessage(`[{"ID":1}]`), Next: &next}, nil
	}}

	var last error
	for _, err := range newTestReader(caller).Read(context.Background(), "crm.deal.list", nil) {
		last = err
	}

	require.Error(t, last)
	assert.Contains(t, last.Error(), "cursor did not advance")
	assert.Len(t, caller.calls, 1)
}

func TestReader_Read_EarlyBreak(t *testing.T) {
	reader, mock := newMockReader(t, 500)

	seen := 0
	for _, err := range reader.Read(context.Background(), "crm.deal.list", nil) {
		require.NoError(t, err)
		seen++
		if seen == 60 {
			break
		}
	}

	assert.Equal(t, 60, seen)
	assert.Equal(t, 2, mock.GetRequestCount("crm.deal.list"))
}

func TestReader_Read_Restartable(t *testing.T) {
	reader, mock := newMockReader(t, 75)
	seq := reader.Read(context.Background(), "crm.deal.list", nil)

	first := idsOf(t, seq)
	second := idsOf(t, seq)

	assert.Equal(t, first, second)
	assert.Equal(t, 4, mock.GetRequestCount("crm.deal.list"))
}

func TestReader_Read_ItemsKey(t *testing.T) {
	caller := &pageCaller{respond: func(map[string]any) (*client.Response, error) {
		return &client.Response{Result: json.RawMessage(`{"tasks":[{"id":"1"},{"id":"2"}]}`)}, nil
	}}
	logger := zerolog.Nop()
	reader := NewReader(caller, Config{ItemsKey: "tasks", Logger: &logger})

	var items []json.RawMessage
	for item, err := range reader.Read(context.Background(), "tasks.task.list", nil) {
		require.NoError(t, err)
		items = append(items, item)
	}
	assert.Len(t, items, 2)
}

// idPages serves total items {"ID": n} for ID-filtered requests.
func idPages(total int) func(params map[string]any) (*client.Response, error) {
	return func(params map[string]any) (*client.Response, error) {
		filter := params["filter"].(map[string]any)
		after := filter[">ID"].(int64)
		var items []map[string]any
		for id := after + 1; id <= int64(total) && len(items) < PageSize; id++ {
			items = append(items, map[string]any{"ID": fmt.Sprint(id)})
		}
		data, _ := json.Marshal(items)
		return &client.Response{Result: data}, nil
	}
}

func TestReader_ReadByID(t *testing.T) {
	tests := []struct {
		total    int
		requests int
	}{
		{0, 1},
		{49, 1},
		{50, 2},
		{120, 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d items", tt.total), func(t *testing.T) {
			caller := &pageCaller{respond: idPages(tt.total)}
			params := map[string]any{"filter": map[string]any{"CATEGORY_ID": 0}}

			ids := idsOf(t, newTestReader(caller).ReadByID(context.Background(), "crm.deal.list", params))

			assert.Len(t, ids, tt.total)
			require.Len(t, caller.calls, tt.requests)
			for i, call := range caller.calls {
				assert.Equal(t, -1, call["start"])
				assert.Equal(t, map[string]any{"ID": "ASC"}, call["order"])
				filter := call["filter"].(map[string]any)
				assert.Equal(t, 0, filter["CATEGORY_ID"])
				assert.Equal(t, int64(i*PageSize), filter[">ID"])
			}
			assert.NotContains(t, params["filter"], ">ID")
		})
	}
}

func TestReader_ReadByID_InvalidFilter(t *testing.T) {
	caller := &pageCaller{respond: idPages(10)}

	var errs []error
	for _, err := range newTestReader(caller).ReadByID(context.Background(), "crm.deal.list", map[string]any{"filter": "ID>5"}) {
		errs = append(errs, err)
	}

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], client.ErrConfiguration)
	assert.Empty(t, caller.calls)
}

func TestReader_ReadByID_IDMustAdvance(t *testing.T) {
	caller := &pageCaller{respond: func(map[string]any) (*client.Response, error) {
		items := make([]map[string]any, PageSize)
		for i := range items {
			items[i] = map[string]any{"ID": "0"}
		}
		data, _ := json.Marshal(items)
		return &client.Response{Result: data}, nil
	}}

	var last error
	for _, err := range newTestReader(caller).ReadByID(context.Background(), "crm.deal.list", nil) {
		if err != nil {
			last = err
		}
	}

	require.Error(t, last)
	assert.Contains(t, last.Error(), "id did not advance")
}

type deal struct {
	ID    string `json:"ID"`
	Title string `json:"TITLE"`
}

func TestDecode(t *testing.T) {
	caller := &pageCaller{respond: func(map[string]any) (*client.Response, error) {
		return &client.Response{Result: json.RawMessage(`[{"ID":"1","TITLE":"First"},{"ID":2},{"ID":"3","TITLE":"Third"}]`)}, nil
	}}

	var (
		deals []deal
		errs  int
	)
	for d, err := range Decode[deal](newTestReader(caller).Read(context.Background(), "crm.deal.list", nil)) {
		if err != nil {
			errs++
			continue
		}
		deals = append(deals, d)
	}

	assert.Equal(t, []deal{{ID: "1", Title: "First"}, {ID: "3", Title: "Third"}}, deals)
	assert.Equal(t, 1, errs)
}

func TestDecode_PassesTerminalError(t *testing.T) {
	want := errors.New("boom")
	caller := &pageCaller{respond: func(map[string]any) (*client.Response, error) { return nil, want }}

	var got error
	for _, err := range Decode[deal](newTestReader(caller).Read(context.Background(), "crm.deal.list", nil)) {
		got = err
	}
	assert.ErrorIs(t, got, want)
}
