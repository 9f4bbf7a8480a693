// Package batch executes many Bitrix24 REST calls through the batch method.
//
// Commands are registered on a Collection under unique keys. The Executor
// splits the collection into chunks of at most 50 commands, sends one batch
// call per chunk through the client (retries and token renewal included) and
// yields one outcome per command in registration order.
//
// A command that fails on its own yields a *PerCommandError and iteration
// continues. A chunk that cannot be dispatched at all yields one terminal
// error; outcomes already yielded stay valid.
//
//	commands := batch.NewCollection()
//	commands.Add(batch.Command{Key: "deal", Method: "crm.deal.get", Params: map[string]any{"id": 7}})
//	for res, err := range executor.Execute(ctx, commands) {
//		...
//	}
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/Sternrassler/b24-client/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for batch execution.
var (
	b24BatchChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_batch_chunks_total",
		Help: "Total number of batch chunks dispatched by status",
	}, []string{"status"})

	b24BatchCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_batch_commands_total",
		Help: "Total number of batch commands by outcome",
	}, []string{"outcome"})
)

// batchMethod is the REST method carrying a chunk.
const batchMethod = "batch"

// Config holds executor configuration.
type Config struct {
	// ChunkSize is the number of commands per batch call, at most MaxBatchSize.
	ChunkSize int

	// Halt asks the server to stop a chunk at its first failing command.
	// Commands after it come back as ErrMissingResult.
	Halt bool

	// Logger is the log sink. Defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize: MaxBatchSize,
	}
}

// Result is the outcome of one command. On a per-command failure Response is nil.
type Result struct {
	Key      string
	Method   string
	Response *client.Response
}

// Decode unmarshals the command's result payload into v.
func (r Result) Decode(v any) error {
	return r.Response.Decode(v)
}

// PerCommandError is the failure of a single command inside a dispatched chunk.
type PerCommandError struct {
	Key    string
	Method string
	Err    error
}

// Error implements the error interface.
func (e *PerCommandError) Error() string {
	return fmt.Sprintf("batch command %s (%s): %v", e.Key, e.Method, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PerCommandError) Unwrap() error {
	return e.Err
}

// Executor dispatches command collections as sequential batch calls.
type Executor struct {
	caller client.Caller
	config Config
	logger zerolog.Logger
}

// NewExecutor creates an executor sending batch calls through caller.
func NewExecutor(caller client.Caller, config Config) *Executor {
	if config.ChunkSize <= 0 || config.ChunkSize > MaxBatchSize {
		config.ChunkSize = MaxBatchSize
	}

	var logger zerolog.Logger
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "b24-batch").Logger()
	} else {
		logger = log.With().Str("component", "b24-batch").Logger()
	}

	return &Executor{
		caller: caller,
		config: config,
		logger: logger,
	}
}

// Execute returns a lazy sequence of per-command outcomes in registration
// order. Chunks are dispatched one at a time as the sequence is consumed;
// stopping the range loop stops dispatch.
func (e *Executor) Execute(ctx context.Context, commands *Collection) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		chunks := commands.chunks(e.config.ChunkSize)
		for i, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				yield(Result{}, fmt.Errorf("%w: %v", client.ErrContextCancelled, err))
				return
			}

			start := time.Now()
			outcomes, err := e.dispatch(ctx, chunk)
			if err != nil {
				b24BatchChunksTotal.WithLabelValues("failed").Inc()
				e.logger.Error().
					Err(err).
					Int("chunk", i).
					Int("chunks", len(chunks)).
					Int("commands", len(chunk)).
					Msg("Batch chunk failed")
				yield(Result{}, fmt.Errorf("batch chunk %d of %d: %w", i+1, len(chunks), err))
				return
			}
			b24BatchChunksTotal.WithLabelValues("ok").Inc()
			e.logger.Debug().
				Int("chunk", i).
				Int("commands", len(chunk)).
				Dur("duration", time.Since(start)).
				Msg("Batch chunk completed")

			for _, out := range outcomes {
				if !yield(out.result, out.err) {
					return
				}
			}
		}
	}
}

type outcome struct {
	result Result
	err    error
}

// dispatch sends one chunk and maps the response back onto its commands, in order.
func (e *Executor) dispatch(ctx context.Context, chunk []Command) ([]outcome, error) {
	cmd := make(map[string]string, len(chunk))
	for _, c := range chunk {
		cmd[c.Key] = c.encode()
	}
	halt := 0
	if e.config.Halt {
		halt = 1
	}

	resp, err := e.caller.Call(ctx, batchMethod, map[string]any{
		"halt": halt,
		"cmd":  cmd,
	})
	if err != nil {
		return nil, err
	}

	var body chunkResponse
	if err := resp.Decode(&body); err != nil {
		return nil, &client.TransportError{
			ErrorClass: client.ErrorClassServer,
			Message:    "invalid batch response",
			Err:        err,
		}
	}

	outcomes := make([]outcome, len(chunk))
	for i, c := range chunk {
		outcomes[i] = body.outcome(c)
		switch {
		case outcomes[i].err == nil:
			b24BatchCommandsTotal.WithLabelValues("ok").Inc()
		case errors.Is(outcomes[i].err, ErrMissingResult):
			b24BatchCommandsTotal.WithLabelValues("missing").Inc()
		default:
			b24BatchCommandsTotal.WithLabelValues("error").Inc()
		}
	}
	return outcomes, nil
}

// chunkResponse is the "result" payload of a batch call.
type chunkResponse struct {
	Result      keyedValues `json:"result"`
	ResultError keyedValues `json:"result_error"`
	ResultTotal keyedValues `json:"result_total"`
	ResultNext  keyedValues `json:"result_next"`
	ResultTime  keyedValues `json:"result_time"`
}

func (b *chunkResponse) outcome(c Command) outcome {
	res := Result{Key: c.Key, Method: c.Method}

	if raw, ok := b.ResultError[c.Key]; ok && !isNull(raw) {
		return outcome{result: res, err: &PerCommandError{Key: c.Key, Method: c.Method, Err: commandError(raw)}}
	}

	raw, ok := b.Result[c.Key]
	if !ok {
		return outcome{result: res, err: &PerCommandError{Key: c.Key, Method: c.Method, Err: ErrMissingResult}}
	}

	res.Response = &client.Response{
		Result: raw,
		Total:  client.DecodeCount(b.ResultTotal[c.Key]),
		Next:   client.DecodeCount(b.ResultNext[c.Key]),
	}
	if rawTime, ok := b.ResultTime[c.Key]; ok && !isNull(rawTime) {
		var t client.Time
		if err := json.Unmarshal(rawTime, &t); err == nil {
			res.Response.Time = &t
		}
	}
	return outcome{result: res}
}

// commandError decodes a result_error entry into an APIError.
func commandError(raw json.RawMessage) error {
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		// Older portals report a bare string.
		var msg string
		if json.Unmarshal(raw, &msg) == nil && msg != "" {
			body.Error = msg
		} else {
			body.Error = string(raw)
		}
	}
	return &client.APIError{
		Code:        body.Error,
		Description: body.ErrorDescription,
		ErrorClass:  client.ClassForCode(body.Error, 0),
	}
}

// keyedValues decodes a per-command map. PHP encodes a map with keys 0..n-1
// as a JSON array, and an empty map as [], so both forms are accepted.
type keyedValues map[string]json.RawMessage

// UnmarshalJSON implements json.Unmarshaler.
func (k *keyedValues) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || isNull(trimmed) {
		*k = nil
		return nil
	}

	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		m := make(keyedValues, len(list))
		for i, v := range list {
			m[strconv.Itoa(i)] = v
		}
		*k = m
		return nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return err
	}
	*k = m
	return nil
}

func isNull(raw []byte) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
