package batch

import (
	"context"
	"errors"
	"iter"

	"github.com/Sternrassler/b24-client/pkg/client"
)

// Batch collects commands for one submission through an Executor.
type Batch struct {
	executor *Executor
	commands *Collection
}

// New returns an empty batch bound to executor.
func New(executor *Executor) *Batch {
	return &Batch{
		executor: executor,
		commands: NewCollection(),
	}
}

// Add registers a command under a generated key and returns the key.
func (b *Batch) Add(method string, params map[string]any) (string, error) {
	return b.commands.Add(Command{Method: method, Params: params})
}

// AddNamed registers a command under key.
func (b *Batch) AddNamed(key, method string, params map[string]any) error {
	if key == "" {
		return &client.ConfigError{Field: "command key", Reason: "must not be empty"}
	}
	_, err := b.commands.Add(Command{Key: key, Method: method, Params: params})
	return err
}

// Len returns the number of registered commands.
func (b *Batch) Len() int {
	return b.commands.Len()
}

// Results executes the batch. See Executor.Execute.
func (b *Batch) Results(ctx context.Context) iter.Seq2[Result, error] {
	return b.executor.Execute(ctx, b.commands)
}

// Collect drains seq. Successful results are returned in order; per-command
// failures and a terminal failure are joined into the error.
func Collect(seq iter.Seq2[Result, error]) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for res, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
