// Package bitrix24 is the entry point of the client: one Core per portal
// credential set, exposing single calls, batches and list traversal, plus a
// per-instance registry of resource service handles.
package bitrix24

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"

	"github.com/Sternrassler/b24-client/pkg/batch"
	"github.com/Sternrassler/b24-client/pkg/client"
	"github.com/Sternrassler/b24-client/pkg/pagination"
)

// Config holds the configuration of every layer of the Core.
type Config struct {
	Client     client.Config
	Batch      batch.Config
	Pagination pagination.Config
}

// DefaultConfig returns a safe default configuration for a webhook.
func DefaultConfig(webhookURL, userAgent string) Config {
	return Config{
		Client:     client.DefaultConfig(webhookURL, userAgent),
		Batch:      batch.DefaultConfig(),
		Pagination: pagination.DefaultConfig(),
	}
}

// Core is the facade over the REST client.
type Core struct {
	caller   client.Caller
	client   *client.Client
	executor *batch.Executor
	reader   *pagination.Reader

	mu       sync.Mutex
	services map[string]*service
}

type service struct {
	once  sync.Once
	value any
}

// New creates a Core and its client.
func New(cfg Config) (*Core, error) {
	c, err := client.New(cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	core := NewWithCaller(c, cfg)
	core.client = c
	return core, nil
}

// NewWithCaller creates a Core on top of an existing caller. Only the Batch
// and Pagination parts of cfg are used; Logger defaults are taken from
// cfg.Client.Logger when unset.
func NewWithCaller(caller client.Caller, cfg Config) *Core {
	if cfg.Batch.Logger == nil {
		cfg.Batch.Logger = cfg.Client.Logger
	}
	if cfg.Pagination.Logger == nil {
		cfg.Pagination.Logger = cfg.Client.Logger
	}
	return &Core{
		caller:   caller,
		executor: batch.NewExecutor(caller, cfg.Batch),
		reader:   pagination.NewReader(caller, cfg.Pagination),
		services: make(map[string]*service),
	}
}

// Call performs one REST method call.
func (c *Core) Call(ctx context.Context, method string, params map[string]any) (*client.Response, error) {
	return c.caller.Call(ctx, method, params)
}

// NewBatch returns an empty batch bound to this Core.
func (c *Core) NewBatch() *batch.Batch {
	return batch.New(c.executor)
}

// Execute runs a prepared command collection.
func (c *Core) Execute(ctx context.Context, commands *batch.Collection) iter.Seq2[batch.Result, error] {
	return c.executor.Execute(ctx, commands)
}

// Items returns every item of a list method as a lazy sequence.
func (c *Core) Items(ctx context.Context, method string, params map[string]any) iter.Seq2[json.RawMessage, error] {
	return c.reader.Read(ctx, method, params)
}

// ItemsByID is Items using ID-ordered traversal. See pagination.Reader.ReadByID.
func (c *Core) ItemsByID(ctx context.Context, method string, params map[string]any) iter.Seq2[json.RawMessage, error] {
	return c.reader.ReadByID(ctx, method, params)
}

// Service returns the handle registered under name, building it with build
// on first use. Handles live as long as the Core; build runs at most once
// per name even under concurrent access.
func (c *Core) Service(name string, build func(*Core) any) any {
	c.mu.Lock()
	svc, ok := c.services[name]
	if !ok {
		svc = &service{}
		c.services[name] = svc
	}
	c.mu.Unlock()

	svc.once.Do(func() {
		svc.value = build(c)
	})
	return svc.value
}

// ServiceOf is the typed form of Core.Service. It panics if name was first
// registered with a different type.
func ServiceOf[T any](c *Core, name string, build func(*Core) T) T {
	v := c.Service(name, func(core *Core) any { return build(core) })
	typed, ok := v.(T)
	if !ok {
		panic(fmt.Sprintf("bitrix24: service %q is %T, not %T", name, v, typed))
	}
	return typed
}

// Close releases the client's idle connections.
func (c *Core) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
