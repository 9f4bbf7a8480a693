package batch

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/b24-client/pkg/client"
	"github.com/google/uuid"
)

// MaxBatchSize is the number of commands Bitrix24 accepts in one batch call.
const MaxBatchSize = 50

// MaxCommandLength bounds one encoded "method?query" command.
const MaxCommandLength = 32 << 10

var (
	// ErrDuplicateKey is returned when a key is registered twice in a collection.
	ErrDuplicateKey = errors.New("duplicate command key")

	// ErrMissingResult marks a dispatched command the server returned no
	// outcome for, e.g. after an earlier command halted the chunk.
	ErrMissingResult = errors.New("no result returned for command")
)

// Command is one REST call addressed by key inside a batch.
type Command struct {
	Key    string
	Method string
	Params map[string]any
}

// encode renders the command as a batch "cmd" entry.
func (c Command) encode() string {
	query := client.BuildQuery(c.Params)
	if query == "" {
		return c.Method
	}
	return c.Method + "?" + query
}

// Collection is an ordered set of commands with unique keys.
// It is not safe for concurrent registration.
type Collection struct {
	commands []Command
	keys     map[string]struct{}
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{keys: make(map[string]struct{})}
}

// Add registers a command. An empty key is replaced with a generated one,
// which is returned. Malformed commands are rejected before anything is sent.
func (c *Collection) Add(cmd Command) (string, error) {
	if c.keys == nil {
		c.keys = make(map[string]struct{})
	}
	if err := client.ValidateMethod(cmd.Method); err != nil {
		return "", err
	}

	if cmd.Key == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate command key: %w", err)
		}
		cmd.Key = id.String()
	}
	if err := validateKey(cmd.Key); err != nil {
		return "", err
	}
	if _, exists := c.keys[cmd.Key]; exists {
		return "", fmt.Errorf("%w: %w: %q", client.ErrConfiguration, ErrDuplicateKey, cmd.Key)
	}

	if n := len(cmd.encode()); n > MaxCommandLength {
		return "", &client.ConfigError{
			Field:  "command " + cmd.Key,
			Reason: fmt.Sprintf("encoded length %d exceeds %d bytes", n, MaxCommandLength),
		}
	}

	c.keys[cmd.Key] = struct{}{}
	c.commands = append(c.commands, cmd)
	return cmd.Key, nil
}

// Len returns the number of registered commands.
func (c *Collection) Len() int {
	return len(c.commands)
}

// Commands returns the commands in registration order.
func (c *Collection) Commands() []Command {
	out := make([]Command, len(c.commands))
	copy(out, c.commands)
	return out
}

// chunks splits the collection into consecutive slices of at most size commands.
func (c *Collection) chunks(size int) [][]Command {
	var out [][]Command
	for start := 0; start < len(c.commands); start += size {
		end := min(start+size, len(c.commands))
		out = append(out, c.commands[start:end])
	}
	return out
}

// validateKey allows characters that survive the server's $result[key] references.
func validateKey(key string) error {
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return &client.ConfigError{Field: "command key", Reason: fmt.Sprintf("%q contains %q", key, r)}
		}
	}
	return nil
}
