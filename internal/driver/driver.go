// Package driver defines how steps reach their data sources: the Driver
// interface, the (component, mode) -> factory registry, the tabular data
// exchanged between steps, and secret placeholder expansion.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Table is the in-memory data exchanged between steps.
type Table struct {
	Columns []string `json:"columns" cbor:"columns"`
	Rows    [][]any  `json:"rows" cbor:"rows"`
}

// Len is the row count. A nil table has none.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Outputs are a step's named results, consumable as another step's inputs.
type Outputs map[string]*Table

// Context is what a driver may use besides its config and inputs.
type Context struct {
	RunID  string
	StepID string

	// ArtifactsDir is where drivers write files. It exists before Run.
	ArtifactsDir string

	Logger *slog.Logger

	// Metric records a named measurement for the step.
	Metric func(name string, value float64)
}

// RecordMetric is a nil-safe call of c.Metric.
func (c *Context) RecordMetric(name string, value float64) {
	if c != nil && c.Metric != nil {
		c.Metric(name, value)
	}
}

// Driver executes one step.
type Driver interface {
	Run(ctx context.Context, stepID string, config map[string]any, inputs Outputs, rc *Context) (Outputs, error)
}

// Func adapts a function to Driver.
type Func func(ctx context.Context, stepID string, config map[string]any, inputs Outputs, rc *Context) (Outputs, error)

// Run implements Driver.
func (f Func) Run(ctx context.Context, stepID string, config map[string]any, inputs Outputs, rc *Context) (Outputs, error) {
	return f(ctx, stepID, config, inputs, rc)
}

// Error is a driver failure with a stable reason. The executor turns it
// into a <phase>.<reason> code, e.g. extract.connection_error.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Fail builds a driver Error.
func Fail(reason string, format string, args ...any) error {
	return &Error{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Well-known reasons.
const (
	ReasonConnection     = "connection_error"
	ReasonSchemaMismatch = "schema_mismatch"
	ReasonConfig         = "config_error"
	ReasonIO             = "io_error"
)

// ReasonOf extracts the reason of a driver error, or "".
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// Factory builds a Driver.
type Factory func() Driver

// ErrNoDriver is returned for unregistered (component, mode) pairs.
var ErrNoDriver = errors.New("no driver registered")

type key struct {
	component string
	mode      string
}

// Registry maps (component, mode) to a driver factory. Registration
// happens at process start; lookups are plain map reads.
type Registry struct {
	mu        sync.RWMutex
	factories map[key]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[key]Factory)}
}

// Register adds or replaces a factory.
func (r *Registry) Register(component, mode string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key{normalize(component), normalize(mode)}] = f
}

// Lookup builds the driver for (component, mode).
func (r *Registry) Lookup(component, mode string) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[key{normalize(component), normalize(mode)}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s (%s)", ErrNoDriver, component, mode)
	}
	return f(), nil
}

// Registered lists "component/mode" pairs, sorted.
func (r *Registry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k.component+"/"+k.mode)
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
