// Package execution runs a compiled manifest. An Adapter moves a run
// through prepare, execute and collect; LocalAdapter runs steps in this
// process, the remote adapter drives a sandboxed worker. Both share the
// run loop and step executor defined here, so they report the same
// events, metrics and error codes.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/runindex"
)

// Adapter executes manifests.
type Adapter interface {
	// Name is recorded in the run index, e.g. "local" or "remote".
	Name() string

	Prepare(ctx context.Context, m *ir.Manifest, rc RunContext) (*PreparedRun, error)

	// Execute runs every step in order. A failed run returns its result
	// together with the error that ended it.
	Execute(ctx context.Context, p *PreparedRun, sink events.Sink) (*ExecResult, error)

	// Collect gathers artifacts and drains the event stream. Repeated calls
	// return the first result.
	Collect(ctx context.Context, p *PreparedRun) (*CollectedArtifacts, error)
}

// RunContext carries per-run parameters from the caller.
type RunContext struct {
	RunID    string
	IssuedAt time.Time

	// RunDir is the run-log directory rendered by the path contract.
	RunDir string

	// Zero disables the timeout.
	StepTimeout time.Duration
	RunTimeout  time.Duration

	EventBuffer int
}

// State is the lifecycle state of a PreparedRun.
type State string

const (
	StatePrepared  State = "prepared"
	StateExecuting State = "executing"
	StateCollected State = "collected"
	StateFailed    State = "failed"
)

// ErrInvalidState is returned for out-of-order adapter calls.
var ErrInvalidState = fmt.Errorf("invalid run state")

// PreparedRun bridges prepare and execute. It holds secret placeholder
// names only, never values.
type PreparedRun struct {
	Manifest           *ir.Manifest
	RunID              string
	IssuedAt           time.Time
	Layout             layout.RunLayout
	SecretPlaceholders []string
	StepTimeout        time.Duration
	RunTimeout         time.Duration
	EventBuffer        int

	// Private is adapter-owned state, e.g. the sandbox session.
	Private any

	mu        sync.Mutex
	state     State
	bus       *events.Bus
	result    *ExecResult
	collected *CollectedArtifacts
}

// NewPreparedRun is used by adapters to build a PreparedRun.
func NewPreparedRun(m *ir.Manifest, rc RunContext) *PreparedRun {
	return &PreparedRun{
		Manifest:           m,
		RunID:              rc.RunID,
		IssuedAt:           rc.IssuedAt,
		Layout:             layout.RunLayoutFor(rc.RunDir),
		SecretPlaceholders: m.SecretPlaceholders(),
		StepTimeout:        rc.StepTimeout,
		RunTimeout:         rc.RunTimeout,
		EventBuffer:        rc.EventBuffer,
		state:              StatePrepared,
	}
}

// State returns the current lifecycle state.
func (p *PreparedRun) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result returns the execution result, if any.
func (p *PreparedRun) Result() *ExecResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// BeginExecute moves Prepared -> Executing and starts the event bus in
// front of sink.
func (p *PreparedRun) BeginExecute(sink events.Sink) (*events.Bus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePrepared {
		return nil, fmt.Errorf("%w: execute from %s", ErrInvalidState, p.state)
	}
	if sink == nil {
		sink = events.Discard
	}
	p.state = StateExecuting
	p.bus = events.NewBus(sink, p.EventBuffer, nil)
	return p.bus, nil
}

// EndExecute records the result; a run that did not succeed moves to
// Failed.
func (p *PreparedRun) EndExecute(res *ExecResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result = res
	if res.Status != runindex.StatusSuccess {
		p.state = StateFailed
	}
}

// Fail moves the run to Failed from any state.
func (p *PreparedRun) Fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateFailed
}

// BeginCollect returns the earlier result if Collect already ran.
func (p *PreparedRun) BeginCollect() (*CollectedArtifacts, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collected, p.collected != nil
}

// DrainEvents waits until every event reached the sink.
func (p *PreparedRun) DrainEvents() error {
	p.mu.Lock()
	bus := p.bus
	p.mu.Unlock()
	if bus == nil {
		return nil
	}
	return bus.Drain()
}

// EndCollect stores the collected artifacts; an executing run becomes
// Collected, a failed one stays Failed.
func (p *PreparedRun) EndCollect(c *CollectedArtifacts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collected = c
	if p.state == StateExecuting || p.state == StatePrepared {
		p.state = StateCollected
	}
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepSucceeded StepStatus = "success"
	StepFailedS   StepStatus = "failed"
	StepSkippedS  StepStatus = "skipped"
)

// StepResult summarizes one step.
type StepResult struct {
	StepID     string             `json:"step_id" cbor:"step_id"`
	Status     StepStatus         `json:"status" cbor:"status"`
	DurationMS int64              `json:"duration_ms" cbor:"duration_ms"`
	Metrics    map[string]float64 `json:"metrics,omitempty" cbor:"metrics,omitempty"`
	Outputs    []string           `json:"outputs,omitempty" cbor:"outputs,omitempty"`
	BestEffort bool               `json:"best_effort,omitempty" cbor:"best_effort,omitempty"`

	// Err is set for failed steps.
	Err *failure.Error `json:"-" cbor:"-"`
}

// ExecResult is the outcome of Execute.
type ExecResult struct {
	Status    runindex.Status
	Steps     []StepResult
	Rows      int64
	StartedAt time.Time
	EndedAt   time.Time

	// Err ended the run; nil on success.
	Err *failure.Error
}

// Duration is EndedAt - StartedAt.
func (r *ExecResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// CollectedArtifacts lists the files a run produced.
type CollectedArtifacts struct {
	// Dir is the host directory holding the files.
	Dir   string
	Files []string
	Bytes int64
}
