package events

import (
	"sync"
	"time"

	"github.com/keboola/osiris/internal/clock"
)

// Reporter is what step execution needs to report progress. The local
// adapter passes an Emitter; the sandboxed worker forwards over RPC.
type Reporter interface {
	Emit(typ Type, stepID string, fields map[string]any) error
	Metric(name string, value float64, stepID string, tags map[string]string) error
}

// Emitter numbers and timestamps events for one run and hands them to a
// sink. Events and metrics share one sequence.
type Emitter struct {
	sink  Sink
	clock clock.Clock
	runID string

	mu  sync.Mutex
	seq uint64
}

var _ Reporter = (*Emitter)(nil)

// NewEmitter returns an Emitter for runID.
func NewEmitter(sink Sink, clk clock.Clock, runID string) *Emitter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Emitter{sink: sink, clock: clk, runID: runID}
}

// Emit implements Reporter.
func (e *Emitter) Emit(typ Type, stepID string, fields map[string]any) error {
	return e.EmitAt(time.Time{}, typ, stepID, fields)
}

// EmitAt emits with an explicit timestamp. A zero ts means now.
func (e *Emitter) EmitAt(ts time.Time, typ Type, stepID string, fields map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.sink.Event(Event{
		Seq:       e.seq,
		Timestamp: e.stamp(ts),
		Type:      typ,
		RunID:     e.runID,
		StepID:    stepID,
		Fields:    fields,
	})
}

// Metric implements Reporter.
func (e *Emitter) Metric(name string, value float64, stepID string, tags map[string]string) error {
	return e.MetricAt(time.Time{}, name, value, stepID, tags)
}

// MetricAt records a metric with an explicit timestamp.
func (e *Emitter) MetricAt(ts time.Time, name string, value float64, stepID string, tags map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.sink.Metric(Metric{
		Seq:       e.seq,
		Timestamp: e.stamp(ts),
		Name:      name,
		Value:     value,
		RunID:     e.runID,
		StepID:    stepID,
		Tags:      tags,
	})
}

func (e *Emitter) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		ts = e.clock.Now()
	}
	return ts.UTC()
}
