package harness

import (
	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/runindex"
)

// TraceEvent is one normalized event of a run.
type TraceEvent struct {
	Type   string         `json:"event"`
	StepID string         `json:"step_id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

func traceOf(in []events.Event) []TraceEvent {
	stable := events.Stable(in)
	out := make([]TraceEvent, len(stable))
	for i, e := range stable {
		out[i] = TraceEvent{Type: string(e.Type), StepID: e.StepID, Fields: e.Fields}
	}
	return out
}

// label renders e as "type" or "type:step".
func (e TraceEvent) label() string {
	if e.StepID == "" {
		return e.Type
	}
	return e.Type + ":" + e.StepID
}

// AdapterRun is what one adapter produced for a scenario.
type AdapterRun struct {
	Adapter string             `json:"adapter"`
	Record  runindex.Record    `json:"record"`
	Trace   []TraceEvent       `json:"trace"`
	Metrics map[string]float64 `json:"metrics"`

	// Artifacts maps artifact file names to their contents.
	Artifacts map[string][]byte `json:"-"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when adapters agree and every expectation and
	// assertion holds.
	Pass bool `json:"pass"`

	// Trace is the normalized trace shared by all adapters.
	Trace []TraceEvent `json:"trace"`

	// Metrics are the aggregated metrics, keyed "step_id/metric".
	Metrics map[string]float64 `json:"metrics"`

	// Record is the first adapter's run record.
	Record runindex.Record `json:"record"`

	Runs   []AdapterRun `json:"runs"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Metrics: map[string]float64{},
		Errors:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
