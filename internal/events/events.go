// Package events carries the structured event and metric stream of a run.
//
// Producers emit through an Emitter, which stamps sequence numbers and
// timestamps. Sinks persist or mirror the stream. A Bus decouples the
// execution loop from slow sinks with a bounded queue that is drained
// before a run is collected.
package events

import (
	"time"
)

// Type names an event.
type Type string

const (
	RunStart     Type = "run_start"
	RunComplete  Type = "run_complete"
	RunFailed    Type = "run_failed"
	RunCancelled Type = "run_cancelled"
	StepStart    Type = "step_start"
	StepComplete Type = "step_complete"
	StepFailed   Type = "step_failed"
	StepSkipped  Type = "step_skipped"
)

// Common field and metric names.
const (
	FieldComponent  = "component"
	FieldMode       = "mode"
	FieldDurationMS = "duration_ms"
	FieldErrorCode  = "error_code"
	FieldError      = "error"
	FieldSource     = "source"
	FieldRows       = "rows"
	FieldReason     = "reason"
	FieldOutputs    = "outputs"
	FieldBytes      = "bytes"
	FieldPipeline   = "pipeline"
	FieldManifest   = "manifest_hash"
	FieldSteps      = "steps"
	FieldStatus     = "status"

	MetricRowsRead     = "rows_read"
	MetricRowsWritten  = "rows_written"
	MetricRowsOut      = "rows_out"
	MetricBytesWritten = "bytes_written"
	MetricStepDuration = "step_duration_ms"
)

// Event is one entry of events.jsonl.
type Event struct {
	Seq       uint64         `json:"seq" cbor:"seq"`
	Timestamp time.Time      `json:"ts" cbor:"ts"`
	Type      Type           `json:"event" cbor:"event"`
	RunID     string         `json:"run_id,omitempty" cbor:"run_id,omitempty"`
	StepID    string         `json:"step_id,omitempty" cbor:"step_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty" cbor:"fields,omitempty"`
}

// Metric is one entry of metrics.jsonl.
type Metric struct {
	Seq       uint64            `json:"seq" cbor:"seq"`
	Timestamp time.Time         `json:"ts" cbor:"ts"`
	Name      string            `json:"metric" cbor:"metric"`
	Value     float64           `json:"value" cbor:"value"`
	RunID     string            `json:"run_id,omitempty" cbor:"run_id,omitempty"`
	StepID    string            `json:"step_id,omitempty" cbor:"step_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty" cbor:"tags,omitempty"`
}

// Sink consumes events and metrics.
type Sink interface {
	Event(Event) error
	Metric(Metric) error
}

// Closer is implemented by sinks holding resources.
type Closer interface {
	Close() error
}

// CloseSink closes s if it holds resources.
func CloseSink(s Sink) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Event(Event) error   { return nil }
func (discard) Metric(Metric) error { return nil }
