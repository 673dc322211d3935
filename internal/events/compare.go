package events

import (
	"maps"
	"slices"

	"github.com/keboola/osiris/internal/ir"
)

// volatileFields differ between runs of the same manifest and between
// local and remote execution.
var volatileFields = []string{FieldDurationMS, FieldSource, "host", "pid", "worker"}

// Stable strips timestamps, sequence numbers, run ids and volatile fields
// so two runs of the same manifest can be compared. Field values are
// normalized, so an event decoded from the wire equals the one built in
// memory.
func Stable(in []Event) []Event {
	out := make([]Event, len(in))
	for i, e := range in {
		fields := maps.Clone(e.Fields)
		for _, f := range volatileFields {
			delete(fields, f)
		}
		if len(fields) == 0 {
			fields = nil
		} else if n, err := ir.NormalizeObject(fields); err == nil {
			fields = n
		}
		out[i] = Event{Type: e.Type, StepID: e.StepID, Fields: fields}
	}
	return out
}

// Aggregate sums metric values by step and name, skipping durations.
// Keys are "step_id/metric".
func Aggregate(in []Metric) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range in {
		if m.Name == MetricStepDuration {
			continue
		}
		out[m.StepID+"/"+m.Name] += m.Value
	}
	return out
}

// Total sums one metric across steps.
func Total(in []Metric, name string) float64 {
	var sum float64
	for _, m := range in {
		if m.Name == name {
			sum += m.Value
		}
	}
	return sum
}

// StepIDs returns the distinct step ids seen, sorted.
func StepIDs(in []Event) []string {
	var ids []string
	for _, e := range in {
		if e.StepID != "" {
			ids = append(ids, e.StepID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
