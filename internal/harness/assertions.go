package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/keboola/osiris/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %v\n", i+1, event.label(), event.Fields)
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains an event matching
// the specified type, step and fields (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type != assertion.Event {
			continue
		}
		if assertion.Step != "" && event.StepID != assertion.Step {
			continue
		}
		if matchFields(event.Fields, assertion.Fields) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event %s with fields %v", describeEvent(assertion.Event, assertion.Step), assertion.Fields),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if events appear in the specified order.
// Events don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	// Find first position of each expected event
	positions := make(map[string]int)
	for i, event := range trace {
		for _, want := range assertion.Events {
			if positions[want] == 0 && matchesLabel(event, want) {
				positions[want] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, want := range assertion.Events {
		if positions[want] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", assertion.Events),
				Actual:   fmt.Sprintf("missing event: %s", want),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Events); i++ {
		prev := assertion.Events[i-1]
		curr := assertion.Events[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks if the event appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == assertion.Event && (assertion.Step == "" || event.StepID == assertion.Step) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, describeEvent(assertion.Event, assertion.Step)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertMetric checks the summed value of a metric across the run, or for
// one step.
func assertMetric(metrics map[string]float64, assertion Assertion) error {
	var sum float64
	for key, v := range metrics {
		step, name, _ := strings.Cut(key, "/")
		if name != assertion.Metric {
			continue
		}
		if assertion.Step != "" && step != assertion.Step {
			continue
		}
		sum += v
	}

	if sum != *assertion.Value {
		return &AssertionError{
			Type:     AssertMetric,
			Expected: fmt.Sprintf("%s = %v", describeEvent(assertion.Metric, assertion.Step), *assertion.Value),
			Actual:   fmt.Sprintf("%v", sum),
		}
	}
	return nil
}

func describeEvent(name, step string) string {
	if step == "" {
		return name
	}
	return name + " (step " + step + ")"
}

func matchesLabel(e TraceEvent, label string) bool {
	typ, step, hasStep := strings.Cut(label, ":")
	if e.Type != typ {
		return false
	}
	return !hasStep || e.StepID == step
}

// matchFields checks if actual fields contain all expected fields (subset match).
// Extra keys in actual are ignored.
func matchFields(actual, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}

	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists {
			return false
		}
		if !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}

	return true
}

// valuesEqual compares two values after normalization. Numbers compare by
// value, so an int from a scenario file matches a float decoded from JSON.
func valuesEqual(actual, expected any) bool {
	a, errA := ir.Normalize(actual)
	e, errE := ir.Normalize(expected)
	if errA != nil || errE != nil {
		return reflect.DeepEqual(actual, expected)
	}
	if af, ok := number(a); ok {
		ef, ok := number(e)
		return ok && af == ef
	}
	return reflect.DeepEqual(a, e)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertMetric:
			err = assertMetric(result.Metrics, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// checkExpectation compares the run record against e.
func checkExpectation(result *Result, e *Expectation) []string {
	if e == nil {
		return nil
	}
	var errs []string
	rec := result.Record
	if e.Status != "" && rec.Status != e.Status {
		errs = append(errs, fmt.Sprintf("expect.status: got %s, want %s", rec.Status, e.Status))
	}
	if e.ErrorCode != "" && rec.ErrorCode != e.ErrorCode {
		errs = append(errs, fmt.Sprintf("expect.error_code: got %q, want %q", rec.ErrorCode, e.ErrorCode))
	}
	if e.StepID != "" && rec.StepID != e.StepID {
		errs = append(errs, fmt.Sprintf("expect.step_id: got %q, want %q", rec.StepID, e.StepID))
	}
	if e.Rows != nil && rec.Rows != *e.Rows {
		errs = append(errs, fmt.Sprintf("expect.rows: got %d, want %d", rec.Rows, *e.Rows))
	}
	return errs
}
