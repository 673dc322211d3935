package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/keboola/osiris/internal/runindex"
)

// Adapter names accepted in Scenario.Adapters.
const (
	AdapterLocal  = "local"
	AdapterRemote = "remote"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Pipeline is the pipeline file to compile and run.
	Pipeline string `yaml:"pipeline"`

	// Connections is an optional connections file.
	Connections string `yaml:"connections,omitempty"`

	// Env holds the secret values visible to the run. Nothing else from
	// the process environment is.
	Env map[string]string `yaml:"env,omitempty"`

	Profile string `yaml:"profile,omitempty"`

	// Adapters lists the adapters to run; empty means local and remote.
	Adapters []string `yaml:"adapters,omitempty"`

	// Expect checks the run record.
	Expect *Expectation `yaml:"expect,omitempty"`

	// Assertions validate the trace and metrics.
	Assertions []Assertion `yaml:"assertions"`
}

// Expectation checks the run record. Empty fields are not checked.
type Expectation struct {
	Status    runindex.Status `yaml:"status"`
	ErrorCode string          `yaml:"error_code,omitempty"`
	StepID    string          `yaml:"step_id,omitempty"`
	Rows      *int64          `yaml:"rows,omitempty"`
}

// Assertion validates the trace or metrics.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event appears with matching step and fields
	// - "trace_order": events appear in order
	// - "trace_count": an event type appears exactly N times
	// - "metric": a metric sums to Value
	Type string `yaml:"type"`

	// Event is the event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Step narrows trace_contains, trace_count and metric to one step.
	Step string `yaml:"step,omitempty"`

	// Fields are the expected event fields (trace_contains).
	// Subset match - only specified fields are validated.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected order (trace_order), as "type" or "type:step".
	Events []string `yaml:"events,omitempty"`

	// Metric and Value are used by metric.
	Metric string   `yaml:"metric,omitempty"`
	Value  *float64 `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertMetric        = "metric"
)

// LoadScenario reads and parses a scenario YAML file. Pipeline and
// connections paths are resolved relative to the scenario file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve paths relative to the scenario BEFORE validation
	base := filepath.Dir(path)
	scenario.Pipeline = resolve(base, scenario.Pipeline)
	scenario.Connections = resolve(base, scenario.Connections)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (s *Scenario) adapters() []string {
	if len(s.Adapters) == 0 {
		return []string{AdapterLocal, AdapterRemote}
	}
	return s.Adapters
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if _, err := os.Stat(s.Pipeline); os.IsNotExist(err) {
		return fmt.Errorf("pipeline file not found: %s", s.Pipeline)
	}
	if s.Connections != "" {
		if _, err := os.Stat(s.Connections); os.IsNotExist(err) {
			return fmt.Errorf("connections file not found: %s", s.Connections)
		}
	}

	for i, a := range s.Adapters {
		if a != AdapterLocal && a != AdapterRemote {
			return fmt.Errorf("adapters[%d]: unknown adapter %q", i, a)
		}
		if slices.Index(s.Adapters, a) != i {
			return fmt.Errorf("adapters[%d]: duplicate adapter %q", i, a)
		}
	}

	if e := s.Expect; e != nil {
		switch e.Status {
		case runindex.StatusSuccess, runindex.StatusFailed, runindex.StatusCancelled:
		default:
			return fmt.Errorf("expect.status: unknown status %q", e.Status)
		}
	}

	if s.Expect == nil && len(s.Assertions) == 0 {
		return fmt.Errorf("expect or assertions is required")
	}

	// Validate assertions
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertMetric:
		if a.Metric == "" {
			return fmt.Errorf("assertions[%d]: metric is required for metric", index)
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for metric", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
