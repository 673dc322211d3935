package compiler

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/pipeline"
	"github.com/keboola/osiris/internal/registry"
)

// connectionKey is the config key holding a step's connection reference.
// It is resolved by the compiler and never passed to schema validation.
const connectionKey = "connection"

// ValidationError is one problem found in a pipeline spec.
type ValidationError struct {
	StepID  string `json:"step_id,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors is every problem found in one spec, in step order.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// AsSpecError folds validation problems into one SpecError carrying the
// first problem's code and step.
func (v ValidationErrors) AsSpecError() *failure.Error {
	if len(v) == 0 {
		return nil
	}
	return &failure.Error{
		Kind:    failure.KindSpec,
		Code:    v[0].Code,
		Message: v.Error(),
		StepID:  v[0].StepID,
		Err:     v,
	}
}

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// resolvedStep is a step that passed the per-step checks.
type resolvedStep struct {
	index int
	step  pipeline.Step
	mode  registry.ModeSpec
}

// Validate checks a spec against the registry and returns all problems
// found (it does not fail fast). Connections are checked separately during
// resolution.
func Validate(spec *pipeline.Spec, reg registry.Registry) []ValidationError {
	errs, _ := validate(spec, reg)
	return errs
}

func validate(spec *pipeline.Spec, reg registry.Registry) (ValidationErrors, map[string]resolvedStep) {
	var errs ValidationErrors
	if spec == nil {
		return ValidationErrors{{Field: "pipeline", Message: "no pipeline", Code: failure.CodeSpecInvalid}}, nil
	}
	if spec.Slug() == "" {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: "pipeline needs a name or id that yields a non-empty slug",
			Code:    failure.CodeSpecInvalid,
		})
	}
	if len(spec.Steps) == 0 {
		errs = append(errs, ValidationError{
			Field:   "steps",
			Message: "at least one step is required",
			Code:    failure.CodeSpecInvalid,
		})
	}

	resolved := make(map[string]resolvedStep, len(spec.Steps))
	seen := make(map[string]bool, len(spec.Steps))
	for i, s := range spec.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		stepErr := func(code, suffix, format string, args ...any) {
			errs = append(errs, ValidationError{
				StepID:  s.ID,
				Field:   field + suffix,
				Message: fmt.Sprintf(format, args...),
				Code:    code,
				Line:    s.Line,
			})
		}

		if !stepIDPattern.MatchString(s.ID) {
			stepErr(failure.CodeSpecInvalid, ".id", "step id %q must match %s", s.ID, stepIDPattern)
			continue
		}
		if seen[s.ID] {
			stepErr(failure.CodeDuplicateStep, ".id", "duplicate step id %q", s.ID)
			continue
		}
		seen[s.ID] = true

		mode, err := reg.Lookup(s.Component, pipeline.CanonicalMode(s.Mode))
		switch {
		case errors.Is(err, registry.ErrUnknownComponent):
			stepErr(failure.CodeUnknownComponent, ".component", "unknown component %q", s.Component)
			continue
		case errors.Is(err, registry.ErrUnsupportedMode):
			stepErr(failure.CodeUnsupportedMode, ".mode", "%v", err)
			continue
		case err != nil:
			stepErr(failure.CodeSpecInvalid, ".component", "%v", err)
			continue
		}

		if conn, ok := s.Config[connectionKey]; ok {
			switch conn.(type) {
			case string, map[string]any:
			default:
				stepErr(failure.CodeInvalidConfig, ".config.connection",
					"connection must be an @family.alias reference or an inline object")
			}
		}
		if err := reg.ValidateConfig(mode.Component, withoutConnection(s.Config)); err != nil {
			stepErr(failure.CodeInvalidConfig, ".config", "%v", err)
		}

		if len(mode.Inputs) > 0 || len(s.Inputs) > 0 {
			for _, name := range mode.Inputs {
				if _, ok := s.Inputs[name]; !ok {
					stepErr(failure.CodeSpecInvalid, ".inputs", "missing input %q", name)
				}
			}
			for _, name := range sortedInputNames(s.Inputs) {
				if !slices.Contains(mode.Inputs, name) {
					stepErr(failure.CodeSpecInvalid, ".inputs."+name,
						"component %s does not accept input %q", mode.Component, name)
				}
			}
		}
		resolved[s.ID] = resolvedStep{index: i, step: s, mode: mode}
	}

	for i, s := range spec.Steps {
		rs, ok := resolved[s.ID]
		if !ok || rs.index != i {
			continue
		}
		for _, name := range sortedInputNames(s.Inputs) {
			producerID, output := pipeline.ParseInputRef(s.Inputs[name])
			field := fmt.Sprintf("steps[%d].inputs.%s", i, name)
			producer, ok := resolved[producerID]
			if !ok {
				if !seen[producerID] {
					errs = append(errs, ValidationError{
						StepID: s.ID, Field: field, Line: s.Line,
						Message: fmt.Sprintf("input references unknown step %q", producerID),
						Code:    failure.CodeUnknownStepRef,
					})
				}
				continue
			}
			if output == "" {
				output = producer.mode.DefaultOutput()
			}
			if output == "" || !slices.Contains(producer.mode.Outputs, output) {
				errs = append(errs, ValidationError{
					StepID: s.ID, Field: field, Line: s.Line,
					Message: fmt.Sprintf("step %q declares no output %q (outputs: %s)",
						producerID, output, strings.Join(producer.mode.Outputs, ", ")),
					Code: failure.CodeUnknownOutput,
				})
			}
		}
	}

	for _, cycle := range findCycles(buildDependencyGraph(spec.Steps)) {
		errs = append(errs, ValidationError{
			StepID:  cycle[0],
			Field:   "steps",
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
			Code:    failure.CodeCycle,
		})
	}
	return errs, resolved
}

func withoutConnection(config map[string]any) map[string]any {
	if _, ok := config[connectionKey]; !ok {
		return config
	}
	out := make(map[string]any, len(config)-1)
	for k, v := range config {
		if k != connectionKey {
			out[k] = v
		}
	}
	return out
}

func sortedInputNames(inputs map[string]string) []string {
	names := make([]string, 0, len(inputs))
	for n := range inputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
