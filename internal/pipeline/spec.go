// Package pipeline defines the declarative pipeline specification and loads
// it from YAML, JSON or CUE files.
package pipeline

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is a pipeline as authored. It is validated and resolved by the
// compiler, never executed directly.
type Spec struct {
	Name    string `yaml:"name" json:"name"`
	ID      string `yaml:"id,omitempty" json:"id,omitempty"`
	Profile string `yaml:"profile,omitempty" json:"profile,omitempty"`
	Steps   []Step `yaml:"steps" json:"steps"`

	// Source is the file the spec was loaded from.
	Source string `yaml:"-" json:"-"`
}

// Step is one authored step.
type Step struct {
	ID         string            `yaml:"id" json:"id"`
	Component  string            `yaml:"component" json:"component"`
	Mode       string            `yaml:"mode" json:"mode"`
	Config     map[string]any    `yaml:"config,omitempty" json:"config,omitempty"`
	Inputs     map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	BestEffort bool              `yaml:"best_effort,omitempty" json:"best_effort,omitempty"`

	// Line is the source line of the step in YAML files, 0 otherwise.
	Line int `yaml:"-" json:"-"`
}

// UnmarshalYAML records the step's line number.
func (s *Step) UnmarshalYAML(n *yaml.Node) error {
	type plain Step
	if err := n.Decode((*plain)(s)); err != nil {
		return err
	}
	s.Line = n.Line
	return nil
}

// Slug is the pipeline's path-safe identity: the explicit id if set,
// otherwise derived from the name.
func (s *Spec) Slug() string {
	if s.ID != "" {
		return Slugify(s.ID)
	}
	return Slugify(s.Name)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and replaces every run of other characters with "-".
func Slugify(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// Mode aliases accepted in authored specs.
var modeAliases = map[string]string{
	"extract": "read",
	"load":    "write",
}

// CanonicalMode maps authored aliases to the three step modes.
func CanonicalMode(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if alias, ok := modeAliases[m]; ok {
		return alias
	}
	return m
}

// ParseInputRef splits "step.output" into its parts. A bare "step" returns
// an empty output, meaning the producer's default output.
func ParseInputRef(ref string) (step, output string) {
	ref = strings.TrimSpace(ref)
	if i := strings.LastIndex(ref, "."); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}
