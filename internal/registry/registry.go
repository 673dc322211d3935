// Package registry is the component catalog the compiler consults:
// (component, mode) -> {config schema, secret field pointers, outputs}.
//
// Component specs are YAML documents. The builtin set is embedded; more can
// be loaded from a directory. A catalog is immutable after construction and
// answers deterministically.
package registry

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed components/*.yaml
var builtinFS embed.FS

// Lookup errors.
var (
	ErrUnknownComponent = errors.New("unknown component")
	ErrUnsupportedMode  = errors.New("unsupported mode")
)

// ComponentSpec describes one component.
type ComponentSpec struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	Family      string              `yaml:"family,omitempty"`
	Modes       []string            `yaml:"modes"`
	Inputs      []string            `yaml:"inputs,omitempty"`
	Outputs     map[string][]string `yaml:"outputs,omitempty"`

	// Secrets are JSON pointers (RFC 6901) into the step config and into the
	// resolved connection params whose values must be ${ENV} placeholders.
	Secrets []string `yaml:"secrets,omitempty"`

	// ConfigSchema is a CUE struct body the step config must satisfy.
	ConfigSchema string `yaml:"config_schema,omitempty"`
}

// ModeSpec is the registry's answer for one (component, mode).
type ModeSpec struct {
	Component string
	Family    string
	Mode      string
	Inputs    []string
	Outputs   []string
	Secrets   []string
}

// DefaultOutput is the first declared output, used by bare "step" input
// references.
func (m ModeSpec) DefaultOutput() string {
	if len(m.Outputs) == 0 {
		return ""
	}
	return m.Outputs[0]
}

// Registry answers component lookups.
type Registry interface {
	Lookup(component, mode string) (ModeSpec, error)
	ValidateConfig(component string, config map[string]any) error
	List() []ComponentSpec
}

// Catalog is the in-memory Registry.
type Catalog struct {
	specs map[string]ComponentSpec

	// CUE values are not safe for concurrent use; mu guards ctx and schemas.
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

var _ Registry = (*Catalog)(nil)

// New builds a catalog. Later specs replace earlier ones with the same name.
func New(specs ...ComponentSpec) (*Catalog, error) {
	c := &Catalog{
		specs:   make(map[string]ComponentSpec, len(specs)),
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	for _, s := range specs {
		if err := c.add(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) add(s ComponentSpec) error {
	s.Name = normalizeKey(s.Name)
	if s.Name == "" {
		return fmt.Errorf("component spec without name")
	}
	if len(s.Modes) == 0 {
		return fmt.Errorf("component %s: no modes", s.Name)
	}
	for i, m := range s.Modes {
		s.Modes[i] = normalizeKey(m)
	}
	for _, p := range s.Secrets {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("component %s: secret pointer %q must start with /", s.Name, p)
		}
	}
	if s.ConfigSchema != "" {
		schema := c.ctx.CompileString("#Config: {\n" + s.ConfigSchema + "\n}")
		if err := schema.Err(); err != nil {
			return fmt.Errorf("component %s: config_schema: %s", s.Name, cueerrors.Details(err, nil))
		}
		c.schemas[s.Name] = schema.LookupPath(cue.ParsePath("#Config"))
	}
	c.specs[s.Name] = s
	return nil
}

// Lookup implements Registry.
func (c *Catalog) Lookup(component, mode string) (ModeSpec, error) {
	s, ok := c.specs[normalizeKey(component)]
	if !ok {
		return ModeSpec{}, fmt.Errorf("%w: %s", ErrUnknownComponent, component)
	}
	mode = normalizeKey(mode)
	if !slices.Contains(s.Modes, mode) {
		return ModeSpec{}, fmt.Errorf("%w: %s does not support %q (supports %s)",
			ErrUnsupportedMode, s.Name, mode, strings.Join(s.Modes, ", "))
	}
	return ModeSpec{
		Component: s.Name,
		Family:    s.Family,
		Mode:      mode,
		Inputs:    s.Inputs,
		Outputs:   s.Outputs[mode],
		Secrets:   s.Secrets,
	}, nil
}

// ValidateConfig unifies config with the component's CUE schema. The schema
// is a closed definition, so unknown keys are rejected.
func (c *Catalog) ValidateConfig(component string, config map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	schema, ok := c.schemas[normalizeKey(component)]
	if !ok {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}
	v := c.ctx.Encode(integralToInt(config))
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := schema.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return errors.New(strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// List returns all specs sorted by name.
func (c *Catalog) List() []ComponentSpec {
	out := make([]ComponentSpec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Builtin returns the embedded component specs.
func Builtin() ([]ComponentSpec, error) {
	return loadFS(builtinFS, "components")
}

// LoadDir reads every *.yaml / *.yml component spec in dir.
func LoadDir(dir string) ([]ComponentSpec, error) {
	return loadFS(os.DirFS(dir), ".")
}

// Load builds a catalog from the builtins plus any extra directories.
func Load(dirs ...string) (*Catalog, error) {
	specs, err := Builtin()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		extra, err := LoadDir(dir)
		if err != nil {
			return nil, err
		}
		specs = append(specs, extra...)
	}
	return New(specs...)
}

func loadFS(fsys fs.FS, dir string) ([]ComponentSpec, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read component specs: %w", err)
	}
	var specs []ComponentSpec
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(dir, e.Name())))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var s ComponentSpec
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// integralToInt turns integral float64 values into int64 so that JSON- and
// CUE-sourced configs satisfy int constraints the same way YAML ones do.
func integralToInt(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = integralToInt(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = integralToInt(e)
		}
		return out
	}
	return v
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
