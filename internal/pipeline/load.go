package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// LoadError reports a spec file that could not be parsed.
type LoadError struct {
	Path    string
	Line    int
	Message string
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// LoadFile reads a spec from path. The format follows the extension:
// .yaml/.yml, .json or .cue.
func LoadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}

	var spec *Spec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		spec, err = ParseYAML(data)
	case ".json":
		spec, err = ParseJSON(data)
	case ".cue":
		spec, err = ParseCUE(data, path)
	default:
		return nil, &LoadError{Path: path, Message: "unsupported pipeline file extension"}
	}
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.Path = path
			return nil, le
		}
		return nil, &LoadError{Path: path, Message: err.Error()}
	}
	spec.Source = path
	return spec, nil
}

// ParseYAML parses a YAML pipeline document.
func ParseYAML(data []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, &LoadError{Message: err.Error()}
	}
	return &spec, nil
}

// ParseJSON parses a JSON pipeline document.
func ParseJSON(data []byte) (*Spec, error) {
	var spec Spec
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, &LoadError{Message: err.Error()}
	}
	return &spec, nil
}

// ParseCUE evaluates a CUE pipeline. The document must be concrete; it may
// use CUE's own constraints and defaults, which are resolved before the
// result is exported to JSON and decoded.
func ParseCUE(data []byte, filename string) (*Spec, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, cueLoadError(err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(err)
	}
	exported, err := v.MarshalJSON()
	if err != nil {
		return nil, cueLoadError(err)
	}
	return ParseJSON(exported)
}

func cueLoadError(err error) *LoadError {
	le := &LoadError{Message: errors.Details(err, nil)}
	if positions := errors.Positions(err); len(positions) > 0 {
		le.Line = positions[0].Line()
	}
	le.Message = strings.TrimSpace(le.Message)
	return le
}
