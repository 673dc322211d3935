// Package connection resolves step connection references against the
// connections file and enforces that secret fields hold ${ENV_VAR}
// placeholders, never values.
package connection

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
)

// DefaultAlias is used when a reference names only the family and no alias
// is flagged default.
const DefaultAlias = "default"

// InlineAlias names a connection written directly in a step's config.
const InlineAlias = "inline"

// defaultFlag marks the family's default alias in the connections file.
const defaultFlag = "default"

// File is the on-disk connections document.
type File struct {
	Connections map[string]map[string]map[string]any `yaml:"connections"`
}

// Set is a loaded, immutable connections file.
type Set struct {
	families map[string]map[string]map[string]any
	source   string
}

// Empty returns a Set with no connections.
func Empty() *Set {
	return &Set{families: map[string]map[string]map[string]any{}}
}

// LoadFile reads a connections file. A missing file yields an empty set.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s := Empty()
		s.source = path
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read connections: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.source = path
	return s, nil
}

// Parse decodes a connections document.
func Parse(data []byte) (*Set, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse connections: %w", err)
	}
	s := Empty()
	for family, aliases := range f.Connections {
		fam := strings.ToLower(family)
		s.families[fam] = make(map[string]map[string]any, len(aliases))
		for alias, params := range aliases {
			norm, err := ir.NormalizeObject(params)
			if err != nil {
				return nil, fmt.Errorf("connection %s.%s: %w", family, alias, err)
			}
			s.families[fam][alias] = norm
		}
	}
	return s, nil
}

// Source is the file the set was loaded from.
func (s *Set) Source() string { return s.source }

// Aliases lists the aliases of a family, sorted.
func (s *Set) Aliases(family string) []string {
	var out []string
	for a := range s.families[strings.ToLower(family)] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// IsReference reports whether v is an "@family[.alias]" reference.
func IsReference(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, "@")
}

// ParseReference splits "@family.alias". The alias may be empty.
func ParseReference(ref string) (family, alias string, err error) {
	if !strings.HasPrefix(ref, "@") || len(ref) < 2 {
		return "", "", fmt.Errorf("connection reference %q must look like @family.alias", ref)
	}
	family, alias, _ = strings.Cut(ref[1:], ".")
	if family == "" {
		return "", "", fmt.Errorf("connection reference %q has no family", ref)
	}
	return strings.ToLower(family), alias, nil
}

// Resolve expands ref into a ResolvedConnection and checks every secret
// pointer. wantFamily, if non-empty, must match the reference's family.
func (s *Set) Resolve(ref, wantFamily string, secrets []string) (*ir.ResolvedConnection, error) {
	family, alias, err := ParseReference(ref)
	if err != nil {
		return nil, failure.Connection(failure.CodeUnknownAlias, "%v", err)
	}
	if wantFamily != "" && family != strings.ToLower(wantFamily) {
		return nil, failure.Connection(failure.CodeUnknownAlias,
			"connection %s belongs to family %q, component expects %q", ref, family, wantFamily)
	}
	aliases, ok := s.families[family]
	if !ok || len(aliases) == 0 {
		return nil, failure.Connection(failure.CodeUnknownAlias, "no connections defined for family %q", family)
	}
	if alias == "" {
		alias, err = defaultAlias(family, aliases)
		if err != nil {
			return nil, err
		}
	}
	params, ok := aliases[alias]
	if !ok {
		return nil, failure.Connection(failure.CodeUnknownAlias,
			"unknown connection alias %s.%s (known: %s)", family, alias, strings.Join(s.Aliases(family), ", "))
	}

	clean := make(map[string]any, len(params))
	for k, v := range params {
		if k == defaultFlag {
			continue
		}
		clean[k] = v
	}
	rc := &ir.ResolvedConnection{Family: family, Alias: alias, Params: clean}
	if err := CheckSecrets(clean, secrets); err != nil {
		return nil, annotate(err, fmt.Sprintf("connection %s.%s", family, alias))
	}
	return rc, nil
}

// Inline wraps connection params written directly in a step config.
func Inline(family string, params map[string]any, secrets []string) (*ir.ResolvedConnection, error) {
	norm, err := ir.NormalizeObject(params)
	if err != nil {
		return nil, failure.Connection(failure.CodeUnknownAlias, "inline connection: %v", err)
	}
	if err := CheckSecrets(norm, secrets); err != nil {
		return nil, annotate(err, "inline connection")
	}
	return &ir.ResolvedConnection{Family: strings.ToLower(family), Alias: InlineAlias, Params: norm}, nil
}

func defaultAlias(family string, aliases map[string]map[string]any) (string, error) {
	var flagged []string
	for name, params := range aliases {
		if b, _ := params[defaultFlag].(bool); b {
			flagged = append(flagged, name)
		}
	}
	sort.Strings(flagged)
	switch {
	case len(flagged) == 1:
		return flagged[0], nil
	case len(flagged) > 1:
		return "", failure.Connection(failure.CodeUnknownAlias,
			"family %q has several default aliases: %s", family, strings.Join(flagged, ", "))
	}
	if _, ok := aliases[DefaultAlias]; ok {
		return DefaultAlias, nil
	}
	if len(aliases) == 1 {
		for name := range aliases {
			return name, nil
		}
	}
	return "", failure.Connection(failure.CodeUnknownAlias,
		"family %q has no default connection; reference one as @%s.<alias>", family, family)
}

func annotate(err error, where string) error {
	if fe, ok := failure.As(err); ok {
		c := *fe
		c.Message = where + ": " + c.Message
		return &c
	}
	return err
}

// Snapshot returns the whole set as plain values for fingerprinting.
func (s *Set) Snapshot() map[string]any {
	out := make(map[string]any, len(s.families))
	for fam, aliases := range s.families {
		m := make(map[string]any, len(aliases))
		for alias, params := range aliases {
			m[alias] = params
		}
		out[fam] = m
	}
	return out
}
