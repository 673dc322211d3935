package ir

import (
	"fmt"
	"slices"
	"strings"
)

// Step modes.
const (
	ModeRead      = "read"
	ModeWrite     = "write"
	ModeTransform = "transform"
)

// ValidMode reports whether m is one of the three step modes.
func ValidMode(m string) bool {
	return m == ModeRead || m == ModeWrite || m == ModeTransform
}

// Manifest is the canonical, secret-free execution plan for one pipeline.
// Steps are stored in topological order.
//
// Manifests are immutable once written; the build directory is addressed by
// (pipeline slug, profile, manifest_short-manifest_hash).
type Manifest struct {
	ManifestHash    string         `json:"manifest_hash" yaml:"manifest_hash" cbor:"manifest_hash"`
	ManifestShort   string         `json:"manifest_short" yaml:"manifest_short" cbor:"manifest_short"`
	HashAlgorithm   HashAlgorithm  `json:"hash_algorithm" yaml:"hash_algorithm" cbor:"hash_algorithm"`
	ManifestVersion string         `json:"manifest_version" yaml:"manifest_version" cbor:"manifest_version"`
	CompilerVersion string         `json:"compiler_version" yaml:"compiler_version" cbor:"compiler_version"`
	PipelineSlug    string         `json:"pipeline_slug" yaml:"pipeline_slug" cbor:"pipeline_slug"`
	PipelineName    string         `json:"pipeline_name" yaml:"pipeline_name" cbor:"pipeline_name"`
	Profile         string         `json:"profile" yaml:"profile" cbor:"profile"`
	Steps           []ManifestStep `json:"steps" yaml:"steps" cbor:"steps"`
}

// ManifestStep is one resolved step.
type ManifestStep struct {
	ID         string              `json:"id" yaml:"id" cbor:"id"`
	Component  string              `json:"component" yaml:"component" cbor:"component"`
	Mode       string              `json:"mode" yaml:"mode" cbor:"mode"`
	Config     map[string]any      `json:"config" yaml:"config" cbor:"config"`
	Inputs     map[string]InputRef `json:"inputs" yaml:"inputs" cbor:"inputs"`
	BestEffort bool                `json:"best_effort" yaml:"best_effort" cbor:"best_effort"`

	// Connection is nil for steps that need no connection.
	Connection *ResolvedConnection `json:"connection,omitempty" yaml:"connection,omitempty" cbor:"connection,omitempty"`

	// SecretPlaceholders lists the environment variable names this step's
	// config and connection reference, sorted.
	SecretPlaceholders []string `json:"secret_placeholders" yaml:"secret_placeholders" cbor:"secret_placeholders"`

	// ConfigPath is the step's cfg/<id>.json artifact, relative to the build dir.
	ConfigPath string `json:"config_path" yaml:"config_path" cbor:"config_path"`
}

// InputRef names another step's output.
type InputRef struct {
	Step   string `json:"step" yaml:"step" cbor:"step"`
	Output string `json:"output" yaml:"output" cbor:"output"`
}

// String renders the reference as "step.output".
func (r InputRef) String() string {
	return r.Step + "." + r.Output
}

// ResolvedConnection is a connection reference expanded against the
// connections file. Params never contain secret values, only ${ENV_VAR}
// placeholders.
type ResolvedConnection struct {
	Family string         `json:"family" yaml:"family" cbor:"family"`
	Alias  string         `json:"alias" yaml:"alias" cbor:"alias"`
	Params map[string]any `json:"params" yaml:"params" cbor:"params"`
}

// Step returns the step with the given id.
func (m *Manifest) Step(id string) (*ManifestStep, bool) {
	for i := range m.Steps {
		if m.Steps[i].ID == id {
			return &m.Steps[i], true
		}
	}
	return nil, false
}

// SecretPlaceholders returns the sorted union of every step's placeholders.
func (m *Manifest) SecretPlaceholders() []string {
	var names []string
	for _, s := range m.Steps {
		names = append(names, s.SecretPlaceholders...)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// CanonicalMap returns the hashed view of the manifest: every field except
// manifest_hash and manifest_short.
func (m *Manifest) CanonicalMap() map[string]any {
	steps := make([]any, len(m.Steps))
	for i, s := range m.Steps {
		steps[i] = s.CanonicalMap()
	}
	return map[string]any{
		"hash_algorithm":   string(m.HashAlgorithm),
		"manifest_version": m.ManifestVersion,
		"compiler_version": m.CompilerVersion,
		"pipeline_slug":    m.PipelineSlug,
		"pipeline_name":    m.PipelineName,
		"profile":          m.Profile,
		"steps":            steps,
	}
}

// CanonicalMap returns the step as a plain map for canonical serialization.
func (s ManifestStep) CanonicalMap() map[string]any {
	inputs := make(map[string]any, len(s.Inputs))
	for name, ref := range s.Inputs {
		inputs[name] = map[string]any{"step": ref.Step, "output": ref.Output}
	}
	placeholders := make([]any, len(s.SecretPlaceholders))
	for i, p := range s.SecretPlaceholders {
		placeholders[i] = p
	}
	config := s.Config
	if config == nil {
		config = map[string]any{}
	}
	out := map[string]any{
		"id":                  s.ID,
		"component":           s.Component,
		"mode":                s.Mode,
		"config":              config,
		"inputs":              inputs,
		"best_effort":         s.BestEffort,
		"secret_placeholders": placeholders,
		"config_path":         s.ConfigPath,
	}
	if s.Connection != nil {
		params := s.Connection.Params
		if params == nil {
			params = map[string]any{}
		}
		out["connection"] = map[string]any{
			"family": s.Connection.Family,
			"alias":  s.Connection.Alias,
			"params": params,
		}
	}
	return out
}

// CanonicalBytes returns the canonical JSON of CanonicalMap.
func (m *Manifest) CanonicalBytes() ([]byte, error) {
	return MarshalCanonical(m.CanonicalMap())
}

// ComputeHash recomputes the manifest hash from content.
func (m *Manifest) ComputeHash() (string, error) {
	alg := m.HashAlgorithm
	if alg == "" {
		alg = DefaultHashAlgorithm
	}
	canonical, err := m.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("manifest hash: %w", err)
	}
	return HashWithDomain(alg, DomainManifest, canonical)
}

// Seal computes the hash and short hash and stores them on the manifest.
func (m *Manifest) Seal(shortLen int) error {
	if shortLen < MinShortLength || shortLen > MaxShortLength {
		return fmt.Errorf("manifest short length %d outside [%d, %d]", shortLen, MinShortLength, MaxShortLength)
	}
	h, err := m.ComputeHash()
	if err != nil {
		return err
	}
	m.ManifestHash = h
	m.ManifestShort = h[:shortLen]
	return nil
}

// Verify checks that the stored hash fields match the content.
func (m *Manifest) Verify() error {
	h, err := m.ComputeHash()
	if err != nil {
		return err
	}
	if h != m.ManifestHash {
		return fmt.Errorf("manifest_hash %s does not match content hash %s", m.ManifestHash, h)
	}
	if !strings.HasPrefix(h, m.ManifestShort) || len(m.ManifestShort) < MinShortLength {
		return fmt.Errorf("manifest_short %q is not a prefix of %s", m.ManifestShort, h)
	}
	return nil
}

// Short hash length bounds.
const (
	MinShortLength     = 3
	MaxShortLength     = 16
	DefaultShortLength = 7
)
