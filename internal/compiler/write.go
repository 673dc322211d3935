package compiler

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/layout"
)

// RenderManifest serializes m as the manifest.yaml document.
func RenderManifest(m *ir.Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderStepConfig is the canonical cfg/<id>.json artifact for one step.
func RenderStepConfig(s ir.ManifestStep) ([]byte, error) {
	data, err := ir.MarshalCanonical(s.CanonicalMap())
	if err != nil {
		return nil, fmt.Errorf("render step config %s: %w", s.ID, err)
	}
	return append(data, '\n'), nil
}

// renderFiles returns every build artifact keyed by path relative to the
// build directory.
func renderFiles(m *ir.Manifest) (map[string][]byte, error) {
	files := make(map[string][]byte, len(m.Steps)+1)
	doc, err := RenderManifest(m)
	if err != nil {
		return nil, err
	}
	files[layout.ManifestFile] = doc
	for _, s := range m.Steps {
		data, err := RenderStepConfig(s)
		if err != nil {
			return nil, err
		}
		files[s.ConfigPath] = data
	}
	return files, nil
}

func (c *Compiler) write(m *ir.Manifest) error {
	dir := c.ManifestDir(m)
	files, err := renderFiles(m)
	if err != nil {
		return err
	}

	if _, err := os.Stat(dir); err == nil {
		return c.verifyExisting(dir, m, files)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat build dir: %w", err)
	}

	parent := filepath.Dir(dir)
	if err := layout.EnsureDir(parent); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".tmp-")
	if err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	for _, rel := range sortedPaths(files) {
		path := filepath.Join(tmp, rel)
		if err := layout.EnsureDir(filepath.Dir(path)); err != nil {
			return err
		}
		if err := os.WriteFile(path, files[rel], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		// Lost a race with a concurrent compile of the same manifest.
		if _, statErr := os.Stat(dir); statErr == nil {
			return c.verifyExisting(dir, m, files)
		}
		return fmt.Errorf("publish build dir: %w", err)
	}
	c.logger.Info("manifest written", "pipeline", m.PipelineSlug, "profile", m.Profile,
		"manifest", m.ManifestShort, "dir", dir)
	return nil
}

// verifyExisting recomputes the hash of the manifest on disk and compares
// every artifact with what this compile would have written.
func (c *Compiler) verifyExisting(dir string, want *ir.Manifest, files map[string][]byte) error {
	manifestPath := filepath.Join(dir, layout.ManifestFile)
	existing, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	if existing.ManifestHash != want.ManifestHash {
		return integrityError(manifestPath, "manifest_hash %s on disk, expected %s", existing.ManifestHash, want.ManifestHash)
	}
	for _, rel := range sortedPaths(files) {
		path := filepath.Join(dir, rel)
		got, err := os.ReadFile(path)
		if err != nil {
			return integrityError(path, "artifact unreadable: %v", err)
		}
		if !bytes.Equal(got, files[rel]) {
			return integrityError(path, "artifact content differs from the compiled manifest")
		}
	}
	c.logger.Debug("manifest already built", "pipeline", want.PipelineSlug, "manifest", want.ManifestShort, "dir", dir)
	return nil
}

// LoadManifest reads manifest.yaml and checks its hash against its
// content. Any mismatch is a CompileIntegrityError.
func LoadManifest(path string) (*ir.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, integrityError(path, "read manifest: %v", err)
	}
	var m ir.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, integrityError(path, "parse manifest: %v", err)
	}
	for i := range m.Steps {
		cfg, err := ir.NormalizeObject(m.Steps[i].Config)
		if err != nil {
			return nil, integrityError(path, "step %s config: %v", m.Steps[i].ID, err)
		}
		m.Steps[i].Config = cfg
		if m.Steps[i].Connection != nil {
			params, err := ir.NormalizeObject(m.Steps[i].Connection.Params)
			if err != nil {
				return nil, integrityError(path, "step %s connection: %v", m.Steps[i].ID, err)
			}
			m.Steps[i].Connection.Params = params
		}
	}
	if err := m.Verify(); err != nil {
		return nil, integrityError(path, "%v", err)
	}
	return &m, nil
}

func integrityError(path, format string, args ...any) error {
	return failure.Newf(failure.KindCompileIntegrity, failure.CodeIntegrityMismatch, format, args...).WithPath(path)
}

func sortedPaths(files map[string][]byte) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
