// Package annex stores the artifacts of finished runs for longer than the
// run-log directory lives.
//
// Keys are slash-separated. Each published run occupies one prefix (see
// layout.Contract.AnnexPrefix) holding its artifact files plus a marker
// under the reserved name layout.AnnexMarkerFile, which is how retention
// finds and orders runs. No artifact may use that name.
package annex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/runindex"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("annex object not found")

// Store is a flat key/value object store.
type Store interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns every key under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// DeletePrefix removes every key under prefix. Deleting an empty
	// prefix is not an error.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Run is one published run found in a store.
type Run struct {
	Prefix string
	Marker runindex.Marker
}

// Publish copies files (slash paths relative to dir) under prefix and then
// writes the run marker. The marker goes last so a half-published run is
// invisible to Runs.
func Publish(ctx context.Context, s Store, prefix, dir string, files []string, m runindex.Marker) error {
	prefix, err := cleanPrefix(prefix)
	if err != nil {
		return err
	}
	for _, f := range files {
		if path.Base(f) == layout.AnnexMarkerFile {
			return fmt.Errorf("publish %s: %s is reserved for the run marker", f, layout.AnnexMarkerFile)
		}
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			return fmt.Errorf("publish %s: %w", f, err)
		}
		if err := s.Put(ctx, prefix+"/"+f, data); err != nil {
			return fmt.Errorf("publish %s: %w", f, err)
		}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal annex marker: %w", err)
	}
	return s.Put(ctx, prefix+"/"+layout.AnnexMarkerFile, append(data, '\n'))
}

// Runs lists every published run, newest first per the marker's issue time
// (run id breaks ties).
func Runs(ctx context.Context, s Store) ([]Run, error) {
	keys, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var runs []Run
	for _, k := range keys {
		if path.Base(k) != layout.AnnexMarkerFile {
			continue
		}
		data, err := s.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read annex marker %s: %w", k, err)
		}
		var m runindex.Marker
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode annex marker %s: %w", k, err)
		}
		if m.RunID == "" || m.PipelineSlug == "" {
			return nil, fmt.Errorf("annex marker %s has no run id or pipeline", k)
		}
		runs = append(runs, Run{Prefix: path.Dir(k), Marker: m})
	}
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i].Marker, runs[j].Marker
		if !a.IssuedAt.Equal(b.IssuedAt) {
			return a.IssuedAt.After(b.IssuedAt)
		}
		return a.RunID > b.RunID
	})
	return runs, nil
}

// cleanPrefix rejects prefixes that escape the store root.
func cleanPrefix(prefix string) (string, error) {
	p := strings.Trim(path.Clean("/"+prefix), "/")
	if p == "" || p != strings.Trim(prefix, "/") {
		return "", fmt.Errorf("invalid annex prefix %q", prefix)
	}
	return p, nil
}

// checkKey validates an object key.
func checkKey(key string) error {
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) || strings.HasSuffix(key, "/") {
		return fmt.Errorf("invalid annex key %q", key)
	}
	return nil
}
