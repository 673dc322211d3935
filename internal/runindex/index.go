// Package runindex is the append-only log of finished runs plus the
// per-pipeline latest-manifest pointers.
//
// Writers hold an flock on the index lock file, so concurrent processes
// never interleave records. Each record is a single write of one JSON line
// followed by fsync. Readers skip a torn trailing line left by a crash.
package runindex

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keboola/osiris/internal/layout"
)

// ErrNotFound is returned by Latest when no pointer exists.
var ErrNotFound = errors.New("no latest pointer")

const lockName = "index" + layout.LockSuffix

// Index reads and writes the run index for one layout.
type Index struct {
	paths  *layout.Contract
	logger *slog.Logger
}

// New returns an Index rooted at the contract's index directory.
func New(paths *layout.Contract, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{paths: paths, logger: logger}
}

func (x *Index) lock() (*fileLock, error) {
	return lockFile(filepath.Join(x.paths.IndexRoot(), lockName))
}

// Append durably appends r to the global log and the pipeline's log.
func (x *Index) Append(r Record) error {
	if r.RunID == "" || r.PipelineSlug == "" {
		return fmt.Errorf("append run record: run_id and pipeline_slug are required")
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	line = append(line, '\n')

	l, err := x.lock()
	if err != nil {
		return err
	}
	defer l.unlock()

	for _, path := range []string{x.paths.IndexFile(), x.paths.PipelineIndexFile(r.PipelineSlug)} {
		if err := appendLine(path, line); err != nil {
			return err
		}
	}
	return nil
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}

// List returns matching records in append order.
func (x *Index) List(f Filter) ([]Record, error) {
	path := x.paths.IndexFile()
	if f.PipelineSlug != "" {
		path = x.paths.PipelineIndexFile(f.PipelineSlug)
	}
	records, err := x.read(path)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, r := range records {
		if f.match(r) {
			out = append(out, r)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (x *Index) read(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}

	var records []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			x.logger.Warn("skipping unreadable run record", "path", path, "line", lineNo, "error", err)
			continue
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan index %s: %w", path, err)
	}
	return records, nil
}

// Latest reads the pointer for slug and profile.
func (x *Index) Latest(slug, profile string) (Pointer, error) {
	return readPointer(x.paths.LatestFile(slug, profile))
}

func readPointer(path string) (Pointer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Pointer{}, ErrNotFound
	}
	if err != nil {
		return Pointer{}, fmt.Errorf("read latest pointer: %w", err)
	}
	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return Pointer{}, fmt.Errorf("decode latest pointer %s: %w", path, err)
	}
	return p, nil
}

// UpdateLatest atomically replaces the pointer for slug and profile with the
// result of fn applied to the current pointer (zero value if none).
func (x *Index) UpdateLatest(slug, profile string, fn func(*Pointer)) (Pointer, error) {
	l, err := x.lock()
	if err != nil {
		return Pointer{}, err
	}
	defer l.unlock()

	path := x.paths.LatestFile(slug, profile)
	p, err := readPointer(path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Pointer{}, err
	}
	fn(&p)
	p.PipelineSlug = slug
	p.Profile = profile

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return Pointer{}, fmt.Errorf("marshal latest pointer: %w", err)
	}
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return Pointer{}, err
	}
	return p, nil
}

// Pointers returns every latest pointer, sorted by file name.
func (x *Index) Pointers() ([]Pointer, error) {
	root := x.paths.LatestRoot()
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list latest pointers: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []Pointer
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p, err := readPointer(filepath.Join(root, e.Name()))
		if err != nil {
			x.logger.Warn("skipping unreadable latest pointer", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
