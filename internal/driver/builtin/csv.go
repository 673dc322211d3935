package builtin

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/keboola/osiris/internal/driver"
)

type csvExtractor struct{}

func (csvExtractor) Run(ctx context.Context, _ string, config map[string]any, _ driver.Outputs, rc *driver.Context) (driver.Outputs, error) {
	path, err := stringValue(config, "path", "")
	if err != nil || path == "" {
		return nil, driver.Fail(driver.ReasonConfig, "path is required")
	}
	header, err := boolValue(config, "header", true)
	if err != nil {
		return nil, driver.Fail(driver.ReasonConfig, "%v", err)
	}
	delim, err := delimiter(config)
	if err != nil {
		return nil, driver.Fail(driver.ReasonConfig, "%v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, driver.Fail(driver.ReasonConnection, "open %s: %v", filepath.Base(path), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = delim
	t := &driver.Table{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, driver.Fail(driver.ReasonSchemaMismatch, "%v", err)
		}
		if header && t.Columns == nil {
			t.Columns = rec
			continue
		}
		if t.Columns == nil {
			t.Columns = make([]string, len(rec))
			for i := range rec {
				t.Columns[i] = fmt.Sprintf("col%d", i+1)
			}
		}
		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	rc.RecordMetric("rows_read", float64(t.Len()))
	return driver.Outputs{"df": t}, nil
}

type csvWriter struct{}

func (csvWriter) Run(ctx context.Context, _ string, config map[string]any, inputs driver.Outputs, rc *driver.Context) (driver.Outputs, error) {
	path, err := stringValue(config, "path", "")
	if err != nil || path == "" {
		return nil, driver.Fail(driver.ReasonConfig, "path is required")
	}
	if !filepath.IsLocal(path) {
		return nil, driver.Fail(driver.ReasonConfig, "path %q must stay inside the artifacts directory", path)
	}
	delim, err := delimiter(config)
	if err != nil {
		return nil, driver.Fail(driver.ReasonConfig, "%v", err)
	}
	t, ok := inputs["df"]
	if !ok || t == nil {
		return nil, driver.Fail(driver.ReasonSchemaMismatch, "input df is missing")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delim
	if err := w.Write(t.Columns); err != nil {
		return nil, driver.Fail(driver.ReasonIO, "%v", err)
	}
	rec := make([]string, len(t.Columns))
	for i, row := range t.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(row) != len(t.Columns) {
			return nil, driver.Fail(driver.ReasonSchemaMismatch,
				"row %d has %d values, table has %d columns", i+1, len(row), len(t.Columns))
		}
		for c, v := range row {
			rec[c] = fmt.Sprint(v)
		}
		if err := w.Write(rec); err != nil {
			return nil, driver.Fail(driver.ReasonIO, "%v", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, driver.Fail(driver.ReasonIO, "%v", err)
	}

	target := filepath.Join(rc.ArtifactsDir, path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, driver.Fail(driver.ReasonIO, "%v", err)
	}
	if err := os.WriteFile(target, buf.Bytes(), 0o644); err != nil {
		return nil, driver.Fail(driver.ReasonIO, "write %s: %v", path, err)
	}
	rc.RecordMetric("rows_written", float64(t.Len()))
	rc.RecordMetric("bytes_written", float64(buf.Len()))
	return driver.Outputs{}, nil
}

func delimiter(config map[string]any) (rune, error) {
	s, err := stringValue(config, "delimiter", ",")
	if err != nil {
		return 0, err
	}
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 || size != len(s) {
		return 0, fmt.Errorf("delimiter must be a single character")
	}
	return r, nil
}
