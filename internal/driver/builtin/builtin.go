// Package builtin holds the drivers shipped with the binary. They are
// registered in both the host process and the sandboxed worker, so local
// and remote runs execute identical code.
package builtin

import (
	"fmt"
	"math"
	"time"

	"github.com/keboola/osiris/internal/driver"
)

// Register adds every builtin driver to reg.
func Register(reg *driver.Registry) {
	reg.Register("fixture.extractor", "read", func() driver.Driver { return fixtureExtractor{} })
	reg.Register("csv.extractor", "read", func() driver.Driver { return csvExtractor{} })
	reg.Register("csv.writer", "write", func() driver.Driver { return csvWriter{} })
	reg.Register("filter.transformer", "transform", func() driver.Driver { return filterTransformer{} })
}

// Registry returns a new registry holding the builtin drivers.
func Registry() *driver.Registry {
	reg := driver.NewRegistry()
	Register(reg)
	return reg
}

func intValue(config map[string]any, key string, def int64) (int64, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%s: %d out of range", key, n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s: %v is not an integer", key, n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("%s: expected an integer, got %T", key, v)
}

func stringValue(config map[string]any, key, def string) (string, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected a string, got %T", key, v)
	}
	return s, nil
}

func boolValue(config map[string]any, key string, def bool) (bool, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected a bool, got %T", key, v)
	}
	return b, nil
}

func durationValue(config map[string]any, key string) (time.Duration, error) {
	s, err := stringValue(config, key, "")
	if err != nil || s == "" {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
