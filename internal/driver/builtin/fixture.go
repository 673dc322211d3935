package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/keboola/osiris/internal/driver"
)

var defaultFixtureColumns = []string{"id", "name", "amount"}

// fixtureExtractor generates deterministic rows. "delay" sleeps before
// producing output (a large delay simulates a hung source) and
// "fail_with" fails with the given reason.
type fixtureExtractor struct{}

func (fixtureExtractor) Run(ctx context.Context, stepID string, config map[string]any, _ driver.Outputs, rc *driver.Context) (driver.Outputs, error) {
	rows, err := intValue(config, "rows", 10)
	if err != nil {
		return nil, driver.Fail(driver.ReasonConfig, "%v", err)
	}
	seed, err := intValue(config, "seed", 1)
	if err != nil {
		return nil, driver.Fail(driver.ReasonConfig, "%v", err)
	}
	delay, err := durationValue(config, "delay")
	if err != nil {
		return nil, driver.Fail(driver.ReasonConfig, "%v", err)
	}
	failWith, err := stringValue(config, "fail_with", "")
	if err != nil {
		return nil, driver.Fail(driver.ReasonConfig, "%v", err)
	}
	columns, err := fixtureColumns(config)
	if err != nil {
		return nil, driver.Fail(driver.ReasonConfig, "%v", err)
	}
	if conn, ok := config[driver.ConnectionKey].(map[string]any); ok {
		if pw, ok := conn["password"]; ok && pw == "" {
			return nil, driver.Fail(driver.ReasonConnection, "fixture connection %v has an empty password", conn["alias"])
		}
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if failWith != "" {
		return nil, driver.Fail(failWith, "fixture %s failed on request", stepID)
	}

	t := &driver.Table{Columns: columns, Rows: make([][]any, 0, rows)}
	for i := int64(0); i < rows; i++ {
		row := make([]any, len(columns))
		for c, name := range columns {
			row[c] = fixtureValue(name, seed, i)
		}
		t.Rows = append(t.Rows, row)
	}
	rc.RecordMetric("rows_read", float64(t.Len()))
	return driver.Outputs{"df": t}, nil
}

func fixtureColumns(config map[string]any) ([]string, error) {
	raw, ok := config["columns"]
	if !ok || raw == nil {
		return defaultFixtureColumns, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("columns: expected a list, got %T", raw)
	}
	out := make([]string, len(list))
	for i, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("columns[%d]: expected a string", i)
		}
		out[i] = s
	}
	return out, nil
}

func fixtureValue(column string, seed, i int64) any {
	switch column {
	case "id":
		return i + 1
	case "name":
		return fmt.Sprintf("item-%d-%03d", seed, i+1)
	case "amount":
		return (seed*7919 + i*104729) % 1000
	}
	return fmt.Sprintf("%s-%d", column, i+1)
}
