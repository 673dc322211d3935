package builtin

import (
	"context"
	"fmt"

	"github.com/keboola/osiris/internal/driver"
)

// filterTransformer keeps rows whose column equals a value, compared by
// string form so "7" matches 7.
type filterTransformer struct{}

func (filterTransformer) Run(ctx context.Context, _ string, config map[string]any, inputs driver.Outputs, rc *driver.Context) (driver.Outputs, error) {
	column, err := stringValue(config, "column", "")
	if err != nil || column == "" {
		return nil, driver.Fail(driver.ReasonConfig, "column is required")
	}
	want := fmt.Sprint(config["equals"])

	in, ok := inputs["df"]
	if !ok || in == nil {
		return nil, driver.Fail(driver.ReasonSchemaMismatch, "input df is missing")
	}
	idx := in.ColumnIndex(column)
	if idx < 0 {
		return nil, driver.Fail(driver.ReasonSchemaMismatch, "column %q not in input (columns: %v)", column, in.Columns)
	}

	out := &driver.Table{Columns: append([]string(nil), in.Columns...)}
	for _, row := range in.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if idx < len(row) && fmt.Sprint(row[idx]) == want {
			out.Rows = append(out.Rows, row)
		}
	}
	rc.RecordMetric("rows_out", float64(out.Len()))
	return driver.Outputs{"df": out}, nil
}
