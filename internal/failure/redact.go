package failure

import (
	"slices"
	"strings"
)

// RedactedValue replaces secret values in redacted text.
const RedactedValue = "***"

// Redactor replaces known secret values in strings.
// The zero value redacts nothing.
type Redactor struct {
	values []string
}

// NewRedactor builds a Redactor for the given secret values. Empty values
// are ignored; longer values are replaced first so overlapping secrets are
// fully masked.
func NewRedactor(values ...string) *Redactor {
	var vs []string
	for _, v := range values {
		if v != "" {
			vs = append(vs, v)
		}
	}
	slices.SortFunc(vs, func(a, b string) int { return len(b) - len(a) })
	return &Redactor{values: vs}
}

// String redacts s.
func (r *Redactor) String(s string) string {
	if r == nil {
		return s
	}
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, RedactedValue)
	}
	return s
}

// Value redacts every string inside a decoded document value.
func (r *Redactor) Value(v any) any {
	if r == nil || len(r.values) == 0 {
		return v
	}
	switch val := v.(type) {
	case string:
		return r.String(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = r.Value(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = r.Value(e)
		}
		return out
	}
	return v
}
