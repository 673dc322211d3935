package ir

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	placeholderExact = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)
	placeholderAny   = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// Placeholder renders an environment variable name as ${NAME}.
func Placeholder(name string) string {
	return "${" + name + "}"
}

// PlaceholderName returns NAME if s is exactly ${NAME}.
func PlaceholderName(s string) (string, bool) {
	m := placeholderExact.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// CollectPlaceholders returns the sorted, de-duplicated variable names of
// every ${NAME} occurring in string values of v.
func CollectPlaceholders(v any) []string {
	var names []string
	walkStrings(v, func(s string) {
		for _, m := range placeholderAny.FindAllStringSubmatch(s, -1) {
			names = append(names, m[1])
		}
	})
	slices.Sort(names)
	return slices.Compact(names)
}

// MissingVariableError lists placeholders that had no value at expansion time.
type MissingVariableError struct {
	Names []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("unset environment variables: %s", strings.Join(e.Names, ", "))
}

// ExpandPlaceholders returns a deep copy of v with every ${NAME} replaced by
// lookup(NAME). The input is not modified.
func ExpandPlaceholders(v any, lookup func(string) (string, bool)) (any, error) {
	var missing []string
	out := mapStrings(v, func(s string) string {
		return placeholderAny.ReplaceAllStringFunc(s, func(p string) string {
			name := p[2 : len(p)-1]
			val, ok := lookup(name)
			if !ok {
				missing = append(missing, name)
				return p
			}
			return val
		})
	})
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, &MissingVariableError{Names: slices.Compact(missing)}
	}
	return out, nil
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case []any:
		for _, e := range val {
			walkStrings(e, fn)
		}
	case map[string]any:
		for _, e := range val {
			walkStrings(e, fn)
		}
	}
}

func mapStrings(v any, fn func(string) string) any {
	switch val := v.(type) {
	case string:
		return fn(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = mapStrings(e, fn)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = mapStrings(e, fn)
		}
		return out
	}
	return v
}
