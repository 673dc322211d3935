package connection

import (
	"strconv"
	"strings"

	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
)

// CheckSecrets verifies that every pointer in secrets that exists in doc
// holds a ${ENV_VAR} placeholder. Absent fields are fine. The error names
// the field, never the value.
func CheckSecrets(doc map[string]any, secrets []string) error {
	for _, ptr := range secrets {
		v, ok := Lookup(doc, ptr)
		if !ok || v == nil {
			continue
		}
		s, isString := v.(string)
		if !isString {
			return failure.Connection(failure.CodeMissingPlaceholder,
				"secret field %s must be a ${ENV_VAR} placeholder", ptr)
		}
		if _, ok := ir.PlaceholderName(s); !ok {
			return failure.Connection(failure.CodeMissingPlaceholder,
				"secret field %s holds a literal value; use a ${ENV_VAR} placeholder", ptr)
		}
	}
	return nil
}

// Lookup resolves an RFC 6901 JSON pointer inside a decoded document.
func Lookup(doc any, pointer string) (any, bool) {
	if pointer == "" {
		return doc, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}
	cur := doc
	for _, raw := range strings.Split(pointer[1:], "/") {
		tok := strings.NewReplacer("~1", "/", "~0", "~").Replace(raw)
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[tok]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
