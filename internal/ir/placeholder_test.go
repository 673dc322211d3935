package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholderName(t *testing.T) {
	name, ok := PlaceholderName("${MYSQL_PASSWORD}")
	assert.True(t, ok)
	assert.Equal(t, "MYSQL_PASSWORD", name)

	for _, s := range []string{"hunter2", "${}", "$MYSQL", "prefix-${X}", "${1BAD}"} {
		_, ok := PlaceholderName(s)
		assert.False(t, ok, s)
	}
}

func TestCollectPlaceholders(t *testing.T) {
	cfg := map[string]any{
		"password": "${DB_PASS}",
		"dsn":      "postgres://u:${DB_PASS}@${DB_HOST}/x",
		"nested":   []any{map[string]any{"token": "${API_TOKEN}"}, 3},
	}
	assert.Equal(t, []string{"API_TOKEN", "DB_HOST", "DB_PASS"}, CollectPlaceholders(cfg))
}

func TestExpandPlaceholders(t *testing.T) {
	env := map[string]string{"DB_PASS": "s3cret", "DB_HOST": "db"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := map[string]any{"password": "${DB_PASS}", "dsn": "u:${DB_PASS}@${DB_HOST}", "n": int64(1)}
	out, err := ExpandPlaceholders(cfg, lookup)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"password": "s3cret", "dsn": "u:s3cret@db", "n": int64(1)}, out)
	assert.Equal(t, "${DB_PASS}", cfg["password"], "input must not be modified")
}

func TestExpandPlaceholdersMissing(t *testing.T) {
	_, err := ExpandPlaceholders(map[string]any{"a": "${B}", "c": "${A}"}, func(string) (string, bool) { return "", false })

	var missing *MissingVariableError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"A", "B"}, missing.Names)
}
