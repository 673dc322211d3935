package driver

import (
	"errors"
	"maps"
	"os"

	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
)

// ConnectionKey is where the resolved connection params appear in the
// config a driver receives.
const ConnectionKey = "connection"

// LookupFunc resolves an environment variable.
type LookupFunc func(string) (string, bool)

// OSLookup reads the process environment.
var OSLookup LookupFunc = os.LookupEnv

// ResolveConfig builds the config a driver receives for step: the manifest
// config plus the connection params under "connection", with every
// ${ENV_VAR} expanded from lookup. It returns the secret values it
// substituted so callers can redact them from error messages.
func ResolveConfig(step ir.ManifestStep, lookup LookupFunc) (map[string]any, []string, error) {
	if lookup == nil {
		lookup = OSLookup
	}
	config := maps.Clone(step.Config)
	if config == nil {
		config = map[string]any{}
	}
	if step.Connection != nil {
		params := maps.Clone(step.Connection.Params)
		if params == nil {
			params = map[string]any{}
		}
		params["family"] = step.Connection.Family
		params["alias"] = step.Connection.Alias
		config[ConnectionKey] = params
	}

	var secrets []string
	expanded, err := ir.ExpandPlaceholders(config, func(name string) (string, bool) {
		v, ok := lookup(name)
		if ok && v != "" {
			secrets = append(secrets, v)
		}
		return v, ok
	})
	if err != nil {
		var mv *ir.MissingVariableError
		if errors.As(err, &mv) {
			return nil, nil, failure.Connection(failure.CodeUnresolvedVariable, "%v", err).WithStep(step.ID)
		}
		return nil, nil, err
	}
	return expanded.(map[string]any), secrets, nil
}
