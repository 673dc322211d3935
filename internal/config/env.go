package config

import (
	"fmt"
	"strconv"
	"strings"
)

// override binds one OSIRIS_* variable to a config field.
type override struct {
	name  string
	apply func(c *Config, v string) error
}

var overrides = []override{
	{"OSIRIS_BASE_PATH", setString(func(c *Config) *string { return &c.Filesystem.BasePath })},
	{"OSIRIS_PROFILE", setString(func(c *Config) *string { return &c.Filesystem.Profiles.Default })},
	{"OSIRIS_HASH_ALGORITHM", setString(func(c *Config) *string { return &c.Compile.HashAlgorithm })},
	{"OSIRIS_MANIFEST_SHORT_LENGTH", setInt(func(c *Config) *int { return &c.Compile.ManifestShortLength })},
	{"OSIRIS_RUN_ID_FORMAT", setList(func(c *Config) *[]string { return &c.RunID.Format })},
	{"OSIRIS_RUN_ID_FALLBACK", setList(func(c *Config) *[]string { return &c.RunID.Fallback })},
	{"OSIRIS_COUNTER_STORE_DRIVER", setString(func(c *Config) *string { return &c.RunID.CounterStore.Driver })},
	{"OSIRIS_COUNTER_STORE_DSN", setString(func(c *Config) *string { return &c.RunID.CounterStore.DSN })},
	{"OSIRIS_STEP_TIMEOUT", setDuration(func(c *Config) *Duration { return &c.Execution.StepTimeout })},
	{"OSIRIS_RUN_TIMEOUT", setDuration(func(c *Config) *Duration { return &c.Execution.RunTimeout })},
	{"OSIRIS_REMOTE_PROVIDER", setString(func(c *Config) *string { return &c.Remote.Provider })},
	{"OSIRIS_REMOTE_COMPRESSION", setString(func(c *Config) *string { return &c.Remote.Compression })},
	{"OSIRIS_RETENTION_MAX_AGE", setDuration(func(c *Config) *Duration { return &c.Retention.RunLogsMaxAge })},
	{"OSIRIS_RETENTION_KEEP_RUNS", setInt(func(c *Config) *int { return &c.Retention.KeepRuns })},
	{"OSIRIS_ANNEX_KIND", setString(func(c *Config) *string { return &c.Annex.Kind })},
	{"OSIRIS_ANNEX_ENDPOINT", setString(func(c *Config) *string { return &c.Annex.Endpoint })},
	{"OSIRIS_ANNEX_BUCKET", setString(func(c *Config) *string { return &c.Annex.Bucket })},
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, o := range overrides {
		v, ok := lookup(o.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
	}
	return nil
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*field(c) = n
		return nil
	}
}

func setList(field func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
		return nil
	}
}

func setDuration(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
