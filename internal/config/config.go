// Package config loads osiris.yaml.
//
// Precedence, lowest first: built-in defaults, the YAML file, OSIRIS_*
// environment variables. A .env file next to the config file is exported
// into the process environment first (existing variables win), so both the
// overrides and the drivers' ${VAR} placeholders can come from it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/keboola/osiris/internal/compiler"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/rpc"
	"github.com/keboola/osiris/internal/runid"
)

// DefaultFile is loaded when no path is given.
const DefaultFile = "osiris.yaml"

// Config is the whole configuration file.
type Config struct {
	Filesystem Filesystem `yaml:"filesystem"`
	Compile    Compile    `yaml:"compile"`
	RunID      RunID      `yaml:"run_id"`
	Execution  Execution  `yaml:"execution"`
	Remote     Remote     `yaml:"remote"`
	Retention  Retention  `yaml:"retention"`
	Annex      Annex      `yaml:"annex"`

	// Source is the file the config was read from; empty for defaults only.
	Source string `yaml:"-"`
}

type Filesystem struct {
	BasePath   string   `yaml:"base_path"`
	BuildDir   string   `yaml:"build_dir"`
	RunLogsDir string   `yaml:"run_logs_dir"`
	AnnexDir   string   `yaml:"annex_dir"`
	IndexDir   string   `yaml:"index_dir"`
	Profiles   Profiles `yaml:"profiles"`
	Naming     Naming   `yaml:"naming"`
}

type Profiles struct {
	Enabled bool     `yaml:"enabled"`
	Values  []string `yaml:"values"`
	Default string   `yaml:"default"`
}

type Naming struct {
	ManifestDir string `yaml:"manifest_dir"`
	RunDir      string `yaml:"run_dir"`
	AnnexDir    string `yaml:"annex_dir"`
	RunTSFormat string `yaml:"run_ts_format"`
}

type Compile struct {
	HashAlgorithm       string `yaml:"hash_algorithm"`
	ManifestShortLength int    `yaml:"manifest_short_length"`
	CacheSize           int    `yaml:"cache_size"`
}

type RunID struct {
	Format       []string     `yaml:"format"`
	Fallback     []string     `yaml:"fallback"`
	CounterWidth int          `yaml:"counter_width"`
	Prefix       string       `yaml:"prefix"`
	CounterStore CounterStore `yaml:"counter_store"`
}

type CounterStore struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver"`

	// DSN is a file path for sqlite (default: the index directory's
	// counters.sqlite) or a connection string for postgres.
	DSN string `yaml:"dsn"`
}

type Execution struct {
	StepTimeout Duration `yaml:"step_timeout"`
	RunTimeout  Duration `yaml:"run_timeout"`
	EventBuffer int      `yaml:"event_buffer"`
}

type Remote struct {
	// Provider is process (spawn WorkerCommand) or inproc.
	Provider         string   `yaml:"provider"`
	WorkerCommand    []string `yaml:"worker_command"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	KillGrace        Duration `yaml:"kill_grace"`
	ChunkSize        int      `yaml:"chunk_size"`
	Compression      string   `yaml:"compression"`
}

type Retention struct {
	RunLogsMaxAge Duration `yaml:"run_logs_max_age"`
	KeepRuns      int      `yaml:"keep_runs"`
}

// Annex configures the long-lived artifact store. MinIO credentials are
// read from the environment variables named here, never from the file.
type Annex struct {
	Kind         string `yaml:"kind"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	UseSSL       bool   `yaml:"use_ssl"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Filesystem: Filesystem{BasePath: "."},
		Compile: Compile{
			HashAlgorithm:       string(ir.DefaultHashAlgorithm),
			ManifestShortLength: ir.DefaultShortLength,
		},
		RunID: RunID{
			Format:       []string{string(runid.TokenIncremental)},
			CounterStore: CounterStore{Driver: "sqlite"},
		},
		Execution: Execution{EventBuffer: 256},
		Remote: Remote{
			Provider:         "process",
			HandshakeTimeout: Duration(30 * time.Second),
			KillGrace:        Duration(2 * time.Second),
			ChunkSize:        rpc.DefaultChunkSize,
			Compression:      rpc.CompressionZstd,
		},
		Annex: Annex{
			Kind:         "none",
			Region:       "us-east-1",
			AccessKeyEnv: "OSIRIS_ANNEX_ACCESS_KEY",
			SecretKeyEnv: "OSIRIS_ANNEX_SECRET_KEY",
		},
	}
}

// Load reads path (DefaultFile when empty). A missing DefaultFile yields the
// defaults; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return load(path, explicit, os.LookupEnv)
}

func load(path string, explicit bool, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.Source = path
		// Relative base paths are relative to the config file.
		if !filepath.IsAbs(cfg.Filesystem.BasePath) {
			cfg.Filesystem.BasePath = filepath.Join(filepath.Dir(path), cfg.Filesystem.BasePath)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !ir.HashAlgorithm(c.Compile.HashAlgorithm).Valid() {
		add("compile.hash_algorithm: unsupported %q", c.Compile.HashAlgorithm)
	}
	if n := c.Compile.ManifestShortLength; n < ir.MinShortLength || n > ir.MaxShortLength {
		add("compile.manifest_short_length: %d outside [%d, %d]", n, ir.MinShortLength, ir.MaxShortLength)
	}
	if _, err := c.RunIDConfig(); err != nil {
		add("run_id: %v", err)
	}
	if !slices.Contains([]string{"sqlite", "postgres"}, c.RunID.CounterStore.Driver) {
		add("run_id.counter_store.driver: unknown %q", c.RunID.CounterStore.Driver)
	}
	if c.RunID.CounterStore.Driver == "postgres" && c.RunID.CounterStore.DSN == "" {
		add("run_id.counter_store.dsn: required for postgres")
	}
	for name, d := range map[string]Duration{
		"execution.step_timeout":     c.Execution.StepTimeout,
		"execution.run_timeout":      c.Execution.RunTimeout,
		"remote.handshake_timeout":   c.Remote.HandshakeTimeout,
		"remote.kill_grace":          c.Remote.KillGrace,
		"retention.run_logs_max_age": c.Retention.RunLogsMaxAge,
	} {
		if d < 0 {
			add("%s: must not be negative", name)
		}
	}
	if c.Execution.EventBuffer < 0 {
		add("execution.event_buffer: must not be negative")
	}
	if c.Retention.KeepRuns < 0 {
		add("retention.keep_runs: must not be negative")
	}
	if !slices.Contains([]string{"process", "inproc"}, c.Remote.Provider) {
		add("remote.provider: unknown %q", c.Remote.Provider)
	}
	if !rpc.ValidCompression(c.Remote.Compression) {
		add("remote.compression: unknown %q", c.Remote.Compression)
	}
	switch c.Annex.Kind {
	case "none", "fs":
	case "minio":
		if c.Annex.Endpoint == "" || c.Annex.Bucket == "" {
			add("annex: minio needs endpoint and bucket")
		}
	default:
		add("annex.kind: unknown %q", c.Annex.Kind)
	}
	p := c.Filesystem.Profiles
	if p.Enabled && p.Default != "" && len(p.Values) > 0 && !slices.Contains(p.Values, p.Default) {
		add("filesystem.profiles.default: %q is not in values", p.Default)
	}
	return errors.Join(errs...)
}

// Layout returns the path contract configuration.
func (c *Config) Layout() layout.Config {
	fsc := c.Filesystem
	return layout.Config{
		BasePath:         fsc.BasePath,
		BuildDir:         fsc.BuildDir,
		RunLogsDir:       fsc.RunLogsDir,
		AnnexDir:         fsc.AnnexDir,
		IndexDir:         fsc.IndexDir,
		ProfilesEnabled:  fsc.Profiles.Enabled,
		ManifestTemplate: fsc.Naming.ManifestDir,
		RunTemplate:      fsc.Naming.RunDir,
		AnnexTemplate:    fsc.Naming.AnnexDir,
		RunTSFormat:      fsc.Naming.RunTSFormat,
	}
}

// CompilerOptions returns the compiler configuration.
func (c *Config) CompilerOptions() compiler.Options {
	opts := compiler.Options{
		HashAlgorithm: ir.HashAlgorithm(c.Compile.HashAlgorithm),
		ShortLength:   c.Compile.ManifestShortLength,
		CacheSize:     c.Compile.CacheSize,
	}
	if c.Filesystem.Profiles.Enabled {
		opts.Profiles = c.Filesystem.Profiles.Values
		opts.DefaultProfile = c.Filesystem.Profiles.Default
	}
	return opts
}

// RunIDConfig parses the run id token lists.
func (c *Config) RunIDConfig() (runid.Config, error) {
	format, err := runid.ParseFormat(strings.Join(c.RunID.Format, ","))
	if err != nil {
		return runid.Config{}, fmt.Errorf("format: %w", err)
	}
	fallback, err := runid.ParseFormat(strings.Join(c.RunID.Fallback, ","))
	if err != nil {
		return runid.Config{}, fmt.Errorf("fallback: %w", err)
	}
	return runid.Config{
		Format:       format,
		Fallback:     fallback,
		CounterWidth: c.RunID.CounterWidth,
		Prefix:       c.RunID.Prefix,
	}, nil
}
