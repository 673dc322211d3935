// Package layout renders every filesystem path the system uses.
//
// A Contract is pure: the same Config and Identity always render the same
// paths, missing tokens render as empty strings, and empty segments and
// the separators missing tokens leave behind collapse. The only side
// effect offered is EnsureDir.
package layout

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Tokens available to directory templates.
const (
	TokenPipelineSlug  = "{pipeline_slug}"
	TokenProfile       = "{profile}"
	TokenManifestShort = "{manifest_short}"
	TokenManifestHash  = "{manifest_hash}"
	TokenRunID         = "{run_id}"
	TokenRunTS         = "{run_ts}"
)

// Defaults applied by New for unset Config fields.
const (
	DefaultBuildDir         = "build"
	DefaultRunLogsDir       = "run_logs"
	DefaultAnnexDir         = "annex"
	DefaultIndexDir         = ".osiris/index"
	DefaultManifestTemplate = "{profile}/{pipeline_slug}/{manifest_short}-{manifest_hash}"
	DefaultRunTemplate      = "{profile}/{pipeline_slug}/{run_ts}_{run_id}-{manifest_short}"
	DefaultAnnexTemplate    = "{profile}/{pipeline_slug}/{run_id}"
	DefaultRunTSFormat      = "20060102T150405Z"
)

// Fixed file names inside rendered directories.
const (
	ManifestFile     = "manifest.yaml"
	ConfigDir        = "cfg"
	RunMarkerFile    = "run.json"
	AnnexMarkerFile  = ".osiris-run.json"
	EventsFile       = "events.jsonl"
	MetricsFile      = "metrics.jsonl"
	ArtifactsDir     = "artifacts"
	RemoteDir        = "remote"
	WorkerLogFile    = "worker.log"
	IndexFile        = "runs.jsonl"
	PipelineIndexDir = "by_pipeline"
	LatestDir        = "latest"
	CounterStoreFile = "counters.sqlite"
	LockSuffix       = ".lock"
)

// Config describes the directory layout under one base path.
type Config struct {
	BasePath        string
	BuildDir        string
	RunLogsDir      string
	AnnexDir        string
	IndexDir        string
	ProfilesEnabled bool

	ManifestTemplate string
	RunTemplate      string
	AnnexTemplate    string
	RunTSFormat      string
}

// Identity is the set of values a path may depend on. Any field may be empty.
type Identity struct {
	PipelineSlug  string
	Profile       string
	ManifestShort string
	ManifestHash  string
	RunID         string
	RunTS         time.Time
}

// Contract renders paths for a Config.
type Contract struct {
	cfg Config
}

// New returns a Contract with defaults filled in.
func New(cfg Config) *Contract {
	if cfg.BasePath == "" {
		cfg.BasePath = "."
	}
	cfg.BuildDir = orDefault(cfg.BuildDir, DefaultBuildDir)
	cfg.RunLogsDir = orDefault(cfg.RunLogsDir, DefaultRunLogsDir)
	cfg.AnnexDir = orDefault(cfg.AnnexDir, DefaultAnnexDir)
	cfg.IndexDir = orDefault(cfg.IndexDir, DefaultIndexDir)
	cfg.ManifestTemplate = orDefault(cfg.ManifestTemplate, DefaultManifestTemplate)
	cfg.RunTemplate = orDefault(cfg.RunTemplate, DefaultRunTemplate)
	cfg.AnnexTemplate = orDefault(cfg.AnnexTemplate, DefaultAnnexTemplate)
	cfg.RunTSFormat = orDefault(cfg.RunTSFormat, DefaultRunTSFormat)
	return &Contract{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Contract) Config() Config {
	return c.cfg
}

// Render substitutes tokens in tmpl and collapses the result.
func (c *Contract) Render(tmpl string, id Identity) string {
	profile := id.Profile
	if !c.cfg.ProfilesEnabled {
		profile = ""
	}
	ts := ""
	if !id.RunTS.IsZero() {
		ts = id.RunTS.UTC().Format(c.cfg.RunTSFormat)
	}
	r := strings.NewReplacer(
		TokenPipelineSlug, tokenValue(id.PipelineSlug),
		TokenProfile, tokenValue(profile),
		TokenManifestShort, tokenValue(id.ManifestShort),
		TokenManifestHash, tokenValue(id.ManifestHash),
		TokenRunID, tokenValue(id.RunID),
		TokenRunTS, tokenValue(ts),
	)
	return collapse(r.Replace(tmpl))
}

// BuildRoot is the directory holding all manifest directories.
func (c *Contract) BuildRoot() string {
	return filepath.Join(c.cfg.BasePath, c.cfg.BuildDir, "pipelines")
}

// RunLogsRoot is the directory holding all run-log directories.
func (c *Contract) RunLogsRoot() string {
	return filepath.Join(c.cfg.BasePath, c.cfg.RunLogsDir)
}

// AnnexRoot is the directory of the filesystem annex store.
func (c *Contract) AnnexRoot() string {
	return filepath.Join(c.cfg.BasePath, c.cfg.AnnexDir)
}

// IndexRoot is the directory holding the run index.
func (c *Contract) IndexRoot() string {
	return filepath.Join(c.cfg.BasePath, c.cfg.IndexDir)
}

// ManifestDir is the build directory for one compiled manifest.
func (c *Contract) ManifestDir(id Identity) string {
	return join(c.BuildRoot(), c.Render(c.cfg.ManifestTemplate, id))
}

// ManifestPath is the manifest file inside ManifestDir.
func (c *Contract) ManifestPath(id Identity) string {
	return filepath.Join(c.ManifestDir(id), ManifestFile)
}

// StepConfigPath is the per-step config artifact, relative to ManifestDir.
func StepConfigPath(stepID string) string {
	return ConfigDir + "/" + sanitize(stepID) + ".json"
}

// RunDir is the run-log directory for one run.
func (c *Contract) RunDir(id Identity) string {
	return join(c.RunLogsRoot(), c.Render(c.cfg.RunTemplate, id))
}

// AnnexPrefix is the annex key prefix for one run, slash separated.
func (c *Contract) AnnexPrefix(id Identity) string {
	return c.Render(c.cfg.AnnexTemplate, id)
}

// IndexFile is the global append-only run log.
func (c *Contract) IndexFile() string {
	return filepath.Join(c.IndexRoot(), IndexFile)
}

// PipelineIndexFile is the per-pipeline append-only run log.
func (c *Contract) PipelineIndexFile(slug string) string {
	return filepath.Join(c.IndexRoot(), PipelineIndexDir, nonEmpty(sanitize(slug))+".jsonl")
}

// LatestFile is the latest-manifest pointer for a pipeline and profile.
func (c *Contract) LatestFile(slug, profile string) string {
	name := nonEmpty(sanitize(slug))
	if c.cfg.ProfilesEnabled && profile != "" {
		name += "@" + sanitize(profile)
	}
	return filepath.Join(c.IndexRoot(), LatestDir, name+".json")
}

// LatestRoot is the directory of latest pointers.
func (c *Contract) LatestRoot() string {
	return filepath.Join(c.IndexRoot(), LatestDir)
}

// CounterStorePath is the default SQLite counter database.
func (c *Contract) CounterStorePath() string {
	return filepath.Join(c.IndexRoot(), CounterStoreFile)
}

// RunLayout lists the files of one run-log directory.
type RunLayout struct {
	RunDir       string `json:"run_dir" cbor:"run_dir"`
	ArtifactsDir string `json:"artifacts_dir" cbor:"artifacts_dir"`
	EventsFile   string `json:"events_file" cbor:"events_file"`
	MetricsFile  string `json:"metrics_file" cbor:"metrics_file"`
	MarkerFile   string `json:"marker_file" cbor:"marker_file"`
	RemoteDir    string `json:"remote_dir" cbor:"remote_dir"`
	WorkerLog    string `json:"worker_log" cbor:"worker_log"`
}

// RunLayoutFor expands a run directory into its files.
func RunLayoutFor(runDir string) RunLayout {
	return RunLayout{
		RunDir:       runDir,
		ArtifactsDir: filepath.Join(runDir, ArtifactsDir),
		EventsFile:   filepath.Join(runDir, EventsFile),
		MetricsFile:  filepath.Join(runDir, MetricsFile),
		MarkerFile:   filepath.Join(runDir, RunMarkerFile),
		RemoteDir:    filepath.Join(runDir, RemoteDir),
		WorkerLog:    filepath.Join(runDir, RemoteDir, WorkerLogFile),
	}
}

// RemoteArtifactsDir mirrors ArtifactsDir under the remote/ subtree.
func (l RunLayout) RemoteArtifactsDir() string {
	return filepath.Join(l.RemoteDir, ArtifactsDir)
}

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// emptyToken stands in for a token that rendered empty until collapse
// removes it together with the separator it leaves dangling.
const emptyToken = "\x00"

var (
	trailingEmpty = regexp.MustCompile(`[_\-]?(\x00[_\-]?)+$`)
	leadingEmpty  = regexp.MustCompile(`\x00[_\-]?`)
)

func tokenValue(v string) string {
	if v = sanitize(v); v == "" {
		return emptyToken
	}
	return v
}

// collapse drops empty path segments. Within a segment, each empty token
// takes one adjacent separator with it (the following one, or the
// preceding one at the end of the segment). Separators inside token
// values are left alone, so distinct values render distinct paths.
func collapse(p string) string {
	parts := strings.Split(filepath.ToSlash(p), "/")
	out := parts[:0]
	for _, part := range parts {
		part = trailingEmpty.ReplaceAllString(part, "")
		part = leadingEmpty.ReplaceAllString(part, "")
		if part == "" || part == "." {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, "/")
}

// sanitize keeps token values inside a single path segment.
func sanitize(v string) string {
	v = strings.NewReplacer("/", "_", "\\", "_", emptyToken, "_").Replace(v)
	if v == ".." {
		return "_"
	}
	return v
}

func join(root, rel string) string {
	if rel == "" {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

func nonEmpty(s string) string {
	if s == "" {
		return "_"
	}
	return s
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
