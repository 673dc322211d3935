// Package retention plans and applies deletion of aged run logs and of
// annex runs beyond a keep count.
//
// Build artifacts and the run index are never touched. Run-log directories
// are discovered through their run.json marker, and any directory a latest
// pointer refers to is protected.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/keboola/osiris/internal/annex"
	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/runindex"
)

// ActionKind says what an Action removes.
type ActionKind string

const (
	DeleteRunLogs ActionKind = "delete_run_logs"
	PruneAnnex    ActionKind = "prune_annex"
)

// Action is one planned deletion.
type Action struct {
	Kind         ActionKind `json:"kind"`
	Path         string     `json:"path"`
	RunID        string     `json:"run_id"`
	PipelineSlug string     `json:"pipeline_slug"`
	Profile      string     `json:"profile,omitempty"`
	IssuedAt     time.Time  `json:"issued_at"`
	Reason       string     `json:"reason"`
}

// Failure is an action that could not be applied.
type Failure struct {
	Action Action `json:"action"`
	Code   string `json:"error_code"`
	Error  string `json:"error"`
}

// Result reports what Apply did.
type Result struct {
	DryRun  bool      `json:"dry_run"`
	Applied []Action  `json:"applied"`
	Failed  []Failure `json:"failed,omitempty"`
}

// Err returns a RetentionError summarizing failed actions, or nil.
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return failure.Newf(failure.KindRetention, failure.CodeRetentionDeleteError,
		"%d of %d retention actions failed; first: %s", len(r.Failed), len(r.Failed)+len(r.Applied), r.Failed[0].Error)
}

// Config holds the selection rules. Zero values disable a rule.
type Config struct {
	RunLogsMaxAge time.Duration
	KeepRuns      int
}

// Planner computes and applies retention actions.
type Planner struct {
	paths  *layout.Contract
	index  *runindex.Index
	annex  annex.Store
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithAnnex enables keep-N pruning of s.
func WithAnnex(s annex.Store) Option {
	return func(p *Planner) { p.annex = s }
}

// WithClock overrides the clock used to age run logs.
func WithClock(c clock.Clock) Option {
	return func(p *Planner) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// New returns a Planner for the layout and index.
func New(paths *layout.Contract, index *runindex.Index, cfg Config, opts ...Option) *Planner {
	p := &Planner{paths: paths, index: index, cfg: cfg, clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// protection is what latest pointers keep alive.
type protection struct {
	dirs map[string]bool
	runs map[string]bool
}

// coversDir reports whether dir is a protected run directory, comparing
// absolute paths.
func (prot protection) coversDir(dir string) bool {
	return prot.dirs[absPath(dir)]
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func (p *Planner) protected() (protection, error) {
	pointers, err := p.index.Pointers()
	if err != nil {
		return protection{}, err
	}
	prot := protection{dirs: map[string]bool{}, runs: map[string]bool{}}
	for _, ptr := range pointers {
		if ptr.RunLogsPath != "" {
			prot.dirs[absPath(ptr.RunLogsPath)] = true
		}
		if ptr.RunID != "" {
			prot.runs[runKey(ptr.PipelineSlug, ptr.Profile, ptr.RunID)] = true
		}
	}
	return prot, nil
}

// Plan returns the deletions the rules select right now, ordered by kind
// then path.
func (p *Planner) Plan(ctx context.Context) ([]Action, error) {
	prot, err := p.protected()
	if err != nil {
		return nil, err
	}
	var actions []Action
	if p.cfg.RunLogsMaxAge > 0 {
		runLogs, err := p.planRunLogs(ctx, prot)
		if err != nil {
			return nil, err
		}
		actions = append(actions, runLogs...)
	}
	if p.cfg.KeepRuns > 0 && p.annex != nil {
		pruned, err := p.planAnnex(ctx, prot)
		if err != nil {
			return nil, err
		}
		actions = append(actions, pruned...)
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Kind != actions[j].Kind {
			return actions[i].Kind < actions[j].Kind
		}
		return actions[i].Path < actions[j].Path
	})
	return actions, nil
}

func (p *Planner) planRunLogs(ctx context.Context, prot protection) ([]Action, error) {
	root := p.paths.RunLogsRoot()
	cutoff := p.clock.Now().Add(-p.cfg.RunLogsMaxAge)

	// A run directory is one holding a marker at its top level. Nothing
	// below it is examined, so artifacts never pass for markers.
	var actions []Action
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		markerPath := filepath.Join(path, layout.RunMarkerFile)
		if info, err := os.Lstat(markerPath); err != nil || !info.Mode().IsRegular() {
			return nil
		}
		m, err := runindex.ReadMarker(markerPath)
		if err != nil {
			p.logger.Warn("skipping run directory with unreadable marker", "dir", path, "error", err)
			return filepath.SkipDir
		}
		if prot.coversDir(path) || prot.runs[runKey(m.PipelineSlug, m.Profile, m.RunID)] || !m.IssuedAt.Before(cutoff) {
			return filepath.SkipDir
		}
		actions = append(actions, Action{
			Kind:         DeleteRunLogs,
			Path:         path,
			RunID:        m.RunID,
			PipelineSlug: m.PipelineSlug,
			Profile:      m.Profile,
			IssuedAt:     m.IssuedAt,
			Reason:       fmt.Sprintf("older than %s", p.cfg.RunLogsMaxAge),
		})
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("scan run logs: %w", err)
	}
	return actions, nil
}

func (p *Planner) planAnnex(ctx context.Context, prot protection) ([]Action, error) {
	runs, err := annex.Runs(ctx, p.annex)
	if err != nil {
		return nil, fmt.Errorf("scan annex: %w", err)
	}
	kept := map[string]int{}
	var actions []Action
	for _, r := range runs {
		group := r.Marker.PipelineSlug + "\x00" + r.Marker.Profile
		if prot.runs[runKey(r.Marker.PipelineSlug, r.Marker.Profile, r.Marker.RunID)] {
			continue
		}
		if kept[group] < p.cfg.KeepRuns {
			kept[group]++
			continue
		}
		actions = append(actions, Action{
			Kind:         PruneAnnex,
			Path:         r.Prefix,
			RunID:        r.Marker.RunID,
			PipelineSlug: r.Marker.PipelineSlug,
			Profile:      r.Marker.Profile,
			IssuedAt:     r.Marker.IssuedAt,
			Reason:       fmt.Sprintf("beyond the %d most recent runs", p.cfg.KeepRuns),
		})
	}
	return actions, nil
}

// Apply executes actions. With dryRun nothing is deleted and every action is
// reported as applied. A failing action is logged and recorded in the result;
// the remaining actions still run. The returned error is only for
// cancellation.
func (p *Planner) Apply(ctx context.Context, actions []Action, dryRun bool) (*Result, error) {
	res := &Result{DryRun: dryRun, Applied: []Action{}}
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return res, failure.Wrap(failure.KindCancelled, failure.CodeRunCancelled, "retention cancelled", err)
		}
		if dryRun {
			res.Applied = append(res.Applied, a)
			continue
		}
		if err := p.apply(ctx, a); err != nil {
			fe := failure.Wrap(failure.KindRetention, failure.CodeRetentionDeleteError, "delete failed", err).WithPath(a.Path)
			p.logger.Warn("retention action failed", "kind", a.Kind, "path", a.Path, "error", err)
			res.Failed = append(res.Failed, Failure{Action: a, Code: fe.Code, Error: fe.Error()})
			continue
		}
		p.logger.Info("retention action applied", "kind", a.Kind, "path", a.Path, "run_id", a.RunID)
		res.Applied = append(res.Applied, a)
	}
	return res, nil
}

func (p *Planner) apply(ctx context.Context, a Action) error {
	switch a.Kind {
	case DeleteRunLogs:
		root := p.paths.RunLogsRoot()
		rel, err := filepath.Rel(root, a.Path)
		if err != nil || !filepath.IsLocal(rel) {
			return fmt.Errorf("%s is outside the run-log root", a.Path)
		}
		if err := os.RemoveAll(a.Path); err != nil {
			return err
		}
		pruneEmptyParents(root, filepath.Dir(a.Path))
		return nil
	case PruneAnnex:
		if p.annex == nil {
			return errors.New("no annex store configured")
		}
		return p.annex.DeletePrefix(ctx, a.Path)
	}
	return fmt.Errorf("unknown retention action %q", a.Kind)
}

// pruneEmptyParents removes now-empty directories between dir and root.
func pruneEmptyParents(root, dir string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			return
		}
	}
}

func runKey(slug, profile, runID string) string {
	return slug + "\x00" + profile + "\x00" + runID
}
