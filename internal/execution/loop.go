package execution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/runindex"
)

// StepFunc executes one step. It reports the step's own events and
// returns its result; the loop emits run-level events and skips.
type StepFunc func(ctx context.Context, step ir.ManifestStep) StepResult

// Loop walks a manifest's steps in order. Both adapters run it, so run
// events, skip handling and terminal status are identical.
type Loop struct {
	Manifest *ir.Manifest
	Reporter events.Reporter
	Clock    clock.Clock
	Logger   *slog.Logger

	// RunTimeout bounds the whole run; zero disables it.
	RunTimeout  time.Duration
	TimeoutCode string
	Source      failure.Source
}

// Run executes every step. A failure of a step that is not best-effort
// halts the run. Steps depending on a failed or skipped step are skipped.
func (l *Loop) Run(ctx context.Context, fn StepFunc) *ExecResult {
	clk := l.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := l.Manifest

	runCtx := ctx
	if l.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.RunTimeout)
		defer cancel()
	}

	res := &ExecResult{StartedAt: clk.Now()}
	report(logger, l.Reporter.Emit(events.RunStart, "", map[string]any{
		events.FieldPipeline: m.PipelineSlug,
		events.FieldManifest: m.ManifestHash,
		events.FieldSteps:    len(m.Steps),
	}))

	broken := make(map[string]bool)
	for _, step := range m.Steps {
		if err := l.interrupted(ctx, runCtx); err != nil {
			res.Err = err
			break
		}
		if upstream, ok := brokenInput(step, broken); ok {
			broken[step.ID] = true
			res.Steps = append(res.Steps, StepResult{StepID: step.ID, Status: StepSkippedS, BestEffort: step.BestEffort})
			report(logger, l.Reporter.Emit(events.StepSkipped, step.ID, map[string]any{
				events.FieldReason: "upstream_failed",
				"upstream":         upstream,
			}))
			continue
		}

		sr := fn(runCtx, step)
		if sr.Status == StepFailedS && sr.Err == nil {
			sr.Err = failure.Driver(failure.PhaseForMode(step.Mode), "", step.ID, nil)
		}
		res.Steps = append(res.Steps, sr)
		if sr.Status != StepFailedS {
			continue
		}
		broken[step.ID] = true
		stop := sr.Err.Kind == failure.KindCancelled || !step.BestEffort
		if stop {
			res.Err = sr.Err
			break
		}
		logger.Info("best-effort step failed, continuing", "step", step.ID, "code", sr.Err.Code)
	}

	res.EndedAt = clk.Now()
	res.Rows = RunRows(res.Steps)
	durationMS := res.EndedAt.Sub(res.StartedAt).Milliseconds()
	switch {
	case res.Err == nil:
		res.Status = runindex.StatusSuccess
		report(logger, l.Reporter.Emit(events.RunComplete, "", map[string]any{
			events.FieldStatus:     string(res.Status),
			events.FieldRows:       res.Rows,
			events.FieldDurationMS: durationMS,
		}))
	case res.Err.Kind == failure.KindCancelled:
		res.Status = runindex.StatusCancelled
		report(logger, l.Reporter.Emit(events.RunCancelled, res.Err.StepID, map[string]any{
			events.FieldErrorCode:  res.Err.Code,
			events.FieldDurationMS: durationMS,
		}))
	default:
		res.Status = runindex.StatusFailed
		report(logger, l.Reporter.Emit(events.RunFailed, res.Err.StepID, map[string]any{
			events.FieldErrorCode:  res.Err.Code,
			events.FieldError:      res.Err.Message,
			events.FieldDurationMS: durationMS,
		}))
	}
	return res
}

// interrupted checks for cancellation or run timeout at a step boundary.
func (l *Loop) interrupted(parent, runCtx context.Context) *failure.Error {
	if errors.Is(parent.Err(), context.Canceled) {
		return failure.New(failure.KindCancelled, failure.CodeRunCancelled, "run cancelled").WithSource(l.Source)
	}
	if runCtx.Err() != nil {
		code := l.TimeoutCode
		if code == "" {
			code = failure.CodeLocalTimeout
		}
		return failure.New(failure.KindForCode(code), code, "run timed out").WithSource(l.Source)
	}
	return nil
}

func brokenInput(step ir.ManifestStep, broken map[string]bool) (string, bool) {
	for _, name := range ir.SortedKeys(step.Inputs) {
		if ref := step.Inputs[name]; broken[ref.Step] {
			return ref.Step, true
		}
	}
	return "", false
}

// RunRows is the run's row count: rows written by sinks, or rows read when
// the pipeline writes nothing.
func RunRows(steps []StepResult) int64 {
	var written, read float64
	for _, s := range steps {
		if s.Status != StepSucceeded {
			continue
		}
		written += s.Metrics[events.MetricRowsWritten]
		read += s.Metrics[events.MetricRowsRead]
	}
	if written > 0 {
		return int64(written)
	}
	return int64(read)
}
