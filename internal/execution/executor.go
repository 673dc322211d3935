package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/driver"
	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
)

// StepExecutor runs a single manifest step against a driver and reports
// its lifecycle. The local adapter and the sandboxed worker both use it,
// which keeps event fields and error codes identical on either side.
type StepExecutor struct {
	Drivers *driver.Registry

	// Lookup resolves ${ENV} placeholders; nil uses the process environment.
	Lookup driver.LookupFunc

	// Source tags runtime errors.
	Source failure.Source

	// TimeoutCode is reported when the step or run deadline expires.
	TimeoutCode string

	Clock  clock.Clock
	Logger *slog.Logger
}

// StepRequest is one step invocation.
type StepRequest struct {
	RunID        string
	Step         ir.ManifestStep
	Inputs       driver.Outputs
	ArtifactsDir string
	Timeout      time.Duration
}

type driverResult struct {
	outputs driver.Outputs
	err     error
}

// RunStep executes req.Step and returns its outputs. Events and metrics go
// to rep. A failed step returns a StepResult with Err set; RunStep itself
// never fails.
func (x *StepExecutor) RunStep(ctx context.Context, req StepRequest, rep events.Reporter) (driver.Outputs, StepResult) {
	clk := x.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := x.Logger
	if logger == nil {
		logger = slog.Default()
	}
	step := req.Step
	logger = logger.With("run_id", req.RunID, "step", step.ID)

	res := StepResult{StepID: step.ID, BestEffort: step.BestEffort, Metrics: map[string]float64{}}
	report(logger, rep.Emit(events.StepStart, step.ID, map[string]any{
		events.FieldComponent: step.Component,
		events.FieldMode:      step.Mode,
	}))
	started := clk.Now()

	stepCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	config, secrets, err := driver.ResolveConfig(step, x.Lookup)
	redactor := failure.NewRedactor(secrets...)
	var outputs driver.Outputs
	if err == nil {
		outputs, err = x.invoke(stepCtx, req, config, func(name string, value float64) {
			res.Metrics[name] += value
			report(logger, rep.Metric(name, value, step.ID, nil))
		}, logger)
	}

	elapsed := clk.Now().Sub(started)
	res.DurationMS = elapsed.Milliseconds()
	if err != nil {
		fe := x.classify(ctx, stepCtx, step, err, redactor)
		res.Status = StepFailedS
		res.Err = fe
		report(logger, rep.Emit(events.StepFailed, step.ID, map[string]any{
			events.FieldDurationMS: res.DurationMS,
			events.FieldErrorCode:  fe.Code,
			events.FieldError:      fe.Message,
			events.FieldSource:     string(fe.Source),
		}))
		logger.Warn("step failed", "code", fe.Code, "error", fe.Message)
		return nil, res
	}

	res.Status = StepSucceeded
	res.Outputs = slices.Sorted(maps.Keys(outputs))
	fields := map[string]any{
		events.FieldDurationMS: res.DurationMS,
		events.FieldRows:       StepRows(outputs, res.Metrics),
		events.FieldOutputs:    res.Outputs,
	}
	if b, ok := res.Metrics[events.MetricBytesWritten]; ok {
		fields[events.FieldBytes] = int64(b)
	}
	report(logger, rep.Emit(events.StepComplete, step.ID, fields))
	report(logger, rep.Metric(events.MetricStepDuration, float64(res.DurationMS), step.ID, nil))
	logger.Debug("step complete", "duration", elapsed)
	return outputs, res
}

// invoke runs the driver in its own goroutine so a driver that ignores
// ctx cannot hold the run past its deadline.
func (x *StepExecutor) invoke(ctx context.Context, req StepRequest, config map[string]any, metric func(string, float64), logger *slog.Logger) (driver.Outputs, error) {
	if x.Drivers == nil {
		return nil, fmt.Errorf("%w for %s (%s)", driver.ErrNoDriver, req.Step.Component, req.Step.Mode)
	}
	drv, err := x.Drivers.Lookup(req.Step.Component, req.Step.Mode)
	if err != nil {
		return nil, err
	}
	rc := &driver.Context{
		RunID:        req.RunID,
		StepID:       req.Step.ID,
		ArtifactsDir: req.ArtifactsDir,
		Logger:       logger,
	}

	// Metrics reported after the deadline are dropped.
	var mu sync.Mutex
	abandoned := false
	rc.Metric = func(name string, value float64) {
		mu.Lock()
		defer mu.Unlock()
		if !abandoned {
			metric(name, value)
		}
	}

	done := make(chan driverResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- driverResult{err: fmt.Errorf("driver panic: %v", r)}
			}
		}()
		out, err := drv.Run(ctx, req.Step.ID, config, req.Inputs, rc)
		done <- driverResult{outputs: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.outputs, r.err
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()
		return nil, ctx.Err()
	}
}

// classify maps a step error onto the shared code taxonomy. parent is the
// run context; stepCtx carries the step deadline.
func (x *StepExecutor) classify(parent, stepCtx context.Context, step ir.ManifestStep, err error, redactor *failure.Redactor) *failure.Error {
	var fe *failure.Error
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		fe = failure.New(failure.KindCancelled, failure.CodeRunCancelled, "run cancelled")
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		code := x.TimeoutCode
		if code == "" {
			code = failure.CodeLocalTimeout
		}
		fe = failure.Newf(failure.KindForCode(code), code, "step %s timed out", step.ID)
	default:
		if known, ok := failure.As(err); ok {
			fe = known.WithStep(step.ID)
		} else {
			fe = failure.Driver(failure.PhaseForMode(step.Mode), driver.ReasonOf(err), step.ID, err)
		}
	}
	fe = fe.WithStep(step.ID).WithSource(x.Source)
	fe.Message = redactor.String(fe.Message)
	if fe.Err != nil {
		fe.Err = errors.New(redactor.String(fe.Err.Error()))
	}
	return fe
}

// StepRows is the row count reported on step_complete: rows across the
// step's outputs, or rows_written for sinks.
func StepRows(outputs driver.Outputs, metrics map[string]float64) int64 {
	if len(outputs) > 0 {
		var n int64
		for _, t := range outputs {
			n += int64(t.Len())
		}
		return n
	}
	return int64(metrics[events.MetricRowsWritten])
}

func report(logger *slog.Logger, err error) {
	if err != nil {
		logger.Warn("event dropped", "error", err)
	}
}
