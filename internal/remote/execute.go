package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/execution"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/rpc"
)

// Execute dispatches steps one by one. Step execution is never retried;
// a timeout or a broken stream kills the sandbox and fails the step.
func (a *Adapter) Execute(ctx context.Context, p *execution.PreparedRun, sink events.Sink) (*execution.ExecResult, error) {
	s, err := sessionOf(p)
	if err != nil {
		return nil, err
	}
	bus, err := p.BeginExecute(sink)
	if err != nil {
		return nil, err
	}
	r := &relay{
		emitter: events.NewEmitter(bus, a.opts.Clock, p.RunID),
		clock:   a.opts.Clock,
		logger:  a.opts.Logger,
	}
	loop := &execution.Loop{
		Manifest:    p.Manifest,
		Reporter:    r.emitter,
		Clock:       a.opts.Clock,
		Logger:      a.opts.Logger,
		RunTimeout:  p.RunTimeout,
		TimeoutCode: failure.CodeRemoteTimeout,
		Source:      failure.SourceRemote,
	}
	res := loop.Run(ctx, func(runCtx context.Context, step ir.ManifestStep) execution.StepResult {
		return a.runStep(ctx, runCtx, s, r, p, step)
	})
	p.EndExecute(res)
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

func (a *Adapter) runStep(parent, runCtx context.Context, s *session, r *relay, p *execution.PreparedRun, step ir.ManifestStep) execution.StepResult {
	logger := a.opts.Logger.With("run_id", p.RunID, "step", step.ID)
	started := a.opts.Clock.Now()
	r.floor(started)

	fail := func(fe *failure.Error) execution.StepResult {
		fe = fe.WithStep(step.ID).WithSource(failure.SourceRemote)
		durationMS := a.opts.Clock.Now().Sub(started).Milliseconds()
		r.emit(events.StepFailed, step.ID, map[string]any{
			events.FieldDurationMS: durationMS,
			events.FieldErrorCode:  fe.Code,
			events.FieldError:      fe.Message,
			events.FieldSource:     string(failure.SourceRemote),
		})
		logger.Warn("remote step failed", "code", fe.Code, "error", fe.Message)
		return execution.StepResult{
			StepID:     step.ID,
			Status:     execution.StepFailedS,
			DurationMS: durationMS,
			BestEffort: step.BestEffort,
			Err:        fe,
		}
	}

	if s.handle.Killed() {
		return fail(rpc.TransportError("sandbox is no longer running", nil))
	}
	if err := s.handle.Conn.Send(rpc.TypeStepDispatch, rpc.StepDispatch{Step: step}); err != nil {
		s.handle.Kill()
		return fail(asFailure(err))
	}

	var timeout <-chan time.Time
	if p.StepTimeout > 0 {
		timer := time.NewTimer(p.StepTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		msg, err := s.next(runCtx, timeout)
		switch {
		case errors.Is(err, errTimeout):
			s.handle.Kill()
			return fail(failure.Newf(failure.KindRemoteTimeout, failure.CodeRemoteTimeout,
				"step %s exceeded %s", step.ID, p.StepTimeout))
		case err != nil && runCtx.Err() != nil:
			s.handle.Kill()
			if errors.Is(parent.Err(), context.Canceled) {
				return fail(failure.New(failure.KindCancelled, failure.CodeRunCancelled, "run cancelled"))
			}
			return fail(failure.Newf(failure.KindRemoteTimeout, failure.CodeRemoteTimeout,
				"run exceeded %s during step %s", p.RunTimeout, step.ID))
		case err != nil:
			s.handle.Kill()
			return fail(asFailure(err))
		}

		switch msg.Type {
		case rpc.TypeEventEmit:
			var e rpc.EventEmit
			if err := msg.Decode(&e); err != nil {
				s.handle.Kill()
				return fail(asFailure(err))
			}
			r.relayEvent(e)
		case rpc.TypeMetricEmit:
			var m rpc.MetricEmit
			if err := msg.Decode(&m); err != nil {
				s.handle.Kill()
				return fail(asFailure(err))
			}
			r.relayMetric(m)
		case rpc.TypeStepResult:
			var res rpc.StepResult
			if err := msg.Decode(&res); err != nil {
				s.handle.Kill()
				return fail(asFailure(err))
			}
			return stepResult(step, res)
		case rpc.TypeSessionEnd:
			var end rpc.SessionEnd
			_ = msg.Decode(&end)
			s.handle.Kill()
			return fail(mapWorkerError(end.Code, end.Message, step.ID))
		default:
			s.handle.Kill()
			return fail(rpc.TransportError(fmt.Sprintf("unexpected %s during step", msg.Type), nil))
		}
	}
}

// stepResult converts a worker step.result. The worker already emitted
// step_failed through the relay, so no event is synthesized here.
func stepResult(step ir.ManifestStep, res rpc.StepResult) execution.StepResult {
	out := execution.StepResult{
		StepID:     step.ID,
		Status:     execution.StepStatus(res.Status),
		DurationMS: res.DurationMS,
		Metrics:    res.Metrics,
		Outputs:    res.Outputs,
		BestEffort: step.BestEffort,
	}
	if out.Status != execution.StepSucceeded {
		out.Status = execution.StepFailedS
		out.Err = mapWorkerError(res.ErrorCode, res.ErrorMessage, step.ID)
	}
	return out
}

func asFailure(err error) *failure.Error {
	if fe, ok := failure.As(err); ok {
		return fe
	}
	return rpc.TransportError("session", err)
}
