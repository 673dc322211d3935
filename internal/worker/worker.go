// Package worker is the sandbox side of remote execution. It serves one
// session over an rpc.Conn, running dispatched steps with the same step
// executor the local adapter uses and streaming events, metrics and
// artifacts back to the host.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/driver"
	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/execution"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/rpc"
)

// Version is reported in session.ack.
const Version = ir.CompilerVersion

// Options configures Serve.
type Options struct {
	Drivers *driver.Registry

	// Lookup resolves ${ENV} placeholders; nil reads the worker's own
	// environment.
	Lookup driver.LookupFunc

	// WorkDir holds the worker's artifacts directory.
	WorkDir string

	Clock  clock.Clock
	Logger *slog.Logger
}

type session struct {
	conn     *rpc.Conn
	opts     Options
	start    rpc.SessionStart
	exec     *execution.StepExecutor
	reporter *reporter
	produced map[string]driver.Outputs
	outDir   string
}

// Serve runs one session until the host ends it or closes the stream.
func Serve(ctx context.Context, conn *rpc.Conn, opts Options) error {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Lookup == nil {
		opts.Lookup = driver.OSLookup
	}

	s, err := handshake(conn, opts)
	if err != nil {
		return err
	}
	logger := opts.Logger.With("run_id", s.start.RunID, "session", conn.Session())
	logger.Info("worker session started", "steps", len(s.start.Manifest.Steps))

	for {
		msg, err := conn.Receive()
		if err != nil {
			if rpc.IsClosed(err) {
				logger.Info("host closed the session")
				return nil
			}
			return err
		}
		switch msg.Type {
		case rpc.TypeStepDispatch:
			var d rpc.StepDispatch
			if err := msg.Decode(&d); err != nil {
				return err
			}
			if err := s.runStep(ctx, d.Step); err != nil {
				return err
			}
		case rpc.TypeArtifactPull:
			var pull rpc.ArtifactPull
			if len(msg.Payload) > 0 {
				if err := msg.Decode(&pull); err != nil {
					return err
				}
			}
			if err := s.sendArtifacts(pull); err != nil {
				return err
			}
		case rpc.TypeSessionEnd:
			logger.Info("worker session ended")
			return conn.Send(rpc.TypeSessionEnd, rpc.SessionEnd{Reason: "ack"})
		default:
			err := rpc.TransportError(fmt.Sprintf("unexpected %s", msg.Type), nil)
			_ = conn.Send(rpc.TypeSessionEnd, rpc.SessionEnd{Code: err.Code, Message: err.Message})
			return err
		}
	}
}

func handshake(conn *rpc.Conn, opts Options) (*session, error) {
	msg, err := conn.Receive()
	if err != nil {
		return nil, err
	}
	if err := msg.Expect(rpc.TypeSessionStart); err != nil {
		return nil, err
	}
	var start rpc.SessionStart
	if err := msg.Decode(&start); err != nil {
		return nil, err
	}
	if start.ProtocolVersion != rpc.ProtocolVersion {
		err := rpc.TransportError(fmt.Sprintf("protocol version %d not supported, worker speaks %d", start.ProtocolVersion, rpc.ProtocolVersion), nil)
		_ = conn.Send(rpc.TypeSessionEnd, rpc.SessionEnd{Code: err.Code, Message: err.Message})
		return nil, err
	}

	outDir := filepath.Join(opts.WorkDir, layout.ArtifactsDir)
	if err := layout.EnsureDir(outDir); err != nil {
		return nil, fmt.Errorf("create worker artifacts dir: %w", err)
	}

	// Secret values never leave the worker; they only feed the redactor.
	var values []string
	for _, name := range start.SecretPlaceholders {
		if v, ok := opts.Lookup(name); ok {
			values = append(values, v)
		}
	}
	redactor := failure.NewRedactor(values...)

	host, _ := os.Hostname()
	if err := conn.Send(rpc.TypeSessionAck, rpc.SessionAck{
		ProtocolVersion: rpc.ProtocolVersion,
		WorkerVersion:   Version,
		Host:            host,
		PID:             os.Getpid(),
	}); err != nil {
		return nil, err
	}

	rep := &reporter{conn: conn, clock: opts.Clock, redactor: redactor}
	return &session{
		conn:  conn,
		opts:  opts,
		start: start,
		exec: &execution.StepExecutor{
			Drivers:     opts.Drivers,
			Lookup:      opts.Lookup,
			Source:      failure.SourceRemote,
			TimeoutCode: failure.CodeRemoteTimeout,
			Clock:       opts.Clock,
			Logger:      opts.Logger,
		},
		reporter: rep,
		produced: make(map[string]driver.Outputs),
		outDir:   outDir,
	}, nil
}

func (s *session) runStep(ctx context.Context, step ir.ManifestStep) error {
	if err := normalizeStep(&step); err != nil {
		return rpc.TransportError("step "+step.ID, err)
	}
	inputs := make(driver.Outputs, len(step.Inputs))
	for name, ref := range step.Inputs {
		inputs[name] = s.produced[ref.Step][ref.Output]
	}

	out, res := s.exec.RunStep(ctx, execution.StepRequest{
		RunID:        s.start.RunID,
		Step:         step,
		Inputs:       inputs,
		ArtifactsDir: s.outDir,
	}, s.reporter)
	s.produced[step.ID] = out

	result := rpc.StepResult{
		StepID:     res.StepID,
		Status:     string(res.Status),
		DurationMS: res.DurationMS,
		Metrics:    res.Metrics,
		Outputs:    res.Outputs,
	}
	if res.Err != nil {
		result.ErrorCode = res.Err.Code
		result.ErrorMessage = s.reporter.redactor.String(res.Err.Message)
	}
	return s.conn.Send(rpc.TypeStepResult, result)
}

func (s *session) sendArtifacts(pull rpc.ArtifactPull) error {
	listing, err := execution.ListArtifacts(s.outDir)
	if err != nil {
		return err
	}
	files := listing.Files
	if len(pull.Files) > 0 {
		files = slices.DeleteFunc(files, func(f string) bool { return !slices.Contains(pull.Files, f) })
	}
	_, err = rpc.SendArtifacts(s.conn, s.outDir, files, pull.Attempt, s.start.ChunkSize, s.start.Compression)
	return err
}

// normalizeStep restores canonical value types after CBOR decoding.
func normalizeStep(step *ir.ManifestStep) error {
	cfg, err := ir.NormalizeObject(step.Config)
	if err != nil {
		return err
	}
	step.Config = cfg
	if step.Connection != nil {
		params, err := ir.NormalizeObject(step.Connection.Params)
		if err != nil {
			return err
		}
		step.Connection.Params = params
	}
	return nil
}

// reporter forwards events and metrics over the session with secret
// values redacted.
type reporter struct {
	conn     *rpc.Conn
	clock    clock.Clock
	redactor *failure.Redactor
}

var _ events.Reporter = (*reporter)(nil)

func (r *reporter) Emit(typ events.Type, stepID string, fields map[string]any) error {
	if fields != nil {
		fields, _ = r.redactor.Value(fields).(map[string]any)
	}
	return r.conn.Send(rpc.TypeEventEmit, rpc.EventEmit{
		Timestamp: r.clock.Now().UTC(),
		Type:      string(typ),
		StepID:    stepID,
		Fields:    fields,
	})
}

func (r *reporter) Metric(name string, value float64, stepID string, tags map[string]string) error {
	return r.conn.Send(rpc.TypeMetricEmit, rpc.MetricEmit{
		Timestamp: r.clock.Now().UTC(),
		Name:      name,
		Value:     value,
		StepID:    stepID,
		Tags:      tags,
	})
}
