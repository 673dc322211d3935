// Package remote executes manifests inside a sandboxed worker while
// reporting the same events, metrics and error codes as local execution.
// The host drives the worker one step at a time, relays its events into
// the host event stream and enforces step and run timeouts by killing the
// sandbox.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/driver"
	"github.com/keboola/osiris/internal/execution"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/rpc"
	"github.com/keboola/osiris/internal/sandbox"
)

// DefaultHandshakeTimeout bounds session.start -> session.ack.
const DefaultHandshakeTimeout = 30 * time.Second

// Options configures an Adapter.
type Options struct {
	Provisioner sandbox.Provisioner

	// Lookup reads secret values from the host environment for injection
	// into the sandbox; nil uses the process environment.
	Lookup driver.LookupFunc

	Compression      string
	ChunkSize        int
	HandshakeTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Adapter is the remote execution.Adapter.
type Adapter struct {
	opts Options
}

var _ execution.Adapter = (*Adapter)(nil)

// New creates an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Provisioner == nil {
		return nil, fmt.Errorf("remote: provisioner is required")
	}
	if opts.Compression == "" {
		opts.Compression = rpc.CompressionZstd
	}
	if !rpc.ValidCompression(opts.Compression) {
		return nil, fmt.Errorf("remote: unknown compression %q", opts.Compression)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = rpc.DefaultChunkSize
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Lookup == nil {
		opts.Lookup = driver.OSLookup
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Adapter{opts: opts}, nil
}

// Name implements execution.Adapter.
func (a *Adapter) Name() string { return "remote" }

// inbound is one message, or the error that ended the stream.
type inbound struct {
	msg *rpc.Message
	err error
}

// session is the adapter's state on a PreparedRun.
type session struct {
	handle   *sandbox.Handle
	incoming chan inbound
	ack      rpc.SessionAck

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Prepare provisions the sandbox, injects secret values as its
// environment and completes the handshake. The session.start payload
// names placeholders only.
func (a *Adapter) Prepare(ctx context.Context, m *ir.Manifest, rc execution.RunContext) (*execution.PreparedRun, error) {
	if err := execution.CheckRunContext(m, rc); err != nil {
		return nil, err
	}
	p := execution.NewPreparedRun(m, rc)
	if err := layout.EnsureDir(p.Layout.RemoteDir); err != nil {
		return nil, fmt.Errorf("create remote dir: %w", err)
	}

	env := make(map[string]string)
	for _, name := range p.SecretPlaceholders {
		if v, ok := a.opts.Lookup(name); ok {
			env[name] = v
		}
	}
	handle, err := a.opts.Provisioner.Provision(ctx, sandbox.Spec{RunID: rc.RunID, Env: env, LogPath: p.Layout.WorkerLog})
	if err != nil {
		return nil, rpc.TransportError("provision sandbox", err)
	}
	handle.Conn.SetSession(uuid.NewString())

	s := &session{handle: handle, incoming: make(chan inbound, 64), closed: make(chan struct{})}
	go s.read()

	if err := a.handshake(ctx, s, p); err != nil {
		s.close()
		return nil, err
	}
	p.Private = s
	a.opts.Logger.Info("remote session ready",
		"run_id", rc.RunID, "session", handle.Conn.Session(),
		"provisioner", a.opts.Provisioner.Name(), "worker_version", s.ack.WorkerVersion)
	return p, nil
}

func (s *session) read() {
	defer close(s.incoming)
	for {
		msg, err := s.handle.Conn.Receive()
		select {
		case s.incoming <- inbound{msg: msg, err: err}:
		case <-s.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

// close tears the sandbox down; safe to call repeatedly.
func (s *session) close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.handle.Close()
	})
	return s.closeErr
}

// next waits for the next message.
func (s *session) next(ctx context.Context, timeout <-chan time.Time) (*rpc.Message, error) {
	select {
	case in, ok := <-s.incoming:
		if !ok {
			return nil, rpc.TransportError("session closed", nil)
		}
		return in.msg, in.err
	case <-timeout:
		return nil, errTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errTimeout = fmt.Errorf("timed out")

func (a *Adapter) handshake(ctx context.Context, s *session, p *execution.PreparedRun) error {
	err := s.handle.Conn.Send(rpc.TypeSessionStart, rpc.SessionStart{
		ProtocolVersion:    rpc.ProtocolVersion,
		RunID:              p.RunID,
		Manifest:           *p.Manifest,
		SecretPlaceholders: p.SecretPlaceholders,
		Compression:        a.opts.Compression,
		ChunkSize:          a.opts.ChunkSize,
	})
	if err != nil {
		return err
	}
	timer := time.NewTimer(a.opts.HandshakeTimeout)
	defer timer.Stop()
	msg, err := s.next(ctx, timer.C)
	if err == errTimeout {
		return failure.New(failure.KindRemoteTimeout, failure.CodeRemoteTimeout, "worker did not acknowledge the session").WithSource(failure.SourceRemote)
	}
	if err != nil {
		return err
	}
	if msg.Type == rpc.TypeSessionEnd {
		var end rpc.SessionEnd
		_ = msg.Decode(&end)
		return mapWorkerError(end.Code, end.Message, "")
	}
	if err := msg.Expect(rpc.TypeSessionAck); err != nil {
		return err
	}
	if err := msg.Decode(&s.ack); err != nil {
		return err
	}
	if s.ack.ProtocolVersion != rpc.ProtocolVersion {
		return rpc.TransportError(fmt.Sprintf("worker speaks protocol %d, host %d", s.ack.ProtocolVersion, rpc.ProtocolVersion), nil)
	}
	return nil
}

func sessionOf(p *execution.PreparedRun) (*session, error) {
	s, ok := p.Private.(*session)
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: run was not prepared by the remote adapter", execution.ErrInvalidState)
	}
	return s, nil
}

// mapWorkerError turns a worker-reported code into a host error. Codes
// outside the taxonomy become remote.unknown_error and their message is
// dropped.
func mapWorkerError(code, message, stepID string) *failure.Error {
	var fe *failure.Error
	if code == "" || !failure.KnownCode(code) {
		fe = failure.New(failure.KindRemoteTransport, failure.CodeRemoteUnknown, "worker reported an unrecognized failure")
	} else {
		if message == "" {
			message = "step failed in sandbox"
		}
		fe = failure.New(failure.KindForCode(code), code, message)
	}
	if stepID != "" {
		fe = fe.WithStep(stepID)
	}
	return fe.WithSource(failure.SourceRemote)
}
