package remote

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris/internal/driver/builtin"
	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/execution"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/rpc"
	"github.com/keboola/osiris/internal/runindex"
	"github.com/keboola/osiris/internal/sandbox"
	"github.com/keboola/osiris/internal/testutil"
	"github.com/keboola/osiris/internal/worker"
)

// recordingProvisioner is an in-process sandbox that records every byte
// exchanged in both directions.
type recordingProvisioner struct {
	mu   sync.Mutex
	wire bytes.Buffer
}

func (p *recordingProvisioner) Name() string { return "recording" }

func (p *recordingProvisioner) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wire.Write(b)
}

func (p *recordingProvisioner) Wire() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.wire.Bytes())
}

func (p *recordingProvisioner) Provision(_ context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	workDir, err := os.MkdirTemp("", "osiris-sandbox-test-")
	if err != nil {
		return nil, err
	}
	hostR, workerW := io.Pipe()
	workerR, hostW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer workerW.Close()
		_ = worker.Serve(ctx, rpc.NewConn(io.TeeReader(workerR, p), io.MultiWriter(workerW, p), nil), worker.Options{
			Drivers: builtin.Registry(),
			Lookup:  testutil.Env(spec.Env),
			WorkDir: workDir,
		})
	}()
	kill := func() error {
		cancel()
		hostW.Close()
		hostR.Close()
		workerR.Close()
		<-done
		return nil
	}
	return sandbox.NewHandle(rpc.NewConn(hostR, hostW, nil), workDir, kill, nil), nil
}

func newRemote(t *testing.T, prov sandbox.Provisioner) *Adapter {
	t.Helper()
	if prov == nil {
		prov = &sandbox.InProcessProvisioner{Drivers: builtin.Registry(), Grace: 2 * time.Second}
	}
	a, err := New(Options{
		Provisioner:      prov,
		Lookup:           testutil.FixtureEnv(),
		Compression:      rpc.CompressionZstd,
		HandshakeTimeout: 5 * time.Second,
		Clock:            testutil.NewDeterministicClock(),
	})
	require.NoError(t, err)
	return a
}

type outcome struct {
	prepared  *execution.PreparedRun
	result    *execution.ExecResult
	err       error
	collected *execution.CollectedArtifacts
	sink      *events.MemorySink
}

func run(t *testing.T, a execution.Adapter, m *ir.Manifest, rc execution.RunContext) outcome {
	t.Helper()
	ctx := context.Background()
	p, err := a.Prepare(ctx, m, rc)
	require.NoError(t, err)
	sink := &events.MemorySink{}
	res, execErr := a.Execute(ctx, p, sink)
	require.NotNil(t, res)
	c, err := a.Collect(ctx, p)
	require.NoError(t, err)
	return outcome{prepared: p, result: res, err: execErr, collected: c, sink: sink}
}

func runContext(t *testing.T) execution.RunContext {
	return execution.RunContext{
		RunID:    "run-000001",
		IssuedAt: testutil.Epoch,
		RunDir:   filepath.Join(t.TempDir(), "run_logs", "orders_daily", "run-000001"),
	}
}

func TestRemote_ParityWithLocal(t *testing.T) {
	m := testutil.OrdersManifest(10)
	local := execution.NewLocalAdapter(builtin.Registry(),
		execution.WithLookup(testutil.FixtureEnv()),
		execution.WithClock(testutil.NewDeterministicClock()))

	lrc, rrc := runContext(t), runContext(t)
	l := run(t, local, m, lrc)
	r := run(t, newRemote(t, nil), m, rrc)
	require.NoError(t, l.err)
	require.NoError(t, r.err)

	assert.Equal(t, l.result.Status, r.result.Status)
	assert.Equal(t, int64(10), r.result.Rows)
	assert.Equal(t, l.sink.Types(), r.sink.Types())
	assert.Equal(t, events.Stable(l.sink.Events()), events.Stable(r.sink.Events()))
	assert.Equal(t, events.Aggregate(l.sink.Metrics()), events.Aggregate(r.sink.Metrics()))

	assert.Equal(t, l.collected.Files, r.collected.Files)
	assert.Equal(t, filepath.Join(rrc.RunDir, "remote", "artifacts"), r.collected.Dir)
	want, err := os.ReadFile(filepath.Join(lrc.RunDir, "artifacts", "orders.csv"))
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(rrc.RunDir, "remote", "artifacts", "orders.csv"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRemote_ParityOnDriverFailure(t *testing.T) {
	m := testutil.OrdersManifest(10)
	m.Steps[0].Config["fail_with"] = "connection_error"
	local := execution.NewLocalAdapter(builtin.Registry(), execution.WithLookup(testutil.FixtureEnv()))

	l := run(t, local, m, runContext(t))
	r := run(t, newRemote(t, nil), m, runContext(t))

	assert.Equal(t, failure.CodeExtractConnection, failure.CodeOf(l.err))
	assert.Equal(t, failure.CodeExtractConnection, failure.CodeOf(r.err))
	fe, _ := failure.As(r.err)
	assert.Equal(t, failure.SourceRemote, fe.Source)
	assert.Equal(t, "extract_a", fe.StepID)
	assert.Equal(t, events.Stable(l.sink.Events()), events.Stable(r.sink.Events()))
}

func TestRemote_StepTimeout(t *testing.T) {
	m := testutil.OrdersManifest(10)
	m.Steps[0].Config["delay"] = "30s"
	rc := runContext(t)
	rc.StepTimeout = 200 * time.Millisecond

	start := time.Now()
	o := run(t, newRemote(t, nil), m, rc)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, failure.CodeRemoteTimeout, failure.CodeOf(o.err))
	assert.True(t, failure.IsKind(o.err, failure.KindRemoteTimeout))
	assert.Equal(t, runindex.StatusFailed, o.result.Status)
	assert.Equal(t, execution.StateFailed, o.prepared.State())

	types := o.sink.Types()
	assert.Equal(t, events.RunFailed, types[len(types)-1])
	var failed events.Event
	for _, e := range o.sink.Events() {
		if e.Type == events.StepFailed {
			failed = e
		}
	}
	assert.Equal(t, failure.CodeRemoteTimeout, failed.Fields[events.FieldErrorCode])
	assert.Equal(t, "extract_a", failed.StepID)
}

func TestRemote_RunTimeout(t *testing.T) {
	m := testutil.OrdersManifest(10)
	m.Steps[0].Config["delay"] = "30s"
	rc := runContext(t)
	rc.RunTimeout = 200 * time.Millisecond

	o := run(t, newRemote(t, nil), m, rc)
	assert.Equal(t, failure.CodeRemoteTimeout, failure.CodeOf(o.err))
}

func TestRemote_Cancelled(t *testing.T) {
	m := testutil.OrdersManifest(10)
	m.Steps[0].Config["delay"] = "30s"
	a := newRemote(t, nil)
	p, err := a.Prepare(context.Background(), m, runContext(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res, err := a.Execute(ctx, p, events.Discard)
	assert.Equal(t, failure.CodeRunCancelled, failure.CodeOf(err))
	assert.Equal(t, runindex.StatusCancelled, res.Status)

	_, err = a.Collect(context.Background(), p)
	assert.NoError(t, err)
}

func TestRemote_UnknownWorkerCodeIsMasked(t *testing.T) {
	m := testutil.OrdersManifest(10)
	m.Steps[0].Config["fail_with"] = "Traceback (most recent call last)"

	o := run(t, newRemote(t, nil), m, runContext(t))
	assert.Equal(t, failure.CodeRemoteUnknown, failure.CodeOf(o.err))
	assert.NotContains(t, o.err.Error(), "Traceback")
	for _, e := range o.sink.Events() {
		if e.Type == events.StepFailed {
			assert.Equal(t, failure.CodeRemoteUnknown, e.Fields[events.FieldErrorCode])
			assert.NotContains(t, e.Fields[events.FieldError], "Traceback")
		}
	}
}

func TestRemote_NoSecretCrossesChannel(t *testing.T) {
	prov := &recordingProvisioner{}
	o := run(t, newRemote(t, prov), testutil.OrdersManifest(10), runContext(t))
	require.NoError(t, o.err)

	wire := prov.Wire()
	assert.NotEmpty(t, wire)
	assert.True(t, bytes.Contains(wire, []byte(testutil.FixtureSecretVar)), "placeholder names do cross")
	assert.False(t, bytes.Contains(wire, []byte(testutil.FixturePassword)), "secret values never do")
}

func TestRemote_CollectIsIdempotent(t *testing.T) {
	a := newRemote(t, nil)
	o := run(t, a, testutil.OrdersManifest(5), runContext(t))
	require.NoError(t, o.err)

	s, err := sessionOf(o.prepared)
	require.NoError(t, err)
	_, err = os.Stat(s.handle.WorkDir)
	assert.True(t, os.IsNotExist(err), "sandbox torn down after collect")

	again, err := a.Collect(context.Background(), o.prepared)
	require.NoError(t, err)
	assert.Same(t, o.collected, again)
	assert.Equal(t, execution.StateCollected, o.prepared.State())
}

func TestRemote_CollectRecoversAfterKill(t *testing.T) {
	m := testutil.OrdersManifest(10)
	a := newRemote(t, nil)
	p, err := a.Prepare(context.Background(), m, runContext(t))
	require.NoError(t, err)
	_, err = a.Execute(context.Background(), p, events.Discard)
	require.NoError(t, err)

	s, err := sessionOf(p)
	require.NoError(t, err)
	require.NoError(t, s.handle.Kill())

	c, err := a.Collect(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders.csv"}, c.Files)
}

// corruptingProvisioner runs an in-process worker behind a relay that
// spoils the digest of the first chunk of the first artifact transfer.
// The handle's work dir is a separate empty directory, so copying from it
// recovers nothing.
type corruptingProvisioner struct {
	mu       sync.Mutex
	attempts []int
}

func (p *corruptingProvisioner) Name() string { return "corrupting" }

// Attempts lists the attempt of every artifact.done the worker sent.
func (p *corruptingProvisioner) Attempts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.attempts)
}

func (p *corruptingProvisioner) Provision(_ context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	workerDir, err := os.MkdirTemp("", "osiris-sandbox-test-")
	if err != nil {
		return nil, err
	}
	hostDir, err := os.MkdirTemp("", "osiris-sandbox-test-")
	if err != nil {
		return nil, err
	}
	hostR, relayW := io.Pipe()
	relayR, workerW := io.Pipe()
	workerR, hostW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer workerW.Close()
		_ = worker.Serve(ctx, rpc.NewConn(workerR, workerW, nil), worker.Options{
			Drivers: builtin.Registry(),
			Lookup:  testutil.Env(spec.Env),
			WorkDir: workerDir,
		})
	}()
	go func() {
		defer relayW.Close()
		spoiled := false
		for {
			frame, err := rpc.ReadFrame(relayR)
			if err != nil {
				return
			}
			frame, spoiled = p.relay(frame, spoiled)
			if err := rpc.WriteFrame(relayW, frame); err != nil {
				return
			}
		}
	}()
	kill := func() error {
		cancel()
		hostW.Close()
		hostR.Close()
		workerR.Close()
		relayR.Close()
		<-done
		return nil
	}
	cleanup := func() error { return os.RemoveAll(workerDir) }
	return sandbox.NewHandle(rpc.NewConn(hostR, hostW, nil), hostDir, kill, cleanup), nil
}

func (p *corruptingProvisioner) relay(frame []byte, spoiled bool) ([]byte, bool) {
	var msg rpc.Message
	if err := rpc.Unmarshal(frame, &msg); err != nil {
		return frame, spoiled
	}
	switch msg.Type {
	case rpc.TypeArtifactDone:
		var d rpc.ArtifactDone
		if err := msg.Decode(&d); err == nil {
			p.mu.Lock()
			p.attempts = append(p.attempts, d.Attempt)
			p.mu.Unlock()
		}
	case rpc.TypeArtifactChunk:
		var ch rpc.ArtifactChunk
		if spoiled || msg.Decode(&ch) != nil || ch.Attempt != 1 {
			return frame, spoiled
		}
		ch.Digest = "0000"
		payload, err := rpc.Marshal(ch)
		if err != nil {
			return frame, spoiled
		}
		msg.Payload = payload
		out, err := rpc.Marshal(msg)
		if err != nil {
			return frame, spoiled
		}
		return out, true
	}
	return frame, spoiled
}

func TestRemote_CollectRetriesAfterCorruptChunk(t *testing.T) {
	m := testutil.OrdersManifest(50)
	prov := &corruptingProvisioner{}
	a, err := New(Options{
		Provisioner:      prov,
		Lookup:           testutil.FixtureEnv(),
		Compression:      rpc.CompressionZstd,
		ChunkSize:        64,
		HandshakeTimeout: 5 * time.Second,
		Clock:            testutil.NewDeterministicClock(),
	})
	require.NoError(t, err)
	local := execution.NewLocalAdapter(builtin.Registry(),
		execution.WithLookup(testutil.FixtureEnv()),
		execution.WithClock(testutil.NewDeterministicClock()))

	lrc, rrc := runContext(t), runContext(t)
	l := run(t, local, m, lrc)
	r := run(t, a, m, rrc)
	require.NoError(t, l.err)
	require.NoError(t, r.err)

	assert.Equal(t, []int{1, 2}, prov.Attempts(), "first stream drained, second pull completes")
	assert.Equal(t, l.collected.Files, r.collected.Files)
	want, err := os.ReadFile(filepath.Join(lrc.RunDir, "artifacts", "orders.csv"))
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(rrc.RunDir, "remote", "artifacts", "orders.csv"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	_, err = os.Stat(filepath.Join(rrc.RunDir, "remote", "artifacts", "orders.csv.partial"))
	assert.True(t, os.IsNotExist(err))
}

func TestRemote_ProvisionFailure(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	a, err := New(Options{Provisioner: failingProvisioner{}})
	require.NoError(t, err)
	_, err = a.Prepare(context.Background(), testutil.OrdersManifest(1), runContext(t))
	assert.Equal(t, failure.CodeRemoteTransport, failure.CodeOf(err))
}

type failingProvisioner struct{}

func (failingProvisioner) Name() string { return "failing" }

func (failingProvisioner) Provision(context.Context, sandbox.Spec) (*sandbox.Handle, error) {
	return nil, io.ErrClosedPipe
}

func TestMapWorkerError(t *testing.T) {
	fe := mapWorkerError(failure.CodeWriteSchemaMismatch, "row 3 has 2 values", "write_b")
	assert.Equal(t, failure.KindDriver, fe.Kind)
	assert.Equal(t, "write_b", fe.StepID)
	assert.Equal(t, failure.SourceRemote, fe.Source)

	fe = mapWorkerError(failure.CodeUnresolvedVariable, "missing", "extract_a")
	assert.True(t, failure.IsConnectionError(fe))

	fe = mapWorkerError("segfault", "goroutine 1 [running]", "")
	assert.Equal(t, failure.CodeRemoteUnknown, fe.Code)
	assert.NotContains(t, fe.Error(), "goroutine")
}
