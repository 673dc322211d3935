package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/keboola/osiris/internal/execution"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/rpc"
)

// pullAttempts is the first transfer plus one retry.
const pullAttempts = 2

// Collect copies the worker's artifacts into remote/artifacts under the
// run directory, ends the session, tears the sandbox down and drains the
// event stream. Repeated calls return the first result.
func (a *Adapter) Collect(ctx context.Context, p *execution.PreparedRun) (*execution.CollectedArtifacts, error) {
	if prev, ok := p.BeginCollect(); ok {
		return prev, nil
	}
	s, err := sessionOf(p)
	if err != nil {
		return nil, err
	}
	logger := a.opts.Logger.With("run_id", p.RunID)
	dest := p.Layout.RemoteArtifactsDir()

	var errs []error
	if err := layout.EnsureDir(dest); err != nil {
		errs = append(errs, err)
	} else if err := a.transfer(ctx, s, dest); err != nil {
		logger.Warn("artifact transfer failed, copying from sandbox dir", "error", err)
		if cerr := copyTree(filepath.Join(s.handle.WorkDir, layout.ArtifactsDir), dest); cerr != nil {
			errs = append(errs, fmt.Errorf("collect artifacts: %w", errors.Join(err, cerr)))
		}
	}

	if !s.handle.Killed() {
		a.endSession(ctx, s)
	}
	if err := s.close(); err != nil {
		logger.Debug("sandbox teardown", "error", err)
	}
	if err := p.DrainEvents(); err != nil {
		errs = append(errs, fmt.Errorf("drain events: %w", err))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	c, err := execution.ListArtifacts(dest)
	if err != nil {
		return nil, err
	}
	p.EndCollect(c)
	logger.Info("remote artifacts collected", "files", len(c.Files), "bytes", c.Bytes)
	return c, nil
}

// transfer pulls artifacts over the session, retrying once. Each pull
// carries its attempt number; frames tagged with another attempt are
// dropped. Before a retry the abandoned stream is drained up to its
// artifact.done, so the worker is reading again when the next pull goes
// out. Partial files from a failed attempt are overwritten by the next.
func (a *Adapter) transfer(ctx context.Context, s *session, dest string) error {
	if s.handle.Killed() {
		return rpc.TransportError("sandbox is no longer running", nil)
	}
	var err error
	for attempt := 1; attempt <= pullAttempts; attempt++ {
		var settled bool
		if settled, err = a.pull(ctx, s, dest, attempt); err == nil {
			return nil
		}
		if s.handle.Killed() || errors.Is(err, errTimeout) {
			break
		}
		a.opts.Logger.Debug("artifact pull failed", "attempt", attempt, "error", err)
		if !settled {
			if derr := a.drain(ctx, s, attempt); derr != nil {
				a.opts.Logger.Debug("artifact stream not drained", "attempt", attempt, "error", derr)
				break
			}
		}
	}
	return err
}

// pull runs one transfer. settled reports whether the worker finished
// sending this attempt, i.e. its artifact.done was consumed.
func (a *Adapter) pull(ctx context.Context, s *session, dest string, attempt int) (settled bool, err error) {
	if err := s.handle.Conn.Send(rpc.TypeArtifactPull, rpc.ArtifactPull{Attempt: attempt}); err != nil {
		return false, err
	}
	recv := rpc.NewReceiver(dest)
	timer := time.NewTimer(a.opts.HandshakeTimeout)
	defer timer.Stop()
	for {
		msg, err := s.next(ctx, timer.C)
		if err != nil {
			recv.Abort()
			return false, err
		}
		switch msg.Type {
		case rpc.TypeArtifactChunk:
			var ch rpc.ArtifactChunk
			if err := msg.Decode(&ch); err != nil {
				recv.Abort()
				return false, err
			}
			timer.Reset(a.opts.HandshakeTimeout)
			if ch.Attempt != attempt {
				continue
			}
			if err := recv.Chunk(ch); err != nil {
				recv.Abort()
				return false, err
			}
		case rpc.TypeArtifactDone:
			var done rpc.ArtifactDone
			if err := msg.Decode(&done); err != nil {
				recv.Abort()
				return true, err
			}
			if done.Attempt != attempt {
				continue
			}
			if err := recv.Done(done); err != nil {
				recv.Abort()
				return true, err
			}
			return true, nil
		case rpc.TypeEventEmit, rpc.TypeMetricEmit:
			// Late telemetry from an abandoned step; nothing to relay to.
		default:
			recv.Abort()
			return false, rpc.TransportError(fmt.Sprintf("unexpected %s during artifact transfer", msg.Type), nil)
		}
	}
}

// drain discards the rest of an abandoned transfer up to its
// artifact.done.
func (a *Adapter) drain(ctx context.Context, s *session, attempt int) error {
	timer := time.NewTimer(a.opts.HandshakeTimeout)
	defer timer.Stop()
	for {
		msg, err := s.next(ctx, timer.C)
		if err != nil {
			return err
		}
		switch msg.Type {
		case rpc.TypeArtifactChunk:
			timer.Reset(a.opts.HandshakeTimeout)
		case rpc.TypeArtifactDone:
			var done rpc.ArtifactDone
			if err := msg.Decode(&done); err != nil || done.Attempt == attempt {
				return nil
			}
		case rpc.TypeEventEmit, rpc.TypeMetricEmit:
		default:
			return rpc.TransportError(fmt.Sprintf("unexpected %s during artifact transfer", msg.Type), nil)
		}
	}
}

func (a *Adapter) endSession(ctx context.Context, s *session) {
	if err := s.handle.Conn.Send(rpc.TypeSessionEnd, rpc.SessionEnd{Reason: "collected"}); err != nil {
		return
	}
	timer := time.NewTimer(a.opts.HandshakeTimeout)
	defer timer.Stop()
	for {
		msg, err := s.next(ctx, timer.C)
		if err != nil || msg.Type == rpc.TypeSessionEnd {
			return
		}
	}
}

// copyTree copies regular files from src into dst, overwriting existing
// files. A missing src copies nothing.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == src {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
