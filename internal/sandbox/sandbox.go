// Package sandbox provisions isolated workers for remote execution. A
// Handle owns the worker, its RPC stream and its private working
// directory; Close releases all three and is safe to call on every exit
// path.
package sandbox

import (
	"context"
	"errors"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/keboola/osiris/internal/rpc"
)

// Spec describes the sandbox to provision.
type Spec struct {
	RunID string

	// Env holds secret values keyed by variable name. They reach the
	// worker as its environment, never over the RPC stream.
	Env map[string]string

	// LogPath receives the worker's own log output; empty discards it.
	LogPath string
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (s Spec) EnvList() []string {
	out := make([]string, 0, len(s.Env))
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// Provisioner starts workers.
type Provisioner interface {
	Name() string
	Provision(ctx context.Context, spec Spec) (*Handle, error)
}

// Handle is a running sandbox.
type Handle struct {
	// Conn is the host end of the session stream.
	Conn *rpc.Conn

	// WorkDir is the worker's working directory as seen from the host.
	WorkDir string

	kill    func() error
	cleanup func() error

	killOnce  sync.Once
	killErr   error
	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	killed bool
}

// NewHandle builds a Handle. kill stops the worker; cleanup releases
// everything else.
func NewHandle(conn *rpc.Conn, workDir string, kill, cleanup func() error) *Handle {
	return &Handle{Conn: conn, WorkDir: workDir, kill: kill, cleanup: cleanup}
}

// Kill stops the worker and closes the stream. The working directory
// stays in place so artifacts can still be recovered.
func (h *Handle) Kill() error {
	h.killOnce.Do(func() {
		h.mu.Lock()
		h.killed = true
		h.mu.Unlock()
		var errs []error
		if h.kill != nil {
			errs = append(errs, h.kill())
		}
		if h.Conn != nil {
			errs = append(errs, h.Conn.Close())
		}
		h.killErr = errors.Join(errs...)
	})
	return h.killErr
}

// Killed reports whether Kill ran.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// Close kills the worker and removes its working directory.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		err := h.Kill()
		if h.cleanup != nil {
			err = errors.Join(err, h.cleanup())
		}
		if h.WorkDir != "" {
			err = errors.Join(err, os.RemoveAll(h.WorkDir))
		}
		h.closeErr = err
	})
	return h.closeErr
}
