package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/driver"
	"github.com/keboola/osiris/internal/rpc"
	"github.com/keboola/osiris/internal/worker"
)

// InProcessProvisioner runs the worker as a goroutine connected by pipes.
// The worker resolves placeholders from Spec.Env only, so it sees exactly
// what a process sandbox would.
type InProcessProvisioner struct {
	Drivers *driver.Registry
	Clock   clock.Clock

	// Grace bounds how long Kill waits for the worker to return.
	Grace time.Duration
}

// Name implements Provisioner.
func (p *InProcessProvisioner) Name() string { return "inproc" }

// Provision starts the worker goroutine.
func (p *InProcessProvisioner) Provision(ctx context.Context, spec Spec) (*Handle, error) {
	workDir, err := os.MkdirTemp("", "osiris-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var logFile *os.File
	if spec.LogPath != "" {
		logFile, err = openLog(spec.LogPath)
		if err != nil {
			os.RemoveAll(workDir)
			return nil, err
		}
		logger = slog.New(slog.NewTextHandler(logFile, nil))
	}

	hostR, workerW := io.Pipe()
	workerR, hostW := io.Pipe()
	env := spec.Env
	workerCtx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer workerW.Close()
		err := worker.Serve(workerCtx, rpc.NewConn(workerR, workerW, nil), worker.Options{
			Drivers: p.Drivers,
			Lookup: func(name string) (string, bool) {
				v, ok := env[name]
				return v, ok
			},
			WorkDir: workDir,
			Clock:   p.Clock,
			Logger:  logger,
		})
		if err != nil {
			logger.Error("worker failed", "error", err)
		}
	}()

	grace := p.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	kill := func() error {
		cancel()
		hostW.Close()
		hostR.Close()
		workerR.Close()
		select {
		case <-exited:
		case <-time.After(grace):
			return fmt.Errorf("in-process worker did not stop within %s", grace)
		}
		return nil
	}
	cleanup := func() error {
		if logFile != nil {
			return logFile.Close()
		}
		return nil
	}
	return NewHandle(rpc.NewConn(hostR, hostW, nil), workDir, kill, cleanup), nil
}
