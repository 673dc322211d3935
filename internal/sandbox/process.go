package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/keboola/osiris/internal/rpc"
)

// DefaultGrace is how long a worker gets between SIGTERM and SIGKILL.
const DefaultGrace = 2 * time.Second

// passthroughEnv is the part of the host environment a worker inherits.
var passthroughEnv = []string{"PATH", "HOME", "TMPDIR", "LANG", "TZ"}

// ProcessProvisioner runs each worker as a child process in its own
// process group with a minimal environment. The protocol runs over the
// child's stdin and stdout.
type ProcessProvisioner struct {
	// Command is the worker argv; "--workdir <dir>" is appended. Empty
	// means this executable's "worker" subcommand.
	Command []string

	Grace  time.Duration
	Logger *slog.Logger
}

// Name implements Provisioner.
func (p *ProcessProvisioner) Name() string { return "process" }

// Provision starts the worker.
func (p *ProcessProvisioner) Provision(ctx context.Context, spec Spec) (*Handle, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := p.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	argv := p.Command
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
		argv = []string{self, "worker"}
	}

	workDir, err := os.MkdirTemp("", "osiris-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	fail := func(err error) (*Handle, error) {
		os.RemoveAll(workDir)
		return nil, err
	}

	// os.Pipe rather than cmd.StdoutPipe: Wait must not close our read
	// end while the last frames are still being consumed.
	childIn, hostOut, err := os.Pipe()
	if err != nil {
		return fail(err)
	}
	hostIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		hostOut.Close()
		return fail(err)
	}

	cmd := exec.Command(argv[0], append(argv[1:], "--workdir", workDir)...)
	cmd.Dir = workDir
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Env = workerEnv(spec)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var logFile *os.File
	if spec.LogPath != "" {
		logFile, err = openLog(spec.LogPath)
		if err != nil {
			return fail(err)
		}
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{childIn, childOut, hostIn, hostOut, logFile} {
			if f != nil {
				f.Close()
			}
		}
		return fail(fmt.Errorf("start worker: %w", err))
	}
	childIn.Close()
	childOut.Close()
	logger.Debug("sandbox worker started", "run_id", spec.RunID, "pid", cmd.Process.Pid, "dir", workDir)

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		logger.Debug("sandbox worker exited", "run_id", spec.RunID, "error", err)
		close(exited)
	}()

	pid := cmd.Process.Pid
	kill := func() error {
		hostOut.Close()
		select {
		case <-exited:
			return nil
		case <-time.After(grace / 4):
		}
		if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("terminate worker: %w", err)
		}
		select {
		case <-exited:
			return nil
		case <-time.After(grace):
		}
		logger.Warn("sandbox worker ignored SIGTERM, killing", "pid", pid)
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("kill worker: %w", err)
		}
		<-exited
		return nil
	}
	cleanup := func() error {
		hostIn.Close()
		if logFile != nil {
			return logFile.Close()
		}
		return nil
	}

	conn := rpc.NewConn(hostIn, hostOut, nil)
	return NewHandle(conn, workDir, kill, cleanup), nil
}

func workerEnv(spec Spec) []string {
	var env []string
	for _, k := range passthroughEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return append(env, spec.EnvList()...)
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
