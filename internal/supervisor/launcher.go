package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/edvin/argonode/internal/registry"
)

// ErrSpawnFailed is returned when a managed process cannot be started or
// exits during its start grace period.
var ErrSpawnFailed = errors.New("process failed to start")

// Spec describes a process to launch.
type Spec struct {
	Role   registry.Role
	Binary string
	Args   []string
	// Env is appended to the current environment.
	Env []string
	Dir string
	// LogPath receives the process's stdout and stderr.
	LogPath string
	// TruncateLog empties LogPath before the process starts instead of
	// appending to it.
	TruncateLog bool
}

// Launcher abstracts how managed processes are started and stopped so the
// lifecycle controller can be exercised without real binaries.
type Launcher interface {
	// Start spawns the process detached from the caller. The process must
	// outlive ctx and the calling program.
	Start(ctx context.Context, spec Spec) (*Process, error)

	// Stop terminates pid: SIGTERM, wait up to timeout, then SIGKILL.
	// A pid that is already gone is not an error.
	Stop(ctx context.Context, pid int, timeout time.Duration) error
}

// Process is a started child.
type Process struct {
	PID  int
	done chan struct{}
	err  error
}

// NewProcess returns a Process whose exit is signalled by closing done.
// Launchers other than DirectLauncher use it to hand out handles.
func NewProcess(pid int, done chan struct{}) *Process {
	return &Process{PID: pid, done: done}
}

// Exited is closed once the process has exited and been reaped.
func (p *Process) Exited() <-chan struct{} { return p.done }

// Settle waits for the grace period and fails if the process exits before
// it elapses.
func (p *Process) Settle(ctx context.Context, grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		if p.err != nil {
			return fmt.Errorf("%w: exited during start: %v", ErrSpawnFailed, p.err)
		}
		return fmt.Errorf("%w: exited during start", ErrSpawnFailed)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// DirectLauncher: plain fork/exec, no service manager
// ---------------------------------------------------------------------------

// DirectLauncher starts processes in their own session so they keep running
// after argonode exits, and stops them with signals. It needs no init system
// and no privileges.
type DirectLauncher struct {
	logger zerolog.Logger
	table  registry.ProcessTable
	poll   time.Duration
}

// NewDirectLauncher creates a Launcher that forks processes directly.
func NewDirectLauncher(logger zerolog.Logger, table registry.ProcessTable) *DirectLauncher {
	return &DirectLauncher{
		logger: logger.With().Str("component", "launcher").Logger(),
		table:  table,
		poll:   100 * time.Millisecond,
	}
}

func (d *DirectLauncher) Start(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if spec.TruncateLog {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir for %s: %w", spec.Role, err)
	}
	logFile, err := os.OpenFile(spec.LogPath, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s log %s: %w", spec.Role, spec.LogPath, err)
	}
	// The child holds its own descriptor after Start.
	defer logFile.Close()

	// exec.Command rather than CommandContext: the process must not be
	// killed when the invocation's context ends.
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Role, err)
	}

	p := &Process{PID: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	d.logger.Info().
		Str("role", string(spec.Role)).
		Str("binary", spec.Binary).
		Int("pid", p.PID).
		Str("log", spec.LogPath).
		Msg("process spawned")

	return p, nil
}

func (d *DirectLauncher) Stop(ctx context.Context, pid int, timeout time.Duration) error {
	log := d.logger.With().Int("pid", pid).Logger()

	log.Debug().Msg("stop: sending SIGTERM")
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			log.Debug().Msg("process already gone")
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	if d.waitGone(ctx, pid, timeout) {
		return nil
	}

	log.Warn().Dur("timeout", timeout).Msg("process ignored SIGTERM, sending SIGKILL")
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}

	if !d.waitGone(ctx, pid, timeout) {
		return fmt.Errorf("pid %d still running after SIGKILL", pid)
	}
	return nil
}

func (d *DirectLauncher) waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !d.table.Exists(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !d.table.Exists(pid)
		case <-time.After(d.poll):
		}
	}
}
