package preview

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	defaultReadyTimeout = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// SupervisorConfig holds the commands and timing used to launch dev servers.
type SupervisorConfig struct {
	InstallCommand []string      // Defaults to ["npm", "install"]
	ServeCommand   []string      // Defaults to ["npm", "run", "dev", "--", "--port"] (port appended)
	ReadyTimeout   time.Duration // Defaults to 30s
	PollInterval   time.Duration // Defaults to 500ms
	Logger         *slog.Logger
}

// ProcessSupervisor installs dependencies and launches the framework dev
// server for a preview instance, then watches for readiness and exit.
type ProcessSupervisor struct {
	installCommand []string
	serveCommand   []string
	readyTimeout   time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
}

// NewProcessSupervisor creates a ProcessSupervisor from config, applying
// defaults for any zero-valued field.
func NewProcessSupervisor(config SupervisorConfig) *ProcessSupervisor {
	install := config.InstallCommand
	if len(install) == 0 {
		install = []string{"npm", "install"}
	}
	serve := config.ServeCommand
	if len(serve) == 0 {
		serve = []string{"npm", "run", "dev", "--", "--port"}
	}
	readyTimeout := config.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = defaultReadyTimeout
	}
	pollInterval := config.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessSupervisor{
		installCommand: install,
		serveCommand:   serve,
		readyTimeout:   readyTimeout,
		pollInterval:   pollInterval,
		logger:         logger.With("component", "ProcessSupervisor"),
	}
}

// Launch runs the dependency install and boots the dev server for the
// instance, mutating its status, handle and error message in place. Lifecycle
// failures are recorded on the instance rather than returned; the returned
// error mirrors the recorded failure so callers can release resources. ctx
// bounds only the synchronous install and readiness wait; the spawned server
// itself is not tied to it.
func (ps *ProcessSupervisor) Launch(ctx context.Context, inst *PreviewInstance) error {
	if err := ps.runInstall(ctx, inst); err != nil {
		inst.SetError(fmt.Sprintf("dependency install failed: %v", err))
		return err
	}

	if err := ps.spawnServer(inst); err != nil {
		inst.SetError(fmt.Sprintf("failed to start dev server: %v", err))
		return err
	}

	if err := ps.waitForReady(ctx, inst); err != nil {
		// Policy: the process is left running on timeout; the caller decides
		// whether to kill it.
		inst.SetError(err.Error())
		return err
	}

	inst.SetStatus(StatusRunning)
	ps.logger.Info("Dev server is ready", "instanceID", inst.ID, "port", inst.Port)
	return nil
}

// IsAlive re-validates a running instance by signaling its process
// non-destructively. A failed signal flips the status to stopped.
func (ps *ProcessSupervisor) IsAlive(inst *PreviewInstance) bool {
	handle := inst.Handle()
	if handle == nil {
		if inst.Status() == StatusRunning {
			inst.SetStatus(StatusStopped)
		}
		return false
	}
	if err := handle.Signal(syscall.Signal(0)); err != nil {
		if inst.Status() == StatusRunning {
			ps.logger.Warn("Process found dead during liveness check", "instanceID", inst.ID, "pid", handle.PID)
			inst.SetStatus(StatusStopped)
		}
		return false
	}
	return true
}

func (ps *ProcessSupervisor) runInstall(ctx context.Context, inst *PreviewInstance) error {
	ps.logger.Info("Installing dependencies", "instanceID", inst.ID, "path", inst.LocalPath)

	cmd := exec.CommandContext(ctx, ps.installCommand[0], ps.installCommand[1:]...)
	cmd.Dir = inst.LocalPath
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	if err != nil {
		ps.logger.Error("Dependency install failed",
			"instanceID", inst.ID, "error", err, "output", truncate(string(output), 2048))
		return fmt.Errorf("install command %q exited with error: %w", ps.installCommand[0], err)
	}
	return nil
}

// spawnServer starts the dev server detached from the caller's context. The
// instance outlives the start request; its process is ended only by an
// explicit stop or by dying on its own.
func (ps *ProcessSupervisor) spawnServer(inst *PreviewInstance) error {
	args := append([]string{}, ps.serveCommand[1:]...)
	args = append(args, fmt.Sprintf("%d", inst.Port))

	cmd := exec.Command(ps.serveCommand[0], args...)
	cmd.Dir = inst.LocalPath
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", inst.Port))

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start dev server: %w", err)
	}

	inst.setHandle(&ProcessHandle{PID: cmd.Process.Pid, Cmd: cmd})
	ps.logger.Info("Dev server starting", "instanceID", inst.ID, "pid", cmd.Process.Pid, "port", inst.Port)

	go func() {
		defer stdoutPipe.Close()
		scanner := bufio.NewScanner(stdoutPipe)
		for scanner.Scan() {
			ps.logger.Info("Dev server stdout", "instanceID", inst.ID, "output", scanner.Text())
		}
	}()

	go func() {
		defer stderrPipe.Close()
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			ps.logger.Warn("Dev server stderr", "instanceID", inst.ID, "output", scanner.Text())
		}
	}()

	// When the process exits for any reason other than an explicit stop, mark
	// the instance stopped so the registry's lazy liveness agrees with reality.
	go func() {
		err := cmd.Wait()
		if inst.Status() == StatusRunning || inst.Status() == StatusStarting {
			ps.logger.Warn("Dev server exited unexpectedly", "instanceID", inst.ID, "pid", cmd.Process.Pid, "error", err)
			inst.SetStatus(StatusStopped)
		}
	}()

	return nil
}

// waitForReady polls TCP connectability on the instance's port until the dev
// server accepts connections or the timeout elapses.
func (ps *ProcessSupervisor) waitForReady(ctx context.Context, inst *PreviewInstance) error {
	addr := fmt.Sprintf("127.0.0.1:%d", inst.Port)
	deadline := time.Now().Add(ps.readyTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, ps.pollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(ps.pollInterval)
	}

	return fmt.Errorf("dev server for instance %s did not become ready on port %d within %s",
		inst.ID, inst.Port, ps.readyTimeout)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
