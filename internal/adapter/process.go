package adapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// terminationGrace is how long a process group gets after SIGTERM before
// escalation to SIGKILL.
const terminationGrace = 5 * time.Second

// newCommand creates an exec.Cmd with process group isolation so the whole
// subprocess tree can be terminated together. Context cancellation sends
// SIGTERM to the group; WaitDelay escalates to SIGKILL after the grace.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = terminationGrace
	return cmd
}

// execution is a started CLI subprocess whose output is being consumed.
type execution struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	pm     *ProcessManager
}

// startCommand creates the pipes, starts the subprocess, and registers it
// with the process manager. Start failures are reported synchronously so
// callers can advance the provider fallback chain.
func startCommand(cmd *exec.Cmd, pm *ProcessManager, workOrder string) (*execution, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(workOrder, cmd)
	}
	return &execution{cmd: cmd, stdout: stdoutPipe, stderr: stderrPipe, pm: pm}, nil
}

// consume feeds every stdout line to handleLine as it arrives and returns
// captured stderr alongside the wait error. Both pipes are drained before
// Wait so a chatty subprocess can never deadlock on a full pipe buffer.
func (x *execution) consume(handleLine func(line []byte)) ([]byte, error) {
	var wg sync.WaitGroup
	var stderrBuf bytes.Buffer
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(x.stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			handleLine(scanner.Bytes())
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, x.stderr)
	}()

	wg.Wait()
	waitErr := x.cmd.Wait()
	if x.pm != nil {
		x.pm.Untrack(x.cmd)
	}

	stderr := stderrBuf.Bytes()
	if waitErr != nil {
		if len(stderr) > 0 {
			return stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stderr, nil
}

type trackedProc struct {
	cmd       *exec.Cmd
	workOrder string
}

// ProcessManager tracks running CLI subprocesses by work order so a cancel
// request can terminate exactly that work order's subprocess tree, and
// shutdown can terminate everything.
type ProcessManager struct {
	mu    sync.Mutex
	grace time.Duration
	procs map[int]trackedProc
}

// NewProcessManager creates a ProcessManager with the default grace period.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		grace: terminationGrace,
		procs: make(map[int]trackedProc),
	}
}

// Track registers a subprocess. Call after cmd.Start().
func (pm *ProcessManager) Track(workOrder string, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = trackedProc{cmd: cmd, workOrder: workOrder}
}

// Untrack removes a subprocess. Call after cmd.Wait() returns.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// Terminate sends SIGTERM to every process group belonging to the work
// order, then SIGKILL to any still tracked after the grace period.
func (pm *ProcessManager) Terminate(workOrder string) error {
	pm.mu.Lock()
	var pids []int
	for pid, tp := range pm.procs {
		if tp.workOrder == workOrder {
			pids = append(pids, pid)
		}
	}
	pm.mu.Unlock()

	var errs []error
	for _, pid := range pids {
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			errs = append(errs, fmt.Errorf("SIGTERM pid %d: %w", pid, err))
			continue
		}
		go pm.escalate(pid)
	}
	if len(errs) > 0 {
		return fmt.Errorf("terminating %s: %v", workOrder, errs)
	}
	return nil
}

// escalate SIGKILLs the group if it is still tracked after the grace period.
func (pm *ProcessManager) escalate(pid int) {
	time.Sleep(pm.grace)
	pm.mu.Lock()
	_, alive := pm.procs[pid]
	pm.mu.Unlock()
	if alive {
		syscall.Kill(-pid, syscall.SIGKILL)
	}
}

// KillAll terminates every tracked subprocess group immediately. Called on
// shutdown.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid := range pm.procs {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			errs = append(errs, fmt.Errorf("SIGKILL pid %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked processes. Useful for tests.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
