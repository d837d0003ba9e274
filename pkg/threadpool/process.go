package threadpool

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
)

// terminateGrace is how long the monitor waits between SIGTERM and
// SIGKILL when a process worker is asked to exit.
const terminateGrace = 1 * time.Second

// CreateProcess forks a child process with stdin/stdout/stderr pipes
// and returns the ID of the worker monitoring it. Fork/exec failure
// surfaces as ErrSpawn and leaves no record behind.
func (m *Manager) CreateProcess(command string, args []string) (uint, error) {
	if command == "" {
		return 0, fmt.Errorf("%w: command cannot be empty", common.ErrInvalidParam)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, fmt.Errorf("create_process: %w", common.ErrShuttingDown)
	}
	id := m.nextID
	m.nextID++
	w := newWorker(id, KindProcess)
	w.command = command
	w.args = append([]string(nil), args...)

	if err := m.startProcess(w); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.workers[id] = w
	m.mu.Unlock()

	go m.monitorProcess(w)

	m.logger.Info("Spawned process worker: id=%d pid=%d cmd=%s", id, w.pid, command)
	return id, nil
}

// startProcess rigs the three pipes and starts the child. The worker
// owns the pipes exclusively. They do not outlive the child: cmd.Wait
// closes the parent-side ends once the child has exited, so output not
// read by then is lost and later reads or writes fail.
func (m *Manager) startProcess(w *worker) error {
	cmd := exec.Command(w.command, w.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", common.ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", common.ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", common.ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		w.mu.Lock()
		w.state = StateError
		w.mu.Unlock()
		return fmt.Errorf("%w: failed to start process: %v", common.ErrSpawn, err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.pid = cmd.Process.Pid
	w.stdin = stdin
	w.stdout = stdout
	w.stderr = stderr
	w.state = StateRunning
	w.mu.Unlock()
	return nil
}

// monitorProcess is the parent-side loop for a process worker: it reaps
// the child, and translates a should-exit request into SIGTERM followed
// by SIGKILL after a short grace period.
func (m *Manager) monitorProcess(w *worker) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- w.cmd.Wait() }()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitCh:
			m.finishProcess(w, err)
			return
		case <-ticker.C:
			w.mu.Lock()
			exit := w.shouldExit
			pid := w.pid
			w.mu.Unlock()
			if !exit {
				continue
			}

			_ = unix.Kill(pid, unix.SIGCONT)
			_ = unix.Kill(pid, unix.SIGTERM)
			select {
			case err := <-waitCh:
				m.finishProcess(w, err)
				return
			case <-time.After(terminateGrace):
				m.logger.Warn("Force killing process %d (worker %d, graceful termination failed)", pid, w.id)
				_ = unix.Kill(pid, unix.SIGKILL)
				err := <-waitCh
				m.finishProcess(w, err)
				return
			}
		}
	}
}

// finishProcess captures the exit status and marks the record stopped.
func (m *Manager) finishProcess(w *worker, err error) {
	w.mu.Lock()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				code = status.ExitStatus()
			} else {
				code = -1
			}
		} else {
			code = -1
		}
	}
	w.exitCode = code
	if w.state != StateError {
		w.state = StateStopped
	}
	w.paused = false
	w.cond.Broadcast()
	id := w.id
	pid := w.pid
	w.mu.Unlock()
	close(w.done)

	if code != 0 {
		m.logger.Warn("Process exited abnormally: id=%d pid=%d code=%d", id, pid, code)
	} else {
		m.logger.Info("Process exited: id=%d pid=%d code=%d", id, pid, code)
	}
}

// WriteToProcess writes data to the child's stdin.
func (m *Manager) WriteToProcess(id uint, data []byte) (int, error) {
	w, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	stdin := w.stdin
	kind := w.kind
	w.mu.Unlock()
	if kind != KindProcess || stdin == nil {
		return 0, fmt.Errorf("worker %d has no stdin pipe: %w", id, common.ErrInvalidParam)
	}
	return stdin.Write(data)
}

// ReadFromProcess reads from the child's stdout.
func (m *Manager) ReadFromProcess(id uint, buf []byte) (int, error) {
	w, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	stdout := w.stdout
	kind := w.kind
	w.mu.Unlock()
	if kind != KindProcess || stdout == nil {
		return 0, fmt.Errorf("worker %d has no stdout pipe: %w", id, common.ErrInvalidParam)
	}
	return stdout.Read(buf)
}

// ReadErrorFromProcess reads from the child's stderr.
func (m *Manager) ReadErrorFromProcess(id uint, buf []byte) (int, error) {
	w, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	stderr := w.stderr
	kind := w.kind
	w.mu.Unlock()
	if kind != KindProcess || stderr == nil {
		return 0, fmt.Errorf("worker %d has no stderr pipe: %w", id, common.ErrInvalidParam)
	}
	return stderr.Read(buf)
}

// ExitStatus returns the captured exit code of a finished process
// worker.
func (m *Manager) ExitStatus(id uint) (int, error) {
	w, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.kind != KindProcess {
		return 0, fmt.Errorf("worker %d is not a process worker: %w", id, common.ErrInvalidParam)
	}
	if w.state != StateStopped && w.state != StateError {
		return 0, fmt.Errorf("worker %d still running: %w", id, common.ErrInvalidParam)
	}
	return w.exitCode, nil
}
