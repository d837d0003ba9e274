// Package threadpool implements the identifier-addressable pool of
// long-lived, pausable, restartable worker tasks that every other
// gateway component launches its work through.
//
// Worker IDs are opaque, monotonic and never reused within one Manager
// instance. Function-kind workers cooperate with pause/stop through the
// Handle passed to their body; process-kind workers wrap a child
// process whose monitor translates pool operations into signals.
package threadpool

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
)

// Manager owns the only mutable task table. Callers treat returned IDs
// as opaque. The table is a strongly referenced value that outlives all
// workers; teardown is a flag flip plus join, never a free.
type Manager struct {
	mu            sync.Mutex
	workers       map[uint]*worker
	registrations map[string]uint
	nextID        uint
	closed        bool
	logger        *common.Logger
}

// NewManager creates an empty pool.
func NewManager(logger *common.Logger) *Manager {
	if logger == nil {
		logger = common.NewLogger(io.Discard, "[POOL] ", common.InfoLevel)
	}
	return &Manager{
		workers:       make(map[uint]*worker),
		registrations: make(map[string]uint),
		nextID:        1,
		logger:        logger,
	}
}

// lookup returns the live record for id.
func (m *Manager) lookup(id uint) (*worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %d: %w", id, common.ErrNotFound)
	}
	return w, nil
}

// Create launches fn on a fresh goroutine and returns its stable ID.
// After return the worker is either created or already running.
func (m *Manager) Create(fn func(*Handle)) (uint, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil worker function", common.ErrInvalidParam)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, fmt.Errorf("create: %w", common.ErrShuttingDown)
	}
	id := m.nextID
	m.nextID++
	w := newWorker(id, KindFunction)
	w.fn = fn
	m.workers[id] = w
	m.mu.Unlock()

	go m.runFunction(w)

	m.logger.Debug("Created function worker: id=%d", id)
	return id, nil
}

// runFunction is the goroutine body wrapper for function-kind workers.
func (m *Manager) runFunction(w *worker) {
	w.mu.Lock()
	if w.shouldExit {
		w.state = StateStopped
		w.mu.Unlock()
		close(w.done)
		return
	}
	w.state = StateRunning
	w.mu.Unlock()

	w.fn(&Handle{m: m, id: w.id})

	w.mu.Lock()
	if w.state != StateError {
		w.state = StateStopped
	}
	w.mu.Unlock()
	close(w.done)
}

// Stop sets should-exit, clears paused and wakes the worker. It returns
// immediately and is idempotent on already-stopped workers. For
// process-kind the monitor escalates to SIGTERM and then SIGKILL.
func (m *Manager) Stop(id uint) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.shouldExit = true
	wasPaused := w.paused
	w.paused = false
	w.cond.Broadcast()
	kind := w.kind
	pid := w.pid
	w.mu.Unlock()

	// A SIGSTOPped child cannot act on SIGTERM; wake it first.
	if kind == KindProcess && wasPaused && pid > 0 {
		_ = unix.Kill(pid, unix.SIGCONT)
	}

	m.logger.Debug("Stop requested for worker %d", id)
	return nil
}

// Pause suspends a running worker. Not-running workers are left alone;
// that is not an error.
func (m *Manager) Pause(id uint) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.state != StateRunning || w.shouldExit {
		w.mu.Unlock()
		return nil
	}
	w.paused = true
	kind := w.kind
	pid := w.pid
	w.mu.Unlock()

	if kind == KindProcess && pid > 0 {
		if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
			m.logger.Warn("Failed to SIGSTOP process %d (worker %d): %v", pid, id, err)
		}
	}
	return nil
}

// Resume is the inverse of Pause.
func (m *Manager) Resume(id uint) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	w.mu.Lock()
	wasPaused := w.paused
	w.paused = false
	w.cond.Broadcast()
	kind := w.kind
	pid := w.pid
	w.mu.Unlock()

	if kind == KindProcess && wasPaused && pid > 0 {
		if err := unix.Kill(pid, unix.SIGCONT); err != nil {
			m.logger.Warn("Failed to SIGCONT process %d (worker %d): %v", pid, id, err)
		}
	}
	return nil
}

// Restart stops and joins the existing worker, then launches a new body
// under the same ID. Function-kind reuses the same function; process-kind
// re-executes the same command, with argv replaced when newArgs is
// non-nil. On relaunch failure the slot is left empty.
func (m *Manager) Restart(id uint, newArgs []string) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	if err := m.Stop(id); err != nil {
		return err
	}
	<-w.done

	m.mu.Lock()
	delete(m.workers, id)
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("restart: %w", common.ErrShuttingDown)
	}

	nw := newWorker(id, w.kind)
	switch w.kind {
	case KindFunction:
		nw.fn = w.fn
		m.workers[id] = nw
		m.mu.Unlock()
		go m.runFunction(nw)
	case KindProcess:
		nw.command = w.command
		nw.args = append([]string(nil), w.args...)
		if newArgs != nil {
			nw.args = append([]string(nil), newArgs...)
		}
		if err := m.startProcess(nw); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("restart worker %d: %w", id, err)
		}
		m.workers[id] = nw
		m.mu.Unlock()
		go m.monitorProcess(nw)
	}

	m.logger.Info("Restarted worker %d", id)
	return nil
}

// Join blocks until the worker has exited or timeout elapses. A timeout
// of zero or below waits indefinitely. On success the record is
// destroyed together with any attachment keys pointing at it.
func (m *Manager) Join(id uint, timeout time.Duration) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	if timeout > 0 {
		select {
		case <-w.done:
		case <-time.After(timeout):
			return fmt.Errorf("join worker %d: %w", id, common.ErrTimeout)
		}
	} else {
		<-w.done
	}

	m.reclaim(id)
	return nil
}

// reclaim removes a finished worker record and its registry entries.
func (m *Manager) reclaim(id uint) {
	m.mu.Lock()
	delete(m.workers, id)
	for key, wid := range m.registrations {
		if wid == id {
			delete(m.registrations, key)
		}
	}
	m.mu.Unlock()
}

// State returns the worker's current run-state.
func (m *Manager) State(id uint) (State, error) {
	w, err := m.lookup(id)
	if err != nil {
		return StateError, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.effectiveStateLocked(), nil
}

// IsAlive reports whether the worker is created, running or paused.
func (m *Manager) IsAlive(id uint) bool {
	state, err := m.State(id)
	if err != nil {
		return false
	}
	return state == StateCreated || state == StateRunning || state == StatePaused
}

// GetInfo returns a snapshot of the worker record.
func (m *Manager) GetInfo(id uint) (Info, error) {
	w, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return w.info(), nil
}

// AllIDs returns the IDs of every live worker.
func (m *Manager) AllIDs() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live workers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Kill forcefully terminates a worker. Process-kind children receive
// SIGKILL; function-kind workers get a cooperative cancel and are
// marked stopped.
func (m *Manager) Kill(id uint) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.shouldExit = true
	w.paused = false
	w.cond.Broadcast()
	kind := w.kind
	pid := w.pid
	if kind == KindFunction && w.state != StateError {
		w.state = StateStopped
	}
	w.mu.Unlock()

	if kind == KindProcess && pid > 0 {
		_ = unix.Kill(pid, unix.SIGCONT)
		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			return fmt.Errorf("kill worker %d: %w", id, err)
		}
		m.logger.Warn("Process worker force killed: id=%d pid=%d", id, pid)
	}
	return nil
}

// Shutdown stops every worker, joins them and destroys all records. Any
// Create racing with the teardown observes the pool as closed and fails
// with ErrShuttingDown instead of corrupting state. Safe to call twice.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]uint, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down pool (%d workers)", len(ids))

	for _, id := range ids {
		_ = m.Stop(id)
	}
	for _, id := range ids {
		if err := m.Join(id, 0); err != nil && !errors.Is(err, common.ErrNotFound) {
			m.logger.Warn("Join during shutdown failed for worker %d: %v", id, err)
		}
	}

	m.mu.Lock()
	m.workers = make(map[uint]*worker)
	m.registrations = make(map[string]uint)
	m.mu.Unlock()

	m.logger.Info("Pool shutdown complete")
	return nil
}
