package threadpool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
)

func TestCreateAndJoin(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	var ran int32
	id, err := m.Create(func(h *Handle) {
		atomic.AddInt32(&ran, 1)
	})
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}

	if err := m.Join(id, 2*time.Second); err != nil {
		t.Fatalf("Failed to join worker: %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Errorf("Expected body to run once, got %d", ran)
	}

	// Join destroys the record.
	if _, err := m.State(id); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after join, got %v", err)
	}
}

func TestIDsAreMonotonic(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	var last uint
	for i := 0; i < 10; i++ {
		id, err := m.Create(func(h *Handle) {})
		if err != nil {
			t.Fatalf("Failed to create worker %d: %v", i, err)
		}
		if id <= last {
			t.Errorf("Expected monotonic IDs, got %d after %d", id, last)
		}
		last = id
	}
}

func TestIsAliveMatchesState(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	release := make(chan struct{})
	id, err := m.Create(func(h *Handle) {
		<-release
	})
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	state, err := m.State(id)
	if err != nil {
		t.Fatalf("Failed to get state: %v", err)
	}
	if state != StateRunning {
		t.Errorf("Expected running, got %s", state)
	}
	if !m.IsAlive(id) {
		t.Error("Expected worker to be alive while running")
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	if m.IsAlive(id) {
		t.Error("Expected worker to be dead after body returned")
	}
	state, _ = m.State(id)
	if state != StateStopped {
		t.Errorf("Expected stopped, got %s", state)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	id, err := m.Create(func(h *Handle) {
		for !h.ShouldExit() {
			time.Sleep(10 * time.Millisecond)
		}
	})
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}

	if err := m.Stop(id); err != nil {
		t.Fatalf("First stop failed: %v", err)
	}
	if err := m.Stop(id); err != nil {
		t.Fatalf("Second stop failed: %v", err)
	}
	if err := m.Join(id, 2*time.Second); err != nil {
		t.Fatalf("Failed to join stopped worker: %v", err)
	}
}

func TestStopUnknownID(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	if err := m.Stop(9999); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPauseResumeCooperativeBody(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	var finalTick int32
	start := time.Now()
	id, err := m.Create(func(h *Handle) {
		for tick := 1; tick <= 10; tick++ {
			h.CheckPause()
			if h.ShouldExit() {
				return
			}
			atomic.StoreInt32(&finalTick, int32(tick))
			time.Sleep(100 * time.Millisecond)
		}
	})
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}

	// Pause at 350 ms, while tick 4 sleeps; the body blocks at its next
	// CheckPause (about 400 ms) and is resumed 500 ms later, at 900 ms.
	time.Sleep(350 * time.Millisecond)
	if err := m.Pause(id); err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if state, _ := m.State(id); state != StatePaused {
		t.Errorf("Expected paused, got %s", state)
	}
	time.Sleep(450 * time.Millisecond)
	if err := m.Resume(id); err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}

	if err := m.Join(id, 5*time.Second); err != nil {
		t.Fatalf("Failed to join: %v", err)
	}

	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond {
		t.Errorf("Expected wall time >= 1.5s, got %v", elapsed)
	}
	if atomic.LoadInt32(&finalTick) != 10 {
		t.Errorf("Expected final tick 10, got %d", finalTick)
	}
}

func TestPauseNotRunningIsNoop(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	id, err := m.Create(func(h *Handle) {})
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// Pause after exit: no effect, no error.
	if err := m.Pause(id); err != nil {
		t.Errorf("Expected no error pausing stopped worker, got %v", err)
	}
	if state, _ := m.State(id); state != StateStopped {
		t.Errorf("Expected stopped, got %s", state)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	id, err := m.Create(func(h *Handle) {
		for !h.ShouldExit() {
			h.CheckPause()
			time.Sleep(10 * time.Millisecond)
		}
	})
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := m.Pause(id); err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}
	if err := m.Resume(id); err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if state, _ := m.State(id); state != StateRunning {
		t.Errorf("Expected pause;resume to be a no-op on run-state, got %s", state)
	}
}

func TestJoinTimeout(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	release := make(chan struct{})
	id, err := m.Create(func(h *Handle) {
		<-release
	})
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}

	if err := m.Join(id, 100*time.Millisecond); !errors.Is(err, common.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	// The worker is left running after a join timeout.
	if !m.IsAlive(id) {
		t.Error("Expected worker to survive join timeout")
	}
	close(release)
}

func TestRestartFunctionWorker(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	var runs int32
	id, err := m.Create(func(h *Handle) {
		atomic.AddInt32(&runs, 1)
		for !h.ShouldExit() {
			time.Sleep(10 * time.Millisecond)
		}
	})
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := m.Restart(id, nil); err != nil {
		t.Fatalf("Failed to restart: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&runs) != 2 {
		t.Errorf("Expected body to run twice after restart, got %d", runs)
	}
	// Same ID, still alive.
	if !m.IsAlive(id) {
		t.Error("Expected restarted worker to be alive under the same ID")
	}
}

func TestCreateAfterShutdown(t *testing.T) {
	m := NewManager(nil)
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if _, err := m.Create(func(h *Handle) {}); !errors.Is(err, common.ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
	// A second shutdown is harmless.
	if err := m.Shutdown(); err != nil {
		t.Errorf("Second shutdown failed: %v", err)
	}
}

func TestCountAndAllIDs(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	release := make(chan struct{})
	ids := make(map[uint]bool)
	for i := 0; i < 3; i++ {
		id, err := m.Create(func(h *Handle) { <-release })
		if err != nil {
			t.Fatalf("Failed to create worker: %v", err)
		}
		ids[id] = true
	}

	if m.Count() != 3 {
		t.Errorf("Expected count 3, got %d", m.Count())
	}
	for _, id := range m.AllIDs() {
		if !ids[id] {
			t.Errorf("Unexpected ID %d in AllIDs", id)
		}
	}
	close(release)
}
