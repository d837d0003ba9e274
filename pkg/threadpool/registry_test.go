package threadpool

import (
	"errors"
	"testing"
	"time"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
)

func newIdleWorker(t *testing.T, m *Manager) uint {
	t.Helper()
	id, err := m.Create(func(h *Handle) {
		for !h.ShouldExit() {
			h.CheckPause()
			time.Sleep(10 * time.Millisecond)
		}
	})
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}
	return id
}

func TestRegisterFindUnregister(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	id := newIdleWorker(t, m)
	if err := m.Register(id, "collector"); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	found, err := m.Find("collector")
	if err != nil {
		t.Fatalf("Failed to find: %v", err)
	}
	if found != id {
		t.Errorf("Expected ID %d, got %d", id, found)
	}

	if err := m.Unregister("collector"); err != nil {
		t.Fatalf("Failed to unregister: %v", err)
	}
	if _, err := m.Find("collector"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after unregister, got %v", err)
	}
}

func TestRegisterDuplicateKey(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	first := newIdleWorker(t, m)
	second := newIdleWorker(t, m)

	if err := m.Register(first, "shared"); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	if err := m.Register(second, "shared"); !errors.Is(err, common.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
}

func TestRegisterUnknownWorker(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	if err := m.Register(9999, "ghost"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStopByKey(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	id := newIdleWorker(t, m)
	if err := m.Register(id, "stoppable"); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if err := m.StopByKey("stoppable"); err != nil {
		t.Fatalf("Failed to stop by key: %v", err)
	}
	if err := m.Join(id, 2*time.Second); err != nil {
		t.Fatalf("Failed to join: %v", err)
	}
}

func TestKillByKeyFunctionWorker(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	id := newIdleWorker(t, m)
	if err := m.Register(id, "victim"); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if err := m.KillByKey("victim"); err != nil {
		t.Fatalf("Failed to kill by key: %v", err)
	}

	// Function-kind kill is a cooperative cancel plus a stopped mark.
	state, err := m.State(id)
	if err != nil {
		t.Fatalf("Failed to get state: %v", err)
	}
	if state != StateStopped {
		t.Errorf("Expected stopped, got %s", state)
	}
}

func TestJoinDropsRegistration(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	id := newIdleWorker(t, m)
	if err := m.Register(id, "ephemeral"); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if err := m.Stop(id); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if err := m.Join(id, 2*time.Second); err != nil {
		t.Fatalf("Failed to join: %v", err)
	}

	if _, err := m.Find("ephemeral"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected registration to die with the worker, got %v", err)
	}
}

func TestAllKeys(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	keys := []string{"one", "two", "three"}
	for _, key := range keys {
		id := newIdleWorker(t, m)
		if err := m.Register(id, key); err != nil {
			t.Fatalf("Failed to register %s: %v", key, err)
		}
	}

	got := m.AllKeys()
	if len(got) != len(keys) {
		t.Fatalf("Expected %d keys, got %d", len(keys), len(got))
	}
	seen := make(map[string]bool)
	for _, key := range got {
		seen[key] = true
	}
	for _, key := range keys {
		if !seen[key] {
			t.Errorf("Missing key %s", key)
		}
	}
}
