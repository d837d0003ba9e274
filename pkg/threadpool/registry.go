package threadpool

import (
	"fmt"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
)

// The attachment registry maps user-chosen string keys to worker IDs so
// callers can control workers by name. Keys are unique across the pool.

// Register binds key to an existing worker ID.
func (m *Manager) Register(id uint, key string) error {
	if key == "" {
		return fmt.Errorf("%w: attachment key cannot be empty", common.ErrInvalidParam)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[id]; !ok {
		return fmt.Errorf("worker %d: %w", id, common.ErrNotFound)
	}
	if _, ok := m.registrations[key]; ok {
		return fmt.Errorf("attachment %q: %w", key, common.ErrAlreadyExists)
	}
	m.registrations[key] = id
	return nil
}

// Unregister removes a key. The worker itself is untouched.
func (m *Manager) Unregister(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registrations[key]; !ok {
		return fmt.Errorf("attachment %q: %w", key, common.ErrNotFound)
	}
	delete(m.registrations, key)
	return nil
}

// Find resolves a key to its worker ID.
func (m *Manager) Find(key string) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.registrations[key]
	if !ok {
		return 0, fmt.Errorf("attachment %q: %w", key, common.ErrNotFound)
	}
	return id, nil
}

// StopByKey requests a cooperative stop of the worker bound to key.
func (m *Manager) StopByKey(key string) error {
	id, err := m.Find(key)
	if err != nil {
		return err
	}
	return m.Stop(id)
}

// KillByKey forcefully terminates the worker bound to key.
func (m *Manager) KillByKey(key string) error {
	id, err := m.Find(key)
	if err != nil {
		return err
	}
	return m.Kill(id)
}

// RestartByKey restarts the worker bound to key, optionally replacing
// its argv.
func (m *Manager) RestartByKey(key string, newArgs []string) error {
	id, err := m.Find(key)
	if err != nil {
		return err
	}
	return m.Restart(id, newArgs)
}

// AllKeys returns every registered attachment key.
func (m *Manager) AllKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.registrations))
	for key := range m.registrations {
		keys = append(keys, key)
	}
	return keys
}
