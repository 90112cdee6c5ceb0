// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcehound/harvester/internal/harvest"
)

// TaskStore keeps task snapshots and cancel flags behind one mutex.
type TaskStore struct {
	mu      sync.RWMutex
	tasks   map[string]harvest.Task
	cancels map[string]bool
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:   make(map[string]harvest.Task),
		cancels: make(map[string]bool),
	}
}

// Create stores a new task snapshot.
func (s *TaskStore) Create(_ context.Context, t harvest.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get fetches a task snapshot by ID.
func (s *TaskStore) Get(_ context.Context, id string) (harvest.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return harvest.Task{}, fmt.Errorf("task %s: %w", id, harvest.ErrNotFound)
	}
	return cloneTask(t), nil
}

// Update overwrites the task snapshot. Terminal states are absorbing.
func (s *TaskStore) Update(_ context.Context, t harvest.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, harvest.ErrNotFound)
	}
	if existing.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", t.ID, existing.Status)
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// RequestCancel sets the persisted cooperative cancel flag.
func (s *TaskStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, harvest.ErrNotFound)
	}
	s.cancels[id] = true
	return nil
}

// CancelRequested reports whether cancellation was requested.
func (s *TaskStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[id]; !ok {
		return false, fmt.Errorf("task %s: %w", id, harvest.ErrNotFound)
	}
	return s.cancels[id], nil
}

// SweepStale marks tasks still marked running as failed. Used at startup to
// reconcile tasks orphaned by a crash.
func (s *TaskStore) SweepStale(_ context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for id, t := range s.tasks {
		if t.Status == harvest.StatusRunning || t.Status == harvest.StatusPending {
			t.Status = harvest.StatusFailed
			t.ErrorMessage = reason
			s.tasks[id] = t
			swept++
		}
	}
	return swept, nil
}

func cloneTask(t harvest.Task) harvest.Task {
	cp := t
	if t.Logs != nil {
		cp.Logs = make([]harvest.LogEntry, len(t.Logs))
		copy(cp.Logs, t.Logs)
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}
