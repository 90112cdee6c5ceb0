package memory

import (
	"context"
	"sync"

	"github.com/sourcehound/harvester/internal/harvest"
)

// ResultStore keeps enriched records per task, deduplicated by fingerprint,
// in insertion order.
type ResultStore struct {
	mu     sync.RWMutex
	byTask map[string]*taskResults
}

type taskResults struct {
	order []string
	recs  map[string]harvest.DetailRecord
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{byTask: make(map[string]*taskResults)}
}

// Put inserts rec, rejecting duplicates by fingerprint within the task.
func (s *ResultStore) Put(_ context.Context, taskID string, rec harvest.DetailRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.byTask[taskID]
	if !ok {
		tr = &taskResults{recs: make(map[string]harvest.DetailRecord)}
		s.byTask[taskID] = tr
	}
	if _, dup := tr.recs[rec.Fingerprint]; dup {
		return false, nil
	}
	tr.order = append(tr.order, rec.Fingerprint)
	tr.recs[rec.Fingerprint] = rec
	return true, nil
}

// GetPage returns one 1-based page of records plus the total count.
func (s *ResultStore) GetPage(_ context.Context, taskID string, page, size int) ([]harvest.DetailRecord, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.byTask[taskID]
	if !ok {
		return nil, 0, nil
	}
	total := len(tr.order)
	start := (page - 1) * size
	if start >= total {
		return nil, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	out := make([]harvest.DetailRecord, 0, end-start)
	for _, fp := range tr.order[start:end] {
		out = append(out, tr.recs[fp])
	}
	return out, total, nil
}
