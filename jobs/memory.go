package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// MEMORY QUEUE - In-memory implementation (for testing/dev)
// =============================================================================

type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*Job)}
}

func (m *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := job
	if j.Status == "" {
		j.Status = StatusQueued
	}
	m.jobs[j.ID] = &j
	return nil
}

// Claim holds the queue lock for the whole batch, so concurrent claimants
// never see the same job as queued.
func (m *MemoryQueue) Claim(_ context.Context, jobType Type, limit int, at time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var queued []*Job
	for _, j := range m.jobs {
		if j.Type == jobType && j.Status == StatusQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(a, b int) bool {
		if queued[a].CreatedAt.Equal(queued[b].CreatedAt) {
			return queued[a].ID < queued[b].ID
		}
		return queued[a].CreatedAt.Before(queued[b].CreatedAt)
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}

	claimed := make([]Job, 0, len(queued))
	for _, j := range queued {
		started := at.UTC()
		j.Status = StatusRunning
		j.StartedAt = &started
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (m *MemoryQueue) ClaimByID(_ context.Context, id string, at time.Time) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != StatusQueued {
		return Job{}, false, nil
	}
	started := at.UTC()
	j.Status = StatusRunning
	j.StartedAt = &started
	return *j, true, nil
}

func (m *MemoryQueue) Complete(_ context.Context, id string, at time.Time) (bool, error) {
	return m.finish(id, StatusCompleted, "", at), nil
}

func (m *MemoryQueue) Fail(_ context.Context, id string, detail string, at time.Time) (bool, error) {
	return m.finish(id, StatusFailed, detail, at), nil
}

func (m *MemoryQueue) finish(id string, status Status, detail string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != StatusRunning {
		return false
	}
	done := at.UTC()
	j.Status = status
	j.ErrorDetail = detail
	j.CompletedAt = &done
	return true
}

func (m *MemoryQueue) Stuck(_ context.Context, startedBefore time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, j := range m.jobs {
		if j.Status == StatusRunning && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(*out[b].StartedAt) })
	return out, nil
}

// Get returns a copy of the job with id.
func (m *MemoryQueue) Get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}
