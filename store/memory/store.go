// Package memory provides a fully in-memory store backend.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/id"
	"github.com/haldane/conduit/job"
	"github.com/haldane/conduit/service"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store     = (*Store)(nil)
	_ service.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store. A single mutex
// serializes all mutation, which trivially satisfies the conditional-write
// discipline of the job store contract.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]*job.Job
	services map[string]*service.Service
	schemas  map[string]*service.SchemaVersion // key: "name/version"
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*job.Job),
		services: make(map[string]*service.Service),
		schemas:  make(map[string]*service.SchemaVersion),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job in registered state.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conduit.ErrJobExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// ClaimJob atomically claims the oldest eligible registered job for the
// service, if any.
func (m *Store) ClaimJob(_ context.Context, svc string, token id.ClaimID, now, deadline time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *job.Job
	for _, j := range m.jobs {
		if j.State != job.StateRegistered || j.ServiceName != svc {
			continue
		}
		if j.NotBefore.After(now) {
			continue
		}
		if oldest == nil || claimBefore(j, oldest) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	d := deadline
	n := now
	oldest.State = job.StateWorking
	oldest.Attempt++
	oldest.ClaimToken = token
	oldest.ClaimDeadline = &d
	oldest.ClaimedAt = &n
	oldest.UpdatedAt = now

	// Return a copy so callers can mutate without racing with the store.
	cp := *oldest
	return &cp, nil
}

// claimBefore orders claim candidates: FIFO by creation time, job ID as a
// deterministic tie-break.
func claimBefore(a, b *job.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conduit.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// CompleteJob transitions working → complete if the claim token matches.
func (m *Store) CompleteJob(_ context.Context, jobID id.JobID, token id.ClaimID, output []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.workingJob(jobID, token)
	if err != nil {
		return err
	}

	n := now
	j.State = job.StateComplete
	j.Output = output
	j.CompletedAt = &n
	j.ClaimDeadline = nil
	j.UpdatedAt = now
	return nil
}

// FailJob transitions working → failed if the claim token matches.
func (m *Store) FailJob(_ context.Context, jobID id.JobID, token id.ClaimID, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.workingJob(jobID, token)
	if err != nil {
		return err
	}

	n := now
	j.State = job.StateFailed
	j.FailureReason = reason
	j.CompletedAt = &n
	j.ClaimDeadline = nil
	j.UpdatedAt = now
	return nil
}

// workingJob resolves a job for a token-guarded transition, classifying
// every mismatch. Callers hold the write lock.
func (m *Store) workingJob(jobID id.JobID, token id.ClaimID) (*job.Job, error) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conduit.ErrJobNotFound
	}
	if j.State != job.StateWorking {
		return nil, conduit.ErrInvalidState
	}
	if j.ClaimToken.String() != token.String() {
		return nil, conduit.ErrStaleClaim
	}
	return j, nil
}

// ExpiredJobs returns working jobs whose claim deadline has elapsed.
func (m *Store) ExpiredJobs(_ context.Context, now time.Time) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateWorking {
			continue
		}
		if j.ClaimDeadline != nil && j.ClaimDeadline.Before(now) {
			cp := *j
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}

// RequeueJob transitions working → registered, guarded by attempt number.
func (m *Store) RequeueJob(_ context.Context, jobID id.JobID, attempt int, notBefore, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.workingJobAttempt(jobID, attempt)
	if err != nil {
		return err
	}

	j.State = job.StateRegistered
	j.RetryCount++
	j.ClaimToken = id.Nil
	j.ClaimDeadline = nil
	j.ClaimedAt = nil
	j.NotBefore = notBefore
	j.UpdatedAt = now
	return nil
}

// ForceFailJob transitions working → failed, guarded by attempt number.
func (m *Store) ForceFailJob(_ context.Context, jobID id.JobID, attempt int, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.workingJobAttempt(jobID, attempt)
	if err != nil {
		return err
	}

	n := now
	j.State = job.StateFailed
	j.FailureReason = reason
	j.CompletedAt = &n
	j.ClaimDeadline = nil
	j.UpdatedAt = now
	return nil
}

// workingJobAttempt resolves a job for an attempt-guarded transition.
// Callers hold the write lock.
func (m *Store) workingJobAttempt(jobID id.JobID, attempt int) (*job.Job, error) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conduit.ErrJobNotFound
	}
	if j.State != job.StateWorking {
		return nil, conduit.ErrInvalidState
	}
	if j.Attempt != attempt {
		return nil, conduit.ErrStaleClaim
	}
	return j, nil
}

// FailRegisteredJobs fails every registered job targeting the service.
func (m *Store) FailRegisteredJobs(_ context.Context, svc, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, j := range m.jobs {
		if j.State != job.StateRegistered || j.ServiceName != svc {
			continue
		}
		n := now
		j.State = job.StateFailed
		j.FailureReason = reason
		j.CompletedAt = &n
		j.UpdatedAt = now
		count++
	}
	return count, nil
}

// ListJobs returns jobs matching the given options.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.Service != "" && j.ServiceName != opts.Service {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// Sort by creation time (ID as tie-break) for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return claimBefore(result[i], result[k])
	})

	// Apply offset / limit.
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Service != "" && j.ServiceName != opts.Service {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Service Store
// ──────────────────────────────────────────────────

// schemaKey builds a composite map key for a schema version.
func schemaKey(name string, version int) string {
	return fmt.Sprintf("%s/%d", name, version)
}

// SaveService upserts the service row and appends the schema version.
func (m *Store) SaveService(_ context.Context, svc *service.Service, sv *service.SchemaVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svcCp := *svc
	svCp := *sv
	m.services[svc.Name] = &svcCp
	m.schemas[schemaKey(sv.ServiceName, sv.Version)] = &svCp
	return nil
}

// GetService retrieves a service by name.
func (m *Store) GetService(_ context.Context, name string) (*service.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, ok := m.services[name]
	if !ok {
		return nil, conduit.ErrServiceNotFound
	}
	cp := *svc
	return &cp, nil
}

// ListServices returns all services ordered by registration time.
func (m *Store) ListServices(_ context.Context) ([]*service.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*service.Service, 0, len(m.services))
	for _, svc := range m.services {
		cp := *svc
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].RegisteredAt.Equal(result[k].RegisteredAt) {
			return result[i].RegisteredAt.Before(result[k].RegisteredAt)
		}
		return result[i].Name < result[k].Name
	})

	return result, nil
}

// HeartbeatService refreshes the service's last-seen timestamp.
func (m *Store) HeartbeatService(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[name]
	if !ok {
		return conduit.ErrServiceNotFound
	}
	svc.LastSeenAt = at
	svc.UpdatedAt = at
	return nil
}

// RetireService soft-retires the service.
func (m *Store) RetireService(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[name]
	if !ok {
		return conduit.ErrServiceNotFound
	}
	svc.Retired = true
	svc.UpdatedAt = at
	return nil
}

// GetSchemaVersion retrieves one immutable schema pair.
func (m *Store) GetSchemaVersion(_ context.Context, name string, version int) (*service.SchemaVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sv, ok := m.schemas[schemaKey(name, version)]
	if !ok {
		return nil, conduit.ErrSchemaVersionNotFound
	}
	cp := *sv
	return &cp, nil
}
