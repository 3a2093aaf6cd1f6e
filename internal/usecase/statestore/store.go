// Package statestore is the in-memory source of truth for jobs, their
// statuses and the host's detected processes.
package statestore

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"clawremote/internal/domain"
)

// Snapshot is a consistent copy of the store's contents.
type Snapshot struct {
	Jobs      []domain.Job                `json:"jobs"`
	Statuses  map[string]domain.JobStatus `json:"statuses"`
	Processes []domain.DetectedProcess    `json:"processes,omitempty"`
	Host      *domain.HostStatus          `json:"host,omitempty"`
	Loaded    bool                        `json:"-"`
}

// Status returns the status for name; an absent entry is idle.
func (s Snapshot) Status(name string) domain.JobStatus {
	if st, ok := s.Statuses[name]; ok {
		return st
	}
	return domain.Idle()
}

// Store is mutated only by relay-routed authoritative messages and by cache
// hydration before the first of those arrives.
type Store struct {
	mu            sync.RWMutex
	jobs          []domain.Job
	statuses      map[string]domain.JobStatus
	processes     []domain.DetectedProcess
	host          *domain.HostStatus
	loaded        bool
	authoritative bool
	bus           domain.EventBus
	logger        *slog.Logger
}

// New creates an empty store. bus may be nil.
func New(bus domain.EventBus, logger *slog.Logger) *Store {
	return &Store{
		statuses: make(map[string]domain.JobStatus),
		bus:      bus,
		logger:   logger,
	}
}

// ReplaceJobs wholesale replaces the job list and status map from a
// jobs_list or jobs_changed push. The host always sends the complete set.
func (s *Store) ReplaceJobs(ctx context.Context, jobs []domain.Job, statuses map[string]domain.JobStatus) {
	s.mu.Lock()
	s.jobs = slices.Clone(jobs)
	s.statuses = cloneStatuses(statuses)
	s.loaded = true
	s.authoritative = true
	n := len(s.jobs)
	s.mu.Unlock()

	s.logger.Debug("jobs replaced", "count", n)
	s.publish(ctx, domain.NewEvent(domain.EventJobsReplaced, map[string]int{"count": n}))
}

// UpdateStatus merges a single status_update push into the status map.
func (s *Store) UpdateStatus(ctx context.Context, name string, status domain.JobStatus) {
	s.mu.Lock()
	s.statuses[name] = status
	s.authoritative = true
	s.mu.Unlock()

	s.publish(ctx, domain.NewEvent(domain.EventJobStatusChanged, domain.StatusChange{Name: name, Status: status}))
}

// ReplaceProcesses wholesale replaces the detected process set.
func (s *Store) ReplaceProcesses(ctx context.Context, processes []domain.DetectedProcess) {
	s.mu.Lock()
	s.processes = slices.Clone(processes)
	n := len(s.processes)
	s.mu.Unlock()

	s.publish(ctx, domain.NewEvent(domain.EventProcessesReplaced, map[string]int{"count": n}))
}

// SetHostStatus records host liveness reported by the relay.
func (s *Store) SetHostStatus(ctx context.Context, status domain.HostStatus) {
	s.mu.Lock()
	s.host = &status
	s.mu.Unlock()

	s.publish(ctx, domain.NewEvent(domain.EventHostStatus, status))
}

// MarkHostOffline flips the recorded host status to offline, keeping the
// last known identity.
func (s *Store) MarkHostOffline(ctx context.Context) {
	s.mu.Lock()
	status := domain.HostStatus{}
	if s.host != nil {
		status = *s.host
	}
	status.Online = false
	s.host = &status
	s.mu.Unlock()

	s.publish(ctx, domain.NewEvent(domain.EventHostStatus, status))
}

// Hydrate fills the store from a cached snapshot. It is a no-op, returning
// false, once any authoritative push has been applied this session.
func (s *Store) Hydrate(ctx context.Context, jobs []domain.Job, statuses map[string]domain.JobStatus) bool {
	s.mu.Lock()
	if s.authoritative {
		s.mu.Unlock()
		return false
	}
	s.jobs = slices.Clone(jobs)
	s.statuses = cloneStatuses(statuses)
	n := len(s.jobs)
	s.mu.Unlock()

	s.logger.Debug("jobs hydrated from cache", "count", n)
	s.publish(ctx, domain.NewEvent(domain.EventJobsReplaced, map[string]int{"count": n}))
	return true
}

// Loaded reports whether an authoritative jobs list has been received, as
// opposed to the store holding nothing or only cached data.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Authoritative reports whether any relay push has been applied.
func (s *Store) Authoritative() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authoritative
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Jobs:      slices.Clone(s.jobs),
		Statuses:  cloneStatuses(s.statuses),
		Processes: slices.Clone(s.processes),
		Loaded:    s.loaded,
	}
	if s.host != nil {
		h := *s.host
		snap.Host = &h
	}
	return snap
}

// Job looks up a declared job by name.
func (s *Store) Job(name string) (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return j, true
		}
	}
	return domain.Job{}, false
}

// Status returns the status of name; an absent entry is idle.
func (s *Store) Status(name string) domain.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[name]; ok {
		return st
	}
	return domain.Idle()
}

func (s *Store) publish(ctx context.Context, ev domain.Event) {
	if s.bus != nil {
		s.bus.Publish(ctx, ev)
	}
}

func cloneStatuses(in map[string]domain.JobStatus) map[string]domain.JobStatus {
	if in == nil {
		return make(map[string]domain.JobStatus)
	}
	return maps.Clone(in)
}
