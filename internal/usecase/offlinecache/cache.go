// Package offlinecache persists a snapshot of jobs, statuses and questions so
// the client has something to show before the relay connects.
package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"clawremote/internal/domain"
	"clawremote/internal/usecase/statestore"
)

// DefaultDebounce coalesces bursts of state changes into one write.
const DefaultDebounce = 500 * time.Millisecond

// Snapshot is the cached payload.
type Snapshot struct {
	Jobs      []domain.Job                `json:"jobs"`
	Statuses  map[string]domain.JobStatus `json:"statuses"`
	Questions []domain.Question           `json:"questions"`
}

// JobState is the StateStore surface the cache reads and hydrates.
type JobState interface {
	Snapshot() statestore.Snapshot
	Hydrate(ctx context.Context, jobs []domain.Job, statuses map[string]domain.JobStatus) bool
	Authoritative() bool
}

// QuestionState is the QuestionTracker surface the cache reads and hydrates.
type QuestionState interface {
	Active() []domain.Question
	Hydrate(ctx context.Context, questions []domain.Question) bool
	Authoritative() bool
}

// Cache writes debounced snapshots and hydrates state on cold start.
type Cache struct {
	store     domain.DurableStore
	jobs      JobState
	questions QuestionState
	debounce  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	dirty   bool
	closed  bool
	writeMu sync.Mutex
}

// New creates a cache. A debounce of zero uses DefaultDebounce.
func New(store domain.DurableStore, jobs JobState, questions QuestionState, debounce time.Duration, logger *slog.Logger) *Cache {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Cache{
		store:     store,
		jobs:      jobs,
		questions: questions,
		debounce:  debounce,
		logger:    logger,
	}
}

// Hydrate loads the cached snapshot into any state that has not yet received
// an authoritative push. A missing or unparsable cache is treated as empty.
// It reports whether anything was hydrated.
func (c *Cache) Hydrate(ctx context.Context) (bool, error) {
	if c.jobs.Authoritative() && c.questions.Authoritative() {
		return false, nil
	}

	data, err := c.store.Get(ctx, domain.KeySnapshot)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.WrapOp("offlinecache.Hydrate", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn("ignoring unreadable offline cache", "error", err)
		return false, nil
	}

	// Each target re-checks its own authoritative flag under its lock, so a
	// push landing between the check above and here still wins.
	hydratedJobs := c.jobs.Hydrate(ctx, snap.Jobs, snap.Statuses)
	hydratedQuestions := c.questions.Hydrate(ctx, snap.Questions)
	c.logger.Debug("offline cache hydrated", "jobs", hydratedJobs, "questions", hydratedQuestions)
	return hydratedJobs || hydratedQuestions, nil
}

// MarkDirty schedules a write after the debounce interval. Calls within the
// window collapse into one write.
func (c *Cache) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.dirty = true
	if c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		if err := c.write(context.Background()); err != nil {
			c.logger.Warn("offline cache write failed", "error", err)
		}
	})
}

// Observe marks the cache dirty on every state-changing event. It returns the
// unsubscribe function.
func (c *Cache) Observe(bus domain.EventBus) func() {
	var unsubs []func()
	for _, t := range []domain.EventType{
		domain.EventJobsReplaced,
		domain.EventJobStatusChanged,
		domain.EventQuestionsChanged,
	} {
		unsubs = append(unsubs, bus.Subscribe(t, func(context.Context, domain.Event) { c.MarkDirty() }))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Flush writes any pending snapshot immediately and stops further debounced
// writes. It is called on shutdown.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.write(ctx)
}

func (c *Cache) write(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	dirty := c.dirty
	c.dirty = false
	c.mu.Unlock()
	if !dirty {
		return nil
	}

	js := c.jobs.Snapshot()
	snap := Snapshot{
		Jobs:      js.Jobs,
		Statuses:  js.Statuses,
		Questions: c.questions.Active(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return domain.WrapOp("offlinecache.write", err)
	}
	if err := c.store.Set(ctx, domain.KeySnapshot, data); err != nil {
		return domain.WrapOp("offlinecache.write", err)
	}
	return nil
}
