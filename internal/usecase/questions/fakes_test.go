package questions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clawremote/internal/domain"
	"clawremote/internal/usecase/statestore"
)

type recordingSink struct {
	mu      sync.Mutex
	answers []domain.AnswerCommand
	path    Path
	err     error
}

func (s *recordingSink) Deliver(_ context.Context, a domain.AnswerCommand) (Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, a)
	return s.path, s.err
}

func (s *recordingSink) delivered() []domain.AnswerCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AnswerCommand(nil), s.answers...)
}

type recordingSender struct {
	mu   sync.Mutex
	cmds []domain.Command
	err  error
}

func (s *recordingSender) Send(_ context.Context, cmd domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *recordingSender) sent() []domain.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Command(nil), s.cmds...)
}

type mapStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapStore() *mapStore { return &mapStore{data: make(map[string][]byte)} }

func (m *mapStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

func (m *mapStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mapStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type trackerFixture struct {
	tracker *Tracker
	sink    *recordingSink
	sender  *recordingSender
	store   *mapStore
	jobs    *statestore.Store
	clock   *fakeClock
}

func newFixture() *trackerFixture {
	f := &trackerFixture{
		sink:   &recordingSink{},
		sender: &recordingSender{},
		store:  newMapStore(),
		jobs:   statestore.New(nil, slog.Default()),
		clock:  newFakeClock(),
	}
	f.tracker = NewTracker(f.sink, f.sender, f.store, f.jobs, nil, slog.Default(), WithClock(f.clock.Now))
	return f
}

func question(id, pane string) domain.Question {
	return domain.Question{
		QuestionID: id,
		PaneID:     pane,
		Options: []domain.QuestionOption{
			{Number: "1", Label: "Yes"},
			{Number: "2", Label: "No"},
		},
	}
}

func ids(qs []domain.Question) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.QuestionID)
	}
	return out
}
