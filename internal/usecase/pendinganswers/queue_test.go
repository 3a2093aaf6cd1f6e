package pendinganswers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawremote/internal/domain"
)

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

func (m *mapStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

var (
	a1 = domain.AnswerCommand{QuestionID: "q1", PaneID: "%5", Answer: "1"}
	a2 = domain.AnswerCommand{QuestionID: "q2", PaneID: "%6", Answer: "2"}
	a3 = domain.AnswerCommand{QuestionID: "q3", PaneID: "%7", Answer: "1"}
)

func collect(out *[]domain.AnswerCommand) SendFunc {
	return func(_ context.Context, a domain.AnswerCommand) error {
		*out = append(*out, a)
		return nil
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := newMapStore()

	before := New(store, nil, slog.Default())
	require.NoError(t, before.Enqueue(ctx, a1))
	require.NoError(t, before.Enqueue(ctx, a2))

	after := New(store, nil, slog.Default())
	require.NoError(t, after.Load(ctx))
	require.Equal(t, 2, after.Len())

	var sent []domain.AnswerCommand
	require.NoError(t, after.Flush(ctx, collect(&sent)))
	assert.Equal(t, []domain.AnswerCommand{a1, a2}, sent)
	assert.Zero(t, after.Len())
	assert.False(t, store.has(domain.KeyPendingAnswers), "durable copy cleared")

	sent = nil
	require.NoError(t, after.Flush(ctx, collect(&sent)))
	assert.Empty(t, sent, "exactly once")
}

func TestFlushKeepsRemainderOnFailure(t *testing.T) {
	ctx := context.Background()
	store := newMapStore()
	q := New(store, nil, slog.Default())
	for _, a := range []domain.AnswerCommand{a1, a2, a3} {
		require.NoError(t, q.Enqueue(ctx, a))
	}

	boom := errors.New("socket closed")
	var sent []domain.AnswerCommand
	err := q.Flush(ctx, func(_ context.Context, a domain.AnswerCommand) error {
		if a.QuestionID == "q2" {
			return boom
		}
		sent = append(sent, a)
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []domain.AnswerCommand{a1}, sent)
	assert.Equal(t, []domain.AnswerCommand{a2, a3}, q.Items())

	reloaded := New(store, nil, slog.Default())
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, []domain.AnswerCommand{a2, a3}, reloaded.Items())
}

func TestEnqueueDuringFlushIsKept(t *testing.T) {
	ctx := context.Background()
	q := New(newMapStore(), nil, slog.Default())
	require.NoError(t, q.Enqueue(ctx, a1))

	err := q.Flush(ctx, func(ctx context.Context, a domain.AnswerCommand) error {
		return q.Enqueue(ctx, a3)
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.AnswerCommand{a3}, q.Items())
}

func TestConcurrentFlushSendsEachAnswerOnce(t *testing.T) {
	ctx := context.Background()
	q := New(newMapStore(), nil, slog.Default())
	require.NoError(t, q.Enqueue(ctx, a1))
	require.NoError(t, q.Enqueue(ctx, a2))

	var mu sync.Mutex
	counts := map[string]int{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	send := func(_ context.Context, a domain.AnswerCommand) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		mu.Lock()
		counts[a.QuestionID]++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = q.Flush(ctx, send)
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = q.Flush(ctx, send)
	}()
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, map[string]int{"q1": 1, "q2": 1}, counts)
	assert.Zero(t, q.Len())
}

func TestLoadToleratesGarbage(t *testing.T) {
	ctx := context.Background()
	store := newMapStore()
	require.NoError(t, store.Set(ctx, domain.KeyPendingAnswers, []byte("[{")))

	q := New(store, nil, slog.Default())
	require.NoError(t, q.Load(ctx))
	assert.Zero(t, q.Len())
}

func TestFlushEmptyIsNoop(t *testing.T) {
	q := New(newMapStore(), nil, slog.Default())
	called := false
	require.NoError(t, q.Flush(context.Background(), func(context.Context, domain.AnswerCommand) error {
		called = true
		return nil
	}))
	assert.False(t, called)
}
