// Package pendinganswers is the durable last-resort queue for answers that
// could not be delivered immediately.
package pendinganswers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"clawremote/internal/domain"
)

// SendFunc delivers one queued answer over the live connection.
type SendFunc func(ctx context.Context, answer domain.AnswerCommand) error

// Queue keeps answers in arrival order. Every mutation is written through to
// the DurableStore before returning so a queued answer survives process death.
type Queue struct {
	// flushing is held for a whole Flush so two connections never send the
	// same batch.
	flushing sync.Mutex

	mu     sync.Mutex
	items  []domain.AnswerCommand
	store  domain.DurableStore
	bus    domain.EventBus
	logger *slog.Logger
}

// New creates an empty queue. Call Load to restore persisted entries.
func New(store domain.DurableStore, bus domain.EventBus, logger *slog.Logger) *Queue {
	return &Queue{store: store, bus: bus, logger: logger}
}

// Load replaces the in-memory list with the persisted one. An unreadable
// entry is discarded.
func (q *Queue) Load(ctx context.Context) error {
	data, err := q.store.Get(ctx, domain.KeyPendingAnswers)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending answers: %w", err)
	}

	var items []domain.AnswerCommand
	if err := json.Unmarshal(data, &items); err != nil {
		q.logger.Warn("discarding unreadable pending answers", "error", err)
		return nil
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	if len(items) > 0 {
		q.logger.Info("pending answers restored", "count", len(items))
	}
	return nil
}

// Enqueue appends an answer and persists the whole list.
func (q *Queue) Enqueue(ctx context.Context, answer domain.AnswerCommand) error {
	q.mu.Lock()
	q.items = append(q.items, answer)
	err := q.persistLocked(ctx)
	n := len(q.items)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	if q.bus != nil {
		q.bus.Publish(ctx, domain.NewEvent(domain.EventAnswerQueued, map[string]any{
			"question_id": answer.QuestionID,
			"pending":     n,
		}))
	}
	return nil
}

// Len returns the number of queued answers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued answers in order.
func (q *Queue) Items() []domain.AnswerCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

// Flush sends every queued answer in order. Sent entries are removed; on the
// first failure the unsent remainder stays queued and persisted, and the
// error is returned. Answers enqueued while a flush is in progress are kept
// for the next flush. Concurrent calls run one after another.
func (q *Queue) Flush(ctx context.Context, send SendFunc) error {
	q.flushing.Lock()
	defer q.flushing.Unlock()

	q.mu.Lock()
	batch := slices.Clone(q.items)
	q.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	sent := 0
	var sendErr error
	for _, a := range batch {
		if err := send(ctx, a); err != nil {
			sendErr = fmt.Errorf("flush pending answer %s: %w", a.QuestionID, err)
			break
		}
		sent++
	}

	q.mu.Lock()
	q.items = slices.Clone(q.items[min(sent, len(q.items)):])
	persistErr := q.persistLocked(ctx)
	remaining := len(q.items)
	q.mu.Unlock()

	q.logger.Info("pending answers flushed", "sent", sent, "remaining", remaining)
	if q.bus != nil && sent > 0 {
		q.bus.Publish(ctx, domain.NewEvent(domain.EventAnswersFlushed, map[string]int{
			"sent":      sent,
			"remaining": remaining,
		}))
	}
	return errors.Join(sendErr, persistErr)
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if len(q.items) == 0 {
		if err := q.store.Delete(ctx, domain.KeyPendingAnswers); err != nil {
			return fmt.Errorf("clear pending answers: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("encode pending answers: %w", err)
	}
	if err := q.store.Set(ctx, domain.KeyPendingAnswers, data); err != nil {
		return fmt.Errorf("persist pending answers: %w", err)
	}
	return nil
}
