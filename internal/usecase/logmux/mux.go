// Package logmux fans a single relay log subscription per job out to any
// number of local listeners.
package logmux

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"clawremote/internal/domain"
)

// DefaultTailBytes bounds the per-job tail kept for late subscribers.
const DefaultTailBytes = 64 * 1024

// ChunkFunc receives a log chunk for one job.
type ChunkFunc func(content string)

type listener struct {
	id uint64
	fn ChunkFunc
	// mu orders the tail replay ahead of live chunks.
	mu *sync.Mutex
}

func (l listener) deliver(content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fn(content)
}

// Mux reference-counts listeners per job name. The relay sees one
// subscribe_logs when the first listener arrives and one unsubscribe_logs
// when the last leaves.
type Mux struct {
	// wire is held across a refcount transition and its relay command so
	// the commands reach the relay in the order the transitions happened.
	wire sync.Mutex

	mu        sync.Mutex
	listeners map[string][]listener
	tails     map[string]*ringBuffer
	nextID    uint64
	tailBytes int
	sender    domain.CommandSender
	logger    *slog.Logger
}

// New creates a multiplexer. tailBytes <= 0 uses DefaultTailBytes.
func New(sender domain.CommandSender, tailBytes int, logger *slog.Logger) *Mux {
	if tailBytes <= 0 {
		tailBytes = DefaultTailBytes
	}
	return &Mux{
		listeners: make(map[string][]listener),
		tails:     make(map[string]*ringBuffer),
		tailBytes: tailBytes,
		sender:    sender,
		logger:    logger,
	}
}

// Subscribe registers onChunk for name and returns its unsubscribe function,
// which is safe to call more than once. Buffered output for name is handed
// to onChunk before any live chunk. When offline the relay subscription is
// deferred to the next Resubscribe.
func (m *Mux) Subscribe(ctx context.Context, name string, onChunk ChunkFunc) func() {
	l := listener{fn: onChunk, mu: &sync.Mutex{}}
	l.mu.Lock()

	m.wire.Lock()
	m.mu.Lock()
	m.nextID++
	l.id = m.nextID
	m.listeners[name] = append(m.listeners[name], l)
	first := len(m.listeners[name]) == 1
	var backlog string
	if tail, ok := m.tails[name]; ok {
		backlog = tail.String()
	}
	m.mu.Unlock()

	if first {
		m.send(ctx, domain.Command{Type: domain.MsgSubscribeLogs, Name: name})
	}
	m.wire.Unlock()

	if backlog != "" {
		onChunk(backlog)
	}
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(name, l.id) })
	}
}

func (m *Mux) unsubscribe(name string, id uint64) {
	m.wire.Lock()
	defer m.wire.Unlock()

	m.mu.Lock()
	m.listeners[name] = slices.DeleteFunc(m.listeners[name], func(l listener) bool { return l.id == id })
	last := len(m.listeners[name]) == 0
	if last {
		delete(m.listeners, name)
	}
	m.mu.Unlock()

	if last {
		m.send(context.Background(), domain.Command{Type: domain.MsgUnsubscribeLogs, Name: name})
	}
}

// Dispatch routes a log_chunk to every listener for name and appends it to
// the job's tail.
func (m *Mux) Dispatch(name, content string) {
	m.mu.Lock()
	tail, ok := m.tails[name]
	if !ok {
		tail = newRingBuffer(m.tailBytes)
		m.tails[name] = tail
	}
	tail.WriteString(content)
	targets := slices.Clone(m.listeners[name])
	m.mu.Unlock()

	for _, l := range targets {
		l.deliver(content)
	}
}

// Refcount returns the number of listeners for name.
func (m *Mux) Refcount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[name])
}

// Resubscribe re-issues subscribe_logs for every job that still has
// listeners. It runs after each successful connection open.
func (m *Mux) Resubscribe(ctx context.Context) error {
	m.wire.Lock()
	defer m.wire.Unlock()

	m.mu.Lock()
	names := make([]string, 0, len(m.listeners))
	for name := range m.listeners {
		names = append(names, name)
	}
	m.mu.Unlock()
	slices.Sort(names)

	var errs []error
	for _, name := range names {
		if err := m.sender.Send(ctx, domain.Command{Type: domain.MsgSubscribeLogs, Name: name}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(names) > 0 {
		m.logger.Debug("log subscriptions restored", "count", len(names))
	}
	return errors.Join(errs...)
}

func (m *Mux) send(ctx context.Context, cmd domain.Command) {
	err := m.sender.Send(ctx, cmd)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotConnected):
		m.logger.Debug("log subscription change deferred until connected", "type", cmd.Type, "name", cmd.Name)
	default:
		m.logger.Warn("log subscription change failed", "type", cmd.Type, "name", cmd.Name, "error", err)
	}
}
