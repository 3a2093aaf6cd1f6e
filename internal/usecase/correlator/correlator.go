// Package correlator matches fire-and-forget relay commands with the
// responses that echo their request id.
package correlator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"clawremote/internal/domain"
)

// DefaultTimeout is the bounded wait used by callers that need an answer
// from the host.
const DefaultTimeout = 5 * time.Second

// Correlator holds one resolver per in-flight request id.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan domain.Response
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// New creates an empty correlator.
func New() *Correlator {
	now := time.Now()
	return &Correlator{
		pending: make(map[string]chan domain.Response),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
		now:     time.Now,
	}
}

// NextID returns a request id unique for the lifetime of the process: a
// millisecond timestamp plus monotonic entropy.
func (c *Correlator) NextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(c.now()), c.entropy).String()
}

// Register stores a resolver for id. The returned channel receives exactly
// one Response if Resolve is called for id before the entry is dropped.
func (c *Correlator) Register(id string) (<-chan domain.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, domain.NewDomainError("Correlator.Register", domain.ErrDuplicateRequest, id)
	}
	ch := make(chan domain.Response, 1)
	c.pending[id] = ch
	return ch, nil
}

// Resolve removes and fires the resolver for id. It reports false for a
// stray or late response, which callers ignore.
func (c *Correlator) Resolve(id string, resp domain.Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Forget drops the resolver for id without firing it.
func (c *Correlator) Forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Await races the resolver for id against timeout. A timeout drops the
// resolver and yields domain.ErrHostUnreachable; context cancellation drops
// it and yields the context error.
func (c *Correlator) Await(ctx context.Context, id string, ch <-chan domain.Response, timeout time.Duration) (domain.Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.Forget(id)
		return domain.Response{}, domain.NewDomainError("Correlator.Await", domain.ErrHostUnreachable, id)
	case <-ctx.Done():
		c.Forget(id)
		return domain.Response{}, ctx.Err()
	}
}
