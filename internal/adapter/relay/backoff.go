package relay

import "time"

// Backoff yields reconnect delays that double from floor up to ceiling.
// It is not safe for concurrent use; the Manager guards it.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration
	next    time.Duration
}

// NewBackoff creates a Backoff starting at floor.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{floor: floor, ceiling: ceiling, next: floor}
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = min(2*b.next, b.ceiling)
	return d
}

// Peek returns the delay Next would return without advancing.
func (b *Backoff) Peek() time.Duration { return b.next }

// Reset collapses the delay back to the floor.
func (b *Backoff) Reset() { b.next = b.floor }
