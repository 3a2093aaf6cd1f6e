package logmux

import "sync"

// ringBuffer is a bounded byte buffer that keeps the most recent output of a
// job so a late subscriber can be shown context.
type ringBuffer struct {
	mu   sync.Mutex
	data []byte
	max  int
}

func newRingBuffer(maxBytes int) *ringBuffer {
	return &ringBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

func (rb *ringBuffer) WriteString(s string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, s...)
	if len(rb.data) > rb.max {
		rb.data = rb.data[len(rb.data)-rb.max:]
	}
}

func (rb *ringBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return string(rb.data)
}
