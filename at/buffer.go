// SPDX-License-Identifier: MIT

package at

import (
	"sync"
	"time"
)

// rxBuffer accumulates bytes read from the modem until the parser consumes
// them.
//
// There is exactly one producer, the port reader goroutine, and at any
// instant at most one consumer - whichever goroutine currently owns the
// channel parse state.  Consumers wait for data with a deadline rather
// than spinning.
type rxBuffer struct {
	mu     sync.Mutex
	buf    []byte
	closed bool

	// holds a token while unconsumed data may be available
	notify chan struct{}

	// closed when the producer is done
	done chan struct{}
}

func newRxBuffer() *rxBuffer {
	return &rxBuffer{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// put appends bytes from the port and wakes any waiting consumer.
func (b *rxBuffer) put(p []byte) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// close marks the end of the producer stream.  Buffered bytes remain
// readable; waits return ErrClosed once the buffer has drained.
func (b *rxBuffer) close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
}

func (b *rxBuffer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// len returns the number of buffered bytes.
func (b *rxBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// snapshot returns a copy of all buffered bytes without consuming them.
func (b *rxBuffer) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := make([]byte, len(b.buf))
	copy(p, b.buf)
	return p
}

// peek waits until at least n bytes are buffered and returns a copy of
// them, leaving the buffer untouched.
func (b *rxBuffer) peek(n int, deadline time.Time) ([]byte, error) {
	for {
		b.mu.Lock()
		if len(b.buf) >= n {
			p := make([]byte, n)
			copy(p, b.buf)
			b.mu.Unlock()
			return p, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		if err := b.wait(deadline); err != nil {
			return nil, err
		}
	}
}

// wait blocks until more data may be available or the deadline passes.
func (b *rxBuffer) wait(deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ErrTimeout
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-b.notify:
		return nil
	case <-b.done:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

// discard consumes n buffered bytes.
func (b *rxBuffer) discard(n int) {
	b.mu.Lock()
	if n > len(b.buf) {
		n = len(b.buf)
	}
	b.buf = b.buf[n:]
	b.mu.Unlock()
}

// drain discards everything currently buffered and returns the number of
// bytes thrown away.
func (b *rxBuffer) drain() int {
	b.mu.Lock()
	n := len(b.buf)
	b.buf = nil
	b.mu.Unlock()
	return n
}
