package ioutil

import (
	"sync"
	"syscall"

	"github.com/cuemby/startd/pkg/merkle"
	"github.com/zeebo/blake3"
)

// ParallelHasher is an io.Writer that hashes off the caller's goroutine.
// The producer appends into a bounded buffer under a mutex; a background
// task drains the buffer into a BLAKE3 hasher. Writes block while the
// buffer is at capacity and may transiently hold up to twice the capacity
// during a drain. After Close, further writes fail with EPIPE.
type ParallelHasher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	capacity int
	closed   bool
	done     chan struct{}
	hash     merkle.Hash
	size     uint64
}

// NewParallelHasher starts the hash task with the given buffer capacity.
func NewParallelHasher(capacity int) *ParallelHasher {
	if capacity <= 0 {
		capacity = 1 << 20
	}
	h := &ParallelHasher{
		capacity: capacity,
		done:     make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	go h.run()
	return h
}

func (h *ParallelHasher) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.buf) >= h.capacity && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return 0, syscall.EPIPE
	}
	h.buf = append(h.buf, p...)
	h.size += uint64(len(p))
	h.cond.Broadcast()
	return len(p), nil
}

// Close stops accepting writes, waits for the drain to finish, and makes
// the final digest available via Sum.
func (h *ParallelHasher) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
	<-h.done
	return nil
}

// Sum returns the digest and total byte count. Valid after Close.
func (h *ParallelHasher) Sum() (merkle.Hash, uint64) {
	return h.hash, h.size
}

func (h *ParallelHasher) run() {
	hasher := blake3.New()
	for {
		h.mu.Lock()
		for len(h.buf) == 0 && !h.closed {
			h.cond.Wait()
		}
		chunk := h.buf
		h.buf = nil
		closed := h.closed
		h.cond.Broadcast()
		h.mu.Unlock()

		if len(chunk) > 0 {
			hasher.Write(chunk)
		}
		if closed && len(chunk) == 0 {
			break
		}
	}
	copy(h.hash[:], hasher.Sum(nil))
	close(h.done)
}
