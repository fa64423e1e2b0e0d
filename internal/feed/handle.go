package feed

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle shares one Feed between replication sessions. Reads run under a
// shared lock and writes under an exclusive one. A handle refuses new
// acquisitions once it is closed, or once a holder panicked while holding the
// lock (the feed may be half written).
type Handle struct {
	mu           sync.RWMutex
	feed         *Feed
	discoveryKey []byte

	refs     atomic.Int64
	closed   atomic.Bool
	poisoned atomic.Bool
}

// NewHandle wraps f with a reference count of one.
func NewHandle(f *Feed) *Handle {
	h := &Handle{feed: f, discoveryKey: f.DiscoveryKey()}
	h.refs.Store(1)
	return h
}

// DiscoveryKey returns the feed's discovery key without taking the lock.
func (h *Handle) DiscoveryKey() []byte { return h.discoveryKey }

// Acquire adds a reference for a new session.
func (h *Handle) Acquire() (*Handle, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("%w: feed closed", ErrLockAcquisition)
	}
	h.refs.Add(1)
	return h, nil
}

// Release drops a reference. The last release closes the feed.
func (h *Handle) Release() error {
	if h.refs.Add(-1) > 0 {
		return nil
	}
	return h.Close()
}

// View runs fn with shared access to the feed.
func (h *Handle) View(fn func(*Feed) error) error {
	if err := h.usable(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.usable(); err != nil {
		return err
	}
	defer h.poisonOnPanic()
	return fn(h.feed)
}

// Update runs fn with exclusive access to the feed.
func (h *Handle) Update(fn func(*Feed) error) error {
	if err := h.usable(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usable(); err != nil {
		return err
	}
	defer h.poisonOnPanic()
	return fn(h.feed)
}

// Close closes the feed regardless of outstanding references.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.feed.Close()
}

func (h *Handle) usable() error {
	if h.closed.Load() {
		return fmt.Errorf("%w: feed closed", ErrLockAcquisition)
	}
	if h.poisoned.Load() {
		return fmt.Errorf("%w: lock poisoned", ErrLockAcquisition)
	}
	return nil
}

func (h *Handle) poisonOnPanic() {
	if r := recover(); r != nil {
		h.poisoned.Store(true)
		panic(r)
	}
}
