package pool

import (
	"sync"

	"github.com/minehq/pool-server/params"
)

// NonceAllocator hands out disjoint fixed-width nonce windows,
// monotonically from zero within an epoch. Ranges are never reclaimed;
// the cursor resets when the epoch closes.
type NonceAllocator struct {
	mu     sync.Mutex
	cursor uint64
}

// NewNonceAllocator starts a cursor at zero.
func NewNonceAllocator() *NonceAllocator {
	return new(NonceAllocator)
}

// Allocate returns the next half-open window [start, end).
func (a *NonceAllocator) Allocate() (start, end uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start = a.cursor
	a.cursor += params.NonceWindow
	return start, a.cursor
}

// Reset rewinds the cursor to zero for a new epoch.
func (a *NonceAllocator) Reset() {
	a.mu.Lock()
	a.cursor = 0
	a.mu.Unlock()
}

// Cursor returns the current cursor position.
func (a *NonceAllocator) Cursor() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}
