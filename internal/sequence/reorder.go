package sequence

import (
	"fmt"
	"sync"
)

// ReorderBuffer holds work items that completed out of turn and releases
// them strictly in logical-index order. Indexes start at 0.
type ReorderBuffer[T any] struct {
	expected uint64       // next index to release
	pending  map[uint64]T // completed but waiting on an earlier index

	released uint64
	held     uint64 // items that arrived ahead of their turn

	mu sync.Mutex
}

// ReorderStats represents reordering buffer statistics
type ReorderStats struct {
	NextIndex uint64 `json:"next_index"`
	Pending   int    `json:"pending"`
	Released  uint64 `json:"released"`
	Held      uint64 `json:"held_out_of_order"`
}

// NewReorderBuffer creates an empty reordering buffer
func NewReorderBuffer[T any]() *ReorderBuffer[T] {
	return &ReorderBuffer[T]{
		pending: make(map[uint64]T),
	}
}

// Add records the completion of index and returns every item that is now
// releasable, in index order. The returned slice is empty while an earlier
// index is still outstanding.
func (b *ReorderBuffer[T]) Add(index uint64, item T) ([]T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index < b.expected {
		return nil, fmt.Errorf("ignoring old/duplicate index: index=%d, next=%d", index, b.expected)
	}
	if _, exists := b.pending[index]; exists {
		return nil, fmt.Errorf("ignoring duplicate index: index=%d", index)
	}

	if index > b.expected {
		// Future item - hold it
		b.pending[index] = item
		b.held++
		return nil, nil
	}

	ready := []T{item}
	b.expected++
	b.released++

	// Release any consecutive items that were waiting on this one
	for {
		next, exists := b.pending[b.expected]
		if !exists {
			break
		}
		ready = append(ready, next)
		delete(b.pending, b.expected)
		b.expected++
		b.released++
	}

	return ready, nil
}

// Next returns the index the buffer is waiting for
func (b *ReorderBuffer[T]) Next() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expected
}

// Pending returns the number of items held out of turn
func (b *ReorderBuffer[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// GetStats returns current buffer statistics
func (b *ReorderBuffer[T]) GetStats() ReorderStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ReorderStats{
		NextIndex: b.expected,
		Pending:   len(b.pending),
		Released:  b.released,
		Held:      b.held,
	}
}
