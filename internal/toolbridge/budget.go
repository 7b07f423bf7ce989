package toolbridge

import "sync/atomic"

// defaultToolBudget is the number of tool calls a single deliberation may
// spend across all council providers combined, before further calls are
// refused.
const defaultToolBudget = 20

// SharedToolBudget meters tool calls across every provider in one
// deliberation. It must never be guarded by a long-held lock — a
// provider blocked mid-call on another provider's budget check would
// defeat the whole point of fanning the round out concurrently. A
// compare-and-swap loop on a single counter gives the same correctness
// as a mutex-guarded decrement without ever blocking a goroutine on
// another's progress.
type SharedToolBudget struct {
	remaining atomic.Int64
}

// NewSharedToolBudget creates a budget with the given call allowance. A
// non-positive limit falls back to defaultToolBudget.
func NewSharedToolBudget(limit int) *SharedToolBudget {
	b := &SharedToolBudget{}
	if limit <= 0 {
		limit = defaultToolBudget
	}
	b.remaining.Store(int64(limit))
	return b
}

// TryConsume attempts to spend one unit of budget, returning false once
// exhausted.
func (b *SharedToolBudget) TryConsume() bool {
	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Remaining reports the budget left, for progress reporting.
func (b *SharedToolBudget) Remaining() int {
	return int(b.remaining.Load())
}
