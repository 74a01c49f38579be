package cpuminer

import (
	"math"
	"sync/atomic"
)

// BestRegister holds the lowest hash prefix seen by any worker.  It starts at
// math.MaxUint64, which means nothing has been found yet, and never
// increases.
type BestRegister struct {
	lowest atomic.Uint64
}

// NewBestRegister returns an empty register.
func NewBestRegister() *BestRegister {
	r := new(BestRegister)
	r.lowest.Store(math.MaxUint64)
	return r
}

// Lowest returns the current best prefix.
func (r *BestRegister) Lowest() uint64 {
	return r.lowest.Load()
}

// Offer publishes prefix if it is lower than the current best.  It returns
// true only for the caller whose compare-and-swap installed prefix, so every
// improvement has exactly one winner.  A caller that loses the race retries
// against the value that beat it and gives up as soon as prefix is no longer
// an improvement.
func (r *BestRegister) Offer(prefix uint64) bool {
	current := r.lowest.Load()
	for prefix < current {
		if r.lowest.CompareAndSwap(current, prefix) {
			return true
		}
		current = r.lowest.Load()
	}
	return false
}
