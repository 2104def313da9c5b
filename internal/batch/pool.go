package batch

import (
	"sync"
	"sync/atomic"
)

// MaxPooledSize is the largest batch buffer kept for reuse.
// Larger batches are dropped so one huge write does not pin memory.
const MaxPooledSize = 4 * 1024 * 1024

// Pool recycles WriteBatch buffers for the write path, where every user batch
// is re-encoded into an engine batch.
//
// Usage:
//
//	wb := pool.Get()
//	defer pool.Put(wb)
type Pool struct {
	pool sync.Pool

	gets      atomic.Uint64
	misses    atomic.Uint64
	discarded atomic.Uint64
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Gets      uint64
	Misses    uint64
	Discarded uint64
}

// HitRate returns the fraction of Get calls served from the pool.
func (s PoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.Misses) / float64(s.Gets)
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	p := &Pool{}
	p.pool.New = func() any {
		p.misses.Add(1)
		return New()
	}
	return p
}

// Get returns an empty batch.
func (p *Pool) Get() *WriteBatch {
	p.gets.Add(1)
	wb := p.pool.Get().(*WriteBatch)
	wb.Clear()
	return wb
}

// Put returns wb to the pool. The caller must not use wb afterwards.
func (p *Pool) Put(wb *WriteBatch) {
	if wb == nil {
		return
	}
	if cap(wb.data) > MaxPooledSize {
		p.discarded.Add(1)
		return
	}
	wb.Clear()
	p.pool.Put(wb)
}

// Stats returns a copy of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Gets:      p.gets.Load(),
		Misses:    p.misses.Load(),
		Discarded: p.discarded.Load(),
	}
}
