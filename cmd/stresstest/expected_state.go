package main

import (
	"slices"
	"sync"
	"sync/atomic"
)

// deleted marks a key the oracle expects to be absent.
const deleted int64 = -1

// expectedState is the oracle the stress workers check the database
// against. Keys are guarded by striped mutexes; a worker holds the stripe
// of every key it touches from before the database call until the oracle
// is updated, so reads under the stripe see exactly the oracle's value.
type expectedState struct {
	shift    uint
	locks    []sync.Mutex
	values   []atomic.Int64
	counters []atomic.Uint64
}

func newExpectedState(numKeys int64, log2KeysPerLock uint) *expectedState {
	s := &expectedState{
		shift:    log2KeysPerLock,
		locks:    make([]sync.Mutex, (numKeys>>log2KeysPerLock)+1),
		values:   make([]atomic.Int64, numKeys),
		counters: make([]atomic.Uint64, numKeys),
	}
	for i := range s.values {
		s.values[i].Store(deleted)
	}
	return s
}

func (s *expectedState) stripe(key int64) int { return int(key >> s.shift) }

// lock locks the stripe of key and returns the unlock function.
func (s *expectedState) lock(key int64) func() {
	m := &s.locks[s.stripe(key)]
	m.Lock()
	return m.Unlock
}

// lockAll locks the stripes of keys in ascending order, so workers locking
// overlapping sets cannot deadlock.
func (s *expectedState) lockAll(keys []int64) func() {
	stripes := make([]int, 0, len(keys))
	for _, k := range keys {
		stripes = append(stripes, s.stripe(k))
	}
	slices.Sort(stripes)
	stripes = slices.Compact(stripes)
	for _, i := range stripes {
		s.locks[i].Lock()
	}
	return func() {
		for _, i := range slices.Backward(stripes) {
			s.locks[i].Unlock()
		}
	}
}

func (s *expectedState) put(key int64, base uint32) { s.values[key].Store(int64(base)) }
func (s *expectedState) del(key int64)              { s.values[key].Store(deleted) }
func (s *expectedState) get(key int64) int64        { return s.values[key].Load() }

func (s *expectedState) add(key int64, n uint64) { s.counters[key].Add(n) }
func (s *expectedState) counter(key int64) uint64 {
	return s.counters[key].Load()
}
