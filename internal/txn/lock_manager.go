// Package txn holds the transaction plumbing shared by the pessimistic and
// optimistic transaction types: the point lock table and the per-transaction
// write index.
package txn

import (
	"encoding/binary"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
)

// Lock Manager errors
var (
	// ErrLockTimeout is returned when a lock request times out.
	ErrLockTimeout = errors.New("txn: lock request timed out")

	// ErrDeadlock is returned when a deadlock is detected.
	ErrDeadlock = errors.New("txn: deadlock detected")

	// ErrLockNotHeld is returned when trying to unlock a key not held by the transaction.
	ErrLockNotHeld = errors.New("txn: lock not held by transaction")

	// ErrLockLimit is returned when granting a lock would exceed MaxNumLocks.
	ErrLockLimit = errors.New("txn: lock limit reached")

	// ErrLockManagerClosed is returned to waiters when the lock manager shuts down.
	ErrLockManagerClosed = errors.New("txn: lock manager closed")
)

// LockType represents the type of lock.
type LockType int

const (
	// LockTypeShared allows multiple readers but no writers.
	LockTypeShared LockType = iota
	// LockTypeExclusive allows only one holder (reader or writer).
	LockTypeExclusive
)

// String returns a string representation of the lock type.
func (lt LockType) String() string {
	switch lt {
	case LockTypeShared:
		return "Shared"
	case LockTypeExclusive:
		return "Exclusive"
	default:
		return "Unknown"
	}
}

// LockRequest represents a pending or granted lock request.
type LockRequest struct {
	TxnID    uint64
	LockType LockType
	Granted  bool
	waiting  chan struct{} // closed when the lock is granted
}

// LockInfo holds information about locks on a single key.
type LockInfo struct {
	// Holders are transactions that currently hold a lock on this key.
	// For shared locks, there can be multiple holders.
	// For exclusive locks, there is at most one holder.
	Holders map[uint64]LockType

	// WaitQueue is an ordered list of pending lock requests.
	WaitQueue []*LockRequest
}

func newLockInfo() *LockInfo {
	return &LockInfo{Holders: make(map[uint64]LockType)}
}

// IsHeldBy returns true if the key is locked by the given transaction.
func (li *LockInfo) IsHeldBy(txnID uint64) bool {
	_, held := li.Holders[txnID]
	return held
}

// HasExclusiveHolder returns true if there's an exclusive lock holder.
func (li *LockInfo) HasExclusiveHolder() bool {
	for _, lt := range li.Holders {
		if lt == LockTypeExclusive {
			return true
		}
	}
	return false
}

// NumHolders returns the number of lock holders.
func (li *LockInfo) NumHolders() int {
	return len(li.Holders)
}

// Expirer reports transaction expiration to the lock manager so that locks
// held by expired transactions can be taken over.
type Expirer interface {
	// Expiration returns when txnID expires, or the zero time if it never does.
	Expiration(txnID uint64) time.Time

	// StealLocks atomically marks an expired txnID as having lost its locks.
	// It returns false if the transaction has not expired or is already
	// committing, in which case its locks must be left alone.
	StealLocks(txnID uint64) bool
}

// LockManagerOptions configures the lock manager.
type LockManagerOptions struct {
	// DefaultTimeout applies to Lock calls with a zero timeout.
	DefaultTimeout time.Duration

	// NumStripes is the number of independently locked sub-tables.
	NumStripes int

	// MaxNumLocks caps the number of keys locked at once. Zero or negative
	// means unlimited.
	MaxNumLocks int64

	// Expirer enables lock stealing from expired transactions. Optional.
	Expirer Expirer
}

// DefaultLockManagerOptions returns default options.
func DefaultLockManagerOptions() LockManagerOptions {
	return LockManagerOptions{
		DefaultTimeout: time.Second,
		NumStripes:     16,
		MaxNumLocks:    -1,
	}
}

// LockOptions controls a single Lock call.
type LockOptions struct {
	// Timeout bounds the wait. Zero uses the manager default; a negative
	// value waits until the lock is granted or the manager closes.
	Timeout time.Duration

	// DeadlockDetect runs cycle detection before the request waits.
	DeadlockDetect bool

	// DeadlockDetectDepth bounds the wait-for graph search: the number of
	// waiting transactions followed from a direct blocker. A search that
	// reaches the bound is reported as a deadlock.
	DeadlockDetectDepth int
}

const defaultDeadlockDetectDepth = 50

type lockStripe struct {
	mu    sync.Mutex
	locks map[string]*LockInfo
}

// LockManager manages point locks keyed by (column family, key).
// It supports shared and exclusive locks with deadlock detection.
//
// Lock ordering: a stripe mutex may be held while taking graphMu, never the
// other way around.
type LockManager struct {
	stripes []*lockStripe

	graphMu sync.Mutex
	// waitFor maps txnID -> set of txnIDs it's waiting for
	waitFor map[uint64]map[uint64]struct{}
	// txnLocks maps txnID -> set of lock keys it holds
	txnLocks map[uint64]map[string]struct{}

	heldKeys atomic.Int64

	defaultTimeout time.Duration
	maxNumLocks    int64
	expirer        Expirer

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLockManager creates a new lock manager.
func NewLockManager(opts LockManagerOptions) *LockManager {
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = time.Second
	}
	if opts.NumStripes <= 0 {
		opts.NumStripes = 16
	}
	lm := &LockManager{
		stripes:        make([]*lockStripe, opts.NumStripes),
		waitFor:        make(map[uint64]map[uint64]struct{}),
		txnLocks:       make(map[uint64]map[string]struct{}),
		defaultTimeout: opts.DefaultTimeout,
		maxNumLocks:    opts.MaxNumLocks,
		expirer:        opts.Expirer,
		closed:         make(chan struct{}),
	}
	for i := range lm.stripes {
		lm.stripes[i] = &lockStripe{locks: make(map[string]*LockInfo)}
	}
	return lm
}

func lockKey(cf uint32, key []byte) string {
	b := make([]byte, 4, 4+len(key))
	binary.BigEndian.PutUint32(b, cf)
	return string(append(b, key...))
}

func (lm *LockManager) stripeFor(k string) *lockStripe {
	return lm.stripes[xxh3.HashString(k)%uint64(len(lm.stripes))]
}

// Lock acquires a lock on (cf, key) for the transaction, waiting if needed.
// Returns ErrDeadlock if waiting would close a cycle in the wait-for graph,
// ErrLockTimeout if the timeout expires and ErrLockLimit if the lock table
// is full.
func (lm *LockManager) Lock(txnID uint64, cf uint32, key []byte, lockType LockType, opts LockOptions) error {
	if lm.isClosed() {
		return ErrLockManagerClosed
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = lm.defaultTimeout
	}

	k := lockKey(cf, key)
	s := lm.stripeFor(k)

	s.mu.Lock()
	li, exists := s.locks[k]
	if !exists {
		li = newLockInfo()
		s.locks[k] = li
	}

	if currentType, held := li.Holders[txnID]; held {
		if currentType == LockTypeExclusive || lockType == LockTypeShared {
			s.mu.Unlock()
			return nil
		}
	}

	if lm.stealExpired(li, k) {
		lm.processWaitQueue(k, li)
	}

	if lm.canGrantNow(li, txnID, lockType) {
		err := lm.grantLock(li, txnID, k, lockType)
		lm.dropIfIdle(s, k, li)
		s.mu.Unlock()
		return err
	}

	if opts.DeadlockDetect {
		depth := opts.DeadlockDetectDepth
		if depth <= 0 {
			depth = defaultDeadlockDetectDepth
		}
		blocking := collectBlockingTxns(li, txnID)
		lm.graphMu.Lock()
		if lm.wouldCauseDeadlock(txnID, blocking, depth) {
			lm.graphMu.Unlock()
			lm.dropIfIdle(s, k, li)
			s.mu.Unlock()
			return ErrDeadlock
		}
		lm.addToWaitFor(txnID, blocking)
		lm.graphMu.Unlock()
	}

	req := &LockRequest{
		TxnID:    txnID,
		LockType: lockType,
		waiting:  make(chan struct{}),
	}
	li.WaitQueue = append(li.WaitQueue, req)
	nextExpiry := lm.nextHolderExpiry(li, txnID)
	s.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		var expiry <-chan time.Time
		var expiryTimer *time.Timer
		if !nextExpiry.IsZero() {
			expiryTimer = time.NewTimer(time.Until(nextExpiry))
			expiry = expiryTimer.C
		}

		var err error
		done := true
		select {
		case <-req.waiting:
		case <-deadline:
			err = lm.abandonRequest(s, k, req, ErrLockTimeout)
		case <-lm.closed:
			err = lm.abandonRequest(s, k, req, ErrLockManagerClosed)
		case <-expiry:
			s.mu.Lock()
			if !req.Granted && lm.stealExpired(li, k) {
				lm.processWaitQueue(k, li)
			}
			if !req.Granted {
				done = false
				nextExpiry = lm.nextHolderExpiry(li, txnID)
			}
			s.mu.Unlock()
		}
		if expiryTimer != nil {
			expiryTimer.Stop()
		}
		if done {
			return err
		}
	}
}

// abandonRequest removes a waiting request after a timeout or shutdown.
// A request granted concurrently with the wakeup is kept and reported as
// success, except on shutdown.
func (lm *LockManager) abandonRequest(s *lockStripe, k string, req *LockRequest, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Granted && cause != ErrLockManagerClosed {
		return nil
	}

	if li, ok := s.locks[k]; ok {
		queue := li.WaitQueue[:0]
		for _, r := range li.WaitQueue {
			if r != req {
				queue = append(queue, r)
			}
		}
		clear(li.WaitQueue[len(queue):])
		li.WaitQueue = queue
		// The departed request may have been holding back later ones.
		lm.processWaitQueue(k, li)
		lm.dropIfIdle(s, k, li)
	}

	lm.graphMu.Lock()
	delete(lm.waitFor, req.TxnID)
	lm.graphMu.Unlock()
	return cause
}

// TryLock attempts to acquire a lock without waiting.
// Returns true if the lock was acquired, false otherwise.
func (lm *LockManager) TryLock(txnID uint64, cf uint32, key []byte, lockType LockType) bool {
	if lm.isClosed() {
		return false
	}
	k := lockKey(cf, key)
	s := lm.stripeFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	li, exists := s.locks[k]
	if !exists {
		li = newLockInfo()
		s.locks[k] = li
	}
	defer lm.dropIfIdle(s, k, li)

	if currentType, held := li.Holders[txnID]; held {
		if currentType == LockTypeExclusive || lockType == LockTypeShared {
			return true
		}
	}

	if lm.canGrantNow(li, txnID, lockType) {
		return lm.grantLock(li, txnID, k, lockType) == nil
	}
	return false
}

// Unlock releases the lock held by the transaction on (cf, key).
func (lm *LockManager) Unlock(txnID uint64, cf uint32, key []byte) error {
	return lm.unlockKey(txnID, lockKey(cf, key))
}

func (lm *LockManager) unlockKey(txnID uint64, k string) error {
	s := lm.stripeFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	li, exists := s.locks[k]
	if !exists || !li.IsHeldBy(txnID) {
		return ErrLockNotHeld
	}
	lm.removeHolder(li, txnID, k)
	lm.processWaitQueue(k, li)
	lm.dropIfIdle(s, k, li)
	return nil
}

// UnlockAll releases all locks held by the transaction.
func (lm *LockManager) UnlockAll(txnID uint64) {
	lm.graphMu.Lock()
	keys := make([]string, 0, len(lm.txnLocks[txnID]))
	for k := range lm.txnLocks[txnID] {
		keys = append(keys, k)
	}
	delete(lm.waitFor, txnID)
	lm.graphMu.Unlock()

	for _, k := range keys {
		// A stolen lock is no longer ours; nothing to do.
		_ = lm.unlockKey(txnID, k)
	}

	lm.graphMu.Lock()
	delete(lm.txnLocks, txnID)
	for _, waitingFor := range lm.waitFor {
		delete(waitingFor, txnID)
	}
	lm.graphMu.Unlock()
}

// Close wakes every waiter with ErrLockManagerClosed and rejects new requests.
// Held locks are left in place; callers release them with UnlockAll.
func (lm *LockManager) Close() {
	lm.closeOnce.Do(func() { close(lm.closed) })
}

func (lm *LockManager) isClosed() bool {
	select {
	case <-lm.closed:
		return true
	default:
		return false
	}
}

// canGrantLock checks compatibility with the current holders.
func canGrantLock(li *LockInfo, txnID uint64, lockType LockType) bool {
	if len(li.Holders) == 0 {
		return true
	}

	if currentType, held := li.Holders[txnID]; held {
		if currentType == LockTypeExclusive || lockType == LockTypeShared {
			return true
		}
		// Have shared, want exclusive - can only upgrade if we're the only holder
		return len(li.Holders) == 1
	}

	if lockType == LockTypeExclusive {
		return false
	}
	return !li.HasExclusiveHolder()
}

// canGrantNow additionally keeps new requests behind queued waiters so the
// queue stays FIFO. Upgrades by a current holder bypass the queue.
func (lm *LockManager) canGrantNow(li *LockInfo, txnID uint64, lockType LockType) bool {
	if len(li.WaitQueue) > 0 && !li.IsHeldBy(txnID) {
		return false
	}
	return canGrantLock(li, txnID, lockType)
}

// grantLock grants the lock to the transaction (caller holds the stripe).
func (lm *LockManager) grantLock(li *LockInfo, txnID uint64, k string, lockType LockType) error {
	if len(li.Holders) == 0 {
		if lm.maxNumLocks > 0 && lm.heldKeys.Load() >= lm.maxNumLocks {
			return ErrLockLimit
		}
		lm.heldKeys.Add(1)
	}
	li.Holders[txnID] = lockType

	lm.graphMu.Lock()
	if _, ok := lm.txnLocks[txnID]; !ok {
		lm.txnLocks[txnID] = make(map[string]struct{})
	}
	lm.txnLocks[txnID][k] = struct{}{}
	delete(lm.waitFor, txnID)
	lm.graphMu.Unlock()
	return nil
}

func (lm *LockManager) removeHolder(li *LockInfo, txnID uint64, k string) {
	delete(li.Holders, txnID)
	if len(li.Holders) == 0 {
		lm.heldKeys.Add(-1)
	}

	lm.graphMu.Lock()
	if keys, ok := lm.txnLocks[txnID]; ok {
		delete(keys, k)
	}
	for _, waitingFor := range lm.waitFor {
		delete(waitingFor, txnID)
	}
	lm.graphMu.Unlock()
}

func (lm *LockManager) dropIfIdle(s *lockStripe, k string, li *LockInfo) {
	if len(li.Holders) == 0 && len(li.WaitQueue) == 0 {
		delete(s.locks, k)
	}
}

// stealExpired removes holders whose transactions have expired.
// Reports whether any holder was removed.
func (lm *LockManager) stealExpired(li *LockInfo, k string) bool {
	if lm.expirer == nil {
		return false
	}
	now := time.Now()
	stolen := false
	for holder := range maps.Clone(li.Holders) {
		exp := lm.expirer.Expiration(holder)
		if exp.IsZero() || now.Before(exp) {
			continue
		}
		if lm.expirer.StealLocks(holder) {
			lm.removeHolder(li, holder, k)
			stolen = true
		}
	}
	return stolen
}

// nextHolderExpiry returns the earliest future expiration among holders
// other than txnID, or the zero time. Holders that already expired but could
// not be stolen release on their own, which wakes the waiter.
func (lm *LockManager) nextHolderExpiry(li *LockInfo, txnID uint64) time.Time {
	if lm.expirer == nil {
		return time.Time{}
	}
	now := time.Now()
	var next time.Time
	for holder := range li.Holders {
		if holder == txnID {
			continue
		}
		exp := lm.expirer.Expiration(holder)
		if exp.IsZero() || !exp.After(now) {
			continue
		}
		if next.IsZero() || exp.Before(next) {
			next = exp
		}
	}
	return next
}

// collectBlockingTxns returns the set of transactions blocking the given transaction.
func collectBlockingTxns(li *LockInfo, txnID uint64) map[uint64]struct{} {
	blocking := make(map[uint64]struct{})
	for holderID := range li.Holders {
		if holderID != txnID {
			blocking[holderID] = struct{}{}
		}
	}
	return blocking
}

// addToWaitFor adds wait-for edges in the graph (caller holds graphMu).
func (lm *LockManager) addToWaitFor(txnID uint64, waitingFor map[uint64]struct{}) {
	if _, ok := lm.waitFor[txnID]; !ok {
		lm.waitFor[txnID] = make(map[uint64]struct{})
	}
	for targetID := range waitingFor {
		lm.waitFor[txnID][targetID] = struct{}{}
	}
}

// wouldCauseDeadlock checks if waiting on waitingFor would close a cycle
// back to txnID (caller holds graphMu).
func (lm *LockManager) wouldCauseDeadlock(txnID uint64, waitingFor map[uint64]struct{}, maxDepth int) bool {
	visited := make(map[uint64]bool)

	var dfs func(node uint64, depth int) bool
	dfs = func(node uint64, depth int) bool {
		if node == txnID {
			return true
		}
		if visited[node] {
			return false
		}
		edges := lm.waitFor[node]
		if len(edges) == 0 {
			return false
		}
		if depth >= maxDepth {
			return true
		}
		visited[node] = true
		for target := range edges {
			if dfs(target, depth+1) {
				return true
			}
		}
		return false
	}

	for targetID := range waitingFor {
		if dfs(targetID, 1) {
			return true
		}
	}
	return false
}

// processWaitQueue grants waiting requests in FIFO order, stopping at the
// first request that cannot be granted (caller holds the stripe).
func (lm *LockManager) processWaitQueue(k string, li *LockInfo) {
	n := 0
	for ; n < len(li.WaitQueue); n++ {
		req := li.WaitQueue[n]
		if !canGrantLock(li, req.TxnID, req.LockType) {
			break
		}
		if err := lm.grantLock(li, req.TxnID, k, req.LockType); err != nil {
			break
		}
		req.Granted = true
		close(req.waiting)
	}
	if n > 0 {
		rest := copy(li.WaitQueue, li.WaitQueue[n:])
		clear(li.WaitQueue[rest:])
		li.WaitQueue = li.WaitQueue[:rest]
	}
}

// GetLockInfo returns a copy of the lock state of (cf, key), or nil.
func (lm *LockManager) GetLockInfo(cf uint32, key []byte) *LockInfo {
	k := lockKey(cf, key)
	s := lm.stripeFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	li, exists := s.locks[k]
	if !exists {
		return nil
	}
	out := &LockInfo{
		Holders:   maps.Clone(li.Holders),
		WaitQueue: make([]*LockRequest, len(li.WaitQueue)),
	}
	for i, req := range li.WaitQueue {
		out.WaitQueue[i] = &LockRequest{
			TxnID:    req.TxnID,
			LockType: req.LockType,
			Granted:  req.Granted,
		}
	}
	return out
}

// NumLocks returns the number of keys with at least one holder.
func (lm *LockManager) NumLocks() int {
	return int(lm.heldKeys.Load())
}

// NumTxnLocks returns the number of locks held by a transaction.
func (lm *LockManager) NumTxnLocks(txnID uint64) int {
	lm.graphMu.Lock()
	defer lm.graphMu.Unlock()
	return len(lm.txnLocks[txnID])
}
