package txn

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const cf = 0

var (
	waitSecond = LockOptions{Timeout: time.Second}
	detect     = LockOptions{Timeout: time.Second, DeadlockDetect: true}
)

func TestLockManagerBasic(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	if err := lm.Lock(1, cf, []byte("key1"), LockTypeExclusive, waitSecond); err != nil {
		t.Fatalf("Failed to acquire exclusive lock: %v", err)
	}

	info := lm.GetLockInfo(cf, []byte("key1"))
	if info == nil {
		t.Fatal("Expected lock info to exist")
	}
	if !info.IsHeldBy(1) {
		t.Error("Expected txn 1 to hold the lock")
	}
	if info.NumHolders() != 1 {
		t.Errorf("Expected 1 holder, got %d", info.NumHolders())
	}

	if err := lm.Unlock(1, cf, []byte("key1")); err != nil {
		t.Fatalf("Failed to unlock: %v", err)
	}
	if lm.GetLockInfo(cf, []byte("key1")) != nil {
		t.Error("Expected lock info to be cleaned up")
	}
}

func TestLockManagerFamiliesAreDistinct(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	if err := lm.Lock(1, 1, []byte("k"), LockTypeExclusive, waitSecond); err != nil {
		t.Fatal(err)
	}
	// Same key bytes in another family is a different lock.
	if !lm.TryLock(2, 2, []byte("k"), LockTypeExclusive) {
		t.Error("lock on family 2 blocked by family 1")
	}
	if lm.TryLock(2, 1, []byte("k"), LockTypeExclusive) {
		t.Error("lock on family 1 granted twice")
	}
	if lm.NumLocks() != 2 {
		t.Errorf("NumLocks() = %d, want 2", lm.NumLocks())
	}
}

func TestLockManagerSharedLocks(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	for txnID := uint64(1); txnID <= 3; txnID++ {
		if err := lm.Lock(txnID, cf, []byte("key1"), LockTypeShared, waitSecond); err != nil {
			t.Fatalf("Txn %d failed to acquire shared lock: %v", txnID, err)
		}
	}

	info := lm.GetLockInfo(cf, []byte("key1"))
	if info.NumHolders() != 3 {
		t.Errorf("Expected 3 holders, got %d", info.NumHolders())
	}

	for txnID := uint64(1); txnID <= 3; txnID++ {
		_ = lm.Unlock(txnID, cf, []byte("key1"))
	}
	if lm.NumLocks() != 0 {
		t.Errorf("Expected 0 locks after unlocking, got %d", lm.NumLocks())
	}
}

func TestLockManagerExclusiveBlocksShared(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	if err := lm.Lock(1, cf, []byte("key1"), LockTypeExclusive, waitSecond); err != nil {
		t.Fatal(err)
	}

	err := lm.Lock(2, cf, []byte("key1"), LockTypeShared, LockOptions{Timeout: 30 * time.Millisecond})
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}

	info := lm.GetLockInfo(cf, []byte("key1"))
	if len(info.WaitQueue) != 0 {
		t.Errorf("timed-out request left in queue: %d", len(info.WaitQueue))
	}
}

func TestLockManagerUpgrade(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	if err := lm.Lock(1, cf, []byte("k"), LockTypeShared, waitSecond); err != nil {
		t.Fatal(err)
	}
	if err := lm.Lock(1, cf, []byte("k"), LockTypeExclusive, waitSecond); err != nil {
		t.Fatalf("sole holder upgrade failed: %v", err)
	}
	if lm.TryLock(2, cf, []byte("k"), LockTypeShared) {
		t.Error("shared lock granted over an upgraded exclusive lock")
	}
	if lm.NumTxnLocks(1) != 1 {
		t.Errorf("NumTxnLocks(1) = %d, want 1", lm.NumTxnLocks(1))
	}
}

func TestLockManagerTryLock(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	if !lm.TryLock(1, cf, []byte("key1"), LockTypeExclusive) {
		t.Fatal("TryLock on free key failed")
	}
	if lm.TryLock(2, cf, []byte("key1"), LockTypeExclusive) {
		t.Error("TryLock should fail while txn 1 holds the key")
	}
	if !lm.TryLock(1, cf, []byte("key1"), LockTypeShared) {
		t.Error("re-entrant TryLock failed")
	}
	if lm.GetLockInfo(cf, []byte("absent")) != nil {
		t.Error("failed lookups should not create lock entries")
	}
}

func TestLockManagerUnlockAll(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	for _, k := range []string{"a", "b", "c"} {
		if err := lm.Lock(7, cf, []byte(k), LockTypeExclusive, waitSecond); err != nil {
			t.Fatal(err)
		}
	}
	if lm.NumTxnLocks(7) != 3 {
		t.Fatalf("NumTxnLocks(7) = %d, want 3", lm.NumTxnLocks(7))
	}

	lm.UnlockAll(7)
	if lm.NumLocks() != 0 || lm.NumTxnLocks(7) != 0 {
		t.Errorf("locks left after UnlockAll: %d / %d", lm.NumLocks(), lm.NumTxnLocks(7))
	}
	lm.UnlockAll(7)
}

func TestLockManagerUnlockNotHeld(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())
	if err := lm.Unlock(1, cf, []byte("nope")); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("Expected ErrLockNotHeld, got %v", err)
	}
	_ = lm.Lock(1, cf, []byte("k"), LockTypeExclusive, waitSecond)
	if err := lm.Unlock(2, cf, []byte("k")); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("Expected ErrLockNotHeld for foreign unlock, got %v", err)
	}
}

func TestLockManagerDeadlockDetection(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	if err := lm.Lock(1, cf, []byte("key1"), LockTypeExclusive, detect); err != nil {
		t.Fatal(err)
	}
	if err := lm.Lock(2, cf, []byte("key2"), LockTypeExclusive, detect); err != nil {
		t.Fatal(err)
	}

	var txn1Err error
	var wg sync.WaitGroup
	wg.Go(func() {
		txn1Err = lm.Lock(1, cf, []byte("key2"), LockTypeExclusive, detect)
	})

	time.Sleep(50 * time.Millisecond)

	err := lm.Lock(2, cf, []byte("key1"), LockTypeExclusive, detect)
	if !errors.Is(err, ErrDeadlock) {
		t.Errorf("Expected ErrDeadlock, got %v", err)
	}

	_ = lm.Unlock(2, cf, []byte("key2"))
	wg.Wait()

	if txn1Err != nil {
		t.Errorf("Txn 1 should have acquired key2 after txn 2 released: %v", txn1Err)
	}
}

func TestLockManagerDeadlockDetectionDisabled(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	_ = lm.Lock(1, cf, []byte("key1"), LockTypeExclusive, waitSecond)
	_ = lm.Lock(2, cf, []byte("key2"), LockTypeExclusive, waitSecond)

	var wg sync.WaitGroup
	wg.Go(func() {
		_ = lm.Lock(1, cf, []byte("key2"), LockTypeExclusive, LockOptions{Timeout: 200 * time.Millisecond})
	})
	time.Sleep(20 * time.Millisecond)

	// Without detection the cycle resolves through the timeout.
	err := lm.Lock(2, cf, []byte("key1"), LockTypeExclusive, LockOptions{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}
	wg.Wait()
}

func TestLockManagerDeadlockChain(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	_ = lm.Lock(1, cf, []byte("key1"), LockTypeExclusive, detect)
	_ = lm.Lock(2, cf, []byte("key2"), LockTypeExclusive, detect)
	_ = lm.Lock(3, cf, []byte("key3"), LockTypeExclusive, detect)

	long := LockOptions{Timeout: 2 * time.Second, DeadlockDetect: true}
	var wg sync.WaitGroup
	wg.Go(func() { _ = lm.Lock(1, cf, []byte("key2"), LockTypeExclusive, long) })
	time.Sleep(20 * time.Millisecond)
	wg.Go(func() { _ = lm.Lock(2, cf, []byte("key3"), LockTypeExclusive, long) })
	time.Sleep(20 * time.Millisecond)

	// T3 -> T1 -> T2 -> T3
	err := lm.Lock(3, cf, []byte("key1"), LockTypeExclusive, long)
	if !errors.Is(err, ErrDeadlock) {
		t.Errorf("Expected ErrDeadlock for chain deadlock, got %v", err)
	}

	lm.UnlockAll(1)
	lm.UnlockAll(2)
	lm.UnlockAll(3)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("Timed out waiting for goroutines to finish")
	}
}

func TestLockManagerDeadlockDepthLimit(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	// T1 holds k1, T2 holds k2 and waits on k1. A request from T3 on k2 sees
	// a chain of length two; with depth 1 the search gives up and reports it.
	_ = lm.Lock(1, cf, []byte("k1"), LockTypeExclusive, detect)
	_ = lm.Lock(2, cf, []byte("k2"), LockTypeExclusive, detect)
	var wg sync.WaitGroup
	wg.Go(func() {
		_ = lm.Lock(2, cf, []byte("k1"), LockTypeExclusive, LockOptions{Timeout: 300 * time.Millisecond, DeadlockDetect: true})
	})
	time.Sleep(20 * time.Millisecond)

	shallow := LockOptions{Timeout: 50 * time.Millisecond, DeadlockDetect: true, DeadlockDetectDepth: 1}
	if err := lm.Lock(3, cf, []byte("k2"), LockTypeExclusive, shallow); !errors.Is(err, ErrDeadlock) {
		t.Errorf("Expected ErrDeadlock at depth limit, got %v", err)
	}
	wg.Wait()
}

func TestLockManagerWaitQueue(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	if err := lm.Lock(1, cf, []byte("key1"), LockTypeExclusive, waitSecond); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var acquired atomic.Int32
	for i := uint64(2); i <= 4; i++ {
		wg.Go(func() {
			if lm.Lock(i, cf, []byte("key1"), LockTypeShared, LockOptions{Timeout: 2 * time.Second}) == nil {
				acquired.Add(1)
			}
		})
	}

	time.Sleep(50 * time.Millisecond)

	info := lm.GetLockInfo(cf, []byte("key1"))
	if len(info.WaitQueue) != 3 {
		t.Errorf("Expected 3 waiters, got %d", len(info.WaitQueue))
	}

	_ = lm.Unlock(1, cf, []byte("key1"))
	wg.Wait()

	if acquired.Load() != 3 {
		t.Errorf("Expected 3 transactions to acquire, got %d", acquired.Load())
	}
}

func TestLockManagerMaxNumLocks(t *testing.T) {
	opts := DefaultLockManagerOptions()
	opts.MaxNumLocks = 2
	lm := NewLockManager(opts)

	_ = lm.Lock(1, cf, []byte("a"), LockTypeExclusive, waitSecond)
	_ = lm.Lock(1, cf, []byte("b"), LockTypeExclusive, waitSecond)

	if err := lm.Lock(2, cf, []byte("c"), LockTypeExclusive, waitSecond); !errors.Is(err, ErrLockLimit) {
		t.Errorf("Expected ErrLockLimit, got %v", err)
	}
	// Re-locking an already held key does not count against the limit.
	if err := lm.Lock(1, cf, []byte("a"), LockTypeExclusive, waitSecond); err != nil {
		t.Errorf("re-entrant lock at limit: %v", err)
	}

	_ = lm.Unlock(1, cf, []byte("a"))
	if err := lm.Lock(2, cf, []byte("c"), LockTypeExclusive, waitSecond); err != nil {
		t.Errorf("lock after release: %v", err)
	}
}

func TestLockManagerCloseWakesWaiters(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())
	_ = lm.Lock(1, cf, []byte("k"), LockTypeExclusive, waitSecond)

	errCh := make(chan error, 1)
	go func() {
		errCh <- lm.Lock(2, cf, []byte("k"), LockTypeExclusive, LockOptions{Timeout: -1})
	}()
	time.Sleep(20 * time.Millisecond)

	lm.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrLockManagerClosed) {
			t.Errorf("waiter error = %v, want ErrLockManagerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by Close")
	}

	if err := lm.Lock(3, cf, []byte("x"), LockTypeExclusive, waitSecond); !errors.Is(err, ErrLockManagerClosed) {
		t.Errorf("Lock after Close = %v", err)
	}
	lm.Close()
}

type fakeExpirer struct {
	mu      sync.Mutex
	expires map[uint64]time.Time
	stolen  map[uint64]bool
}

func (f *fakeExpirer) Expiration(txnID uint64) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expires[txnID]
}

func (f *fakeExpirer) StealLocks(txnID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.expires[txnID]
	if !ok || time.Now().Before(exp) {
		return false
	}
	f.stolen[txnID] = true
	return true
}

func TestLockManagerStealsExpiredLocks(t *testing.T) {
	exp := &fakeExpirer{
		expires: map[uint64]time.Time{1: time.Now().Add(60 * time.Millisecond)},
		stolen:  map[uint64]bool{},
	}
	opts := DefaultLockManagerOptions()
	opts.Expirer = exp
	lm := NewLockManager(opts)

	if err := lm.Lock(1, cf, []byte("k"), LockTypeExclusive, waitSecond); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := lm.Lock(2, cf, []byte("k"), LockTypeExclusive, waitSecond); err != nil {
		t.Fatalf("waiter should take over the expired lock: %v", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Errorf("takeover waited for the full timeout")
	}
	if !exp.stolen[1] {
		t.Error("expirer was not asked to steal txn 1's locks")
	}
	info := lm.GetLockInfo(cf, []byte("k"))
	if info.IsHeldBy(1) || !info.IsHeldBy(2) {
		t.Errorf("holders after steal = %v", info.Holders)
	}
	if err := lm.Unlock(1, cf, []byte("k")); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("expired txn still owns the lock: %v", err)
	}
}

func TestLockManagerRaceCondition(t *testing.T) {
	lm := NewLockManager(DefaultLockManagerOptions())

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			txnID := uint64(i)
			for range 100 {
				key := []byte("shared-key")
				if lm.TryLock(txnID, cf, key, LockTypeShared) {
					time.Sleep(time.Microsecond)
					_ = lm.Unlock(txnID, cf, key)
				}
			}
		})
	}
	wg.Wait()

	if lm.NumLocks() != 0 {
		t.Errorf("Expected 0 locks after test, got %d", lm.NumLocks())
	}
}

func TestLockManagerStress(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	lm := NewLockManager(DefaultLockManagerOptions())

	stop := make(chan struct{})
	time.AfterFunc(time.Second, func() { close(stop) })

	var lockCount, timeoutCount, deadlockCount atomic.Int64
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			txnID := uint64(i)
			for {
				select {
				case <-stop:
					return
				default:
				}

				key := []byte{byte(txnID % 10)}
				lockType := LockTypeShared
				if txnID%3 == 0 {
					lockType = LockTypeExclusive
				}

				err := lm.Lock(txnID, cf, key, lockType, LockOptions{Timeout: 10 * time.Millisecond, DeadlockDetect: true})
				switch {
				case err == nil:
					lockCount.Add(1)
					time.Sleep(time.Microsecond)
					_ = lm.Unlock(txnID, cf, key)
				case errors.Is(err, ErrLockTimeout):
					timeoutCount.Add(1)
				case errors.Is(err, ErrDeadlock):
					deadlockCount.Add(1)
				}
			}
		})
	}
	wg.Wait()

	t.Logf("Stress test results: locks=%d, timeouts=%d, deadlocks=%d",
		lockCount.Load(), timeoutCount.Load(), deadlockCount.Load())

	if lm.NumLocks() != 0 {
		t.Errorf("Expected 0 locks after test, got %d", lm.NumLocks())
	}
}

func TestLockTypeString(t *testing.T) {
	if LockTypeShared.String() != "Shared" || LockTypeExclusive.String() != "Exclusive" || LockType(9).String() != "Unknown" {
		t.Error("unexpected LockType strings")
	}
}
