package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aalhour/harborkv"
)

// setFlags overrides the stress flags for one test.
func setFlags(t *testing.T, eng string) {
	t.Helper()
	prev := struct {
		duration, reopen time.Duration
		keys             int64
		threads          int
		engine           string
		seed             int64
	}{*duration, *reopenPeriod, *numKeys, *numThreads, *engine, *seed}
	t.Cleanup(func() {
		*duration, *reopenPeriod = prev.duration, prev.reopen
		*numKeys, *numThreads = prev.keys, prev.threads
		*engine, *seed = prev.engine, prev.seed
	})

	*duration = 300 * time.Millisecond
	*reopenPeriod = 100 * time.Millisecond
	*numKeys = 200
	*numThreads = 4
	*engine = eng
	*seed = 42
}

func TestStressShortRun(t *testing.T) {
	for _, eng := range []string{"leveldb", "bolt"} {
		t.Run(eng, func(t *testing.T) {
			setFlags(t, eng)
			stats := &Stats{}
			expected := newExpectedState(*numKeys, *log2KeysPerLock)
			if err := runStressTest(filepath.Join(t.TempDir(), "db"), expected, stats); err != nil {
				t.Fatalf("runStressTest: %v", err)
			}
			if n := stats.errors.Load(); n != 0 {
				t.Errorf("%d operation errors", n)
			}
			if n := stats.verifyFail.Load(); n != 0 {
				t.Errorf("%d verification failures", n)
			}
			if stats.total() == 0 {
				t.Error("no operations ran")
			}
		})
	}
}

// Contract: final verification catches a database that diverged from the
// oracle.
func TestVerifyAllDetectsDivergence(t *testing.T) {
	setFlags(t, "leveldb")
	*numKeys = 8

	tdb, counters, err := openDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatal(err)
	}
	defer tdb.Close()
	h := &dbHolder{db: tdb, counters: counters}

	expected := newExpectedState(*numKeys, 1)
	expected.put(3, 7)
	if err := tdb.Put(makeKey(3), makeValue(3, 7)); err != nil {
		t.Fatal(err)
	}
	expected.add(5, 2)
	if err := tdb.MergeCF(counters, makeKey(5), harborkv.EncodeUint64(2)); err != nil {
		t.Fatal(err)
	}
	if err := verifyAll(h, expected, &Stats{}); err != nil {
		t.Fatalf("verifyAll on a matching database: %v", err)
	}

	// The database has a key the oracle thinks is deleted.
	if err := tdb.Put(makeKey(1), makeValue(1, 1)); err != nil {
		t.Fatal(err)
	}
	stats := &Stats{}
	if err := verifyAll(h, expected, stats); err == nil {
		t.Fatal("verifyAll missed an unexpected key")
	}
	if stats.verifyFail.Load() != 1 {
		t.Errorf("verifyFail = %d, want 1", stats.verifyFail.Load())
	}
}

func TestExpectedStateLockAll(t *testing.T) {
	s := newExpectedState(16, 2)
	if s.stripe(0) != s.stripe(3) || s.stripe(3) == s.stripe(4) {
		t.Fatal("keys per stripe is not 4")
	}

	// Overlapping and duplicate stripes lock each stripe once.
	unlock := s.lockAll([]int64{9, 1, 2, 8})
	done := make(chan struct{})
	go func() {
		u := s.lock(0)
		u()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("stripe 0 was not held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done

	if s.get(5) != deleted {
		t.Error("new keys should start deleted")
	}
}

func TestMakeValue(t *testing.T) {
	v := makeValue(42, 0xdeadbeef)
	if len(v) != *valueSize {
		t.Errorf("len = %d, want %d", len(v), *valueSize)
	}
	if got := getValueBase(v); got != 0xdeadbeef {
		t.Errorf("base = %#x", got)
	}
	stats := &Stats{}
	if err := checkValue(42, 0xdeadbeef, v, nil, stats); err != nil {
		t.Error(err)
	}
	if err := checkValue(43, 0xdeadbeef, v, nil, stats); err == nil {
		t.Error("value of key 42 accepted for key 43")
	}
	if err := checkValue(42, deleted, nil, harborkv.ErrNotFound, stats); err != nil {
		t.Error(err)
	}
	if stats.verifyFail.Load() != 1 {
		t.Errorf("verifyFail = %d, want 1", stats.verifyFail.Load())
	}
}
