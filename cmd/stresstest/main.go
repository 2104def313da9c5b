// Stress test for harborkv.
//
// Workers run random operations against a TransactionDB and check every
// read against an expected state oracle:
//   - Per-key locking: each operation locks the oracle stripes of its keys
//     for the duration of the database call and the oracle update.
//   - Puts, deletes, merges, batches and pessimistic transactions update
//     the oracle only when the database call succeeds.
//   - Gets are verified under the key's stripe. Snapshot reads are verified
//     against the value captured when the snapshot was taken.
//   - Iterator scans check ordering and that every value belongs to its key.
//   - A reopener closes and reopens the database; a final pass verifies
//     every key.
//
// Usage: go run ./cmd/stresstest [flags]
package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/harborkv"
	"github.com/aalhour/harborkv/internal/compression"
)

var (
	duration        = flag.Duration("duration", 30*time.Second, "Test duration")
	numKeys         = flag.Int64("keys", 10000, "Number of keys in the key space")
	valueSize       = flag.Int("value-size", 100, "Size of each value in bytes")
	numThreads      = flag.Int("threads", 16, "Number of concurrent threads")
	reopenPeriod    = flag.Duration("reopen", 10*time.Second, "Period between database reopens (0 to disable)")
	dbPath          = flag.String("db", "", "Database path (default: temp directory)")
	engine          = flag.String("engine", "leveldb", "Storage engine: leveldb or bolt")
	compressionName = flag.String("compression", "snappy", "Value compression of the default column family: none, snappy, zlib, lz4, lz4hc or zstd")
	keepDB          = flag.Bool("keep", false, "Keep database after test")
	verbose         = flag.Bool("v", false, "Verbose output")
	seed            = flag.Int64("seed", 0, "Random seed (0 for time-based)")

	// Operation weights
	putWeight      = flag.Int("put", 30, "Put operation weight")
	getWeight      = flag.Int("get", 25, "Get operation weight")
	deleteWeight   = flag.Int("delete", 10, "Delete operation weight")
	batchWeight    = flag.Int("batch", 10, "Batch write weight")
	mergeWeight    = flag.Int("merge", 5, "Merge operation weight")
	txnWeight      = flag.Int("txn", 10, "Transaction weight")
	iterWeight     = flag.Int("iter", 5, "Iterator scan weight")
	snapshotWeight = flag.Int("snapshot", 5, "Snapshot read weight")

	log2KeysPerLock = flag.Uint("log2-keys-per-lock", 2, "Log2 of number of keys per oracle lock")
)

const countersCF = "counters"

// Stats tracks operation counts.
type Stats struct {
	puts          atomic.Uint64
	gets          atomic.Uint64
	deletes       atomic.Uint64
	batches       atomic.Uint64
	merges        atomic.Uint64
	txnCommits    atomic.Uint64
	txnRollbacks  atomic.Uint64
	iterScans     atomic.Uint64
	snapshotReads atomic.Uint64
	reopens       atomic.Uint64
	errors        atomic.Uint64
	verifyFail    atomic.Uint64
}

func (s *Stats) total() uint64 {
	return s.puts.Load() + s.gets.Load() + s.deletes.Load() + s.batches.Load() +
		s.merges.Load() + s.txnCommits.Load() + s.txnRollbacks.Load() +
		s.iterScans.Load() + s.snapshotReads.Load()
}

func main() {
	flag.Parse()
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	fmt.Printf("harborkv stress test: duration=%v keys=%d threads=%d engine=%s seed=%d\n",
		*duration, *numKeys, *numThreads, *engine, *seed)

	dir := *dbPath
	if dir == "" {
		var err error
		if dir, err = os.MkdirTemp("", "harborkv-stress-*"); err != nil {
			fatal("Failed to create temp dir: %v", err)
		}
	}
	fmt.Printf("📁 Database path: %s\n\n", dir)

	stats := &Stats{}
	expected := newExpectedState(*numKeys, *log2KeysPerLock)
	if err := runStressTest(dir, expected, stats); err != nil {
		fmt.Printf("\n❌ STRESS TEST FAILED: %v\n", err)
		os.Exit(1)
	}
	printStats(stats)
	if stats.errors.Load() > 0 || stats.verifyFail.Load() > 0 {
		fmt.Println("❌ STRESS TEST FAILED")
		os.Exit(1)
	}
	fmt.Println("✅ STRESS TEST PASSED")

	if *keepDB {
		fmt.Printf("\n📁 Database kept at: %s\n", dir)
	} else if *dbPath == "" {
		os.RemoveAll(dir)
	}
}

func printStats(stats *Stats) {
	fmt.Println()
	fmt.Println("══════════════════════════════════════════")
	fmt.Printf("Puts:          %12d\n", stats.puts.Load())
	fmt.Printf("Deletes:       %12d\n", stats.deletes.Load())
	fmt.Printf("Merges:        %12d\n", stats.merges.Load())
	fmt.Printf("Batches:       %12d\n", stats.batches.Load())
	fmt.Printf("Txn commits:   %12d\n", stats.txnCommits.Load())
	fmt.Printf("Txn rollbacks: %12d\n", stats.txnRollbacks.Load())
	fmt.Printf("Gets:          %12d\n", stats.gets.Load())
	fmt.Printf("Iter scans:    %12d\n", stats.iterScans.Load())
	fmt.Printf("Snapshots:     %12d\n", stats.snapshotReads.Load())
	fmt.Printf("Reopens:       %12d\n", stats.reopens.Load())
	fmt.Printf("Failures:      %12d\n", stats.verifyFail.Load())
	fmt.Printf("Errors:        %12d\n", stats.errors.Load())
	fmt.Printf("Total:         %12d\n", stats.total())
	fmt.Println("══════════════════════════════════════════")
}

// dbHolder holds the current database instance. Workers hold mu for
// reading around each operation; the reopener holds it for writing.
type dbHolder struct {
	mu       sync.RWMutex
	db       *harborkv.TransactionDB
	counters *harborkv.ColumnFamilyHandle
	path     string
}

func openDB(path string) (*harborkv.TransactionDB, *harborkv.ColumnFamilyHandle, error) {
	eng, err := harborkv.ParseEngineType(*engine)
	if err != nil {
		return nil, nil, err
	}
	ct, err := compression.ParseType(*compressionName)
	if err != nil {
		return nil, nil, err
	}
	opts := harborkv.DefaultOptions()
	opts.CreateIfMissing = true
	opts.CreateMissingColumnFamilies = true
	opts.Engine = eng

	def := harborkv.DefaultColumnFamilyOptions()
	def.Compression = ct
	cnt := harborkv.DefaultColumnFamilyOptions()
	cnt.MergeOperator = &harborkv.UInt64AddOperator{}

	tdbOpts := harborkv.DefaultTransactionDBOptions()
	tdbOpts.TransactionLockTimeout = 5 * time.Second
	tdbOpts.DefaultLockTimeout = 5 * time.Second

	tdb, handles, err := harborkv.OpenTransactionDBColumnFamilies(path, opts, tdbOpts, []harborkv.ColumnFamilyDescriptor{
		{Name: harborkv.DefaultColumnFamilyName, Options: def},
		{Name: countersCF, Options: cnt},
	})
	if err != nil {
		return nil, nil, err
	}
	return tdb, handles[1], nil
}

func runStressTest(path string, expected *expectedState, stats *Stats) error {
	tdb, counters, err := openDB(path)
	if err != nil {
		return fmt.Errorf("initial open failed: %w", err)
	}
	holder := &dbHolder{db: tdb, counters: counters, path: path}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := range *numThreads {
		wg.Go(func() {
			runWorker(i, holder, expected, stats, stop)
		})
	}
	if *reopenPeriod > 0 {
		wg.Go(func() {
			runReopener(holder, stats, stop)
		})
	}

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	defer holder.db.Close()
	return verifyAll(holder, expected, stats)
}

func runWorker(id int, holder *dbHolder, expected *expectedState, stats *Stats, stop chan struct{}) {
	rng := rand.New(rand.NewSource(*seed + int64(id)))
	weights := []int{*putWeight, *getWeight, *deleteWeight, *batchWeight, *mergeWeight, *txnWeight, *iterWeight, *snapshotWeight}
	total := 0
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		op := rng.Intn(total)
		kind := 0
		for op >= weights[kind] {
			op -= weights[kind]
			kind++
		}

		holder.mu.RLock()
		var err error
		switch kind {
		case 0:
			err = doPut(holder, expected, stats, rng)
		case 1:
			err = doGet(holder, expected, stats, rng)
		case 2:
			err = doDelete(holder, expected, stats, rng)
		case 3:
			err = doBatch(holder, expected, stats, rng)
		case 4:
			err = doMerge(holder, expected, stats, rng)
		case 5:
			err = doTransaction(holder, expected, stats, rng)
		case 6:
			err = doIterScan(holder, stats, rng)
		case 7:
			err = doSnapshotRead(holder, expected, stats, rng)
		}
		holder.mu.RUnlock()

		if err != nil {
			stats.errors.Add(1)
			if *verbose {
				fmt.Printf("worker %d: %v\n", id, err)
			}
		}
	}
}

func doPut(h *dbHolder, expected *expectedState, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(*numKeys)
	base := rng.Uint32()
	unlock := expected.lock(key)
	defer unlock()
	if err := h.db.Put(makeKey(key), makeValue(key, base)); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	expected.put(key, base)
	stats.puts.Add(1)
	return nil
}

func doGet(h *dbHolder, expected *expectedState, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(*numKeys)
	unlock := expected.lock(key)
	defer unlock()
	v, err := h.db.Get(makeKey(key))
	stats.gets.Add(1)
	return checkValue(key, expected.get(key), v, err, stats)
}

func doDelete(h *dbHolder, expected *expectedState, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(*numKeys)
	unlock := expected.lock(key)
	defer unlock()
	if err := h.db.Delete(makeKey(key)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	expected.del(key)
	stats.deletes.Add(1)
	return nil
}

// randomKeys returns n distinct keys.
func randomKeys(rng *rand.Rand, n int) []int64 {
	seen := make(map[int64]bool, n)
	keys := make([]int64, 0, n)
	for len(keys) < n && int64(len(keys)) < *numKeys {
		k := rng.Int63n(*numKeys)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

type pendingWrite struct {
	key  int64
	base uint32
	del  bool
}

func randomWrites(rng *rand.Rand, n int) []pendingWrite {
	keys := randomKeys(rng, n)
	writes := make([]pendingWrite, len(keys))
	for i, k := range keys {
		writes[i] = pendingWrite{key: k, base: rng.Uint32(), del: rng.Intn(4) == 0}
	}
	return writes
}

func applyExpected(expected *expectedState, writes []pendingWrite) {
	for _, w := range writes {
		if w.del {
			expected.del(w.key)
		} else {
			expected.put(w.key, w.base)
		}
	}
}

func writeKeys(writes []pendingWrite) []int64 {
	keys := make([]int64, len(writes))
	for i, w := range writes {
		keys[i] = w.key
	}
	return keys
}

func doBatch(h *dbHolder, expected *expectedState, stats *Stats, rng *rand.Rand) error {
	writes := randomWrites(rng, 1+rng.Intn(8))
	unlock := expected.lockAll(writeKeys(writes))
	defer unlock()

	wb := harborkv.NewWriteBatch()
	for _, w := range writes {
		if w.del {
			wb.Delete(makeKey(w.key))
		} else {
			wb.Put(makeKey(w.key), makeValue(w.key, w.base))
		}
	}
	if err := h.db.Write(wb); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	applyExpected(expected, writes)
	stats.batches.Add(1)
	return nil
}

func doMerge(h *dbHolder, expected *expectedState, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(*numKeys)
	n := uint64(1 + rng.Intn(100))
	unlock := expected.lock(key)
	defer unlock()
	if err := h.db.MergeCF(h.counters, makeKey(key), harborkv.EncodeUint64(n)); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	expected.add(key, n)
	stats.merges.Add(1)
	return nil
}

func doTransaction(h *dbHolder, expected *expectedState, stats *Stats, rng *rand.Rand) error {
	writes := randomWrites(rng, 1+rng.Intn(4))
	unlock := expected.lockAll(writeKeys(writes))
	defer unlock()

	t := h.db.Begin(nil, &harborkv.TransactionOptions{SetSnapshot: rng.Intn(2) == 0})
	for _, w := range writes {
		var err error
		if w.del {
			err = t.Delete(makeKey(w.key))
		} else {
			err = t.Put(makeKey(w.key), makeValue(w.key, w.base))
		}
		if err != nil {
			_ = t.Rollback()
			return fmt.Errorf("txn write: %w", err)
		}
	}

	// Reads inside the transaction see its own writes.
	last := writes[len(writes)-1]
	v, err := t.Get(makeKey(last.key))
	want := int64(last.base)
	if last.del {
		want = deleted
	}
	if err := checkValue(last.key, want, v, err, stats); err != nil {
		_ = t.Rollback()
		return err
	}

	if rng.Intn(10) == 0 {
		if err := t.Rollback(); err != nil {
			return fmt.Errorf("txn rollback: %w", err)
		}
		stats.txnRollbacks.Add(1)
		return nil
	}
	if err := t.Commit(); err != nil {
		_ = t.Rollback()
		return fmt.Errorf("txn commit: %w", err)
	}
	applyExpected(expected, writes)
	stats.txnCommits.Add(1)
	return nil
}

func doIterScan(h *dbHolder, stats *Stats, rng *rand.Rand) error {
	start := makeKey(rng.Int63n(*numKeys))
	dir := harborkv.Forward
	if rng.Intn(2) == 0 {
		dir = harborkv.Reverse
	}
	it := h.db.NewIterator(harborkv.IteratorModeFrom(start, dir))
	defer it.Close()

	var prev []byte
	n := 0
	for k, v := range it.All() {
		if prev != nil {
			c := bytes.Compare(prev, k)
			if (dir == harborkv.Forward && c >= 0) || (dir == harborkv.Reverse && c <= 0) {
				stats.verifyFail.Add(1)
				return fmt.Errorf("iterator out of order: %q then %q", prev, k)
			}
		}
		if !bytes.HasPrefix(v, k) {
			stats.verifyFail.Add(1)
			return fmt.Errorf("iterator value of %q belongs to another key", k)
		}
		prev = k
		if n++; n >= 100 {
			break
		}
	}
	stats.iterScans.Add(1)
	if err := it.Err(); err != nil {
		return fmt.Errorf("iterator: %w", err)
	}
	return nil
}

func doSnapshotRead(h *dbHolder, expected *expectedState, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(*numKeys)
	unlock := expected.lock(key)
	snap, err := h.db.NewSnapshot()
	want := expected.get(key)
	unlock()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer snap.Release()

	// Concurrent writers may change the key; the snapshot must not see it.
	v, err := snap.Get(makeKey(key))
	stats.snapshotReads.Add(1)
	return checkValue(key, want, v, err, stats)
}

func runReopener(h *dbHolder, stats *Stats, stop chan struct{}) {
	ticker := time.NewTicker(*reopenPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		h.mu.Lock()
		if err := h.db.Close(); err != nil {
			stats.errors.Add(1)
		}
		tdb, counters, err := openDB(h.path)
		if err != nil {
			h.mu.Unlock()
			fatal("reopen failed: %v", err)
		}
		h.db, h.counters = tdb, counters
		h.mu.Unlock()
		stats.reopens.Add(1)
		if *verbose {
			fmt.Println("🔄 reopened database")
		}
	}
}

func verifyAll(h *dbHolder, expected *expectedState, stats *Stats) error {
	var failures int
	for key := range *numKeys {
		v, err := h.db.Get(makeKey(key))
		if err := checkValue(key, expected.get(key), v, err, stats); err != nil {
			failures++
			if *verbose {
				fmt.Println(err)
			}
		}

		want := expected.counter(key)
		v, err = h.db.GetCF(h.counters, makeKey(key))
		switch {
		case errors.Is(err, harborkv.ErrNotFound):
			if want != 0 {
				failures++
			}
		case err != nil:
			return fmt.Errorf("verify counter %d: %w", key, err)
		default:
			got, derr := harborkv.DecodeUint64(v)
			if derr != nil || got != want {
				failures++
			}
		}
	}
	if failures > 0 {
		stats.verifyFail.Add(uint64(failures))
		return fmt.Errorf("%d keys differ from the expected state", failures)
	}
	return nil
}

// checkValue compares a read against the oracle value want.
func checkValue(key, want int64, v []byte, err error, stats *Stats) error {
	switch {
	case errors.Is(err, harborkv.ErrNotFound):
		if want == deleted {
			return nil
		}
		stats.verifyFail.Add(1)
		return fmt.Errorf("key %d: not found, want base %d", key, want)
	case err != nil:
		return fmt.Errorf("get %d: %w", key, err)
	case want == deleted:
		stats.verifyFail.Add(1)
		return fmt.Errorf("key %d: found deleted key", key)
	case !bytes.Equal(v, makeValue(key, uint32(want))):
		stats.verifyFail.Add(1)
		return fmt.Errorf("key %d: value base %d, want %d", key, getValueBase(v), want)
	}
	return nil
}

func makeKey(key int64) []byte {
	return fmt.Appendf(nil, "%016d", key)
}

// makeValue builds a value that starts with the key and embeds base, so a
// value read under the wrong key is detectable.
func makeValue(key int64, base uint32) []byte {
	v := make([]byte, 0, max(*valueSize, 24))
	v = append(v, makeKey(key)...)
	v = binary.LittleEndian.AppendUint32(v, base)
	for i := len(v); i < *valueSize; i++ {
		v = append(v, byte('a'+(uint32(i)+base)%26))
	}
	return v
}

func getValueBase(value []byte) uint32 {
	if len(value) < 20 {
		return 0
	}
	return binary.LittleEndian.Uint32(value[16:20])
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
	os.Exit(1)
}
