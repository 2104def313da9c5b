package harborkv

// transaction_test.go implements tests for behavior shared by pessimistic
// and optimistic transactions.

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"
)

// txnHandle is the method set both transaction kinds share.
type txnHandle interface {
	Put(key, value []byte) error
	PutCF(cf *ColumnFamilyHandle, key, value []byte) error
	Delete(key []byte) error
	Merge(key, operand []byte) error
	Get(key []byte) ([]byte, error)
	GetCF(cf *ColumnFamilyHandle, key []byte) ([]byte, error)
	NewIterator(mode IteratorMode) *DirectionalIterator
	NewIteratorWithOptions(ro *ReadOptions, mode IteratorMode) *DirectionalIterator
	NewRawIterator() *RawIterator
	SetSavePoint() error
	RollbackToSavePoint() error
	PopSavePoint() error
	Count() int
	State() TransactionState
	Commit() error
	Rollback() error
}

type txnDB struct {
	db    *DB
	begin func() txnHandle
}

// forEachTxnKind runs fn against a pessimistic and an optimistic database
// with a uint64add merge operator.
func forEachTxnKind(t *testing.T, fn func(t *testing.T, d txnDB)) {
	t.Helper()
	opts := func() *Options {
		o := testOptions(EngineLevelDB)
		o.MergeOperator = &UInt64AddOperator{}
		return o
	}
	t.Run("pessimistic", func(t *testing.T) {
		tdb, err := OpenTransactionDB(filepath.Join(t.TempDir(), "db"), opts(), fastLocks())
		if err != nil {
			t.Fatalf("OpenTransactionDB: %v", err)
		}
		defer tdb.Close()
		fn(t, txnDB{db: tdb.DB, begin: func() txnHandle { return tdb.Begin(nil, nil) }})
	})
	t.Run("optimistic", func(t *testing.T) {
		odb, err := OpenOptimisticTransactionDB(filepath.Join(t.TempDir(), "db"), opts())
		if err != nil {
			t.Fatalf("OpenOptimisticTransactionDB: %v", err)
		}
		defer odb.Close()
		fn(t, txnDB{db: odb.DB, begin: func() txnHandle { return odb.Begin(nil, nil) }})
	})
}

func TestTransactionReadYourWrites(t *testing.T) {
	forEachTxnKind(t, func(t *testing.T, d txnDB) {
		if err := d.db.Put([]byte("base"), []byte("b")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := d.db.Put([]byte("n"), EncodeUint64(40)); err != nil {
			t.Fatalf("Put: %v", err)
		}

		txn := d.begin()
		defer txn.Rollback()
		if err := txn.Delete([]byte("base")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := txn.Get([]byte("base")); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after txn Delete: got %v", err)
		}
		if err := txn.Merge([]byte("n"), EncodeUint64(2)); err != nil {
			t.Fatalf("Merge: %v", err)
		}
		v, err := txn.Get([]byte("n"))
		if err != nil {
			t.Fatalf("Get merged: %v", err)
		}
		if n, _ := DecodeUint64(v); n != 42 {
			t.Errorf("merged n = %d, want 42", n)
		}
		if err := txn.Put([]byte("base"), []byte("again")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if v, err := txn.Get([]byte("base")); err != nil || string(v) != "again" {
			t.Errorf("Get after re-Put = %q, %v", v, err)
		}
		if txn.Count() != 3 {
			t.Errorf("Count = %d, want 3", txn.Count())
		}

		if err := txn.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		v, _ = d.db.Get([]byte("n"))
		if n, _ := DecodeUint64(v); n != 42 {
			t.Errorf("committed n = %d, want 42", n)
		}
	})
}

func TestTransactionIterator(t *testing.T) {
	forEachTxnKind(t, func(t *testing.T, d txnDB) {
		fillKeys(t, d.db, "a", "c", "e")

		txn := d.begin()
		defer txn.Rollback()
		for _, k := range []string{"b", "d"} {
			if err := txn.Put([]byte(k), []byte("v"+k)); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		if err := txn.Delete([]byte("c")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := txn.Put([]byte("e"), []byte("ve")); err != nil {
			t.Fatalf("Put: %v", err)
		}

		if got := collect(t, txn.NewIterator(IteratorModeStart)); !slices.Equal(got, []string{"a", "b", "d", "e"}) {
			t.Errorf("forward = %v", got)
		}
		if got := collect(t, txn.NewIterator(IteratorModeEnd)); !slices.Equal(got, []string{"e", "d", "b", "a"}) {
			t.Errorf("reverse = %v", got)
		}
		if got := collect(t, txn.NewIterator(IteratorModeFrom([]byte("c"), Reverse))); !slices.Equal(got, []string{"b", "a"}) {
			t.Errorf("from c reverse = %v", got)
		}
		ro := &ReadOptions{IterateLowerBound: []byte("b"), IterateUpperBound: []byte("e")}
		if got := collect(t, txn.NewIteratorWithOptions(ro, IteratorModeStart)); !slices.Equal(got, []string{"b", "d"}) {
			t.Errorf("bounded = %v", got)
		}

		// Direction changes across delta and base entries.
		it := txn.NewRawIterator()
		defer it.Close()
		it.Seek([]byte("b"))
		it.Next()
		it.Prev()
		if string(it.Key()) != "b" {
			t.Errorf("Seek b, Next, Prev landed on %q", it.Key())
		}
		it.SeekForPrev([]byte("c"))
		if string(it.Key()) != "b" {
			t.Errorf("SeekForPrev(c) landed on %q", it.Key())
		}

		// Writes after the iterator was created are not seen by it.
		it2 := txn.NewIterator(IteratorModeStart)
		if err := txn.Put([]byte("aa"), []byte("vaa")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if got := collect(t, it2); slices.Contains(got, "aa") {
			t.Errorf("iterator saw a later write: %v", got)
		}
	})
}

func TestTransactionIteratorInvalidatedOnCommit(t *testing.T) {
	forEachTxnKind(t, func(t *testing.T, d txnDB) {
		fillKeys(t, d.db, "a", "b")
		txn := d.begin()
		it := txn.NewIterator(IteratorModeStart)
		defer it.Close()
		if !it.Next() {
			t.Fatal("empty iterator")
		}
		if err := txn.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if it.Next() {
			t.Error("iterator survived commit")
		}
		if err := it.Err(); !errors.Is(err, ErrIteratorClosed) || !errors.Is(err, ErrTransactionNotActive) {
			t.Errorf("Err = %v", err)
		}

		ri := txn.NewRawIterator()
		ri.SeekToFirst()
		if !errors.Is(ri.Err(), ErrTransactionNotActive) {
			t.Errorf("iterator from committed txn: %v", ri.Err())
		}
	})
}

func TestTransactionSavePoints(t *testing.T) {
	forEachTxnKind(t, func(t *testing.T, d txnDB) {
		txn := d.begin()
		defer txn.Rollback()

		if err := txn.RollbackToSavePoint(); !errors.Is(err, ErrNoSavePoint) {
			t.Errorf("RollbackToSavePoint without save point: got %v", err)
		}
		if err := txn.PopSavePoint(); !errors.Is(err, ErrNoSavePoint) {
			t.Errorf("PopSavePoint without save point: got %v", err)
		}

		if err := txn.Put([]byte("a"), []byte("1")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := txn.SetSavePoint(); err != nil {
			t.Fatalf("SetSavePoint: %v", err)
		}
		if err := txn.Put([]byte("a"), []byte("2")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := txn.Put([]byte("b"), []byte("2")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := txn.SetSavePoint(); err != nil {
			t.Fatalf("SetSavePoint: %v", err)
		}
		if err := txn.Delete([]byte("a")); err != nil {
			t.Fatalf("Delete: %v", err)
		}

		if err := txn.RollbackToSavePoint(); err != nil {
			t.Fatalf("RollbackToSavePoint: %v", err)
		}
		if v, err := txn.Get([]byte("a")); err != nil || string(v) != "2" {
			t.Errorf("a after inner rollback = %q, %v; want 2", v, err)
		}
		if err := txn.RollbackToSavePoint(); err != nil {
			t.Fatalf("RollbackToSavePoint: %v", err)
		}
		if v, err := txn.Get([]byte("a")); err != nil || string(v) != "1" {
			t.Errorf("a after outer rollback = %q, %v; want 1", v, err)
		}
		if _, err := txn.Get([]byte("b")); !errors.Is(err, ErrNotFound) {
			t.Errorf("b after outer rollback: %v", err)
		}
		if txn.Count() != 1 {
			t.Errorf("Count = %d, want 1", txn.Count())
		}

		if err := txn.SetSavePoint(); err != nil {
			t.Fatalf("SetSavePoint: %v", err)
		}
		if err := txn.Put([]byte("c"), []byte("3")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := txn.PopSavePoint(); err != nil {
			t.Fatalf("PopSavePoint: %v", err)
		}
		if err := txn.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if got := mustGet(t, d.db, "c"); got != "3" {
			t.Errorf("c = %q", got)
		}
		if _, err := d.db.Get([]byte("b")); !errors.Is(err, ErrNotFound) {
			t.Errorf("rolled back write b committed: %v", err)
		}
	})
}

func TestSavePointReleasesLocks(t *testing.T) {
	tdb := openTestTxnDB(t, EngineLevelDB, fastLocks())
	txn := tdb.Begin(nil, nil)
	defer txn.Rollback()

	if err := txn.Put([]byte("kept"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.SetSavePoint(); err != nil {
		t.Fatalf("SetSavePoint: %v", err)
	}
	if err := txn.Put([]byte("released"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Put([]byte("kept"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if txn.NumLocks() != 2 {
		t.Fatalf("NumLocks = %d, want 2", txn.NumLocks())
	}
	if err := txn.RollbackToSavePoint(); err != nil {
		t.Fatalf("RollbackToSavePoint: %v", err)
	}
	if txn.NumLocks() != 1 {
		t.Errorf("NumLocks after rollback = %d, want 1", txn.NumLocks())
	}
	if err := tdb.Put([]byte("released"), []byte("plain")); err != nil {
		t.Errorf("plain write to released key: %v", err)
	}
}

func TestTransactionColumnFamilies(t *testing.T) {
	opts := testOptions(EngineLevelDB)
	opts.CreateMissingColumnFamilies = true
	tdb, handles, err := OpenTransactionDBColumnFamilies(filepath.Join(t.TempDir(), "db"), opts, nil,
		[]ColumnFamilyDescriptor{
			{Name: DefaultColumnFamilyName, Options: DefaultColumnFamilyOptions()},
			{Name: "meta", Options: DefaultColumnFamilyOptions()},
		})
	if err != nil {
		t.Fatalf("OpenTransactionDBColumnFamilies: %v", err)
	}
	defer tdb.Close()
	meta := handles[1]

	txn := tdb.Begin(nil, nil)
	if err := txn.PutCF(meta, []byte("k"), []byte("meta")); err != nil {
		t.Fatalf("PutCF: %v", err)
	}
	if err := txn.Put([]byte("k"), []byte("default")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if txn.NumLocks() != 2 {
		t.Errorf("same key in two families: NumLocks = %d, want 2", txn.NumLocks())
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	v, err := tdb.GetCF(meta, []byte("k"))
	if err != nil || string(v) != "meta" {
		t.Errorf("meta/k = %q, %v", v, err)
	}

	if err := tdb.DropColumnFamily("meta"); err != nil {
		t.Fatalf("DropColumnFamily: %v", err)
	}
	txn = tdb.Begin(nil, nil)
	defer txn.Rollback()
	if err := txn.PutCF(meta, []byte("k"), []byte("x")); !errors.Is(err, ErrInvalidColumnFamilyHandle) {
		t.Errorf("PutCF on dropped family: got %v", err)
	}
}

func TestTransactionsRolledBackByClose(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine EngineType) {
		tdb, err := OpenTransactionDB(filepath.Join(t.TempDir(), "db"), testOptions(engine), nil)
		if err != nil {
			t.Fatalf("OpenTransactionDB: %v", err)
		}
		fillKeys(t, tdb.DB, "a")

		txn := tdb.Begin(nil, &TransactionOptions{SetSnapshot: true})
		if err := txn.Put([]byte("b"), []byte("vb")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		it := txn.NewIterator(IteratorModeStart)

		if err := tdb.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if txn.State() != TransactionStateRolledBack {
			t.Errorf("State after Close = %v", txn.State())
		}
		err = txn.Commit()
		if !errors.Is(err, ErrTransactionNotActive) || !errors.Is(err, ErrDBClosed) {
			t.Errorf("Commit after Close: got %v", err)
		}
		if it.Next() {
			t.Error("transaction iterator survived Close")
		}
		it.Close()

		late := tdb.Begin(nil, nil)
		if err := late.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrDBClosed) {
			t.Errorf("Begin after Close: got %v", err)
		}
	})
}

func TestTransactionDBCloseWakesLockWaiters(t *testing.T) {
	o := DefaultTransactionDBOptions()
	o.TransactionLockTimeout = -1
	tdb, err := OpenTransactionDB(filepath.Join(t.TempDir(), "db"), testOptions(EngineLevelDB), o)
	if err != nil {
		t.Fatalf("OpenTransactionDB: %v", err)
	}
	t1 := tdb.Begin(nil, nil)
	if err := t1.Put([]byte("k"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	waiting := make(chan error, 1)
	go func() {
		t2 := tdb.Begin(nil, nil)
		waiting <- t2.Put([]byte("k"), []byte("2"))
	}()
	for {
		if st, ok := tdb.LockStatus(tdb.DefaultColumnFamily(), []byte("k")); ok && st.Waiters == 1 {
			break
		}
	}
	if err := tdb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-waiting; !errors.Is(err, ErrDBClosed) {
		t.Errorf("waiter: got %v, want ErrDBClosed", err)
	}
}

func TestTransactionalSnapshotReads(t *testing.T) {
	forEachTxnKind(t, func(t *testing.T, d txnDB) {
		fillKeys(t, d.db, "a", "b")
		snap, err := d.db.NewSnapshot()
		if err != nil {
			t.Fatalf("NewSnapshot: %v", err)
		}
		defer snap.Release()
		if err := d.db.Delete([]byte("a")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if v, err := snap.Get([]byte("a")); err != nil || string(v) != "va" {
			t.Errorf("snapshot Get = %q, %v", v, err)
		}
		if got := collect(t, snap.NewIterator(IteratorModeEnd)); !slices.Equal(got, []string{"b", "a"}) {
			t.Errorf("snapshot iteration = %v", got)
		}
	})
}
