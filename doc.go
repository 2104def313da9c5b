/*
Package harborkv is an embedded key/value store with column families,
snapshots, iterators and transactions, layered over a pluggable storage
engine (goleveldb by default, or bbolt).

The package owns the lifetime of every handle it returns. A snapshot does
not outlive its database, an iterator created by a transaction does not
outlive the transaction, and a column family handle stops working once the
family is dropped or the database is closed. Using such a handle fails with
a named error (ErrSnapshotReleased, ErrIteratorClosed,
ErrTransactionNotActive, ErrInvalidColumnFamilyHandle) instead of touching
freed engine state.

On the bolt engine, snapshots and iterators keep a read transaction open.
A goroutine that writes while holding one can block forever once the file
outgrows Options.BoltInitialMmapSize.

# Usage

	opts := harborkv.DefaultOptions()
	opts.CreateIfMissing = true
	db, err := harborkv.Open("/var/lib/app", opts)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		return err
	}
	it := db.NewIterator(harborkv.IteratorModeStart)
	defer it.Close()
	for k, v := range it.All() {
		fmt.Printf("%s=%s\n", k, v)
	}

# Transactions

OpenTransactionDB returns a database with pessimistic transactions, which
lock keys as they write them. OpenOptimisticTransactionDB returns one with
optimistic transactions, which take no locks and fail to commit with
ErrTransactionConflict when a key they depend on changed. IsRetryable
reports which failures a caller may resolve by running the transaction
again; the package never retries on its own.

A pessimistic transaction must end with Commit or Rollback. One that is
abandoned keeps its locks until it passes TransactionOptions.Expiration
(if set) or the database closes, and every writer of those keys waits on
it in the meantime.

# Concurrency

A DB is safe for concurrent use by multiple goroutines. Iterators,
snapshots and transactions belong to one goroutine each, but the database
may invalidate them from another goroutine during Close.
*/
package harborkv
