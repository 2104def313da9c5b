package harborkv

// optimistic_transaction_db.go implements OptimisticTransactionDB.

import "sync/atomic"

// OptimisticTransactionDB is a DB with optimistic transactions. Writes
// outside transactions are not coordinated with them; a transaction whose
// keys they change fails to commit.
type OptimisticTransactionDB struct {
	*DB

	nextID atomic.Uint64
}

// OpenOptimisticTransactionDB opens the database at path for optimistic
// transactions.
func OpenOptimisticTransactionDB(path string, opts *Options) (*OptimisticTransactionDB, error) {
	odb, _, err := OpenOptimisticTransactionDBColumnFamilies(path, opts, nil)
	return odb, err
}

// OpenOptimisticTransactionDBColumnFamilies is OpenColumnFamilies for an
// OptimisticTransactionDB.
func OpenOptimisticTransactionDBColumnFamilies(path string, opts *Options, descs []ColumnFamilyDescriptor) (*OptimisticTransactionDB, []*ColumnFamilyHandle, error) {
	db, handles, err := open(path, opts, descs)
	if err != nil {
		return nil, nil, err
	}
	db.readTxn = func() *transaction { return newReadTransaction(db) }
	return &OptimisticTransactionDB{DB: db}, handles, nil
}

// Begin starts an optimistic transaction. Begin never fails: on a closed
// database the transaction reports ErrDBClosed from its first operation.
func (odb *OptimisticTransactionDB) Begin(wo *WriteOptions, to *OptimisticTransactionOptions) *OptimisticTransaction {
	o := newOptimisticTransaction(odb, wo)
	o.mu.Lock()
	o.start(to != nil && to.SetSnapshot)
	o.mu.Unlock()
	return o
}
