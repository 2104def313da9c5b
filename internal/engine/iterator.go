package engine

// errorIterator is an always-invalid iterator carrying an error.
type errorIterator struct {
	err error
}

// NewErrorIterator returns an iterator that is never valid and reports err.
func NewErrorIterator(err error) Iterator {
	return &errorIterator{err: err}
}

func (it *errorIterator) First() bool          { return false }
func (it *errorIterator) Last() bool           { return false }
func (it *errorIterator) Seek(key []byte) bool { return false }
func (it *errorIterator) Next() bool           { return false }
func (it *errorIterator) Prev() bool           { return false }
func (it *errorIterator) Valid() bool          { return false }
func (it *errorIterator) Key() []byte          { return nil }
func (it *errorIterator) Value() []byte        { return nil }
func (it *errorIterator) Error() error         { return it.err }
func (it *errorIterator) Release()             {}
