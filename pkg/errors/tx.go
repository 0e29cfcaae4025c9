package errors

// TxError provides specialized error handling for the event-sourcing
// transaction layer: lock conflicts, lifecycle misuse, and save-point
// sealing. It embeds baseError the same way the other domain error types
// in this package do.
type TxError struct {
	*baseError

	// txID identifies the transaction that raised the error, if any.
	txID uint64

	// conflictingTxID identifies the other transaction holding a conflicting
	// lock, set only for ErrorCodeConcurrentLock.
	conflictingTxID uint64

	// rangeStart/rangeLen describe the byte range involved in the error.
	rangeStart uint64
	rangeLen   uint32
}

// NewTxError creates a new transaction-specific error with the provided context.
func NewTxError(err error, code ErrorCode, msg string) *TxError {
	return &TxError{baseError: NewBaseError(err, code, msg)}
}

// WithMessage updates the error message while maintaining the TxError type.
func (te *TxError) WithMessage(msg string) *TxError {
	te.baseError.WithMessage(msg)
	return te
}

// WithCode sets the error code while preserving the TxError type.
func (te *TxError) WithCode(code ErrorCode) *TxError {
	te.baseError.WithCode(code)
	return te
}

// WithDetail adds contextual information while maintaining the TxError type.
func (te *TxError) WithDetail(key string, value any) *TxError {
	te.baseError.WithDetail(key, value)
	return te
}

// WithTxID records which transaction raised the error.
func (te *TxError) WithTxID(id uint64) *TxError {
	te.txID = id
	return te
}

// WithConflictingTxID records the transaction holding the conflicting lock.
func (te *TxError) WithConflictingTxID(id uint64) *TxError {
	te.conflictingTxID = id
	return te
}

// WithRange records the byte range involved in the error.
func (te *TxError) WithRange(start uint64, length uint32) *TxError {
	te.rangeStart = start
	te.rangeLen = length
	return te
}

// TxID returns the transaction that raised the error.
func (te *TxError) TxID() uint64 { return te.txID }

// ConflictingTxID returns the transaction holding the conflicting lock.
func (te *TxError) ConflictingTxID() uint64 { return te.conflictingTxID }

// Range returns the byte range involved in the error.
func (te *TxError) Range() (start uint64, length uint32) { return te.rangeStart, te.rangeLen }

// NewConcurrentLockError creates the retry-signal error raised when a
// transaction requests a block that overlaps another transaction's
// conflicting lock under isolation policy Prevent.
func NewConcurrentLockError(txID, conflictingTxID uint64, start uint64, length uint32) *TxError {
	return NewTxError(nil, ErrorCodeConcurrentLock, "block overlaps a conflicting lock held by another transaction").
		WithTxID(txID).
		WithConflictingTxID(conflictingTxID).
		WithRange(start, length)
}

// NewTransactionNotStartedError creates the error raised when a write is
// attempted outside of any open transaction.
func NewTransactionNotStartedError() *TxError {
	return NewTxError(nil, ErrorCodeTransactionNotStarted, "no active transaction on this goroutine")
}

// NewRoTransactionStartedError creates the error raised when a write is
// attempted while the calling goroutine only holds a read-only transaction.
func NewRoTransactionStartedError(txID uint64) *TxError {
	return NewTxError(nil, ErrorCodeRoTransactionStarted, "cannot write inside a read-only transaction").
		WithTxID(txID)
}

// NewCannotStartRoTransactionError creates the error raised when a read-only
// transaction is requested while a writing transaction is already open.
func NewCannotStartRoTransactionError(writerTxID uint64) *TxError {
	return NewTxError(nil, ErrorCodeCannotStartRoTransaction, "cannot start a read-only transaction while a writer is open").
		WithConflictingTxID(writerTxID)
}

// NewTransactionGhostStateError creates the error raised when an operation is
// attempted on a save-point after it has been sealed by commit or rollback.
func NewTransactionGhostStateError(txID uint64) *TxError {
	return NewTxError(nil, ErrorCodeTransactionGhostState, "operation attempted on a sealed save-point").
		WithTxID(txID)
}
