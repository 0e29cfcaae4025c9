package errors

// TrieError provides specialized error handling for radix-trie structural
// operations (node navigation, splitting, growth). It embeds baseError the
// same way StorageError does, adding the context that matters when a trie
// invariant is violated: which key/node/byte position was being processed.
type TrieError struct {
	*baseError

	// key is the full key (or prefix) being navigated when the error occurred.
	key []byte

	// nodeAddr is a string rendering of the far address of the node involved,
	// kept as a string so this package doesn't need to import internal/segment.
	nodeAddr string

	// byteKey is the byte-key offset within the node where the failure occurred.
	byteKey byte

	// capacityClass is the node capacity class at the time of the error,
	// relevant for ErrorCodeGrowthFailed.
	capacityClass int
}

// NewTrieError creates a new trie-specific error with the provided context.
func NewTrieError(err error, code ErrorCode, msg string) *TrieError {
	return &TrieError{baseError: NewBaseError(err, code, msg)}
}

// WithMessage updates the error message while maintaining the TrieError type.
func (te *TrieError) WithMessage(msg string) *TrieError {
	te.baseError.WithMessage(msg)
	return te
}

// WithCode sets the error code while preserving the TrieError type.
func (te *TrieError) WithCode(code ErrorCode) *TrieError {
	te.baseError.WithCode(code)
	return te
}

// WithDetail adds contextual information while maintaining the TrieError type.
func (te *TrieError) WithDetail(key string, value any) *TrieError {
	te.baseError.WithDetail(key, value)
	return te
}

// WithKey records the full key (or prefix) being processed.
func (te *TrieError) WithKey(key []byte) *TrieError {
	te.key = key
	return te
}

// WithNodeAddr records which node (as a formatted far address) was involved.
func (te *TrieError) WithNodeAddr(addr string) *TrieError {
	te.nodeAddr = addr
	return te
}

// WithByteKey records the byte-key offset within the node.
func (te *TrieError) WithByteKey(b byte) *TrieError {
	te.byteKey = b
	return te
}

// WithCapacityClass records the node capacity class at the time of failure.
func (te *TrieError) WithCapacityClass(class int) *TrieError {
	te.capacityClass = class
	return te
}

// Key returns the key or prefix that was being processed.
func (te *TrieError) Key() []byte { return te.key }

// NodeAddr returns the formatted far address of the node involved.
func (te *TrieError) NodeAddr() string { return te.nodeAddr }

// ByteKey returns the byte-key offset within the node.
func (te *TrieError) ByteKey() byte { return te.byteKey }

// CapacityClass returns the node capacity class at the time of the error.
func (te *TrieError) CapacityClass() int { return te.capacityClass }

// NewInvalidBlockError creates an error for a corrupt node header or a
// double-free/wrong-segment node reference, matching spec's InvalidBlock kind.
func NewInvalidBlockError(nodeAddr string, cause error) *TrieError {
	return NewTrieError(cause, ErrorCodeInvalidBlock, "trie node block is corrupt or invalid").
		WithNodeAddr(nodeAddr)
}

// NewGrowthFailedError creates an error for a node capacity-class growth that
// could not complete, typically because the underlying allocator is exhausted.
func NewGrowthFailedError(nodeAddr string, fromClass, toClass int, cause error) *TrieError {
	return NewTrieError(cause, ErrorCodeGrowthFailed, "node capacity-class growth failed").
		WithNodeAddr(nodeAddr).
		WithCapacityClass(fromClass).
		WithDetail("targetCapacityClass", toClass)
}
