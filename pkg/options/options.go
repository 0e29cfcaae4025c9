// Package options provides data structures and functions for configuring
// the Ignite database. It defines various parameters that control Ignite's
// storage behavior, performance, and maintenance operations, such as
// directory paths, segment characteristics, and transaction isolation.
package options

import (
	"strings"
	"time"

	"github.com/iamNilotpal/ignite/pkg/errors"
)

// Defines configurable parameters for each segment.
// It provides fine-grained control over segment behavior, performance, and resource utilization.
type segmentOptions struct {
	// Defines the fixed size of each memory-mapped segment of the single
	// backing file. When the segments in use run out of room, the file grows
	// by one more segment of this size.
	//
	//  - Default: 1GB
	//  - Maximum: 4GB
	//  - Minimum: 512MB
	Size uint64 `json:"maxSegmentSize"`

	// Specifies where segment files are stored.
	//
	// Default: "/var/lib/ignitedb/segments"
	Directory string `json:"directory"`

	// Defines the filename prefix of the backing file.
	// Final filename will be: `prefix.seg`, inside Directory.
	//
	// Default: "segment"
	//
	// Example: If Prefix is "mydata", the backing file is "mydata.seg".
	Prefix string `json:"prefix"`
}

// IsolationPolicy selects how the change history (C6) resolves another
// transaction's in-flight writes when computing the current transaction's
// view of a block.
type IsolationPolicy int

const (
	// IsolationPrevent raises ConcurrentLock on any conflicting WR block held
	// by another transaction; the caller must retry.
	IsolationPrevent IsolationPolicy = iota
	// IsolationReadCommitted ignores other transactions' WR blocks and serves
	// the last committed (on-disk) image.
	IsolationReadCommitted
	// IsolationReadUncommitted overlays other transactions' WR blocks (dirty read).
	IsolationReadUncommitted
)

// String renders the isolation policy for logging.
func (p IsolationPolicy) String() string {
	switch p {
	case IsolationPrevent:
		return "prevent"
	case IsolationReadCommitted:
		return "read_committed"
	case IsolationReadUncommitted:
		return "read_uncommitted"
	default:
		return "unknown"
	}
}

// TrieOptions tunes the radix trie's node representation.
type TrieOptions struct {
	// InitialCapacityClass is the reindexer/stem/value capacity a brand-new
	// node starts at (must be one of 8, 16, 32, 64, 128, 256).
	InitialCapacityClass int `json:"initialCapacityClass"`

	// ReindexerThreshold is a capacity class that is validated with the
	// other options; no node keeps a reindexer hash table at any capacity,
	// and slot lookups always go through the presence bitset.
	ReindexerThreshold int `json:"reindexerThreshold"`
}

// TransactionOptions tunes the event-sourcing transaction layer (C6/C7).
type TransactionOptions struct {
	// Isolation selects the default isolation policy for new transactions.
	Isolation IsolationPolicy `json:"isolation"`

	// LockRetryMaxAttempts bounds the ConcurrentLock retry helper (§5).
	LockRetryMaxAttempts int `json:"lockRetryMaxAttempts"`

	// LockRetryInitialBackoff is the first backoff delay of the retry helper.
	LockRetryInitialBackoff time.Duration `json:"lockRetryInitialBackoff"`

	// GCWakeInterval bounds how long the change-history GC worker sleeps
	// between condition-variable wakeups, as a safety net against missed signals.
	GCWakeInterval time.Duration `json:"gcWakeInterval"`

	// HistoryBackend selects the change-history storage family: "memory" or
	// "file" (rotating append-only log, see SPEC_FULL.md [HISTORY]).
	HistoryBackend string `json:"historyBackend"`
}

// AllocatorOptions tunes the fixed-size node pool (C4).
type AllocatorOptions struct {
	// NodePoolCapacity is the number of trie-node cells allocated per segment
	// for the fixed-size pool.
	NodePoolCapacity uint32 `json:"nodePoolCapacity"`
}

// Defines the configuration parameters for Ignite DB.
// It provides control over storage, performance and maintenance aspects.
type Options struct {
	// Specifies the base path where files will be stored.
	//
	// Default: "/var/lib/ignitedb"
	DataDir string `json:"dataDir"`

	// Configures segment management including size limits and naming convention.
	SegmentOptions *segmentOptions `json:"segmentOptions"`

	// Configures the radix trie's node representation.
	TrieOptions *TrieOptions `json:"trieOptions"`

	// Configures the event-sourcing transaction layer.
	TransactionOptions *TransactionOptions `json:"transactionOptions"`

	// Configures the fixed-size node pool allocator.
	AllocatorOptions *AllocatorOptions `json:"allocatorOptions"`
}

// OptionFunc is a function type that modifies the Ignite system's configuration.
type OptionFunc func(*Options)

// Applies a predefined set of default configuration values to the Options struct.
func WithDefaultOptions() OptionFunc {
	return func(o *Options) {
		opts := NewDefaultOptions()
		o.DataDir = opts.DataDir
		o.SegmentOptions = opts.SegmentOptions
		o.TrieOptions = opts.TrieOptions
		o.TransactionOptions = opts.TransactionOptions
		o.AllocatorOptions = opts.AllocatorOptions
	}
}

// Sets the primary data directory for Ignite.
func WithDataDir(directory string) OptionFunc {
	return func(o *Options) {
		directory = strings.TrimSpace(directory)
		if directory != "" {
			o.DataDir = directory
		}
	}
}

// Sets the directory specifically for storing segment files.
func WithSegmentDir(directory string) OptionFunc {
	return func(o *Options) {
		directory = strings.TrimSpace(directory)
		if directory != "" {
			o.SegmentOptions.Directory = directory
		}
	}
}

// Sets the file name prefix for segment files.
func WithSegmentPrefix(prefix string) OptionFunc {
	return func(o *Options) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			o.SegmentOptions.Prefix = prefix
		}
	}
}

// Sets the maximum size of individual segment files.
func WithSegmentSize(size uint64) OptionFunc {
	return func(o *Options) {
		if size > MinSegmentSize && size < MaxSegmentSize {
			o.SegmentOptions.Size = size
		}
	}
}

// Sets the default isolation policy new transactions start with.
func WithIsolation(policy IsolationPolicy) OptionFunc {
	return func(o *Options) {
		if o.TransactionOptions == nil {
			o.TransactionOptions = &TransactionOptions{}
		}
		o.TransactionOptions.Isolation = policy
	}
}

// Sets the maximum number of attempts the ConcurrentLock retry helper makes
// before surfacing the error to the caller.
func WithLockRetryMaxAttempts(attempts int) OptionFunc {
	return func(o *Options) {
		if attempts > 0 {
			o.TransactionOptions.LockRetryMaxAttempts = attempts
		}
	}
}

// Sets the change-history storage family ("memory" or "file").
func WithHistoryBackend(backend string) OptionFunc {
	return func(o *Options) {
		backend = strings.TrimSpace(backend)
		if backend == "memory" || backend == "file" {
			o.TransactionOptions.HistoryBackend = backend
		}
	}
}

// Sets the starting capacity class for freshly created trie nodes.
func WithTrieInitialCapacityClass(class int) OptionFunc {
	return func(o *Options) {
		if isCapacityClass(class) {
			o.TrieOptions.InitialCapacityClass = class
		}
	}
}

// Sets the number of node cells allocated per segment by the fixed-size pool.
func WithNodePoolCapacity(capacity uint32) OptionFunc {
	return func(o *Options) {
		if capacity > 0 {
			o.AllocatorOptions.NodePoolCapacity = capacity
		}
	}
}

func isCapacityClass(class int) bool {
	switch class {
	case 8, 16, 32, 64, 128, 256:
		return true
	default:
		return false
	}
}

// Validate rejects an Options value no OptionFunc setter could have caught
// on its own — every setter above only accepts values that are individually
// sane, but it takes a completed Options to tell a required field is still
// empty or that two fields now disagree. Call it once after applying every
// OptionFunc, before it is handed to engine construction.
func (o *Options) Validate() error {
	if strings.TrimSpace(o.DataDir) == "" {
		return errors.NewRequiredFieldError("dataDir")
	}
	if o.SegmentOptions == nil {
		return errors.NewRequiredFieldError("segmentOptions")
	}
	if o.SegmentOptions.Size <= MinSegmentSize || o.SegmentOptions.Size >= MaxSegmentSize {
		return errors.NewFieldRangeError("segmentOptions.maxSegmentSize", o.SegmentOptions.Size, MinSegmentSize, MaxSegmentSize)
	}
	if strings.TrimSpace(o.SegmentOptions.Directory) == "" {
		return errors.NewRequiredFieldError("segmentOptions.directory")
	}
	if strings.TrimSpace(o.SegmentOptions.Prefix) == "" {
		return errors.NewRequiredFieldError("segmentOptions.prefix")
	}

	if o.TrieOptions == nil {
		return errors.NewRequiredFieldError("trieOptions")
	}
	if !isCapacityClass(o.TrieOptions.InitialCapacityClass) {
		return errors.NewFieldFormatError("trieOptions.initialCapacityClass", o.TrieOptions.InitialCapacityClass, "one of 8, 16, 32, 64, 128, 256")
	}
	if !isCapacityClass(o.TrieOptions.ReindexerThreshold) {
		return errors.NewFieldFormatError("trieOptions.reindexerThreshold", o.TrieOptions.ReindexerThreshold, "one of 8, 16, 32, 64, 128, 256")
	}

	if o.TransactionOptions == nil {
		return errors.NewRequiredFieldError("transactionOptions")
	}
	if o.TransactionOptions.LockRetryMaxAttempts <= 0 {
		return errors.NewFieldRangeError("transactionOptions.lockRetryMaxAttempts", o.TransactionOptions.LockRetryMaxAttempts, 1, nil)
	}
	if o.TransactionOptions.HistoryBackend != "memory" && o.TransactionOptions.HistoryBackend != "file" {
		return errors.NewFieldFormatError("transactionOptions.historyBackend", o.TransactionOptions.HistoryBackend, `"memory" or "file"`)
	}

	if o.AllocatorOptions == nil {
		return errors.NewRequiredFieldError("allocatorOptions")
	}
	if o.AllocatorOptions.NodePoolCapacity == 0 {
		return errors.NewFieldRangeError("allocatorOptions.nodePoolCapacity", o.AllocatorOptions.NodePoolCapacity, 1, nil)
	}

	return nil
}
