package options

import "time"

const (
	// Specifies the default base directory where IgniteDB will store its data files.
	// If no other directory is specified during initialization, this path will be used.
	DefaultDataDir = "/var/lib/ignitedb"

	// Represents the minimum allowed size for a segment file in bytes (512MB).
	MinSegmentSize uint64 = 512 * 1024 * 1024

	// Represents the maximum allowed size for a segment file in bytes (4GB).
	MaxSegmentSize uint64 = 4 * 1024 * 1024 * 1024

	// Specifies the default target size for a new segment file in bytes (1GB).
	DefaultSegmentSize uint64 = 1 * 1024 * 1024 * 1024

	// Specifies the default subdirectory within the main data directory
	// where segment files will be stored.
	DefaultSegmentDirectory = "/segments"

	// Defines the default prefix for segment file names.
	// With this prefix the backing file is named "segment.seg".
	DefaultSegmentPrefix = "segment"

	// DefaultTrieInitialCapacityClass is the capacity class (see spec's
	// 8/16/32/64/128/256 growth ladder) a brand-new trie node starts at.
	DefaultTrieInitialCapacityClass = 8

	// DefaultReindexerThreshold is the default ReindexerThreshold; it is only
	// validated, and no node keeps a reindexer hash table.
	DefaultReindexerThreshold = 32

	// DefaultIsolation is the isolation policy new transactions start with.
	DefaultIsolation = IsolationPrevent

	// DefaultLockRetryMaxAttempts bounds the ConcurrentLock retry helper.
	DefaultLockRetryMaxAttempts = 8

	// DefaultLockRetryInitialBackoff is the first backoff delay of the retry helper.
	DefaultLockRetryInitialBackoff = 500 * time.Microsecond

	// DefaultGCWakeInterval bounds how long the history GC worker sleeps
	// between condition-variable wakeups.
	DefaultGCWakeInterval = 2 * time.Second

	// DefaultHistoryBackend selects the in-memory change-history family.
	DefaultHistoryBackend = "memory"

	// DefaultNodePoolCapacity is the number of trie-node cells allocated per
	// segment by the fixed-size pool.
	DefaultNodePoolCapacity uint32 = 4096
)

// Holds the default configuration settings for an IgniteDB instance.
var defaultOptions = Options{
	DataDir: DefaultDataDir,
	SegmentOptions: &segmentOptions{
		Size:      DefaultSegmentSize,
		Prefix:    DefaultSegmentPrefix,
		Directory: DefaultSegmentDirectory,
	},
	TrieOptions: &TrieOptions{
		InitialCapacityClass: DefaultTrieInitialCapacityClass,
		ReindexerThreshold:   DefaultReindexerThreshold,
	},
	TransactionOptions: &TransactionOptions{
		Isolation:               DefaultIsolation,
		LockRetryMaxAttempts:    DefaultLockRetryMaxAttempts,
		LockRetryInitialBackoff: DefaultLockRetryInitialBackoff,
		GCWakeInterval:          DefaultGCWakeInterval,
		HistoryBackend:          DefaultHistoryBackend,
	},
	AllocatorOptions: &AllocatorOptions{
		NodePoolCapacity: DefaultNodePoolCapacity,
	},
}

func NewDefaultOptions() Options {
	return defaultOptions
}
