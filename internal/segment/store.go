// Package segment implements the backing file and segment topology (C1/C2
// in SPEC_FULL.md): a single file, memory-mapped in fixed-size aligned
// chunks called segments, each laid out according to a compile-time
// Topology of Slots. It is the lowest layer of the store. The event-
// sourcing transaction manager (internal/txn) reads and writes blocks
// through its raw readonly/writable block accessors; the allocator slots
// (internal/alloc) and the trie-residence slot also call those accessors
// directly, through the accessor they are constructed with, to format and
// maintain their own headers and bookkeeping.
package segment

import (
	"container/list"
	"fmt"
	"os"
	"sync"

	"github.com/iamNilotpal/ignite/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultMaxMappedSegments bounds how many segments the Store keeps mapped
// at once. Eviction only unmaps the OS view; it never discards data, and is
// safe because every consumer of a raw block copies it into a transaction-
// owned shadow buffer before the mapping could be evicted from under it.
const DefaultMaxMappedSegments = 64

// Store owns the backing file, the segment size, and a bounded LRU of
// memory mappings. Size-changing operations are serialized by fileMu and
// mapping changes by mapMu; block-level concurrency is handled one layer up,
// by the transaction manager.
type Store struct {
	path        string
	file        *os.File
	segmentSize uint32
	topology    *Topology
	log         *zap.SugaredLogger

	fileMu sync.Mutex // serializes EnsureSegment / growth and segment-count reads

	mapMu     sync.Mutex
	mappings  map[uint32][]byte
	lru       *list.List
	lruIndex  map[uint32]*list.Element
	maxMapped int

	segCount uint32
}

// Open opens an existing file (validating its magic and inheriting its
// segment size) or bootstraps a new one at path, laid out according to
// topology. This mirrors the teacher's storage.New bootstrap-or-continue
// shape, generalized from "one active append file" to "N fixed segments".
//
// bind, if non-nil, runs the instant the Store is constructed but before
// segment 0 is formatted or reopened. Every topology Slot needs a
// BlockAccessor at construction time, before any Store exists to be that
// accessor — callers work around this by handing slots a late-bound
// accessor and using bind to resolve it to the real Store at the one point
// it becomes available mid-bootstrap.
func Open(path string, segmentSize uint32, topology *Topology, log *zap.SugaredLogger, maxMapped int, bind func(*Store)) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if maxMapped <= 0 {
		maxMapped = DefaultMaxMappedSegments
	}

	segmentSize = AlignUp(segmentSize)

	file, existed, err := openOrCreateFile(path)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, path, path)
	}

	s := &Store{
		path:        path,
		file:        file,
		segmentSize: segmentSize,
		topology:    topology,
		log:         log,
		mappings:    make(map[uint32][]byte),
		lru:         list.New(),
		lruIndex:    make(map[uint32]*list.Element),
		maxMapped:   maxMapped,
	}
	if bind != nil {
		bind(s)
	}

	if !existed {
		log.Infow("bootstrapping new backing file", "path", path, "segmentSize", segmentSize)
		if err := s.EnsureSegment(0); err != nil {
			file.Close()
			return nil, err
		}
		return s, nil
	}

	if err := s.reopenExisting(); err != nil {
		file.Close()
		return nil, err
	}
	log.Infow("opened existing backing file", "path", path, "segments", s.segCount, "segmentSize", s.segmentSize)
	return s, nil
}

func openOrCreateFile(path string) (*os.File, bool, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, err
	}
	return file, existed, nil
}

// reopenExisting validates segment 0's header, inherits its segment size
// and scans the file length to recover the segment count, then opens every
// registered topology slot for every existing segment.
func (s *Store) reopenExisting() error {
	info, err := s.file.Stat()
	if err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat backing file").WithPath(s.path)
	}

	raw, err := s.mapRaw(0, headerSize)
	if err != nil {
		return err
	}
	hdr, err := decodeSegmentHeader(raw)
	if err != nil {
		return err
	}
	s.segmentSize = hdr.segmentSize

	if s.segmentSize == 0 || uint64(info.Size())%uint64(s.segmentSize) != 0 {
		return errors.NewStorageError(
			nil, errors.ErrorCodeSegmentCorrupted, "backing file length is not a multiple of the segment size",
		).WithPath(s.path)
	}
	s.segCount = uint32(uint64(info.Size()) / uint64(s.segmentSize))

	for i := uint32(0); i < s.segCount; i++ {
		if err := s.openSegmentSlots(i); err != nil {
			return err
		}
	}
	return nil
}

// EnsureSegment guarantees that segment i exists, creating (and zero-
// filling) it — and every segment before it that does not yet exist — if
// necessary, then maps it and runs the topology's on-new-segment hooks.
func (s *Store) EnsureSegment(i uint32) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	for s.segCount <= i {
		if err := s.createNextSegmentLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createNextSegmentLocked() error {
	idx := s.segCount
	newLen := int64(idx+1) * int64(s.segmentSize)

	if err := s.file.Truncate(newLen); err != nil {
		return errors.ClassifySyncError(err, s.path, s.path, int(newLen))
	}
	if err := s.file.Sync(); err != nil {
		return errors.ClassifySyncError(err, s.path, s.path, int(newLen))
	}

	s.segCount = idx + 1

	raw, err := s.mapRaw(idx, s.segmentSize)
	if err != nil {
		return err
	}

	hdr := segmentHeader{magic: Magic, segmentSize: s.segmentSize}
	hdr.encode(raw[0:headerSize])

	offsets := make([]uint32, len(s.topology.Slots()))
	cursor := AlignUp(topologyHeaderOffset + topologyHeaderByteSize(len(offsets)))
	for si, slot := range s.topology.Slots() {
		addr := NewFarAddr(idx, cursor)
		size, err := slot.ByteSize(addr)
		if err != nil {
			return err
		}
		if size == 0 {
			offsets[si] = EOS
			continue
		}
		offsets[si] = cursor
		cursor = AlignUp(cursor + size)
	}
	if cursor > s.segmentSize {
		return errors.NewStorageError(
			nil, errors.ErrorCodeNoMemory, "topology slots do not fit inside one segment",
		).WithSegmentID(int(idx)).WithDetail("required", cursor).WithDetail("segmentSize", s.segmentSize)
	}

	th := topologyHeader{slotCount: uint16(len(offsets)), slotOffsets: offsets}
	th.encode(raw[topologyHeaderOffset:])
	s.topology.recordOffsets(idx, offsets)

	for si, slot := range s.topology.Slots() {
		if offsets[si] == EOS {
			continue
		}
		if err := slot.OnNewSegment(NewFarAddr(idx, offsets[si])); err != nil {
			return err
		}
	}

	s.log.Infow("created segment", "segmentIndex", idx, "segmentSize", s.segmentSize)
	return nil
}

// openSegmentSlots reads segment i's topology header and invokes Open on
// every slot present in it.
func (s *Store) openSegmentSlots(i uint32) error {
	raw, err := s.mapRaw(i, s.segmentSize)
	if err != nil {
		return err
	}
	if _, err := decodeSegmentHeader(raw[0:headerSize]); err != nil {
		return err
	}
	th := decodeTopologyHeader(raw[topologyHeaderOffset:])
	s.topology.recordOffsets(i, th.slotOffsets)

	for si, slot := range s.topology.Slots() {
		if si >= len(th.slotOffsets) || th.slotOffsets[si] == EOS {
			continue
		}
		if err := slot.Open(NewFarAddr(i, th.slotOffsets[si])); err != nil {
			return err
		}
	}
	return nil
}

// AvailableSegments returns how many segments currently exist in the file.
func (s *Store) AvailableSegments() uint32 {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return s.segCount
}

// SegmentSize returns the fixed, file-wide segment size.
func (s *Store) SegmentSize() uint32 {
	return s.segmentSize
}

// ReadonlyBlock returns a copy of len bytes at addr. It is "raw": it applies
// no transaction overlay. internal/txn layers transaction-local writes on
// top of it; the allocator and trie-residence slots call it directly.
func (s *Store) ReadonlyBlock(addr FarAddr, length uint32) ([]byte, error) {
	raw, err := s.mapRaw(addr.Segment(), s.segmentSize)
	if err != nil {
		return nil, err
	}
	start := addr.Offset()
	if uint64(start)+uint64(length) > uint64(len(raw)) {
		return nil, errors.NewStorageError(
			nil, errors.ErrorCodePayloadReadFailure, "block extends past segment end",
		).WithSegmentID(int(addr.Segment())).WithOffset(int(start))
	}
	out := make([]byte, length)
	copy(out, raw[start:start+length])
	return out, nil
}

// WritableBlock copies src into the raw segment mapping at addr. It is the
// only way bytes are ever mutated in the mapping; internal/txn calls it once
// per staged block at commit time, and the allocator and trie-residence
// slots call it directly, outside any transaction, for their own headers
// and bookkeeping.
func (s *Store) WritableBlock(addr FarAddr, src []byte) error {
	raw, err := s.mapRaw(addr.Segment(), s.segmentSize)
	if err != nil {
		return err
	}
	start := addr.Offset()
	if uint64(start)+uint64(len(src)) > uint64(len(raw)) {
		return errors.NewStorageError(
			nil, errors.ErrorCodeOverlappingBlock, "write extends past segment end",
		).WithSegmentID(int(addr.Segment())).WithOffset(int(start))
	}
	copy(raw[start:start+uint32(len(src))], src)
	return nil
}

// Flush msyncs every currently-mapped segment, used after a batch of
// commits to guarantee durability before acknowledging to the caller.
func (s *Store) Flush() error {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	for idx, m := range s.mappings {
		if err := unix.Msync(m, unix.MS_SYNC); err != nil {
			return errors.NewStorageError(err, errors.ErrorCodeMemoryMapping, "msync failed").
				WithSegmentID(int(idx))
		}
	}
	return nil
}

// Close unmaps every segment and closes the backing file.
func (s *Store) Close() error {
	s.mapMu.Lock()
	for idx, m := range s.mappings {
		if err := unix.Munmap(m); err != nil {
			s.log.Errorw("failed to munmap segment on close", "segmentIndex", idx, "error", err)
		}
	}
	s.mappings = make(map[uint32][]byte)
	s.lru = list.New()
	s.lruIndex = make(map[uint32]*list.Element)
	s.mapMu.Unlock()

	return s.file.Close()
}

// CheckIntegrity walks every segment and invokes every slot's
// CheckIntegrity hook. Debug-only, per SPEC_FULL.md's supplemented
// integrity-check pass.
func (s *Store) CheckIntegrity() error {
	n := s.AvailableSegments()
	for i := uint32(0); i < n; i++ {
		for si, slot := range s.topology.Slots() {
			off, ok := s.topology.SlotOffset(i, si)
			if !ok {
				continue
			}
			if err := slot.CheckIntegrity(NewFarAddr(i, off)); err != nil {
				return fmt.Errorf("segment %d slot %s: %w", i, slot.Name(), err)
			}
		}
	}
	return nil
}

// mapRaw returns the mapped byte slice for segment idx, mapping it (and
// possibly evicting the least-recently-used mapping) on a cache miss.
func (s *Store) mapRaw(idx uint32, length uint32) ([]byte, error) {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	if m, ok := s.mappings[idx]; ok {
		s.lru.MoveToFront(s.lruIndex[idx])
		return m, nil
	}

	if len(s.mappings) >= s.maxMapped {
		s.evictOldestLocked()
	}

	m, err := unix.Mmap(int(s.file.Fd()), int64(idx)*int64(length), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeMemoryMapping, "mmap failed").
			WithSegmentID(int(idx))
	}

	s.mappings[idx] = m
	s.lruIndex[idx] = s.lru.PushFront(idx)
	return m, nil
}

func (s *Store) evictOldestLocked() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	idx := back.Value.(uint32)
	if m, ok := s.mappings[idx]; ok {
		if err := unix.Munmap(m); err != nil {
			s.log.Warnw("failed to munmap evicted segment", "segmentIndex", idx, "error", err)
		}
		delete(s.mappings, idx)
	}
	s.lru.Remove(back)
	delete(s.lruIndex, idx)
}
