package segment

import (
	"encoding/binary"

	ierrors "github.com/iamNilotpal/ignite/pkg/errors"
)

// Magic identifies a valid Ignite backing file. It is written at byte 0 of
// every segment (not just segment 0), so any segment's header can be
// validated in isolation during an integrity check.
var Magic = [4]byte{'m', 'g', 't', 'r'}

// Alignment is the byte boundary every block header and slot start is
// aligned to, matching the file-format contract documented in SPEC_FULL.md.
const Alignment = 16

// headerSize is the fixed byte size of the segment header proper (magic +
// segment size), before the topology header that immediately follows it.
const headerSize = 8

// AlignUp rounds n up to the next multiple of Alignment.
func AlignUp(n uint32) uint32 {
	rem := n % Alignment
	if rem == 0 {
		return n
	}
	return n + (Alignment - rem)
}

// segmentHeader is the fixed prefix written at offset 0 of every segment.
type segmentHeader struct {
	magic       [4]byte
	segmentSize uint32
}

// encode writes the segment header into dst, which must be at least headerSize bytes.
func (h segmentHeader) encode(dst []byte) {
	copy(dst[0:4], h.magic[:])
	binary.NativeEndian.PutUint32(dst[4:8], h.segmentSize)
}

// decodeSegmentHeader reads and validates the segment header from src.
func decodeSegmentHeader(src []byte) (segmentHeader, error) {
	if len(src) < headerSize {
		return segmentHeader{}, ierrors.NewStorageError(
			nil, ierrors.ErrorCodeHeaderReadFailure, "segment too small to contain a header",
		)
	}

	var h segmentHeader
	copy(h.magic[:], src[0:4])
	if h.magic != Magic {
		return segmentHeader{}, ierrors.NewStorageError(
			nil, ierrors.ErrorCodeInvalidSignature, "segment does not start with the \"mgtr\" magic",
		).WithDetail("observedMagic", string(h.magic[:]))
	}
	h.segmentSize = binary.NativeEndian.Uint32(src[4:8])
	return h, nil
}

// topologyHeader records, for a single segment, how many topology slots
// exist and where each one starts. A slot absent from this segment (e.g.
// the trie-residence slot outside segment 0) stores EOS as its offset.
type topologyHeader struct {
	slotCount   uint16
	slotOffsets []uint32
}

// topologyHeaderByteSize returns the aligned size of the encoded topology header for n slots.
func topologyHeaderByteSize(slotCount int) uint32 {
	return AlignUp(uint32(2 + 4*slotCount))
}

func (t topologyHeader) encode(dst []byte) {
	binary.NativeEndian.PutUint16(dst[0:2], t.slotCount)
	for i, off := range t.slotOffsets {
		start := 2 + 4*i
		binary.NativeEndian.PutUint32(dst[start:start+4], off)
	}
}

func decodeTopologyHeader(src []byte) topologyHeader {
	slotCount := binary.NativeEndian.Uint16(src[0:2])
	offsets := make([]uint32, slotCount)
	for i := range offsets {
		start := 2 + 4*i
		offsets[i] = binary.NativeEndian.Uint32(src[start : start+4])
	}
	return topologyHeader{slotCount: slotCount, slotOffsets: offsets}
}

// topologyHeaderOffset is where the topology header begins within a
// segment, immediately after the fixed segment header.
const topologyHeaderOffset = headerSize
