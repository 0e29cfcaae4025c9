package txn

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/pkg/errors"
	"github.com/iamNilotpal/ignite/pkg/filesys"
	"github.com/iamNilotpal/ignite/pkg/seginfo"
)

// fileRotateThreshold bounds how large one history log file grows before a
// new one is opened, mirroring internal/storage's segment-rotation policy
// applied to the change-history log instead of user data.
const fileRotateThreshold = 64 * 1024 * 1024

const historyLogPrefix = "history"
const historyLogDir = "history"

// fileHistory is the durable History backend: every Record is appended to
// a rotating log file (named and discovered with pkg/seginfo, the same way
// internal/storage names its segments), while an in-memory memHistory
// serves lookups without re-reading the log. Rotated files that are no
// longer the active write target get a Bloom filter built from their
// addresses, so a restart that needs to decide "could this old file matter"
// doesn't have to re-open and scan it.
type fileHistory struct {
	mem *memHistory

	mu       sync.Mutex
	dataDir  string
	activeID uint64
	active   *os.File
	size     int64

	rotated map[uint64]*bloomFilter
}

// NewFileHistory opens (or bootstraps) the rotating change-history log
// under dataDir/history, replaying every existing record into an
// in-memory index before returning.
func NewFileHistory(dataDir string) (History, error) {
	dir := filepath.Join(dataDir, historyLogDir)
	if err := filesys.CreateDir(dir, 0755, true); err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to create history log directory").WithPath(dir)
	}

	fh := &fileHistory{
		mem:     NewMemHistory().(*memHistory),
		dataDir: dir,
		rotated: make(map[uint64]*bloomFilter),
	}

	if err := fh.replayExisting(); err != nil {
		return nil, err
	}
	if err := fh.openActive(); err != nil {
		return nil, err
	}
	return fh, nil
}

func (fh *fileHistory) replayExisting() error {
	pattern := filepath.Join(fh.dataDir, historyLogPrefix+"*.seg")
	files, err := filesys.ReadDir(pattern)
	if err != nil || len(files) == 0 {
		// Bootstrap case: no rotated logs yet.
		return nil
	}
	sort.Strings(files)

	for _, path := range files {
		id, err := seginfo.ParseSegmentID(path, historyLogPrefix)
		if err != nil {
			continue
		}
		if err := fh.replayFile(path, id); err != nil {
			return err
		}
	}
	return nil
}

func (fh *fileHistory) replayFile(path string, id uint64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to read history log for replay").WithPath(path)
	}

	bf := newBloomFilter(1024, 0.01)
	off := 0
	for off < len(data) {
		p, n, err := decodeProfile(data[off:])
		if err != nil {
			break
		}
		_ = fh.mem.Record(p)
		bf.Add(addrKey(p.Range.Addr))
		off += n
	}
	fh.rotated[id] = bf
	fh.activeID = id
	return nil
}

func (fh *fileHistory) openActive() error {
	name := seginfo.GenerateName(fh.activeID+1, historyLogPrefix)
	path := filepath.Join(fh.dataDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to open active history log").WithPath(path)
	}
	fh.activeID++
	fh.active = f
	fh.size = 0
	return nil
}

func (fh *fileHistory) Record(p BlockProfile) error {
	if err := fh.mem.Record(p); err != nil {
		return err
	}

	fh.mu.Lock()
	defer fh.mu.Unlock()

	buf := encodeProfile(p)
	if _, err := fh.active.Write(buf); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to append history record")
	}
	fh.size += int64(len(buf))

	if fh.size >= fileRotateThreshold {
		fh.active.Close()
		if err := fh.openActive(); err != nil {
			return err
		}
	}
	return nil
}

func (fh *fileHistory) Lookup(addr segment.FarAddr, txID uint64) (BlockProfile, bool) {
	return fh.mem.Lookup(addr, txID)
}

func (fh *fileHistory) MarkCommitted(addr segment.FarAddr, txID uint64) {
	fh.mem.MarkCommitted(addr, txID)
}

func (fh *fileHistory) MarkRolledBack(addr segment.FarAddr, txID uint64) {
	fh.mem.MarkRolledBack(addr, txID)
}

func (fh *fileHistory) GC(minActiveEpoch uint64) {
	fh.mem.GC(minActiveEpoch)
}

// Len reports the number of live entries currently retained in the
// in-memory index backing this log.
func (fh *fileHistory) Len() int {
	return fh.mem.Len()
}

func (fh *fileHistory) Close() error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.active != nil {
		return fh.active.Close()
	}
	return nil
}

func addrKey(addr segment.FarAddr) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(addr))
	return buf
}

// encodeProfile serializes a BlockProfile as a length-prefixed record:
// [totalLen u32][segAddr u64][rangeLen u32][txID u64][epoch u64][kind u8][flags u8][shadowLen u32][shadow...]
func encodeProfile(p BlockProfile) []byte {
	shadowLen := len(p.Shadow)
	body := 8 + 4 + 8 + 8 + 1 + 1 + 4 + shadowLen
	buf := make([]byte, 4+body)

	binary.BigEndian.PutUint32(buf[0:4], uint32(body))
	binary.BigEndian.PutUint64(buf[4:12], uint64(p.Range.Addr))
	binary.BigEndian.PutUint32(buf[12:16], p.Range.Len)
	binary.BigEndian.PutUint64(buf[16:24], p.TxID)
	binary.BigEndian.PutUint64(buf[24:32], p.Epoch)
	buf[32] = byte(p.Kind)
	buf[33] = byte(p.Flags)
	binary.BigEndian.PutUint32(buf[34:38], uint32(shadowLen))
	copy(buf[38:], p.Shadow)
	return buf
}

func decodeProfile(src []byte) (BlockProfile, int, error) {
	if len(src) < 4 {
		return BlockProfile{}, 0, fmt.Errorf("truncated history record")
	}
	bodyLen := binary.BigEndian.Uint32(src[0:4])
	total := 4 + int(bodyLen)
	if len(src) < total {
		return BlockProfile{}, 0, fmt.Errorf("truncated history record body")
	}

	body := src[4:total]
	addr := segment.FarAddr(binary.BigEndian.Uint64(body[0:8]))
	length := binary.BigEndian.Uint32(body[8:12])
	txID := binary.BigEndian.Uint64(body[12:20])
	epoch := binary.BigEndian.Uint64(body[20:28])
	kind := BlockKind(body[28])
	flags := BlockFlags(body[29])
	shadowLen := binary.BigEndian.Uint32(body[30:34])
	shadow := make([]byte, shadowLen)
	copy(shadow, body[34:34+int(shadowLen)])

	return BlockProfile{
		Range:  segment.FarRange{Addr: addr, Len: length},
		TxID:   txID,
		Epoch:  epoch,
		Shadow: shadow,
		Kind:   kind,
		Flags:  flags,
	}, total, nil
}
