package cask

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"
)

// ErrAlreadyOpen is returned by Open when another engine instance already
// holds the exclusive lock on the directory.
var ErrAlreadyOpen = errors.New("cask: database already open")

const defaultSizeThreshold = 2 * 1024 * 1024 * 1024 // 2 GiB

// logManager owns the on-disk directory: the exclusive lock file, the
// ordered set of sealed segment IDs, the active segment writer, and the
// machinery for rollover and compaction's segment replacement.
type logManager struct {
	dir           string
	lock          *flock.Flock
	sealed        []uint32 // ascending, sealed (read-only) segment IDs
	active        *segmentWriter
	sizeThreshold int64
	sync          bool
	nextFileID    atomic.Uint32 // last id allocated; newFileID hands out its successor
}

// openLogManager acquires the directory lock, discovers sealed segments,
// and opens a fresh active segment one past the highest sealed ID.
func openLogManager(dir string, sizeThreshold int64, sync bool) (*logManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %q: %w", dir, err)
	}
	if !locked {
		return nil, ErrAlreadyOpen
	}

	sealed, err := discoverSegmentIDs(dir)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("discover segments: %w", err)
	}

	if err := logOrphanedSegments(dir, sealed); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("check orphaned segments: %w", err)
	}

	var activeID uint32
	if len(sealed) > 0 {
		activeID = sealed[len(sealed)-1] + 1
	}

	active, err := newSegmentWriter(dir, activeID, sync)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open active segment %d: %w", activeID, err)
	}

	lm := &logManager{
		dir:           dir,
		lock:          lock,
		sealed:        sealed,
		active:        active,
		sizeThreshold: sizeThreshold,
		sync:          sync,
	}
	lm.nextFileID.Store(activeID)

	return lm, nil
}

// sealedIDs returns a copy of the sorted sealed segment IDs.
func (lm *logManager) sealedIDs() []uint32 {
	out := make([]uint32, len(lm.sealed))
	copy(out, lm.sealed)
	return out
}

// appendEntry writes e to the active segment, rolling over to a new
// segment first if e would push the active segment past the size
// threshold. Returns the segment ID and offset the entry landed at.
func (lm *logManager) appendEntry(e entry) (uint32, int64, error) {
	if lm.active.offset+e.size() > lm.sizeThreshold {
		if err := lm.rollover(); err != nil {
			return 0, 0, err
		}
	}

	offset, err := lm.active.write(e)
	if err != nil {
		return 0, 0, err
	}

	return lm.active.id, offset, nil
}

// rollover seals the current active segment and opens a new one.
func (lm *logManager) rollover() error {
	sealedID := lm.active.id
	if err := lm.active.close(); err != nil {
		return fmt.Errorf("seal segment %d: %w", sealedID, err)
	}
	lm.sealed = append(lm.sealed, sealedID)

	newID := lm.newFileID()
	active, err := newSegmentWriter(lm.dir, newID, lm.sync)
	if err != nil {
		return fmt.Errorf("open active segment %d: %w", newID, err)
	}
	lm.active = active

	return nil
}

// readEntryAt opens an independent handle to segmentID and decodes
// exactly one record bounded to [offset, offset+size), never contending
// with the active writer. Bounding the read to the hint's own entrySize
// keeps a corrupt or stale pointer from reading into a neighboring
// record instead of failing closed.
func (lm *logManager) readEntryAt(segmentID uint32, offset, size int64) (entry, error) {
	f, err := os.Open(dataPath(lm.dir, segmentID))
	if err != nil {
		return entry{}, fmt.Errorf("open segment %d: %w", segmentID, err)
	}
	defer f.Close()

	h := hint{entryPos: uint64(offset), entrySize: uint64(size)}
	e, err := h.entry(f)
	if err != nil {
		return entry{}, fmt.Errorf("decode segment %d at %d: %w", segmentID, offset, err)
	}
	return e, nil
}

// newFileID atomically claims the next unused segment ID. Compaction uses
// this to get a non-conflicting ID without holding the write lock.
func (lm *logManager) newFileID() uint32 {
	return lm.nextFileID.Add(1)
}

// newCompactionWriter opens a fresh segment writer at id, independent of
// the active segment, for compaction's output.
func (lm *logManager) newCompactionWriter(id uint32) (*segmentWriter, error) {
	return newSegmentWriter(lm.dir, id, false)
}

// swapFile removes oldID from the sealed list, inserts newID in sorted
// position, and deletes the old segment's data and hint files.
func (lm *logManager) swapFile(oldID, newID uint32) error {
	idx := -1
	for i, id := range lm.sealed {
		if id == oldID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("swap_file: segment %d not sealed", oldID)
	}

	lm.sealed = append(lm.sealed[:idx], lm.sealed[idx+1:]...)
	lm.sealed = insertSorted(lm.sealed, newID)

	if err := os.Remove(dataPath(lm.dir, oldID)); err != nil {
		return fmt.Errorf("remove old data segment %d: %w", oldID, err)
	}
	if err := os.Remove(hintPath(lm.dir, oldID)); err != nil {
		return fmt.Errorf("remove old hint segment %d: %w", oldID, err)
	}

	return nil
}

func insertSorted(ids []uint32, id uint32) []uint32 {
	i := 0
	for i < len(ids) && ids[i] < id {
		i++
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// close seals the active segment and releases the directory lock.
func (lm *logManager) close() error {
	if err := lm.active.close(); err != nil {
		return err
	}
	return lm.lock.Unlock()
}
