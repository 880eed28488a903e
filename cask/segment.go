package cask

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	dataFileExt = "cask.data"
	hintFileExt = "cask.hint"
	lockFile    = "cask.lock"
)

// segmentName formats the zero-padded 10-digit base name shared by a
// segment's data and hint files.
func segmentName(id uint32) string {
	return fmt.Sprintf("%010d", id)
}

func dataPath(dir string, id uint32) string {
	return filepath.Join(dir, segmentName(id)+"."+dataFileExt)
}

func hintPath(dir string, id uint32) string {
	return filepath.Join(dir, segmentName(id)+"."+hintFileExt)
}

// segmentWriter owns the active append handles for one segment: the data
// file, its paired hint file, the running write offset, and the running
// hash state fed by every hint written so far.
type segmentWriter struct {
	id       uint32
	dataFile *os.File
	hintFile *os.File
	offset   int64
	hintHash *hintHasher
	sync     bool
	closed   bool
}

// newSegmentWriter creates (or reopens, for an in-progress active segment)
// the data+hint file pair for id and positions both at end-of-file.
func newSegmentWriter(dir string, id uint32, sync bool) (*segmentWriter, error) {
	df, err := os.OpenFile(dataPath(dir, id), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open data segment %d: %w", id, err)
	}

	hf, err := os.OpenFile(hintPath(dir, id), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		_ = df.Close()
		return nil, fmt.Errorf("open hint segment %d: %w", id, err)
	}

	info, err := df.Stat()
	if err != nil {
		_ = df.Close()
		_ = hf.Close()
		return nil, fmt.Errorf("stat data segment %d: %w", id, err)
	}

	return &segmentWriter{id: id, dataFile: df, hintFile: hf, offset: info.Size(), hintHash: newHintHasher(), sync: sync}, nil
}

// write appends e to the data file, mirrors a hint for it into the hint
// file, advances the write offset, and folds the hint bytes into the
// running trailer hash. It returns the absolute offset e was written at.
func (w *segmentWriter) write(e entry) (int64, error) {
	entryPos := w.offset

	encoded, err := encodeEntry(e)
	if err != nil {
		return 0, err
	}
	if _, err := w.dataFile.Write(encoded); err != nil {
		return 0, fmt.Errorf("write data segment %d: %w", w.id, err)
	}

	h := hint{
		sequence:  e.sequence,
		deleted:   e.deleted,
		key:       e.key,
		entryPos:  uint64(entryPos),
		entrySize: uint64(len(encoded)),
	}
	encodedHint := encodeHint(h)
	if _, err := w.hintFile.Write(encodedHint); err != nil {
		return 0, fmt.Errorf("write hint segment %d: %w", w.id, err)
	}
	w.hintHash.write(encodedHint)

	w.offset += int64(len(encoded))

	if w.sync {
		if err := w.dataFile.Sync(); err != nil {
			return 0, fmt.Errorf("sync data segment %d: %w", w.id, err)
		}
	}

	return entryPos, nil
}

// close appends the accumulated trailer hash to the hint file and releases
// both handles. In sync mode it issues a final data-file sync first.
func (w *segmentWriter) close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.sync {
		if err := w.dataFile.Sync(); err != nil {
			return fmt.Errorf("final sync data segment %d: %w", w.id, err)
		}
	}

	trailer := make([]byte, hintTrailerLen)
	putUint32(trailer, w.hintHash.sum32())
	if _, err := w.hintFile.Write(trailer); err != nil {
		return fmt.Errorf("write hint trailer segment %d: %w", w.id, err)
	}

	if err := w.hintFile.Close(); err != nil {
		return fmt.Errorf("close hint segment %d: %w", w.id, err)
	}
	if err := w.dataFile.Close(); err != nil {
		return fmt.Errorf("close data segment %d: %w", w.id, err)
	}

	return nil
}

// abort removes a writer's files entirely, used to roll back a compaction
// segment that never got to swap_file.
func (w *segmentWriter) abort() error {
	_ = w.dataFile.Close()
	_ = w.hintFile.Close()

	var err error
	if rerr := os.Remove(w.dataFile.Name()); rerr != nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	if rerr := os.Remove(w.hintFile.Name()); rerr != nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	return err
}
