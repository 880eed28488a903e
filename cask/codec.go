package cask

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrCorruptRecord is returned when a data-file record fails its checksum
// or declares lengths that run past the bytes actually available.
var ErrCorruptRecord = errors.New("cask: corrupt record")

// ErrCorruptHintFile names the condition of a hint file whose trailer does
// not match the recomputed hash. No code path returns it: validateHintFile
// reports that condition as an invalid file, and the caller recovers by
// recreating the hint file from its segment.
var ErrCorruptHintFile = errors.New("cask: corrupt hint file")

const (
	deletedFlag byte = 1 << 0

	// checksum(4) + sequence(8) + keyLen(2) + valueLen(4) + flag(1)
	dataHeaderLen = 4 + 8 + 2 + 4 + 1

	// sequence(8) + keyLen(2) + entryPos(8) + entrySize(8) + flag(1)
	hintHeaderLen = 8 + 2 + 8 + 8 + 1

	hintTrailerLen = 4

	maxKeyLen = 1<<16 - 1
)

// entry is a single durable data-file record.
type entry struct {
	sequence uint64
	deleted  bool
	key      []byte
	value    []byte
}

// size returns the exact number of bytes entry occupies on disk, computed
// purely from the key/value lengths and the fixed header size, so the
// iterator can step forward without re-decoding.
func (e entry) size() int64 {
	return int64(dataHeaderLen + len(e.key) + len(e.value))
}

// encodeEntry serializes e into its on-disk byte-exact layout, with the
// checksum computed over everything after the checksum field.
func encodeEntry(e entry) ([]byte, error) {
	if len(e.key) > maxKeyLen {
		return nil, fmt.Errorf("cask: key too long: %d bytes", len(e.key))
	}

	buf := make([]byte, dataHeaderLen+len(e.key)+len(e.value))
	body := buf[4:]

	binary.LittleEndian.PutUint64(body, e.sequence)
	binary.LittleEndian.PutUint16(body[8:], uint16(len(e.key)))
	binary.LittleEndian.PutUint32(body[10:], uint32(len(e.value)))
	if e.deleted {
		body[14] = deletedFlag
	}
	n := copy(body[15:], e.key)
	copy(body[15+n:], e.value)

	binary.LittleEndian.PutUint32(buf, hash32(body))
	return buf, nil
}

// decodeEntry reads exactly one entry from r, returning the number of
// bytes consumed alongside it. r is read sequentially: the header first,
// then key+value sized per the header's declared lengths.
func decodeEntry(r io.Reader) (entry, int64, error) {
	var hdr [dataHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return entry{}, 0, err
	}

	checksum := binary.LittleEndian.Uint32(hdr[:4])
	sequence := binary.LittleEndian.Uint64(hdr[4:12])
	keyLen := binary.LittleEndian.Uint16(hdr[12:14])
	valueLen := binary.LittleEndian.Uint32(hdr[14:18])
	flag := hdr[18]

	payload := make([]byte, int(keyLen)+int(valueLen))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return entry{}, 0, fmt.Errorf("%w: truncated payload", ErrCorruptRecord)
		}
		return entry{}, 0, err
	}

	if computed := hash32(append(hdr[4:], payload...)); computed != checksum {
		return entry{}, 0, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	e := entry{
		sequence: sequence,
		deleted:  flag&deletedFlag != 0,
		key:      append([]byte(nil), payload[:keyLen]...),
		value:    append([]byte(nil), payload[keyLen:]...),
	}
	return e, e.size(), nil
}

// hint is the compact descriptor mirroring an entry, minus the value.
type hint struct {
	sequence  uint64
	deleted   bool
	key       []byte
	entryPos  uint64
	entrySize uint64
}

func encodeHint(h hint) []byte {
	buf := make([]byte, hintHeaderLen+len(h.key))
	binary.LittleEndian.PutUint64(buf, h.sequence)
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(h.key)))
	binary.LittleEndian.PutUint64(buf[10:], h.entryPos)
	binary.LittleEndian.PutUint64(buf[18:], h.entrySize)
	if h.deleted {
		buf[26] = deletedFlag
	}
	copy(buf[hintHeaderLen:], h.key)
	return buf
}

func decodeHint(r io.Reader) (hint, error) {
	var hdr [hintHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return hint{}, err
	}

	sequence := binary.LittleEndian.Uint64(hdr[:8])
	keyLen := binary.LittleEndian.Uint16(hdr[8:10])
	entryPos := binary.LittleEndian.Uint64(hdr[10:18])
	entrySize := binary.LittleEndian.Uint64(hdr[18:26])
	flag := hdr[26]

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return hint{}, err
	}

	return hint{
		sequence:  sequence,
		deleted:   flag&deletedFlag != 0,
		key:       key,
		entryPos:  entryPos,
		entrySize: entrySize,
	}, nil
}

func (h hint) entry(r io.ReaderAt) (entry, error) {
	sr := io.NewSectionReader(r, int64(h.entryPos), int64(h.entrySize))
	e, _, err := decodeEntry(sr)
	return e, err
}
