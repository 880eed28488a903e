package cask

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
)

// countingReader wraps a reader and tracks the number of bytes that have
// passed through Read, so the data iterator can assert that its own
// bookkeeping of the cursor matches what the codec actually consumed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// dataEntryScanner sequentially decodes a data segment from offset 0,
// yielding (entryPos, entry) pairs. It is finite and non-restartable, and
// recovers silently from a truncated or corrupt tail by stopping and
// exposing how many bytes were validated via validEnd.
type dataEntryScanner struct {
	cr       *countingReader
	validEnd int64
	cur      entry
	curPos   int64
	ioErr    error
}

func newDataEntryScanner(f *os.File, size int64) *dataEntryScanner {
	sr := io.NewSectionReader(f, 0, size)
	return &dataEntryScanner{cr: &countingReader{r: bufio.NewReader(sr)}}
}

// scan advances to the next entry, returning false when the segment is
// exhausted or its tail is truncated/corrupt. Callers distinguish a real
// I/O failure via err(); anything else is a recoverable end-of-data.
func (s *dataEntryScanner) scan() bool {
	if s.ioErr != nil {
		return false
	}

	startPos := s.validEnd
	before := s.cr.n

	e, claimedSize, err := decodeEntry(s.cr)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false
		}
		if errors.Is(err, ErrCorruptRecord) || errors.Is(err, io.ErrUnexpectedEOF) {
			log.Printf("cask: truncating segment at offset %d: %v", startPos, err)
			return false
		}
		s.ioErr = err
		return false
	}

	consumed := s.cr.n - before
	if consumed != claimedSize {
		panic(fmt.Sprintf("cask: codec drift: entry claimed %d bytes, scanner consumed %d", claimedSize, consumed))
	}

	s.cur = e
	s.curPos = startPos
	s.validEnd += consumed
	return true
}

func (s *dataEntryScanner) err() error { return s.ioErr }

// hintScanner sequentially decodes a (already trailer-validated) hint
// file view.
type hintScanner struct {
	r   *bufio.Reader
	cur hint
	err error
}

func newHintScanner(r io.Reader) *hintScanner {
	return &hintScanner{r: bufio.NewReader(r)}
}

func (s *hintScanner) scan() bool {
	if s.err != nil {
		return false
	}
	h, err := decodeHint(s.r)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return false
	}
	s.cur = h
	return true
}

// validateHintFile reads a hint file end-to-end, recomputes the running
// hash over everything but the trailing 4-byte trailer, and reports
// whether it matches. It never returns (true, err). A missing file, a file
// shorter than the trailer, or a trailer mismatch is reported as invalid
// (false, nil, nil), to which the caller reacts by recreating the hint
// file; any other read error is returned.
func validateHintFile(path string) (bool, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, err
	}

	if len(data) < hintTrailerLen {
		return false, nil, nil
	}

	body := data[:len(data)-hintTrailerLen]
	trailer := binary.LittleEndian.Uint32(data[len(data)-hintTrailerLen:])

	if hash32(body) != trailer {
		return false, nil, nil
	}

	return true, body, nil
}

// recreateHints rebuilds a hint file for segmentID from its data file,
// writing fresh hints as it streams the data entries, and returns the
// hints observed (for the caller to fold into the index) along with the
// end offset of the last valid record. If corruption was found, the data
// file has already been truncated to that offset.
//
// It always finishes the underlying data scan to completion before
// returning, mirroring the "drain on drop" guarantee required of the
// original's RecreateHints iterator: a hint file must exist in full for
// every sealed segment, even if the caller only wanted the index update.
func recreateHints(dir string, segmentID uint32) ([]hint, int64, error) {
	log.Printf("cask: recreating hint file for segment %d", segmentID)

	dataFile, err := os.OpenFile(dataPath(dir, segmentID), os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, err
	}
	defer dataFile.Close()

	info, err := dataFile.Stat()
	if err != nil {
		return nil, 0, err
	}

	hintFile, err := os.OpenFile(hintPath(dir, segmentID), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, 0, err
	}
	defer hintFile.Close()

	scanner := newDataEntryScanner(dataFile, info.Size())
	hintHash := newHintHasher()
	var hints []hint
	for scanner.scan() {
		e := scanner.cur
		h := hint{
			sequence:  e.sequence,
			deleted:   e.deleted,
			key:       e.key,
			entryPos:  uint64(scanner.curPos),
			entrySize: uint64(e.size()),
		}
		encoded := encodeHint(h)
		if _, err := hintFile.Write(encoded); err != nil {
			return nil, 0, err
		}
		hintHash.write(encoded)
		hints = append(hints, h)
	}
	if err := scanner.err(); err != nil {
		return nil, 0, err
	}

	trailer := make([]byte, hintTrailerLen)
	putUint32(trailer, hintHash.sum32())
	if _, err := hintFile.Write(trailer); err != nil {
		return nil, 0, err
	}

	// A truncated/corrupt tail only surfaces here, since this is the only
	// load path that ever scans the data file fully. Truncate to the last
	// fully-validated record so the segment's on-disk size matches what
	// future appends (if this ever becomes active again) would expect.
	if scanner.validEnd < info.Size() {
		log.Printf("cask: truncating segment %d data file from %d to %d bytes", segmentID, info.Size(), scanner.validEnd)
		if err := dataFile.Truncate(scanner.validEnd); err != nil {
			return nil, 0, err
		}
	}

	return hints, scanner.validEnd, nil
}
