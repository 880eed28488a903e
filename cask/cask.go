// Package cask implements an embedded, persistent key-value store on an
// append-only segment log, modeled after the Bitcask design: writes are
// sequential appends, reads are a single in-memory index lookup plus one
// positioned disk read, and space is reclaimed offline by compaction.
package cask

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

// ErrKeyNotFound is returned by Get and Delete when the key has no live
// record.
var ErrKeyNotFound = errors.New("cask: key not found")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("cask: database closed")

// Cask is a single-process, single-writer embedded key-value store. A
// directory may only be opened by one Cask at a time; concurrent Open
// calls against the same directory return ErrAlreadyOpen.
type Cask struct {
	rw  sync.RWMutex
	log *logManager
	idx *index

	sequence uint64 // last sequence number handed out

	sizeThreshold       int64
	sync                bool
	compactionEnabled   bool
	compactionThreshold float64
	onCompactionStart   func()

	compactMu   sync.Mutex // serializes compaction against itself, not against Get/Put
	closed      bool
}

// Option configures a Cask at Open time.
type Option func(*Cask)

// WithSizeThreshold sets the segment size, in bytes, past which a write
// triggers a rollover to a new active segment. Default 2 GiB.
func WithSizeThreshold(n int64) Option {
	return func(c *Cask) { c.sizeThreshold = n }
}

// WithSync makes every Put/Delete fsync its segment's data file before
// returning, trading throughput for a tighter durability window.
func WithSync(sync bool) Option {
	return func(c *Cask) { c.sync = sync }
}

// WithCompactionEnabled toggles whether Compact is permitted to run at
// all; compaction is always explicit (there is no background scheduler),
// but an embedder can use this to disable it entirely regardless.
func WithCompactionEnabled(enabled bool) Option {
	return func(c *Cask) { c.compactionEnabled = enabled }
}

// WithCompactionThreshold sets the minimum dead-fraction (0..1) a segment
// must have, as estimated from live-key accounting, before Compact will
// actually rewrite it instead of skipping as a no-op.
func WithCompactionThreshold(frac float64) Option {
	return func(c *Cask) { c.compactionThreshold = frac }
}

// WithOnCompactionStart registers a hook invoked the moment Compact begins
// streaming a segment, after it has checked the segment is sealed and
// released the reader/writer lock (only the compaction mutex is held while
// the hook runs) — primarily for tests
// that need to pin the interleaving of a concurrent writer against a
// compaction.
func WithOnCompactionStart(fn func()) Option {
	return func(c *Cask) { c.onCompactionStart = fn }
}

// Open acquires exclusive ownership of dir (creating it if absent),
// loads or rebuilds the in-memory index from whatever sealed segments are
// present, and returns a Cask ready for reads and writes.
func Open(dir string, opts ...Option) (*Cask, error) {
	c := &Cask{
		sizeThreshold:       defaultSizeThreshold,
		compactionEnabled:   true,
		compactionThreshold: 0.5,
	}
	for _, opt := range opts {
		opt(c)
	}

	lm, err := openLogManager(dir, c.sizeThreshold, c.sync)
	if err != nil {
		return nil, err
	}
	c.log = lm

	idx, maxSeq, err := loadIndex(lm)
	if err != nil {
		_ = lm.close()
		return nil, err
	}
	c.idx = idx
	c.sequence = maxSeq

	return c, nil
}

// loadIndex rebuilds the index from every sealed segment, ascending, so
// that a later segment's hints naturally supersede an earlier one's for
// the same key. Each segment prefers its validated hint file; failing
// that it falls back to a full data-file rescan that also rebuilds the
// hint file and truncates any corrupt tail it finds.
func loadIndex(lm *logManager) (*index, uint64, error) {
	idx := newIndex()
	var maxSeq uint64

	for _, id := range lm.sealedIDs() {
		ok, body, err := validateHintFile(hintPath(lm.dir, id))
		if err != nil {
			return nil, 0, fmt.Errorf("validate hint file %d: %w", id, err)
		}

		var hints []hint
		if ok {
			hints, err = decodeAllHints(body)
			if err != nil {
				return nil, 0, fmt.Errorf("decode hint file %d: %w", id, err)
			}
		} else {
			hints, _, err = recreateHints(lm.dir, id)
			if err != nil {
				return nil, 0, fmt.Errorf("recreate hint file %d: %w", id, err)
			}
		}

		for _, h := range hints {
			idx.update(h, id)
			if h.sequence > maxSeq {
				maxSeq = h.sequence
			}
		}
	}

	return idx, maxSeq, nil
}

func decodeAllHints(body []byte) ([]hint, error) {
	var hints []hint
	s := newHintScanner(bytes.NewReader(body))
	for s.scan() {
		hints = append(hints, s.cur)
	}
	if s.err != nil {
		return nil, s.err
	}
	return hints, nil
}

// Get returns the live value for key, or ErrKeyNotFound if it has no live
// record (never written, or the most recent record is a tombstone).
func (c *Cask) Get(key []byte) ([]byte, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	loc, ok := c.idx.get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}

	e, err := c.log.readEntryAt(loc.segmentID, int64(loc.entryPos), int64(loc.entrySize))
	if err != nil {
		return nil, fmt.Errorf("cask: read key %q: %w", key, err)
	}
	if e.deleted {
		log.Printf("cask: index pointed to dead entry for key %q in segment %d at offset %d", key, loc.segmentID, loc.entryPos)
		return nil, ErrKeyNotFound
	}

	return e.value, nil
}

// Put writes key=value as the new live record, superseding any prior
// record for key.
func (c *Cask) Put(key, value []byte) error {
	c.rw.Lock()
	defer c.rw.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.sequence++
	e := entry{sequence: c.sequence, key: key, value: value}

	segmentID, offset, err := c.log.appendEntry(e)
	if err != nil {
		return fmt.Errorf("cask: put key %q: %w", key, err)
	}

	c.idx.set(key, indexEntry{
		segmentID: segmentID,
		entryPos:  uint64(offset),
		entrySize: uint64(e.size()),
		sequence:  e.sequence,
	})

	return nil
}

// Delete writes a tombstone for key. It returns ErrKeyNotFound if key has
// no live record, mirroring Get's notion of liveness.
func (c *Cask) Delete(key []byte) error {
	c.rw.Lock()
	defer c.rw.Unlock()

	if c.closed {
		return ErrClosed
	}

	if _, ok := c.idx.get(key); !ok {
		return ErrKeyNotFound
	}

	c.sequence++
	e := entry{sequence: c.sequence, key: key, deleted: true}

	if _, _, err := c.log.appendEntry(e); err != nil {
		return fmt.Errorf("cask: delete key %q: %w", key, err)
	}

	c.idx.delete(key)

	return nil
}

// Len returns the number of live keys.
func (c *Cask) Len() int {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.idx.len()
}

// Close seals the active segment and releases the directory lock. A
// closed Cask may not be reused.
func (c *Cask) Close() error {
	c.rw.Lock()
	defer c.rw.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.log.close()
}

// SealedSegmentIDs returns every sealed segment ID, the candidates a
// caller-supplied compaction policy may choose to pass to Compact. The
// active segment is never included since it still accepts writes.
func (c *Cask) SealedSegmentIDs() []uint32 {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.log.sealedIDs()
}

// Compact rewrites segmentID into a fresh segment containing only its
// still-live records, then atomically swaps the old segment out for the
// new one. It streams the source segment's hints under a shared lock,
// consulting the live index for each to decide copy-vs-drop, and only
// takes the exclusive lock briefly at the end to fold the new segment's
// hints into the index and perform the swap.
//
// If the fraction of the segment's records that are neither copied nor
// carried forward is below the compaction threshold (see
// WithCompactionThreshold), Compact logs and returns nil without writing
// a new segment; the old segment stays in place.
//
// Tombstones are NOT simply dropped: a tombstone whose key has no other
// live entry anywhere (i.e. this IS the liveness proof for the key's
// absence) must survive somewhere, or a stale index entry from a segment
// compacted earlier could resurrect the key. Such "dangling" tombstones
// are collapsed to at most one per key (keeping the highest sequence
// seen) and appended to the new segment once the main stream is done.
func (c *Cask) Compact(segmentID uint32) error {
	c.compactMu.Lock()
	defer c.compactMu.Unlock()

	c.rw.RLock()
	if c.closed {
		c.rw.RUnlock()
		return ErrClosed
	}
	if !c.compactionEnabled {
		c.rw.RUnlock()
		return fmt.Errorf("cask: compaction disabled")
	}
	found := false
	for _, id := range c.log.sealedIDs() {
		if id == segmentID {
			found = true
			break
		}
	}
	if !found {
		c.rw.RUnlock()
		return fmt.Errorf("cask: segment %d is not a sealed segment", segmentID)
	}
	dir := c.log.dir
	c.rw.RUnlock()

	if c.onCompactionStart != nil {
		c.onCompactionStart()
	}

	ok, body, err := validateHintFile(hintPath(dir, segmentID))
	if err != nil {
		return fmt.Errorf("cask: compact %d: validate hint: %w", segmentID, err)
	}
	var hints []hint
	if ok {
		hints, err = decodeAllHints(body)
		if err != nil {
			return fmt.Errorf("cask: compact %d: decode hint: %w", segmentID, err)
		}
	} else {
		hints, _, err = recreateHints(dir, segmentID)
		if err != nil {
			return fmt.Errorf("cask: compact %d: recreate hint: %w", segmentID, err)
		}
	}

	// Classify every hint against the live index before committing to a
	// rewrite: which puts are still current (copy) versus superseded
	// (drop), and which tombstones are the last liveness proof for their
	// key anywhere (dangling; must be carried forward) versus already
	// obsolete (drop). This pass takes no write locks longer than a
	// single index lookup and performs no disk reads of its own.
	var toCopy []hint
	danglingTombstones := make(map[string]uint64) // key -> highest tombstone sequence seen

	for _, h := range hints {
		c.rw.RLock()
		loc, live := c.idx.get(h.key)
		stillCurrent := live && loc.segmentID == segmentID && loc.entryPos == h.entryPos && loc.sequence == h.sequence
		c.rw.RUnlock()

		if h.deleted {
			if !live {
				key := string(h.key)
				if h.sequence > danglingTombstones[key] {
					danglingTombstones[key] = h.sequence
				}
			}
			continue
		}

		if stillCurrent {
			toCopy = append(toCopy, h)
		}
	}

	// A segment whose live fraction is still above (1 - compactionThreshold)
	// isn't worth rewriting yet; skip as a no-op rather than pay the I/O
	// of a rewrite that reclaims little space.
	liveTotal := len(toCopy) + len(danglingTombstones)
	if len(hints) > 0 {
		deadFraction := 1 - float64(liveTotal)/float64(len(hints))
		if deadFraction < c.compactionThreshold {
			log.Printf("cask: skipping compaction of segment %d: dead fraction %.2f below threshold %.2f", segmentID, deadFraction, c.compactionThreshold)
			return nil
		}
	}

	newID := c.log.newFileID()
	w, err := c.log.newCompactionWriter(newID)
	if err != nil {
		return fmt.Errorf("cask: compact %d: open output segment %d: %w", segmentID, newID, err)
	}

	for _, h := range toCopy {
		e, err := c.log.readEntryAt(segmentID, int64(h.entryPos), int64(h.entrySize))
		if err != nil {
			_ = w.abort()
			return fmt.Errorf("cask: compact %d: read entry for %q: %w", segmentID, h.key, err)
		}
		if _, err := w.write(e); err != nil {
			_ = w.abort()
			return fmt.Errorf("cask: compact %d: write entry for %q: %w", segmentID, h.key, err)
		}
	}

	keys := make([]string, 0, len(danglingTombstones))
	for k := range danglingTombstones {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := entry{sequence: danglingTombstones[k], deleted: true, key: []byte(k)}
		if _, err := w.write(e); err != nil {
			_ = w.abort()
			return fmt.Errorf("cask: compact %d: write tombstone for %q: %w", segmentID, k, err)
		}
	}

	if err := w.close(); err != nil {
		_ = w.abort()
		return fmt.Errorf("cask: compact %d: close output segment %d: %w", segmentID, newID, err)
	}

	newHints, _, err := recreateHints(dir, newID)
	if err != nil {
		_ = w.abort()
		return fmt.Errorf("cask: compact %d: read back output segment %d: %w", segmentID, newID, err)
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	for _, h := range newHints {
		c.idx.update(h, newID)
	}

	if err := c.log.swapFile(segmentID, newID); err != nil {
		return fmt.Errorf("cask: compact %d: swap: %w", segmentID, err)
	}

	log.Printf("cask: compacted segment %d into segment %d (%d live records, %d tombstones carried)", segmentID, newID, len(toCopy), len(danglingTombstones))

	return nil
}
