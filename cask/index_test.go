package cask

import "testing"

func TestIndexUpdateInsertsNewKey(t *testing.T) {
	idx := newIndex()
	idx.update(hint{sequence: 1, key: []byte("k"), entryPos: 5, entrySize: 20}, 3)

	e, ok := idx.get([]byte("k"))
	if !ok {
		t.Fatalf("expected key present")
	}
	if e.segmentID != 3 || e.entryPos != 5 || e.entrySize != 20 || e.sequence != 1 {
		t.Fatalf("unexpected index entry: %+v", e)
	}
}

func TestIndexUpdateIgnoresAbsentTombstone(t *testing.T) {
	idx := newIndex()
	idx.update(hint{sequence: 1, deleted: true, key: []byte("k")}, 1)

	if _, ok := idx.get([]byte("k")); ok {
		t.Fatalf("tombstone for absent key should not create an entry")
	}
}

func TestIndexUpdateNewerSequenceWins(t *testing.T) {
	idx := newIndex()
	idx.update(hint{sequence: 1, key: []byte("k"), entryPos: 0, entrySize: 10}, 1)
	idx.update(hint{sequence: 2, key: []byte("k"), entryPos: 50, entrySize: 10}, 2)

	e, ok := idx.get([]byte("k"))
	if !ok {
		t.Fatalf("expected key present")
	}
	if e.segmentID != 2 || e.sequence != 2 {
		t.Fatalf("newer hint should win, got %+v", e)
	}
}

func TestIndexUpdateOlderSequenceIsNoop(t *testing.T) {
	idx := newIndex()
	idx.update(hint{sequence: 5, key: []byte("k"), entryPos: 0, entrySize: 10}, 1)
	idx.update(hint{sequence: 2, key: []byte("k"), entryPos: 50, entrySize: 10}, 2)

	e, ok := idx.get([]byte("k"))
	if !ok {
		t.Fatalf("expected key present")
	}
	if e.segmentID != 1 || e.sequence != 5 {
		t.Fatalf("older hint must not override, got %+v", e)
	}
}

func TestIndexUpdateTombstoneRemovesLiveKey(t *testing.T) {
	idx := newIndex()
	idx.update(hint{sequence: 1, key: []byte("k"), entryPos: 0, entrySize: 10}, 1)
	idx.update(hint{sequence: 2, deleted: true, key: []byte("k")}, 2)

	if _, ok := idx.get([]byte("k")); ok {
		t.Fatalf("tombstone with newer sequence should remove the key")
	}
}

func TestIndexUpdateSameSequenceTombstoneWins(t *testing.T) {
	idx := newIndex()
	idx.update(hint{sequence: 3, key: []byte("k"), entryPos: 0, entrySize: 10}, 1)
	idx.update(hint{sequence: 3, deleted: true, key: []byte("k")}, 2)

	if _, ok := idx.get([]byte("k")); ok {
		t.Fatalf("equal-sequence hint should be treated as newer and win")
	}
}

func TestIndexLen(t *testing.T) {
	idx := newIndex()
	idx.set([]byte("a"), indexEntry{})
	idx.set([]byte("b"), indexEntry{})
	if idx.len() != 2 {
		t.Fatalf("len() = %d, want 2", idx.len())
	}
	idx.delete([]byte("a"))
	if idx.len() != 1 {
		t.Fatalf("len() after delete = %d, want 1", idx.len())
	}
}
