//go:build goexperiment.synctest

package cask

import (
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
)

// TestCompactDuringConcurrentPutKeepsLatestValue pins the interleaving of a
// writer racing a compaction: the write must always win if it lands before
// compaction reads the index for that key, and the compacted segment must
// never resurrect a value a concurrent write has already superseded.
func TestCompactDuringConcurrentPutKeepsLatestValue(t *testing.T) {
	synctest.Run(func() {
		db, _, cleanup := SetupTempCask(t, WithSizeThreshold(48))
		defer cleanup()

		for i := 0; i < 6; i++ {
			if err := db.Put([]byte("k"), []byte(fmt.Sprintf("v%d", i))); err != nil {
				t.Fatalf("seed Put %d: %v", i, err)
			}
		}

		sealed := db.SealedSegmentIDs()
		if len(sealed) == 0 {
			t.Fatalf("test requires at least one sealed segment")
		}
		targetID := sealed[0]

		started := make(chan struct{})
		db.onCompactionStart = func() { close(started) }

		var wg sync.WaitGroup
		wg.Add(2)

		var compactErr error
		go func() {
			defer wg.Done()
			compactErr = db.Compact(targetID)
		}()

		go func() {
			defer wg.Done()
			<-started
			if err := db.Put([]byte("k"), []byte("final")); err != nil {
				t.Errorf("racing Put: %v", err)
			}
		}()

		synctest.Wait()
		wg.Wait()

		if compactErr != nil {
			t.Fatalf("Compact: %v", compactErr)
		}

		v, err := db.Get([]byte("k"))
		if err != nil {
			t.Fatalf("Get after race: %v", err)
		}
		if string(v) != "final" {
			t.Fatalf("Get after race = %q, want %q (concurrent write must not be lost to compaction)", v, "final")
		}
	})
}
