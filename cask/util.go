package cask

import (
	"encoding/binary"
	"log"
	"os"
	"regexp"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
)

func putUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// segmentIDPattern matches the numeric prefix of a sealed data segment's
// filename, per the log manager's directory-scan discovery rule.
var segmentIDPattern = regexp.MustCompile(`^(\d+)\.` + regexp.QuoteMeta(dataFileExt) + `$`)

// discoverSegmentIDs scans dir for data-segment files and returns their
// IDs in ascending order.
func discoverSegmentIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentIDPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}

	sortUint32s(ids)
	return ids, nil
}

func sortUint32s(ids []uint32) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// logOrphanedSegments logs any data-segment ID present on disk that is not
// in known. openLogManager passes the IDs it has just discovered in the
// same directory, so at that call site the two sets are equal and nothing
// is logged; a segment left behind by an interrupted compaction is loaded
// as an ordinary sealed segment rather than reported.
func logOrphanedSegments(dir string, known []uint32) error {
	onDisk, err := discoverSegmentIDs(dir)
	if err != nil {
		return err
	}

	expected := mapset.NewSet[uint32](known...)
	actual := mapset.NewSet[uint32](onDisk...)

	if orphans := actual.Difference(expected); orphans.Cardinality() != 0 {
		log.Printf("cask: warning: orphaned segments on disk: %v", orphans.ToSlice())
	}

	return nil
}
