// Command caskctl opens a cask directory and runs a single operation
// against it, for scripting and manual inspection.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/kdstack/caskdb/cask"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  caskctl -path <data-dir> get <key>\n")
	fmt.Fprintf(os.Stderr, "  caskctl -path <data-dir> put <key> <value>\n")
	fmt.Fprintf(os.Stderr, "  caskctl -path <data-dir> delete <key>\n")
	fmt.Fprintf(os.Stderr, "  caskctl -path <data-dir> compact <segment-id>\n")
	fmt.Fprintf(os.Stderr, "  caskctl -path <data-dir> segments\n")
	os.Exit(1)
}

func main() {
	var (
		dbPath = flag.String("path", "", "path to data directory")
		sync   = flag.Bool("sync", false, "fsync every write")
	)
	flag.Parse()

	if *dbPath == "" || flag.NArg() < 1 {
		usage()
	}

	db, err := cask.Open(*dbPath, cask.WithSync(*sync))
	if err != nil {
		log.Fatalf("could not open the database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("could not close the database: %v", err)
		}
	}()

	args := flag.Args()
	switch args[0] {
	case "get":
		if len(args) != 2 {
			usage()
		}
		runGet(db, args[1])
	case "put":
		if len(args) != 3 {
			usage()
		}
		runPut(db, args[1], args[2])
	case "delete":
		if len(args) != 2 {
			usage()
		}
		runDelete(db, args[1])
	case "compact":
		if len(args) != 2 {
			usage()
		}
		runCompact(db, args[1])
	case "segments":
		runSegments(db)
	default:
		usage()
	}
}

func runGet(db *cask.Cask, key string) {
	value, err := db.Get([]byte(key))
	if err != nil {
		log.Fatalf("get %q: %v", key, err)
	}
	fmt.Println(string(value))
}

func runPut(db *cask.Cask, key, value string) {
	if err := db.Put([]byte(key), []byte(value)); err != nil {
		log.Fatalf("put %q: %v", key, err)
	}
}

func runDelete(db *cask.Cask, key string) {
	if err := db.Delete([]byte(key)); err != nil {
		log.Fatalf("delete %q: %v", key, err)
	}
}

func runCompact(db *cask.Cask, segmentArg string) {
	var segmentID uint32
	if _, err := fmt.Sscanf(segmentArg, "%d", &segmentID); err != nil {
		log.Fatalf("invalid segment id %q: %v", segmentArg, err)
	}
	if err := db.Compact(segmentID); err != nil {
		log.Fatalf("compact %d: %v", segmentID, err)
	}
}

func runSegments(db *cask.Cask) {
	for _, id := range db.SealedSegmentIDs() {
		fmt.Println(id)
	}
}
