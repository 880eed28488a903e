package cask

import "github.com/zeebo/xxh3"

// hash32 is the file-integrity hash used for the data-record checksum. It
// is the external 32-bit hash referenced by the on-disk format: any
// XXHash-class 32-bit hash is interchangeable here, but changing it is a
// format version bump, not a config knob.
//
// zeebo/xxh3 only exposes a 64-bit digest (seed 0), so we fold it down to
// the low 32 bits rather than pull in a second hashing dependency.
func hash32(data []byte) uint32 {
	return uint32(xxh3.Hash(data))
}

// hintHasher is the running hash state fed one hint at a time as a
// segment's hint file is written, so the trailer checksum never requires
// buffering the whole hint stream in memory.
type hintHasher struct {
	h *xxh3.Hasher
}

func newHintHasher() *hintHasher {
	return &hintHasher{h: xxh3.New()}
}

func (s *hintHasher) write(p []byte) {
	_, _ = s.h.Write(p)
}

func (s *hintHasher) sum32() uint32 {
	return uint32(s.h.Sum64())
}
