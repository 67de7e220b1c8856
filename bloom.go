package kensaku

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// bloomFilter is a 64-bit bloom word over component ids. Tables fold every
// id of their type into the word; queries fold their required ids. A failed
// containment test proves the table cannot match; a passing test proves
// nothing. Correctness never depends on it.
type bloomFilter uint64

// bloomHash maps an id to a single bit of the filter word.
func bloomHash(id Entity) bloomFilter {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return 1 << (xxhash.Sum64(buf[:]) & 63)
}

// add folds an id into the filter. Pairs also fold their wildcard forms so
// queries asking for (R, *) or (*, O) can consult the filter.
func (f *bloomFilter) add(id Entity) {
	*f |= bloomHash(id)
	if id.IsPair() {
		*f |= bloomHash(Pair(id.PairRel(), Wildcard))
		*f |= bloomHash(Pair(Wildcard, id.PairObj()))
	}
}

// test reports whether every bit of the query filter is present. A false
// result is definitive; a true result is advisory.
func (f bloomFilter) test(query bloomFilter) bool {
	return f&query == query
}
