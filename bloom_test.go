package kensaku

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBloomContainment(t *testing.T) {
	var table bloomFilter
	table.add(Entity(17))
	table.add(Entity(18))

	var query bloomFilter
	query |= bloomHash(Entity(17))
	assert.True(t, table.test(query))

	// The filter never rejects ids the table folded in.
	query |= bloomHash(Entity(18))
	assert.True(t, table.test(query))
}

func TestBloomPairWildcardForms(t *testing.T) {
	rel := Entity(300)
	obj := Entity(77)

	var table bloomFilter
	table.add(Pair(rel, obj))

	// Queries asking for either wildcard form of the pair pass the filter.
	assert.True(t, table.test(bloomHash(Pair(rel, Wildcard))))
	assert.True(t, table.test(bloomHash(Pair(Wildcard, obj))))
	assert.True(t, table.test(bloomHash(Pair(rel, obj))))
}

func TestBloomRejectsDefinitively(t *testing.T) {
	// A rejection must only happen when the id cannot be present. Probe a
	// few ids until one maps to an unused bit; that rejection is sound.
	var table bloomFilter
	table.add(Entity(17))

	rejected := false
	for id := Entity(100); id < 200; id++ {
		if !table.test(bloomHash(id)) {
			rejected = true
			break
		}
	}
	assert.True(t, rejected, "64-bit filter with one id should reject some probe")
}
