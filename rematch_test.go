package kensaku

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRematchUpTraversal(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)
	b := Component[CompB](w)

	base := w.NewEntity()
	Set(w, base, CompB{Y: 9})
	inst := w.NewEntity()
	Set(w, inst, CompA{})
	w.Add(inst, Pair(IsA, base))

	q, err := NewQuery(w, QueryDesc{Terms: []Term{
		{First: TermRef{ID: a}},
		{First: TermRef{ID: b}, Src: TermRef{Flags: RefUp}, Trav: IsA},
	}})
	require.NoError(t, err)
	defer q.Close()
	require.True(t, q.hasRefs)

	it := q.Iter()
	require.True(t, it.Next())
	assert.Equal(t, base, it.FieldSource(1))
	assert.True(t, it.FieldIsSet(1))
	vals := Field[CompB](it, 1)
	require.Len(t, vals, 1)
	assert.Equal(t, int32(9), vals[0].Y)
	assert.False(t, it.Next())

	// Removing B from the prototype bumps the monitor generation; the next
	// iteration rematches and drops the instance table.
	w.Remove(base, b)
	assert.False(t, q.Iter().Next())
	assert.Equal(t, 0, q.TableCount())

	// Restoring B brings the match back.
	Set(w, base, CompB{Y: 11})
	it = q.Iter()
	require.True(t, it.Next())
	assert.Equal(t, base, it.FieldSource(1))

	checkCacheIntegrity(t, q)
}

func TestRematchIdempotentWithinGeneration(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)
	b := Component[CompB](w)

	base := w.NewEntity()
	Set(w, base, CompB{})
	inst := w.NewEntity()
	Set(w, inst, CompA{})
	w.Add(inst, Pair(IsA, base))

	q, err := NewQuery(w, QueryDesc{Terms: []Term{
		{First: TermRef{ID: a}},
		{First: TermRef{ID: b}, Src: TermRef{Flags: RefUp}, Trav: IsA},
	}})
	require.NoError(t, err)
	defer q.Close()

	q.Rematch()
	count := q.cache.matchCount
	sweeps := q.cache.rematchCount

	// Without a generation bump, rematch is a no-op.
	q.Rematch()
	assert.Equal(t, count, q.cache.matchCount)
	assert.Equal(t, sweeps, q.cache.rematchCount)

	// A monitored change forces exactly one more sweep.
	other := w.NewEntity()
	Set(w, other, CompB{})
	q.Rematch()
	assert.Equal(t, sweeps+1, q.cache.rematchCount)
}

func TestRematchConfirmsEntriesPerSweep(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)
	b := Component[CompB](w)

	base := w.NewEntity()
	Set(w, base, CompB{})
	for i := 0; i < 3; i++ {
		tag := w.NewEntity()
		e := w.NewEntity()
		Set(w, e, CompA{})
		w.Add(e, Pair(IsA, base))
		w.Add(e, tag)
	}

	q, err := NewQuery(w, QueryDesc{Terms: []Term{
		{First: TermRef{ID: a}},
		{First: TermRef{ID: b}, Src: TermRef{Flags: RefUp}, Trav: IsA},
	}})
	require.NoError(t, err)
	defer q.Close()
	require.Equal(t, 3, q.TableCount())

	w.Remove(base, b)
	Set(w, base, CompB{})
	q.Rematch()

	// Every surviving entry was confirmed by the last sweep.
	for _, qt := range q.cache.tables {
		assert.Equal(t, q.cache.rematchCount, qt.rematchCount)
	}
	assert.Equal(t, 3, q.TableCount())

	checkCacheIntegrity(t, q)
}

func TestWorldStatsCountRematches(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)
	b := Component[CompB](w)

	base := w.NewEntity()
	Set(w, base, CompB{})
	inst := w.NewEntity()
	Set(w, inst, CompA{})
	w.Add(inst, Pair(IsA, base))

	q, err := NewQuery(w, QueryDesc{Terms: []Term{
		{First: TermRef{ID: a}},
		{First: TermRef{ID: b}, Src: TermRef{Flags: RefUp}, Trav: IsA},
	}})
	require.NoError(t, err)
	defer q.Close()

	// Touch a monitored id so the next rematch actually sweeps.
	other := w.NewEntity()
	Set(w, other, CompB{})

	before := w.Stats().RematchCountTotal
	q.Rematch()
	after := w.Stats().RematchCountTotal
	assert.Greater(t, after, before)
}
