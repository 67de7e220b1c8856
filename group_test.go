package kensaku

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// groupByTag groups tables by marker tags with fixed small ids.
func groupByTag(red, blue Entity) GroupByFunc {
	return func(w *World, t *Table, _ Entity, _ any) uint64 {
		if t.has(red.stripGen()) {
			return 1
		}
		if t.has(blue.stripGen()) {
			return 2
		}
		return 0
	}
}

func TestGroupOrderAndInsertion(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)
	red := w.NewEntity()
	blue := w.NewEntity()
	extra := w.NewEntity()

	q, err := NewQuery(w, QueryDesc{
		Terms:           []Term{{First: TermRef{ID: a}}},
		GroupByCallback: groupByTag(red, blue),
	})
	require.NoError(t, err)
	defer q.Close()

	// Insert group ids 2, 1, 2: final boundary order must be (1, 2) and
	// the two group-2 matches keep insertion order.
	e1 := w.NewEntity()
	Set(w, e1, CompA{})
	w.Add(e1, blue)
	e2 := w.NewEntity()
	Set(w, e2, CompA{})
	w.Add(e2, red)
	e3 := w.NewEntity()
	Set(w, e3, CompA{})
	w.Add(e3, blue)
	w.Add(e3, extra)

	var groups []uint64
	var tables []*Table
	it := q.Iter()
	for it.Next() {
		groups = append(groups, it.GroupID())
		tables = append(tables, it.Table())
	}
	require.Equal(t, []uint64{1, 2, 2}, groups)
	assert.Equal(t, w.EntityTable(e2), tables[0])
	assert.Equal(t, w.EntityTable(e1), tables[1])
	assert.Equal(t, w.EntityTable(e3), tables[2])

	info := q.GroupInfo(2)
	require.NotNil(t, info)
	assert.Equal(t, int32(2), info.TableCount)

	checkCacheIntegrity(t, q)
}

func TestGroupCreateDeleteCallbacks(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)
	red := w.NewEntity()
	blue := w.NewEntity()

	created := make(map[uint64]int)
	deleted := make(map[uint64]int)

	q, err := NewQuery(w, QueryDesc{
		Terms:           []Term{{First: TermRef{ID: a}}},
		GroupByCallback: groupByTag(red, blue),
		OnGroupCreate: func(w *World, id uint64, _ any) any {
			created[id]++
			return id * 10
		},
		OnGroupDelete: func(w *World, id uint64, ctx any, _ any) {
			deleted[id]++
		},
	})
	require.NoError(t, err)
	defer q.Close()

	e := w.NewEntity()
	Set(w, e, CompA{})
	w.Add(e, red)
	require.Equal(t, 1, created[1])
	assert.Equal(t, uint64(10), q.GroupCtx(1))

	// Removing the group's only match deletes the group.
	w.RemoveEntity(e)
	w.CleanupTables()
	require.Equal(t, 1, deleted[1])
	assert.Nil(t, q.GroupInfo(1))

	checkCacheIntegrity(t, q)
}

func TestGroupCtxFreeOnClose(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)
	red := w.NewEntity()
	blue := w.NewEntity()

	freed := false
	deleted := 0
	q, err := NewQuery(w, QueryDesc{
		Terms:           []Term{{First: TermRef{ID: a}}},
		GroupByCallback: groupByTag(red, blue),
		GroupByCtx:      "ctx",
		GroupByCtxFree:  func(any) { freed = true },
		OnGroupDelete: func(_ *World, id uint64, _, _ any) {
			if id == 1 {
				deleted++
			}
		},
	})
	require.NoError(t, err)

	e := w.NewEntity()
	Set(w, e, CompA{})
	w.Add(e, red)

	q.Close()
	assert.True(t, freed)
	assert.Equal(t, 1, deleted)
}

func TestIterSetGroup(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)
	red := w.NewEntity()
	blue := w.NewEntity()

	q, err := NewQuery(w, QueryDesc{
		Terms:           []Term{{First: TermRef{ID: a}}},
		GroupByCallback: groupByTag(red, blue),
	})
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 2; i++ {
		e := w.NewEntity()
		Set(w, e, CompA{X: int32(i)})
		w.Add(e, red)
		if i == 1 {
			w.Add(e, blue) // red wins in the group function
		}
	}
	eb := w.NewEntity()
	Set(w, eb, CompA{})
	w.Add(eb, blue)

	it := q.Iter()
	require.NoError(t, it.SetGroup(1))
	tables := collectTables(it)
	info := q.GroupInfo(1)
	require.NotNil(t, info)
	require.Len(t, tables, int(info.TableCount))
	for _, tb := range tables {
		assert.True(t, tb.has(red.stripGen()))
	}

	// A second fresh iterator yields the same sequence.
	it2 := q.Iter()
	require.NoError(t, it2.SetGroup(1))
	assert.Equal(t, tables, collectTables(it2))

	// Unknown group: empty iteration, no error.
	it3 := q.Iter()
	require.NoError(t, it3.SetGroup(99))
	assert.False(t, it3.Next())

	// Binding mid-iteration is rejected.
	it4 := q.Iter()
	require.True(t, it4.Next())
	assert.ErrorIs(t, it4.SetGroup(1), ErrInvalidParameter)
}

func TestGroupDefaultByRelationship(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)
	colorOf := w.NewEntity()
	red := w.NewEntity()
	blue := w.NewEntity()

	q, err := NewQuery(w, QueryDesc{
		Terms:   []Term{{First: TermRef{ID: a}}},
		GroupBy: colorOf,
	})
	require.NoError(t, err)
	defer q.Close()

	e1 := w.NewEntity()
	Set(w, e1, CompA{})
	w.Add(e1, Pair(colorOf, blue))
	e2 := w.NewEntity()
	Set(w, e2, CompA{})
	w.Add(e2, Pair(colorOf, red))

	var groups []uint64
	it := q.Iter()
	for it.Next() {
		groups = append(groups, it.GroupID())
	}
	// The default group function resolves the pair object; red was created
	// before blue, so its id is the smaller group.
	require.Equal(t, []uint64{uint64(red.index()), uint64(blue.index())}, groups)

	checkCacheIntegrity(t, q)
}

func TestCascadeBreadthFirstOrder(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)

	e1 := w.NewEntity()
	Set(w, e1, CompA{})
	e2 := w.NewEntity()
	Set(w, e2, CompA{})
	w.Add(e2, Pair(ChildOf, e1))
	e3 := w.NewEntity()
	Set(w, e3, CompA{})
	w.Add(e3, Pair(ChildOf, e1))
	e4 := w.NewEntity()
	Set(w, e4, CompA{})
	w.Add(e4, Pair(ChildOf, e2))

	q, err := NewQuery(w, QueryDesc{Terms: []Term{
		{First: TermRef{ID: a}, Src: TermRef{Flags: RefSelf | RefCascade}, Trav: ChildOf},
	}})
	require.NoError(t, err)
	defer q.Close()

	var depths []uint64
	var entities []Entity
	it := q.Iter()
	for it.Next() {
		depths = append(depths, it.GroupID())
		entities = append(entities, it.Entities()...)
	}
	require.Equal(t, []uint64{0, 1, 2}, depths)
	require.Len(t, entities, 4)
	assert.Equal(t, e1, entities[0])
	assert.ElementsMatch(t, []Entity{e2, e3}, entities[1:3])
	assert.Equal(t, e4, entities[3])

	checkCacheIntegrity(t, q)
}

func TestCascadeDescendingOrder(t *testing.T) {
	w := NewWorld(64)
	defer w.Close()
	a := Component[CompA](w)

	e1 := w.NewEntity()
	Set(w, e1, CompA{})
	e2 := w.NewEntity()
	Set(w, e2, CompA{})
	w.Add(e2, Pair(ChildOf, e1))
	e3 := w.NewEntity()
	Set(w, e3, CompA{})
	w.Add(e3, Pair(ChildOf, e2))

	q, err := NewQuery(w, QueryDesc{Terms: []Term{
		{First: TermRef{ID: a}, Src: TermRef{Flags: RefSelf | RefCascade | RefDesc}, Trav: ChildOf},
	}})
	require.NoError(t, err)
	defer q.Close()

	var depths []uint64
	it := q.Iter()
	for it.Next() {
		depths = append(depths, it.GroupID())
	}
	require.Equal(t, []uint64{2, 1, 0}, depths)

	checkCacheIntegrity(t, q)
}
