package kensaku

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestIterEmptyTablePolicy(t *testing.T) {
	w := NewWorld(16)
	defer w.Close()
	a := Component[CompA](w)

	e := w.NewEntity()
	Set(w, e, CompA{})
	e2 := w.NewEntity()
	Set(w, e2, CompA{})
	Set(w, e2, CompB{})

	// Empty the first table; it stays cached but is skipped by default.
	w.RemoveEntity(e)

	q, err := NewQuery(w, QueryDesc{Terms: []Term{{First: TermRef{ID: a}}}})
	require.NoError(t, err)
	defer q.Close()
	require.Equal(t, 2, q.TableCount())
	assert.Len(t, collectTables(q.Iter()), 1)

	qe, err := NewQuery(w, QueryDesc{
		Terms: []Term{{First: TermRef{ID: a}}},
		Flags: MatchEmptyTables,
	})
	require.NoError(t, err)
	defer qe.Close()
	assert.Len(t, collectTables(qe.Iter()), 2)
}

// Read-only iteration of one cache may run concurrently when the host
// synchronizes mutations externally; iterators share no mutable state.
func TestIterConcurrentReaders(t *testing.T) {
	w := NewWorld(256)
	defer w.Close()
	a := Component[CompA](w)

	total := 0
	for i := 0; i < 8; i++ {
		tag := w.NewEntity()
		for j := 0; j <= i; j++ {
			e := w.NewEntity()
			Set(w, e, CompA{X: int32(j)})
			w.Add(e, tag)
			total++
		}
	}

	q, err := NewQuery(w, QueryDesc{Terms: []Term{{First: TermRef{ID: a}}}})
	require.NoError(t, err)
	defer q.Close()

	var g errgroup.Group
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			count := 0
			it := q.Iter()
			for it.Next() {
				count += it.Count()
			}
			if count != total {
				return assert.AnError
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestIterFieldPtrAcrossTables(t *testing.T) {
	w := NewWorld(16)
	defer w.Close()
	a := Component[CompA](w)

	e1 := w.NewEntity()
	Set(w, e1, CompA{X: 10})
	e2 := w.NewEntity()
	Set(w, e2, CompA{X: 20})
	Set(w, e2, CompB{})

	q, err := NewQuery(w, QueryDesc{Terms: []Term{{First: TermRef{ID: a}}}})
	require.NoError(t, err)
	defer q.Close()

	var got []int32
	it := q.Iter()
	for it.Next() {
		for _, v := range Field[CompA](it, 0) {
			got = append(got, v.X)
		}
	}
	assert.ElementsMatch(t, []int32{10, 20}, got)
}

func TestIterGroupOnUngroupedQuery(t *testing.T) {
	w := NewWorld(16)
	defer w.Close()
	a := Component[CompA](w)

	q, err := NewQuery(w, QueryDesc{Terms: []Term{{First: TermRef{ID: a}}}})
	require.NoError(t, err)
	defer q.Close()

	assert.ErrorIs(t, q.Iter().SetGroup(1), ErrInvalidParameter)
}
