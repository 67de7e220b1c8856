package kensaku

import (
	"fmt"
	"unsafe"
)

// Iter walks the results of a query. For cached queries it visits the
// ordered match list (or the sorted slice view when ordering is enabled);
// for uncached queries it evaluates the query table by table.
//
// Iterators are read-only; the world must not be mutated while one is in
// use.
type Iter struct {
	world *World
	query *Query
	cache *queryCache

	node, last *matchRecord
	groupBound bool

	sliceIdx int
	sorted   bool

	mi *matchIter

	table     *Table
	startRow  int
	count     int
	trs       []*tableRecord
	ids       []Entity
	sources   []Entity
	setFields uint32
	groupID   uint64
	active    bool
}

// Iter creates an iterator over the query's current results. For cached
// queries with indirect terms a pending rematch runs first; with ordering
// enabled the sorted view is brought up to date.
func (q *Query) Iter() *Iter {
	it := &Iter{world: q.world, query: q, cache: q.cache}
	if q.cache != nil {
		if q.hasRefs {
			q.cache.rematch()
		}
		if q.cache.orderByFunc != nil {
			q.cache.sortTables()
			it.sorted = true
		}
		it.node = q.cache.list.first
	} else {
		it.mi = newMatchIter(q.world, q, q.yieldEmpty)
		it.mi.useBloom = true
	}
	return it
}

// SetGroup binds the iterator to a single group: iteration starts at the
// group's first match and ends at its last. An unknown group id yields an
// empty iteration. Must be called before the first Next.
func (it *Iter) SetGroup(groupID uint64) error {
	if it.active {
		return fmt.Errorf("%w: cannot set group during iteration", ErrInvalidParameter)
	}
	if it.cache == nil {
		return fmt.Errorf("%w: query has no cache", ErrInvalidParameter)
	}
	if it.cache.groupByCallback == nil {
		return fmt.Errorf("%w: query is not grouped", ErrInvalidParameter)
	}
	it.groupBound = true
	group := it.cache.groups[groupID]
	if group == nil || group.first == nil {
		it.node = nil
		it.last = nil
		return nil
	}
	it.node = group.first
	it.last = group.last
	return nil
}

// Next advances to the next result. It returns false when iteration is
// complete.
func (it *Iter) Next() bool {
	it.active = true

	if it.mi != nil {
		if !it.mi.Next() {
			return false
		}
		it.table = it.mi.table
		it.startRow = 0
		it.count = it.table.Count()
		it.trs = it.mi.trs
		it.ids = it.mi.ids
		it.sources = it.mi.sources
		it.setFields = it.mi.setFields
		it.groupID = 0
		return true
	}

	c := it.cache
	if it.sorted && !it.groupBound {
		if it.sliceIdx >= len(c.tableSlices) {
			return false
		}
		s := &c.tableSlices[it.sliceIdx]
		it.sliceIdx++
		it.setMatch(s.match, s.start, s.count)
		return true
	}

	for {
		m := it.node
		if m == nil {
			return false
		}
		if m == it.last {
			it.node = nil
		} else {
			it.node = m.next
		}
		if !c.yieldEmpty && m.table.Count() == 0 {
			continue
		}
		it.setMatch(m, 0, m.table.Count())
		return true
	}
}

// setMatch loads one cached match into the iterator. Trivial caches skip
// the per-match id/source reads entirely and borrow the query-level
// arrays.
func (it *Iter) setMatch(m *matchRecord, start, count int) {
	c := it.cache
	it.table = m.table
	it.startRow = start
	it.count = count
	it.trs = m.trs
	it.groupID = m.groupID
	if c.trivial {
		it.ids = it.query.ids
		it.sources = c.sources
		it.setFields = uint32(1)<<it.query.fieldCount - 1
		return
	}
	if m.ids != nil {
		it.ids = m.ids
	} else {
		it.ids = it.query.ids
	}
	if m.sources != nil {
		it.sources = m.sources
	} else {
		it.sources = c.sources
	}
	it.setFields = m.setFields
}

// Table returns the table of the current result.
func (it *Iter) Table() *Table {
	return it.table
}

// Count returns the number of entities in the current result.
func (it *Iter) Count() int {
	return it.count
}

// Entities returns the entities of the current result. The slice is owned
// by the table.
func (it *Iter) Entities() []Entity {
	return it.table.entities[it.startRow : it.startRow+it.count]
}

// GroupID returns the group of the current result, 0 when ungrouped.
func (it *Iter) GroupID() uint64 {
	return it.groupID
}

// FieldID returns the effective id matched for a field; with wildcards it
// is the concrete id the wildcard resolved to.
func (it *Iter) FieldID(index int) Entity {
	return it.ids[index]
}

// FieldSource returns the entity a field was matched on, 0 when the field
// was satisfied by the iterated entities themselves.
func (it *Iter) FieldSource(index int) Entity {
	return it.sources[index]
}

// FieldIsSet reports whether an optional or negated field is populated.
func (it *Iter) FieldIsSet(index int) bool {
	return it.setFields&(1<<index) != 0
}

// FieldPtr returns a pointer to the field's component data: for $this
// fields the value of the first entity of the result range, for external
// sources the single value on the source entity. Nil for unset or
// dataless fields.
func (it *Iter) FieldPtr(index int) unsafe.Pointer {
	tr := it.trs[index]
	if tr == nil || tr.column < 0 {
		return nil
	}
	if src := it.sources[index]; src != 0 {
		m := it.world.metaChecked(src)
		if m == nil || m.table != tr.table {
			return nil
		}
		return tr.table.columnPtr(tr.column, int(m.row))
	}
	return tr.table.columnPtr(tr.column, it.startRow)
}

// Field returns the component values of a field for the current result
// range. External sources yield a single shared value.
func Field[T any](it *Iter, index int) []T {
	ptr := it.FieldPtr(index)
	if ptr == nil {
		return nil
	}
	if it.sources[index] != 0 {
		return unsafe.Slice((*T)(ptr), 1)
	}
	return unsafe.Slice((*T)(ptr), it.count)
}
