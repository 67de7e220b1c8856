package kensaku

import (
	"fmt"
	"sort"
	"unsafe"
)

// tableSlice is one contiguous run of already-ordered entities within a
// table. The sorted view partitions every matched table into slices so the
// global entity sequence obeys the comparator; a table is broken across
// multiple slices when its order interleaves with other tables.
type tableSlice struct {
	match *matchRecord
	start int
	count int
}

// configureOrderBy enables the sorted view. The order-by component must be
// queried for with an And term; a zero order-by sorts by entity id.
func (c *queryCache) configureOrderBy(orderBy Entity, cb OrderByFunc, tableCb TableSortFunc) error {
	orderByTerm := -1
	if orderBy != 0 {
		for i := range c.query.terms {
			term := &c.query.terms[i]
			if term.id == orderBy && term.Oper == OperAnd {
				orderByTerm = i
				break
			}
		}
		if orderByTerm == -1 {
			return fmt.Errorf("%w: order_by component %d is not queried for", ErrInvalidParameter, uint64(orderBy))
		}
	}

	c.orderBy = orderBy
	c.orderByFunc = cb
	c.orderByTerm = orderByTerm
	c.orderByTable = tableCb

	c.tableSlices = nil
	c.sortTables()
	if c.tableSlices == nil {
		c.buildSortedTables()
	}
	return nil
}

// orderByColumn locates the order-by column of a table. Both results are
// zero when the table stores no data for the component; the comparator
// then receives nil pointers and orders by entity.
func (c *queryCache) orderByColumn(t *Table) (unsafe.Pointer, uintptr) {
	if c.orderBy == 0 {
		return nil, 0
	}
	idx := t.search(c.orderBy, 0)
	if idx == -1 {
		return nil, 0
	}
	return t.columnBase(t.records[idx].column)
}

// cmpRows compares two rows of one table with the user comparator.
func (c *queryCache) cmpRows(t *Table, base unsafe.Pointer, size uintptr, r1, r2 int) int {
	var p1, p2 unsafe.Pointer
	if base != nil {
		p1 = unsafe.Pointer(uintptr(base) + uintptr(r1)*size)
		p2 = unsafe.Pointer(uintptr(base) + uintptr(r2)*size)
	}
	return c.orderByFunc(t.entities[r1], p1, t.entities[r2], p2)
}

// sortTables re-sorts every table whose rows changed since the last build
// and rebuilds the sorted view when anything moved.
func (c *queryCache) sortTables() {
	if c.orderByFunc == nil {
		return
	}
	dirty := false
	for _, qt := range c.tables {
		t := qt.first.table
		if qt.sortVersion == t.version {
			continue
		}
		if t.Count() > 1 {
			c.sortTable(t)
		}
		qt.sortVersion = t.version
		dirty = true
	}
	if dirty || c.matchCount != c.prevMatchCount {
		c.buildSortedTables()
		c.prevMatchCount = c.matchCount
	}
}

// sortTable physically reorders the rows of one table so they obey the
// comparator. A user table-sort hook takes over the whole table when
// supplied.
func (c *queryCache) sortTable(t *Table) {
	base, size := c.orderByColumn(t)
	if c.orderByTable != nil {
		c.orderByTable(c.world, t, base, size, c.orderByFunc)
		return
	}

	n := t.Count()
	order := make([]int32, n)
	for i := range order {
		order[i] = int32(i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return c.cmpRows(t, base, size, int(order[a]), int(order[b])) < 0
	})

	// Apply the permutation with row swaps; cur tracks where each original
	// row currently lives, orig the original row at each position.
	cur := make([]int32, n)
	orig := make([]int32, n)
	for i := range cur {
		cur[i] = int32(i)
		orig[i] = int32(i)
	}
	for i := 0; i < n; i++ {
		want := order[i]
		at := int(cur[want])
		if at == i {
			continue
		}
		c.world.SwapRows(t, i, at)
		displaced := orig[i]
		orig[i], orig[at] = want, displaced
		cur[want], cur[displaced] = int32(i), int32(at)
	}
}

// sortCursor walks one table during the global merge.
type sortCursor struct {
	qm   *matchRecord
	base unsafe.Pointer
	size uintptr
	row  int
}

// buildSortedTables merges the per-table orders into the global sorted
// view. Empty tables are excluded; they have nothing to sort against.
func (c *queryCache) buildSortedTables() {
	if c.tableSlices == nil {
		c.tableSlices = make([]tableSlice, 0, 8)
	}
	c.tableSlices = c.tableSlices[:0]

	var cursors []sortCursor
	for qm := c.list.first; qm != nil; qm = qm.next {
		if qm != c.tables[qm.table.id].first {
			// Wildcard duplicates of a table share the same rows; a single
			// cursor per table keeps every entity visited exactly once.
			continue
		}
		if qm.table.Count() == 0 {
			continue
		}
		base, size := c.orderByColumn(qm.table)
		cursors = append(cursors, sortCursor{qm: qm, base: base, size: size})
	}

	for {
		best := -1
		for i := range cursors {
			cursor := &cursors[i]
			if cursor.row >= cursor.qm.table.Count() {
				continue
			}
			if best == -1 || c.cmpCursors(&cursors[i], &cursors[best]) < 0 {
				best = i
			}
		}
		if best == -1 {
			break
		}
		cursor := &cursors[best]
		if n := len(c.tableSlices); n > 0 {
			last := &c.tableSlices[n-1]
			if last.match == cursor.qm && last.start+last.count == cursor.row {
				last.count++
				cursor.row++
				continue
			}
		}
		c.tableSlices = append(c.tableSlices, tableSlice{match: cursor.qm, start: cursor.row, count: 1})
		cursor.row++
	}
}

// cmpCursors compares the current rows of two cursors.
func (c *queryCache) cmpCursors(a, b *sortCursor) int {
	var pa, pb unsafe.Pointer
	if a.base != nil {
		pa = unsafe.Pointer(uintptr(a.base) + uintptr(a.row)*a.size)
	}
	if b.base != nil {
		pb = unsafe.Pointer(uintptr(b.base) + uintptr(b.row)*b.size)
	}
	return c.orderByFunc(a.qm.table.entities[a.row], pa, b.qm.table.entities[b.row], pb)
}
