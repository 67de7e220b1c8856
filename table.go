package kensaku

import (
	"reflect"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2"
)

// tableRecord locates one id inside a table: its position in the sorted
// type array and the column holding its data, or -1 for dataless ids.
type tableRecord struct {
	table  *Table
	index  int16
	column int16
}

// tableColumn is contiguous storage for one component across all rows of a
// table. Data is a reflect-allocated array accessed by stride, following
// the chunk storage layout used for archetypes.
type tableColumn struct {
	id   Entity
	typ  reflect.Type
	size uintptr
	data unsafe.Pointer
}

// Table stores all entities that share one component set. Entities in a
// table occupy consecutive rows; removing a row swaps the last row into the
// hole. Tables are created on demand when an entity first acquires a new
// component set and persist until explicitly cleaned up.
type Table struct {
	id       uint64
	ids      []Entity      // sorted type signature
	records  []tableRecord // parallel to ids
	columns  []tableColumn
	mask     bitmask256      // registry bits of typed components
	idSet    *roaring.Bitmap // low 32-bit indices of all ids
	bloom    bloomFilter
	entities []Entity
	cap      int
	version  uint32 // bumped on every row or order mutation
}

// newTable builds a table for a sorted id signature. Column layout and
// per-id records are fixed for the table's lifetime.
func newTable(w *World, id uint64, ids []Entity) *Table {
	t := &Table{
		id:      id,
		ids:     append([]Entity(nil), ids...),
		records: make([]tableRecord, len(ids)),
		idSet:   roaring.New(),
	}
	for i, cid := range t.ids {
		col := int16(-1)
		size, typ := w.idStorage(cid)
		if size > 0 {
			col = int16(len(t.columns))
			t.columns = append(t.columns, tableColumn{id: cid, typ: typ, size: size})
		}
		t.records[i] = tableRecord{table: t, index: int16(i), column: col}
		if !cid.IsPair() && cid.index() < MaxComponentTypes {
			t.mask.set(uint8(cid.index()))
		}
		t.idSet.Add(uint32(cid & entityIndexMask))
		t.bloom.add(cid)
	}
	return t
}

// Count returns the number of entities stored in the table.
func (t *Table) Count() int {
	return len(t.entities)
}

// Entities returns the table's row array. The slice is owned by the table
// and invalidated by any mutation.
func (t *Table) Entities() []Entity {
	return t.entities
}

// ID returns the table's world-unique identity.
func (t *Table) ID() uint64 {
	return t.id
}

// Type returns the table's sorted id signature.
func (t *Table) Type() []Entity {
	return t.ids
}

// has reports whether the table's type contains the exact id.
func (t *Table) has(id Entity) bool {
	if !t.idSet.Contains(uint32(id & entityIndexMask)) {
		return false
	}
	return t.search(id, 0) != -1
}

// search returns the first type index at or after from whose id matches the
// possibly-wildcard pattern, or -1.
func (t *Table) search(pattern Entity, from int) int {
	if !pattern.IsWildcard() && from == 0 {
		if !t.idSet.Contains(uint32(pattern & entityIndexMask)) {
			return -1
		}
	}
	for i := from; i < len(t.ids); i++ {
		if idMatch(t.ids[i], pattern) {
			return i
		}
	}
	return -1
}

// recordAt returns the record for a type index.
func (t *Table) recordAt(index int) *tableRecord {
	return &t.records[index]
}

// columnPtr returns a pointer to the component value at row in the given
// column.
func (t *Table) columnPtr(col int16, row int) unsafe.Pointer {
	c := &t.columns[col]
	return unsafe.Pointer(uintptr(c.data) + uintptr(row)*c.size)
}

// columnBase returns the base pointer and stride of a column, or nil when
// the column index is -1.
func (t *Table) columnBase(col int16) (unsafe.Pointer, uintptr) {
	if col < 0 {
		return nil, 0
	}
	c := &t.columns[col]
	return c.data, c.size
}

// grow ensures capacity for at least n more rows, reallocating columns with
// doubled capacity when needed.
func (t *Table) grow(n int) {
	need := len(t.entities) + n
	if need <= t.cap {
		return
	}
	newCap := t.cap * 2
	if newCap < need {
		newCap = need
	}
	if newCap < 8 {
		newCap = 8
	}
	for i := range t.columns {
		c := &t.columns[i]
		slice := reflect.MakeSlice(reflect.SliceOf(c.typ), newCap, newCap)
		data := slice.UnsafePointer()
		if c.data != nil && len(t.entities) > 0 {
			memCopy(data, c.data, uintptr(len(t.entities))*c.size)
		}
		c.data = data
	}
	t.cap = newCap
}

// appendRow adds an entity and returns its row. Component values are
// zeroed; callers write them afterwards.
func (t *Table) appendRow(e Entity) int {
	t.grow(1)
	row := len(t.entities)
	t.entities = append(t.entities, e)
	for i := range t.columns {
		c := &t.columns[i]
		memZero(unsafe.Pointer(uintptr(c.data)+uintptr(row)*c.size), c.size)
	}
	t.version++
	return row
}

// removeRow swap-removes a row and returns the entity that moved into it,
// or 0 when the removed row was the last one.
func (t *Table) removeRow(row int) Entity {
	last := len(t.entities) - 1
	var moved Entity
	if row < last {
		moved = t.entities[last]
		t.entities[row] = moved
		for i := range t.columns {
			c := &t.columns[i]
			src := unsafe.Pointer(uintptr(c.data) + uintptr(last)*c.size)
			dst := unsafe.Pointer(uintptr(c.data) + uintptr(row)*c.size)
			memCopy(dst, src, c.size)
		}
	}
	t.entities = t.entities[:last]
	t.version++
	return moved
}

// swapRows exchanges two rows including all column data. Used by the
// physical table sort.
func (t *Table) swapRows(i, j int) {
	if i == j {
		return
	}
	t.entities[i], t.entities[j] = t.entities[j], t.entities[i]
	var tmp [256]byte
	for k := range t.columns {
		c := &t.columns[k]
		pi := unsafe.Pointer(uintptr(c.data) + uintptr(i)*c.size)
		pj := unsafe.Pointer(uintptr(c.data) + uintptr(j)*c.size)
		size := c.size
		for size > 0 {
			n := size
			if n > uintptr(len(tmp)) {
				n = uintptr(len(tmp))
			}
			buf := unsafe.Pointer(&tmp[0])
			memCopy(buf, pi, n)
			memCopy(pi, pj, n)
			memCopy(pj, buf, n)
			pi = unsafe.Pointer(uintptr(pi) + n)
			pj = unsafe.Pointer(uintptr(pj) + n)
			size -= n
		}
	}
	t.version++
}

// memCopy copies size bytes from src to dst using built-in copy for performance.
func memCopy(dst, src unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}
	dstBytes := unsafe.Slice((*byte)(dst), size)
	srcBytes := unsafe.Slice((*byte)(src), size)
	copy(dstBytes, srcBytes)
}

// memZero clears size bytes at p.
func memZero(p unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}
	b := unsafe.Slice((*byte)(p), size)
	clear(b)
}
