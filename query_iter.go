package kensaku

// termState is the per-term backtracking state of an uncached iteration.
type termState struct {
	next        int  // type index to resume the self search at
	selfMatched bool // last match was found on the source table itself
}

// matchIter evaluates a query without a cache. It yields one result per
// (table, wildcard binding) combination; the per-field arrays are owned by
// the iterator and overwritten on every result. Component data is never
// loaded, which makes the iterator suitable for cache population and event
// matching.
type matchIter struct {
	world *World
	query *Query

	fixedTable *Table // $this bound to a single table
	fixedDone  bool
	tableIdx   int

	table     *Table
	trs       []*tableRecord
	ids       []Entity
	sources   []Entity
	srcTables []*Table
	setFields uint32
	upFields  uint32

	states     []termState
	yieldEmpty bool
	useBloom   bool
}

// newMatchIter prepares an uncached iteration over every table of the
// world. yieldEmpty controls whether tables with no rows are reported.
func newMatchIter(w *World, q *Query, yieldEmpty bool) *matchIter {
	n := q.fieldCount
	return &matchIter{
		world:      w,
		query:      q,
		trs:        make([]*tableRecord, n),
		ids:        make([]Entity, n),
		sources:    make([]Entity, n),
		srcTables:  make([]*Table, n),
		states:     make([]termState, n),
		yieldEmpty: yieldEmpty,
	}
}

// setTable binds the iteration's $this variable to a single table.
func (it *matchIter) setTable(t *Table) {
	it.fixedTable = t
	it.fixedDone = false
}

// Next advances to the next result. A table with several wildcard bindings
// is reported once per binding.
func (it *matchIter) Next() bool {
	if it.query.fieldCount == 0 {
		return false
	}
	for {
		if it.table == nil {
			if !it.nextTable() {
				return false
			}
			if it.matchFrom(0, 0) {
				return true
			}
			it.table = nil
			continue
		}
		if it.advance() {
			return true
		}
		it.table = nil
	}
}

// nextTable moves to the next candidate table, applying the advisory bloom
// pre-filter and the empty-table policy.
func (it *matchIter) nextTable() bool {
	if it.fixedTable != nil {
		if it.fixedDone {
			return false
		}
		it.fixedDone = true
		it.table = it.fixedTable
		return true
	}
	tables := it.world.tables.tables
	for it.tableIdx < len(tables) {
		t := tables[it.tableIdx]
		it.tableIdx++
		if !it.yieldEmpty && t.Count() == 0 {
			continue
		}
		if it.useBloom && !t.bloom.test(it.query.bloom) {
			continue
		}
		it.table = t
		return true
	}
	return false
}

// advance finds the next wildcard binding of the current table.
func (it *matchIter) advance() bool {
	i := it.query.fieldCount - 1
	for i >= 0 && !it.advanceable(i) {
		i--
	}
	if i < 0 {
		return false
	}
	return it.matchFrom(i, it.states[i].next)
}

// advanceable reports whether term i can yield another binding on the
// current table.
func (it *matchIter) advanceable(i int) bool {
	term := &it.query.terms[i]
	return term.id.IsWildcard() && term.Oper != OperNot && it.states[i].selfMatched
}

// matchFrom fills terms i..n-1, starting the self search of term i at type
// index from, backtracking into earlier wildcard terms on failure.
func (it *matchIter) matchFrom(i, from int) bool {
	n := it.query.fieldCount
	for i < n {
		if it.matchTerm(i, from) {
			i++
			from = 0
			continue
		}
		for i--; i >= 0 && !it.advanceable(i); i-- {
		}
		if i < 0 {
			return false
		}
		from = it.states[i].next
	}
	return true
}

// matchTerm matches one term against the current table, recording the
// field result and the resume point for wildcard continuation.
func (it *matchIter) matchTerm(i, from int) bool {
	term := &it.query.terms[i]
	st := &it.states[i]
	st.selfMatched = false

	srcTable := it.table
	var srcEnt Entity
	if term.Src.Flags&RefIsEntity != 0 {
		srcEnt = term.Src.ID
		srcTable = it.world.EntityTable(srcEnt)
	}

	found := false
	if srcTable != nil && term.Src.Flags&RefSelf != 0 {
		if idx := srcTable.search(term.id, from); idx != -1 {
			found = true
			st.next = idx + 1
			st.selfMatched = srcEnt == 0
			it.setField(i, srcTable, idx, srcEnt, false)
		}
	}
	if !found && srcTable != nil && term.Src.Flags&RefUp != 0 {
		found = it.matchUp(i, term, srcTable)
	}

	switch term.Oper {
	case OperNot:
		if found {
			return false
		}
		it.clearField(i, term.id)
		return true
	case OperOptional:
		if !found {
			it.clearField(i, term.id)
		}
		return true
	default:
		return found
	}
}

// matchUp walks relationship edges upwards from the source table until a
// table carrying the term id is found.
func (it *matchIter) matchUp(i int, term *Term, srcTable *Table) bool {
	cur := srcTable
	for {
		pidx := cur.search(Pair(term.Trav, Wildcard), 0)
		if pidx == -1 {
			return false
		}
		objIdx := uint32(cur.ids[pidx].PairObj())
		m := it.world.metaByIndex(objIdx)
		if m == nil || m.table == nil {
			return false
		}
		parent := withGen(objIdx, m.gen)
		if idx := m.table.search(term.id, 0); idx != -1 {
			it.setField(i, m.table, idx, parent, true)
			return true
		}
		cur = m.table
	}
}

// setField records a matched field.
func (it *matchIter) setField(i int, t *Table, typeIdx int, src Entity, up bool) {
	it.trs[i] = t.recordAt(typeIdx)
	it.ids[i] = t.ids[typeIdx]
	it.sources[i] = src
	if src != 0 {
		it.srcTables[i] = t
	} else {
		it.srcTables[i] = nil
	}
	it.setFields |= 1 << i
	if up {
		it.upFields |= 1 << i
	} else {
		it.upFields &^= 1 << i
	}
}

// clearField records an unmatched field for Not and absent Optional terms.
func (it *matchIter) clearField(i int, id Entity) {
	it.trs[i] = nil
	it.ids[i] = id
	it.sources[i] = 0
	it.srcTables[i] = nil
	it.setFields &^= 1 << i
	it.upFields &^= 1 << i
}
