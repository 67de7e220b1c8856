package kensaku

import "fmt"

// matchRecord is the leaf entity of a cache: one way a table satisfies the
// query. Records link three ways: prev/next in the globally ordered match
// list, nextMatch in the per-table chain, and groupID as the slicing key.
//
// The ids and sources arrays are nil while the match agrees with the
// query-declared ids and has no external sources; readers then borrow the
// query's ids and the cache's shared zero sources. Non-nil arrays are
// owned and pool-allocated. Trivial caches never populate the optional
// fields and never link nextMatch.
type matchRecord struct {
	table *Table
	trs   []*tableRecord

	prev, next *matchRecord
	nextMatch  *matchRecord
	groupID    uint64

	ids       []Entity
	sources   []Entity
	srcTables []*Table
	monitor   []int32

	setFields uint32
	upFields  uint32
}

// cacheTable is the per-table entry of the cache: the chain of match
// records the table produced, and the rematch sweep that last confirmed it.
type cacheTable struct {
	first, last  *matchRecord
	rematchCount int32
	sortVersion  uint32 // table version at the last physical sort
}

// GroupInfo is the bookkeeping block of one group.
type GroupInfo struct {
	// TableCount is the number of matches currently in the group.
	TableCount int32
	// MatchCount is a change epoch for the group, bumped on mutations.
	MatchCount int32
	// Ctx is the user context produced by OnGroupCreate.
	Ctx any
}

// matchList delimits a contiguous run of the ordered match list. The
// cache's global list and every group sub-list share this shape.
type matchList struct {
	first, last *matchRecord
	info        GroupInfo
}

// queryCache precomputes and incrementally maintains the set of tables
// matching a query so iteration is proportional to matches, not tables.
type queryCache struct {
	world    *World
	query    *Query // public cached query
	uncached *Query // sibling query used to (re)populate the cache

	tables map[uint64]*cacheTable
	list   matchList
	groups map[uint64]*matchList

	groupBy         Entity
	groupByCallback GroupByFunc
	groupByCtx      any
	groupByCtxFree  func(any)
	onGroupCreate   GroupCreateFunc
	onGroupDelete   GroupDeleteFunc
	cascadeBy       int // 1-based term index of the cascade term, or 0
	cascadeDesc     bool

	orderBy      Entity
	orderByFunc  OrderByFunc
	orderByTable TableSortFunc
	orderByTerm  int
	tableSlices  []tableSlice

	matchCount        int
	prevMatchCount    int
	rematchCount      int32
	monitorGeneration uint64

	observer *observer
	entity   Entity
	sources  []Entity // shared zero-filled source array

	pools cachePools

	trivial       bool
	yieldEmpty    bool
	detectChanges bool
}

// newQueryCache builds the cache for a compiled query: it creates the
// uncached sibling, analyzes the signature, configures grouping, matches
// every existing table, installs the table-lifecycle observer and applies
// the optional sort.
func newQueryCache(w *World, q *Query, desc *QueryDesc) (*queryCache, error) {
	if desc.OrderBy != 0 && desc.OrderByCallback == nil {
		return nil, fmt.Errorf("%w: order_by set without comparator", ErrInvalidParameter)
	}
	if desc.OrderBy.IsWildcard() {
		return nil, fmt.Errorf("%w: order_by cannot be a wildcard", ErrInvalidParameter)
	}

	// The sibling query populates the cache. It must not cache itself,
	// carries none of the grouping/ordering configuration, and always
	// matches empty tables so the cache can track them.
	sibDesc := QueryDesc{Terms: desc.Terms, CacheKind: CacheNone, Flags: desc.Flags}
	uncached, err := compileQuery(w, sibDesc)
	if err != nil {
		return nil, fmt.Errorf("query init failed: %w", err)
	}
	uncached.yieldEmpty = true

	cache := &queryCache{
		world:         w,
		query:         q,
		uncached:      uncached,
		tables:        make(map[uint64]*cacheTable),
		entity:        desc.Entity,
		pools:         newCachePools(q.fieldCount),
		detectChanges: desc.Flags&DetectChanges != 0,
	}

	if err := cache.processSignature(); err != nil {
		return nil, err
	}

	// order_by is not compatible with matching empty tables: slices of an
	// empty table have nothing to order against.
	cache.yieldEmpty = desc.Flags&MatchEmptyTables != 0 && desc.OrderByCallback == nil

	noGrouping := desc.GroupBy == 0 && desc.GroupByCallback == nil
	cache.trivial = q.matchOnlySelf && !q.matchWildcards && !q.hasRefs &&
		noGrouping && desc.OrderByCallback == nil && !cache.detectChanges
	for i := range q.terms {
		if q.terms[i].Oper != OperAnd {
			cache.trivial = false
		}
	}

	// Group before matching so tables land in place immediately.
	if cache.cascadeBy != 0 {
		if !noGrouping {
			cache.unregisterMonitors()
			return nil, fmt.Errorf("%w: cannot mix cascade and group_by", ErrInvalidParameter)
		}
		term := &q.terms[cache.cascadeBy-1]
		cache.configureGroupBy(term.id, groupByCascade, term)
	} else if !noGrouping {
		cb := desc.GroupByCallback
		if cb == nil {
			cb = defaultGroupBy
		}
		cache.configureGroupBy(desc.GroupBy, cb, desc.GroupByCtx)
		cache.groupByCtxFree = desc.GroupByCtxFree
		cache.onGroupCreate = desc.OnGroupCreate
		cache.onGroupDelete = desc.OnGroupDelete
	}

	if q.fieldCount > 0 {
		cache.sources = cache.pools.allocIDs()
	}

	cache.matchTables()

	if desc.OrderByCallback != nil {
		if err := cache.configureOrderBy(desc.OrderBy, desc.OrderByCallback, desc.OrderByTableCallback); err != nil {
			cache.teardown()
			return nil, err
		}
	}

	if q.fieldCount > 0 {
		cache.observer = newObserver(w, eventTableCreate|eventTableDelete, true, cache.onEvent)
	}

	if cache.entity != 0 && len(cache.tables) == 0 && q.fieldCount > 0 {
		w.Add(cache.entity, TagEmpty)
	}

	cache.prevMatchCount = -1
	return cache, nil
}

// processSignature validates every term for cache support, locates the
// cascade term and registers the component monitors that gate rematching.
func (c *queryCache) processSignature() error {
	for i := range c.query.terms {
		term := &c.query.terms[i]
		if err := checkTermRef(&term.Src, true); err != nil {
			return err
		}
		if err := checkTermRef(&term.First, false); err != nil {
			return err
		}
		if err := checkTermRef(&term.Second, false); err != nil {
			return err
		}
		if term.InOut == InOutFilter {
			return fmt.Errorf("%w: InOutFilter is not valid for cached queries", ErrUnsupported)
		}
		if term.Src.Flags&RefCascade != 0 {
			if c.cascadeBy != 0 {
				return fmt.Errorf("%w: query can only have one cascade term", ErrInvalidParameter)
			}
			c.cascadeBy = i + 1
			c.cascadeDesc = term.Src.Flags&RefDesc != 0
		}
	}
	c.forEachComponentMonitor(c.world.monitorRegister)
	return nil
}

// checkTermRef rejects named variables; only $this and wildcards are
// supported as variables in cached queries.
func checkTermRef(ref *TermRef, isSrc bool) error {
	if ref.Flags&RefIsVariable == 0 && ref.Name == "" {
		return nil
	}
	if isSrc && ref.isThis() {
		return nil
	}
	if ref.Name == "" || ref.Name == "$this" || ref.Name == "*" {
		return nil
	}
	return fmt.Errorf("%w: named variable %q in cached query", ErrUnsupported, ref.Name)
}

// forEachComponentMonitor visits every id whose structural changes can
// invalidate a match: traversal pairs (plus the inheritance wildcard when
// the traversal is not IsA) and ids resolved on sources other than $this.
func (c *queryCache) forEachComponentMonitor(fn func(id Entity, q *Query)) {
	for i := range c.query.terms {
		term := &c.query.terms[i]
		if term.Src.Flags&RefUp != 0 {
			fn(Pair(term.Trav, Wildcard), c.query)
			if term.Trav != IsA {
				fn(Pair(IsA, Wildcard), c.query)
			}
			fn(term.id, c.query)
		} else if term.Src.Flags&RefSelf != 0 && !term.Src.isThis() {
			fn(term.id, c.query)
		}
	}
}

func (c *queryCache) unregisterMonitors() {
	c.forEachComponentMonitor(c.world.monitorUnregister)
}

// configureGroupBy enables grouping. Reconfiguring an already-grouped
// cache is a programming error.
func (c *queryCache) configureGroupBy(groupBy Entity, cb GroupByFunc, ctx any) {
	if c.groupByCallback != nil {
		panic("kensaku: query is already grouped")
	}
	c.groupBy = groupBy
	c.groupByCallback = cb
	c.groupByCtx = ctx
	c.groups = make(map[uint64]*matchList)
}

// defaultGroupBy resolves groupBy as a relationship and returns the object
// of the table's first matching pair, or 0.
func defaultGroupBy(w *World, t *Table, groupBy Entity, _ any) uint64 {
	if idx := t.search(Pair(groupBy, Wildcard), 0); idx != -1 {
		return uint64(t.ids[idx].PairObj())
	}
	return 0
}

// groupByCascade groups tables by their depth under the cascade term's
// traversal relationship. Ascending group order then yields breadth-first
// iteration.
func groupByCascade(w *World, t *Table, _ Entity, ctx any) uint64 {
	term := ctx.(*Term)
	return uint64(w.RelationDepth(term.Trav, t))
}

// matchTables populates the cache from every table in the world.
func (c *queryCache) matchTables() {
	var table *Table
	var qt *cacheTable

	it := newMatchIter(c.world, c.uncached, true)
	for it.Next() {
		if table != it.table || qt == nil {
			table = it.table
			qt = c.pools.allocEntry()
			c.tables[table.id] = qt
		}
		qm := c.addTableMatch(qt, table)
		c.setTableMatch(qm, it)
	}
}

// matchTable runs the matcher against a single table, short-circuiting
// through the advisory bloom filter. Returns whether the table matched.
func (c *queryCache) matchTable(t *Table) bool {
	if c.tables == nil {
		return false
	}
	if !bloomParanoid && !t.bloom.test(c.uncached.bloom) {
		return false
	}

	var qt *cacheTable
	it := newMatchIter(c.world, c.uncached, true)
	it.setTable(t)
	for it.Next() {
		if qt == nil {
			qt = c.pools.allocEntry()
			c.tables[t.id] = qt
		}
		qm := c.addTableMatch(qt, t)
		c.setTableMatch(qm, it)
	}

	if bloomParanoid && qt != nil && !t.bloom.test(c.uncached.bloom) {
		panic("kensaku: bloom filter rejected a matching table")
	}
	return qt != nil
}

// addTableMatch creates a match record for a table and links it into the
// per-table chain and the ordered list. One table can produce several
// matches when the query contains wildcards.
func (c *queryCache) addTableMatch(qt *cacheTable, table *Table) *matchRecord {
	qm := c.pools.allocMatch(c.trivial)
	if qt.first == nil {
		qt.first = qm
		qt.last = qm
	} else {
		if !c.trivial {
			qt.last.nextMatch = qm
		}
		qt.last = qm
	}
	qm.table = table
	qm.trs = c.pools.allocTRS()
	c.insertTableNode(qm)
	return qm
}

// setTableMatch copies one matcher result into a match record. Per-match
// id and source arrays are only owned when they diverge from the
// query-declared ids respectively the all-$this source shape.
func (c *queryCache) setTableMatch(qm *matchRecord, it *matchIter) {
	n := c.query.fieldCount
	copy(qm.trs, it.trs)

	divergentIDs := false
	for i := 0; i < n; i++ {
		if it.ids[i] != c.query.ids[i] {
			divergentIDs = true
			break
		}
	}
	externalSource := false
	for i := 0; i < n; i++ {
		if it.sources[i] != 0 {
			externalSource = true
			break
		}
	}

	if c.trivial {
		if divergentIDs || externalSource {
			panic("kensaku: trivial cache matched divergent ids or external sources")
		}
		return
	}

	if divergentIDs {
		if qm.ids == nil {
			qm.ids = c.pools.allocIDs()
		}
		copy(qm.ids, it.ids)
	} else if qm.ids != nil {
		c.pools.freeIDs(qm.ids)
		qm.ids = nil
	}

	if externalSource {
		if qm.sources == nil {
			qm.sources = c.pools.allocIDs()
		}
		copy(qm.sources, it.sources)
		if qm.srcTables == nil {
			qm.srcTables = c.pools.allocTables()
		}
		for i := 0; i < n; i++ {
			if it.trs[i] != nil {
				qm.srcTables[i] = it.trs[i].table
			}
		}
	} else {
		if qm.sources != nil {
			c.pools.freeIDs(qm.sources)
			qm.sources = nil
		}
		if qm.srcTables != nil {
			c.pools.freeTables(qm.srcTables)
			qm.srcTables = nil
		}
	}

	if c.detectChanges && qm.monitor == nil {
		qm.monitor = c.pools.allocMonitor()
	}

	qm.setFields = it.setFields
	qm.upFields = it.upFields
}

// freeMatchChain releases a per-table chain of match records in order.
func (c *queryCache) freeMatchChain(first *matchRecord) {
	for cur := first; cur != nil; {
		c.pools.freeTRS(cur.trs)
		cur.trs = nil
		if !c.trivial {
			if cur.ids != nil {
				c.pools.freeIDs(cur.ids)
			}
			if cur.sources != nil {
				c.pools.freeIDs(cur.sources)
			}
			if cur.srcTables != nil {
				c.pools.freeTables(cur.srcTables)
			}
			if cur.monitor != nil {
				c.pools.freeMonitor(cur.monitor)
			}
		}
		c.removeTableNode(cur)
		next := cur.nextMatch
		c.pools.freeMatch(cur, c.trivial)
		cur = next
	}
}

// getTable returns the cache entry for a table, or nil when the table
// never matched.
func (c *queryCache) getTable(t *Table) *cacheTable {
	return c.tables[t.id]
}

// unmatchTable drops a table and its whole match chain from the cache.
func (c *queryCache) unmatchTable(tableID uint64, qt *cacheTable) {
	if qt == nil {
		qt = c.tables[tableID]
	}
	if qt == nil {
		return
	}
	delete(c.tables, tableID)
	c.freeMatchChain(qt.first)
	c.pools.freeEntry(qt)

	if len(c.tables) == 0 && c.entity != 0 {
		c.world.Add(c.entity, TagEmpty)
	}
}

// onEvent handles table-lifecycle deliveries. Creation runs the matcher on
// the new table only; deletion drops the entry when the cache knows the
// table.
func (c *queryCache) onEvent(ev tableEvent) {
	switch ev.kind {
	case eventTableCreate:
		if c.matchTable(ev.table) {
			Logger.Debugf("query [%s] matched new table %d", c.query.Str(), ev.table.id)
		}
	case eventTableDelete:
		if c.getTable(ev.table) == nil {
			return
		}
		Logger.Debugf("query [%s] dropped table %d", c.query.Str(), ev.table.id)
		c.unmatchTable(ev.table.id, nil)
	}
}

// teardown releases everything the cache owns. Group destructors fire,
// monitors unregister, every table entry and match record returns to its
// pool.
func (c *queryCache) teardown() {
	if c.observer != nil {
		c.observer.fini()
		c.observer = nil
	}

	if c.onGroupDelete != nil {
		for id, group := range c.groups {
			c.onGroupDelete(c.world, id, group.info.Ctx, c.groupByCtx)
		}
		c.onGroupDelete = nil
	}
	if c.groupByCtxFree != nil && c.groupByCtx != nil {
		c.groupByCtxFree(c.groupByCtx)
	}

	c.unregisterMonitors()

	for id, qt := range c.tables {
		delete(c.tables, id)
		c.freeMatchChain(qt.first)
		c.pools.freeEntry(qt)
	}
	c.groups = nil
	c.tableSlices = nil

	if c.sources != nil {
		c.pools.freeIDs(c.sources)
		c.sources = nil
	}

	if live := c.pools.liveCount(); live != 0 {
		panic(fmt.Sprintf("kensaku: cache pools leak %d allocations", live))
	}
	c.tables = nil
}

// fini finalizes the cache.
func (c *queryCache) fini() {
	c.teardown()
}
