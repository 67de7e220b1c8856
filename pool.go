package kensaku

import "sync"

// cachePools are the size-class allocators of one cache. Every per-match
// allocation goes through a pool and is returned on unmatch or fini; the
// live counters make leaks observable, and a fini that leaves a pool
// non-empty is a bug.
//
// Array classes are sized by the query's field count, so one cache's
// arrays never migrate into another cache.
type cachePools struct {
	fieldCount int

	match   sync.Pool // *matchRecord, full layout
	trivial sync.Pool // *matchRecord, trivial layout
	entry   sync.Pool // *cacheTable
	trs     sync.Pool // []*tableRecord, len fieldCount
	ids     sync.Pool // []Entity, len fieldCount
	tables  sync.Pool // []*Table, len fieldCount
	monitor sync.Pool // []int32, len 1+fieldCount

	liveMatch   int
	liveTrivial int
	liveEntry   int
	liveTRS     int
	liveIDs     int
	liveTables  int
	liveMonitor int
}

func newCachePools(fieldCount int) cachePools {
	p := cachePools{fieldCount: fieldCount}
	p.match.New = func() any { return &matchRecord{} }
	p.trivial.New = func() any { return &matchRecord{} }
	p.entry.New = func() any { return &cacheTable{} }
	p.trs.New = func() any { return make([]*tableRecord, fieldCount) }
	p.ids.New = func() any { return make([]Entity, fieldCount) }
	p.tables.New = func() any { return make([]*Table, fieldCount) }
	p.monitor.New = func() any { return make([]int32, 1+fieldCount) }
	return p
}

func (p *cachePools) allocMatch(trivial bool) *matchRecord {
	if trivial {
		p.liveTrivial++
		return p.trivial.Get().(*matchRecord)
	}
	p.liveMatch++
	return p.match.Get().(*matchRecord)
}

func (p *cachePools) freeMatch(m *matchRecord, trivial bool) {
	*m = matchRecord{}
	if trivial {
		p.liveTrivial--
		p.trivial.Put(m)
		return
	}
	p.liveMatch--
	p.match.Put(m)
}

func (p *cachePools) allocEntry() *cacheTable {
	p.liveEntry++
	return p.entry.Get().(*cacheTable)
}

func (p *cachePools) freeEntry(qt *cacheTable) {
	*qt = cacheTable{}
	p.liveEntry--
	p.entry.Put(qt)
}

func (p *cachePools) allocTRS() []*tableRecord {
	p.liveTRS++
	return p.trs.Get().([]*tableRecord)
}

func (p *cachePools) freeTRS(s []*tableRecord) {
	clear(s)
	p.liveTRS--
	p.trs.Put(s)
}

func (p *cachePools) allocIDs() []Entity {
	p.liveIDs++
	s := p.ids.Get().([]Entity)
	clear(s)
	return s
}

func (p *cachePools) freeIDs(s []Entity) {
	p.liveIDs--
	p.ids.Put(s)
}

func (p *cachePools) allocTables() []*Table {
	p.liveTables++
	s := p.tables.Get().([]*Table)
	clear(s)
	return s
}

func (p *cachePools) freeTables(s []*Table) {
	p.liveTables--
	p.tables.Put(s)
}

func (p *cachePools) allocMonitor() []int32 {
	p.liveMonitor++
	s := p.monitor.Get().([]int32)
	clear(s)
	return s
}

func (p *cachePools) freeMonitor(s []int32) {
	p.liveMonitor--
	p.monitor.Put(s)
}

// liveCount reports outstanding allocations across all classes.
func (p *cachePools) liveCount() int {
	return p.liveMatch + p.liveTrivial + p.liveEntry + p.liveTRS +
		p.liveIDs + p.liveTables + p.liveMonitor
}
