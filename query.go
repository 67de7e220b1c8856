package kensaku

import (
	"fmt"
	"strings"
	"unsafe"
)

// maxTerms bounds the number of terms in one query; field bitmasks are 32
// bits wide.
const maxTerms = 32

// RefFlags qualify how a term reference is resolved.
type RefFlags uint8

const (
	// RefSelf matches the id on the source itself.
	RefSelf RefFlags = 1 << iota
	// RefUp matches the id by traversing the term's relationship upwards.
	RefUp
	// RefCascade requests iteration ordered by traversal depth. Implies RefUp.
	RefCascade
	// RefDesc inverts cascade ordering to deepest-first.
	RefDesc
	// RefIsVariable marks the reference as a query variable.
	RefIsVariable
	// RefIsEntity pins the reference to a fixed entity instead of $this.
	RefIsEntity
)

// TermRef is one reference slot of a term: its first, source or second.
type TermRef struct {
	ID    Entity
	Name  string
	Flags RefFlags
}

// isThis reports whether the reference is the default $this variable.
func (r *TermRef) isThis() bool {
	if r.Flags&RefIsEntity != 0 {
		return false
	}
	return r.ID == 0 && (r.Name == "" || r.Name == "$this")
}

// TermOper is the boolean operator of a term.
type TermOper uint8

const (
	// OperAnd requires the term to match.
	OperAnd TermOper = iota
	// OperNot requires the term to not match.
	OperNot
	// OperOptional matches whether or not the term is present.
	OperOptional
)

// InOutKind declares component access of a term.
type InOutKind uint8

const (
	// InOutDefault derives access from the term shape.
	InOutDefault InOutKind = iota
	// InOutNone declares the term is matched but never accessed.
	InOutNone
	// In declares read-only access.
	In
	// Out declares write-only access.
	Out
	// InOutFilter declares filter-only semantics. Not supported by cached
	// queries.
	InOutFilter
)

// Term is one constraint of a query.
type Term struct {
	First  TermRef
	Src    TermRef
	Second TermRef
	Trav   Entity
	Oper   TermOper
	InOut  InOutKind

	id Entity // resolved effective id
}

// CacheKind selects the caching policy of a query.
type CacheKind uint8

const (
	// CacheDefault precomputes and incrementally maintains matched tables.
	CacheDefault CacheKind = iota
	// CacheNone evaluates the query against all tables on every iteration.
	CacheNone
)

// QueryFlags toggle optional query behaviors.
type QueryFlags uint32

const (
	// MatchEmptyTables makes iteration yield tables with no entities.
	MatchEmptyTables QueryFlags = 1 << iota
	// DetectChanges reserves per-match change counters and disables the
	// trivial cache layout.
	DetectChanges
)

// GroupByFunc computes the group id for a table.
type GroupByFunc func(w *World, t *Table, groupBy Entity, ctx any) uint64

// GroupCreateFunc runs when a group is created; its result becomes the
// group context.
type GroupCreateFunc func(w *World, groupID uint64, groupByCtx any) any

// GroupDeleteFunc runs when a group's last match is removed.
type GroupDeleteFunc func(w *World, groupID uint64, groupCtx, groupByCtx any)

// OrderByFunc compares two entities by their order-by component values.
// The pointers are nil when the component holds no data for the entity.
type OrderByFunc func(e1 Entity, p1 unsafe.Pointer, e2 Entity, p2 unsafe.Pointer) int

// TableSortFunc sorts the rows of one table in place. base and size locate
// the order-by column; implementations exchange rows with World.SwapRows
// so the entity index stays coherent.
type TableSortFunc func(w *World, t *Table, base unsafe.Pointer, size uintptr, cmp OrderByFunc)

// QueryDesc describes a query to create. The zero value of every unused
// field must be preserved.
type QueryDesc struct {
	Terms     []Term
	CacheKind CacheKind
	Flags     QueryFlags

	GroupBy         Entity
	GroupByCallback GroupByFunc
	GroupByCtx      any
	GroupByCtxFree  func(any)
	OnGroupCreate   GroupCreateFunc
	OnGroupDelete   GroupDeleteFunc

	OrderBy              Entity
	OrderByCallback      OrderByFunc
	OrderByTableCallback TableSortFunc

	// Entity optionally names a world entity representing the query. It
	// carries TagEmpty whenever the cache holds no matches.
	Entity Entity
}

// Query is a compiled query. Queries created with CacheDefault own a cache
// that tracks matching tables incrementally; CacheNone queries scan the
// world on every iteration.
type Query struct {
	world      *World
	terms      []Term
	ids        []Entity // declared per-field ids
	fieldCount int
	bloom      bloomFilter
	cache      *queryCache
	entity     Entity

	matchWildcards bool
	matchOnlySelf  bool
	hasRefs        bool
	yieldEmpty     bool
	detectChanges  bool
}

// NewQuery compiles a query descriptor against a world. With the default
// cache kind the matching tables are computed immediately and maintained
// as tables are created and deleted.
func NewQuery(w *World, desc QueryDesc) (*Query, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: world is nil", ErrInvalidParameter)
	}
	if w.finalizing {
		return nil, fmt.Errorf("%w: cannot create query during world shutdown", ErrInvalidOperation)
	}
	q, err := compileQuery(w, desc)
	if err != nil {
		return nil, err
	}
	if desc.CacheKind != CacheNone {
		cache, err := newQueryCache(w, q, &desc)
		if err != nil {
			return nil, err
		}
		q.cache = cache
	}
	w.queries = append(w.queries, q)
	Logger.Debugf("query [%s] created", q.Str())
	return q, nil
}

// compileQuery resolves term defaults and effective ids and derives the
// query-level flags.
func compileQuery(w *World, desc QueryDesc) (*Query, error) {
	if len(desc.Terms) > maxTerms {
		return nil, fmt.Errorf("%w: query has more than %d terms", ErrInvalidParameter, maxTerms)
	}
	q := &Query{
		world:         w,
		terms:         append([]Term(nil), desc.Terms...),
		fieldCount:    len(desc.Terms),
		entity:        desc.Entity,
		matchOnlySelf: true,
		yieldEmpty:    desc.Flags&MatchEmptyTables != 0,
		detectChanges: desc.Flags&DetectChanges != 0,
	}
	q.ids = make([]Entity, q.fieldCount)
	for i := range q.terms {
		term := &q.terms[i]
		if term.First.ID == 0 && term.First.Name == "" {
			return nil, fmt.Errorf("%w: term %d has no id", ErrInvalidParameter, i)
		}
		if term.Src.Flags&RefCascade != 0 {
			term.Src.Flags |= RefUp
		}
		if term.Src.Flags&(RefSelf|RefUp) == 0 {
			term.Src.Flags |= RefSelf
		}
		if term.Src.Flags&RefUp != 0 && term.Trav == 0 {
			term.Trav = ChildOf
		}
		if term.Second.ID != 0 || term.Second.Name == "*" {
			second := term.Second.ID
			if term.Second.Name == "*" {
				second = Wildcard
			}
			term.id = Pair(term.First.ID.stripGen(), second.stripGen())
		} else {
			term.id = term.First.ID.stripGen()
		}
		if term.id.IsWildcard() {
			q.matchWildcards = true
		}
		srcIsThis := term.Src.isThis()
		if !srcIsThis || term.Src.Flags&RefUp != 0 {
			q.matchOnlySelf = false
		}
		if term.Src.Flags&RefUp != 0 || term.Src.Flags&RefIsEntity != 0 {
			q.hasRefs = true
		}
		q.ids[i] = term.id
		if term.Oper == OperAnd && srcIsThis && term.Src.Flags&RefUp == 0 &&
			term.id != Wildcard && term.id != Pair(Wildcard, Wildcard) {
			q.bloom |= bloomHash(term.id)
		}
	}
	return q, nil
}

// Close finalizes the query. For cached queries the cache is torn down:
// group destructors run, monitors unregister and every match record is
// released back to its pool.
func (q *Query) Close() {
	if q.cache != nil {
		q.cache.fini()
		q.cache = nil
	}
	w := q.world
	for i, cur := range w.queries {
		if cur == q {
			w.queries = append(w.queries[:i], w.queries[i+1:]...)
			break
		}
	}
}

// World returns the world the query was created for.
func (q *Query) World() *World {
	return q.world
}

// Terms returns the compiled terms. The slice is owned by the query.
func (q *Query) Terms() []Term {
	return q.terms
}

// HasTrivialCache reports whether the query uses the trivial cache layout.
func (q *Query) HasTrivialCache() bool {
	return q.cache != nil && q.cache.trivial
}

// TableCount returns the number of tables in the cache.
func (q *Query) TableCount() int {
	if q.cache == nil {
		return 0
	}
	return len(q.cache.tables)
}

// EntityCount returns the total number of entities across cached tables.
func (q *Query) EntityCount() int {
	if q.cache == nil {
		return 0
	}
	total := 0
	for _, qt := range q.cache.tables {
		total += qt.first.table.Count()
	}
	return total
}

// GroupInfo returns the bookkeeping block of a group, or nil when the
// group does not exist.
func (q *Query) GroupInfo(groupID uint64) *GroupInfo {
	if q.cache == nil {
		return nil
	}
	g := q.cache.groups[groupID]
	if g == nil {
		return nil
	}
	return &g.info
}

// GroupCtx returns the user context attached to a group, or nil.
func (q *Query) GroupCtx(groupID uint64) any {
	info := q.GroupInfo(groupID)
	if info == nil {
		return nil
	}
	return info.Ctx
}

// Rematch re-validates every cached match against the world. It runs at
// most once per world monitor generation and only for queries whose terms
// reach beyond their own table.
func (q *Query) Rematch() {
	if q.cache != nil && q.hasRefs {
		q.cache.rematch()
	}
}

// Str renders the query's terms for diagnostics.
func (q *Query) Str() string {
	var b strings.Builder
	for i := range q.terms {
		term := &q.terms[i]
		if i > 0 {
			b.WriteString(", ")
		}
		switch term.Oper {
		case OperNot:
			b.WriteByte('!')
		case OperOptional:
			b.WriteByte('?')
		}
		fmt.Fprintf(&b, "#%d", uint64(term.id))
		if term.Src.Flags&RefCascade != 0 {
			fmt.Fprintf(&b, "(cascade %d)", uint64(term.Trav))
		} else if term.Src.Flags&RefUp != 0 {
			fmt.Fprintf(&b, "(up %d)", uint64(term.Trav))
		} else if term.Src.Flags&RefIsEntity != 0 {
			fmt.Fprintf(&b, "(src %d)", uint64(term.Src.ID))
		}
	}
	return b.String()
}
