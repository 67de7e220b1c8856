package kensaku

import (
	"encoding/binary"
	"reflect"
	"sort"
)

// MaxComponentTypes defines the maximum number of unique typed component
// types that can be registered in a World. This value is fixed at 256.
const MaxComponentTypes = 256

// entityMeta holds the internal location and state of an entity.
type entityMeta struct {
	table *Table // nil while the entity is dead
	row   int32  // position inside the table
	gen   uint16 // current generation, matched against the id
}

// componentRegistry maps Go types to component entities. Typed components
// occupy the low id indices so table masks can key on them.
type componentRegistry struct {
	compTypeMap map[reflect.Type]Entity
	compTypes   [MaxComponentTypes]reflect.Type
	compSizes   [MaxComponentTypes]uintptr
	nextIndex   uint32
}

// entityRegistry hands out and recycles entity indices.
type entityRegistry struct {
	metas   []entityMeta // indexed by entity index - firstEntityIndex
	freeIDs []uint32     // stack of recycled entity indices
}

// tableRegistry owns every table in the world, keyed by type signature.
type tableRegistry struct {
	byKey   map[string]*Table
	tables  []*Table
	nextID  uint64
	version uint32 // incremented when a table is created or deleted
}

// firstEntityIndex is where regular entity indices begin; the range below
// it is reserved for builtins and typed components.
const firstEntityIndex = MaxComponentTypes

// World owns entities, components, tables and the event and monitor
// machinery queries attach to. All mutating operations require exclusive
// access; the world performs no internal locking.
type World struct {
	resources         *Resources
	components        componentRegistry
	entities          entityRegistry
	tables            tableRegistry
	observers         []*observer
	queries           []*Query
	monitors          map[Entity]map[*Query]int
	monitorGeneration uint64
	eventID           uint64
	mutationVersion   uint32
	finalizing        bool
}

// WorldStats aggregates engine counters. It is stored in the world's
// resource registry at creation and updated by the cache machinery.
type WorldStats struct {
	TablesCreated      int64
	TablesDeleted      int64
	RematchCountTotal  int64
	RematchTimeSeconds float64
}

// NewWorld creates and initializes a new World with a specified initial
// capacity for entities. It pre-allocates memory for the entity metadata
// and free ID list to optimize performance.
//
// Parameters:
//   - initialCapacity: The number of entities to pre-allocate memory for.
//
// Returns:
//   - A pointer to the newly created World.
func NewWorld(initialCapacity int) *World {
	w := &World{
		resources: &Resources{},
		components: componentRegistry{
			compTypeMap: make(map[reflect.Type]Entity, 16),
			nextIndex:   firstUserIndex,
		},
		entities: entityRegistry{
			metas:   make([]entityMeta, 0, initialCapacity),
			freeIDs: make([]uint32, 0, initialCapacity),
		},
		tables: tableRegistry{
			byKey:  make(map[string]*Table, 16),
			nextID: 1,
		},
		monitors: make(map[Entity]map[*Query]int),
	}
	w.resources.Add(&WorldStats{})
	// Pre-create the root table for componentless entities.
	w.ensureTableFor(nil)
	return w
}

// Resources returns the world's resource registry, a typed store for
// world-scoped singletons such as WorldStats.
func (w *World) Resources() *Resources {
	return w.resources
}

// Stats returns the world's counter block.
func (w *World) Stats() *WorldStats {
	s, _ := GetResource[WorldStats](w.resources)
	return s
}

// Close finalizes the world: every live query is finalized first so that
// observers detach and monitors unregister, then all storage is dropped.
func (w *World) Close() {
	w.finalizing = true
	for len(w.queries) > 0 {
		w.queries[len(w.queries)-1].Close()
	}
	w.tables.byKey = nil
	w.tables.tables = nil
	w.resources.Clear()
}

// Component registers (or fetches) the component entity for the Go type T.
// Typed components occupy reserved low indices so archetype masks can key
// on them; their storage size is taken from the type.
func Component[T any](w *World) Entity {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if id, ok := w.components.compTypeMap[t]; ok {
		return id
	}
	if w.components.nextIndex >= MaxComponentTypes {
		panic("kensaku: too many component types")
	}
	idx := w.components.nextIndex
	w.components.nextIndex++
	w.components.compTypes[idx] = t
	w.components.compSizes[idx] = t.Size()
	id := Entity(idx)
	w.components.compTypeMap[t] = id
	return id
}

// idStorage returns the storage size and type for an id. Pairs store the
// data of their relationship when it is a typed component, otherwise of
// their object; tags and plain entities store nothing.
func (w *World) idStorage(id Entity) (uintptr, reflect.Type) {
	if id.IsPair() {
		rel := id.PairRel()
		if rel.index() < MaxComponentTypes && w.components.compSizes[rel.index()] > 0 {
			return w.components.compSizes[rel.index()], w.components.compTypes[rel.index()]
		}
		obj := id.PairObj()
		if obj.index() < MaxComponentTypes && w.components.compSizes[obj.index()] > 0 {
			return w.components.compSizes[obj.index()], w.components.compTypes[obj.index()]
		}
		return 0, nil
	}
	idx := id.index()
	if idx < MaxComponentTypes {
		return w.components.compSizes[idx], w.components.compTypes[idx]
	}
	return 0, nil
}

// NewEntity creates a new entity with no components.
func (w *World) NewEntity() Entity {
	var idx uint32
	var gen uint16
	if n := len(w.entities.freeIDs); n > 0 {
		idx = w.entities.freeIDs[n-1]
		w.entities.freeIDs = w.entities.freeIDs[:n-1]
		gen = w.entities.metas[idx-firstEntityIndex].gen
	} else {
		idx = firstEntityIndex + uint32(len(w.entities.metas))
		w.entities.metas = append(w.entities.metas, entityMeta{gen: 1})
		gen = 1
	}
	e := withGen(idx, gen)
	root := w.tables.tables[0]
	row := root.appendRow(e)
	m := w.meta(e)
	m.table = root
	m.row = int32(row)
	w.mutationVersion++
	return e
}

// IsValid checks if the entity is currently alive in the world.
func (w *World) IsValid(e Entity) bool {
	m := w.metaChecked(e)
	return m != nil && m.table != nil
}

// RemoveEntity removes a single entity, recycling its index.
func (w *World) RemoveEntity(e Entity) {
	m := w.metaChecked(e)
	if m == nil || m.table == nil {
		return
	}
	for _, id := range m.table.ids {
		w.markMonitorsChanged(id)
	}
	w.detachRow(m.table, int(m.row))
	m.table = nil
	m.row = -1
	m.gen++
	w.entities.freeIDs = append(w.entities.freeIDs, e.index())
	w.mutationVersion++
}

// Add adds an id (a tag, a typed component, or a pair) to an entity.
// Adding an id the entity already has is a no-op. Component data starts
// zeroed.
func (w *World) Add(e Entity, id Entity) {
	m := w.metaChecked(e)
	if m == nil || m.table == nil {
		return
	}
	id = id.stripGen()
	if m.table.has(id) {
		return
	}
	dst := w.tableWith(m.table, id)
	w.moveEntity(e, m, dst)
	w.markMonitorsChanged(id)
	w.mutationVersion++
}

// Remove removes an id from an entity. Removing an absent id is a no-op.
func (w *World) Remove(e Entity, id Entity) {
	m := w.metaChecked(e)
	if m == nil || m.table == nil {
		return
	}
	id = id.stripGen()
	if !m.table.has(id) {
		return
	}
	dst := w.tableWithout(m.table, id)
	w.moveEntity(e, m, dst)
	w.markMonitorsChanged(id)
	w.mutationVersion++
}

// Has reports whether the entity carries the id.
func (w *World) Has(e Entity, id Entity) bool {
	m := w.metaChecked(e)
	return m != nil && m.table != nil && m.table.has(id.stripGen())
}

// Set adds a component of type `T` with the given value to an entity, or
// updates it if the component already exists.
func Set[T any](w *World, e Entity, val T) {
	id := Component[T](w)
	m := w.metaChecked(e)
	if m == nil || m.table == nil {
		return
	}
	if !m.table.has(id) {
		w.Add(e, id)
	}
	idx := m.table.search(id, 0)
	col := m.table.records[idx].column
	*(*T)(m.table.columnPtr(col, int(m.row))) = val
}

// Get retrieves a pointer to the component of type `T` for the given
// entity, or nil when the entity is invalid or lacks the component.
func Get[T any](w *World, e Entity) *T {
	id := Component[T](w)
	m := w.metaChecked(e)
	if m == nil || m.table == nil {
		return nil
	}
	if !m.table.mask.containsBit(uint8(id.index())) {
		return nil
	}
	idx := m.table.search(id, 0)
	col := m.table.records[idx].column
	return (*T)(m.table.columnPtr(col, int(m.row)))
}

// EntityTable returns the table an entity currently lives in, or nil.
func (w *World) EntityTable(e Entity) *Table {
	m := w.metaChecked(e)
	if m == nil {
		return nil
	}
	return m.table
}

// Tables returns all live tables. The slice is owned by the world.
func (w *World) Tables() []*Table {
	return w.tables.tables
}

// RelationDepth returns the depth of the table under the given
// relationship: 0 for tables without an outgoing edge, otherwise one more
// than the depth of the first target's table.
func (w *World) RelationDepth(rel Entity, t *Table) int32 {
	var depth int32
	for t != nil {
		idx := t.search(Pair(rel, Wildcard), 0)
		if idx == -1 {
			break
		}
		obj := t.ids[idx].PairObj()
		m := w.metaByIndex(uint32(obj))
		if m == nil || m.table == nil {
			depth++
			break
		}
		depth++
		t = m.table
	}
	return depth
}

// CleanupTables deletes every empty table except the root, emitting
// TableDelete events so caches drop their entries.
func (w *World) CleanupTables() {
	var doomed []*Table
	for _, t := range w.tables.tables[1:] {
		if t.Count() == 0 {
			doomed = append(doomed, t)
		}
	}
	for _, t := range doomed {
		// A delete observer may have moved an entity back in (for example
		// the Empty tag landing on a query entity); re-check emptiness.
		if t.Count() == 0 {
			w.deleteTable(t)
		}
	}
}

// meta returns the metadata slot for a live entity id.
func (w *World) meta(e Entity) *entityMeta {
	return &w.entities.metas[e.index()-firstEntityIndex]
}

// metaByIndex returns the metadata slot for a raw index, or nil.
func (w *World) metaByIndex(idx uint32) *entityMeta {
	if idx < firstEntityIndex || int(idx-firstEntityIndex) >= len(w.entities.metas) {
		return nil
	}
	return &w.entities.metas[idx-firstEntityIndex]
}

// metaChecked resolves an entity id to its metadata, verifying generation.
func (w *World) metaChecked(e Entity) *entityMeta {
	m := w.metaByIndex(e.index())
	if m == nil || m.gen != e.gen() {
		return nil
	}
	return m
}

// typeKey builds the registry key for a sorted id signature.
func typeKey(ids []Entity) string {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(id))
	}
	return string(buf)
}

// ensureTableFor returns the table for a sorted signature, creating it and
// emitting TableCreate when missing.
func (w *World) ensureTableFor(ids []Entity) *Table {
	key := typeKey(ids)
	if t, ok := w.tables.byKey[key]; ok {
		return t
	}
	t := newTable(w, w.tables.nextID, ids)
	w.tables.nextID++
	w.tables.byKey[key] = t
	w.tables.tables = append(w.tables.tables, t)
	w.tables.version++
	if s := w.Stats(); s != nil {
		s.TablesCreated++
	}
	for _, id := range ids {
		w.markMonitorsChanged(id)
	}
	w.emitTableEvent(eventTableCreate, t)
	return t
}

// deleteTable removes an empty table from the registry and notifies
// observers.
func (w *World) deleteTable(t *Table) {
	if t.Count() != 0 {
		panic("kensaku: cannot delete non-empty table")
	}
	key := typeKey(t.ids)
	if w.tables.byKey[key] != t {
		return
	}
	delete(w.tables.byKey, key)
	for i, cur := range w.tables.tables {
		if cur == t {
			w.tables.tables = append(w.tables.tables[:i], w.tables.tables[i+1:]...)
			break
		}
	}
	w.tables.version++
	if s := w.Stats(); s != nil {
		s.TablesDeleted++
	}
	for _, id := range t.ids {
		w.markMonitorsChanged(id)
	}
	w.emitTableEvent(eventTableDelete, t)
}

// tableWith returns the table whose signature is src's plus id.
func (w *World) tableWith(src *Table, id Entity) *Table {
	ids := make([]Entity, 0, len(src.ids)+1)
	ids = append(ids, src.ids...)
	ids = append(ids, id)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return w.ensureTableFor(ids)
}

// tableWithout returns the table whose signature is src's minus id.
func (w *World) tableWithout(src *Table, id Entity) *Table {
	ids := make([]Entity, 0, len(src.ids)-1)
	for _, cur := range src.ids {
		if cur != id {
			ids = append(ids, cur)
		}
	}
	return w.ensureTableFor(ids)
}

// moveEntity relocates an entity to dst, copying the columns the two
// tables share.
func (w *World) moveEntity(e Entity, m *entityMeta, dst *Table) {
	src := m.table
	srcRow := int(m.row)
	dstRow := dst.appendRow(e)
	for ci := range src.columns {
		sc := &src.columns[ci]
		di := dst.search(sc.id, 0)
		if di == -1 {
			continue
		}
		dcol := dst.records[di].column
		memCopy(dst.columnPtr(dcol, dstRow), src.columnPtr(int16(ci), srcRow), sc.size)
	}
	w.detachRow(src, srcRow)
	m.table = dst
	m.row = int32(dstRow)
}

// detachRow removes a row from a table and patches the entity index of the
// row that was swapped into its place.
func (w *World) detachRow(t *Table, row int) {
	moved := t.removeRow(row)
	if moved != 0 {
		w.meta(moved).row = int32(row)
	}
}

// SwapRows exchanges two rows of a table and keeps the entity index
// coherent. Table sort callbacks must use it to reorder rows.
func (w *World) SwapRows(t *Table, i, j int) {
	t.swapRows(i, j)
	w.meta(t.entities[i]).row = int32(i)
	w.meta(t.entities[j]).row = int32(j)
}

// monitorRegister notes that the query must be re-validated whenever the
// id is affected by a structural change. Registrations are refcounted.
func (w *World) monitorRegister(id Entity, q *Query) {
	set := w.monitors[id]
	if set == nil {
		set = make(map[*Query]int, 1)
		w.monitors[id] = set
	}
	set[q]++
}

// monitorUnregister drops one registration of (id, q).
func (w *World) monitorUnregister(id Entity, q *Query) {
	set := w.monitors[id]
	if set == nil {
		return
	}
	if set[q]--; set[q] <= 0 {
		delete(set, q)
	}
	if len(set) == 0 {
		delete(w.monitors, id)
	}
}

// markMonitorsChanged bumps the world monitor generation when a structural
// change touches an id some query monitors. Monitored keys may contain
// wildcards; one bump per change is enough because rematching is
// generation-gated, not per-id.
func (w *World) markMonitorsChanged(id Entity) {
	for key := range w.monitors {
		if idMatch(id, key) {
			w.monitorGeneration++
			return
		}
	}
}
