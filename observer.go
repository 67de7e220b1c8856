package kensaku

// Table-lifecycle events delivered to observers.
const (
	eventTableCreate = 1 << iota
	eventTableDelete
)

// tableEvent is one delivery to an observer callback.
type tableEvent struct {
	world *World
	table *Table
	kind  int
}

// observer receives table-lifecycle events from the world. Observers
// installed by caches set bypassQuery: the callback inspects the table
// itself instead of having the event matched against a query first.
type observer struct {
	world       *World
	callback    func(ev tableEvent)
	events      int
	lastEventID uint64
	bypassQuery bool
}

// newObserver registers a callback for the given event mask.
func newObserver(w *World, events int, bypassQuery bool, cb func(ev tableEvent)) *observer {
	o := &observer{
		world:       w,
		callback:    cb,
		events:      events,
		bypassQuery: bypassQuery,
	}
	w.observers = append(w.observers, o)
	return o
}

// fini detaches the observer from the world.
func (o *observer) fini() {
	w := o.world
	for i, cur := range w.observers {
		if cur == o {
			w.observers = append(w.observers[:i], w.observers[i+1:]...)
			break
		}
	}
	o.world = nil
}

// emitTableEvent advances the world event id and fans the event out to
// every observer subscribed to its kind. Each observer remembers the last
// event id it acted on so redundant deliveries of one logical event are
// ignored.
func (w *World) emitTableEvent(kind int, t *Table) {
	w.eventID++
	id := w.eventID
	for _, o := range w.observers {
		if o.events&kind == 0 {
			continue
		}
		if o.lastEventID == id {
			continue
		}
		o.lastEventID = id
		o.callback(tableEvent{world: w, table: t, kind: kind})
	}
}
