package kensaku

import "time"

// rematch re-validates the whole cache against the world. It runs at most
// once per world monitor generation: queries whose terms reach beyond
// their own table (Up traversals, fixed sources) cannot rely on table
// lifecycle events alone, so any structural change to a monitored id
// forces one full sweep of the uncached query.
//
// Existing match records are reused in chain order and updated in place;
// chains that shrank are truncated, tables that no longer match are
// dropped wholesale.
func (c *queryCache) rematch() {
	if c.trivial {
		panic("kensaku: trivial cache cannot rematch")
	}
	w := c.world
	if c.monitorGeneration == w.monitorGeneration {
		return
	}
	c.monitorGeneration = w.monitorGeneration
	c.rematchCount++
	rematchCount := c.rematchCount

	stats := w.Stats()
	if stats != nil {
		stats.RematchCountTotal++
	}
	start := time.Now()

	var table *Table
	var qt *cacheTable
	var qm *matchRecord

	it := newMatchIter(w, c.uncached, true)
	for it.Next() {
		if table != it.table || qt == nil {
			// Finished the previous table; drop the stale chain tail.
			if qm != nil && qm.nextMatch != nil {
				c.freeMatchChain(qm.nextMatch)
				qm.nextMatch = nil
				qt.last = qm
			}

			table = it.table
			qt = c.tables[table.id]
			if qt == nil {
				qt = c.pools.allocEntry()
				c.tables[table.id] = qt
			}
			qt.rematchCount = rematchCount
			qm = nil
		}

		if qm == nil {
			qm = qt.first
		} else {
			qm = qm.nextMatch
		}
		if qm == nil {
			qm = c.addTableMatch(qt, table)
		}

		c.setTableMatch(qm, it)

		if c.groupByCallback != nil {
			if c.getGroupID(table) != qm.groupID {
				// The table moved to another group; relocate the match.
				c.removeTableNode(qm)
				c.insertTableNode(qm)
			}
		}
	}

	if qm != nil && qm.nextMatch != nil {
		c.freeMatchChain(qm.nextMatch)
		qm.nextMatch = nil
		qt.last = qm
	}

	// Drop every table that was not confirmed by this sweep. Collect ids
	// first so the map is not modified while iterating it.
	var unmatched []uint64
	for id, entry := range c.tables {
		if entry.rematchCount != rematchCount {
			unmatched = append(unmatched, id)
		}
	}
	for _, id := range unmatched {
		c.unmatchTable(id, nil)
	}

	if stats != nil {
		stats.RematchTimeSeconds += time.Since(start).Seconds()
	}
	Logger.Debugf("query [%s] rematched, %d tables", c.query.Str(), len(c.tables))
}
