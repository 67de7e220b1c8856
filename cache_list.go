package kensaku

// getGroupID computes the group id for a table, 0 when grouping is off.
func (c *queryCache) getGroupID(t *Table) uint64 {
	if c.groupByCallback != nil {
		return c.groupByCallback(c.world, t, c.groupBy, c.groupByCtx)
	}
	return 0
}

// computeGroupID stamps the match with its table's group id.
func (c *queryCache) computeGroupID(qm *matchRecord) {
	if c.groupByCallback != nil {
		if qm.table == nil {
			panic("kensaku: match without table")
		}
		qm.groupID = c.getGroupID(qm.table)
	} else if !c.trivial {
		qm.groupID = 0
	}
}

// ensureGroup returns the sub-list for a group id, creating it lazily and
// invoking the group-create hook.
func (c *queryCache) ensureGroup(id uint64) *matchList {
	group := c.groups[id]
	if group == nil {
		group = &matchList{}
		c.groups[id] = group
		if c.onGroupCreate != nil {
			group.info.Ctx = c.onGroupCreate(c.world, id, c.groupByCtx)
		}
	}
	return group
}

// removeGroup drops an emptied group, firing the group-delete hook.
func (c *queryCache) removeGroup(id uint64) {
	if c.onGroupDelete != nil {
		if group := c.groups[id]; group != nil {
			c.onGroupDelete(c.world, id, group.info.Ctx, c.groupByCtx)
		}
	}
	delete(c.groups, id)
}

// findGroupInsertionNode finds the last node of the group after which a
// new group should be spliced: the live group with the nearest id on the
// smaller side (larger side when cascade ordering is descending). Distance
// is unsigned 64-bit subtraction. A nil result means the new group becomes
// the head of the list.
func (c *queryCache) findGroupInsertionNode(groupID uint64) *matchRecord {
	if c.groupByCallback == nil {
		panic("kensaku: group insertion without grouping")
	}

	var closest *matchList
	var closestID uint64
	desc := c.cascadeDesc

	for id, group := range c.groups {
		if !desc {
			if id >= groupID {
				continue
			}
		} else {
			if id <= groupID {
				continue
			}
		}
		if group.last == nil {
			if group.first != nil {
				panic("kensaku: group list has first but no last")
			}
			continue
		}
		var comp bool
		if !desc {
			comp = (groupID - id) < (groupID - closestID)
		} else {
			comp = (groupID - id) > (groupID - closestID)
		}
		if closest == nil || comp {
			closestID = id
			closest = group
		}
	}

	if closest != nil {
		return closest.last
	}
	return nil // group should be first in the query
}

// createGroup splices the first node of a new group into the ordered list
// at the position that keeps group ids monotone.
func (c *queryCache) createGroup(qm *matchRecord) {
	if c.trivial {
		panic("kensaku: trivial cache cannot group")
	}
	insertAfter := c.findGroupInsertionNode(qm.groupID)

	if insertAfter == nil {
		// This group should appear first in the query list.
		queryFirst := c.list.first
		if queryFirst != nil {
			qm.next = queryFirst
			queryFirst.prev = qm
			c.list.first = qm
		} else {
			if c.list.last != nil {
				panic("kensaku: empty list with a tail")
			}
			c.list.first = qm
			c.list.last = qm
		}
	} else {
		if c.list.first == nil || c.list.last == nil {
			panic("kensaku: inserting after a node in an empty list")
		}
		// This group should appear after another group.
		insertBefore := insertAfter.next
		if qm != insertAfter {
			qm.prev = insertAfter
		}
		insertAfter.next = qm
		qm.next = insertBefore
		if insertBefore != nil {
			insertBefore.prev = qm
		} else {
			if c.list.last != insertAfter {
				panic("kensaku: tail mismatch while appending group")
			}
			// This group should appear last in the query list.
			c.list.last = qm
		}
	}
}

// nodeList returns the sub-list a match belongs to.
func (c *queryCache) nodeList(qm *matchRecord) *matchList {
	if c.groupByCallback != nil {
		return c.groups[qm.groupID]
	}
	return &c.list
}

// ensureNodeList returns the sub-list a match should join, creating the
// group when needed.
func (c *queryCache) ensureNodeList(qm *matchRecord) *matchList {
	if c.groupByCallback != nil {
		return c.ensureGroup(qm.groupID)
	}
	return &c.list
}

// removeTableNode unlinks a match from the ordered list, maintaining the
// owning sub-list, the cache list bounds, and dropping the group when its
// last match leaves.
func (c *queryCache) removeTableNode(qm *matchRecord) {
	prev := qm.prev
	next := qm.next

	if prev == qm || next == qm {
		panic("kensaku: match links to itself")
	}
	if prev != nil && prev == next {
		panic("kensaku: match prev equals next")
	}

	list := c.nodeList(qm)

	if list == nil || list.first == nil {
		// If the list contains no matches, the match must be unlinked.
		if list != nil && list.last != nil {
			panic("kensaku: list has tail but no head")
		}
		if prev != nil || next != nil {
			panic("kensaku: linked match outside its list")
		}
		return
	}

	if prev == nil && c.list.first != qm {
		panic("kensaku: headless match is not the list head")
	}
	if next == nil && c.list.last != qm {
		panic("kensaku: tailless match is not the list tail")
	}

	if prev != nil {
		prev.next = next
	}
	if next != nil {
		next.prev = prev
	}

	if list.info.TableCount <= 0 {
		panic("kensaku: sub-list table count underflow")
	}
	list.info.TableCount--

	if c.groupByCallback != nil {
		groupID := qm.groupID

		// Make sure the cache list is updated when this was the head or
		// tail of the whole list.
		if c.list.first == qm {
			if prev != nil {
				panic("kensaku: list head with predecessor")
			}
			c.list.first = next
			prev = next
		}
		if c.list.last == qm {
			if next != nil {
				panic("kensaku: list tail with successor")
			}
			c.list.last = prev
			next = prev
		}

		if c.list.info.TableCount <= 0 {
			panic("kensaku: cache table count underflow")
		}
		c.list.info.TableCount--
		list.info.MatchCount++

		// Group bounds may only point at nodes of the group.
		if prev != nil && prev.groupID != groupID {
			prev = next
		}
		if next != nil && next.groupID != groupID {
			next = prev
		}

		// Check again, in case both neighbors belonged to other groups.
		if (prev == nil && next == nil) || (prev != nil && prev.groupID != groupID) {
			// There are no more matches left in this group.
			c.removeGroup(groupID)
			list = nil
		}
	}

	if list != nil {
		if list.first == qm {
			list.first = next
		}
		if list.last == qm {
			list.last = prev
		}
	}

	qm.prev = nil
	qm.next = nil

	c.matchCount++
}

// insertTableNode appends a match to its sub-list, creating the group when
// this is its first node, and keeps the cache list bounds coherent.
func (c *queryCache) insertTableNode(qm *matchRecord) {
	// Node should not be part of an existing list.
	if qm.prev != nil || qm.next != nil {
		panic("kensaku: inserting an already linked match")
	}

	// First match reactivates the query entity.
	if c.list.first == nil && c.entity != 0 {
		c.world.Remove(c.entity, TagEmpty)
	}

	c.computeGroupID(qm)

	list := c.ensureNodeList(qm)

	if list.last != nil {
		if c.list.first == nil || c.list.last == nil || list.first == nil {
			panic("kensaku: partially initialized list")
		}

		last := list.last
		lastNext := last.next

		qm.prev = last
		qm.next = lastNext
		last.next = qm

		if lastNext != nil {
			lastNext.prev = qm
		}

		list.last = qm

		if c.groupByCallback != nil {
			// Make sure the cache list is updated when this is the last group.
			if c.list.last == last {
				c.list.last = qm
			}
		}
	} else {
		if list.first != nil {
			panic("kensaku: list has head but no tail")
		}

		list.first = qm
		list.last = qm

		if c.groupByCallback != nil {
			// Initialize the group with its first node.
			c.createGroup(qm)
		}
	}

	if c.groupByCallback != nil {
		list.info.TableCount++
		list.info.MatchCount++
	}

	c.list.info.TableCount++
	c.matchCount++

	if qm.prev == qm || qm.next == qm {
		panic("kensaku: match links to itself")
	}
	if list.first == nil || list.last == nil || list.last != qm {
		panic("kensaku: sub-list bounds incoherent after insert")
	}
	if c.list.first == nil || c.list.last == nil {
		panic("kensaku: cache list bounds incoherent after insert")
	}
	if c.list.first.prev != nil || c.list.last.next != nil {
		panic("kensaku: cache list bounds are linked outwards")
	}
}
