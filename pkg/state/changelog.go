package state

import (
	"github.com/cuemby/burrow/pkg/bundle"
	"github.com/cuemby/burrow/pkg/types"
)

// ChangeLog is the ordered set of item states a session intends to commit:
// NEW states in added, EXISTING_MODIFIED in modified, EXISTING_REMOVED in
// deleted, plus node-reference updates. Insertion order is preserved; adding
// the same id again replaces the earlier entry in place.
type ChangeLog struct {
	added    []ItemState
	modified []ItemState
	deleted  []ItemState

	modifiedRefs []*bundle.References
	index        map[string]ItemState
}

// NewChangeLog returns an empty change log.
func NewChangeLog() *ChangeLog {
	return &ChangeLog{index: make(map[string]ItemState)}
}

// Added records a NEW state.
func (c *ChangeLog) Added(s ItemState) {
	c.added = replaceOrAppend(c.added, s)
	c.index[s.ItemID().String()] = s
}

// Modified records an EXISTING_MODIFIED state.
func (c *ChangeLog) Modified(s ItemState) {
	c.modified = replaceOrAppend(c.modified, s)
	c.index[s.ItemID().String()] = s
}

// Deleted records an EXISTING_REMOVED state. A state that was added in the
// same log simply disappears.
func (c *ChangeLog) Deleted(s ItemState) {
	id := s.ItemID().String()
	for i, a := range c.added {
		if a.ItemID().String() == id {
			c.added = append(c.added[:i], c.added[i+1:]...)
			delete(c.index, id)
			return
		}
	}
	c.modified = removeByID(c.modified, id)
	c.deleted = replaceOrAppend(c.deleted, s)
	c.index[id] = s
}

// ModifiedRefs records a node-reference update to persist with the log.
func (c *ChangeLog) ModifiedRefs(refs *bundle.References) {
	for i, r := range c.modifiedRefs {
		if r.Target == refs.Target {
			c.modifiedRefs[i] = refs
			return
		}
	}
	c.modifiedRefs = append(c.modifiedRefs, refs)
}

func replaceOrAppend(list []ItemState, s ItemState) []ItemState {
	id := s.ItemID().String()
	for i, e := range list {
		if e.ItemID().String() == id {
			list[i] = s
			return list
		}
	}
	return append(list, s)
}

func removeByID(list []ItemState, id string) []ItemState {
	for i, e := range list {
		if e.ItemID().String() == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// AddedStates returns the NEW states in insertion order.
func (c *ChangeLog) AddedStates() []ItemState { return c.added }

// ModifiedStates returns the modified states in insertion order.
func (c *ChangeLog) ModifiedStates() []ItemState { return c.modified }

// DeletedStates returns the removed states in insertion order.
func (c *ChangeLog) DeletedStates() []ItemState { return c.deleted }

// RefsChanges returns the node-reference updates.
func (c *ChangeLog) RefsChanges() []*bundle.References { return c.modifiedRefs }

// Get looks up a state recorded in the log.
func (c *ChangeLog) Get(id types.ItemID) (ItemState, bool) {
	s, ok := c.index[id.String()]
	return s, ok
}

// HasUpdates reports whether the log carries any change.
func (c *ChangeLog) HasUpdates() bool {
	return len(c.added) > 0 || len(c.modified) > 0 || len(c.deleted) > 0 || len(c.modifiedRefs) > 0
}

// Reset drops all recorded changes.
func (c *ChangeLog) Reset() {
	c.added = nil
	c.modified = nil
	c.deleted = nil
	c.modifiedRefs = nil
	c.index = make(map[string]ItemState)
}

// TouchedNodeIDs returns every node whose bundle the log affects: changed
// nodes themselves plus the parents of changed properties.
func (c *ChangeLog) TouchedNodeIDs() []types.NodeID {
	seen := make(map[types.NodeID]struct{})
	var out []types.NodeID
	touch := func(id types.NodeID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, list := range [][]ItemState{c.added, c.modified, c.deleted} {
		for _, s := range list {
			switch st := s.(type) {
			case *NodeState:
				touch(st.ID)
			case *PropertyState:
				touch(st.ID.ParentID)
			}
		}
	}
	return out
}
