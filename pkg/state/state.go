package state

import (
	"sort"

	"github.com/cuemby/burrow/pkg/types"
)

// Status tracks where an item state is in its lifecycle.
type Status uint8

const (
	// StatusNew: created in a transient manager, never persisted.
	StatusNew Status = iota
	// StatusExisting: reflects the persisted state.
	StatusExisting
	// StatusExistingModified: persisted state with transient modifications.
	StatusExistingModified
	// StatusExistingRemoved: persisted state removed in the transient view.
	StatusExistingRemoved
	// StatusStaleModified: another session modified the item after this
	// state was read.
	StatusStaleModified
	// StatusStaleDestroyed: another session destroyed the item after this
	// state was read.
	StatusStaleDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusExisting:
		return "existing"
	case StatusExistingModified:
		return "modified"
	case StatusExistingRemoved:
		return "removed"
	case StatusStaleModified:
		return "stale-modified"
	case StatusStaleDestroyed:
		return "stale-destroyed"
	}
	return "unknown"
}

// ItemState is a node or property state.
type ItemState interface {
	ItemID() types.ItemID
	IsNode() bool
	Status() Status
	SetStatus(Status)
	// ModCount is the persisted revision counter used for stale detection.
	ModCount() uint32
	SetModCount(uint32)
	// Overlayed returns the persisted state a transient state shadows, or
	// nil for NEW states and persisted states themselves.
	Overlayed() ItemState
}

type itemBase struct {
	status    Status
	modCount  uint32
	overlayed ItemState
}

func (b *itemBase) Status() Status       { return b.status }
func (b *itemBase) SetStatus(s Status)   { b.status = s }
func (b *itemBase) ModCount() uint32     { return b.modCount }
func (b *itemBase) SetModCount(c uint32) { b.modCount = c }
func (b *itemBase) Overlayed() ItemState { return b.overlayed }

// ChildEntry names one child of a node. Index is the 1-based same-name-
// sibling index; indexes are dense per (parent, name).
type ChildEntry struct {
	Name  types.Name
	Index int
	ID    types.NodeID
}

// NodeState is the state of one node: identity, type, child entries and
// property names. Property values live in PropertyStates.
type NodeState struct {
	itemBase

	ID           types.NodeID
	ParentID     types.NodeID
	NodeTypeName types.Name
	Mixins       []types.Name
	ShareParents []types.NodeID

	childEntries []ChildEntry
	// removedChildEntries keeps the original entries of children removed in
	// the transient view; only the zombie hierarchy consults it.
	removedChildEntries []ChildEntry

	propertyNames map[types.Name]struct{}
}

// NewNodeState builds a node state with the given identity and status.
func NewNodeState(id, parent types.NodeID, nodeType types.Name, status Status) *NodeState {
	return &NodeState{
		itemBase:      itemBase{status: status},
		ID:            id,
		ParentID:      parent,
		NodeTypeName:  nodeType,
		propertyNames: make(map[types.Name]struct{}),
	}
}

func (n *NodeState) ItemID() types.ItemID { return n.ID }
func (n *NodeState) IsNode() bool         { return true }

// Connect links a transient state to the persisted state it shadows.
func (n *NodeState) Connect(overlayed *NodeState) {
	n.overlayed = overlayed
	if overlayed != nil {
		n.modCount = overlayed.modCount
	}
}

// OverlayedNode returns the shadowed node state, or nil.
func (n *NodeState) OverlayedNode() *NodeState {
	if n.overlayed == nil {
		return nil
	}
	return n.overlayed.(*NodeState)
}

// Copy returns a deep copy sharing no mutable structures.
func (n *NodeState) Copy() *NodeState {
	cp := &NodeState{
		itemBase:     n.itemBase,
		ID:           n.ID,
		ParentID:     n.ParentID,
		NodeTypeName: n.NodeTypeName,
	}
	cp.Mixins = append([]types.Name(nil), n.Mixins...)
	cp.ShareParents = append([]types.NodeID(nil), n.ShareParents...)
	cp.childEntries = append([]ChildEntry(nil), n.childEntries...)
	cp.removedChildEntries = append([]ChildEntry(nil), n.removedChildEntries...)
	cp.propertyNames = make(map[types.Name]struct{}, len(n.propertyNames))
	for name := range n.propertyNames {
		cp.propertyNames[name] = struct{}{}
	}
	return cp
}

// ChildEntries returns the ordered child entries. The slice must not be
// modified.
func (n *NodeState) ChildEntries() []ChildEntry {
	return n.childEntries
}

// SetChildEntries replaces the child entry list (bundle load path).
func (n *NodeState) SetChildEntries(entries []ChildEntry) {
	n.childEntries = entries
}

// ChildEntry looks up a child by name and 1-based index.
func (n *NodeState) ChildEntry(name types.Name, index int) (ChildEntry, bool) {
	if index < 1 {
		index = 1
	}
	for _, e := range n.childEntries {
		if e.Name == name && e.Index == index {
			return e, true
		}
	}
	return ChildEntry{}, false
}

// ChildEntryByID looks up a child entry by node id.
func (n *NodeState) ChildEntryByID(id types.NodeID) (ChildEntry, bool) {
	for _, e := range n.childEntries {
		if e.ID == id {
			return e, true
		}
	}
	return ChildEntry{}, false
}

// ChildEntriesByName returns all entries sharing name, in index order.
func (n *NodeState) ChildEntriesByName(name types.Name) []ChildEntry {
	var out []ChildEntry
	for _, e := range n.childEntries {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// AddChildEntry appends a child; its index is one past the current highest
// index for that name.
func (n *NodeState) AddChildEntry(name types.Name, id types.NodeID) ChildEntry {
	index := 1
	for _, e := range n.childEntries {
		if e.Name == name && e.Index >= index {
			index = e.Index + 1
		}
	}
	entry := ChildEntry{Name: name, Index: index, ID: id}
	n.childEntries = append(n.childEntries, entry)
	return entry
}

// RemoveChildEntry removes the entry for id, renumbers remaining same-name
// siblings so indexes stay dense, and records the original entry for the
// zombie view.
func (n *NodeState) RemoveChildEntry(id types.NodeID) bool {
	for i, e := range n.childEntries {
		if e.ID != id {
			continue
		}
		n.childEntries = append(n.childEntries[:i], n.childEntries[i+1:]...)
		for j := range n.childEntries {
			if n.childEntries[j].Name == e.Name && n.childEntries[j].Index > e.Index {
				n.childEntries[j].Index--
			}
		}
		n.removedChildEntries = append(n.removedChildEntries, e)
		return true
	}
	return false
}

// RemovedChildEntries returns the entries removed in the transient view.
func (n *NodeState) RemovedChildEntries() []ChildEntry {
	return n.removedChildEntries
}

// RemovedChildEntry scans the removed entries for id.
func (n *NodeState) RemovedChildEntry(id types.NodeID) (ChildEntry, bool) {
	for _, e := range n.removedChildEntries {
		if e.ID == id {
			return e, true
		}
	}
	return ChildEntry{}, false
}

// HasPropertyName reports whether the node owns a property called name.
func (n *NodeState) HasPropertyName(name types.Name) bool {
	_, ok := n.propertyNames[name]
	return ok
}

// AddPropertyName registers a property on the node.
func (n *NodeState) AddPropertyName(name types.Name) {
	n.propertyNames[name] = struct{}{}
}

// RemovePropertyName drops a property from the node.
func (n *NodeState) RemovePropertyName(name types.Name) {
	delete(n.propertyNames, name)
}

// PropertyNames returns the property names in a stable order.
func (n *NodeState) PropertyNames() []types.Name {
	out := make([]types.Name, 0, len(n.propertyNames))
	for name := range n.propertyNames {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Space != out[j].Space {
			return out[i].Space < out[j].Space
		}
		return out[i].Local < out[j].Local
	})
	return out
}

// HasMixin reports whether the node carries the given mixin.
func (n *NodeState) HasMixin(name types.Name) bool {
	for _, m := range n.Mixins {
		if m == name {
			return true
		}
	}
	return false
}

// IsShareable reports whether the node may have multiple parents.
func (n *NodeState) IsShareable() bool {
	return n.HasMixin(types.NameMixShareable)
}

// PropertyState is the state of one property: its type flag and values.
type PropertyState struct {
	itemBase

	ID          types.PropertyID
	Type        types.PropertyType
	MultiValued bool
	Values      []types.Value
}

// NewPropertyState builds a property state with the given identity.
func NewPropertyState(id types.PropertyID, status Status) *PropertyState {
	return &PropertyState{itemBase: itemBase{status: status}, ID: id}
}

func (p *PropertyState) ItemID() types.ItemID { return p.ID }
func (p *PropertyState) IsNode() bool         { return false }

// Connect links a transient property state to the persisted state it
// shadows.
func (p *PropertyState) Connect(overlayed *PropertyState) {
	p.overlayed = overlayed
	if overlayed != nil {
		p.modCount = overlayed.modCount
	}
}

// Copy returns a deep copy.
func (p *PropertyState) Copy() *PropertyState {
	cp := &PropertyState{
		itemBase:    p.itemBase,
		ID:          p.ID,
		Type:        p.Type,
		MultiValued: p.MultiValued,
	}
	cp.Values = append([]types.Value(nil), p.Values...)
	return cp
}
