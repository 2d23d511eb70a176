// Package hierarchy resolves paths to item ids and back over an item-state
// provider. The normal manager sees the provider's view; the zombie variant
// additionally resolves items moved or removed in an uncommitted session by
// consulting the session's attic and the overlayed parents.
package hierarchy

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// Provider supplies item states; both the shared and the transient manager
// implement it.
type Provider interface {
	GetItemState(id types.ItemID) (state.ItemState, bool, error)
}

// AtticProvider additionally exposes a session's attic; the zombie manager
// needs it.
type AtticProvider interface {
	Provider
	GetAtticItemState(id types.ItemID) (state.ItemState, bool)
}

// resolver is the pair of hooks the zombie variant overrides; everything
// else in the manager is shared.
type resolver interface {
	nodeState(id types.NodeID) (*state.NodeState, bool, error)
	childEntry(parent *state.NodeState, name types.Name, index int) (state.ChildEntry, bool)
	childEntryByID(parent *state.NodeState, id types.NodeID) (state.ChildEntry, bool)
	parentID(n *state.NodeState) types.NodeID
}

// Manager resolves path <-> id against one provider view.
type Manager struct {
	res    resolver
	rootID types.NodeID
}

// NewManager builds the normal hierarchy manager.
func NewManager(provider Provider, rootID types.NodeID) *Manager {
	return &Manager{res: &liveResolver{provider: provider}, rootID: rootID}
}

// NewZombieManager builds the variant that still resolves items moved or
// removed within the uncommitted session.
func NewZombieManager(provider AtticProvider, rootID types.NodeID) *Manager {
	return &Manager{res: &zombieResolver{provider: provider}, rootID: rootID}
}

// RootID returns the root node id of this view.
func (m *Manager) RootID() types.NodeID {
	return m.rootID
}

// ResolvePath walks an absolute path to the item it denotes. A miss returns
// ok=false; resolution never fails on not-found.
func (m *Manager) ResolvePath(p types.Path) (types.ItemID, bool, error) {
	if !p.IsAbsolute() {
		return nil, false, fmt.Errorf("path %s is not absolute", p)
	}
	norm, err := p.Normalize()
	if err != nil {
		return nil, false, err
	}
	current, ok, err := m.res.nodeState(m.rootID)
	if err != nil || !ok {
		return nil, false, err
	}
	elems := norm.Elements()
	for i, e := range elems {
		if e.IsRoot() {
			continue
		}
		entry, found := m.res.childEntry(current, e.Name, e.Index)
		if found {
			next, ok, err := m.res.nodeState(entry.ID)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, nil
			}
			current = next
			continue
		}
		// The last step may denote a property of the current node.
		if i == len(elems)-1 && e.Index == 1 && current.HasPropertyName(e.Name) {
			return types.NewPropertyID(current.ID, e.Name), true, nil
		}
		return nil, false, nil
	}
	return current.ID, true, nil
}

// ResolveNodePath resolves a path that must denote a node.
func (m *Manager) ResolveNodePath(p types.Path) (types.NodeID, bool, error) {
	id, ok, err := m.ResolvePath(p)
	if err != nil || !ok {
		return types.NilNodeID, false, err
	}
	nodeID, isNode := id.(types.NodeID)
	if !isNode {
		return types.NilNodeID, false, nil
	}
	return nodeID, true, nil
}

// GetPath builds the absolute path of an item by walking parent pointers to
// the root. Unresolvable items are an error here, unlike ResolvePath.
func (m *Manager) GetPath(id types.ItemID) (types.Path, error) {
	if propID, ok := id.(types.PropertyID); ok {
		parentPath, err := m.GetPath(propID.ParentID)
		if err != nil {
			return types.Path{}, err
		}
		return parentPath.Child(propID.Name, 1), nil
	}

	nodeID := id.(types.NodeID)
	var reversed []types.PathElement
	for nodeID != m.rootID {
		n, ok, err := m.res.nodeState(nodeID)
		if err != nil {
			return types.Path{}, err
		}
		if !ok {
			return types.Path{}, fmt.Errorf("node %s: %w", nodeID, errdefs.ErrNotFound)
		}
		parentID := m.res.parentID(n)
		if parentID.IsNil() {
			return types.Path{}, fmt.Errorf("node %s is orphaned: %w", nodeID, errdefs.ErrNotFound)
		}
		parent, ok, err := m.res.nodeState(parentID)
		if err != nil {
			return types.Path{}, err
		}
		if !ok {
			return types.Path{}, fmt.Errorf("parent %s of %s: %w", parentID, nodeID, errdefs.ErrNotFound)
		}
		entry, found := m.res.childEntryByID(parent, nodeID)
		if !found {
			return types.Path{}, fmt.Errorf("node %s has no entry on parent %s: %w", nodeID, parentID, errdefs.ErrNotFound)
		}
		reversed = append(reversed, types.NamedElement(entry.Name, entry.Index))
		nodeID = parentID
	}

	elems := make([]types.PathElement, 0, len(reversed)+1)
	elems = append(elems, types.RootElement)
	for i := len(reversed) - 1; i >= 0; i-- {
		elems = append(elems, reversed[i])
	}
	p, err := types.NewPath(elems...)
	if err != nil {
		return types.Path{}, err
	}
	return p, nil
}

// GetName returns the name and index of id below the given parent. The
// parent disambiguates shareable nodes reachable from several parents.
func (m *Manager) GetName(id, parentID types.NodeID) (types.Name, int, error) {
	parent, ok, err := m.res.nodeState(parentID)
	if err != nil {
		return types.Name{}, 0, err
	}
	if !ok {
		return types.Name{}, 0, fmt.Errorf("parent %s: %w", parentID, errdefs.ErrNotFound)
	}
	entry, found := m.res.childEntryByID(parent, id)
	if !found {
		return types.Name{}, 0, fmt.Errorf("node %s has no entry on %s: %w", id, parentID, errdefs.ErrNotFound)
	}
	return entry.Name, entry.Index, nil
}

// GetDepth returns the item's distance from the root.
func (m *Manager) GetDepth(id types.ItemID) (int, error) {
	p, err := m.GetPath(id)
	if err != nil {
		return 0, err
	}
	return p.Depth(), nil
}

// IsAncestor reports whether a is a proper ancestor of d over plain parent
// edges.
func (m *Manager) IsAncestor(a, d types.NodeID) (bool, error) {
	current := d
	for {
		n, ok, err := m.res.nodeState(current)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		parent := m.res.parentID(n)
		if parent.IsNil() {
			return false, nil
		}
		if parent == a {
			return true, nil
		}
		current = parent
	}
}

// IsShareAncestor reports whether a is an ancestor of d over the transitive
// closure of parent-or-share-parent edges.
func (m *Manager) IsShareAncestor(a, d types.NodeID) (bool, error) {
	depth, err := m.GetShareRelativeDepth(a, d)
	if err != nil {
		return false, err
	}
	return depth > 0, nil
}

// GetShareRelativeDepth returns the shortest ancestor distance from a down
// to d over parent-or-share-parent edges, or -1 if a is not an ancestor.
func (m *Manager) GetShareRelativeDepth(a, d types.NodeID) (int, error) {
	if a == d {
		return 0, nil
	}
	type hop struct {
		id    types.NodeID
		depth int
	}
	seen := map[types.NodeID]struct{}{d: {}}
	queue := []hop{{id: d, depth: 0}}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		n, ok, err := m.res.nodeState(h.id)
		if err != nil {
			return -1, err
		}
		if !ok {
			continue
		}
		parents := make([]types.NodeID, 0, 1+len(n.ShareParents))
		if p := m.res.parentID(n); !p.IsNil() {
			parents = append(parents, p)
		}
		parents = append(parents, n.ShareParents...)
		for _, p := range parents {
			if p == a {
				return h.depth + 1, nil
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			queue = append(queue, hop{id: p, depth: h.depth + 1})
		}
	}
	return -1, nil
}

// liveResolver sees exactly what the provider sees.
type liveResolver struct {
	provider Provider
}

func (r *liveResolver) nodeState(id types.NodeID) (*state.NodeState, bool, error) {
	s, ok, err := r.provider.GetItemState(id)
	if err != nil || !ok {
		return nil, false, err
	}
	n, isNode := s.(*state.NodeState)
	if !isNode {
		return nil, false, nil
	}
	return n, true, nil
}

func (r *liveResolver) childEntry(parent *state.NodeState, name types.Name, index int) (state.ChildEntry, bool) {
	return parent.ChildEntry(name, index)
}

func (r *liveResolver) childEntryByID(parent *state.NodeState, id types.NodeID) (state.ChildEntry, bool) {
	return parent.ChildEntryByID(id)
}

func (r *liveResolver) parentID(n *state.NodeState) types.NodeID {
	return n.ParentID
}

// zombieResolver consults the attic first, follows overlayed parents, and
// extends child lookups over the removed entries, so that moved and removed
// items keep their former paths until the session commits.
type zombieResolver struct {
	provider AtticProvider
}

func (r *zombieResolver) nodeState(id types.NodeID) (*state.NodeState, bool, error) {
	if s, ok := r.provider.GetAtticItemState(id); ok {
		if n, isNode := s.(*state.NodeState); isNode {
			return n, true, nil
		}
		return nil, false, nil
	}
	s, ok, err := r.provider.GetItemState(id)
	if err != nil || !ok {
		return nil, false, err
	}
	n, isNode := s.(*state.NodeState)
	if !isNode {
		return nil, false, nil
	}
	return n, true, nil
}

func (r *zombieResolver) childEntry(parent *state.NodeState, name types.Name, index int) (state.ChildEntry, bool) {
	if e, ok := parent.ChildEntry(name, index); ok {
		return e, true
	}
	for _, e := range parent.RemovedChildEntries() {
		if e.Name == name && e.Index == index {
			return e, true
		}
	}
	return state.ChildEntry{}, false
}

func (r *zombieResolver) childEntryByID(parent *state.NodeState, id types.NodeID) (state.ChildEntry, bool) {
	if e, ok := parent.ChildEntryByID(id); ok {
		return e, true
	}
	return parent.RemovedChildEntry(id)
}

func (r *zombieResolver) parentID(n *state.NodeState) types.NodeID {
	if overlay := n.OverlayedNode(); overlay != nil {
		return overlay.ParentID
	}
	return n.ParentID
}
