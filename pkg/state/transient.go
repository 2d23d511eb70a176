package state

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// TransientItemStateManager (TISM) is a session's uncommitted overlay over
// the shared manager. It tracks NEW states, EXISTING_MODIFIED states, and
// an attic holding the removed states so the zombie hierarchy can still
// resolve them. It is confined to one goroutine at a time.
type TransientItemStateManager struct {
	shared *SharedItemStateManager

	added    map[string]ItemState
	modified map[string]ItemState
	attic    map[string]ItemState

	changes *ChangeLog
}

// NewTransientItemStateManager builds an empty overlay for one session.
func NewTransientItemStateManager(shared *SharedItemStateManager) *TransientItemStateManager {
	return &TransientItemStateManager{
		shared:   shared,
		added:    make(map[string]ItemState),
		modified: make(map[string]ItemState),
		attic:    make(map[string]ItemState),
		changes:  NewChangeLog(),
	}
}

// Shared returns the underlying shared manager.
func (t *TransientItemStateManager) Shared() *SharedItemStateManager {
	return t.shared
}

// Changes returns the session's change log.
func (t *TransientItemStateManager) Changes() *ChangeLog {
	return t.changes
}

// GetItemState resolves id through the overlay: added, then modified, then
// the shared manager. Items removed in this session are not visible.
func (t *TransientItemStateManager) GetItemState(id types.ItemID) (ItemState, bool, error) {
	key := id.String()
	if s, ok := t.added[key]; ok {
		return s, true, nil
	}
	if s, ok := t.modified[key]; ok {
		return s, true, nil
	}
	if _, ok := t.attic[key]; ok {
		return nil, false, nil
	}
	return t.shared.GetItemState(id)
}

// HasItemState reports whether id resolves through the overlay.
func (t *TransientItemStateManager) HasItemState(id types.ItemID) bool {
	_, ok, err := t.GetItemState(id)
	return err == nil && ok
}

// GetAtticItemState resolves id through the attic only.
func (t *TransientItemStateManager) GetAtticItemState(id types.ItemID) (ItemState, bool) {
	s, ok := t.attic[id.String()]
	return s, ok
}

// CreateNodeState registers a NEW node state.
func (t *TransientItemStateManager) CreateNodeState(id, parent types.NodeID, nodeType types.Name) *NodeState {
	n := NewNodeState(id, parent, nodeType, StatusNew)
	n.AddPropertyName(types.NamePrimaryType)
	t.added[id.String()] = n
	t.changes.Added(n)
	return n
}

// CreatePropertyState registers a NEW property state.
func (t *TransientItemStateManager) CreatePropertyState(id types.PropertyID) *PropertyState {
	p := NewPropertyState(id, StatusNew)
	t.added[id.String()] = p
	t.changes.Added(p)
	return p
}

// ModifiableNodeState returns a node state the session may mutate
// structurally (child entries, parent, type, mixins): the transient copy if
// one exists, otherwise a fresh copy of the shared state connected to its
// overlay. The state joins the change log, so the save protocol will stale-
// check and persist it.
func (t *TransientItemStateManager) ModifiableNodeState(id types.NodeID) (*NodeState, error) {
	cp, err := t.copyOnWriteNode(id)
	if err != nil {
		return nil, err
	}
	if cp.Status() != StatusNew {
		t.changes.Modified(cp)
	}
	return cp, nil
}

// VisibleNodeState returns the same transient copy without entering it into
// the change log. Property additions and removals update the parent's
// property-name set through it: the name set is derived from the stored
// properties at assembly time, so a pure property change must not mark the
// node itself modified (and must not conflict with concurrent disjoint
// property writes).
func (t *TransientItemStateManager) VisibleNodeState(id types.NodeID) (*NodeState, error) {
	return t.copyOnWriteNode(id)
}

func (t *TransientItemStateManager) copyOnWriteNode(id types.NodeID) (*NodeState, error) {
	key := id.String()
	if s, ok := t.added[key]; ok {
		return s.(*NodeState), nil
	}
	if s, ok := t.modified[key]; ok {
		return s.(*NodeState), nil
	}
	if _, ok := t.attic[key]; ok {
		return nil, fmt.Errorf("node %s was removed in this session: %w", id, errdefs.ErrNotFound)
	}
	s, ok, err := t.shared.GetItemState(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, errdefs.ErrNotFound)
	}
	overlay := s.(*NodeState)
	cp := overlay.Copy()
	cp.Connect(overlay)
	cp.SetStatus(StatusExistingModified)
	t.modified[key] = cp
	return cp, nil
}

// ModifiablePropertyState is the property analogue of ModifiableNodeState.
// Missing properties return ErrNotFound; the session creates new ones with
// CreatePropertyState.
func (t *TransientItemStateManager) ModifiablePropertyState(id types.PropertyID) (*PropertyState, error) {
	key := id.String()
	if s, ok := t.added[key]; ok {
		return s.(*PropertyState), nil
	}
	if s, ok := t.modified[key]; ok {
		return s.(*PropertyState), nil
	}
	if _, ok := t.attic[key]; ok {
		return nil, fmt.Errorf("property %s was removed in this session: %w", id, errdefs.ErrNotFound)
	}
	s, ok, err := t.shared.GetItemState(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("property %s: %w", id, errdefs.ErrNotFound)
	}
	overlay := s.(*PropertyState)
	cp := overlay.Copy()
	cp.Connect(overlay)
	cp.SetStatus(StatusExistingModified)
	t.modified[key] = cp
	t.changes.Modified(cp)
	return cp, nil
}

// DestroyItemState removes an item in the transient view. NEW states simply
// disappear; persisted states move to the attic with status
// EXISTING_REMOVED.
func (t *TransientItemStateManager) DestroyItemState(s ItemState) {
	key := s.ItemID().String()
	if s.Status() == StatusNew {
		delete(t.added, key)
		t.changes.Deleted(s)
		return
	}
	delete(t.modified, key)
	s.SetStatus(StatusExistingRemoved)
	t.attic[key] = s
	t.changes.Deleted(s)
}

// HasPendingChanges reports whether the session holds uncommitted changes.
func (t *TransientItemStateManager) HasPendingChanges() bool {
	return t.changes.HasUpdates()
}

// AfterSave resets the overlay once the shared manager accepted the log.
func (t *TransientItemStateManager) AfterSave() {
	t.reset()
}

// Discard throws the overlay away, resetting the status of every transient
// state to EXISTING. No listener is notified.
func (t *TransientItemStateManager) Discard() {
	for _, m := range []map[string]ItemState{t.added, t.modified, t.attic} {
		for _, s := range m {
			s.SetStatus(StatusExisting)
		}
	}
	t.reset()
}

func (t *TransientItemStateManager) reset() {
	t.added = make(map[string]ItemState)
	t.modified = make(map[string]ItemState)
	t.attic = make(map[string]ItemState)
	t.changes = NewChangeLog()
}
