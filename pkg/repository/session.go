package repository

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/acl"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/hierarchy"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/query"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// Session is one authoring view over a workspace: a transient item-state
// overlay, a hierarchy view over it, the zombie view for diagnostics, and
// the session's lock tokens. A session is confined to one goroutine at a
// time.
type Session struct {
	id   string
	user string
	ws   *Workspace

	tism   *state.TransientItemStateManager
	hm     *hierarchy.Manager
	zombie *hierarchy.Manager
	tokens lock.TokenSet

	closed bool
	logger zerolog.Logger
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// User returns the logged-in user.
func (s *Session) User() string { return s.user }

// Workspace returns the session's workspace.
func (s *Session) Workspace() *Workspace { return s.ws }

// HasPendingChanges reports whether the session holds unsaved changes.
func (s *Session) HasPendingChanges() bool { return s.tism.HasPendingChanges() }

// withReadLock runs fn under the ISM read lock; writers block it globally.
func (s *Session) withReadLock(ctx context.Context, fn func() error) error {
	rl, err := s.ws.sism.Locking().AcquireRead(ctx)
	if err != nil {
		return err
	}
	defer rl.Release()
	return fn()
}

func (s *Session) resolveNode(p types.Path) (types.NodeID, error) {
	id, ok, err := s.hm.ResolveNodePath(p)
	if err != nil {
		return types.NilNodeID, err
	}
	if !ok {
		return types.NilNodeID, fmt.Errorf("no node at %s: %w", p, errdefs.ErrNotFound)
	}
	return id, nil
}

// NodeID resolves an absolute path to a node id.
func (s *Session) NodeID(ctx context.Context, path string) (types.NodeID, error) {
	p, err := types.ParsePath(path)
	if err != nil {
		return types.NilNodeID, err
	}
	var id types.NodeID
	err = s.withReadLock(ctx, func() error {
		if err := s.ws.acl.CanRead(s.user, p); err != nil {
			return err
		}
		id, err = s.resolveNode(p)
		return err
	})
	return id, err
}

// NodeState reads the node at path through the session's transient view.
func (s *Session) NodeState(ctx context.Context, path string) (*state.NodeState, error) {
	p, err := types.ParsePath(path)
	if err != nil {
		return nil, err
	}
	var n *state.NodeState
	err = s.withReadLock(ctx, func() error {
		if err := s.ws.acl.CanRead(s.user, p); err != nil {
			return err
		}
		id, err := s.resolveNode(p)
		if err != nil {
			return err
		}
		st, ok, err := s.tism.GetItemState(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("node %s: %w", id, errdefs.ErrNotFound)
		}
		n = st.(*state.NodeState)
		return nil
	})
	return n, err
}

// Property reads a property through the session's transient view.
func (s *Session) Property(ctx context.Context, nodePath string, name types.Name) (*state.PropertyState, error) {
	p, err := types.ParsePath(nodePath)
	if err != nil {
		return nil, err
	}
	var prop *state.PropertyState
	err = s.withReadLock(ctx, func() error {
		if err := s.ws.acl.CanRead(s.user, p.Child(name, 1)); err != nil {
			return err
		}
		id, err := s.resolveNode(p)
		if err != nil {
			return err
		}
		st, ok, err := s.tism.GetItemState(types.NewPropertyID(id, name))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("property %s on %s: %w", name, nodePath, errdefs.ErrNotFound)
		}
		prop = st.(*state.PropertyState)
		return nil
	})
	return prop, err
}

// Path returns the item's path in the session's (transient) view.
func (s *Session) Path(id types.ItemID) (types.Path, error) {
	return s.hm.GetPath(id)
}

// ZombiePath resolves the path of an item even after the session moved or
// removed it, through the attic-backed zombie view.
func (s *Session) ZombiePath(id types.ItemID) (types.Path, error) {
	return s.zombie.GetPath(id)
}

// AddNode creates a child node under parentPath.
func (s *Session) AddNode(ctx context.Context, parentPath string, name, primaryType types.Name) (types.NodeID, error) {
	p, err := types.ParsePath(parentPath)
	if err != nil {
		return types.NilNodeID, err
	}
	if primaryType.IsZero() {
		primaryType = types.NameNTUnstructured
	}
	var id types.NodeID
	err = s.withReadLock(ctx, func() error {
		if err := s.ws.acl.CanAddChild(s.user, p); err != nil {
			return err
		}
		parentID, err := s.resolveNode(p)
		if err != nil {
			return err
		}
		if err := s.ws.locks.CheckWrite(parentID, s.tokens); err != nil {
			return err
		}
		if _, ok := s.ws.nodeTypes.Get(primaryType); !ok {
			return fmt.Errorf("unknown node type %s: %w", primaryType, errdefs.ErrConstraint)
		}
		parent, err := s.tism.ModifiableNodeState(parentID)
		if err != nil {
			return err
		}
		id = types.NewNodeID()
		node := s.tism.CreateNodeState(id, parentID, primaryType)
		parent.AddChildEntry(name, node.ID)
		return nil
	})
	if err != nil {
		return types.NilNodeID, err
	}
	s.logger.Debug().Str("parent", parentPath).Str("name", name.String()).Msg("node added")
	return id, nil
}

// SetProperty sets a single-valued property on the node at nodePath.
// Binary values above the inline threshold move to the data store and the
// property keeps only the blob reference.
func (s *Session) SetProperty(ctx context.Context, nodePath string, name types.Name, value types.Value) error {
	return s.setProperty(ctx, nodePath, name, []types.Value{value}, false)
}

// SetMultiProperty sets a multi-valued property.
func (s *Session) SetMultiProperty(ctx context.Context, nodePath string, name types.Name, values []types.Value) error {
	return s.setProperty(ctx, nodePath, name, values, true)
}

func (s *Session) setProperty(ctx context.Context, nodePath string, name types.Name, values []types.Value, multi bool) error {
	p, err := types.ParsePath(nodePath)
	if err != nil {
		return err
	}
	if isProtectedName(name) {
		return fmt.Errorf("property %s is protected: %w", name, errdefs.ErrConstraint)
	}
	for i, v := range values {
		if v.Type == types.TypeBinary && v.BlobID == "" && len(v.Bytes) > s.ws.inlineThreshold {
			blobID, err := s.ws.dataStore.Put(bytes.NewReader(v.Bytes))
			if err != nil {
				return err
			}
			values[i] = types.BlobValue(blobID)
		}
	}
	return s.withReadLock(ctx, func() error {
		if err := s.ws.acl.CanSetProperty(s.user, p); err != nil {
			return err
		}
		nodeID, err := s.resolveNode(p)
		if err != nil {
			return err
		}
		if err := s.ws.locks.CheckWrite(nodeID, s.tokens); err != nil {
			return err
		}
		propID := types.NewPropertyID(nodeID, name)
		var prop *state.PropertyState
		if s.tism.HasItemState(propID) {
			prop, err = s.tism.ModifiablePropertyState(propID)
			if err != nil {
				return err
			}
		} else {
			prop = s.tism.CreatePropertyState(propID)
			node, err := s.tism.VisibleNodeState(nodeID)
			if err != nil {
				return err
			}
			node.AddPropertyName(name)
		}
		if len(values) > 0 {
			prop.Type = values[0].Type
		}
		prop.MultiValued = multi
		prop.Values = append([]types.Value(nil), values...)
		return nil
	})
}

// RemoveProperty removes a property in the transient view.
func (s *Session) RemoveProperty(ctx context.Context, nodePath string, name types.Name) error {
	p, err := types.ParsePath(nodePath)
	if err != nil {
		return err
	}
	if isProtectedName(name) {
		return fmt.Errorf("property %s is protected: %w", name, errdefs.ErrConstraint)
	}
	return s.withReadLock(ctx, func() error {
		if err := s.ws.acl.CanSetProperty(s.user, p); err != nil {
			return err
		}
		nodeID, err := s.resolveNode(p)
		if err != nil {
			return err
		}
		if err := s.ws.locks.CheckWrite(nodeID, s.tokens); err != nil {
			return err
		}
		prop, err := s.tism.ModifiablePropertyState(types.NewPropertyID(nodeID, name))
		if err != nil {
			return err
		}
		s.tism.DestroyItemState(prop)
		node, err := s.tism.VisibleNodeState(nodeID)
		if err != nil {
			return err
		}
		node.RemovePropertyName(name)
		return nil
	})
}

// Remove removes the node at path and its whole subtree in the transient
// view. States enter the change log children-first, which is the order the
// commit fires destruction events in.
func (s *Session) Remove(ctx context.Context, path string) error {
	p, err := types.ParsePath(path)
	if err != nil {
		return err
	}
	if p.IsRoot() {
		return fmt.Errorf("cannot remove the root node: %w", errdefs.ErrConstraint)
	}
	return s.withReadLock(ctx, func() error {
		if err := s.ws.acl.CanRemoveNode(s.user, p); err != nil {
			return err
		}
		id, err := s.resolveNode(p)
		if err != nil {
			return err
		}
		if err := s.ws.locks.CheckWrite(id, s.tokens); err != nil {
			return err
		}
		node, err := s.tism.ModifiableNodeState(id)
		if err != nil {
			return err
		}
		parent, err := s.tism.ModifiableNodeState(node.ParentID)
		if err != nil {
			return err
		}
		if err := s.removeRecursive(id); err != nil {
			return err
		}
		parent.RemoveChildEntry(id)
		return nil
	})
}

func (s *Session) removeRecursive(id types.NodeID) error {
	node, err := s.tism.ModifiableNodeState(id)
	if err != nil {
		return err
	}
	for _, entry := range append([]state.ChildEntry(nil), node.ChildEntries()...) {
		if err := s.removeRecursive(entry.ID); err != nil {
			return err
		}
	}
	for _, name := range node.PropertyNames() {
		if isProtectedName(name) {
			continue
		}
		prop, err := s.tism.ModifiablePropertyState(types.NewPropertyID(id, name))
		if err != nil {
			return err
		}
		s.tism.DestroyItemState(prop)
	}
	s.tism.DestroyItemState(node)
	return nil
}

// Move moves the node at srcPath to dstPath (the destination path names the
// node's new parent and name). The zombie view keeps resolving the node's
// former location until save.
func (s *Session) Move(ctx context.Context, srcPath, dstPath string) error {
	src, err := types.ParsePath(srcPath)
	if err != nil {
		return err
	}
	dst, err := types.ParsePath(dstPath)
	if err != nil {
		return err
	}
	if src.Equal(dst) || src.IsAncestorOf(dst) {
		return fmt.Errorf("cannot move %s below itself: %w", src, errdefs.ErrConstraint)
	}
	dstParent := dst.Parent()
	newName := dst.LastElement().Name

	return s.withReadLock(ctx, func() error {
		if err := s.ws.acl.CanMove(s.user, src, dstParent); err != nil {
			return err
		}
		id, err := s.resolveNode(src)
		if err != nil {
			return err
		}
		dstParentID, err := s.resolveNode(dstParent)
		if err != nil {
			return err
		}
		for _, nodeID := range []types.NodeID{id, dstParentID} {
			if err := s.ws.locks.CheckWrite(nodeID, s.tokens); err != nil {
				return err
			}
		}

		node, err := s.tism.ModifiableNodeState(id)
		if err != nil {
			return err
		}
		srcParent, err := s.tism.ModifiableNodeState(node.ParentID)
		if err != nil {
			return err
		}
		dstParentState, err := s.tism.ModifiableNodeState(dstParentID)
		if err != nil {
			return err
		}
		srcParent.RemoveChildEntry(id)
		dstParentState.AddChildEntry(newName, id)
		node.ParentID = dstParentID
		return nil
	})
}

// Save commits the session's change log through the shared manager: stale
// detection, reference integrity, node-type and access-control validation,
// atomic persistence, listener fan-out, and journal publication. On success
// the transient overlay resets; on failure it stays for the session to
// refresh or retry.
func (s *Session) Save(ctx context.Context) error {
	if !s.tism.HasPendingChanges() {
		return nil
	}
	changes := s.tism.Changes()
	err := s.ws.sism.Store(ctx, changes,
		s.ws.nodeTypes.Validator(s.resolvePersisted),
		s.aclValidator(),
		s.lockValidator(),
	)
	if err != nil {
		return err
	}
	if s.ws.cluster != nil {
		if err := s.ws.cluster.AppendChanges(changes); err != nil {
			s.logger.Error().Err(err).Msg("failed to publish change log to journal")
		}
	}
	s.tism.AfterSave()
	s.logger.Debug().Msg("session saved")
	return nil
}

func (s *Session) resolvePersisted(id types.NodeID) (*state.NodeState, bool) {
	st, ok, err := s.ws.sism.GetItemState(id)
	if err != nil || !ok {
		return nil, false
	}
	n, isNode := st.(*state.NodeState)
	if !isNode {
		return nil, false
	}
	return n, true
}

// aclValidator re-checks logged states against the evaluator under the
// write lock: added nodes, modified properties and removed nodes. Added or
// removed properties and modified nodes are not re-checked here. Paths
// resolve through the zombie view so removed items check at their former
// location.
func (s *Session) aclValidator() state.Validator {
	return func(changes *state.ChangeLog) error {
		pathOf := func(st state.ItemState) (types.Path, bool) {
			p, err := s.zombie.GetPath(st.ItemID())
			if err != nil {
				return types.Path{}, false
			}
			return p, true
		}
		for _, st := range changes.AddedStates() {
			if n, ok := st.(*state.NodeState); ok {
				if p, ok := pathOf(n); ok {
					if err := s.ws.acl.CanAddChild(s.user, p.Parent()); err != nil {
						return err
					}
				}
			}
		}
		for _, st := range changes.ModifiedStates() {
			if prop, ok := st.(*state.PropertyState); ok {
				if p, ok := pathOf(prop); ok {
					if err := s.ws.acl.CanSetProperty(s.user, p.Parent()); err != nil {
						return err
					}
				}
			}
		}
		for _, st := range changes.DeletedStates() {
			if n, ok := st.(*state.NodeState); ok {
				if p, ok := pathOf(n); ok {
					if err := s.ws.acl.CanRemoveNode(s.user, p); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
}

// lockValidator re-checks locks for every touched node under the write
// lock.
func (s *Session) lockValidator() state.Validator {
	return func(changes *state.ChangeLog) error {
		for _, id := range changes.TouchedNodeIDs() {
			if err := s.ws.locks.CheckWrite(id, s.tokens); err != nil {
				return err
			}
		}
		return nil
	}
}

// Refresh drops the session's transient changes when keepChanges is false;
// with keepChanges it only re-reads persisted state on next access, which
// the read-through overlay already does.
func (s *Session) Refresh(keepChanges bool) {
	if !keepChanges {
		s.tism.Discard()
	}
}

// Logout releases session-scoped locks and discards the overlay.
func (s *Session) Logout() {
	if s.closed {
		return
	}
	s.closed = true
	s.ws.locks.ReleaseSessionScoped(s.id)
	s.tism.Discard()
	s.logger.Debug().Msg("session closed")
}

// Lock places a lock on the node at path and hands the session its token.
func (s *Session) Lock(ctx context.Context, path string, deep, sessionScoped bool, timeout time.Duration) (*lock.Info, error) {
	p, err := types.ParsePath(path)
	if err != nil {
		return nil, err
	}
	var info *lock.Info
	err = s.withReadLock(ctx, func() error {
		if err := s.ws.acl.Check(s.user, p, acl.LockManagement); err != nil {
			return err
		}
		id, err := s.resolveNode(p)
		if err != nil {
			return err
		}
		info, err = s.ws.locks.Lock(id, s.user, s.id, deep, sessionScoped, timeout)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Add(info.Token()); err != nil {
		return nil, err
	}
	if s.ws.cluster != nil {
		if err := s.ws.cluster.AppendLock(info.ID, true, s.user); err != nil {
			s.logger.Error().Err(err).Msg("failed to publish lock to journal")
		}
	}
	return info, nil
}

// Unlock releases the lock on the node at path.
func (s *Session) Unlock(ctx context.Context, path string) error {
	p, err := types.ParsePath(path)
	if err != nil {
		return err
	}
	return s.withReadLock(ctx, func() error {
		id, err := s.resolveNode(p)
		if err != nil {
			return err
		}
		if err := s.ws.locks.Unlock(id, s.tokens); err != nil {
			return err
		}
		s.tokens.Remove(lock.FormatToken(id))
		if s.ws.cluster != nil {
			if err := s.ws.cluster.AppendLock(id, false, s.user); err != nil {
				s.logger.Error().Err(err).Msg("failed to publish unlock to journal")
			}
		}
		return nil
	})
}

// AddLockToken hands the session a lock token obtained elsewhere.
func (s *Session) AddLockToken(token string) error {
	return s.tokens.Add(token)
}

// RemoveLockToken takes a token away from the session.
func (s *Session) RemoveLockToken(token string) {
	s.tokens.Remove(token)
}

// LockTokens lists the session's tokens.
func (s *Session) LockTokens() []string {
	out := make([]string, 0, len(s.tokens))
	for t := range s.tokens {
		out = append(out, t)
	}
	return out
}

// WildcardQuery builds a wildcard query bound to the workspace's clause
// threshold.
func (s *Session) WildcardQuery(field, pattern string) *query.WildcardQuery {
	return &query.WildcardQuery{
		Field:          field,
		Pattern:        pattern,
		MaxClauseCount: s.ws.maxClauseCount,
	}
}

// MatchAllQuery builds a match-all query for the workspace's index format.
func (s *Session) MatchAllQuery(field string) *query.MatchAllQuery {
	return &query.MatchAllQuery{Field: field, Format: s.ws.index.Format()}
}

// Query runs a query against the index and merges the session's transient
// changes into the result: nodes removed in this session drop out, added
// nodes with matching property values join.
func (s *Session) Query(ctx context.Context, q query.Query) ([]types.NodeID, error) {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDuration(metrics.QueryDuration) }()

	reader := s.ws.index.Reader()
	defer reader.Release()

	var out []types.NodeID
	err := s.withReadLock(ctx, func() error {
		scorer, err := q.Scorer(reader)
		if err != nil {
			return err
		}
		seen := make(map[types.NodeID]struct{})
		for {
			doc, ok := scorer.NextDoc()
			if !ok {
				break
			}
			id, ok := reader.NodeID(doc)
			if !ok {
				continue
			}
			if _, removed := s.tism.GetAtticItemState(id); removed {
				continue
			}
			if err := s.ws.acl.CanRead(s.user, mustPath(s.hm, id)); err != nil {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}

		for id, fields := range s.transientFields() {
			if _, dup := seen[id]; dup {
				continue
			}
			if q.MatchesValues(fields) {
				out = append(out, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// transientFields collects the uncommitted property values per node.
func (s *Session) transientFields() map[types.NodeID]map[string][]string {
	out := make(map[types.NodeID]map[string][]string)
	collect := func(states []state.ItemState) {
		for _, st := range states {
			p, ok := st.(*state.PropertyState)
			if !ok {
				continue
			}
			fields, ok := out[p.ID.ParentID]
			if !ok {
				fields = make(map[string][]string)
				out[p.ID.ParentID] = fields
			}
			for _, v := range p.Values {
				fields[p.ID.Name.String()] = append(fields[p.ID.Name.String()], v.String())
			}
		}
	}
	collect(s.tism.Changes().AddedStates())
	collect(s.tism.Changes().ModifiedStates())
	return out
}

func mustPath(hm *hierarchy.Manager, id types.NodeID) types.Path {
	p, err := hm.GetPath(id)
	if err != nil {
		return types.RootPath
	}
	return p
}

func isProtectedName(name types.Name) bool {
	return name == types.NamePrimaryType || name == types.NameMixinTypes || name == types.NameUUID
}

// SetPolicy binds an access-control entry list to the node at path;
// requires the modify-access-control privilege there.
func (s *Session) SetPolicy(ctx context.Context, path string, entries []acl.Entry) error {
	p, err := types.ParsePath(path)
	if err != nil {
		return err
	}
	return s.withReadLock(ctx, func() error {
		if err := s.ws.acl.Check(s.user, p, acl.ModifyAccessControl); err != nil {
			return err
		}
		s.ws.acl.SetPolicy(p, entries)
		return nil
	})
}
