package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/bundle"
	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// Validator inspects a change log under the ISM write lock before anything
// is persisted. Node-type and access-control checks plug in here.
type Validator func(changes *ChangeLog) error

// SharedItemStateManager (SISM) is the authoritative in-memory view of
// persisted items for one workspace. Reads go through the bundle cache;
// writes are totally ordered by the ISM write lock. It is safe for
// concurrent use.
type SharedItemStateManager struct {
	locking *ISMLocking
	store   bundle.Store
	cache   *cache.BundleCache
	rootID  types.NodeID

	mu        sync.Mutex
	listeners []Listener

	logger zerolog.Logger
}

// NewSharedItemStateManager wires the manager over its store and cache and
// makes sure the root bundle exists.
func NewSharedItemStateManager(store bundle.Store, bundleCache *cache.BundleCache, rootID types.NodeID) (*SharedItemStateManager, error) {
	m := &SharedItemStateManager{
		locking: NewISMLocking(),
		store:   store,
		cache:   bundleCache,
		rootID:  rootID,
		logger:  log.WithComponent("shared-ism"),
	}
	if err := m.ensureRoot(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SharedItemStateManager) ensureRoot() error {
	exists, err := m.store.Exists(m.rootID)
	if err != nil {
		return fmt.Errorf("failed to probe root bundle: %w", err)
	}
	if exists {
		return nil
	}
	root := &bundle.Bundle{
		ID:           m.rootID,
		ParentID:     types.NilNodeID,
		NodeTypeName: types.NameRepRoot,
		ModCount:     1,
	}
	if err := m.store.Store(root); err != nil {
		return fmt.Errorf("failed to create root bundle: %w", err)
	}
	m.logger.Info().Str("id", m.rootID.String()).Msg("created root node")
	return nil
}

// RootID returns the workspace root node id.
func (m *SharedItemStateManager) RootID() types.NodeID {
	return m.rootID
}

// Locking exposes the ISM lock for cooperating components (transaction
// boundaries acquire it around multi-save spans).
func (m *SharedItemStateManager) Locking() *ISMLocking {
	return m.locking
}

// AddListener registers a listener for state events.
func (m *SharedItemStateManager) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// RemoveListener drops a previously registered listener.
func (m *SharedItemStateManager) RemoveListener(l Listener) {
	m.mu.Lock()
	for i, e := range m.listeners {
		if e == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

func (m *SharedItemStateManager) snapshotListeners() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Listener(nil), m.listeners...)
}

// loadBundle reads through the cache; a nil return means the bundle does
// not exist and the miss has been negatively cached.
func (m *SharedItemStateManager) loadBundle(id types.NodeID) (*bundle.Bundle, error) {
	if b, ok := m.cache.Retrieve(id); ok {
		return b, nil
	}
	if m.cache.IsMissing(id) {
		return nil, nil
	}
	b, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		m.cache.CacheMissing(id)
		return nil, nil
	}
	m.cache.Cache(b)
	return b, nil
}

// GetItemState returns the persisted state for id, or (nil, false) if the
// item does not exist.
func (m *SharedItemStateManager) GetItemState(id types.ItemID) (ItemState, bool, error) {
	switch v := id.(type) {
	case types.NodeID:
		n, err := m.getNodeState(v)
		if err != nil || n == nil {
			return nil, false, err
		}
		return n, true, nil
	case types.PropertyID:
		p, err := m.getPropertyState(v)
		if err != nil || p == nil {
			return nil, false, err
		}
		return p, true, nil
	}
	return nil, false, fmt.Errorf("unknown item id type %T", id)
}

// HasItemState reports whether the item exists, consulting the negative
// cache first.
func (m *SharedItemStateManager) HasItemState(id types.ItemID) bool {
	_, ok, err := m.GetItemState(id)
	return err == nil && ok
}

func (m *SharedItemStateManager) getNodeState(id types.NodeID) (*NodeState, error) {
	b, err := m.loadBundle(id)
	if err != nil || b == nil {
		return nil, err
	}
	return nodeStateFromBundle(b), nil
}

func nodeStateFromBundle(b *bundle.Bundle) *NodeState {
	n := NewNodeState(b.ID, b.ParentID, b.NodeTypeName, StatusExisting)
	n.Mixins = append([]types.Name(nil), b.Mixins...)
	n.ShareParents = append([]types.NodeID(nil), b.ShareParents...)
	entries := make([]ChildEntry, len(b.ChildEntries))
	for i, e := range b.ChildEntries {
		entries[i] = ChildEntry{Name: e.Name, Index: e.Index, ID: e.ID}
	}
	n.SetChildEntries(entries)
	for _, p := range b.Properties {
		n.AddPropertyName(p.Name)
	}
	// Synthesized properties reflect node fields.
	n.AddPropertyName(types.NamePrimaryType)
	if len(b.Mixins) > 0 {
		n.AddPropertyName(types.NameMixinTypes)
	}
	if n.HasMixin(types.NameMixReferenceable) {
		n.AddPropertyName(types.NameUUID)
	}
	n.SetModCount(b.ModCount)
	return n
}

func (m *SharedItemStateManager) getPropertyState(id types.PropertyID) (*PropertyState, error) {
	b, err := m.loadBundle(id.ParentID)
	if err != nil || b == nil {
		return nil, err
	}
	return propertyStateFromBundle(b, id.Name)
}

// propertyStateFromBundle builds the property state, synthesizing the three
// auto-generated properties from the node's own fields.
func propertyStateFromBundle(b *bundle.Bundle, name types.Name) (*PropertyState, error) {
	id := types.NewPropertyID(b.ID, name)
	switch name {
	case types.NamePrimaryType:
		p := NewPropertyState(id, StatusExisting)
		p.Type = types.TypeName
		p.Values = []types.Value{types.NameValue(b.NodeTypeName)}
		return p, nil
	case types.NameMixinTypes:
		if len(b.Mixins) == 0 {
			return nil, nil
		}
		p := NewPropertyState(id, StatusExisting)
		p.Type = types.TypeName
		p.MultiValued = true
		for _, mix := range b.Mixins {
			p.Values = append(p.Values, types.NameValue(mix))
		}
		return p, nil
	case types.NameUUID:
		for _, mix := range b.Mixins {
			if mix == types.NameMixReferenceable {
				p := NewPropertyState(id, StatusExisting)
				p.Type = types.TypeString
				p.Values = []types.Value{types.StringValue(b.ID.String())}
				return p, nil
			}
		}
		return nil, nil
	}
	entry, ok := b.Property(name)
	if !ok {
		return nil, nil
	}
	p := NewPropertyState(id, StatusExisting)
	p.Type = entry.Type
	p.MultiValued = entry.MultiValued
	p.Values = append([]types.Value(nil), entry.Values...)
	p.SetModCount(entry.ModCount)
	return p, nil
}

// GetNodeReferences returns the reference set targeting id; absent sets are
// returned empty, not nil.
func (m *SharedItemStateManager) GetNodeReferences(id types.NodeID) (*bundle.References, error) {
	refs, err := m.store.LoadRefs(id)
	if err != nil {
		return nil, err
	}
	if refs == nil {
		refs = bundle.NewReferences(id)
	}
	return refs, nil
}

// HasNodeReferences reports whether any REFERENCE property targets id.
func (m *SharedItemStateManager) HasNodeReferences(id types.NodeID) (bool, error) {
	refs, err := m.store.LoadRefs(id)
	if err != nil {
		return false, err
	}
	return refs != nil && !refs.IsEmpty(), nil
}

// Store runs the commit protocol for a session's change log: under the ISM
// write lock it stale-checks every state, derives and checks node
// references, runs the validators, assembles bundles, persists the batch
// atomically, updates the caches, and fires listeners. Either every state
// in the log becomes persistent or none does.
func (m *SharedItemStateManager) Store(ctx context.Context, changes *ChangeLog, validators ...Validator) error {
	if !changes.HasUpdates() {
		return nil
	}
	timer := metrics.NewTimer()

	wl, err := m.locking.AcquireWrite(ctx)
	if err != nil {
		return err
	}
	defer wl.Release()

	if err := m.checkStale(changes); err != nil {
		metrics.CommitsTotal.WithLabelValues("stale").Inc()
		return err
	}
	if err := m.deriveReferences(changes); err != nil {
		metrics.CommitsTotal.WithLabelValues("constraint").Inc()
		return err
	}
	for _, v := range validators {
		if err := v(changes); err != nil {
			metrics.CommitsTotal.WithLabelValues("rejected").Inc()
			return err
		}
	}

	batch, stored, err := m.assemble(changes)
	if err != nil {
		return err
	}
	if err := m.store.StoreBatch(batch); err != nil {
		// The in-memory caches may already diverge from the store; discard
		// whatever the log touched and re-raise.
		for _, id := range changes.TouchedNodeIDs() {
			m.cache.Evict(id)
		}
		metrics.CommitsTotal.WithLabelValues("io-error").Inc()
		return err
	}

	for _, b := range stored {
		m.cache.Cache(b)
	}
	for _, id := range batch.Destroy {
		m.cache.Evict(id)
	}
	m.promote(changes, stored)
	m.fire(changes)

	timer.ObserveDuration(metrics.CommitDuration)
	metrics.CommitsTotal.WithLabelValues("ok").Inc()
	return nil
}

// checkStale detects collisions with commits that happened after the
// session read its states.
func (m *SharedItemStateManager) checkStale(changes *ChangeLog) error {
	check := func(s ItemState) error {
		switch st := s.(type) {
		case *NodeState:
			b, err := m.loadBundle(st.ID)
			if err != nil {
				return err
			}
			if b == nil {
				st.SetStatus(StatusStaleDestroyed)
				return fmt.Errorf("node %s was destroyed externally: %w", st.ID, errdefs.ErrStale)
			}
			if overlay := st.OverlayedNode(); overlay != nil && b.ModCount != overlay.ModCount() {
				st.SetStatus(StatusStaleModified)
				return fmt.Errorf("node %s was modified externally: %w", st.ID, errdefs.ErrStale)
			}
		case *PropertyState:
			b, err := m.loadBundle(st.ID.ParentID)
			if err != nil {
				return err
			}
			if b == nil {
				st.SetStatus(StatusStaleDestroyed)
				return fmt.Errorf("property %s lost its node: %w", st.ID, errdefs.ErrStale)
			}
			entry, ok := b.Property(st.ID.Name)
			if !ok {
				st.SetStatus(StatusStaleDestroyed)
				return fmt.Errorf("property %s was destroyed externally: %w", st.ID, errdefs.ErrStale)
			}
			if st.Overlayed() != nil && entry.ModCount != st.Overlayed().ModCount() {
				st.SetStatus(StatusStaleModified)
				return fmt.Errorf("property %s was modified externally: %w", st.ID, errdefs.ErrStale)
			}
		}
		return nil
	}
	for _, s := range changes.ModifiedStates() {
		if err := check(s); err != nil {
			return err
		}
	}
	for _, s := range changes.DeletedStates() {
		if err := check(s); err != nil {
			return err
		}
	}
	return nil
}

// deriveReferences turns REFERENCE value diffs into reference-set updates
// and verifies integrity: no dangling target, no deleted node that is still
// referenced.
func (m *SharedItemStateManager) deriveReferences(changes *ChangeLog) error {
	refsByTarget := make(map[types.NodeID]*bundle.References)
	load := func(target types.NodeID) (*bundle.References, error) {
		if r, ok := refsByTarget[target]; ok {
			return r, nil
		}
		r, err := m.GetNodeReferences(target)
		if err != nil {
			return nil, err
		}
		refsByTarget[target] = r
		return r, nil
	}

	refValues := func(s *PropertyState) []types.NodeID {
		if s.Type != types.TypeReference {
			return nil
		}
		var out []types.NodeID
		for _, v := range s.Values {
			out = append(out, v.Ref)
		}
		return out
	}
	overlayRefValues := func(s *PropertyState) []types.NodeID {
		overlay, ok := s.Overlayed().(*PropertyState)
		if !ok || overlay == nil {
			return nil
		}
		return refValues(overlay)
	}

	apply := func(propID types.PropertyID, before, after []types.NodeID) error {
		for _, target := range before {
			r, err := load(target)
			if err != nil {
				return err
			}
			r.Remove(propID)
		}
		for _, target := range after {
			r, err := load(target)
			if err != nil {
				return err
			}
			r.Add(propID)
			if err := m.checkTarget(changes, target); err != nil {
				return err
			}
		}
		return nil
	}

	for _, s := range changes.AddedStates() {
		if p, ok := s.(*PropertyState); ok {
			if err := apply(p.ID, nil, refValues(p)); err != nil {
				return err
			}
		}
	}
	for _, s := range changes.ModifiedStates() {
		if p, ok := s.(*PropertyState); ok {
			if err := apply(p.ID, overlayRefValues(p), refValues(p)); err != nil {
				return err
			}
		}
	}
	for _, s := range changes.DeletedStates() {
		if p, ok := s.(*PropertyState); ok {
			if err := apply(p.ID, overlayRefValues(p), nil); err != nil {
				return err
			}
		}
	}

	// A node leaving the repository must not stay referenced.
	for _, s := range changes.DeletedStates() {
		n, ok := s.(*NodeState)
		if !ok {
			continue
		}
		refs, err := load(n.ID)
		if err != nil {
			return err
		}
		if !refs.IsEmpty() {
			return fmt.Errorf("node %s is still referenced by %d properties: %w",
				n.ID, len(refs.Properties), errdefs.ErrConstraint)
		}
		refsByTarget[n.ID] = bundle.NewReferences(n.ID)
	}

	for _, r := range refsByTarget {
		changes.ModifiedRefs(r)
	}
	return nil
}

// checkTarget verifies a REFERENCE target exists after the log applies and
// is referenceable.
func (m *SharedItemStateManager) checkTarget(changes *ChangeLog, target types.NodeID) error {
	if s, ok := changes.Get(target); ok {
		if n, isNode := s.(*NodeState); isNode {
			if s.Status() == StatusExistingRemoved {
				return fmt.Errorf("reference targets removed node %s: %w", target, errdefs.ErrConstraint)
			}
			if !n.HasMixin(types.NameMixReferenceable) {
				return fmt.Errorf("reference target %s is not referenceable: %w", target, errdefs.ErrConstraint)
			}
			return nil
		}
	}
	b, err := m.loadBundle(target)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("dangling reference to %s: %w", target, errdefs.ErrConstraint)
	}
	for _, mix := range b.Mixins {
		if mix == types.NameMixReferenceable {
			return nil
		}
	}
	return fmt.Errorf("reference target %s is not referenceable: %w", target, errdefs.ErrConstraint)
}

// assemble builds one bundle per touched node reflecting the final state.
func (m *SharedItemStateManager) assemble(changes *ChangeLog) (*bundle.Batch, []*bundle.Bundle, error) {
	batch := &bundle.Batch{}

	deletedNodes := make(map[types.NodeID]bool)
	for _, s := range changes.DeletedStates() {
		if n, ok := s.(*NodeState); ok {
			deletedNodes[n.ID] = true
			batch.Destroy = append(batch.Destroy, n.ID)
		}
	}

	var stored []*bundle.Bundle
	for _, id := range changes.TouchedNodeIDs() {
		if deletedNodes[id] {
			continue
		}
		b, err := m.assembleBundle(changes, id)
		if err != nil {
			return nil, nil, err
		}
		batch.Store = append(batch.Store, b)
		stored = append(stored, b)
	}

	batch.StoreRefs = changes.RefsChanges()
	return batch, stored, nil
}

func (m *SharedItemStateManager) assembleBundle(changes *ChangeLog, id types.NodeID) (*bundle.Bundle, error) {
	old, err := m.loadBundle(id)
	if err != nil {
		return nil, err
	}

	var b *bundle.Bundle
	if s, ok := changes.Get(id); ok {
		if n, isNode := s.(*NodeState); isNode {
			b = &bundle.Bundle{
				ID:           n.ID,
				ParentID:     n.ParentID,
				NodeTypeName: n.NodeTypeName,
				Mixins:       append([]types.Name(nil), n.Mixins...),
				ShareParents: append([]types.NodeID(nil), n.ShareParents...),
			}
			for _, e := range n.ChildEntries() {
				b.ChildEntries = append(b.ChildEntries, bundle.ChildEntry{
					Name: e.Name, Index: e.Index, ID: e.ID,
				})
			}
			if old != nil {
				b.Properties = make([]bundle.PropertyEntry, len(old.Properties))
				copy(b.Properties, old.Properties)
				b.ModCount = old.ModCount + 1
			} else {
				b.ModCount = 1
			}
		}
	}
	if b == nil {
		if old == nil {
			return nil, fmt.Errorf("bundle %s vanished during commit: %w", id, errdefs.ErrIO)
		}
		b = old.Copy()
	}

	apply := func(s ItemState, removed bool) {
		p, ok := s.(*PropertyState)
		if !ok || p.ID.ParentID != id {
			return
		}
		if isSynthesized(p.ID.Name) {
			return
		}
		if removed {
			b.RemoveProperty(p.ID.Name)
			return
		}
		var prev uint32
		if oldEntry, ok := b.Property(p.ID.Name); ok {
			prev = oldEntry.ModCount
		}
		b.SetProperty(bundle.PropertyEntry{
			Name:        p.ID.Name,
			Type:        p.Type,
			MultiValued: p.MultiValued,
			Values:      append([]types.Value(nil), p.Values...),
			ModCount:    prev + 1,
		})
	}
	for _, s := range changes.AddedStates() {
		apply(s, false)
	}
	for _, s := range changes.ModifiedStates() {
		apply(s, false)
	}
	for _, s := range changes.DeletedStates() {
		apply(s, true)
	}
	return b, nil
}

func isSynthesized(name types.Name) bool {
	return name == types.NamePrimaryType || name == types.NameMixinTypes || name == types.NameUUID
}

// promote flips the log's states to EXISTING and refreshes their mod
// counts from the stored bundles.
func (m *SharedItemStateManager) promote(changes *ChangeLog, stored []*bundle.Bundle) {
	byID := make(map[types.NodeID]*bundle.Bundle, len(stored))
	for _, b := range stored {
		byID[b.ID] = b
	}
	refresh := func(s ItemState) {
		s.SetStatus(StatusExisting)
		switch st := s.(type) {
		case *NodeState:
			if b, ok := byID[st.ID]; ok {
				st.SetModCount(b.ModCount)
			}
		case *PropertyState:
			if b, ok := byID[st.ID.ParentID]; ok {
				if entry, found := b.Property(st.ID.Name); found {
					st.SetModCount(entry.ModCount)
				}
			}
		}
	}
	for _, s := range changes.AddedStates() {
		refresh(s)
	}
	for _, s := range changes.ModifiedStates() {
		refresh(s)
	}
}

// fire notifies listeners in commit order: destroyed, then modified, then
// created. The session builds its log children-first for removals and
// parents-first for additions, which gives the documented traversal order.
func (m *SharedItemStateManager) fire(changes *ChangeLog) {
	listeners := m.snapshotListeners()
	for _, s := range changes.DeletedStates() {
		for _, l := range listeners {
			l.StateDestroyed(s)
		}
		m.fireNodeEvents(listeners, s, StatusExistingRemoved)
	}
	for _, s := range changes.ModifiedStates() {
		for _, l := range listeners {
			l.StateModified(s)
		}
		m.fireNodeEvents(listeners, s, StatusExistingModified)
	}
	for _, s := range changes.AddedStates() {
		for _, l := range listeners {
			l.StateCreated(s)
		}
		m.fireNodeEvents(listeners, s, StatusNew)
	}
}

// fireNodeEvents raises the node-specific events against the node itself;
// added and removed also carry the name and index of the node's entry in
// its persisted parent (a zero name and index 1 when none is found).
func (m *SharedItemStateManager) fireNodeEvents(listeners []Listener, s ItemState, kind Status) {
	n, ok := s.(*NodeState)
	if !ok {
		return
	}
	name := types.Name{}
	index := 1
	if parent, err := m.getNodeState(n.ParentID); err == nil && parent != nil {
		if e, found := parent.ChildEntryByID(n.ID); found {
			name, index = e.Name, e.Index
		} else if e, found := parent.RemovedChildEntry(n.ID); found {
			name, index = e.Name, e.Index
		}
	}
	for _, l := range listeners {
		nl, ok := l.(NodeStateListener)
		if !ok {
			continue
		}
		switch kind {
		case StatusNew:
			nl.NodeAdded(n, name, index, n.ID)
		case StatusExistingModified:
			nl.NodeModified(n)
		case StatusExistingRemoved:
			nl.NodeRemoved(n, name, index, n.ID)
		}
	}
}

// ExternalUpdate injects changes observed through the cluster journal: no
// store writes, just cache invalidation and listener fan-out, in the same
// order a local commit would use.
func (m *SharedItemStateManager) ExternalUpdate(ctx context.Context, changes *ChangeLog) error {
	wl, err := m.locking.AcquireWrite(ctx)
	if err != nil {
		return err
	}
	defer wl.Release()

	var added, modified, deleted []types.NodeID
	collect := func(states []ItemState, into *[]types.NodeID) {
		for _, s := range states {
			switch st := s.(type) {
			case *NodeState:
				*into = append(*into, st.ID)
			case *PropertyState:
				*into = append(*into, st.ID.ParentID)
			}
		}
	}
	collect(changes.AddedStates(), &added)
	collect(changes.ModifiedStates(), &modified)
	collect(changes.DeletedStates(), &deleted)
	m.cache.ExternalInvalidate(added, modified, deleted)

	m.fire(changes)
	return nil
}
