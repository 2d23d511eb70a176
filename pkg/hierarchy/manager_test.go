package hierarchy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/bundle"
	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

func newTestSISM(t *testing.T) *state.SharedItemStateManager {
	t.Helper()
	dir := t.TempDir()
	ns, err := bundle.OpenStringIndex(filepath.Join(dir, "namespaces.properties"))
	require.NoError(t, err)
	names, err := bundle.OpenStringIndex(filepath.Join(dir, "names.properties"))
	require.NoError(t, err)
	store, err := bundle.NewBoltStore(dir, bundle.NewCodec(ns, names))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		names.Close()
		ns.Close()
	})
	sism, err := state.NewSharedItemStateManager(store, cache.NewBundleCache(1<<20), types.NewNodeID())
	require.NoError(t, err)
	return sism
}

func addNode(t *testing.T, sism *state.SharedItemStateManager, parent types.NodeID, name string) types.NodeID {
	t.Helper()
	tism := state.NewTransientItemStateManager(sism)
	p, err := tism.ModifiableNodeState(parent)
	require.NoError(t, err)
	id := types.NewNodeID()
	node := tism.CreateNodeState(id, parent, types.NameNTUnstructured)
	p.AddChildEntry(types.NewName("", name), node.ID)
	require.NoError(t, sism.Store(context.Background(), tism.Changes()))
	tism.AfterSave()
	return id
}

func mustParse(t *testing.T, s string) types.Path {
	t.Helper()
	p, err := types.ParsePath(s)
	require.NoError(t, err)
	return p
}

func TestResolveAndGetPathRoundTrip(t *testing.T) {
	sism := newTestSISM(t)
	a := addNode(t, sism, sism.RootID(), "a")
	b := addNode(t, sism, a, "b")

	hm := NewManager(sism, sism.RootID())

	id, ok, err := hm.ResolvePath(mustParse(t, "/a/b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, id)

	p, err := hm.GetPath(b)
	require.NoError(t, err)
	assert.Equal(t, "/a/b", p.String())

	depth, err := hm.GetDepth(b)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestResolveMissReturnsAbsent(t *testing.T) {
	sism := newTestSISM(t)
	hm := NewManager(sism, sism.RootID())

	_, ok, err := hm.ResolvePath(mustParse(t, "/nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolvePropertyPath(t *testing.T) {
	sism := newTestSISM(t)
	node := addNode(t, sism, sism.RootID(), "n")

	tism := state.NewTransientItemStateManager(sism)
	propID := types.NewPropertyID(node, types.NewName("", "title"))
	prop := tism.CreatePropertyState(propID)
	prop.Type = types.TypeString
	prop.Values = []types.Value{types.StringValue("x")}
	n, err := tism.VisibleNodeState(node)
	require.NoError(t, err)
	n.AddPropertyName(types.NewName("", "title"))
	require.NoError(t, sism.Store(context.Background(), tism.Changes()))
	tism.AfterSave()

	hm := NewManager(sism, sism.RootID())
	id, ok, err := hm.ResolvePath(mustParse(t, "/n/title"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, propID, id)
}

func TestSameNameSiblingIndexing(t *testing.T) {
	sism := newTestSISM(t)
	parent := addNode(t, sism, sism.RootID(), "p")

	tism := state.NewTransientItemStateManager(sism)
	p, err := tism.ModifiableNodeState(parent)
	require.NoError(t, err)
	name := types.NewName("", "foo")
	var ids []types.NodeID
	for i := 0; i < 3; i++ {
		id := types.NewNodeID()
		tism.CreateNodeState(id, parent, types.NameNTUnstructured)
		entry := p.AddChildEntry(name, id)
		assert.Equal(t, i+1, entry.Index)
		ids = append(ids, id)
	}
	require.NoError(t, sism.Store(context.Background(), tism.Changes()))
	tism.AfterSave()

	hm := NewManager(sism, sism.RootID())
	path3, err := hm.GetPath(ids[2])
	require.NoError(t, err)
	assert.Equal(t, "/p/foo[3]", path3.String())

	// Removing foo[1] renumbers foo[2]->foo[1], foo[3]->foo[2].
	rm := state.NewTransientItemStateManager(sism)
	rmParent, err := rm.ModifiableNodeState(parent)
	require.NoError(t, err)
	victim, err := rm.ModifiableNodeState(ids[0])
	require.NoError(t, err)
	rm.DestroyItemState(victim)
	rmParent.RemoveChildEntry(ids[0])
	require.NoError(t, sism.Store(context.Background(), rm.Changes()))
	rm.AfterSave()

	reindexed, err := hm.GetPath(ids[2])
	require.NoError(t, err)
	assert.Equal(t, "/p/foo[2]", reindexed.String())
	first, err := hm.GetPath(ids[1])
	require.NoError(t, err)
	assert.Equal(t, "/p/foo", first.String())
}

func TestZombiePathAfterDoubleMove(t *testing.T) {
	sism := newTestSISM(t)
	a := addNode(t, sism, sism.RootID(), "a")
	node := addNode(t, sism, a, "n")
	b := addNode(t, sism, sism.RootID(), "b")
	c := addNode(t, sism, sism.RootID(), "c")

	tism := state.NewTransientItemStateManager(sism)
	move := func(src, dst types.NodeID, name string) {
		srcState, err := tism.ModifiableNodeState(src)
		require.NoError(t, err)
		dstState, err := tism.ModifiableNodeState(dst)
		require.NoError(t, err)
		n, err := tism.ModifiableNodeState(node)
		require.NoError(t, err)
		srcState.RemoveChildEntry(node)
		dstState.AddChildEntry(types.NewName("", name), node)
		n.ParentID = dst
	}
	move(a, b, "n")
	move(b, c, "n")

	// The session's transient view resolves the node at its new location.
	session := NewManager(tism, sism.RootID())
	p, err := session.GetPath(node)
	require.NoError(t, err)
	assert.Equal(t, "/c/n", p.String())

	// The persisted view, untouched until save, still shows /a/n.
	shared := NewManager(sism, sism.RootID())
	p, err = shared.GetPath(node)
	require.NoError(t, err)
	assert.Equal(t, "/a/n", p.String())
}

func TestZombiePathOfRemovedNode(t *testing.T) {
	sism := newTestSISM(t)
	a := addNode(t, sism, sism.RootID(), "a")
	node := addNode(t, sism, a, "n")

	tism := state.NewTransientItemStateManager(sism)
	parent, err := tism.ModifiableNodeState(a)
	require.NoError(t, err)
	victim, err := tism.ModifiableNodeState(node)
	require.NoError(t, err)
	tism.DestroyItemState(victim)
	parent.RemoveChildEntry(node)

	// The normal transient view no longer resolves the node.
	session := NewManager(tism, sism.RootID())
	_, err = session.GetPath(node)
	assert.Error(t, err)

	// The zombie view still yields its former path via the attic and the
	// removed child entries.
	zombie := NewZombieManager(tism, sism.RootID())
	p, err := zombie.GetPath(node)
	require.NoError(t, err)
	assert.Equal(t, "/a/n", p.String())
}

func TestShareAncestry(t *testing.T) {
	sism := newTestSISM(t)
	a := addNode(t, sism, sism.RootID(), "a")
	b := addNode(t, sism, sism.RootID(), "b")
	shared := addNode(t, sism, a, "shared")

	// Wire b as a share parent of the shared node.
	tism := state.NewTransientItemStateManager(sism)
	n, err := tism.ModifiableNodeState(shared)
	require.NoError(t, err)
	n.ShareParents = []types.NodeID{b}
	bState, err := tism.ModifiableNodeState(b)
	require.NoError(t, err)
	bState.AddChildEntry(types.NewName("", "shared"), shared)
	require.NoError(t, sism.Store(context.Background(), tism.Changes()))
	tism.AfterSave()

	hm := NewManager(sism, sism.RootID())

	isAncestor, err := hm.IsShareAncestor(b, shared)
	require.NoError(t, err)
	assert.True(t, isAncestor)

	depth, err := hm.GetShareRelativeDepth(b, shared)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	depth, err = hm.GetShareRelativeDepth(shared, b)
	require.NoError(t, err)
	assert.Equal(t, -1, depth)

	// GetName disambiguates by parent.
	name, index, err := hm.GetName(shared, b)
	require.NoError(t, err)
	assert.Equal(t, "shared", name.Local)
	assert.Equal(t, 1, index)
}
