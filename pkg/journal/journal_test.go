package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/bundle"
	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/nodetype"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

func TestAppendAndScan(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)

	rev1, err := j.Append("node-a", []byte{KindNamespace, 0})
	require.NoError(t, err)
	rev2, err := j.Append("node-b", []byte{KindLock, 0})
	require.NoError(t, err)
	assert.Greater(t, rev2, rev1)

	records, err := j.Records(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "node-a", records[0].Creator)
	assert.Equal(t, rev1, records[0].Revision)
	assert.Equal(t, KindNamespace, records[0].Kind())
	assert.Equal(t, "node-b", records[1].Creator)
	assert.Equal(t, rev2, records[1].Revision)

	// Scanning from a cursor skips consumed records.
	tail, err := j.Records(rev1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, rev2, tail[0].Revision)

	global, err := j.GlobalRevision()
	require.NoError(t, err)
	assert.Equal(t, rev2, global)
}

func TestScanEmptyJournal(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	records, err := j.Records(0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestChangesPayloadRoundTrip(t *testing.T) {
	changes := state.NewChangeLog()
	nodeID := types.NewNodeID()
	parent := types.NewNodeID()
	changes.Added(state.NewNodeState(nodeID, parent, types.NameNTUnstructured, state.StatusNew))
	changes.Modified(state.NewPropertyState(
		types.NewPropertyID(parent, types.NewName("", "title")), state.StatusExistingModified))
	changes.Deleted(state.NewNodeState(types.NewNodeID(), parent, types.NameNTUnstructured, state.StatusExistingRemoved))

	payload, err := EncodeChanges(changes)
	require.NoError(t, err)
	assert.Equal(t, KindChanges, payload[0])

	decoded, err := DecodeChanges(payload)
	require.NoError(t, err)
	require.Len(t, decoded.AddedStates(), 1)
	require.Len(t, decoded.ModifiedStates(), 1)
	require.Len(t, decoded.DeletedStates(), 1)

	added := decoded.AddedStates()[0].(*state.NodeState)
	assert.Equal(t, nodeID, added.ID)
	assert.Equal(t, parent, added.ParentID)
	assert.Equal(t, types.NameNTUnstructured, added.NodeTypeName)

	prop := decoded.ModifiedStates()[0].(*state.PropertyState)
	assert.Equal(t, parent, prop.ID.ParentID)
	assert.Equal(t, "title", prop.ID.Name.Local)
}

func TestLockPayloadRoundTrip(t *testing.T) {
	id := types.NewNodeID()
	payload := EncodeLock(id, true, "alice")
	got, acquired, owner, err := DecodeLock(payload)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.True(t, acquired)
	assert.Equal(t, "alice", owner)
}

func TestNodeTypePayloadRoundTrip(t *testing.T) {
	def := &nodetype.Definition{
		Name:              types.NewName("http://example.com/ns", "article"),
		Supertypes:        []types.Name{types.NameNTBase},
		OrderableChildren: true,
		PropertyDefs: []nodetype.PropertyDef{
			{Name: types.NewName("", "title"), Required: true, Type: types.TypeString},
			{Name: types.NewName("", "tags"), Multiple: true, Type: types.TypeString},
		},
	}

	payload := EncodeNodeType(NodeTypeRegister, def)
	assert.Equal(t, KindNodeType, payload[0])

	op, decoded, err := DecodeNodeType(payload)
	require.NoError(t, err)
	assert.Equal(t, NodeTypeRegister, op)
	assert.Equal(t, def.Name, decoded.Name)
	assert.Equal(t, def.Supertypes, decoded.Supertypes)
	assert.Equal(t, def.OrderableChildren, decoded.OrderableChildren)
	assert.Equal(t, def.PropertyDefs, decoded.PropertyDefs)

	// An unregister record only carries the name.
	op, decoded, err = DecodeNodeType(EncodeNodeType(NodeTypeUnregister, &nodetype.Definition{Name: def.Name}))
	require.NoError(t, err)
	assert.Equal(t, NodeTypeUnregister, op)
	assert.Equal(t, def.Name, decoded.Name)

	_, _, err = DecodeNodeType([]byte{KindNodeType, 'x'})
	assert.Error(t, err)
}

func TestNamespacePayloadRoundTrip(t *testing.T) {
	payload := EncodeNamespace("ex", "http://example.com/ns")
	prefix, uri, err := DecodeNamespace(payload)
	require.NoError(t, err)
	assert.Equal(t, "ex", prefix)
	assert.Equal(t, "http://example.com/ns", uri)
}

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

func TestClusterReplaySkipsOwnRecords(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	sism := newTestSISM(t)
	node := NewClusterNode("n1", j, sism)

	changes := state.NewChangeLog()
	changes.Modified(state.NewNodeState(types.NewNodeID(), sism.RootID(), types.NameNTUnstructured, state.StatusExistingModified))
	require.NoError(t, node.AppendChanges(changes))

	// The cursor already sits past the own record, so Sync replays
	// nothing.
	before := node.Revision()
	require.NoError(t, node.Sync(context.Background()))
	assert.Equal(t, before, node.Revision())
}

func TestClusterReplayAppliesPeerRecords(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	sismA := newTestSISM(t)
	sismB := newTestSISM(t)
	peerA := NewClusterNode("a", j, sismA)
	peerB := NewClusterNode("b", j, sismB)

	var lockEvents int
	peerB.OnLock(func(types.NodeID, bool, string) { lockEvents++ })

	changes := state.NewChangeLog()
	changes.Modified(state.NewNodeState(types.NewNodeID(), sismA.RootID(), types.NameNTUnstructured, state.StatusExistingModified))
	var nodeTypeOps []NodeTypeOp
	peerB.OnNodeType(func(op NodeTypeOp, def *nodetype.Definition) {
		nodeTypeOps = append(nodeTypeOps, op)
	})

	require.NoError(t, peerA.AppendChanges(changes))
	require.NoError(t, peerA.AppendLock(types.NewNodeID(), true, "alice"))
	def := &nodetype.Definition{Name: types.NewName("http://example.com/ns", "article")}
	_, err = j.Append("a", EncodeNodeType(NodeTypeRegister, def))
	require.NoError(t, err)

	require.NoError(t, peerB.Sync(context.Background()))
	assert.Equal(t, 1, lockEvents)
	assert.Equal(t, []NodeTypeOp{NodeTypeRegister}, nodeTypeOps)

	global, err := j.GlobalRevision()
	require.NoError(t, err)
	assert.Equal(t, global, peerB.Revision(), "cursor advanced to the journal head")

	// Replaying again is a no-op.
	require.NoError(t, peerB.Sync(context.Background()))
	assert.Equal(t, 1, lockEvents)
}
