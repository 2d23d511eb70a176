package bundle

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	dir := t.TempDir()
	ns, err := OpenStringIndex(filepath.Join(dir, "namespaces.properties"))
	require.NoError(t, err)
	names, err := OpenStringIndex(filepath.Join(dir, "names.properties"))
	require.NoError(t, err)
	t.Cleanup(func() {
		ns.Close()
		names.Close()
	})
	return NewCodec(ns, names)
}

func sampleBundle() *Bundle {
	id := types.NewNodeID()
	parent := types.NewNodeID()
	child := types.NewNodeID()
	target := types.NewNodeID()
	return &Bundle{
		ID:           id,
		ParentID:     parent,
		NodeTypeName: types.NameNTUnstructured,
		Mixins:       []types.Name{types.NameMixReferenceable},
		ChildEntries: []ChildEntry{
			{Name: types.NewName("", "foo"), Index: 1, ID: child},
			{Name: types.NewName("", "foo"), Index: 2, ID: types.NewNodeID()},
		},
		Properties: []PropertyEntry{
			{
				Name:     types.NewName("", "title"),
				Type:     types.TypeString,
				Values:   []types.Value{types.StringValue("hello")},
				ModCount: 3,
			},
			{
				Name:        types.NewName("", "counts"),
				Type:        types.TypeLong,
				MultiValued: true,
				Values:      []types.Value{types.LongValue(-7), types.LongValue(42)},
			},
			{
				Name:   types.NewName("", "ratio"),
				Type:   types.TypeDouble,
				Values: []types.Value{types.DoubleValue(3.25)},
			},
			{
				Name:   types.NewName("", "since"),
				Type:   types.TypeDate,
				Values: []types.Value{types.DateValue(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))},
			},
			{
				Name:   types.NewName("", "link"),
				Type:   types.TypeReference,
				Values: []types.Value{types.ReferenceValue(target)},
			},
			{
				Name:   types.NewName("", "payload"),
				Type:   types.TypeBinary,
				Values: []types.Value{types.BinaryValue([]byte{0x01, 0x02, 0x03})},
			},
			{
				Name:   types.NewName("", "attachment"),
				Type:   types.TypeBinary,
				Values: []types.Value{types.BlobValue("deadbeef")},
			},
		},
		ModCount: 9,
	}
}

func TestBundleRoundTrip(t *testing.T) {
	codec := testCodec(t)
	b := sampleBundle()

	data, err := codec.Encode(b)
	require.NoError(t, err)
	assert.Equal(t, VersionCurrent, data[0])

	decoded, err := codec.Decode(b.ID, data)
	require.NoError(t, err)

	assert.Equal(t, b.ID, decoded.ID)
	assert.Equal(t, b.ParentID, decoded.ParentID)
	assert.Equal(t, b.NodeTypeName, decoded.NodeTypeName)
	assert.Equal(t, b.Mixins, decoded.Mixins)
	assert.Equal(t, b.ChildEntries, decoded.ChildEntries)
	assert.Equal(t, b.ModCount, decoded.ModCount)
	require.Len(t, decoded.Properties, len(b.Properties))
	for i, p := range b.Properties {
		got := decoded.Properties[i]
		assert.Equal(t, p.Name, got.Name)
		assert.Equal(t, p.Type, got.Type)
		assert.Equal(t, p.MultiValued, got.MultiValued)
		assert.Equal(t, p.ModCount, got.ModCount)
		require.Len(t, got.Values, len(p.Values))
		for j, v := range p.Values {
			assert.True(t, v.Equal(got.Values[j]), "property %s value %d", p.Name, j)
		}
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	codec := testCodec(t)
	b := sampleBundle()
	data, err := codec.Encode(b)
	require.NoError(t, err)

	data[0] = 99
	_, err = codec.Decode(b.ID, data)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedRecord(t *testing.T) {
	codec := testCodec(t)
	b := sampleBundle()
	data, err := codec.Encode(b)
	require.NoError(t, err)

	_, err = codec.Decode(b.ID, data[:len(data)/2])
	assert.Error(t, err)
}

func TestStringIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "names.properties")

	idx, err := OpenStringIndex(path)
	require.NoError(t, err)
	first, err := idx.Index("alpha")
	require.NoError(t, err)
	second, err := idx.Index("beta")
	require.NoError(t, err)
	again, err := idx.Index("alpha")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.NotEqual(t, first, second)
	require.NoError(t, idx.Close())

	reopened, err := OpenStringIndex(path)
	require.NoError(t, err)
	defer reopened.Close()
	i, err := reopened.Index("alpha")
	require.NoError(t, err)
	assert.Equal(t, first, i)
	s, err := reopened.String(second)
	require.NoError(t, err)
	assert.Equal(t, "beta", s)
}
