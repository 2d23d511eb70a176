package namespace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

func TestBuiltinsAvailable(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "ns_reg.properties"))
	require.NoError(t, err)
	defer r.Close()

	uri, err := r.URI("jcr")
	require.NoError(t, err)
	assert.Equal(t, types.NamespaceJCR, uri)

	prefix, err := r.Prefix(types.NamespaceNT)
	require.NoError(t, err)
	assert.Equal(t, "nt", prefix)
}

func TestRegisterPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ns_reg.properties")

	r, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, r.Register("ex", "http://example.com/ns"))
	require.NoError(t, r.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	uri, err := reopened.URI("ex")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/ns", uri)
}

func TestReservedPrefixesRejected(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "ns_reg.properties"))
	require.NoError(t, err)
	defer r.Close()

	for _, p := range []string{"jcr", "nt", "mix", "rep", ""} {
		assert.ErrorIs(t, r.Register(p, "http://example.com/x"), errdefs.ErrConstraint)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "ns_reg.properties"))
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Apply("ex", "http://example.com/ns"))
	require.NoError(t, r.Apply("ex", "http://example.com/ns"))
	uri, err := r.URI("ex")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/ns", uri)
}

func TestUnknownLookupsFail(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "ns_reg.properties"))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.URI("nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = r.Prefix("http://nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
