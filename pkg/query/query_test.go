package query

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

func collect(t *testing.T, s *Scorer, r *Reader) map[types.NodeID]struct{} {
	t.Helper()
	out := make(map[types.NodeID]struct{})
	for {
		doc, ok := s.NextDoc()
		if !ok {
			return out
		}
		id, ok := r.NodeID(doc)
		require.True(t, ok)
		out[id] = struct{}{}
		assert.Equal(t, float32(1.0), s.Score())
	}
}

func TestLikeMatch(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"a_c", "abc", true},
		{"a_c", "ac", false},
		{"a%", "abcdef", true},
		{"%def", "abcdef", true},
		{"a%d%f", "abcdef", true},
		{"%", "", true},
		{"%", "anything", true},
		{"_", "", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, likeMatch(c.pattern, c.s), "pattern %q against %q", c.pattern, c.s)
	}
}

func TestWildcardQueryReturnsMatches(t *testing.T) {
	ix := NewIndex(config.IndexFormatV3)
	hit1 := types.NewNodeID()
	hit2 := types.NewNodeID()
	miss := types.NewNodeID()
	ix.Update(hit1, "title", []string{"apple pie"})
	ix.Update(hit2, "title", []string{"apple cake"})
	ix.Update(miss, "title", []string{"banana"})

	r := ix.Reader()
	defer r.Release()

	q := &WildcardQuery{Field: "title", Pattern: "apple%", MaxClauseCount: 1024}
	s, err := q.Scorer(r)
	require.NoError(t, err)
	got := collect(t, s, r)
	assert.Len(t, got, 2)
	assert.Contains(t, got, hit1)
	assert.Contains(t, got, hit2)
	assert.NotContains(t, got, miss)
}

func TestWildcardFallbackCachesBitset(t *testing.T) {
	ix := NewIndex(config.IndexFormatV3)
	var all []types.NodeID
	for i := 0; i < 20; i++ {
		id := types.NewNodeID()
		all = append(all, id)
		ix.Update(id, "name", []string{fmt.Sprintf("item-%02d", i)})
	}

	r := ix.Reader()
	defer r.Release()

	// 20 matching terms against a clause budget of 5 forces the bitset
	// fallback.
	q := &WildcardQuery{Field: "name", Pattern: "item%", MaxClauseCount: 5}
	s, err := q.Scorer(r)
	require.NoError(t, err)
	first := collect(t, s, r)
	assert.Len(t, first, len(all), "fallback must still return the correct set")
	scansAfterFirst := r.TermScans()
	assert.Equal(t, 1, scansAfterFirst)

	// The second invocation hits the cached bitset: zero term enumeration.
	s2, err := q.Scorer(r)
	require.NoError(t, err)
	second := collect(t, s2, r)
	assert.Equal(t, first, second)
	assert.Equal(t, scansAfterFirst, r.TermScans())
}

func TestNarrowWildcardDoesNotCache(t *testing.T) {
	ix := NewIndex(config.IndexFormatV3)
	ix.Update(types.NewNodeID(), "name", []string{"only"})

	r := ix.Reader()
	defer r.Release()

	q := &WildcardQuery{Field: "name", Pattern: "on%", MaxClauseCount: 1024}
	_, err := q.Scorer(r)
	require.NoError(t, err)
	_, err = q.Scorer(r)
	require.NoError(t, err)
	assert.Equal(t, 2, r.TermScans(), "below the threshold each run enumerates")
}

func TestMatchAllRewriteUnderV2(t *testing.T) {
	ix := NewIndex(config.IndexFormatV2)
	withField := types.NewNodeID()
	without := types.NewNodeID()
	ix.Update(withField, "title", []string{"x"})
	ix.Update(without, "other", []string{"y"})

	r := ix.Reader()
	defer r.Release()

	q := &MatchAllQuery{Field: "title", Format: config.IndexFormatV2}
	s, err := q.Scorer(r)
	require.NoError(t, err)
	got := collect(t, s, r)
	assert.Contains(t, got, withField)
	assert.NotContains(t, got, without)
	// The rewrite reads the PROPERTIES_SET posting, not the field terms.
	assert.Equal(t, 0, r.TermScans())
}

func TestMatchAllEnumeratesUnderV1(t *testing.T) {
	ix := NewIndex(config.IndexFormatV1)
	withField := types.NewNodeID()
	ix.Update(withField, "title", []string{"x"})

	r := ix.Reader()
	defer r.Release()

	q := &MatchAllQuery{Field: "title", Format: config.IndexFormatV1}
	s, err := q.Scorer(r)
	require.NoError(t, err)
	got := collect(t, s, r)
	assert.Contains(t, got, withField)
	assert.Equal(t, 1, r.TermScans())
}

func TestReaderFiltersPreCapturedDeletions(t *testing.T) {
	ix := NewIndex(config.IndexFormatV3)
	alive := types.NewNodeID()
	dead := types.NewNodeID()
	ix.Update(alive, "f", []string{"v"})
	ix.Update(dead, "f", []string{"v"})
	ix.Delete(dead)

	r := ix.Reader()
	defer r.Release()

	q := &WildcardQuery{Field: "f", Pattern: "v", MaxClauseCount: 1024}
	s, err := q.Scorer(r)
	require.NoError(t, err)
	got := collect(t, s, r)
	assert.Contains(t, got, alive)
	assert.NotContains(t, got, dead)

	// A deletion after the view opened stays invisible to this reader's
	// pre-captured deletion set.
	ix.Delete(alive)
	s2, err := q.Scorer(r)
	require.NoError(t, err)
	assert.Contains(t, collect(t, s2, r), alive)

	// A fresh reader sees it gone.
	r2 := ix.Reader()
	defer r2.Release()
	s3, err := q.Scorer(r2)
	require.NoError(t, err)
	assert.NotContains(t, collect(t, s3, r2), alive)
}

func TestReaderRejectsMutation(t *testing.T) {
	ix := NewIndex(config.IndexFormatV3)
	r := ix.Reader()
	defer r.Release()

	assert.ErrorIs(t, r.DeleteDocument(0), errdefs.ErrReadOnly)
	assert.ErrorIs(t, r.UndeleteAll(), errdefs.ErrReadOnly)
	assert.ErrorIs(t, r.SetNorm(0, "f", 1), errdefs.ErrReadOnly)
}

func TestReaderRefCounting(t *testing.T) {
	ix := NewIndex(config.IndexFormatV3)
	r := ix.Reader()

	require.NoError(t, r.Acquire())
	r.Release()
	assert.False(t, r.Closed(), "one reference still held")
	r.Release()
	assert.True(t, r.Closed(), "last release closes the underlying reader")
	assert.Error(t, r.Acquire())
}

func TestTransformLowerMatching(t *testing.T) {
	ix := NewIndex(config.IndexFormatV3)
	id := types.NewNodeID()
	ix.Update(id, "f", []string{"MixedCase"})

	r := ix.Reader()
	defer r.Release()

	q := &WildcardQuery{Field: "f", Pattern: "mixed%", Transform: TransformLower, MaxClauseCount: 1024}
	s, err := q.Scorer(r)
	require.NoError(t, err)
	got := collect(t, s, r)
	assert.Contains(t, got, id)
}
