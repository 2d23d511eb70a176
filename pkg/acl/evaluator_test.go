package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

func path(t *testing.T, s string) types.Path {
	t.Helper()
	p, err := types.ParsePath(s)
	require.NoError(t, err)
	return p
}

func TestPrivilegeAggregates(t *testing.T) {
	w, err := FromName("jcr:write")
	require.NoError(t, err)
	assert.True(t, w.Contains(ModifyProperties))
	assert.True(t, w.Contains(AddChildNodes))
	assert.True(t, w.Contains(RemoveChildNodes))
	assert.True(t, w.Contains(RemoveNode))
	assert.False(t, w.Contains(Read))

	all, err := FromName("jcr:all")
	require.NoError(t, err)
	assert.True(t, all.Contains(w))
	assert.True(t, all.Contains(ReadAccessControl))

	_, err = FromName("jcr:bogus")
	assert.Error(t, err)

	assert.Equal(t, []string{"jcr:write"}, Write.Names())
}

func TestInheritanceFromAncestors(t *testing.T) {
	e := NewEvaluator(nil, "admin")
	e.SetPolicy(path(t, "/"), []Entry{
		{Principal: UserPrincipal("u"), Allow: true, Privileges: Read},
	})

	assert.True(t, e.IsGranted("u", path(t, "/deep/down/here"), Read))
	assert.False(t, e.IsGranted("u", path(t, "/deep"), ModifyProperties))
}

func TestLocalOverridesInherited(t *testing.T) {
	e := NewEvaluator(nil, "admin")
	e.SetPolicy(path(t, "/"), []Entry{
		{Principal: UserPrincipal("u"), Allow: true, Privileges: Read | ModifyProperties},
	})
	e.SetPolicy(path(t, "/restricted"), []Entry{
		{Principal: UserPrincipal("u"), Allow: false, Privileges: ModifyProperties},
	})

	assert.True(t, e.IsGranted("u", path(t, "/restricted"), Read))
	assert.False(t, e.IsGranted("u", path(t, "/restricted"), ModifyProperties))
	assert.True(t, e.IsGranted("u", path(t, "/elsewhere"), ModifyProperties))
}

func TestUserDenyBeatsGroupAllow(t *testing.T) {
	groups := StaticGroups{"u": {"g"}}
	e := NewEvaluator(groups, "admin")
	e.SetPolicy(path(t, "/p"), []Entry{
		{Principal: GroupPrincipal("g"), Allow: true, Privileges: ModifyProperties},
		{Principal: UserPrincipal("u"), Allow: false, Privileges: ModifyProperties},
	})

	err := e.CanSetProperty("u", path(t, "/p"))
	assert.ErrorIs(t, err, errdefs.ErrAccessDenied)

	// Another member of the group without the user deny keeps the grant.
	groups["v"] = []string{"g"}
	assert.NoError(t, e.CanSetProperty("v", path(t, "/p")))
}

func TestDenyBeatsAllowAtSameLevel(t *testing.T) {
	e := NewEvaluator(nil, "admin")
	e.SetPolicy(path(t, "/p"), []Entry{
		{Principal: UserPrincipal("u"), Allow: true, Privileges: Read},
		{Principal: UserPrincipal("u"), Allow: false, Privileges: Read},
	})
	assert.False(t, e.IsGranted("u", path(t, "/p"), Read))
}

func TestGlobRestriction(t *testing.T) {
	e := NewEvaluator(nil, "admin")
	e.SetPolicy(path(t, "/p"), []Entry{
		{
			Principal:  UserPrincipal("P"),
			Allow:      true,
			Privileges: Write,
			Glob:       NewGlobPattern("/*/leaf"),
		},
	})

	// The glob admits /p/<any>/leaf and everything below it.
	assert.True(t, e.IsGranted("P", path(t, "/p/a/leaf"), Write))
	assert.True(t, e.IsGranted("P", path(t, "/p/a/leaf/child"), Write))
	assert.False(t, e.IsGranted("P", path(t, "/p/a/other"), Write))
	assert.False(t, e.IsGranted("P", path(t, "/p"), Write))
}

func TestEmptyGlobMatchesNodeOnly(t *testing.T) {
	e := NewEvaluator(nil, "admin")
	e.SetPolicy(path(t, "/p"), []Entry{
		{
			Principal:  UserPrincipal("u"),
			Allow:      true,
			Privileges: Read,
			Glob:       NewGlobPattern(""),
		},
	})

	assert.True(t, e.IsGranted("u", path(t, "/p"), Read))
	assert.False(t, e.IsGranted("u", path(t, "/p/child"), Read))
}

func TestRemoveNeedsBothPrivileges(t *testing.T) {
	e := NewEvaluator(nil, "admin")
	e.SetPolicy(path(t, "/"), []Entry{
		{Principal: UserPrincipal("u"), Allow: true, Privileges: RemoveNode},
	})

	// remove_node alone is not enough; remove_child_nodes at the parent is
	// required too.
	err := e.CanRemoveNode("u", path(t, "/a/b"))
	assert.ErrorIs(t, err, errdefs.ErrAccessDenied)

	e.SetPolicy(path(t, "/a"), []Entry{
		{Principal: UserPrincipal("u"), Allow: true, Privileges: RemoveChildNodes},
	})
	assert.NoError(t, e.CanRemoveNode("u", path(t, "/a/b")))
}

func TestACItemsGatedByACPrivileges(t *testing.T) {
	e := NewEvaluator(nil, "admin")
	e.SetPolicy(path(t, "/"), []Entry{
		{Principal: UserPrincipal("u"), Allow: true, Privileges: Read | Write},
	})

	policyPath := path(t, "/n").Child(types.NameRepPolicy, 1)
	assert.True(t, IsACItem(policyPath))
	assert.False(t, IsACItem(path(t, "/n")))

	// Plain read/write grants do not reach AC content.
	err := e.CanRead("u", policyPath)
	assert.ErrorIs(t, err, errdefs.ErrAccessDenied)
	err = e.CanSetProperty("u", policyPath)
	assert.ErrorIs(t, err, errdefs.ErrAccessDenied)

	e.SetPolicy(path(t, "/"), []Entry{
		{Principal: UserPrincipal("u"), Allow: true, Privileges: ReadAccessControl | ModifyAccessControl},
	})
	assert.NoError(t, e.CanRead("u", policyPath))
}

func TestSuperUserBypassesEvaluation(t *testing.T) {
	e := NewEvaluator(nil, "admin")
	assert.True(t, e.IsGranted("admin", path(t, "/anywhere"), All))
}

func TestSegmentMatching(t *testing.T) {
	cases := []struct {
		pattern, seg string
		want         bool
	}{
		{"*", "anything", true},
		{"leaf", "leaf", true},
		{"leaf", "loaf", false},
		{"le*f", "leaf", true},
		{"le*f", "lef", true},
		{"*af", "leaf", true},
		{"le*", "leaf", true},
		{"l*a*f", "leaf", true},
		{"l*a*f", "loof", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, segmentMatches(c.pattern, c.seg),
			"pattern %q against %q", c.pattern, c.seg)
	}
}
