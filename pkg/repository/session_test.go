package repository

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/acl"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/journal"
	"github.com/cuemby/burrow/pkg/nodetype"
	"github.com/cuemby/burrow/pkg/types"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	cfg := config.Default()
	cfg.Home = t.TempDir()
	repo, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func name(s string) types.Name {
	return types.NewName("", s)
}

// grantAll lets user do everything below the root; tests that exercise
// ACL specifics override specific paths afterwards.
func grantAll(t *testing.T, repo *Repository, user string) {
	t.Helper()
	admin, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer admin.Logout()
	policy := admin.ws.acl.Policy(types.RootPath)
	policy = append(policy, acl.Entry{
		Principal:  acl.UserPrincipal(user),
		Allow:      true,
		Privileges: acl.All,
	})
	require.NoError(t, admin.SetPolicy(context.Background(), "/", policy))
}

func TestAddNodeAndReadBack(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	s, err := repo.Login("", SuperUser)
	require.NoError(t, err)

	_, err = s.AddNode(ctx, "/", name("docs"), types.Name{})
	require.NoError(t, err)
	require.NoError(t, s.SetProperty(ctx, "/docs", name("title"), types.StringValue("hello")))
	require.NoError(t, s.Save(ctx))
	s.Logout()

	// A fresh session sees the committed state.
	s2, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer s2.Logout()

	node, err := s2.NodeState(ctx, "/docs")
	require.NoError(t, err)
	assert.Equal(t, types.NameNTUnstructured, node.NodeTypeName)

	prop, err := s2.Property(ctx, "/docs", name("title"))
	require.NoError(t, err)
	assert.Equal(t, "hello", prop.Values[0].Str)
}

func TestUnsavedChangesInvisibleToOthers(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	a, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer a.Logout()
	b, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer b.Logout()

	_, err = a.AddNode(ctx, "/", name("draft"), types.Name{})
	require.NoError(t, err)

	_, err = b.NodeState(ctx, "/draft")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	require.NoError(t, a.Save(ctx))
	_, err = b.NodeState(ctx, "/draft")
	assert.NoError(t, err)
}

func TestMoveKeepsZombiePathUntilSave(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	seed, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	_, err = seed.AddNode(ctx, "/", name("a"), types.Name{})
	require.NoError(t, err)
	nodeID, err := seed.AddNode(ctx, "/a", name("n"), types.Name{})
	require.NoError(t, err)
	_, err = seed.AddNode(ctx, "/", name("b"), types.Name{})
	require.NoError(t, err)
	_, err = seed.AddNode(ctx, "/", name("c"), types.Name{})
	require.NoError(t, err)
	require.NoError(t, seed.Save(ctx))
	seed.Logout()

	s, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer s.Logout()

	require.NoError(t, s.Move(ctx, "/a/n", "/b/n"))
	require.NoError(t, s.Move(ctx, "/b/n", "/c/n"))

	// The session resolves the node at its latest transient location.
	p, err := s.Path(nodeID)
	require.NoError(t, err)
	assert.Equal(t, "/c/n", p.String())

	// The persisted view is untouched before save.
	p, err = s.ws.Hierarchy().GetPath(nodeID)
	require.NoError(t, err)
	assert.Equal(t, "/a/n", p.String())

	require.NoError(t, s.Save(ctx))
	p, err = s.ws.Hierarchy().GetPath(nodeID)
	require.NoError(t, err)
	assert.Equal(t, "/c/n", p.String())
}

func TestRemovedNodeKeepsZombiePath(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	s, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer s.Logout()

	_, err = s.AddNode(ctx, "/", name("a"), types.Name{})
	require.NoError(t, err)
	nodeID, err := s.AddNode(ctx, "/a", name("n"), types.Name{})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))

	require.NoError(t, s.Remove(ctx, "/a/n"))

	_, err = s.Path(nodeID)
	assert.Error(t, err, "removed node is gone from the normal view")

	zp, err := s.ZombiePath(nodeID)
	require.NoError(t, err)
	assert.Equal(t, "/a/n", zp.String())
}

func TestConcurrentSamePropertySessions(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	seed, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	_, err = seed.AddNode(ctx, "/", name("n"), types.Name{})
	require.NoError(t, err)
	require.NoError(t, seed.SetProperty(ctx, "/n", name("p"), types.StringValue("initial")))
	require.NoError(t, seed.Save(ctx))
	seed.Logout()

	a, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer a.Logout()
	b, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer b.Logout()

	require.NoError(t, a.SetProperty(ctx, "/n", name("p"), types.StringValue("A")))
	require.NoError(t, b.SetProperty(ctx, "/n", name("p"), types.StringValue("B")))

	require.NoError(t, a.Save(ctx))
	err = b.Save(ctx)
	assert.ErrorIs(t, err, errdefs.ErrStale)

	b.Refresh(false)
	prop, err := b.Property(ctx, "/n", name("p"))
	require.NoError(t, err)
	assert.Equal(t, "A", prop.Values[0].Str)
}

func TestDeepLockBlocksOtherSession(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	grantAll(t, repo, "u1")
	grantAll(t, repo, "u2")

	seed, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	_, err = seed.AddNode(ctx, "/", name("p"), types.Name{})
	require.NoError(t, err)
	_, err = seed.AddNode(ctx, "/p", name("c"), types.Name{})
	require.NoError(t, err)
	require.NoError(t, seed.Save(ctx))
	seed.Logout()

	u1, err := repo.Login("", "u1")
	require.NoError(t, err)
	defer u1.Logout()
	u2, err := repo.Login("", "u2")
	require.NoError(t, err)
	defer u2.Logout()

	info, err := u1.Lock(ctx, "/p", true, false, 0)
	require.NoError(t, err)

	// U2 cannot write below the deep lock.
	err = u2.SetProperty(ctx, "/p/c", name("x"), types.StringValue("v"))
	assert.ErrorIs(t, err, errdefs.ErrLocked)

	// Holding the token makes the write legal.
	require.NoError(t, u2.AddLockToken(info.Token()))
	require.NoError(t, u2.SetProperty(ctx, "/p/c", name("x"), types.StringValue("v")))
	require.NoError(t, u2.Save(ctx))
}

func TestSessionScopedLockReleasedOnLogout(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	grantAll(t, repo, "u1")
	grantAll(t, repo, "u2")

	seed, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	_, err = seed.AddNode(ctx, "/", name("n"), types.Name{})
	require.NoError(t, err)
	require.NoError(t, seed.Save(ctx))
	seed.Logout()

	u1, err := repo.Login("", "u1")
	require.NoError(t, err)
	_, err = u1.Lock(ctx, "/n", false, true, 0)
	require.NoError(t, err)
	u1.Logout()

	u2, err := repo.Login("", "u2")
	require.NoError(t, err)
	defer u2.Logout()
	_, err = u2.Lock(ctx, "/n", false, false, 0)
	assert.NoError(t, err, "session-scoped lock must die with its session")
}

func TestACLUserDenyOverridesGroupAllow(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	admin, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	_, err = admin.AddNode(ctx, "/", name("p"), types.Name{})
	require.NoError(t, err)
	require.NoError(t, admin.Save(ctx))

	ws := admin.Workspace()
	ws.ACL().SetGroups(acl.StaticGroups{"u": {"g"}, "v": {"g"}})
	ws.ACL().SetPolicy(types.RootPath, []acl.Entry{
		{Principal: acl.UserPrincipal("u"), Allow: true, Privileges: acl.Read},
		{Principal: acl.UserPrincipal("v"), Allow: true, Privileges: acl.Read},
	})
	pPath, err := types.ParsePath("/p")
	require.NoError(t, err)
	ws.ACL().SetPolicy(pPath, []acl.Entry{
		{Principal: acl.GroupPrincipal("g"), Allow: true, Privileges: acl.ModifyProperties},
		{Principal: acl.UserPrincipal("u"), Allow: false, Privileges: acl.ModifyProperties},
	})
	admin.Logout()

	// u belongs to g, but its own deny wins over the group allow.
	u, err := repo.Login("", "u")
	require.NoError(t, err)
	defer u.Logout()
	err = u.SetProperty(ctx, "/p", name("x"), types.StringValue("v"))
	assert.ErrorIs(t, err, errdefs.ErrAccessDenied)

	// A fellow group member without the deny keeps the grant.
	v, err := repo.Login("", "v")
	require.NoError(t, err)
	defer v.Logout()
	assert.NoError(t, v.SetProperty(ctx, "/p", name("x"), types.StringValue("v")))
}

func TestQueryMergesTransientChanges(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	seed, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	committed, err := seed.AddNode(ctx, "/", name("one"), types.Name{})
	require.NoError(t, err)
	require.NoError(t, seed.SetProperty(ctx, "/one", name("tag"), types.StringValue("keep")))
	require.NoError(t, seed.Save(ctx))
	seed.Logout()

	s, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer s.Logout()

	q := s.WildcardQuery(name("tag").String(), "ke%")
	ids, err := s.Query(ctx, q)
	require.NoError(t, err)
	assert.Contains(t, ids, committed)

	// A transient node with a matching property joins the result.
	added, err := s.AddNode(ctx, "/", name("two"), types.Name{})
	require.NoError(t, err)
	require.NoError(t, s.SetProperty(ctx, "/two", name("tag"), types.StringValue("kept")))
	ids, err = s.Query(ctx, q)
	require.NoError(t, err)
	assert.Contains(t, ids, committed)
	assert.Contains(t, ids, added)

	// A transiently removed node drops out.
	require.NoError(t, s.Remove(ctx, "/one"))
	ids, err = s.Query(ctx, q)
	require.NoError(t, err)
	assert.NotContains(t, ids, committed)
	assert.Contains(t, ids, added)
}

func TestBinaryValuesExternalizeAboveThreshold(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	s, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer s.Logout()

	_, err = s.AddNode(ctx, "/", name("files"), types.Name{})
	require.NoError(t, err)

	big := bytes.Repeat([]byte{0xAB}, 64*1024)
	require.NoError(t, s.SetProperty(ctx, "/files", name("blob"), types.BinaryValue(big)))
	small := []byte("tiny")
	require.NoError(t, s.SetProperty(ctx, "/files", name("inline"), types.BinaryValue(small)))
	require.NoError(t, s.Save(ctx))

	prop, err := s.Property(ctx, "/files", name("blob"))
	require.NoError(t, err)
	require.True(t, prop.Values[0].IsExternal(), "large binary must move to the data store")

	r, err := repo.dataStore.Get(prop.Values[0].BlobID)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, big, data)

	inline, err := s.Property(ctx, "/files", name("inline"))
	require.NoError(t, err)
	assert.False(t, inline.Values[0].IsExternal())
	assert.Equal(t, small, inline.Values[0].Bytes)
}

func TestSameNameSiblingsThroughSessions(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	s, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer s.Logout()

	_, err = s.AddNode(ctx, "/", name("p"), types.Name{})
	require.NoError(t, err)
	var third types.NodeID
	for i := 0; i < 3; i++ {
		third, err = s.AddNode(ctx, "/p", name("foo"), types.Name{})
		require.NoError(t, err)
	}
	require.NoError(t, s.Save(ctx))

	p, err := s.Path(third)
	require.NoError(t, err)
	assert.Equal(t, "/p/foo[3]", p.String())

	require.NoError(t, s.Remove(ctx, "/p/foo"))
	require.NoError(t, s.Save(ctx))

	p, err = s.Path(third)
	require.NoError(t, err)
	assert.Equal(t, "/p/foo[2]", p.String(), "indexes stay dense after removal")
}

func TestRegisterNodeTypeUsableBySessions(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	articleType := types.NewName("http://example.com/ns", "article")
	require.NoError(t, repo.RegisterNodeType(&nodetype.Definition{
		Name: articleType,
		PropertyDefs: []nodetype.PropertyDef{
			{Name: name("title"), Required: true, Type: types.TypeString},
		},
	}))

	s, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	defer s.Logout()

	_, err = s.AddNode(ctx, "/", name("post"), articleType)
	require.NoError(t, err)

	// The required property is enforced at save.
	err = s.Save(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrConstraint)

	require.NoError(t, s.SetProperty(ctx, "/post", name("title"), types.StringValue("hello")))
	require.NoError(t, s.Save(ctx))

	// Reregistering relaxes the definition; unregistering removes it.
	require.NoError(t, repo.ReregisterNodeType(&nodetype.Definition{Name: articleType}))
	require.NoError(t, repo.UnregisterNodeType(articleType))
	_, err = s.AddNode(ctx, "/", name("another"), articleType)
	assert.ErrorIs(t, err, errdefs.ErrConstraint)
}

func TestNodeTypeRegistrationReplicated(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.ClusterID = "n1"
	repo, err := Open(cfg)
	require.NoError(t, err)
	defer repo.Close()

	articleType := types.NewName("http://example.com/ns", "article")
	require.NoError(t, repo.RegisterNodeType(&nodetype.Definition{Name: articleType}))

	// A journal record of kind 'T' was written for the registration.
	records, err := repo.journal.Records(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, journal.KindNodeType, records[0].Kind())
	op, def, err := journal.DecodeNodeType(records[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, journal.NodeTypeRegister, op)
	assert.Equal(t, articleType, def.Name)

	// A record written by a peer registers the type here on replay; own
	// records are skipped by creator.
	ws, err := repo.Workspace("")
	require.NoError(t, err)
	peerType := types.NewName("http://example.com/ns", "comment")
	_, err = repo.journal.Append("n2", journal.EncodeNodeType(
		journal.NodeTypeRegister, &nodetype.Definition{Name: peerType}))
	require.NoError(t, err)

	require.NoError(t, ws.Cluster().Sync(ctx))
	_, ok := repo.nodeTypes.Get(peerType)
	assert.True(t, ok)
	_, ok = repo.nodeTypes.Get(articleType)
	assert.True(t, ok, "own registration stays in place")
}

func TestLockTimeoutAcrossSessions(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	grantAll(t, repo, "u1")
	grantAll(t, repo, "u2")

	seed, err := repo.Login("", SuperUser)
	require.NoError(t, err)
	_, err = seed.AddNode(ctx, "/", name("n"), types.Name{})
	require.NoError(t, err)
	require.NoError(t, seed.Save(ctx))
	seed.Logout()

	u1, err := repo.Login("", "u1")
	require.NoError(t, err)
	defer u1.Logout()
	info, err := u1.Lock(ctx, "/n", false, false, 200*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(350 * time.Millisecond)
	assert.True(t, info.IsExpired())

	u2, err := repo.Login("", "u2")
	require.NoError(t, err)
	defer u2.Logout()
	_, err = u2.Lock(ctx, "/n", false, false, 0)
	assert.NoError(t, err, "expired lock must be reclaimed on access")
}
