package repository

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/acl"
	"github.com/cuemby/burrow/pkg/bundle"
	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/hierarchy"
	"github.com/cuemby/burrow/pkg/journal"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/nodetype"
	"github.com/cuemby/burrow/pkg/query"
	"github.com/cuemby/burrow/pkg/state"
)

var sessionSeq uint64

// Workspace bundles the shared, process-wide pieces serving one workspace:
// its store, cache, shared item-state manager, hierarchy view, lock
// manager, ACL evaluator, query index, and optional cluster membership.
type Workspace struct {
	name string
	repo *Repository

	store     *bundle.BoltStore
	cache     *cache.BundleCache
	sism      *state.SharedItemStateManager
	hierarchy *hierarchy.Manager
	locks     *lock.Manager
	acl       *acl.Evaluator
	index     *query.Index
	cluster   *journal.ClusterNode
	nodeTypes *nodetype.Registry
	dataStore bundle.DataStore

	inlineThreshold int
	maxClauseCount  int

	logger zerolog.Logger
}

// Name returns the workspace name.
func (w *Workspace) Name() string { return w.name }

// SharedISM returns the workspace's shared item-state manager.
func (w *Workspace) SharedISM() *state.SharedItemStateManager { return w.sism }

// Hierarchy returns the persisted-view hierarchy manager.
func (w *Workspace) Hierarchy() *hierarchy.Manager { return w.hierarchy }

// Locks returns the workspace lock manager.
func (w *Workspace) Locks() *lock.Manager { return w.locks }

// ACL returns the workspace access-control evaluator.
func (w *Workspace) ACL() *acl.Evaluator { return w.acl }

// Index returns the workspace query index.
func (w *Workspace) Index() *query.Index { return w.index }

// Cluster returns the workspace's cluster node, or nil outside a cluster.
func (w *Workspace) Cluster() *journal.ClusterNode { return w.cluster }

// Cache returns the workspace bundle cache.
func (w *Workspace) Cache() *cache.BundleCache { return w.cache }

func (w *Workspace) login(user string) *Session {
	tism := state.NewTransientItemStateManager(w.sism)
	id := fmt.Sprintf("session-%d", atomic.AddUint64(&sessionSeq, 1))
	return &Session{
		id:     id,
		user:   user,
		ws:     w,
		tism:   tism,
		hm:     hierarchy.NewManager(tism, w.sism.RootID()),
		zombie: hierarchy.NewZombieManager(tism, w.sism.RootID()),
		tokens: lock.NewTokenSet(),
		logger: w.logger.With().Str("session_id", id).Str("user", user).Logger(),
	}
}
