// Package repository wires the engine together: configuration, string
// indices, data store, per-workspace bundle stores and shared item-state
// managers, the cluster journal, locking, access control, the query index,
// and the authoring sessions layered on top.
package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/acl"
	"github.com/cuemby/burrow/pkg/bundle"
	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/hierarchy"
	"github.com/cuemby/burrow/pkg/journal"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/namespace"
	"github.com/cuemby/burrow/pkg/nodetype"
	"github.com/cuemby/burrow/pkg/query"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// SuperUser bypasses access control; administrative tooling logs in as it.
const SuperUser = "admin"

// Repository is one open repository home.
type Repository struct {
	cfg config.Config

	namespaces *bundle.StringIndex
	names      *bundle.StringIndex
	nsRegistry *namespace.Registry
	nodeTypes  *nodetype.Registry
	dataStore  *bundle.FileDataStore
	journal    *journal.Journal
	broker     *events.Broker

	mu         sync.Mutex
	workspaces map[string]*Workspace
	closed     bool

	logger zerolog.Logger
}

// Open prepares the home directory layout and the repository-wide pieces.
func Open(cfg config.Config) (*Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{
		cfg.Home,
		filepath.Join(cfg.Home, "workspaces"),
		filepath.Join(cfg.Home, "blobs"),
	} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	namespaces, err := bundle.OpenStringIndex(filepath.Join(cfg.Home, "namespaces.properties"))
	if err != nil {
		return nil, err
	}
	names, err := bundle.OpenStringIndex(filepath.Join(cfg.Home, "names.properties"))
	if err != nil {
		return nil, err
	}
	nsRegistry, err := namespace.Open(filepath.Join(cfg.Home, "ns_reg.properties"))
	if err != nil {
		return nil, err
	}
	dataStore, err := bundle.NewFileDataStore(filepath.Join(cfg.Home, "blobs"))
	if err != nil {
		return nil, err
	}

	r := &Repository{
		cfg:        cfg,
		namespaces: namespaces,
		names:      names,
		nsRegistry: nsRegistry,
		nodeTypes:  nodetype.NewRegistry(),
		dataStore:  dataStore,
		broker:     events.NewBroker(),
		workspaces: make(map[string]*Workspace),
		logger:     log.WithComponent("repository"),
	}

	if cfg.ClusterID != "" {
		j, err := journal.Open(filepath.Join(cfg.Home, "journal"))
		if err != nil {
			return nil, err
		}
		r.journal = j
	}

	r.broker.Start()
	r.logger.Info().Str("home", cfg.Home).Msg("repository opened")
	return r, nil
}

// Config returns the active configuration.
func (r *Repository) Config() config.Config {
	return r.cfg
}

// NodeTypes returns the node-type registry.
func (r *Repository) NodeTypes() *nodetype.Registry {
	return r.nodeTypes
}

// Namespaces returns the namespace registry.
func (r *Repository) Namespaces() *namespace.Registry {
	return r.nsRegistry
}

// Broker returns the observation event broker.
func (r *Repository) Broker() *events.Broker {
	return r.broker
}

// RegisterNamespace binds a prefix locally and replicates it to the
// cluster.
func (r *Repository) RegisterNamespace(prefix, uri string) error {
	if err := r.nsRegistry.Register(prefix, uri); err != nil {
		return err
	}
	if r.journal != nil {
		if _, err := r.journal.Append(r.cfg.ClusterID, journal.EncodeNamespace(prefix, uri)); err != nil {
			return err
		}
	}
	return nil
}

// RegisterNodeType adds a node-type definition and replicates the
// registration to the cluster.
func (r *Repository) RegisterNodeType(def *nodetype.Definition) error {
	if err := r.nodeTypes.Register(def); err != nil {
		return err
	}
	return r.appendNodeType(journal.NodeTypeRegister, def)
}

// ReregisterNodeType replaces a node-type definition in place and
// replicates the change.
func (r *Repository) ReregisterNodeType(def *nodetype.Definition) error {
	if err := r.nodeTypes.Reregister(def); err != nil {
		return err
	}
	return r.appendNodeType(journal.NodeTypeReregister, def)
}

// UnregisterNodeType removes a node-type definition and replicates the
// removal.
func (r *Repository) UnregisterNodeType(name types.Name) error {
	if err := r.nodeTypes.Unregister(name); err != nil {
		return err
	}
	return r.appendNodeType(journal.NodeTypeUnregister, &nodetype.Definition{Name: name})
}

func (r *Repository) appendNodeType(op journal.NodeTypeOp, def *nodetype.Definition) error {
	if r.journal == nil {
		return nil
	}
	if _, err := r.journal.Append(r.cfg.ClusterID, journal.EncodeNodeType(op, def)); err != nil {
		return err
	}
	return nil
}

// Workspace opens (or returns) the named workspace.
func (r *Repository) Workspace(name string) (*Workspace, error) {
	if name == "" {
		name = r.cfg.DefaultWorkspace
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("repository is closed")
	}
	if ws, ok := r.workspaces[name]; ok {
		return ws, nil
	}
	ws, err := r.openWorkspace(name)
	if err != nil {
		return nil, err
	}
	r.workspaces[name] = ws
	return ws, nil
}

func (r *Repository) openWorkspace(name string) (*Workspace, error) {
	dir := filepath.Join(r.cfg.Home, "workspaces", name)
	for _, sub := range []string{dir, filepath.Join(dir, "index")} {
		if err := os.MkdirAll(sub, 0700); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir: %w", err)
		}
	}

	rootID, err := loadOrCreateRootID(filepath.Join(dir, "root.id"))
	if err != nil {
		return nil, err
	}

	codec := bundle.NewCodec(r.namespaces, r.names)
	store, err := bundle.NewBoltStore(dir, codec)
	if err != nil {
		return nil, err
	}
	bundleCache := cache.NewBundleCache(int(r.cfg.BundleCacheSize.Bytes()))
	sism, err := state.NewSharedItemStateManager(store, bundleCache, rootID)
	if err != nil {
		store.Close()
		return nil, err
	}

	ws := &Workspace{
		name:            name,
		repo:            r,
		store:           store,
		cache:           bundleCache,
		sism:            sism,
		hierarchy:       hierarchy.NewManager(sism, rootID),
		acl:             acl.NewEvaluator(acl.StaticGroups{}, SuperUser),
		index:           query.NewIndex(r.cfg.SearchIndexFormatVersion),
		nodeTypes:       r.nodeTypes,
		dataStore:       r.dataStore,
		inlineThreshold: int(r.cfg.InlineBlobThreshold.Bytes()),
		maxClauseCount:  r.cfg.MaxClauseCount,
		logger:          log.WithWorkspace(name),
	}
	ws.locks = lock.NewManager(ws.hierarchy, time.Duration(r.cfg.LockDefaultTimeoutSecs)*time.Second)

	// Downstream observers of the shared state: lock reclamation, query
	// index maintenance, observation events.
	sism.AddListener(ws.locks)
	sism.AddListener(&query.Listener{Index: ws.index})
	sism.AddListener(&events.Listener{Broker: r.broker})

	if r.journal != nil {
		ws.cluster = journal.NewClusterNode(r.cfg.ClusterID, r.journal, sism)
		ws.cluster.OnNamespace(func(prefix, uri string) {
			if err := r.nsRegistry.Apply(prefix, uri); err != nil {
				ws.logger.Error().Err(err).Str("prefix", prefix).Msg("failed to apply replicated namespace")
			}
		})
		ws.cluster.OnNodeType(func(op journal.NodeTypeOp, def *nodetype.Definition) {
			switch op {
			case journal.NodeTypeRegister, journal.NodeTypeReregister:
				r.nodeTypes.ApplyRegister(def)
			case journal.NodeTypeUnregister:
				r.nodeTypes.ApplyUnregister(def.Name)
			}
		})
	}

	ws.logger.Info().Str("root", rootID.String()).Msg("workspace opened")
	return ws, nil
}

func loadOrCreateRootID(path string) (types.NodeID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return types.ParseNodeID(string(data))
	}
	if !os.IsNotExist(err) {
		return types.NilNodeID, fmt.Errorf("failed to read root id: %w", err)
	}
	id := types.NodeID(uuid.New())
	if err := os.WriteFile(path, []byte(id.String()), 0600); err != nil {
		return types.NilNodeID, fmt.Errorf("failed to persist root id: %w", err)
	}
	return id, nil
}

// Login opens a session for user against the named workspace.
func (r *Repository) Login(workspaceName, user string) (*Session, error) {
	ws, err := r.Workspace(workspaceName)
	if err != nil {
		return nil, err
	}
	return ws.login(user), nil
}

// StartCluster begins journal replay for every open workspace.
func (r *Repository) StartCluster(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ws := range r.workspaces {
		if ws.cluster != nil {
			ws.cluster.Start(ctx, interval)
		}
	}
}

// Close shuts the repository down.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, ws := range r.workspaces {
		if ws.cluster != nil {
			ws.cluster.Stop()
		}
		if err := ws.store.Close(); err != nil {
			r.logger.Error().Err(err).Str("workspace", ws.name).Msg("failed to close workspace store")
		}
	}
	r.broker.Stop()
	r.nsRegistry.Close()
	r.names.Close()
	r.namespaces.Close()
	r.dataStore.Close()
	r.logger.Info().Msg("repository closed")
	return nil
}
