// Package lock implements node-scoped locking: open and deep locks with
// owner info, session scope, timeouts with lazy expiry, and checked lock
// tokens.
package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/hierarchy"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// maxTimeout clamps timeout hints to 100 years; anything above behaves as
// non-expiring.
const maxTimeout = 100 * 365 * 24 * time.Hour

// Info describes one live lock.
type Info struct {
	ID            types.NodeID
	Owner         string
	SessionID     string
	Deep          bool
	SessionScoped bool

	// TimeoutHint is the requested timeout; zero means no timeout.
	TimeoutHint time.Duration
	// Deadline is the clamped absolute expiry; zero means the lock never
	// expires.
	Deadline time.Time

	Live bool
}

// Token returns the lock token guarding this lock.
func (i *Info) Token() string {
	return FormatToken(i.ID)
}

// IsExpired reports whether the deadline passed. Locks whose hint exceeded
// the clamp got a zero deadline at creation, so every read path treats them
// as non-expiring.
func (i *Info) IsExpired() bool {
	return !i.Deadline.IsZero() && time.Now().After(i.Deadline)
}

// Manager tracks the locks of one workspace.
type Manager struct {
	mu        sync.Mutex
	locks     map[types.NodeID]*Info
	hierarchy *hierarchy.Manager

	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// NewManager builds a lock manager resolving ancestry through the given
// hierarchy view. defaultTimeout applies when a lock request passes zero
// and may itself be zero for no timeout.
func NewManager(h *hierarchy.Manager, defaultTimeout time.Duration) *Manager {
	return &Manager{
		locks:          make(map[types.NodeID]*Info),
		hierarchy:      h,
		defaultTimeout: defaultTimeout,
		logger:         log.WithComponent("lock-manager"),
	}
}

// Lock places a lock on id. Deep locks claim the whole subtree: they fail
// if anything below is already locked, and nothing below can be locked
// while they live.
func (m *Manager) Lock(id types.NodeID, owner, sessionID string, deep, sessionScoped bool, timeout time.Duration) (*Info, error) {
	if timeout == 0 {
		timeout = m.defaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimExpiredLocked()

	if existing, ok := m.locks[id]; ok && existing.Live {
		return nil, fmt.Errorf("node %s is already locked by %s: %w", id, existing.Owner, errdefs.ErrLocked)
	}
	if holder, err := m.deepHolderLocked(id); err != nil {
		return nil, err
	} else if holder != nil {
		return nil, fmt.Errorf("ancestor %s holds a deep lock: %w", holder.ID, errdefs.ErrLocked)
	}
	if deep {
		for lockedID, info := range m.locks {
			if !info.Live {
				continue
			}
			below, err := m.hierarchy.IsAncestor(id, lockedID)
			if err != nil {
				return nil, err
			}
			if below {
				return nil, fmt.Errorf("descendant %s is already locked: %w", lockedID, errdefs.ErrLocked)
			}
		}
	}

	info := &Info{
		ID:            id,
		Owner:         owner,
		SessionID:     sessionID,
		Deep:          deep,
		SessionScoped: sessionScoped,
		TimeoutHint:   timeout,
		Live:          true,
	}
	if timeout > 0 && timeout <= maxTimeout {
		info.Deadline = time.Now().Add(timeout)
	}
	m.locks[id] = info
	metrics.LocksActive.Set(float64(len(m.locks)))
	m.logger.Debug().Str("id", id.String()).Bool("deep", deep).Msg("lock acquired")
	return info, nil
}

// Unlock releases the lock on id. The caller must hold the lock token.
func (m *Manager) Unlock(id types.NodeID, tokens TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.locks[id]
	if !ok || !info.Live || info.IsExpired() {
		delete(m.locks, id)
		return fmt.Errorf("node %s is not locked: %w", id, errdefs.ErrNotFound)
	}
	if !tokens.Contains(info.Token()) {
		return fmt.Errorf("session does not hold the lock token for %s: %w", id, errdefs.ErrLocked)
	}
	info.Live = false
	delete(m.locks, id)
	metrics.LocksActive.Set(float64(len(m.locks)))
	m.logger.Debug().Str("id", id.String()).Msg("lock released")
	return nil
}

// LockInfo returns the effective lock on id: its own lock or the nearest
// deep lock above. Expired locks are reclaimed on the way.
func (m *Manager) LockInfo(id types.NodeID) (*Info, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimExpiredLocked()

	if info, ok := m.locks[id]; ok && info.Live {
		return info, true, nil
	}
	holder, err := m.deepHolderLocked(id)
	if err != nil {
		return nil, false, err
	}
	if holder != nil {
		return holder, true, nil
	}
	return nil, false, nil
}

// CheckWrite fails with ErrLocked when id sits under a lock whose token the
// session does not hold.
func (m *Manager) CheckWrite(id types.NodeID, tokens TokenSet) error {
	info, ok, err := m.LockInfo(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if tokens.Contains(info.Token()) {
		return nil
	}
	return fmt.Errorf("node %s is locked by %s: %w", id, info.Owner, errdefs.ErrLocked)
}

// ReleaseSessionScoped drops every session-scoped lock the closing session
// still holds.
func (m *Manager) ReleaseSessionScoped(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, info := range m.locks {
		if info.SessionScoped && info.SessionID == sessionID {
			info.Live = false
			delete(m.locks, id)
		}
	}
	metrics.LocksActive.Set(float64(len(m.locks)))
}

// SweepExpired reclaims expired locks eagerly; a background sweeper may
// call it, but lazy reclamation on access keeps correctness without one.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.locks)
	m.reclaimExpiredLocked()
	return before - len(m.locks)
}

func (m *Manager) reclaimExpiredLocked() {
	for id, info := range m.locks {
		if info.IsExpired() {
			info.Live = false
			delete(m.locks, id)
		}
	}
	metrics.LocksActive.Set(float64(len(m.locks)))
}

// deepHolderLocked finds a live deep lock on a proper ancestor of id.
func (m *Manager) deepHolderLocked(id types.NodeID) (*Info, error) {
	for lockedID, info := range m.locks {
		if !info.Live || !info.Deep || lockedID == id {
			continue
		}
		above, err := m.hierarchy.IsAncestor(lockedID, id)
		if err != nil {
			return nil, err
		}
		if above {
			return info, nil
		}
	}
	return nil, nil
}

// StateCreated implements state.Listener.
func (m *Manager) StateCreated(state.ItemState) {}

// StateModified implements state.Listener.
func (m *Manager) StateModified(state.ItemState) {}

// StateDiscarded implements state.Listener.
func (m *Manager) StateDiscarded(state.ItemState) {}

// StateDestroyed drops the lock of a node leaving the repository.
func (m *Manager) StateDestroyed(s state.ItemState) {
	n, ok := s.(*state.NodeState)
	if !ok {
		return
	}
	m.mu.Lock()
	delete(m.locks, n.ID)
	metrics.LocksActive.Set(float64(len(m.locks)))
	m.mu.Unlock()
}

// TokenSet is a session's held lock tokens.
type TokenSet map[string]struct{}

// NewTokenSet returns an empty token set.
func NewTokenSet() TokenSet {
	return make(TokenSet)
}

// Add validates and stores a token; malformed tokens are rejected.
func (s TokenSet) Add(token string) error {
	if _, err := ParseToken(token); err != nil {
		return err
	}
	s[token] = struct{}{}
	return nil
}

// Remove drops a token.
func (s TokenSet) Remove(token string) {
	delete(s, token)
}

// Contains reports whether the set holds token.
func (s TokenSet) Contains(token string) bool {
	_, ok := s[token]
	return ok
}
