package acl

import (
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// Groups resolves a user to its group principals.
type Groups interface {
	GroupsOf(user string) []string
}

// StaticGroups is a fixed user-to-groups mapping.
type StaticGroups map[string][]string

func (g StaticGroups) GroupsOf(user string) []string {
	return g[user]
}

// Evaluator computes effective permissions by walking the node hierarchy
// from the target to the root, merging entry lists with the ordering rules:
//
//  1. Entries local to a node override inherited entries (nearest first).
//  2. User entries override group entries at the same node.
//  3. Deny overrides allow for the same principal class at the same node.
//  4. Glob restrictions filter which paths an entry applies to.
//
// A privilege bit is decided by the first applicable entry encountered in
// that order; undecided bits are denied.
type Evaluator struct {
	mu       sync.RWMutex
	policies map[string][]Entry
	groups   Groups

	// SuperUser bypasses evaluation entirely.
	superUser string
}

// NewEvaluator builds an evaluator with the given group resolver; groups
// may be nil.
func NewEvaluator(groups Groups, superUser string) *Evaluator {
	if groups == nil {
		groups = StaticGroups{}
	}
	return &Evaluator{
		policies:  make(map[string][]Entry),
		groups:    groups,
		superUser: superUser,
	}
}

// SetGroups replaces the group resolver.
func (e *Evaluator) SetGroups(groups Groups) {
	e.mu.Lock()
	e.groups = groups
	e.mu.Unlock()
}

// SetPolicy replaces the entry list bound to the node at path.
func (e *Evaluator) SetPolicy(path types.Path, entries []Entry) {
	e.mu.Lock()
	e.policies[path.String()] = append([]Entry(nil), entries...)
	e.mu.Unlock()
}

// Policy returns the entry list bound at path.
func (e *Evaluator) Policy(path types.Path) []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Entry(nil), e.policies[path.String()]...)
}

// RemovePolicy drops the entry list bound at path.
func (e *Evaluator) RemovePolicy(path types.Path) {
	e.mu.Lock()
	delete(e.policies, path.String())
	e.mu.Unlock()
}

// IsGranted reports whether user holds every bit of want at the item path.
func (e *Evaluator) IsGranted(user string, itemPath types.Path, want Privileges) bool {
	if user == e.superUser {
		return true
	}
	if want == None {
		return true
	}
	granted := e.effective(user, itemPath)
	return granted.Contains(want)
}

// Check returns ErrAccessDenied unless user holds want at itemPath.
func (e *Evaluator) Check(user string, itemPath types.Path, want Privileges) error {
	if e.IsGranted(user, itemPath, want) {
		return nil
	}
	return fmt.Errorf("%s lacks %s at %s: %w", user, want, itemPath, errdefs.ErrAccessDenied)
}

// effective merges entries from the item path up to the root.
func (e *Evaluator) effective(user string, itemPath types.Path) Privileges {
	e.mu.RLock()
	resolver := e.groups
	e.mu.RUnlock()
	groups := make(map[string]struct{})
	for _, g := range resolver.GroupsOf(user) {
		groups[g] = struct{}{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var allowed, denied Privileges
	nodePath := itemPath
	for {
		entries := e.policies[nodePath.String()]
		for _, entry := range orderEntries(entries) {
			if !principalApplies(entry.Principal, user, groups) {
				continue
			}
			if !entry.Glob.Matches(nodePath, itemPath) {
				continue
			}
			bits := entry.Privileges &^ (allowed | denied)
			if entry.Allow {
				allowed |= bits
			} else {
				denied |= bits
			}
		}
		if nodePath.IsRoot() {
			break
		}
		nodePath = nodePath.Parent()
	}
	return allowed
}

// orderEntries sorts one node's entries into evaluation order: user-deny,
// user-allow, group-deny, group-allow; insertion order breaks ties between
// entries differing only in glob.
func orderEntries(entries []Entry) []Entry {
	var out []Entry
	for _, pick := range []func(Entry) bool{
		func(en Entry) bool { return !en.Principal.Group && !en.Allow },
		func(en Entry) bool { return !en.Principal.Group && en.Allow },
		func(en Entry) bool { return en.Principal.Group && !en.Allow },
		func(en Entry) bool { return en.Principal.Group && en.Allow },
	} {
		for _, en := range entries {
			if pick(en) {
				out = append(out, en)
			}
		}
	}
	return out
}

func principalApplies(p Principal, user string, groups map[string]struct{}) bool {
	if p.Group {
		_, ok := groups[p.Name]
		return ok
	}
	return p.Name == user
}

// IsACItem reports whether a path addresses access-control content (a
// rep:policy child or below); such items are gated by the AC privileges,
// not the regular read/write bits.
func IsACItem(p types.Path) bool {
	for _, e := range p.Elements() {
		if e.IsNamed() && e.Name == types.NameRepPolicy {
			return true
		}
	}
	return false
}

// ReadPermission returns the privilege required to read itemPath.
func ReadPermission(itemPath types.Path) Privileges {
	if IsACItem(itemPath) {
		return ReadAccessControl
	}
	return Read
}

// CanSetProperty checks the modify-properties privilege at the node.
func (e *Evaluator) CanSetProperty(user string, nodePath types.Path) error {
	if IsACItem(nodePath) {
		return e.Check(user, nodePath, ModifyAccessControl)
	}
	return e.Check(user, nodePath, ModifyProperties)
}

// CanAddChild checks add_node: the privilege is required on the parent.
func (e *Evaluator) CanAddChild(user string, parentPath types.Path) error {
	if IsACItem(parentPath) {
		return e.Check(user, parentPath, ModifyAccessControl)
	}
	return e.Check(user, parentPath, AddChildNodes)
}

// CanRemoveNode checks remove: remove_node at the target and
// remove_child_nodes at its parent.
func (e *Evaluator) CanRemoveNode(user string, targetPath types.Path) error {
	if IsACItem(targetPath) {
		return e.Check(user, targetPath, ModifyAccessControl)
	}
	if err := e.Check(user, targetPath, RemoveNode); err != nil {
		return err
	}
	return e.Check(user, targetPath.Parent(), RemoveChildNodes)
}

// CanMove checks move: add at the destination parent, remove at the source.
func (e *Evaluator) CanMove(user string, srcPath, dstParentPath types.Path) error {
	if err := e.CanRemoveNode(user, srcPath); err != nil {
		return err
	}
	return e.CanAddChild(user, dstParentPath)
}

// CanRead checks the read privilege for itemPath.
func (e *Evaluator) CanRead(user string, itemPath types.Path) error {
	return e.Check(user, itemPath, ReadPermission(itemPath))
}
