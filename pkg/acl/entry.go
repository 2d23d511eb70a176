package acl

import (
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

// Principal names a user or group.
type Principal struct {
	Name  string
	Group bool
}

// UserPrincipal builds a user principal.
func UserPrincipal(name string) Principal {
	return Principal{Name: name}
}

// GroupPrincipal builds a group principal.
func GroupPrincipal(name string) Principal {
	return Principal{Name: name, Group: true}
}

// Entry is one access-control entry: a principal is allowed or denied a
// privilege set, optionally restricted by a glob over descendant paths.
type Entry struct {
	Principal  Principal
	Allow      bool
	Privileges Privileges

	// Glob restricts which paths the entry applies to. Nil means the node
	// and its whole subtree.
	Glob *GlobPattern
}

// GlobPattern restricts an entry to paths matching a pattern below the node
// the entry sits on. The empty pattern matches the node itself but no
// descendants; "*" matches any single path segment; a matched path admits
// its own descendants.
type GlobPattern struct {
	raw string
}

// NewGlobPattern builds a restriction from its string form.
func NewGlobPattern(pattern string) *GlobPattern {
	return &GlobPattern{raw: pattern}
}

// String returns the pattern's source form.
func (g *GlobPattern) String() string {
	return g.raw
}

// Matches reports whether the entry applies to target, given the path of
// the node carrying the entry. target must equal nodePath or lie below it.
func (g *GlobPattern) Matches(nodePath, target types.Path) bool {
	if !nodePath.Equal(target) && !nodePath.IsAncestorOf(target) {
		return false
	}
	if g == nil {
		return true
	}
	if g.raw == "" {
		return nodePath.Equal(target)
	}

	rel := target.Elements()[len(nodePath.Elements()):]
	patSegs := strings.Split(strings.TrimPrefix(g.raw, "/"), "/")

	// A path matching the pattern admits its subtree: try every prefix of
	// the relative path with the same segment count as the pattern.
	if len(rel) < len(patSegs) {
		return false
	}
	for i, seg := range patSegs {
		if !segmentMatches(seg, rel[i].String()) {
			return false
		}
	}
	return true
}

// segmentMatches matches one pattern segment against one path segment;
// '*' matches any run of characters within the segment.
func segmentMatches(pattern, seg string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == seg
	}
	if !strings.HasPrefix(seg, parts[0]) {
		return false
	}
	seg = seg[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(seg, part)
		if idx < 0 {
			return false
		}
		seg = seg[idx+len(part):]
	}
	return strings.HasSuffix(seg, parts[len(parts)-1])
}
