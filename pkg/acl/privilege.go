// Package acl implements hierarchical access control: privilege bits with
// aggregates, per-node entry lists with allow/deny and glob restrictions,
// principal groups, and the evaluation rules (local over inherited, user
// over group, deny over allow).
package acl

import (
	"fmt"
	"strings"
)

// Privileges is a bit set of atomic privileges.
type Privileges uint16

const (
	Read Privileges = 1 << iota
	ModifyProperties
	AddChildNodes
	RemoveChildNodes
	RemoveNode
	ReadAccessControl
	ModifyAccessControl
	NodeTypeManagement
	LockManagement
	VersionManagement
	LifecycleManagement
	RetentionManagement

	None Privileges = 0
)

// Aggregate privileges.
const (
	Write = ModifyProperties | AddChildNodes | RemoveChildNodes | RemoveNode
	All   = Read | Write | ReadAccessControl | ModifyAccessControl |
		NodeTypeManagement | LockManagement | VersionManagement |
		LifecycleManagement | RetentionManagement
)

var privilegeNames = map[string]Privileges{
	"jcr:read":                 Read,
	"jcr:modifyProperties":     ModifyProperties,
	"jcr:addChildNodes":        AddChildNodes,
	"jcr:removeChildNodes":     RemoveChildNodes,
	"jcr:removeNode":           RemoveNode,
	"jcr:readAccessControl":    ReadAccessControl,
	"jcr:modifyAccessControl":  ModifyAccessControl,
	"jcr:nodeTypeManagement":   NodeTypeManagement,
	"jcr:lockManagement":       LockManagement,
	"jcr:versionManagement":    VersionManagement,
	"jcr:lifecycleManagement":  LifecycleManagement,
	"jcr:retentionManagement":  RetentionManagement,
	"jcr:write":                Write,
	"jcr:all":                  All,
}

// FromName resolves a privilege name, expanding aggregates.
func FromName(name string) (Privileges, error) {
	p, ok := privilegeNames[name]
	if !ok {
		return None, fmt.Errorf("unknown privilege %q", name)
	}
	return p, nil
}

// Names renders the bit set as privilege names, folding complete
// aggregates.
func (p Privileges) Names() []string {
	if p == All {
		return []string{"jcr:all"}
	}
	var out []string
	rest := p
	if rest&Write == Write {
		out = append(out, "jcr:write")
		rest &^= Write
	}
	for _, name := range []string{
		"jcr:read", "jcr:modifyProperties", "jcr:addChildNodes",
		"jcr:removeChildNodes", "jcr:removeNode", "jcr:readAccessControl",
		"jcr:modifyAccessControl", "jcr:nodeTypeManagement",
		"jcr:lockManagement", "jcr:versionManagement",
		"jcr:lifecycleManagement", "jcr:retentionManagement",
	} {
		bit := privilegeNames[name]
		if rest&bit == bit {
			out = append(out, name)
		}
	}
	return out
}

func (p Privileges) String() string {
	return strings.Join(p.Names(), ",")
}

// Contains reports whether every bit of want is present.
func (p Privileges) Contains(want Privileges) bool {
	return p&want == want
}
