package types

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID identifies a node. It is a 128-bit UUID, globally unique across
// workspaces and cluster members.
type NodeID uuid.UUID

// NilNodeID is the zero NodeID, used for "no parent" on the root node.
var NilNodeID = NodeID(uuid.Nil)

// NewNodeID generates a fresh random NodeID.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

// ParseNodeID parses the canonical 36-character UUID form.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilNodeID, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return NodeID(u), nil
}

// NodeIDFromBytes reads a NodeID from its 16-byte binary form.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NilNodeID, fmt.Errorf("invalid node id bytes: %w", err)
	}
	return NodeID(u), nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

// Bytes returns the 16-byte binary form used in bundles and journal records.
func (id NodeID) Bytes() []byte {
	b := [16]byte(id)
	return b[:]
}

// IsNil reports whether the id is the zero id.
func (id NodeID) IsNil() bool {
	return id == NilNodeID
}

// Hash returns a 32-bit hash used to pick a cache segment.
func (id NodeID) Hash() uint32 {
	var h uint32
	for _, b := range id {
		h = h*31 + uint32(b)
	}
	return h
}

// DenotesNode implements ItemID.
func (id NodeID) DenotesNode() bool { return true }

// PropertyID identifies a property by its parent node and name.
type PropertyID struct {
	ParentID NodeID
	Name     Name
}

// NewPropertyID builds the id of the property name on parent.
func NewPropertyID(parent NodeID, name Name) PropertyID {
	return PropertyID{ParentID: parent, Name: name}
}

func (id PropertyID) String() string {
	return id.ParentID.String() + "/" + id.Name.String()
}

// DenotesNode implements ItemID.
func (id PropertyID) DenotesNode() bool { return false }

// ItemID is either a NodeID or a PropertyID.
type ItemID interface {
	DenotesNode() bool
	String() string
}
