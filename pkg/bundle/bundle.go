package bundle

import (
	"github.com/cuemby/burrow/pkg/types"
)

// ChildEntry names one child node within a bundle.
type ChildEntry struct {
	Name  types.Name
	Index int
	ID    types.NodeID
}

// PropertyEntry is one stored property with its full values. The three
// synthesized properties (jcr:uuid, jcr:primaryType, jcr:mixinTypes) never
// appear here.
type PropertyEntry struct {
	Name        types.Name
	Type        types.PropertyType
	MultiValued bool
	Values      []types.Value

	// ModCount is bumped when the property is stored; stale detection for
	// properties compares it, so disjoint property writes on one node do
	// not conflict.
	ModCount uint32
}

// Bundle is the on-disk record for one node and its properties.
type Bundle struct {
	ID           types.NodeID
	ParentID     types.NodeID
	NodeTypeName types.Name
	Mixins       []types.Name
	ShareParents []types.NodeID
	ChildEntries []ChildEntry
	Properties   []PropertyEntry

	// ModCount is bumped whenever the node state itself is committed
	// (structure: parent, type, mixins, child entries); property-only
	// commits bump only the PropertyEntry counters. Stale detection
	// compares it.
	ModCount uint32
}

// Property looks up a stored property by name.
func (b *Bundle) Property(name types.Name) (PropertyEntry, bool) {
	for _, p := range b.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyEntry{}, false
}

// SetProperty replaces or appends a property entry.
func (b *Bundle) SetProperty(entry PropertyEntry) {
	for i, p := range b.Properties {
		if p.Name == entry.Name {
			b.Properties[i] = entry
			return
		}
	}
	b.Properties = append(b.Properties, entry)
}

// RemoveProperty drops a property entry.
func (b *Bundle) RemoveProperty(name types.Name) {
	for i, p := range b.Properties {
		if p.Name == name {
			b.Properties = append(b.Properties[:i], b.Properties[i+1:]...)
			return
		}
	}
}

// MemoryFootprint approximates the bundle's resident size in bytes; the
// size-bounded cache tier budgets with it.
func (b *Bundle) MemoryFootprint() int {
	size := 128
	size += len(b.Mixins) * 64
	size += len(b.ShareParents) * 16
	size += len(b.ChildEntries) * 96
	for _, p := range b.Properties {
		size += 80
		for _, v := range p.Values {
			size += 24 + len(v.Str) + len(v.Bytes) + len(v.BlobID)
		}
	}
	return size
}

// Copy returns a deep copy of the bundle.
func (b *Bundle) Copy() *Bundle {
	cp := &Bundle{
		ID:           b.ID,
		ParentID:     b.ParentID,
		NodeTypeName: b.NodeTypeName,
		ModCount:     b.ModCount,
	}
	cp.Mixins = append([]types.Name(nil), b.Mixins...)
	cp.ShareParents = append([]types.NodeID(nil), b.ShareParents...)
	cp.ChildEntries = append([]ChildEntry(nil), b.ChildEntries...)
	cp.Properties = make([]PropertyEntry, len(b.Properties))
	for i, p := range b.Properties {
		cp.Properties[i] = p
		cp.Properties[i].Values = append([]types.Value(nil), p.Values...)
	}
	return cp
}

// References is the inverse reference index for one target node: the set of
// REFERENCE properties pointing at it.
type References struct {
	Target     types.NodeID
	Properties []types.PropertyID
}

// NewReferences returns an empty reference set for target.
func NewReferences(target types.NodeID) *References {
	return &References{Target: target}
}

// Add registers a referencing property; duplicates are ignored.
func (r *References) Add(id types.PropertyID) {
	for _, p := range r.Properties {
		if p == id {
			return
		}
	}
	r.Properties = append(r.Properties, id)
}

// Remove drops a referencing property.
func (r *References) Remove(id types.PropertyID) {
	for i, p := range r.Properties {
		if p == id {
			r.Properties = append(r.Properties[:i], r.Properties[i+1:]...)
			return
		}
	}
}

// IsEmpty reports whether no property references the target.
func (r *References) IsEmpty() bool {
	return len(r.Properties) == 0
}
