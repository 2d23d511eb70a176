// Package nodetype keeps the registry of node-type definitions and
// validates change logs against them at save time: unknown types, missing
// required properties, protected items, and value-type mismatches are
// rejected before anything is persisted.
package nodetype

import (
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// PropertyDef constrains one property of a node type.
type PropertyDef struct {
	Name      types.Name
	Required  bool
	Multiple  bool
	Protected bool

	// Type constrains the value type; TypeUndefined admits any.
	Type types.PropertyType
}

// Definition describes one node type.
type Definition struct {
	Name              types.Name
	Supertypes        []types.Name
	Mixin             bool
	OrderableChildren bool
	PropertyDefs      []PropertyDef
}

func (d *Definition) propertyDef(name types.Name) (PropertyDef, bool) {
	for _, pd := range d.PropertyDefs {
		if pd.Name == name {
			return pd, true
		}
	}
	return PropertyDef{}, false
}

// Registry holds the registered node types. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[types.Name]*Definition
}

// NewRegistry returns a registry seeded with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[types.Name]*Definition)}
	for _, def := range builtins() {
		r.defs[def.Name] = def
	}
	return r
}

func builtins() []*Definition {
	return []*Definition{
		{Name: types.NameNTBase},
		{Name: types.NameRepRoot, Supertypes: []types.Name{types.NameNTBase}, OrderableChildren: true},
		{Name: types.NameNTUnstructured, Supertypes: []types.Name{types.NameNTBase}, OrderableChildren: true},
		{Name: types.NameMixReferenceable, Mixin: true},
		{Name: types.NameMixLockable, Mixin: true},
		{Name: types.NameMixShareable, Mixin: true, Supertypes: []types.Name{types.NameMixReferenceable}},
	}
}

// Register adds a definition; re-registering an existing name fails.
func (r *Registry) Register(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("node type %s is already registered: %w", def.Name, errdefs.ErrConstraint)
	}
	r.defs[def.Name] = def
	return nil
}

// Reregister replaces a definition in place.
func (r *Registry) Reregister(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; !ok {
		return fmt.Errorf("node type %s is not registered: %w", def.Name, errdefs.ErrNotFound)
	}
	r.defs[def.Name] = def
	return nil
}

// Unregister removes a definition; built-in types stay.
func (r *Registry) Unregister(name types.Name) error {
	for _, b := range builtins() {
		if b.Name == name {
			return fmt.Errorf("cannot unregister built-in type %s: %w", name, errdefs.ErrConstraint)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; !ok {
		return fmt.Errorf("node type %s is not registered: %w", name, errdefs.ErrNotFound)
	}
	delete(r.defs, name)
	return nil
}

// ApplyRegister installs a definition replayed from the cluster journal.
// It upserts, so repeating a record is a no-op with the same outcome.
func (r *Registry) ApplyRegister(def *Definition) {
	r.mu.Lock()
	r.defs[def.Name] = def
	r.mu.Unlock()
}

// ApplyUnregister removes a replayed definition; missing names and
// built-in types are left alone.
func (r *Registry) ApplyUnregister(name types.Name) {
	for _, b := range builtins() {
		if b.Name == name {
			return
		}
	}
	r.mu.Lock()
	delete(r.defs, name)
	r.mu.Unlock()
}

// Get looks up a definition.
func (r *Registry) Get(name types.Name) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// IsOrderable reports whether children of nodes of this type keep a
// significant order.
func (r *Registry) IsOrderable(name types.Name) bool {
	def, ok := r.Get(name)
	return ok && def.OrderableChildren
}

// Validator builds the save-time validator. resolve supplies persisted node
// states for properties whose parent is untouched by the log.
func (r *Registry) Validator(resolve func(types.NodeID) (*state.NodeState, bool)) state.Validator {
	return func(changes *state.ChangeLog) error {
		nodeOf := func(id types.NodeID) (*state.NodeState, bool) {
			if s, ok := changes.Get(id); ok {
				if n, isNode := s.(*state.NodeState); isNode {
					return n, true
				}
			}
			return resolve(id)
		}

		checkNode := func(n *state.NodeState) error {
			def, ok := r.Get(n.NodeTypeName)
			if !ok {
				return fmt.Errorf("unknown node type %s on %s: %w", n.NodeTypeName, n.ID, errdefs.ErrConstraint)
			}
			if def.Mixin {
				return fmt.Errorf("%s is a mixin, not a primary type: %w", n.NodeTypeName, errdefs.ErrConstraint)
			}
			for _, mix := range n.Mixins {
				mixDef, ok := r.Get(mix)
				if !ok {
					return fmt.Errorf("unknown mixin %s on %s: %w", mix, n.ID, errdefs.ErrConstraint)
				}
				if !mixDef.Mixin {
					return fmt.Errorf("%s is not a mixin: %w", mix, errdefs.ErrConstraint)
				}
			}
			for _, pd := range def.PropertyDefs {
				if pd.Required && !n.HasPropertyName(pd.Name) {
					return fmt.Errorf("node %s misses required property %s: %w", n.ID, pd.Name, errdefs.ErrConstraint)
				}
			}
			return nil
		}

		checkProperty := func(p *state.PropertyState, removed bool) error {
			parent, ok := nodeOf(p.ID.ParentID)
			if !ok {
				// The parent is being deleted in the same log.
				return nil
			}
			def, ok := r.Get(parent.NodeTypeName)
			if !ok {
				return fmt.Errorf("unknown node type %s: %w", parent.NodeTypeName, errdefs.ErrConstraint)
			}
			pd, ok := def.propertyDef(p.ID.Name)
			if !ok {
				return nil
			}
			if pd.Protected {
				return fmt.Errorf("property %s is protected: %w", p.ID, errdefs.ErrConstraint)
			}
			if removed {
				if pd.Required {
					return fmt.Errorf("cannot remove required property %s: %w", p.ID, errdefs.ErrConstraint)
				}
				return nil
			}
			if pd.Type != types.TypeUndefined && pd.Type != p.Type {
				return fmt.Errorf("property %s must be %s, got %s: %w", p.ID, pd.Type, p.Type, errdefs.ErrConstraint)
			}
			if !pd.Multiple && p.MultiValued {
				return fmt.Errorf("property %s is single-valued: %w", p.ID, errdefs.ErrConstraint)
			}
			return nil
		}

		for _, section := range [][]state.ItemState{changes.AddedStates(), changes.ModifiedStates()} {
			for _, s := range section {
				switch st := s.(type) {
				case *state.NodeState:
					if err := checkNode(st); err != nil {
						return err
					}
				case *state.PropertyState:
					if err := checkProperty(st, false); err != nil {
						return err
					}
				}
			}
		}
		for _, s := range changes.DeletedStates() {
			if p, ok := s.(*state.PropertyState); ok {
				if err := checkProperty(p, true); err != nil {
					return err
				}
			}
		}
		return nil
	}
}
