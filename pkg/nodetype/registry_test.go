package nodetype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

func noResolve(types.NodeID) (*state.NodeState, bool) {
	return nil, false
}

func TestBuiltinsRegistered(t *testing.T) {
	r := NewRegistry()
	def, ok := r.Get(types.NameNTUnstructured)
	require.True(t, ok)
	assert.True(t, def.OrderableChildren)

	mix, ok := r.Get(types.NameMixReferenceable)
	require.True(t, ok)
	assert.True(t, mix.Mixin)
}

func TestRegisterAndUnregister(t *testing.T) {
	r := NewRegistry()
	custom := &Definition{
		Name: types.NewName("http://example.com/ns", "article"),
		PropertyDefs: []PropertyDef{
			{Name: types.NewName("", "title"), Required: true, Type: types.TypeString},
		},
	}
	require.NoError(t, r.Register(custom))
	assert.ErrorIs(t, r.Register(custom), errdefs.ErrConstraint)

	require.NoError(t, r.Unregister(custom.Name))
	assert.ErrorIs(t, r.Unregister(custom.Name), errdefs.ErrNotFound)
	assert.ErrorIs(t, r.Unregister(types.NameNTBase), errdefs.ErrConstraint)
}

func TestValidatorRejectsUnknownType(t *testing.T) {
	r := NewRegistry()
	changes := state.NewChangeLog()
	changes.Added(state.NewNodeState(types.NewNodeID(), types.NewNodeID(),
		types.NewName("", "no-such-type"), state.StatusNew))

	err := r.Validator(noResolve)(changes)
	assert.ErrorIs(t, err, errdefs.ErrConstraint)
}

func TestValidatorRejectsMissingRequiredProperty(t *testing.T) {
	r := NewRegistry()
	articleType := types.NewName("http://example.com/ns", "article")
	require.NoError(t, r.Register(&Definition{
		Name: articleType,
		PropertyDefs: []PropertyDef{
			{Name: types.NewName("", "title"), Required: true, Type: types.TypeString},
		},
	}))

	node := state.NewNodeState(types.NewNodeID(), types.NewNodeID(), articleType, state.StatusNew)
	changes := state.NewChangeLog()
	changes.Added(node)
	err := r.Validator(noResolve)(changes)
	assert.ErrorIs(t, err, errdefs.ErrConstraint)

	node.AddPropertyName(types.NewName("", "title"))
	assert.NoError(t, r.Validator(noResolve)(changes))
}

func TestValidatorRejectsWrongValueType(t *testing.T) {
	r := NewRegistry()
	articleType := types.NewName("http://example.com/ns", "article")
	require.NoError(t, r.Register(&Definition{
		Name: articleType,
		PropertyDefs: []PropertyDef{
			{Name: types.NewName("", "title"), Type: types.TypeString},
		},
	}))

	node := state.NewNodeState(types.NewNodeID(), types.NewNodeID(), articleType, state.StatusNew)
	prop := state.NewPropertyState(
		types.NewPropertyID(node.ID, types.NewName("", "title")), state.StatusNew)
	prop.Type = types.TypeLong
	prop.Values = []types.Value{types.LongValue(1)}

	changes := state.NewChangeLog()
	changes.Added(node)
	changes.Added(prop)
	err := r.Validator(noResolve)(changes)
	assert.ErrorIs(t, err, errdefs.ErrConstraint)
}

func TestValidatorRejectsMixinAsPrimary(t *testing.T) {
	r := NewRegistry()
	changes := state.NewChangeLog()
	changes.Added(state.NewNodeState(types.NewNodeID(), types.NewNodeID(),
		types.NameMixReferenceable, state.StatusNew))
	err := r.Validator(noResolve)(changes)
	assert.ErrorIs(t, err, errdefs.ErrConstraint)
}
