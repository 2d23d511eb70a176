package state

import (
	"github.com/cuemby/burrow/pkg/types"
)

// Listener observes item-state transitions on the shared manager. Callbacks
// run while the ISM write lock is still held; long work must be dispatched
// asynchronously by the listener itself.
type Listener interface {
	StateCreated(s ItemState)
	StateModified(s ItemState)
	StateDestroyed(s ItemState)
	StateDiscarded(s ItemState)
}

// NodeStateListener additionally observes node-specific transitions.
type NodeStateListener interface {
	Listener

	NodeAdded(n *NodeState, name types.Name, index int, id types.NodeID)
	NodesReplaced(n *NodeState)
	NodeModified(n *NodeState)
	NodeRemoved(n *NodeState, name types.Name, index int, id types.NodeID)
}
