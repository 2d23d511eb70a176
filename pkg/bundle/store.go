package bundle

import (
	"github.com/cuemby/burrow/pkg/types"
)

// Batch groups every write of one committed change log. Implementations
// apply the whole batch atomically: a concurrent reader sees either none or
// all of it.
type Batch struct {
	Store       []*Bundle
	Destroy     []types.NodeID
	StoreRefs   []*References
	DestroyRefs []types.NodeID
}

// IsEmpty reports whether the batch carries no write.
func (b *Batch) IsEmpty() bool {
	return len(b.Store) == 0 && len(b.Destroy) == 0 &&
		len(b.StoreRefs) == 0 && len(b.DestroyRefs) == 0
}

// Store is the narrow persistence interface of the bundle layer.
type Store interface {
	// Load returns the bundle for id, or nil if it does not exist.
	Load(id types.NodeID) (*Bundle, error)

	// Exists reports whether a bundle for id is stored.
	Exists(id types.NodeID) (bool, error)

	// Store writes one bundle.
	Store(b *Bundle) error

	// Destroy removes the bundle for id. Removing a missing bundle is not
	// an error.
	Destroy(id types.NodeID) error

	// LoadRefs returns the reference set targeting id, or nil.
	LoadRefs(target types.NodeID) (*References, error)

	// StoreRefs writes one reference set.
	StoreRefs(refs *References) error

	// DestroyRefs removes the reference set for target.
	DestroyRefs(target types.NodeID) error

	// StoreBatch applies every write of a committed change log atomically.
	StoreBatch(batch *Batch) error

	Close() error
}
