package query

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// sharedCore is the underlying reader state shared by acquired references;
// the last release closes it.
type sharedCore struct {
	mu       sync.Mutex
	index    *Index
	refs     int
	closed   bool
	revision uint64
}

func (c *sharedCore) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("index reader already closed: %w", errdefs.ErrProtocol)
	}
	c.refs++
	return nil
}

func (c *sharedCore) release() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs == 0 {
		c.closed = true
		return true
	}
	return false
}

// Reader is a read-only view of the index: it filters out the documents
// deleted when the view was opened and rejects every mutation. Scorer
// bitsets cache per reader, keyed by scorer class and query.
type Reader struct {
	core      *sharedCore
	deletions *roaring.Bitmap
	maxDoc    uint32

	cacheMu sync.Mutex
	caches  map[string]map[string]*roaring.Bitmap

	termScans int
}

// Acquire adds a reference to the underlying reader.
func (r *Reader) Acquire() error {
	return r.core.acquire()
}

// Release drops one reference; the last one closes the underlying reader.
func (r *Reader) Release() {
	if r.core.release() {
		r.cacheMu.Lock()
		r.caches = nil
		r.cacheMu.Unlock()
	}
}

// Closed reports whether the underlying reader is gone.
func (r *Reader) Closed() bool {
	r.core.mu.Lock()
	defer r.core.mu.Unlock()
	return r.core.closed
}

// MaxDoc returns the view's document-id ceiling.
func (r *Reader) MaxDoc() uint32 {
	return r.maxDoc
}

// IsDeleted reports whether a document was deleted when the view opened.
func (r *Reader) IsDeleted(doc uint32) bool {
	return r.deletions.Contains(doc)
}

// Terms enumerates the sorted terms of a field; scorers count these scans,
// which the bitset cache is there to avoid.
func (r *Reader) Terms(field string) []string {
	r.cacheMu.Lock()
	r.termScans++
	r.cacheMu.Unlock()
	return r.core.index.terms(field)
}

// TermScans returns how many term enumerations this reader served.
func (r *Reader) TermScans() int {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return r.termScans
}

// TermDocs returns the live documents carrying term in field.
func (r *Reader) TermDocs(field, term string) *roaring.Bitmap {
	bm := r.core.index.postingClone(field, term)
	bm.AndNot(r.deletions)
	return bm
}

// NodeID maps a document back to its node.
func (r *Reader) NodeID(doc uint32) (types.NodeID, bool) {
	return r.core.index.docID(doc)
}

// cached returns the per-scorer-class bitset cache slot for key.
func (r *Reader) cached(scorerClass, key string) (*roaring.Bitmap, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.caches == nil {
		return nil, false
	}
	bm, ok := r.caches[scorerClass][key]
	return bm, ok
}

func (r *Reader) storeCached(scorerClass, key string, bm *roaring.Bitmap) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.caches == nil {
		return
	}
	slot, ok := r.caches[scorerClass]
	if !ok {
		slot = make(map[string]*roaring.Bitmap)
		r.caches[scorerClass] = slot
	}
	slot[key] = bm
}

// DeleteDocument always fails: the view is read-only.
func (r *Reader) DeleteDocument(uint32) error {
	return fmt.Errorf("cannot delete through an index view: %w", errdefs.ErrReadOnly)
}

// UndeleteAll always fails: the view is read-only.
func (r *Reader) UndeleteAll() error {
	return fmt.Errorf("cannot undelete through an index view: %w", errdefs.ErrReadOnly)
}

// SetNorm always fails: the view is read-only.
func (r *Reader) SetNorm(uint32, string, byte) error {
	return fmt.Errorf("cannot set norms through an index view: %w", errdefs.ErrReadOnly)
}
