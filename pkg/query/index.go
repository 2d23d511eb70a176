// Package query implements the query core: an inverted index over property
// values, refcounted read-only index views, and the wildcard/match-all
// scorers with their per-reader bitset cache.
package query

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// FieldPropertiesSet is the synthetic field listing, per document, the
// names of the properties it carries. Written for index format V2 and
// later; the match-all rewrite targets it.
const FieldPropertiesSet = ":PROPERTIES_SET"

// Index is the workspace's secondary full-text index. Documents are nodes;
// fields are property names in expanded form; terms are value strings.
type Index struct {
	mu sync.RWMutex

	format config.IndexFormatVersion

	docs     []types.NodeID
	docByID  map[types.NodeID]uint32
	fields   map[string]map[string]*roaring.Bitmap
	deleted  *roaring.Bitmap
	perDoc   map[uint32]map[string][]string
	revision uint64
}

// NewIndex builds an empty index writing the given format version.
func NewIndex(format config.IndexFormatVersion) *Index {
	return &Index{
		format:  format,
		docByID: make(map[types.NodeID]uint32),
		fields:  make(map[string]map[string]*roaring.Bitmap),
		deleted: roaring.New(),
		perDoc:  make(map[uint32]map[string][]string),
	}
}

// Format returns the index format version.
func (ix *Index) Format() config.IndexFormatVersion {
	return ix.format
}

func (ix *Index) docFor(id types.NodeID) uint32 {
	if doc, ok := ix.docByID[id]; ok {
		return doc
	}
	doc := uint32(len(ix.docs))
	ix.docs = append(ix.docs, id)
	ix.docByID[id] = doc
	return doc
}

func (ix *Index) posting(field, term string) *roaring.Bitmap {
	terms, ok := ix.fields[field]
	if !ok {
		terms = make(map[string]*roaring.Bitmap)
		ix.fields[field] = terms
	}
	bm, ok := terms[term]
	if !ok {
		bm = roaring.New()
		terms[term] = bm
	}
	return bm
}

// Update (re)indexes one field of a node.
func (ix *Index) Update(id types.NodeID, field string, values []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	doc := ix.docFor(id)
	ix.deleted.Remove(doc)
	stored, ok := ix.perDoc[doc]
	if !ok {
		stored = make(map[string][]string)
		ix.perDoc[doc] = stored
	}
	for _, old := range stored[field] {
		if bm, ok := ix.fields[field][old]; ok {
			bm.Remove(doc)
		}
	}
	if len(values) == 0 {
		delete(stored, field)
	} else {
		stored[field] = append([]string(nil), values...)
		for _, v := range values {
			ix.posting(field, v).Add(doc)
		}
	}
	if ix.format >= config.IndexFormatV2 {
		if len(values) == 0 {
			if bm, ok := ix.fields[FieldPropertiesSet][field]; ok {
				bm.Remove(doc)
			}
		} else {
			ix.posting(FieldPropertiesSet, field).Add(doc)
		}
	}
	ix.revision++
}

// Delete marks a node's document deleted; new readers stop returning it.
func (ix *Index) Delete(id types.NodeID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if doc, ok := ix.docByID[id]; ok {
		ix.deleted.Add(doc)
		ix.revision++
	}
}

// MaxDoc returns the document-id ceiling.
func (ix *Index) MaxDoc() uint32 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return uint32(len(ix.docs))
}

// Listener adapts the index to shared item-state events: committed
// property values are (re)indexed, destroyed nodes drop out. It satisfies
// state.Listener.
type Listener struct {
	Index *Index
}

func (l *Listener) StateCreated(s state.ItemState)  { l.update(s) }
func (l *Listener) StateModified(s state.ItemState) { l.update(s) }
func (l *Listener) StateDiscarded(state.ItemState)  {}

func (l *Listener) StateDestroyed(s state.ItemState) {
	switch st := s.(type) {
	case *state.NodeState:
		l.Index.Delete(st.ID)
	case *state.PropertyState:
		l.Index.Update(st.ID.ParentID, st.ID.Name.String(), nil)
	}
}

func (l *Listener) update(s state.ItemState) {
	p, ok := s.(*state.PropertyState)
	if !ok {
		return
	}
	values := make([]string, len(p.Values))
	for i, v := range p.Values {
		values[i] = v.String()
	}
	l.Index.Update(p.ID.ParentID, p.ID.Name.String(), values)
}

// Reader opens a refcounted read-only view over the current index state.
func (ix *Index) Reader() *Reader {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	core := &sharedCore{index: ix, refs: 1, revision: ix.revision}
	return &Reader{
		core:      core,
		deletions: ix.deleted.Clone(),
		maxDoc:    uint32(len(ix.docs)),
		caches:    make(map[string]map[string]*roaring.Bitmap),
	}
}

// terms returns the sorted terms of a field as of now; readers call it
// directly, so a reader sees terms added after it was opened.
func (ix *Index) terms(field string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.fields[field]))
	for t := range ix.fields[field] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (ix *Index) postingClone(field, term string) *roaring.Bitmap {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if bm, ok := ix.fields[field][term]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

func (ix *Index) docID(doc uint32) (types.NodeID, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if int(doc) >= len(ix.docs) {
		return types.NilNodeID, false
	}
	return ix.docs[doc], true
}
