package query

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/metrics"
)

// Transform normalizes terms before matching.
type Transform int

const (
	TransformNone Transform = iota
	TransformLower
	TransformUpper
)

func (t Transform) apply(s string) string {
	switch t {
	case TransformLower:
		return strings.ToLower(s)
	case TransformUpper:
		return strings.ToUpper(s)
	}
	return s
}

func (t Transform) String() string {
	switch t {
	case TransformLower:
		return "lower"
	case TransformUpper:
		return "upper"
	}
	return "none"
}

// Query selects documents from a reader and can evaluate uncommitted states
// for transient result merging.
type Query interface {
	// Scorer builds the document iterator against a read-only view.
	Scorer(r *Reader) (*Scorer, error)

	// MatchesValues evaluates the query against raw field values, used to
	// merge a session's transient changes into results.
	MatchesValues(fields map[string][]string) bool
}

// WildcardQuery matches a field against a SQL-LIKE pattern: '_' matches one
// character, '%' any run of characters.
type WildcardQuery struct {
	Field     string
	Pattern   string
	Transform Transform

	// MaxClauseCount caps the rewrite-to-disjunction path; above it the
	// scorer falls back to a cached bitset scan.
	MaxClauseCount int
}

const wildcardScorerClass = "WildcardQueryScorer"

// cacheKey identifies one query's bitset within a reader.
func (q *WildcardQuery) cacheKey() string {
	return q.Field + "￿" + q.Pattern + "￿" + q.Transform.String()
}

// matches tests one term against the pattern.
func (q *WildcardQuery) matches(term string) bool {
	return likeMatch(q.Transform.apply(q.Pattern), q.Transform.apply(term))
}

// likeMatch implements SQL LIKE over plain strings.
func likeMatch(pattern, s string) bool {
	// Iterative matching with backtracking on '%'.
	p, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '_' || pattern[p] == s[si]):
			p++
			si++
		case p < len(pattern) && pattern[p] == '%':
			star = p
			mark = si
			p++
		case star >= 0:
			p = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '%' {
		p++
	}
	return p == len(pattern)
}

// Scorer builds the document iterator. The query first attempts the
// disjunction rewrite; when the matching-term count exceeds
// MaxClauseCount it falls back to the direct bitset scan and caches the
// result per reader, so a repeated query performs zero term enumeration.
func (q *WildcardQuery) Scorer(r *Reader) (*Scorer, error) {
	if q.MaxClauseCount < 1 {
		return nil, fmt.Errorf("wildcard query needs a positive clause count")
	}

	if bm, ok := r.cached(wildcardScorerClass, q.cacheKey()); ok {
		metrics.QueryBitsetCacheHits.Inc()
		return newScorer(bm, r), nil
	}

	var matching []string
	for _, term := range r.Terms(q.Field) {
		if q.matches(term) {
			matching = append(matching, term)
		}
	}

	bits := roaring.New()
	for _, term := range matching {
		bits.Or(r.TermDocs(q.Field, term))
	}

	if len(matching) > q.MaxClauseCount {
		// Too wide for a boolean rewrite; keep the bitset for the next
		// invocation of the same query against this reader.
		r.storeCached(wildcardScorerClass, q.cacheKey(), bits)
	}
	return newScorer(bits, r), nil
}

// MatchesValues evaluates the pattern against transient field values.
func (q *WildcardQuery) MatchesValues(fields map[string][]string) bool {
	for _, v := range fields[q.Field] {
		if q.matches(v) {
			return true
		}
	}
	return false
}

// MatchAllQuery selects every document carrying the field. Under index
// format V2 and later it rewrites to a term lookup against the
// PROPERTIES_SET field instead of enumerating the field's terms.
type MatchAllQuery struct {
	Field  string
	Format config.IndexFormatVersion
}

// Scorer builds the match-all iterator.
func (q *MatchAllQuery) Scorer(r *Reader) (*Scorer, error) {
	if q.Format >= config.IndexFormatV2 {
		return newScorer(r.TermDocs(FieldPropertiesSet, q.Field), r), nil
	}
	bits := roaring.New()
	for _, term := range r.Terms(q.Field) {
		bits.Or(r.TermDocs(q.Field, term))
	}
	return newScorer(bits, r), nil
}

// MatchesValues reports whether the field is present at all.
func (q *MatchAllQuery) MatchesValues(fields map[string][]string) bool {
	return len(fields[q.Field]) > 0
}

// Scorer iterates the matching documents of one query. The score of every
// hit is the constant 1.0: this is a filter, not a ranker.
type Scorer struct {
	bits   *roaring.Bitmap
	reader *Reader
	iter   roaring.IntPeekable
	doc    uint32
	done   bool
}

func newScorer(bits *roaring.Bitmap, r *Reader) *Scorer {
	return &Scorer{bits: bits, reader: r, iter: bits.Iterator()}
}

// NextDoc advances to the next matching document.
func (s *Scorer) NextDoc() (uint32, bool) {
	if s.done || !s.iter.HasNext() {
		s.done = true
		return 0, false
	}
	s.doc = s.iter.Next()
	return s.doc, true
}

// Advance skips to the first matching document >= target.
func (s *Scorer) Advance(target uint32) (uint32, bool) {
	if s.done {
		return 0, false
	}
	s.iter.AdvanceIfNeeded(target)
	return s.NextDoc()
}

// Doc returns the current document.
func (s *Scorer) Doc() uint32 {
	return s.doc
}

// Score returns the constant filter score.
func (s *Scorer) Score() float32 {
	return 1.0
}

// Cardinality returns the number of matching documents.
func (s *Scorer) Cardinality() uint64 {
	return s.bits.GetCardinality()
}
