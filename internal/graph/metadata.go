// Package graph implements the typed relationship graph: explicit and
// implicit edge management, weighted traversal, the co-retrieval
// accumulator, and contradiction detection.
package graph

import (
	"github.com/engramkit/engram/internal/store"
)

// TypeMeta is the static per-type traversal metadata.
type TypeMeta struct {
	Directed        bool
	Transitive      bool
	InverseType     store.RelType // "" when none
	TraversalWeight float64
}

// typeMetadata is the static relationship-type table. contradicts and
// related_to are symmetric; requires/depends_on are mutual inverses;
// replaces and caused_by invert to themselves under endpoint swap.
var typeMetadata = map[store.RelType]TypeMeta{
	store.RelSupports:    {Directed: true, TraversalWeight: 0.9},
	store.RelContradicts: {Directed: false, TraversalWeight: 0.8},
	store.RelBuildsOn:    {Directed: true, Transitive: true, TraversalWeight: 0.85},
	store.RelReplaces:    {Directed: true, InverseType: store.RelReplaces, TraversalWeight: 0.95},
	store.RelRequires:    {Directed: true, Transitive: true, InverseType: store.RelDependsOn, TraversalWeight: 0.8},
	store.RelRelatedTo:   {Directed: false, TraversalWeight: 0.6},
	store.RelCausedBy:    {Directed: true, Transitive: true, InverseType: store.RelCausedBy, TraversalWeight: 0.75},
	store.RelDependsOn:   {Directed: true, Transitive: true, InverseType: store.RelRequires, TraversalWeight: 0.8},
	store.RelExampleOf:   {Directed: true, TraversalWeight: 0.7},
	store.RelPartOf:      {Directed: true, Transitive: true, TraversalWeight: 0.8},
	store.RelDerivedFrom: {Directed: true, TraversalWeight: 0.85},
	store.RelPrecedes:    {Directed: true, Transitive: true, TraversalWeight: 0.5},
}

// MetaFor returns the metadata of a relationship type.
func MetaFor(t store.RelType) (TypeMeta, bool) {
	m, ok := typeMetadata[t]
	return m, ok
}

// IsSymmetric reports whether the type has no direction.
func IsSymmetric(t store.RelType) bool {
	m, ok := typeMetadata[t]
	return ok && !m.Directed
}
