package graph

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/engramkit/engram/internal/enginerr"
	"github.com/engramkit/engram/internal/events"
	"github.com/engramkit/engram/internal/store"
)

// Config tunes the graph engine.
type Config struct {
	// CoRetrievalSimilarity is the minimum cosine between two co-returned
	// chunks before their pair counter is bumped.
	CoRetrievalSimilarity float64
	// PromotionThreshold is the hit count at which a pair counter
	// materializes an implicit related_to edge.
	PromotionThreshold int64
	// ImplicitInitialWeight is the weight of a freshly promoted edge.
	ImplicitInitialWeight float64
	// StrengthenAmount is added to an edge weight on re-co-retrieval.
	StrengthenAmount float64
	// WeakenAmount is subtracted on a confirmed contradiction.
	WeakenAmount float64
	// MaxDepth bounds traversal.
	MaxDepth int
	// MinWeight discards reached chunks below this accumulated score.
	MinWeight float64
	// ContradictionSimilarity is the cosine above which opposite-polarity
	// chunks are flagged as contradicting.
	ContradictionSimilarity float64
}

// DefaultConfig returns the default graph tuning.
func DefaultConfig() Config {
	return Config{
		CoRetrievalSimilarity:   0.55,
		PromotionThreshold:      4,
		ImplicitInitialWeight:   0.4,
		StrengthenAmount:        0.1,
		WeakenAmount:            0.15,
		MaxDepth:                2,
		MinWeight:               0.2,
		ContradictionSimilarity: 0.85,
	}
}

// Engine manages typed edges, weighted traversal, and the co-retrieval
// accumulator.
type Engine struct {
	store  *store.SQLiteStore
	index  store.VectorIndex
	sink   events.Sink
	config Config
}

// New creates a graph engine.
func New(s *store.SQLiteStore, index store.VectorIndex, sink events.Sink, cfg Config) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{store: s, index: index, sink: sink, config: cfg}
}

// Assert creates or updates an explicit edge. Both endpoints must exist
// and be live; self-edges and out-of-range weights are rejected.
func (e *Engine) Assert(ctx context.Context, r *store.Relationship, tick store.Tick) error {
	if r.FromID == r.ToID {
		return enginerr.Validation("relationship endpoints must differ")
	}
	if !r.Type.Valid() {
		return enginerr.Validation("unknown relationship type %q", r.Type)
	}
	if r.Origin == "" {
		r.Origin = store.OriginExplicit
	}
	if !r.Origin.Valid() {
		return enginerr.Validation("unknown relationship origin %q", r.Origin)
	}
	if r.Weight < 0 || r.Weight > 1 {
		return enginerr.Validation("relationship weight %v out of [0,1]", r.Weight)
	}
	if _, err := e.store.GetChunk(ctx, r.FromID); err != nil {
		return err
	}
	if _, err := e.store.GetChunk(ctx, r.ToID); err != nil {
		return err
	}

	r.LastActivated = tick
	if err := e.store.UpsertRelationship(ctx, r); err != nil {
		return err
	}
	e.sink.Emit(events.New(events.RelationshipCreated, tick, map[string]any{
		"from": r.FromID, "to": r.ToID, "type": string(r.Type), "origin": string(r.Origin),
	}))
	return nil
}

// Reached is one chunk found by traversal with its accumulated score.
type Reached struct {
	ChunkID string
	Score   float64
}

// Traverse expands from the seed set honoring per-type metadata: outgoing
// edges always, incoming edges of symmetric types, declared inverses, and
// only transitive types beyond depth 1. A reached chunk's score is the
// best path product of edge weight times type traversal weight.
func (e *Engine) Traverse(ctx context.Context, seeds []string, depth int, minWeight float64) ([]Reached, error) {
	if depth <= 0 {
		depth = e.config.MaxDepth
	}
	if minWeight <= 0 {
		minWeight = e.config.MinWeight
	}

	type frontierEntry struct {
		id    string
		score float64
	}

	seedSet := make(map[string]struct{}, len(seeds))
	for _, id := range seeds {
		seedSet[id] = struct{}{}
	}

	best := make(map[string]float64)
	frontier := make([]frontierEntry, 0, len(seeds))
	for _, id := range seeds {
		frontier = append(frontier, frontierEntry{id: id, score: 1.0})
	}

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		ids := make([]string, 0, len(frontier))
		scores := make(map[string]float64, len(frontier))
		for _, f := range frontier {
			ids = append(ids, f.id)
			if f.score > scores[f.id] {
				scores[f.id] = f.score
			}
		}

		outgoing, err := e.store.RelationshipsFrom(ctx, ids)
		if err != nil {
			return nil, err
		}
		incoming, err := e.store.RelationshipsTo(ctx, ids)
		if err != nil {
			return nil, err
		}

		next := make(map[string]float64)
		step := func(fromScore float64, rel *store.Relationship, target string) {
			meta, ok := MetaFor(rel.Type)
			if !ok {
				return
			}
			if level > 1 && !meta.Transitive {
				return
			}
			score := fromScore * rel.Weight * meta.TraversalWeight
			if score > next[target] {
				next[target] = score
			}
		}

		for _, rel := range outgoing {
			step(scores[rel.FromID], rel, rel.ToID)
		}
		for _, rel := range incoming {
			meta, ok := MetaFor(rel.Type)
			if !ok {
				continue
			}
			// Walk edges backwards when the type is symmetric or declares
			// an inverse.
			if !meta.Directed || meta.InverseType != "" {
				step(scores[rel.ToID], rel, rel.FromID)
			}
		}

		frontier = frontier[:0]
		for id, score := range next {
			if _, isSeed := seedSet[id]; isSeed {
				continue
			}
			if score <= best[id] {
				continue
			}
			best[id] = score
			frontier = append(frontier, frontierEntry{id: id, score: score})
		}
	}

	reached := make([]Reached, 0, len(best))
	for id, score := range best {
		if score < minWeight {
			continue
		}
		reached = append(reached, Reached{ChunkID: id, Score: score})
	}
	return reached, nil
}

// RecordCoRetrieval bumps the counter of every qualifying unordered pair
// in one retrieval result, promoting counters that cross the threshold to
// implicit related_to edges and strengthening edges that already exist.
// Each retrieval contributes at most once per pair.
func (e *Engine) RecordCoRetrieval(ctx context.Context, projectID string, resultIDs []string, queryTags []string, tick store.Tick) error {
	if len(resultIDs) < 2 {
		return nil
	}

	var pairs []store.CoRetrievalPair
	seen := make(map[[2]string]struct{})
	for i := 0; i < len(resultIDs); i++ {
		for j := i + 1; j < len(resultIDs); j++ {
			a, b := store.PairKey(resultIDs[i], resultIDs[j])
			if a == b {
				continue
			}
			if _, dup := seen[[2]string{a, b}]; dup {
				continue
			}
			seen[[2]string{a, b}] = struct{}{}
			cos, ok := e.index.Similarity(projectID, a, b)
			if !ok || cos < e.config.CoRetrievalSimilarity {
				continue
			}
			pairs = append(pairs, store.CoRetrievalPair{A: a, B: b})
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	updated, err := e.store.BumpCoRetrieval(ctx, projectID, pairs, tick)
	if err != nil {
		return err
	}

	for _, p := range updated {
		existing, err := e.store.GetRelationship(ctx, p.A, p.B, store.RelRelatedTo)
		switch {
		case err == nil:
			// Promotion is monotonic: co-retrieval only ever strengthens.
			existing.Weight = math.Min(1.0, existing.Weight+e.config.StrengthenAmount)
			existing.ActivationCount++
			existing.LastActivated = tick
			if err := e.store.UpsertRelationship(ctx, existing); err != nil {
				return err
			}
		case enginerr.IsNotFound(err):
			if p.Hits < e.config.PromotionThreshold {
				continue
			}
			rel := &store.Relationship{
				FromID:          p.A,
				ToID:            p.B,
				Type:            store.RelRelatedTo,
				Origin:          store.OriginImplicit,
				Weight:          e.config.ImplicitInitialWeight,
				ActivationCount: 1,
				LastActivated:   tick,
				ContextTags:     queryTags,
			}
			if err := e.store.UpsertRelationship(ctx, rel); err != nil {
				return err
			}
			e.sink.Emit(events.New(events.RelationshipCreated, tick, map[string]any{
				"from": p.A, "to": p.B, "type": string(store.RelRelatedTo), "origin": string(store.OriginImplicit),
			}))
		default:
			return err
		}
	}
	return nil
}

// DetectContradictions compares a freshly ingested chunk against its
// nearest neighbors; any highly similar chunk with opposite polarity gets
// a contradicts edge and a persisted contradiction record.
func (e *Engine) DetectContradictions(ctx context.Context, c *store.Chunk, tick store.Tick) ([]*store.Contradiction, error) {
	if c.Polarity == 0 {
		return nil, nil
	}
	hits, err := e.index.Search(c.ProjectID, c.Embedding, 10, e.config.ContradictionSimilarity)
	if err != nil {
		return nil, err
	}

	var found []*store.Contradiction
	for _, hit := range hits {
		if hit.ChunkID == c.ID {
			continue
		}
		other, err := e.store.GetChunk(ctx, hit.ChunkID)
		if err != nil {
			if enginerr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if other.Polarity == 0 || other.Polarity == c.Polarity {
			continue
		}

		rel := &store.Relationship{
			FromID:        c.ID,
			ToID:          other.ID,
			Type:          store.RelContradicts,
			Origin:        store.OriginAuto,
			Weight:        hit.Cosine,
			LastActivated: tick,
		}
		if err := e.store.UpsertRelationship(ctx, rel); err != nil {
			return nil, err
		}
		record := &store.Contradiction{
			ID:         uuid.New().String(),
			ProjectID:  c.ProjectID,
			ChunkA:     c.ID,
			ChunkB:     other.ID,
			Confidence: hit.Cosine,
			Tick:       tick,
		}
		if err := e.store.InsertContradiction(ctx, record); err != nil {
			return nil, err
		}
		e.sink.Emit(events.New(events.ContradictionDetected, tick, map[string]any{
			"chunk_a": c.ID, "chunk_b": other.ID, "confidence": hit.Cosine,
		}))
		found = append(found, record)
	}
	return found, nil
}

// WeakenEdge lowers an edge weight after a confirmed contradiction,
// flooring at zero.
func (e *Engine) WeakenEdge(ctx context.Context, fromID, toID string, relType store.RelType, tick store.Tick) error {
	rel, err := e.store.GetRelationship(ctx, fromID, toID, relType)
	if err != nil {
		return err
	}
	rel.Weight = math.Max(0, rel.Weight-e.config.WeakenAmount)
	rel.LastActivated = tick
	return e.store.UpsertRelationship(ctx, rel)
}
