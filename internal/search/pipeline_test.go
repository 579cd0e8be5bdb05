package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramkit/engram/internal/events"
	"github.com/engramkit/engram/internal/graph"
	"github.com/engramkit/engram/internal/store"
)

type pipelineFixture struct {
	store    *store.SQLiteStore
	index    *store.MemoryVectorIndex
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	s, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.EnsureProject(context.Background(), "p1", 3)
	require.NoError(t, err)

	idx := store.NewMemoryVectorIndex(3)
	g := graph.New(s, idx, events.NopSink{}, graph.DefaultConfig())
	kw := store.NewFTSKeywordIndex(s)
	return &pipelineFixture{
		store:    s,
		index:    idx,
		pipeline: NewPipeline(s, idx, kw, g, events.NopSink{}, DefaultConfig()),
	}
}

type chunkSpec struct {
	id       string
	payload  string
	vec      []float32
	tick     store.Tick
	strength float64
	status   store.Status
	tags     []string
	goalID   string
	pinned   bool
	validTo  *store.Tick
	conf     store.Confidence
}

func (f *pipelineFixture) add(t *testing.T, spec chunkSpec) {
	t.Helper()
	if spec.strength == 0 {
		spec.strength = 1.0
	}
	if spec.status == "" {
		spec.status = store.StatusActive
	}
	if spec.conf == "" {
		spec.conf = store.ConfidenceVerified
	}
	c := &store.Chunk{
		ID:              spec.id,
		ProjectID:       "p1",
		Payload:         spec.payload,
		Embedding:       spec.vec,
		Kind:            store.KindResearch,
		Confidence:      spec.conf,
		Source:          store.SourceResearch,
		Tags:            spec.tags,
		TickCreated:     spec.tick,
		InitialStrength: 1.0,
		CurrentStrength: spec.strength,
		DecayFunction:   store.DecayExponential,
		DecayRate:       0.05,
		Status:          spec.status,
		Pinned:          spec.pinned,
		ValidUntilTick:  spec.validTo,
		ContentHash:     "h-" + spec.id,
		Learning:        store.LearningContext{Tick: spec.tick, GoalID: spec.goalID},
	}
	require.NoError(t, f.store.InsertChunk(context.Background(), c))
	require.NoError(t, f.index.Add("p1", spec.id, spec.vec))
}

func (f *pipelineFixture) query(t *testing.T, text string, vec []float32, rctx RetrievalContext, opts Options, route Route) *Result {
	t.Helper()
	res, err := f.pipeline.Execute(context.Background(), "p1", text, vec, rctx, opts, route)
	require.NoError(t, err)
	return res
}

func TestOperationalRouteDefers(t *testing.T) {
	f := newPipelineFixture(t)
	res := f.query(t, "show tasks", nil, RetrievalContext{Tick: 1}, Options{}, RouteOperational)
	assert.True(t, res.Deferred)
	assert.Empty(t, res.Chunks)
}

func TestHybridRanksBySimilarity(t *testing.T) {
	f := newPipelineFixture(t)
	f.add(t, chunkSpec{id: "near", payload: "vector search tuning", vec: []float32{1, 0, 0}, tick: 1})
	f.add(t, chunkSpec{id: "far", payload: "unrelated topic", vec: []float32{0.5, 0.86, 0}, tick: 1})

	res := f.query(t, "vector search", []float32{1, 0, 0}, RetrievalContext{Tick: 2}, Options{K: 10}, RouteHybrid)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, "near", res.Chunks[0].Chunk.ID)
}

func TestHybridKeywordOnlyWithoutVector(t *testing.T) {
	f := newPipelineFixture(t)
	f.add(t, chunkSpec{id: "kw", payload: "circuit breaker threshold tuning", vec: []float32{1, 0, 0}, tick: 1})

	res := f.query(t, "circuit breaker", nil, RetrievalContext{Tick: 2}, Options{K: 5}, RouteHybrid)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "kw", res.Chunks[0].Chunk.ID)
	assert.Greater(t, res.Chunks[0].Keyword, 0.0)
	assert.Equal(t, 0.0, res.Chunks[0].Semantic)
}

func TestHybridGraphExpansionPullsNeighbors(t *testing.T) {
	f := newPipelineFixture(t)
	f.add(t, chunkSpec{id: "seed", payload: "api gateway design", vec: []float32{1, 0, 0}, tick: 1})
	// Orthogonal to the query: only reachable through the graph.
	f.add(t, chunkSpec{id: "nbr", payload: "completely different text", vec: []float32{0, 1, 0}, tick: 1})
	require.NoError(t, f.store.UpsertRelationship(context.Background(), &store.Relationship{
		FromID: "seed", ToID: "nbr", Type: store.RelBuildsOn, Origin: store.OriginExplicit, Weight: 1.0,
	}))

	res := f.query(t, "zzzz", []float32{1, 0, 0}, RetrievalContext{Tick: 2}, Options{K: 10}, RouteHybrid)
	ids := resultIDs(res)
	assert.Contains(t, ids, "seed")
	assert.Contains(t, ids, "nbr")
	for _, sc := range res.Chunks {
		if sc.Chunk.ID == "nbr" {
			assert.Greater(t, sc.GraphScore, 0.0)
		}
	}
}

func TestContextBoostOrdersByGoal(t *testing.T) {
	f := newPipelineFixture(t)
	// Equal similarity, equal recency; only the goal differs.
	f.add(t, chunkSpec{id: "g1-chunk", payload: "shared topic one", vec: []float32{1, 0, 0}, tick: 1, goalID: "G1"})
	f.add(t, chunkSpec{id: "g2-chunk", payload: "shared topic two", vec: []float32{1, 0, 0}, tick: 1, goalID: "G2"})

	res := f.query(t, "zzzz", []float32{1, 0, 0}, RetrievalContext{Tick: 2, GoalID: "G1"}, Options{K: 10}, RouteHybrid)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "g1-chunk", res.Chunks[0].Chunk.ID)

	res = f.query(t, "zzzz", []float32{1, 0, 0}, RetrievalContext{Tick: 2, GoalID: "G2"}, Options{K: 10}, RouteHybrid)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "g2-chunk", res.Chunks[0].Chunk.ID)
}

func TestConfidenceWeighting(t *testing.T) {
	f := newPipelineFixture(t)
	f.add(t, chunkSpec{id: "verified", payload: "same topic a", vec: []float32{1, 0, 0}, tick: 1, conf: store.ConfidenceVerified})
	f.add(t, chunkSpec{id: "spec", payload: "same topic b", vec: []float32{1, 0, 0}, tick: 1, conf: store.ConfidenceSpeculative})

	res := f.query(t, "zzzz", []float32{1, 0, 0}, RetrievalContext{Tick: 2}, Options{K: 10}, RouteHybrid)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "verified", res.Chunks[0].Chunk.ID)
	assert.Greater(t, res.Chunks[0].Score, res.Chunks[1].Score)
}

func TestCutoffExcludesArchivedExpiredAndWeak(t *testing.T) {
	f := newPipelineFixture(t)
	f.add(t, chunkSpec{id: "ok", payload: "alpha", vec: []float32{1, 0, 0}, tick: 1})
	f.add(t, chunkSpec{id: "archived", payload: "beta", vec: []float32{1, 0, 0}, tick: 1, status: store.StatusArchived})
	expired := store.Tick(5)
	f.add(t, chunkSpec{id: "expired", payload: "gamma", vec: []float32{1, 0, 0}, tick: 1, validTo: &expired})
	f.add(t, chunkSpec{id: "weak", payload: "delta", vec: []float32{1, 0, 0}, tick: 1, strength: 0.01})
	f.add(t, chunkSpec{id: "weak-pinned", payload: "epsilon", vec: []float32{1, 0, 0}, tick: 1, strength: 0.01, pinned: true})

	res := f.query(t, "zzzz", []float32{1, 0, 0}, RetrievalContext{Tick: 10}, Options{K: 10}, RouteHybrid)
	ids := resultIDs(res)
	assert.Contains(t, ids, "ok")
	assert.Contains(t, ids, "weak-pinned")
	assert.NotContains(t, ids, "archived")
	assert.NotContains(t, ids, "expired")
	assert.NotContains(t, ids, "weak")

	// Historical flag re-admits expired chunks.
	res = f.query(t, "zzzz", []float32{1, 0, 0}, RetrievalContext{Tick: 10}, Options{K: 10, Historical: true}, RouteHybrid)
	assert.Contains(t, resultIDs(res), "expired")
}

func TestBookkeepingUpdatesAccess(t *testing.T) {
	f := newPipelineFixture(t)
	f.add(t, chunkSpec{id: "a", payload: "alpha", vec: []float32{1, 0, 0}, tick: 1})

	f.query(t, "zzzz", []float32{1, 0, 0}, RetrievalContext{Tick: 7}, Options{K: 5}, RouteHybrid)

	c, err := f.store.GetChunk(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.AccessCount)
	require.NotNil(t, c.TickLastAccessed)
	assert.Equal(t, store.Tick(7), *c.TickLastAccessed)
}

func TestExplorationRouteIsSemanticOnly(t *testing.T) {
	f := newPipelineFixture(t)
	f.add(t, chunkSpec{id: "sem", payload: "alpha", vec: []float32{1, 0, 0}, tick: 1})
	f.add(t, chunkSpec{id: "orphan", payload: "graph only", vec: []float32{0, 1, 0}, tick: 1})
	require.NoError(t, f.store.UpsertRelationship(context.Background(), &store.Relationship{
		FromID: "sem", ToID: "orphan", Type: store.RelBuildsOn, Origin: store.OriginExplicit, Weight: 1.0,
	}))

	res := f.query(t, "what do we know about alpha", []float32{1, 0, 0}, RetrievalContext{Tick: 2}, Options{K: 10}, RouteExploration)
	ids := resultIDs(res)
	assert.Contains(t, ids, "sem")
	assert.NotContains(t, ids, "orphan")
}

func TestConnectionRouteIsGraphCentric(t *testing.T) {
	f := newPipelineFixture(t)
	f.add(t, chunkSpec{id: "seed", payload: "alpha", vec: []float32{1, 0, 0}, tick: 1})
	f.add(t, chunkSpec{id: "linked", payload: "beta", vec: []float32{0, 1, 0}, tick: 1})
	require.NoError(t, f.store.UpsertRelationship(context.Background(), &store.Relationship{
		FromID: "seed", ToID: "linked", Type: store.RelContradicts, Origin: store.OriginExplicit, Weight: 1.0,
	}))

	res := f.query(t, "what contradicts alpha", []float32{1, 0, 0}, RetrievalContext{Tick: 2}, Options{K: 10}, RouteConnection)
	ids := resultIDs(res)
	assert.Contains(t, ids, "linked")
	assert.NotContains(t, ids, "seed")
}

func TestLookupRouteMatchesTags(t *testing.T) {
	f := newPipelineFixture(t)
	f.add(t, chunkSpec{id: "tagged", payload: "we chose sqlite", vec: []float32{1, 0, 0}, tick: 5, tags: []string{"storage"}})
	f.add(t, chunkSpec{id: "other", payload: "unrelated", vec: []float32{0, 1, 0}, tick: 5, tags: []string{"networking"}})

	res := f.query(t, "what did we decide about storage", nil, RetrievalContext{Tick: 6}, Options{K: 10}, RouteLookup)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "tagged", res.Chunks[0].Chunk.ID)
}

func TestDeterministicOrdering(t *testing.T) {
	f := newPipelineFixture(t)
	for _, id := range []string{"c", "a", "b"} {
		f.add(t, chunkSpec{id: id, payload: "same text", vec: []float32{1, 0, 0}, tick: 1})
	}

	first := resultIDs(f.query(t, "zzzz", []float32{1, 0, 0}, RetrievalContext{Tick: 2}, Options{K: 10}, RouteHybrid))
	// Identical scores fall back to identity order.
	assert.Equal(t, []string{"a", "b", "c"}, first)

	second := resultIDs(f.query(t, "zzzz", []float32{1, 0, 0}, RetrievalContext{Tick: 2}, Options{K: 10}, RouteHybrid))
	assert.Equal(t, first, second)
}

func TestKLimitsResults(t *testing.T) {
	f := newPipelineFixture(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		f.add(t, chunkSpec{id: id, payload: "same text", vec: []float32{1, 0, 0}, tick: 1})
	}
	res := f.query(t, "zzzz", []float32{1, 0, 0}, RetrievalContext{Tick: 2}, Options{K: 2}, RouteHybrid)
	assert.Len(t, res.Chunks, 2)
}

func resultIDs(res *Result) []string {
	ids := make([]string, 0, len(res.Chunks))
	for _, sc := range res.Chunks {
		ids = append(ids, sc.Chunk.ID)
	}
	return ids
}
