package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramkit/engram/internal/enginerr"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testStoreChunk(id, projectID string, tick Tick) *Chunk {
	return &Chunk{
		ID:              id,
		ProjectID:       projectID,
		Payload:         "payload of " + id,
		Embedding:       []float32{1, 0, 0},
		Kind:            KindResearch,
		Confidence:      ConfidenceVerified,
		Source:          SourceResearch,
		Tags:            []string{"alpha"},
		TickCreated:     tick,
		InitialStrength: 1.0,
		CurrentStrength: 1.0,
		DecayFunction:   DecayExponential,
		DecayRate:       0.05,
		Status:          StatusActive,
		ContentHash:     "hash-" + id,
	}
}

func setupProject(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	_, err := s.EnsureProject(context.Background(), id, 3)
	require.NoError(t, err)
}

func TestEnsureProjectFixesDimensions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.EnsureProject(ctx, "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Dimensions)
	assert.Equal(t, Tick(0), p.CurrentTick)

	// Same dimensions: idempotent.
	_, err = s.EnsureProject(ctx, "p1", 3)
	require.NoError(t, err)

	// Different dimensions: rejected.
	_, err = s.EnsureProject(ctx, "p1", 5)
	assert.True(t, enginerr.IsValidation(err))
}

func TestAdvanceTickMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	for want := Tick(1); want <= 3; want++ {
		got, err := s.AdvanceTick(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := s.AdvanceTick(ctx, "missing")
	assert.True(t, enginerr.IsNotFound(err))
}

func TestChunkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	c := testStoreChunk("c1", "p1", 2)
	useful := Tick(4)
	c.TickLastUseful = &useful
	valid := Tick(99)
	c.ValidUntilTick = &valid
	c.Polarity = 1
	c.Learning = LearningContext{Tick: 2, GoalID: "g1", Phase: "build", RelatedChunks: []string{"x"}}
	require.NoError(t, s.InsertChunk(ctx, c))

	got, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.Payload, got.Payload)
	assert.Equal(t, c.Embedding, got.Embedding)
	assert.Equal(t, KindResearch, got.Kind)
	assert.Equal(t, []string{"alpha"}, got.Tags)
	assert.Equal(t, 1, got.Polarity)
	require.NotNil(t, got.TickLastUseful)
	assert.Equal(t, Tick(4), *got.TickLastUseful)
	require.NotNil(t, got.ValidUntilTick)
	assert.Equal(t, Tick(99), *got.ValidUntilTick)
	assert.Nil(t, got.TickLastAccessed)
	assert.Equal(t, "g1", got.Learning.GoalID)
	assert.Equal(t, []string{"x"}, got.Learning.RelatedChunks)
	assert.Empty(t, got.SupersededBy)
}

func TestGetChunkNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetChunk(context.Background(), "missing")
	assert.True(t, enginerr.IsNotFound(err))
}

func TestInsertChunkDuplicateIDViolatesConstraint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	require.NoError(t, s.InsertChunk(ctx, testStoreChunk("c1", "p1", 0)))
	err := s.InsertChunk(ctx, testStoreChunk("c1", "p1", 0))
	assert.True(t, enginerr.IsConstraint(err))
}

func TestSupersedeDemotesAndLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	old := testStoreChunk("c1", "p1", 0)
	require.NoError(t, s.InsertChunk(ctx, old))
	next := testStoreChunk("c2", "p1", 5)
	require.NoError(t, s.InsertChunkSuperseding(ctx, next, old))

	got, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.SupersededBy)
	assert.Equal(t, StatusCool, got.Status)

	rel, err := s.GetRelationship(ctx, "c2", "c1", RelReplaces)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rel.Weight)
	assert.Equal(t, OriginAuto, rel.Origin)
}

func TestSupersedeDoesNotPromoteColderStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	old := testStoreChunk("c1", "p1", 0)
	old.Status = StatusCold
	require.NoError(t, s.InsertChunk(ctx, old))
	next := testStoreChunk("c2", "p1", 5)
	require.NoError(t, s.InsertChunkSuperseding(ctx, next, old))

	got, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusCold, got.Status)
}

func TestRecordAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")
	require.NoError(t, s.InsertChunk(ctx, testStoreChunk("c1", "p1", 0)))
	require.NoError(t, s.InsertChunk(ctx, testStoreChunk("c2", "p1", 0)))

	require.NoError(t, s.RecordAccess(ctx, []string{"c1", "c2"}, 7))
	require.NoError(t, s.RecordAccess(ctx, []string{"c1"}, 9))

	c1, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c1.AccessCount)
	require.NotNil(t, c1.TickLastAccessed)
	assert.Equal(t, Tick(9), *c1.TickLastAccessed)
}

func TestScanProjectFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	a := testStoreChunk("a", "p1", 1)
	b := testStoreChunk("b", "p1", 2)
	b.Status = StatusCool
	b.Kind = KindDecision
	b.Tags = []string{"alpha", "beta"}
	c := testStoreChunk("c", "p1", 3)
	c.Pinned = true
	c.CurrentStrength = 0.3
	for _, ch := range []*Chunk{a, b, c} {
		require.NoError(t, s.InsertChunk(ctx, ch))
	}

	// Default scan excludes nothing but tombstones, newest first.
	all, err := s.ScanProject(ctx, "p1", ScanFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	byStatus, err := s.ScanProject(ctx, "p1", ScanFilter{Statuses: []Status{StatusCool}})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "b", byStatus[0].ID)

	byKind, err := s.ScanProject(ctx, "p1", ScanFilter{Kinds: []Kind{KindDecision}})
	require.NoError(t, err)
	require.Len(t, byKind, 1)

	byTags, err := s.ScanProject(ctx, "p1", ScanFilter{Tags: []string{"alpha", "beta"}})
	require.NoError(t, err)
	require.Len(t, byTags, 1)
	assert.Equal(t, "b", byTags[0].ID)

	pinned, err := s.ScanProject(ctx, "p1", ScanFilter{PinnedOnly: true})
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	assert.Equal(t, "c", pinned[0].ID)

	strong, err := s.ScanProject(ctx, "p1", ScanFilter{MinStrength: 0.5})
	require.NoError(t, err)
	assert.Len(t, strong, 2)

	limited, err := s.ScanProject(ctx, "p1", ScanFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestApplyDecayBatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")
	require.NoError(t, s.InsertChunk(ctx, testStoreChunk("c1", "p1", 0)))

	updates := []DecayUpdate{{ChunkID: "c1", Strength: 0.4, Status: StatusWarm}}
	require.NoError(t, s.ApplyDecayBatch(ctx, "p1", updates, 10))

	c, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0.4, c.CurrentStrength)
	assert.Equal(t, StatusWarm, c.Status)

	p, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, Tick(10), p.LastDecayTick)
}

func TestRelationshipUniquePerTriple(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")
	require.NoError(t, s.InsertChunk(ctx, testStoreChunk("a", "p1", 0)))
	require.NoError(t, s.InsertChunk(ctx, testStoreChunk("b", "p1", 0)))

	rel := &Relationship{FromID: "a", ToID: "b", Type: RelSupports, Origin: OriginExplicit, Weight: 0.5}
	require.NoError(t, s.UpsertRelationship(ctx, rel))
	rel.Weight = 0.8
	require.NoError(t, s.UpsertRelationship(ctx, rel))

	got, err := s.GetRelationship(ctx, "a", "b", RelSupports)
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Weight)

	rels, err := s.RelationshipsFrom(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestBumpCoRetrievalNormalizesPairOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	pairs := []CoRetrievalPair{{A: "zz", B: "aa"}}
	updated, err := s.BumpCoRetrieval(ctx, "p1", pairs, 1)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, "aa", updated[0].A)
	assert.Equal(t, "zz", updated[0].B)
	assert.Equal(t, int64(1), updated[0].Hits)

	updated, err = s.BumpCoRetrieval(ctx, "p1", []CoRetrievalPair{{A: "aa", B: "zz"}}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated[0].Hits)
	assert.Equal(t, Tick(2), updated[0].LastTick)
}

func TestArchiveChunkPrunesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	a := testStoreChunk("a", "p1", 0)
	b := testStoreChunk("b", "p1", 0)
	require.NoError(t, s.InsertChunk(ctx, a))
	require.NoError(t, s.InsertChunk(ctx, b))
	require.NoError(t, s.UpsertRelationship(ctx, &Relationship{
		FromID: "a", ToID: "b", Type: RelSupports, Origin: OriginExplicit, Weight: 0.5,
	}))
	_, err := s.BumpCoRetrieval(ctx, "p1", []CoRetrievalPair{{A: "a", B: "b"}}, 1)
	require.NoError(t, err)

	rec := &ArchiveRecord{
		ID: "a", ProjectID: "p1", Summary: "payload of a", ContentHash: a.ContentHash,
		Kind: a.Kind, Tags: a.Tags, TickCreated: 0, TickArchived: 10, FinalStrength: 0.05,
	}
	require.NoError(t, s.ArchiveChunk(ctx, rec, 10))

	// Tombstone access surfaces as not found.
	_, err = s.GetChunk(ctx, "a")
	assert.True(t, enginerr.IsNotFound(err))

	// Edges and counters referencing the chunk are gone.
	rels, err := s.RelationshipsFrom(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, rels)
	rels, err = s.RelationshipsTo(ctx, []string{"b"})
	require.NoError(t, err)
	assert.Empty(t, rels)

	recs, err := s.ListArchive(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, 0.05, recs[0].FinalStrength)
}

func TestCompactTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")
	require.NoError(t, s.InsertChunk(ctx, testStoreChunk("a", "p1", 0)))

	rec := &ArchiveRecord{ID: "a", ProjectID: "p1", Summary: "s", ContentHash: "h", Kind: KindResearch, TickCreated: 0, TickArchived: 5, FinalStrength: 0}
	require.NoError(t, s.ArchiveChunk(ctx, rec, 5))

	// Grace window not elapsed.
	n, err := s.CompactTombstones(ctx, "p1", 4)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.CompactTombstones(ctx, "p1", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetChunkAny(ctx, "a")
	assert.True(t, enginerr.IsNotFound(err))
}

func TestFindDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	c := testStoreChunk("c1", "p1", 3)
	require.NoError(t, s.InsertChunk(ctx, c))

	dupes, err := s.FindDuplicate(ctx, "p1", c.ContentHash, 3)
	require.NoError(t, err)
	assert.Len(t, dupes, 1)

	// Different tick: not a duplicate.
	dupes, err = s.FindDuplicate(ctx, "p1", c.ContentHash, 4)
	require.NoError(t, err)
	assert.Empty(t, dupes)
}

func TestKeywordIndexSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")
	kw := NewFTSKeywordIndex(s)

	a := testStoreChunk("a", "p1", 0)
	a.Payload = "retry with exponential backoff on transient failures"
	b := testStoreChunk("b", "p1", 0)
	b.Payload = "cache invalidation strategy for the session layer"
	require.NoError(t, s.InsertChunk(ctx, a))
	require.NoError(t, s.InsertChunk(ctx, b))

	hits, err := kw.Search(ctx, "p1", "exponential backoff", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ChunkID)
	assert.Greater(t, hits[0].Score, 0.0)

	// Operators and quotes never reach the match parser raw.
	_, err = kw.Search(ctx, "p1", `"AND OR (unbalanced`, 10)
	assert.NoError(t, err)

	none, err := kw.Search(ctx, "p1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestContradictionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	c := &Contradiction{ID: "x1", ProjectID: "p1", ChunkA: "a", ChunkB: "b", Confidence: 0.9, Tick: 3}
	require.NoError(t, s.InsertContradiction(ctx, c))

	got, err := s.ContradictionsFor(ctx, []string{"b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ChunkA)

	got, err = s.ContradictionsFor(ctx, []string{"other"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")

	a := testStoreChunk("a", "p1", 0)
	b := testStoreChunk("b", "p1", 0)
	b.Status = StatusCool
	b.Kind = KindDecision
	require.NoError(t, s.InsertChunk(ctx, a))
	require.NoError(t, s.InsertChunk(ctx, b))

	stats, err := s.Stats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ChunkCount)
	assert.Equal(t, 1, stats.ByStatus[StatusActive])
	assert.Equal(t, 1, stats.ByStatus[StatusCool])
	assert.Equal(t, 1, stats.ByKind[KindDecision])
	assert.Equal(t, 3, stats.Dimensions)
}

func TestForEachEmbeddingSkipsTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupProject(t, s, "p1")
	require.NoError(t, s.InsertChunk(ctx, testStoreChunk("a", "p1", 0)))
	require.NoError(t, s.InsertChunk(ctx, testStoreChunk("b", "p1", 0)))
	rec := &ArchiveRecord{ID: "b", ProjectID: "p1", Summary: "s", ContentHash: "h", Kind: KindResearch, TickCreated: 0, TickArchived: 1, FinalStrength: 0}
	require.NoError(t, s.ArchiveChunk(ctx, rec, 1))

	var ids []string
	err := s.ForEachEmbedding(ctx, func(projectID, chunkID string, vec []float32) error {
		ids = append(ids, chunkID)
		assert.Len(t, vec, 3)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}
