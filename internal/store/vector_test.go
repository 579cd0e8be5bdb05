package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorIndexAddAndSearch(t *testing.T) {
	idx := NewMemoryVectorIndex(3)

	require.NoError(t, idx.Add("p1", "a", []float32{1, 0, 0}))
	require.NoError(t, idx.Add("p1", "b", []float32{0.9, 0.1, 0}))
	require.NoError(t, idx.Add("p1", "c", []float32{0, 0, 1}))

	hits, err := idx.Search("p1", []float32{1, 0, 0}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Cosine, 1e-6)
	assert.Equal(t, "b", hits[1].ChunkID)
}

func TestVectorIndexMinSimilarityFilters(t *testing.T) {
	idx := NewMemoryVectorIndex(2)
	require.NoError(t, idx.Add("p1", "a", []float32{1, 0}))
	require.NoError(t, idx.Add("p1", "b", []float32{0, 1}))

	hits, err := idx.Search("p1", []float32{1, 0}, 10, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ChunkID)
}

func TestVectorIndexKLimit(t *testing.T) {
	idx := NewMemoryVectorIndex(2)
	require.NoError(t, idx.Add("p1", "a", []float32{1, 0}))
	require.NoError(t, idx.Add("p1", "b", []float32{1, 0.01}))
	require.NoError(t, idx.Add("p1", "c", []float32{1, 0.02}))

	hits, err := idx.Search("p1", []float32{1, 0}, 2, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestVectorIndexRejectsZeroNorm(t *testing.T) {
	idx := NewMemoryVectorIndex(2)
	err := idx.Add("p1", "a", []float32{0, 0})
	assert.Error(t, err)
}

func TestVectorIndexRejectsDimensionMismatch(t *testing.T) {
	idx := NewMemoryVectorIndex(3)
	err := idx.Add("p1", "a", []float32{1, 0})
	var dimErr DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)

	_, err = idx.Search("p1", []float32{1, 0}, 5, 0)
	assert.ErrorAs(t, err, &dimErr)
}

func TestVectorIndexProjectsAreIsolated(t *testing.T) {
	idx := NewMemoryVectorIndex(2)
	require.NoError(t, idx.Add("p1", "a", []float32{1, 0}))

	hits, err := idx.Search("p2", []float32{1, 0}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, 1, idx.Count("p1"))
	assert.Equal(t, 0, idx.Count("p2"))
}

func TestVectorIndexRemove(t *testing.T) {
	idx := NewMemoryVectorIndex(2)
	require.NoError(t, idx.Add("p1", "a", []float32{1, 0}))
	idx.Remove("p1", "a")
	idx.Remove("p1", "missing") // no-op

	hits, err := idx.Search("p1", []float32{1, 0}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorIndexSimilarity(t *testing.T) {
	idx := NewMemoryVectorIndex(2)
	require.NoError(t, idx.Add("p1", "a", []float32{1, 0}))
	require.NoError(t, idx.Add("p1", "b", []float32{0, 1}))

	cos, ok := idx.Similarity("p1", "a", "b")
	require.True(t, ok)
	assert.InDelta(t, 0.0, cos, 1e-6)

	_, ok = idx.Similarity("p1", "a", "missing")
	assert.False(t, ok)
}

func TestVectorIndexAddReplaces(t *testing.T) {
	idx := NewMemoryVectorIndex(2)
	require.NoError(t, idx.Add("p1", "a", []float32{1, 0}))
	require.NoError(t, idx.Add("p1", "a", []float32{0, 1}))

	vec, ok := idx.Vector("p1", "a")
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1}, vec)
	assert.Equal(t, 1, idx.Count("p1"))
}

func TestVectorIndexDeterministicTieBreak(t *testing.T) {
	idx := NewMemoryVectorIndex(2)
	require.NoError(t, idx.Add("p1", "b", []float32{1, 0}))
	require.NoError(t, idx.Add("p1", "a", []float32{1, 0}))

	hits, err := idx.Search("p1", []float32{1, 0}, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ChunkID)
	assert.Equal(t, "b", hits[1].ChunkID)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75, 0}
	blob := EncodeEmbedding(vec)
	assert.Len(t, blob, len(vec)*4)

	got, err := DecodeEmbedding(blob)
	require.NoError(t, err)
	assert.Equal(t, vec, got)
}

func TestDecodeEmbeddingRejectsBadLength(t *testing.T) {
	_, err := DecodeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEncodeEmbeddingLittleEndian(t *testing.T) {
	// 1.0 as IEEE 754 single is 0x3f800000; little-endian on the wire.
	blob := EncodeEmbedding([]float32{1.0})
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, blob)
}
