package search

import (
	"sort"

	"github.com/engramkit/engram/internal/store"
)

// candidate accumulates the per-source scores of one chunk before the
// fused score is computed.
type candidate struct {
	id       string
	semantic float64
	graph    float64
	keyword  float64
}

// candidateSet merges semantic, keyword, and graph legs by chunk id.
type candidateSet struct {
	byID map[string]*candidate
}

func newCandidateSet() *candidateSet {
	return &candidateSet{byID: make(map[string]*candidate)}
}

func (cs *candidateSet) get(id string) *candidate {
	if c, ok := cs.byID[id]; ok {
		return c
	}
	c := &candidate{id: id}
	cs.byID[id] = c
	return c
}

// addSemantic records cosine similarities.
func (cs *candidateSet) addSemantic(hits []store.VectorHit) {
	for _, h := range hits {
		cs.get(h.ChunkID).semantic = h.Cosine
	}
}

// addKeyword records lexical hits, max-normalized to [0,1] so raw BM25
// magnitudes never dominate fusion.
func (cs *candidateSet) addKeyword(hits []store.KeywordHit) {
	if len(hits) == 0 {
		return
	}
	maxScore := hits[0].Score
	for _, h := range hits[1:] {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	if maxScore <= 0 {
		return
	}
	for _, h := range hits {
		cs.get(h.ChunkID).keyword = h.Score / maxScore
	}
}

// addGraph records traversal scores, keeping the best path per chunk.
func (cs *candidateSet) addGraph(id string, score float64) {
	c := cs.get(id)
	if score > c.graph {
		c.graph = score
	}
}

func (cs *candidateSet) ids() []string {
	ids := make([]string, 0, len(cs.byID))
	for id := range cs.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fuse computes the weighted base score of one candidate.
func fuse(c *candidate, w Weights) float64 {
	return w.Semantic*c.semantic + w.Graph*c.graph + w.Keyword*c.keyword
}

// sortScored orders results by final score descending, then by more
// recent tick_last_useful, then by identity. Deterministic for any fixed
// snapshot.
func sortScored(results []ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ui, uj := usefulTick(results[i].Chunk), usefulTick(results[j].Chunk)
		if ui != uj {
			return ui > uj
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
}

func usefulTick(c *store.Chunk) store.Tick {
	if c.TickLastUseful == nil {
		return -1
	}
	return *c.TickLastUseful
}
