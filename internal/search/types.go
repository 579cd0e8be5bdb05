// Package search implements retrieval: route planning, candidate
// generation over the vector and keyword indexes, graph expansion,
// context-match boosting, and score fusion.
package search

import (
	"github.com/engramkit/engram/internal/store"
)

// Route selects the retrieval pipeline for a query.
type Route string

const (
	// RouteOperational defers to the external working layer.
	RouteOperational Route = "operational"
	// RouteLookup is tag filter + recency.
	RouteLookup Route = "lookup"
	// RouteExploration is semantic-only.
	RouteExploration Route = "exploration"
	// RouteConnection is graph-centric from a semantic seed.
	RouteConnection Route = "connection"
	// RouteHybrid is the full fused pipeline and the default.
	RouteHybrid Route = "hybrid"
)

// Valid returns true for known routes.
func (r Route) Valid() bool {
	switch r {
	case RouteOperational, RouteLookup, RouteExploration, RouteConnection, RouteHybrid:
		return true
	}
	return false
}

// RetrievalContext is the agent's situation at query time, compared
// against each candidate's learning context for boosts.
type RetrievalContext struct {
	Tick      store.Tick
	TaskID    string
	GoalID    string
	Phase     string
	SkillArea string
	Query     string
}

// Options configures one query.
type Options struct {
	// K is the maximum number of results (default 10).
	K int
	// MinSimilarity is the semantic candidate floor.
	MinSimilarity float64
	// Route bypasses classification when set.
	Route Route
	// Historical includes chunks whose valid_until_tick has passed.
	Historical bool
	// Tags annotates the retrieval for co-retrieval context_tags.
	Tags []string
}

// Weights are the fusion coefficients.
type Weights struct {
	Semantic float64
	Graph    float64
	Keyword  float64
}

// Config tunes the retrieval pipeline.
type Config struct {
	// CandidateLimit is the semantic top-K1 pulled before fusion.
	CandidateLimit int
	// MinSimilarity is the default semantic floor.
	MinSimilarity float64
	// Weights are the fusion coefficients.
	Weights Weights
	// GoalBoost applies on a goal_id match (strong).
	GoalBoost float64
	// PhaseSkillBoost applies on same phase + same skill area (moderate).
	PhaseSkillBoost float64
	// ReactivationBoost applies on a goal match after a long access gap.
	ReactivationBoost float64
	// ReactivationWindow is the access gap that counts as reactivation.
	ReactivationWindow store.Tick
	// RecencyHalfLife is the tick half-life of the recency boost.
	RecencyHalfLife float64
	// ConfidenceWeights scale scores by chunk confidence.
	ConfidenceWeights map[store.Confidence]float64
	// CutoffStrength excludes chunks below this strength unless pinned.
	CutoffStrength float64
	// GraphDepth bounds graph expansion.
	GraphDepth int
	// GraphMinWeight is the traversal score floor.
	GraphMinWeight float64
	// ConnectionSeeds is how many semantic hits seed the connection route.
	ConnectionSeeds int
}

// DefaultConfig returns the default retrieval tuning.
func DefaultConfig() Config {
	return Config{
		CandidateLimit: 50,
		MinSimilarity:  0.25,
		Weights: Weights{
			Semantic: 0.55,
			Graph:    0.30,
			Keyword:  0.15,
		},
		GoalBoost:          1.30,
		PhaseSkillBoost:    1.15,
		ReactivationBoost:  1.10,
		ReactivationWindow: 20,
		RecencyHalfLife:    30,
		ConfidenceWeights: map[store.Confidence]float64{
			store.ConfidenceVerified:    1.0,
			store.ConfidenceInferred:    0.8,
			store.ConfidenceSpeculative: 0.5,
		},
		CutoffStrength:  0.08,
		GraphDepth:      2,
		GraphMinWeight:  0.2,
		ConnectionSeeds: 3,
	}
}

// ScoredChunk is one retrieval result with its score breakdown.
type ScoredChunk struct {
	Chunk *store.Chunk
	// Score is the final fused, boosted score.
	Score float64
	// Semantic is the cosine to the query (0 when not a semantic hit).
	Semantic float64
	// GraphScore is the best traversal path score (0 when unreached).
	GraphScore float64
	// Keyword is the normalized lexical score.
	Keyword float64
	// Contradicted is set when a persisted contradiction touches this
	// chunk.
	Contradicted bool
}

// Result is the outcome of one query.
type Result struct {
	Route Route
	// Deferred is set on the operational route: the engine answers
	// nothing and the caller forwards the query to the working layer.
	Deferred bool
	Chunks   []ScoredChunk
	// Warnings flags degraded execution (a failed graph expansion or
	// contradiction lookup) that fell back per the error policy.
	Warnings []string
}
