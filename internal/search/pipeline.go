package search

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/engramkit/engram/internal/events"
	"github.com/engramkit/engram/internal/graph"
	"github.com/engramkit/engram/internal/store"
)

// Pipeline executes retrieval routes against the store, the vector and
// keyword indexes, and the graph engine.
type Pipeline struct {
	store   *store.SQLiteStore
	index   store.VectorIndex
	keyword store.KeywordIndex
	graph   *graph.Engine
	sink    events.Sink
	config  Config
}

// NewPipeline wires the retrieval pipeline.
func NewPipeline(s *store.SQLiteStore, index store.VectorIndex, keyword store.KeywordIndex, g *graph.Engine, sink events.Sink, cfg Config) *Pipeline {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Pipeline{store: s, index: index, keyword: keyword, graph: g, sink: sink, config: cfg}
}

// Execute runs one query on the given route. The returned result is
// deterministic for a fixed store snapshot and retrieval context.
func (p *Pipeline) Execute(ctx context.Context, projectID, query string, queryVec []float32, rctx RetrievalContext, opts Options, route Route) (*Result, error) {
	start := time.Now()

	if opts.K <= 0 {
		opts.K = 10
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = p.config.MinSimilarity
	}

	result := &Result{Route: route}
	var err error
	switch route {
	case RouteOperational:
		result.Deferred = true
	case RouteLookup:
		err = p.runLookup(ctx, projectID, query, rctx, opts, result)
	case RouteExploration:
		err = p.runSemantic(ctx, projectID, queryVec, rctx, opts, result)
	case RouteConnection:
		err = p.runConnection(ctx, projectID, queryVec, rctx, opts, result)
	default:
		err = p.runHybrid(ctx, projectID, query, queryVec, rctx, opts, result)
	}
	if err != nil {
		return nil, err
	}

	if !result.Deferred {
		if err := p.flagContradictions(ctx, result); err != nil {
			result.Warnings = append(result.Warnings, "contradiction lookup failed: "+err.Error())
		}
		if err := p.bookkeep(ctx, projectID, result, opts, rctx.Tick); err != nil {
			return nil, err
		}
	}

	p.sink.Emit(events.New(events.SearchExecuted, rctx.Tick, map[string]any{
		"route":        string(route),
		"result_count": len(result.Chunks),
		"time_ms":      time.Since(start).Milliseconds(),
	}))
	return result, nil
}

// runHybrid is the full fused pipeline: parallel semantic and keyword
// legs, graph expansion from the semantic candidates, context boosts,
// weighting, fusion, and cutoff.
func (p *Pipeline) runHybrid(ctx context.Context, projectID, query string, queryVec []float32, rctx RetrievalContext, opts Options, result *Result) error {
	cs := newCandidateSet()

	var (
		semHits []store.VectorHit
		kwHits  []store.KeywordHit
	)
	g, gctx := errgroup.WithContext(ctx)
	if queryVec != nil {
		g.Go(func() error {
			var err error
			semHits, err = p.index.Search(projectID, queryVec, p.config.CandidateLimit, opts.MinSimilarity)
			return err
		})
	}
	g.Go(func() error {
		var err error
		kwHits, err = p.keyword.Search(gctx, projectID, query, p.config.CandidateLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	cs.addSemantic(semHits)
	cs.addKeyword(kwHits)

	// Graph expansion failures degrade to semantic-only per the error
	// policy.
	if len(semHits) > 0 {
		seeds := make([]string, 0, len(semHits))
		for _, h := range semHits {
			seeds = append(seeds, h.ChunkID)
		}
		reached, err := p.graph.Traverse(ctx, seeds, p.config.GraphDepth, p.config.GraphMinWeight)
		if err != nil {
			result.Warnings = append(result.Warnings, "graph expansion failed: "+err.Error())
		} else {
			for _, r := range reached {
				cs.addGraph(r.ChunkID, r.Score)
			}
		}
	}

	return p.scoreCandidates(ctx, cs, rctx, opts, p.config.Weights, result)
}

// runSemantic is the exploration route: vector candidates only.
func (p *Pipeline) runSemantic(ctx context.Context, projectID string, queryVec []float32, rctx RetrievalContext, opts Options, result *Result) error {
	if queryVec == nil {
		return nil
	}
	hits, err := p.index.Search(projectID, queryVec, p.config.CandidateLimit, opts.MinSimilarity)
	if err != nil {
		return err
	}
	cs := newCandidateSet()
	cs.addSemantic(hits)
	weights := Weights{Semantic: 1.0}
	return p.scoreCandidates(ctx, cs, rctx, opts, weights, result)
}

// runConnection seeds a traversal with the closest semantic hits and
// ranks by graph score.
func (p *Pipeline) runConnection(ctx context.Context, projectID string, queryVec []float32, rctx RetrievalContext, opts Options, result *Result) error {
	if queryVec == nil {
		return nil
	}
	hits, err := p.index.Search(projectID, queryVec, p.config.ConnectionSeeds, opts.MinSimilarity)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		return nil
	}
	seeds := make([]string, 0, len(hits))
	for _, h := range hits {
		seeds = append(seeds, h.ChunkID)
	}
	reached, err := p.graph.Traverse(ctx, seeds, p.config.GraphDepth, p.config.GraphMinWeight)
	if err != nil {
		return err
	}
	cs := newCandidateSet()
	for _, r := range reached {
		cs.addGraph(r.ChunkID, r.Score)
	}
	weights := Weights{Graph: 1.0}
	return p.scoreCandidates(ctx, cs, rctx, opts, weights, result)
}

// runLookup matches chunk tags against query tokens and ranks by recency.
func (p *Pipeline) runLookup(ctx context.Context, projectID, query string, rctx RetrievalContext, opts Options, result *Result) error {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil
	}
	chunks, err := p.store.ScanProject(ctx, projectID, store.ScanFilter{})
	if err != nil {
		return err
	}

	for _, c := range chunks {
		if !p.passesCutoff(c, rctx.Tick, opts) {
			continue
		}
		if !tagsMatch(c.Tags, tokens) {
			continue
		}
		score := p.recencyBoost(c, rctx.Tick) * c.CurrentStrength * p.confidenceWeight(c.Confidence)
		result.Chunks = append(result.Chunks, ScoredChunk{Chunk: c, Score: score})
	}
	sortScored(result.Chunks)
	if len(result.Chunks) > opts.K {
		result.Chunks = result.Chunks[:opts.K]
	}
	return nil
}

// scoreCandidates fetches candidate chunks, applies cutoff, fuses the
// per-source scores, applies the largest context boost plus confidence,
// strength, and recency multipliers, and keeps the top K.
func (p *Pipeline) scoreCandidates(ctx context.Context, cs *candidateSet, rctx RetrievalContext, opts Options, weights Weights, result *Result) error {
	ids := cs.ids()
	if len(ids) == 0 {
		return nil
	}
	chunks, err := p.store.GetChunks(ctx, ids)
	if err != nil {
		return err
	}

	for _, c := range chunks {
		if !p.passesCutoff(c, rctx.Tick, opts) {
			continue
		}
		cand := cs.byID[c.ID]
		base := fuse(cand, weights)
		if base <= 0 {
			continue
		}

		score := base
		score *= p.contextBoost(c, rctx)
		score *= p.confidenceWeight(c.Confidence)
		score *= c.CurrentStrength
		score *= p.recencyBoost(c, rctx.Tick)

		result.Chunks = append(result.Chunks, ScoredChunk{
			Chunk:      c,
			Score:      score,
			Semantic:   cand.semantic,
			GraphScore: cand.graph,
			Keyword:    cand.keyword,
		})
	}

	sortScored(result.Chunks)
	if len(result.Chunks) > opts.K {
		result.Chunks = result.Chunks[:opts.K]
	}
	return nil
}

// passesCutoff excludes archived/tombstoned chunks, expired chunks
// (unless the query is historical), and chunks decayed below the archive
// threshold (unless pinned).
func (p *Pipeline) passesCutoff(c *store.Chunk, now store.Tick, opts Options) bool {
	if c.Status == store.StatusArchived || c.Status == store.StatusTombstone {
		return false
	}
	if !opts.Historical && c.ValidUntilTick != nil && now > *c.ValidUntilTick {
		return false
	}
	if !c.Pinned && c.CurrentStrength < p.config.CutoffStrength {
		return false
	}
	return true
}

// contextBoost compares the chunk's learning context with the retrieval
// context and returns the largest single applicable boost.
func (p *Pipeline) contextBoost(c *store.Chunk, rctx RetrievalContext) float64 {
	boost := 1.0
	goalMatch := rctx.GoalID != "" && c.Learning.GoalID == rctx.GoalID
	if goalMatch && p.config.GoalBoost > boost {
		boost = p.config.GoalBoost
	}
	if rctx.Phase != "" && rctx.SkillArea != "" &&
		c.Learning.Phase == rctx.Phase && c.Learning.SkillArea == rctx.SkillArea &&
		p.config.PhaseSkillBoost > boost {
		boost = p.config.PhaseSkillBoost
	}
	if goalMatch && c.TickLastAccessed != nil &&
		rctx.Tick-*c.TickLastAccessed > p.config.ReactivationWindow &&
		p.config.ReactivationBoost > boost {
		boost = p.config.ReactivationBoost
	}
	return boost
}

func (p *Pipeline) confidenceWeight(conf store.Confidence) float64 {
	if w, ok := p.config.ConfidenceWeights[conf]; ok {
		return w
	}
	return 1.0
}

// recencyBoost halves per RecencyHalfLife ticks since the chunk last
// mattered.
func (p *Pipeline) recencyBoost(c *store.Chunk, now store.Tick) float64 {
	if p.config.RecencyHalfLife <= 0 {
		return 1.0
	}
	delta := float64(now - c.LastSignalTick())
	if delta < 0 {
		delta = 0
	}
	return math.Exp2(-delta / p.config.RecencyHalfLife)
}

// flagContradictions marks results that a persisted contradiction touches.
func (p *Pipeline) flagContradictions(ctx context.Context, result *Result) error {
	if len(result.Chunks) == 0 {
		return nil
	}
	ids := make([]string, 0, len(result.Chunks))
	for _, sc := range result.Chunks {
		ids = append(ids, sc.Chunk.ID)
	}
	records, err := p.store.ContradictionsFor(ctx, ids)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	touched := make(map[string]struct{}, len(records)*2)
	for _, r := range records {
		touched[r.ChunkA] = struct{}{}
		touched[r.ChunkB] = struct{}{}
	}
	for i := range result.Chunks {
		if _, ok := touched[result.Chunks[i].Chunk.ID]; ok {
			result.Chunks[i].Contradicted = true
		}
	}
	return nil
}

// bookkeep records accesses, the co-retrieval event, and per-chunk access
// events for the returned set.
func (p *Pipeline) bookkeep(ctx context.Context, projectID string, result *Result, opts Options, tick store.Tick) error {
	if len(result.Chunks) == 0 {
		return nil
	}
	ids := make([]string, 0, len(result.Chunks))
	for _, sc := range result.Chunks {
		ids = append(ids, sc.Chunk.ID)
	}
	if err := p.store.RecordAccess(ctx, ids, tick); err != nil {
		return err
	}
	if err := p.graph.RecordCoRetrieval(ctx, projectID, ids, opts.Tags, tick); err != nil {
		return err
	}
	for _, id := range ids {
		p.sink.Emit(events.New(events.ChunkAccessed, tick, map[string]any{"chunk_id": id}))
	}
	return nil
}

// queryTokens lowercases and splits a query, dropping short tokens and
// function words so tag matching sees content terms only.
func queryTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := lookupStopWords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

var lookupStopWords = map[string]struct{}{
	"what": {}, "did": {}, "decide": {}, "decided": {}, "about": {},
	"the": {}, "was": {}, "which": {}, "choose": {}, "chose": {},
	"pick": {}, "for": {}, "our": {}, "have": {},
}

func tagsMatch(tags, tokens []string) bool {
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		for _, tok := range tokens {
			if lower == tok || strings.Contains(lower, tok) {
				return true
			}
		}
	}
	return false
}
