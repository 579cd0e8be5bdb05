// Package engine ties the store, indexes, graph, decay, and retrieval
// pipeline together behind one handle. The engine is single-process and
// single-writer per project; pass the handle explicitly, there is no
// package-level instance.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/engramkit/engram/internal/config"
	"github.com/engramkit/engram/internal/decay"
	"github.com/engramkit/engram/internal/enginerr"
	"github.com/engramkit/engram/internal/events"
	"github.com/engramkit/engram/internal/graph"
	"github.com/engramkit/engram/internal/search"
	"github.com/engramkit/engram/internal/store"
)

// Engine is the semantic memory engine handle.
type Engine struct {
	store    *store.SQLiteStore
	index    *store.MemoryVectorIndex
	keyword  store.KeywordIndex
	graph    *graph.Engine
	planner  *search.Planner
	pipeline *search.Pipeline
	decay    decay.Config
	maint    config.MaintenanceConfig
	sink     events.Sink
	logger   *slog.Logger
	dims     int

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// Option configures the engine.
type Option func(*Engine)

// WithEventSink injects the observability sink.
func WithEventSink(sink events.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithLogger injects the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Open builds the engine from configuration: opens the store, rebuilds
// the vector index from persisted embeddings, and wires the graph and
// retrieval pipeline. Close releases everything on any exit path.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, enginerr.Validation("%v", err)
	}

	s, err := store.NewSQLiteStoreWithConfig(cfg.Store.Path, cfg.StoreSettings())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:  s,
		index:  store.NewMemoryVectorIndex(cfg.Index.Dimensions),
		decay:  cfg.DecaySettings(),
		maint:  cfg.Maintenance,
		sink:   events.NopSink{},
		logger: slog.Default(),
		dims:   cfg.Index.Dimensions,
		locks:  make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.keyword = store.NewFTSKeywordIndex(s)
	e.graph = graph.New(s, e.index, e.sink, cfg.GraphSettings())
	e.planner = search.NewPlanner()
	e.pipeline = search.NewPipeline(s, e.index, e.keyword, e.graph, e.sink, cfg.RetrievalSettings())

	// Hot-load the index so restart-time queries see the same snapshot as
	// pre-shutdown queries.
	if err := s.ForEachEmbedding(context.Background(), func(projectID, chunkID string, vec []float32) error {
		return e.index.Add(projectID, chunkID, vec)
	}); err != nil {
		_ = s.Close()
		return nil, err
	}

	return e, nil
}

// Close releases the store handle and its file lock.
func (e *Engine) Close() error {
	return e.store.Close()
}

// projectLock returns the per-project mutex, creating it on first use.
func (e *Engine) projectLock(projectID string) *sync.RWMutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[projectID]
	if !ok {
		l = &sync.RWMutex{}
		e.locks[projectID] = l
	}
	return l
}

// EnsureProject creates the project on first reference.
func (e *Engine) EnsureProject(ctx context.Context, projectID string) (*store.Project, error) {
	return e.store.EnsureProject(ctx, projectID, e.dims)
}

// AdvanceTick moves the project's logical clock forward by one.
func (e *Engine) AdvanceTick(ctx context.Context, projectID string) (store.Tick, error) {
	lock := e.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := e.store.EnsureProject(ctx, projectID, e.dims); err != nil {
		return 0, err
	}
	tick, err := e.store.AdvanceTick(ctx, projectID)
	if err != nil {
		return 0, err
	}
	e.sink.Emit(events.New(events.TickAdvance, tick, map[string]any{"project": projectID}))
	return tick, nil
}

// Now reads the project's current tick.
func (e *Engine) Now(ctx context.Context, projectID string) (store.Tick, error) {
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	return p.CurrentTick, nil
}

// IngestInput carries everything needed to create a chunk.
type IngestInput struct {
	Payload    string
	Embedding  []float32
	Kind       store.Kind
	Confidence store.Confidence
	Source     store.Source
	Tags       []string
	// Polarity marks the payload's truth direction for contradiction
	// detection: +1, -1, or 0.
	Polarity int
	// Supersedes names the chunk this one replaces.
	Supersedes string
	// ValidUntil expires the chunk for non-historical retrieval.
	ValidUntil *store.Tick
	Pinned     bool
	// Context is the agent's current situation, captured as the chunk's
	// learning context.
	Context search.RetrievalContext
}

// IngestResult reports the created (or deduplicated) chunk.
type IngestResult struct {
	ChunkID string
	// Deduplicated is set when an identical payload with the same tags
	// was already ingested this tick; ChunkID names the existing chunk.
	Deduplicated bool
	// Contradictions found against existing chunks during the ingest.
	Contradictions []*store.Contradiction
}

// kindDefaults returns the decay curve and initial strength for a kind.
func kindDefaults(kind store.Kind) (store.DecayFunction, float64, float64) {
	switch kind {
	case store.KindUserInput:
		return store.DecayNone, 0, 1.0
	case store.KindDecision:
		return store.DecayLinear, 0.02, 1.0
	case store.KindAttempt:
		return store.DecayExponential, 0.10, 0.8
	default:
		return store.DecayExponential, 0.05, 1.0
	}
}

// ApplyKindDefaults fills missing decay fields on a chunk loaded from an
// older schema, per its kind.
func ApplyKindDefaults(c *store.Chunk) {
	if c.DecayFunction.Valid() && c.InitialStrength > 0 {
		return
	}
	fn, rate, initial := kindDefaults(c.Kind)
	if !c.DecayFunction.Valid() {
		c.DecayFunction = fn
		c.DecayRate = rate
	}
	if c.InitialStrength == 0 {
		c.InitialStrength = initial
		c.CurrentStrength = initial
	}
}

// Ingest creates a chunk at the project's current tick. The insert, the
// index updates, and any supersession are atomic; a failed ingest leaves
// no observable state.
func (e *Engine) Ingest(ctx context.Context, projectID string, in IngestInput) (*IngestResult, error) {
	if len(in.Embedding) != e.dims {
		return nil, enginerr.Validation("embedding has %d dimensions, project uses %d", len(in.Embedding), e.dims)
	}
	nonZero := false
	for _, v := range in.Embedding {
		if v != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		return nil, enginerr.Validation("embedding has zero norm")
	}
	if !in.Kind.Valid() {
		return nil, enginerr.Validation("unknown kind %q", in.Kind)
	}
	if !in.Confidence.Valid() {
		return nil, enginerr.Validation("unknown confidence %q", in.Confidence)
	}
	if !in.Source.Valid() {
		return nil, enginerr.Validation("unknown source %q", in.Source)
	}
	if in.Payload == "" {
		return nil, enginerr.Validation("payload cannot be empty")
	}

	lock := e.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := e.store.EnsureProject(ctx, projectID, e.dims); err != nil {
		return nil, err
	}
	now, err := e.Now(ctx, projectID)
	if err != nil {
		return nil, err
	}

	hash := contentHash(in.Payload)
	dupes, err := e.store.FindDuplicate(ctx, projectID, hash, now)
	if err != nil {
		return nil, err
	}
	for _, d := range dupes {
		if sameTagSet(d.Tags, in.Tags) {
			return &IngestResult{ChunkID: d.ID, Deduplicated: true}, nil
		}
	}

	// Resolve the superseded chunk before writing anything: an unknown
	// identity aborts the whole ingest.
	var prev *store.Chunk
	if in.Supersedes != "" {
		prev, err = e.store.GetChunk(ctx, in.Supersedes)
		if err != nil {
			return nil, err
		}
		if prev.ProjectID != projectID {
			return nil, enginerr.Validation("superseded chunk %s belongs to project %s", prev.ID, prev.ProjectID)
		}
	}

	fn, rate, initial := kindDefaults(in.Kind)
	learning := store.LearningContext{
		Tick:         now,
		TaskID:       in.Context.TaskID,
		GoalID:       in.Context.GoalID,
		Phase:        in.Context.Phase,
		SkillArea:    in.Context.SkillArea,
		QueryContext: in.Context.Query,
	}
	c := &store.Chunk{
		ID:              uuid.New().String(),
		ProjectID:       projectID,
		Payload:         in.Payload,
		Embedding:       in.Embedding,
		Kind:            in.Kind,
		Confidence:      in.Confidence,
		Source:          in.Source,
		Tags:            in.Tags,
		Polarity:        in.Polarity,
		TickCreated:     now,
		InitialStrength: initial,
		CurrentStrength: initial,
		DecayFunction:   fn,
		DecayRate:       rate,
		Status:          store.StatusActive,
		Pinned:          in.Pinned,
		ValidUntilTick:  in.ValidUntil,
		ContentHash:     hash,
		Learning:        learning,
	}

	if prev != nil {
		err = e.store.InsertChunkSuperseding(ctx, c, prev)
	} else {
		err = e.store.InsertChunk(ctx, c)
	}
	if err != nil {
		return nil, err
	}
	if err := e.index.Add(projectID, c.ID, c.Embedding); err != nil {
		return nil, err
	}

	e.sink.Emit(events.New(events.ChunkCreated, now, map[string]any{
		"chunk_id": c.ID, "kind": string(c.Kind), "project": projectID,
	}))
	e.logger.Debug("chunk_ingested",
		slog.String("chunk_id", c.ID),
		slog.String("project", projectID),
		slog.String("kind", string(c.Kind)))

	contradictions, err := e.graph.DetectContradictions(ctx, c, now)
	if err != nil {
		// The chunk is in; detection failure degrades, it does not abort.
		e.logger.Warn("contradiction_detection_failed",
			slog.String("chunk_id", c.ID), slog.String("error", err.Error()))
	}

	return &IngestResult{ChunkID: c.ID, Contradictions: contradictions}, nil
}

// AssertRelationship records an explicit edge between two chunks.
func (e *Engine) AssertRelationship(ctx context.Context, r *store.Relationship) error {
	from, err := e.store.GetChunk(ctx, r.FromID)
	if err != nil {
		return err
	}
	lock := e.projectLock(from.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	now, err := e.Now(ctx, from.ProjectID)
	if err != nil {
		return err
	}
	return e.graph.Assert(ctx, r, now)
}

// Query plans and executes a retrieval. The route is classified from the
// query text unless opts.Route is set.
func (e *Engine) Query(ctx context.Context, projectID, query string, queryVec []float32, rctx search.RetrievalContext, opts search.Options) (*search.Result, error) {
	if queryVec != nil && len(queryVec) != e.dims {
		return nil, enginerr.Validation("query vector has %d dimensions, project uses %d", len(queryVec), e.dims)
	}
	if opts.Route != "" && !opts.Route.Valid() {
		return nil, enginerr.Validation("unknown route %q", opts.Route)
	}

	if _, err := e.store.GetProject(ctx, projectID); err != nil {
		if enginerr.IsNotFound(err) {
			// Empty project: no results, no error.
			return &search.Result{Route: RouteOrDefault(opts.Route)}, nil
		}
		return nil, err
	}
	if rctx.Tick == 0 {
		now, err := e.Now(ctx, projectID)
		if err != nil {
			return nil, err
		}
		rctx.Tick = now
	}

	route := opts.Route
	if route == "" {
		route = e.planner.Plan(query)
	}

	lock := e.projectLock(projectID)
	lock.RLock()
	defer lock.RUnlock()

	return e.pipeline.Execute(ctx, projectID, query, queryVec, rctx, opts, route)
}

// RouteOrDefault resolves an unset route to hybrid.
func RouteOrDefault(r search.Route) search.Route {
	if r == "" {
		return search.RouteHybrid
	}
	return r
}

// Reinforce records a successful retrieval use: strength up (capped),
// successful_uses incremented, and a one-tier promotion when the new
// strength crosses the threshold.
func (e *Engine) Reinforce(ctx context.Context, chunkID string) error {
	return e.adjustChunk(ctx, chunkID, e.decay.Reinforce)
}

// Weaken records a confirmed contradiction against the chunk.
func (e *Engine) Weaken(ctx context.Context, chunkID string) error {
	return e.adjustChunk(ctx, chunkID, e.decay.Weaken)
}

func (e *Engine) adjustChunk(ctx context.Context, chunkID string, apply func(*store.Chunk, store.Tick)) error {
	c, err := e.store.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}
	lock := e.projectLock(c.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	now, err := e.Now(ctx, c.ProjectID)
	if err != nil {
		return err
	}
	oldStatus := c.Status
	apply(c, now)
	if err := e.store.UpdateChunk(ctx, c); err != nil {
		return err
	}
	if c.Status != oldStatus {
		e.sink.Emit(events.New(events.ChunkStatusChanged, now, map[string]any{
			"chunk_id": c.ID, "old": string(oldStatus), "new": string(c.Status),
		}))
	}
	return nil
}

// Pin protects a chunk from decay below the pinned floor and keeps it in
// the active/warm tiers.
func (e *Engine) Pin(ctx context.Context, chunkID string) error {
	c, err := e.store.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}
	lock := e.projectLock(c.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	c.Pinned = true
	if c.CurrentStrength < decay.PinnedFloor {
		c.CurrentStrength = decay.PinnedFloor
	}
	if c.Status.Rank() > store.StatusWarm.Rank() {
		c.Status = store.StatusWarm
	}
	return e.store.UpdateChunk(ctx, c)
}

// Unpin removes pin protection; the next decay pass applies normally.
func (e *Engine) Unpin(ctx context.Context, chunkID string) error {
	c, err := e.store.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}
	lock := e.projectLock(c.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	c.Pinned = false
	return e.store.UpdateChunk(ctx, c)
}

// Supersede records newID replacing oldID: superseded_by set, status
// demoted to at least cool, and a replaces edge with weight 1.0.
func (e *Engine) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return enginerr.Validation("a chunk cannot supersede itself")
	}
	prev, err := e.store.GetChunk(ctx, oldID)
	if err != nil {
		return err
	}
	next, err := e.store.GetChunk(ctx, newID)
	if err != nil {
		return err
	}
	if prev.ProjectID != next.ProjectID {
		return enginerr.Validation("supersession crosses projects %s and %s", prev.ProjectID, next.ProjectID)
	}

	lock := e.projectLock(prev.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	now, err := e.Now(ctx, prev.ProjectID)
	if err != nil {
		return err
	}
	return e.store.Supersede(ctx, prev, newID, now)
}

// DecayTick runs a decay pass when the configured interval has elapsed.
// The whole pass is one transaction; partial decay is never observable.
// Returns whether a pass ran.
func (e *Engine) DecayTick(ctx context.Context, projectID string) (bool, error) {
	lock := e.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if !e.decay.PassDue(p.CurrentTick, p.LastDecayTick) {
		return false, nil
	}

	chunks, err := e.store.ScanProject(ctx, projectID, store.ScanFilter{Statuses: []store.Status{
		store.StatusActive, store.StatusWarm, store.StatusCool, store.StatusCold,
	}})
	if err != nil {
		return false, err
	}

	updates := make([]store.DecayUpdate, 0, len(chunks))
	type change struct {
		id                   string
		oldS, newS           float64
		oldStatus, newStatus store.Status
	}
	var changes []change
	for _, c := range chunks {
		ApplyKindDefaults(c)
		strength := decay.Strength(c, p.CurrentTick)
		status := e.decay.DemotedStatus(c.Status, strength, c.Pinned)
		updates = append(updates, store.DecayUpdate{ChunkID: c.ID, Strength: strength, Status: status})
		if strength != c.CurrentStrength || status != c.Status {
			changes = append(changes, change{c.ID, c.CurrentStrength, strength, c.Status, status})
		}
	}

	if err := e.store.ApplyDecayBatch(ctx, projectID, updates, p.CurrentTick); err != nil {
		// The tick cursor did not advance; the next pass retries.
		e.logger.Warn("decay_pass_failed",
			slog.String("project", projectID), slog.String("error", err.Error()))
		return false, err
	}

	for _, ch := range changes {
		if ch.newS != ch.oldS {
			e.sink.Emit(events.New(events.ChunkDecayed, p.CurrentTick, map[string]any{
				"chunk_id": ch.id, "old": ch.oldS, "new": ch.newS,
			}))
		}
		if ch.newStatus != ch.oldStatus {
			e.sink.Emit(events.New(events.ChunkStatusChanged, p.CurrentTick, map[string]any{
				"chunk_id": ch.id, "old": string(ch.oldStatus), "new": string(ch.newStatus),
			}))
		}
	}
	e.logger.Info("decay_pass_complete",
		slog.String("project", projectID),
		slog.Int("chunks", len(updates)),
		slog.Int("changed", len(changes)))
	return true, nil
}

// Scan lists chunks matching the filter.
func (e *Engine) Scan(ctx context.Context, projectID string, filter store.ScanFilter) ([]*store.Chunk, error) {
	return e.store.ScanProject(ctx, projectID, filter)
}

// ExportArchive returns the project's archive records, oldest first.
func (e *Engine) ExportArchive(ctx context.Context, projectID string) ([]*store.ArchiveRecord, error) {
	return e.store.ListArchive(ctx, projectID)
}

// Stats summarizes the project.
func (e *Engine) Stats(ctx context.Context, projectID string) (*store.ProjectStats, error) {
	return e.store.Stats(ctx, projectID)
}

// GetChunk fetches one chunk; tombstones surface as not_found.
func (e *Engine) GetChunk(ctx context.Context, chunkID string) (*store.Chunk, error) {
	return e.store.GetChunk(ctx, chunkID)
}

func contentHash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func sameTagSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
