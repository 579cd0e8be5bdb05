// Package store provides durable persistence (SQLite) for chunks,
// relationships, co-retrieval counters, and archive records, plus the
// in-memory vector index and the FTS5 keyword index.
package store

import (
	"context"
	"fmt"
)

// Tick is the logical clock unit. Ticks are non-negative and advance
// monotonically per project.
type Tick int64

// Kind classifies what a chunk is.
type Kind string

const (
	KindResearch  Kind = "research"
	KindInsight   Kind = "insight"
	KindDecision  Kind = "decision"
	KindResource  Kind = "resource"
	KindAttempt   Kind = "attempt"
	KindUserInput Kind = "user_input"
)

// Valid returns true if the kind is a known value.
func (k Kind) Valid() bool {
	switch k {
	case KindResearch, KindInsight, KindDecision, KindResource, KindAttempt, KindUserInput:
		return true
	}
	return false
}

// Confidence grades how trustworthy a chunk is.
type Confidence string

const (
	ConfidenceVerified    Confidence = "verified"
	ConfidenceInferred    Confidence = "inferred"
	ConfidenceSpeculative Confidence = "speculative"
)

// Valid returns true if the confidence is a known value.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceVerified, ConfidenceInferred, ConfidenceSpeculative:
		return true
	}
	return false
}

// Source records where a chunk came from.
type Source string

const (
	SourceResearch   Source = "research"
	SourceUser       Source = "user"
	SourceDeduction  Source = "deduction"
	SourceExperiment Source = "experiment"
)

// Valid returns true if the source is a known value.
func (s Source) Valid() bool {
	switch s {
	case SourceResearch, SourceUser, SourceDeduction, SourceExperiment:
		return true
	}
	return false
}

// DecayFunction selects the strength-decay curve for a chunk.
type DecayFunction string

const (
	DecayExponential DecayFunction = "exponential"
	DecayLinear      DecayFunction = "linear"
	DecayPowerLaw    DecayFunction = "power_law"
	DecayNone        DecayFunction = "none"
)

// Valid returns true if the decay function is a known value.
func (d DecayFunction) Valid() bool {
	switch d {
	case DecayExponential, DecayLinear, DecayPowerLaw, DecayNone:
		return true
	}
	return false
}

// Status is the lifecycle tier of a chunk. Tiers are ordered hottest to
// coldest: active > warm > cool > cold > archived > tombstone.
type Status string

const (
	StatusActive    Status = "active"
	StatusWarm      Status = "warm"
	StatusCool      Status = "cool"
	StatusCold      Status = "cold"
	StatusArchived  Status = "archived"
	StatusTombstone Status = "tombstone"
)

// statusRank orders tiers hottest-first for demotion comparisons.
var statusRank = map[Status]int{
	StatusActive:    0,
	StatusWarm:      1,
	StatusCool:      2,
	StatusCold:      3,
	StatusArchived:  4,
	StatusTombstone: 5,
}

// Rank returns the ordinal tier position (0 = active). Unknown statuses
// rank below tombstone.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return len(statusRank)
}

// Colder returns the colder of the two statuses.
func (s Status) Colder(other Status) Status {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// LearningContext is the snapshot of the agent's situation captured when a
// chunk is created. Compared against the query-time RetrievalContext to
// drive context-match boosts.
type LearningContext struct {
	Tick          Tick     `json:"tick"`
	TaskID        string   `json:"task_id,omitempty"`
	GoalID        string   `json:"goal_id,omitempty"`
	Phase         string   `json:"phase,omitempty"`
	SkillArea     string   `json:"skill_area,omitempty"`
	QueryContext  string   `json:"query_context,omitempty"`
	RelatedChunks []string `json:"related_chunks,omitempty"`
}

// Chunk is an atomic, embedded knowledge fragment with classification,
// strength dynamics, and lifecycle state.
type Chunk struct {
	ID        string
	ProjectID string
	Payload   string
	Embedding []float32

	Kind       Kind
	Confidence Confidence
	Source     Source
	Tags       []string

	// Polarity is a caller-supplied truth direction for contradiction
	// detection: +1, -1, or 0 when unknown.
	Polarity int

	TickCreated      Tick
	TickLastAccessed *Tick
	TickLastUseful   *Tick
	TickTombstoned   *Tick

	InitialStrength  float64
	CurrentStrength  float64
	DecayFunction    DecayFunction
	DecayRate        float64
	PersistenceScore float64
	AccessCount      int64
	SuccessfulUses   int64

	Status         Status
	Pinned         bool
	SupersededBy   string
	ValidUntilTick *Tick

	ContentHash string
	Learning    LearningContext
}

// LastSignalTick returns the most recent of created / last-accessed /
// last-useful, the reference point for decay elapsed time.
func (c *Chunk) LastSignalTick() Tick {
	t := c.TickCreated
	if c.TickLastAccessed != nil && *c.TickLastAccessed > t {
		t = *c.TickLastAccessed
	}
	if c.TickLastUseful != nil && *c.TickLastUseful > t {
		t = *c.TickLastUseful
	}
	return t
}

// RelType is the typed semantics of a directed relationship edge.
type RelType string

const (
	RelSupports    RelType = "supports"
	RelContradicts RelType = "contradicts"
	RelBuildsOn    RelType = "builds_on"
	RelReplaces    RelType = "replaces"
	RelRequires    RelType = "requires"
	RelRelatedTo   RelType = "related_to"
	RelCausedBy    RelType = "caused_by"
	RelDependsOn   RelType = "depends_on"
	RelExampleOf   RelType = "example_of"
	RelPartOf      RelType = "part_of"
	RelDerivedFrom RelType = "derived_from"
	RelPrecedes    RelType = "precedes"
)

// AllRelTypes lists every valid relationship type.
func AllRelTypes() []RelType {
	return []RelType{
		RelSupports, RelContradicts, RelBuildsOn, RelReplaces,
		RelRequires, RelRelatedTo, RelCausedBy, RelDependsOn,
		RelExampleOf, RelPartOf, RelDerivedFrom, RelPrecedes,
	}
}

// Valid returns true if the relationship type is a known value.
func (rt RelType) Valid() bool {
	for _, t := range AllRelTypes() {
		if rt == t {
			return true
		}
	}
	return false
}

// Origin records how a relationship edge came to exist.
type Origin string

const (
	OriginExplicit Origin = "explicit"
	OriginImplicit Origin = "implicit"
	OriginInferred Origin = "inferred"
	OriginAuto     Origin = "auto"
)

// Valid returns true if the origin is a known value.
func (o Origin) Valid() bool {
	switch o {
	case OriginExplicit, OriginImplicit, OriginInferred, OriginAuto:
		return true
	}
	return false
}

// Relationship is a directed typed edge between two chunks. At most one
// edge exists per (from, to, type).
type Relationship struct {
	FromID          string
	ToID            string
	Type            RelType
	Origin          Origin
	Weight          float64
	ActivationCount int64
	LastActivated   Tick
	ContextTags     []string
}

// CoRetrievalPair is the counter for an unordered chunk pair that keeps
// appearing in the same retrieval results. Promoted to an implicit
// related_to edge at a configured threshold. A < B always holds.
type CoRetrievalPair struct {
	A        string
	B        string
	Hits     int64
	LastTick Tick
}

// PairKey normalizes an unordered chunk pair so {a,b} and {b,a} hit the
// same counter row.
func PairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// ArchiveRecord is the snapshot written when a cold chunk is archived.
// Serialized as-is by the archive export.
type ArchiveRecord struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	Summary       string          `json:"summary"`
	ContentHash   string          `json:"content_hash"`
	Kind          Kind            `json:"kind"`
	Tags          []string        `json:"tags,omitempty"`
	Learning      LearningContext `json:"learning_context"`
	TickCreated   Tick            `json:"tick_created"`
	TickArchived  Tick            `json:"tick_archived"`
	FinalStrength float64         `json:"final_strength"`
}

// Contradiction is a persisted record of two highly similar chunks with
// opposite polarity.
type Contradiction struct {
	ID         string
	ProjectID  string
	ChunkA     string
	ChunkB     string
	Confidence float64
	Tick       Tick
}

// Project carries the per-project logical clock and maintenance cursors.
type Project struct {
	ID                    string
	CurrentTick           Tick
	LastDecayTick         Tick
	LastConsolidationTick Tick
	Dimensions            int
}

// ScanFilter narrows a bulk project scan.
type ScanFilter struct {
	Statuses    []Status
	Kinds       []Kind
	Tags        []string // chunk must carry every listed tag
	MinStrength float64
	PinnedOnly  bool
	Limit       int
}

// ProjectStats summarizes a project for the stats surface.
type ProjectStats struct {
	ChunkCount        int
	ByStatus          map[Status]int
	ByKind            map[Kind]int
	RelationshipCount int
	CoRetrievalPairs  int
	ArchiveCount      int
	CurrentTick       Tick
	LastDecayTick     Tick
	LastConsolidation Tick
	Dimensions        int
	DBSizeBytes       int64
}

// VectorHit is a single vector index search result.
type VectorHit struct {
	ChunkID string
	Cosine  float64
}

// VectorIndex is the in-memory per-project cosine index. Implementations
// must reject zero-norm vectors and mismatched dimensions.
type VectorIndex interface {
	Add(projectID, chunkID string, vec []float32) error
	Remove(projectID, chunkID string)
	Search(projectID string, query []float32, k int, minSimilarity float64) ([]VectorHit, error)
	Similarity(projectID, aID, bID string) (float64, bool)
	Vector(projectID, chunkID string) ([]float32, bool)
	Count(projectID string) int
}

// KeywordHit is a single keyword index search result.
type KeywordHit struct {
	ChunkID string
	Score   float64
}

// KeywordIndex provides lexical search over chunk payloads. Scores are
// raw BM25; callers normalize before fusion.
type KeywordIndex interface {
	Index(ctx context.Context, projectID, chunkID, payload string) error
	Delete(ctx context.Context, chunkIDs []string) error
	Search(ctx context.Context, projectID, query string, limit int) ([]KeywordHit, error)
}

// DimensionError reports an embedding whose length does not match the
// project dimension.
type DimensionError struct {
	Expected int
	Got      int
}

func (e DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
