// Package config loads and validates the engine configuration from YAML,
// applying defaults to anything the file leaves unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/engramkit/engram/internal/decay"
	"github.com/engramkit/engram/internal/graph"
	"github.com/engramkit/engram/internal/search"
	"github.com/engramkit/engram/internal/store"
)

// Config is the complete engine configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Index       IndexConfig       `yaml:"index"`
	Decay       DecayConfig       `yaml:"decay"`
	Graph       GraphConfig       `yaml:"graph"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StoreConfig locates and tunes the SQLite store.
type StoreConfig struct {
	// Path is the database file. Empty means in-memory.
	Path string `yaml:"path"`
	// BusyTimeoutMS is the lock-contention timeout.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
	// CacheMB is the page cache size.
	CacheMB int `yaml:"cache_mb"`
}

// IndexConfig fixes the embedding dimension.
type IndexConfig struct {
	Dimensions int `yaml:"dimensions"`
}

// DecayConfig tunes strength decay and tier thresholds.
type DecayConfig struct {
	IntervalTicks    int64   `yaml:"interval_ticks"`
	WarmBelow        float64 `yaml:"warm_below"`
	CoolBelow        float64 `yaml:"cool_below"`
	ColdBelow        float64 `yaml:"cold_below"`
	ArchiveBelow     float64 `yaml:"archive_below"`
	StrengthenAmount float64 `yaml:"strengthen_amount"`
	WeakenAmount     float64 `yaml:"weaken_amount"`
}

// GraphConfig tunes the relationship graph and co-retrieval accumulator.
type GraphConfig struct {
	CoRetrievalSimilarity   float64 `yaml:"coretrieval_similarity"`
	PromotionThreshold      int64   `yaml:"promotion_threshold"`
	ImplicitInitialWeight   float64 `yaml:"implicit_initial_weight"`
	StrengthenAmount        float64 `yaml:"strengthen_amount"`
	WeakenAmount            float64 `yaml:"weaken_amount"`
	MaxDepth                int     `yaml:"max_depth"`
	MinWeight               float64 `yaml:"min_weight"`
	ContradictionSimilarity float64 `yaml:"contradiction_similarity"`
}

// RetrievalConfig tunes the retrieval pipeline.
type RetrievalConfig struct {
	CandidateLimit     int     `yaml:"candidate_limit"`
	MinSimilarity      float64 `yaml:"min_similarity"`
	SemanticWeight     float64 `yaml:"semantic_weight"`
	GraphWeight        float64 `yaml:"graph_weight"`
	KeywordWeight      float64 `yaml:"keyword_weight"`
	GoalBoost          float64 `yaml:"goal_boost"`
	PhaseSkillBoost    float64 `yaml:"phase_skill_boost"`
	ReactivationBoost  float64 `yaml:"reactivation_boost"`
	ReactivationWindow int64   `yaml:"reactivation_window"`
	RecencyHalfLife    float64 `yaml:"recency_half_life"`
	VerifiedWeight     float64 `yaml:"verified_weight"`
	InferredWeight     float64 `yaml:"inferred_weight"`
	SpeculativeWeight  float64 `yaml:"speculative_weight"`
}

// MaintenanceConfig tunes consolidation, archival, and compaction.
type MaintenanceConfig struct {
	IntervalTicks          int64   `yaml:"interval_ticks"`
	ConsolidateThreshold   float64 `yaml:"consolidate_threshold"`
	ArchiveAgeTicks        int64   `yaml:"archive_age_ticks"`
	ArchiveWeightThreshold float64 `yaml:"archive_weight_threshold"`
	TombstoneGraceTicks    int64   `yaml:"tombstone_grace_ticks"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	FilePath      string `yaml:"file_path"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
	MaxFiles      int    `yaml:"max_files"`
	WriteToStderr bool   `yaml:"write_to_stderr"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:          "engram.db",
			BusyTimeoutMS: 5000,
			CacheMB:       64,
		},
		Index: IndexConfig{Dimensions: 768},
		Decay: DecayConfig{
			IntervalTicks:    5,
			WarmBelow:        0.75,
			CoolBelow:        0.45,
			ColdBelow:        0.20,
			ArchiveBelow:     0.08,
			StrengthenAmount: 0.15,
			WeakenAmount:     0.2,
		},
		Graph: GraphConfig{
			CoRetrievalSimilarity:   0.55,
			PromotionThreshold:      4,
			ImplicitInitialWeight:   0.4,
			StrengthenAmount:        0.1,
			WeakenAmount:            0.15,
			MaxDepth:                2,
			MinWeight:               0.2,
			ContradictionSimilarity: 0.85,
		},
		Retrieval: RetrievalConfig{
			CandidateLimit:     50,
			MinSimilarity:      0.25,
			SemanticWeight:     0.55,
			GraphWeight:        0.30,
			KeywordWeight:      0.15,
			GoalBoost:          1.30,
			PhaseSkillBoost:    1.15,
			ReactivationBoost:  1.10,
			ReactivationWindow: 20,
			RecencyHalfLife:    30,
			VerifiedWeight:     1.0,
			InferredWeight:     0.8,
			SpeculativeWeight:  0.5,
		},
		Maintenance: MaintenanceConfig{
			IntervalTicks:          10,
			ConsolidateThreshold:   0.92,
			ArchiveAgeTicks:        50,
			ArchiveWeightThreshold: 0.08,
			TombstoneGraceTicks:    20,
		},
		Logging: LoggingConfig{
			Level:         "info",
			MaxSizeMB:     10,
			MaxFiles:      5,
			WriteToStderr: true,
		},
	}
}

// Load reads the YAML file at path, fills unset fields with defaults, and
// applies environment overrides. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGRAM_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ENGRAM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects out-of-range tuning values.
func (c *Config) Validate() error {
	if c.Index.Dimensions <= 0 {
		return fmt.Errorf("index.dimensions must be positive, got %d", c.Index.Dimensions)
	}
	for name, v := range map[string]float64{
		"decay.warm_below":                  c.Decay.WarmBelow,
		"decay.cool_below":                  c.Decay.CoolBelow,
		"decay.cold_below":                  c.Decay.ColdBelow,
		"decay.archive_below":               c.Decay.ArchiveBelow,
		"graph.coretrieval_similarity":      c.Graph.CoRetrievalSimilarity,
		"graph.implicit_initial_weight":     c.Graph.ImplicitInitialWeight,
		"graph.min_weight":                  c.Graph.MinWeight,
		"graph.contradiction_similarity":    c.Graph.ContradictionSimilarity,
		"retrieval.min_similarity":          c.Retrieval.MinSimilarity,
		"maintenance.consolidate_threshold": c.Maintenance.ConsolidateThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if !(c.Decay.WarmBelow > c.Decay.CoolBelow && c.Decay.CoolBelow > c.Decay.ColdBelow && c.Decay.ColdBelow > c.Decay.ArchiveBelow) {
		return fmt.Errorf("decay tier thresholds must be strictly descending")
	}
	if c.Graph.PromotionThreshold <= 0 {
		return fmt.Errorf("graph.promotion_threshold must be positive")
	}
	if c.Retrieval.CandidateLimit <= 0 {
		return fmt.Errorf("retrieval.candidate_limit must be positive")
	}
	if c.Maintenance.TombstoneGraceTicks < 0 {
		return fmt.Errorf("maintenance.tombstone_grace_ticks cannot be negative")
	}
	return nil
}

// DecaySettings converts to the decay package's config.
func (c *Config) DecaySettings() decay.Config {
	return decay.Config{
		Interval:         store.Tick(c.Decay.IntervalTicks),
		WarmBelow:        c.Decay.WarmBelow,
		CoolBelow:        c.Decay.CoolBelow,
		ColdBelow:        c.Decay.ColdBelow,
		ArchiveBelow:     c.Decay.ArchiveBelow,
		StrengthenAmount: c.Decay.StrengthenAmount,
		WeakenAmount:     c.Decay.WeakenAmount,
	}
}

// GraphSettings converts to the graph package's config.
func (c *Config) GraphSettings() graph.Config {
	return graph.Config{
		CoRetrievalSimilarity:   c.Graph.CoRetrievalSimilarity,
		PromotionThreshold:      c.Graph.PromotionThreshold,
		ImplicitInitialWeight:   c.Graph.ImplicitInitialWeight,
		StrengthenAmount:        c.Graph.StrengthenAmount,
		WeakenAmount:            c.Graph.WeakenAmount,
		MaxDepth:                c.Graph.MaxDepth,
		MinWeight:               c.Graph.MinWeight,
		ContradictionSimilarity: c.Graph.ContradictionSimilarity,
	}
}

// RetrievalSettings converts to the search package's config.
func (c *Config) RetrievalSettings() search.Config {
	return search.Config{
		CandidateLimit: c.Retrieval.CandidateLimit,
		MinSimilarity:  c.Retrieval.MinSimilarity,
		Weights: search.Weights{
			Semantic: c.Retrieval.SemanticWeight,
			Graph:    c.Retrieval.GraphWeight,
			Keyword:  c.Retrieval.KeywordWeight,
		},
		GoalBoost:          c.Retrieval.GoalBoost,
		PhaseSkillBoost:    c.Retrieval.PhaseSkillBoost,
		ReactivationBoost:  c.Retrieval.ReactivationBoost,
		ReactivationWindow: store.Tick(c.Retrieval.ReactivationWindow),
		RecencyHalfLife:    c.Retrieval.RecencyHalfLife,
		ConfidenceWeights: map[store.Confidence]float64{
			store.ConfidenceVerified:    c.Retrieval.VerifiedWeight,
			store.ConfidenceInferred:    c.Retrieval.InferredWeight,
			store.ConfidenceSpeculative: c.Retrieval.SpeculativeWeight,
		},
		CutoffStrength:  c.Maintenance.ArchiveWeightThreshold,
		GraphDepth:      c.Graph.MaxDepth,
		GraphMinWeight:  c.Graph.MinWeight,
		ConnectionSeeds: 3,
	}
}

// StoreSettings converts to the store package's config.
func (c *Config) StoreSettings() store.SQLiteConfig {
	return store.SQLiteConfig{
		BusyTimeoutMS: c.Store.BusyTimeoutMS,
		CacheMB:       c.Store.CacheMB,
	}
}
