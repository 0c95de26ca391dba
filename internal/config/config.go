package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds all kioku configuration. It is loaded from a JSON document;
// missing keys keep their defaults and unknown keys are ignored.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Retention   RetentionConfig   `json:"retention"`
	Levels      LevelsConfig      `json:"levels"`
	Recall      RecallConfig      `json:"recall"`
	Resonance   ResonanceConfig   `json:"resonance"`
	Compression CompressionConfig `json:"compression"`
	Relations   RelationsConfig   `json:"relations"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	Archive     ArchiveConfig     `json:"archive"`
	Protection  ProtectionConfig  `json:"protection"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	LLM         LLMConfig         `json:"llm"`
}

type ServerConfig struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

// DecayRange is the [min, max] decay coefficient span for one category.
type DecayRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type RetentionConfig struct {
	DecayByCategory     map[string]DecayRange `json:"decay_by_category"`
	MaxDecayCoefficient float64               `json:"max_decay_coefficient"`
}

type LevelsConfig struct {
	Level1Threshold float64 `json:"level1_threshold"`
	Level2Threshold float64 `json:"level2_threshold"`
	Level3Threshold float64 `json:"level3_threshold"`
}

type RecallConfig struct {
	DecayCoefficientBoost float64 `json:"decay_coefficient_boost"`
	MemoryDaysReduction   float64 `json:"memory_days_reduction"`
	RecallCountWeight     float64 `json:"recall_count_weight"`
}

type ResonanceConfig struct {
	ValenceMatchBonus     float64 `json:"valence_match_bonus"`
	ArousalProximityBonus float64 `json:"arousal_proximity_bonus"`
	TagsOverlapWeight     float64 `json:"tags_overlap_weight"`
	PriorityWeightAlpha   float64 `json:"priority_weight_alpha"`
}

type CompressionConfig struct {
	ScheduleHour  int `json:"schedule_hour"`
	IntervalHours int `json:"interval_hours"`
}

type RelationsConfig struct {
	ScoreProximityThreshold     float64 `json:"score_proximity_threshold"`
	AutoLinkSimilarityThreshold float64 `json:"auto_link_similarity_threshold"`
	MaxRelationsPerMemory       int     `json:"max_relations_per_memory"`
	RelationTraversalDepth      int     `json:"relation_traversal_depth"`
	EnableAutoLinking           bool    `json:"enable_auto_linking"`
}

type RetrievalConfig struct {
	TopK               int     `json:"top_k"`
	RelevanceThreshold float64 `json:"relevance_threshold"`
}

type ArchiveConfig struct {
	EnableArchiveRecall     bool    `json:"enable_archive_recall"`
	RevivalDecayPerDay      float64 `json:"revival_decay_per_day"`
	RevivalMinMargin        float64 `json:"revival_min_margin"`
	RevivalMaxLevel3Ratio   float64 `json:"revival_max_level3_ratio"`
	AutoDeleteEnabled       bool    `json:"auto_delete_enabled"`
	RetentionDays           int     `json:"retention_days"`
	DeleteRequireZeroRecall bool    `json:"delete_require_zero_recall"`
	DeleteMaxIntensity      int     `json:"delete_max_intensity"`
	DeleteConditionMode     string  `json:"delete_condition_mode"`
}

type ProtectionConfig struct {
	MaxProtectedMemories int `json:"max_protected_memories"`
}

type EmbeddingConfig struct {
	Provider   string `json:"provider"` // "openai" or "ollama"
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	OpenAIKey  string `json:"openai_key"`
	OllamaURL  string `json:"ollama_url"`
}

type LLMConfig struct {
	Provider     string  `json:"provider"` // "anthropic" or "ollama"
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	AnthropicKey string  `json:"anthropic_key"`
	OllamaURL    string  `json:"ollama_url"`
	OllamaModel  string  `json:"ollama_model"`
}

// Forced tier quotas applied by the batch engine. These are part of the
// retention model itself rather than tunables.
const (
	Level1Ratio = 0.15
	Level2Ratio = 0.30
	Level3Ratio = 0.35
)

// Default returns the configuration with every key at its documented default.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37741,
		},
		Retention: RetentionConfig{
			DecayByCategory: map[string]DecayRange{
				"casual":    {Min: 0.70, Max: 0.80},
				"work":      {Min: 0.85, Max: 0.92},
				"decision":  {Min: 0.93, Max: 0.97},
				"emotional": {Min: 0.98, Max: 0.999},
			},
			MaxDecayCoefficient: 0.999,
		},
		Levels: LevelsConfig{
			Level1Threshold: 50,
			Level2Threshold: 20,
			Level3Threshold: 5,
		},
		Recall: RecallConfig{
			DecayCoefficientBoost: 0.02,
			MemoryDaysReduction:   0.5,
			RecallCountWeight:     0.1,
		},
		Resonance: ResonanceConfig{
			ValenceMatchBonus:     0.3,
			ArousalProximityBonus: 0.2,
			TagsOverlapWeight:     0.5,
			PriorityWeightAlpha:   0.3,
		},
		Compression: CompressionConfig{
			ScheduleHour:  3,
			IntervalHours: 24,
		},
		Relations: RelationsConfig{
			ScoreProximityThreshold:     5.0,
			AutoLinkSimilarityThreshold: 0.85,
			MaxRelationsPerMemory:       10,
			RelationTraversalDepth:      1,
			EnableAutoLinking:           true,
		},
		Retrieval: RetrievalConfig{
			TopK:               5,
			RelevanceThreshold: 5.0,
		},
		Archive: ArchiveConfig{
			EnableArchiveRecall:     true,
			RevivalDecayPerDay:      0.995,
			RevivalMinMargin:        3.0,
			RevivalMaxLevel3Ratio:   0.35,
			AutoDeleteEnabled:       false,
			RetentionDays:           365,
			DeleteRequireZeroRecall: true,
			DeleteMaxIntensity:      20,
			DeleteConditionMode:     "AND",
		},
		Protection: ProtectionConfig{
			MaxProtectedMemories: 50,
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			OllamaURL:  "http://localhost:11434",
		},
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-3-5-haiku-20241022",
			Temperature: 0,
			MaxTokens:   1024,
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "llama3.2",
		},
	}
}

// Load reads a JSON config file and overlays it on the defaults.
// A missing file yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	for cat, r := range c.Retention.DecayByCategory {
		if r.Min <= 0 || r.Max > 1 || r.Min > r.Max {
			return fmt.Errorf("retention.decay_by_category.%s: invalid range [%v, %v]", cat, r.Min, r.Max)
		}
	}
	if c.Retention.MaxDecayCoefficient <= 0 || c.Retention.MaxDecayCoefficient > 1 {
		return fmt.Errorf("retention.max_decay_coefficient: %v out of (0, 1]", c.Retention.MaxDecayCoefficient)
	}
	if !(c.Levels.Level1Threshold > c.Levels.Level2Threshold && c.Levels.Level2Threshold > c.Levels.Level3Threshold) {
		return fmt.Errorf("levels: thresholds must be strictly descending, got %v/%v/%v",
			c.Levels.Level1Threshold, c.Levels.Level2Threshold, c.Levels.Level3Threshold)
	}
	if c.Compression.ScheduleHour < 0 || c.Compression.ScheduleHour > 23 {
		return fmt.Errorf("compression.schedule_hour: %d out of [0, 23]", c.Compression.ScheduleHour)
	}
	if c.Compression.IntervalHours <= 0 {
		return fmt.Errorf("compression.interval_hours: %d must be positive", c.Compression.IntervalHours)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k: %d must be positive", c.Retrieval.TopK)
	}
	if c.Relations.MaxRelationsPerMemory <= 0 {
		return fmt.Errorf("relations.max_relations_per_memory: %d must be positive", c.Relations.MaxRelationsPerMemory)
	}
	if mode := c.Archive.DeleteConditionMode; mode != "AND" && mode != "OR" {
		return fmt.Errorf("archive.delete_condition_mode: %q must be AND or OR", mode)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions: %d must be positive", c.Embedding.Dimensions)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
