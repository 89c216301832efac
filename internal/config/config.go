package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/taskpilot/internal/models"
)

// ExecutorConfig controls plan execution
type ExecutorConfig struct {
	// MaxParallelism bounds concurrent steps within a level (0 = number of steps in level)
	MaxParallelism int `yaml:"max_parallelism"`

	// MaxRetries is the number of retries after the first failed attempt
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the first backoff delay; it doubles per attempt
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the backoff delay
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	// StepTimeout bounds a single step attempt (0 = none)
	StepTimeout time.Duration `yaml:"step_timeout"`

	// PlanTimeout bounds the whole plan (0 = none)
	PlanTimeout time.Duration `yaml:"plan_timeout"`

	// DefaultStepLatency is used when a step carries no latency estimate
	DefaultStepLatency time.Duration `yaml:"default_step_latency"`

	// ParallelSpeedupThreshold is the minimum estimated speedup to run a level concurrently
	ParallelSpeedupThreshold float64 `yaml:"parallel_speedup_threshold"`

	// FailFast halts the whole plan on the first failed step
	FailFast bool `yaml:"fail_fast"`

	// AllowPartialSuccess reports success when some steps succeed and none is blocked
	AllowPartialSuccess bool `yaml:"allow_partial_success"`

	// EnsembleSize is the number of invocations for ensemble-routed steps
	EnsembleSize int `yaml:"ensemble_size"`

	// StrictRouting fails steps routed to clarification instead of running them directly
	StrictRouting bool `yaml:"strict_routing"`
}

// MemoryConfig controls episodic and semantic memory
type MemoryConfig struct {
	ShortTermCapacity      int           `yaml:"short_term_capacity"`
	LongTermCapacity       int           `yaml:"long_term_capacity"`
	ConsolidationThreshold float64       `yaml:"consolidation_threshold"`
	ForgettingThreshold    float64       `yaml:"forgetting_threshold"`
	RecencyHalfLife        time.Duration `yaml:"recency_half_life"`

	// ConsolidationInterval triggers consolidation after this much time since the last run
	ConsolidationInterval time.Duration `yaml:"consolidation_interval"`

	// ConsolidationAge is the olderThan cutoff used by automatic consolidation
	ConsolidationAge time.Duration `yaml:"consolidation_age"`

	// Strategy is the default consolidation strategy (compress, abstract, prune, hierarchical)
	Strategy string `yaml:"strategy"`

	RetrievalTopK int     `yaml:"retrieval_top_k"`
	MinSimilarity float64 `yaml:"min_similarity"`
}

// SkillsConfig controls skill extraction and composition
type SkillsConfig struct {
	SkillExtractionThreshold  float64 `yaml:"skill_extraction_threshold"`
	MinStepsForExtraction     int     `yaml:"min_steps_for_extraction"`
	MaxStepsPerSkill          int     `yaml:"max_steps_per_skill"`
	SkillEMAAlpha             float64 `yaml:"skill_ema_alpha"`
	CompositionMinSuccessRate float64 `yaml:"composition_min_success_rate"`
	ChainPenalty              float64 `yaml:"chain_penalty"`
	MatchTopK                 int     `yaml:"match_top_k"`
}

// RouterConfig controls confidence-based routing
type RouterConfig struct {
	// Enabled routes every step through the uncertainty router
	Enabled bool `yaml:"enabled"`

	DirectThreshold     float64 `yaml:"direct_threshold"`
	EnsembleThreshold   float64 `yaml:"ensemble_threshold"`
	DecomposeThreshold  float64 `yaml:"decompose_threshold"`
	ComplexityThreshold float64 `yaml:"complexity_threshold"`

	// MinObservations is the history size below which low confidence gathers context
	MinObservations int `yaml:"min_observations"`
}

// VerifierConfig controls output grading
type VerifierConfig struct {
	Threshold           float64 `yaml:"threshold"`
	DeterministicWeight float64 `yaml:"deterministic_weight"`
	LLMWeight           float64 `yaml:"llm_weight"`
	SymbolicPenalty     float64 `yaml:"symbolic_penalty"`
	CacheSize           int     `yaml:"cache_size"`
}

// SafetyConfig controls the safety guard
type SafetyConfig struct {
	// AllowedLevel is the permission level granted to plan steps
	AllowedLevel models.PermissionLevel `yaml:"allowed_level"`

	MaxTimeoutMs int `yaml:"max_timeout_ms"`
	MaxTokens    int `yaml:"max_tokens"`
	MaxMemoryMB  int `yaml:"max_memory_mb"`

	// DenyPatterns are extra regular expressions rejected in string parameters
	DenyPatterns []string `yaml:"deny_patterns"`

	// Levels pins operations to explicit permission levels
	Levels map[string]models.PermissionLevel `yaml:"levels"`
}

// OrchestratorConfig controls the plan/execute/verify loop
type OrchestratorConfig struct {
	MaxReplans int `yaml:"max_replans"`
}

// LLMConfig selects the text generation backend
type LLMConfig struct {
	// Provider is "ollama" or "openai" (any OpenAI-compatible endpoint)
	Provider string `yaml:"provider"`

	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`

	// RequestsPerSecond rate-limits generator calls (0 = unlimited)
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	Timeout time.Duration `yaml:"timeout"`
}

// EmbeddingConfig selects the vector index
type EmbeddingConfig struct {
	// Enabled uses chromem-go with Ollama embeddings; otherwise keyword similarity is used
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Collection string `yaml:"collection"`
	CacheSize  int    `yaml:"cache_size"`
}

// LearningConfig represents durable storage configuration
type LearningConfig struct {
	// Enabled persists experiences, skills and memory to SQLite
	Enabled bool `yaml:"enabled"`

	// DBPath is the path to the learning database
	DBPath string `yaml:"db_path"`
}

// Config represents taskpilot configuration options
type Config struct {
	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where run logs will be written
	LogDir string `yaml:"log_dir"`

	Executor     ExecutorConfig     `yaml:"executor"`
	Memory       MemoryConfig       `yaml:"memory"`
	Skills       SkillsConfig       `yaml:"skills"`
	Router       RouterConfig       `yaml:"router"`
	Verifier     VerifierConfig     `yaml:"verifier"`
	Safety       SafetyConfig       `yaml:"safety"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	LLM          LLMConfig          `yaml:"llm"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Learning     LearningConfig     `yaml:"learning"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogDir:   ".taskpilot/logs",
		Executor: ExecutorConfig{
			MaxParallelism:           4,
			MaxRetries:               2,
			RetryBaseDelay:           100 * time.Millisecond,
			RetryMaxDelay:            5 * time.Second,
			StepTimeout:              30 * time.Second,
			PlanTimeout:              10 * time.Minute,
			DefaultStepLatency:       time.Second,
			ParallelSpeedupThreshold: 1.5,
			FailFast:                 false,
			AllowPartialSuccess:      false,
			EnsembleSize:             3,
			StrictRouting:            false,
		},
		Memory: MemoryConfig{
			ShortTermCapacity:      100,
			LongTermCapacity:       1000,
			ConsolidationThreshold: 0.6,
			ForgettingThreshold:    0.9,
			RecencyHalfLife:        7 * 24 * time.Hour,
			ConsolidationInterval:  time.Hour,
			ConsolidationAge:       24 * time.Hour,
			Strategy:               string(models.StrategyCompress),
			RetrievalTopK:          5,
			MinSimilarity:          0.1,
		},
		Skills: SkillsConfig{
			SkillExtractionThreshold:  0.8,
			MinStepsForExtraction:     2,
			MaxStepsPerSkill:          10,
			SkillEMAAlpha:             0.2,
			CompositionMinSuccessRate: 0.5,
			ChainPenalty:              0.95,
			MatchTopK:                 3,
		},
		Router: RouterConfig{
			Enabled:             true,
			DirectThreshold:     0.7,
			EnsembleThreshold:   0.5,
			DecomposeThreshold:  0.3,
			ComplexityThreshold: 0.5,
			MinObservations:     5,
		},
		Verifier: VerifierConfig{
			Threshold:           0.8,
			DeterministicWeight: 0.6,
			LLMWeight:           0.4,
			SymbolicPenalty:     0.5,
			CacheSize:           256,
		},
		Safety: SafetyConfig{
			AllowedLevel: models.UserDataWithConfirmation,
			MaxTimeoutMs: 30000,
			MaxTokens:    4096,
			MaxMemoryMB:  512,
		},
		Orchestrator: OrchestratorConfig{
			MaxReplans: 1,
		},
		LLM: LLMConfig{
			Provider:          "ollama",
			Model:             "llama3",
			BaseURL:           "http://localhost:11434",
			Temperature:       0.7,
			RequestsPerSecond: 2,
			Burst:             1,
			Timeout:           2 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			Enabled:    false,
			Model:      "nomic-embed-text",
			BaseURL:    "http://localhost:11434/api",
			Collection: "taskpilot",
			CacheSize:  1024,
		},
		Learning: LearningConfig{
			Enabled: true,
			DBPath:  ".taskpilot/learning/taskpilot.db",
		},
	}
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decoding onto the defaults keeps every key the file does not mention,
	// while keys that are present (even false or zero) override them.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .taskpilot/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ".taskpilot", "config.yaml")
	return LoadConfig(configPath)
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
// This allows CLI flags to take precedence over config file settings
func (c *Config) MergeWithFlags(maxParallelism *int, planTimeout *time.Duration, logDir *string, logLevel *string, model *string, failFast *bool) {
	if maxParallelism != nil {
		c.Executor.MaxParallelism = *maxParallelism
	}
	if planTimeout != nil {
		c.Executor.PlanTimeout = *planTimeout
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if model != nil {
		c.LLM.Model = *model
	}
	if failFast != nil {
		c.Executor.FailFast = *failFast
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	e := c.Executor
	if e.MaxParallelism < 0 {
		return fmt.Errorf("executor.max_parallelism must be >= 0, got %d", e.MaxParallelism)
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries must be >= 0, got %d", e.MaxRetries)
	}
	if e.RetryBaseDelay < 0 || e.RetryMaxDelay < 0 {
		return fmt.Errorf("executor retry delays must be >= 0")
	}
	if e.RetryMaxDelay > 0 && e.RetryBaseDelay > e.RetryMaxDelay {
		return fmt.Errorf("executor.retry_base_delay (%v) exceeds retry_max_delay (%v)", e.RetryBaseDelay, e.RetryMaxDelay)
	}
	if e.StepTimeout < 0 || e.PlanTimeout < 0 {
		return fmt.Errorf("executor timeouts must be >= 0")
	}
	if e.ParallelSpeedupThreshold < 1 {
		return fmt.Errorf("executor.parallel_speedup_threshold must be >= 1, got %.2f", e.ParallelSpeedupThreshold)
	}
	if e.EnsembleSize < 1 {
		return fmt.Errorf("executor.ensemble_size must be >= 1, got %d", e.EnsembleSize)
	}

	m := c.Memory
	if m.ShortTermCapacity <= 0 || m.LongTermCapacity <= 0 {
		return fmt.Errorf("memory capacities must be > 0")
	}
	if err := unitInterval("memory.consolidation_threshold", m.ConsolidationThreshold); err != nil {
		return err
	}
	if err := unitInterval("memory.forgetting_threshold", m.ForgettingThreshold); err != nil {
		return err
	}
	if m.RecencyHalfLife <= 0 {
		return fmt.Errorf("memory.recency_half_life must be > 0, got %v", m.RecencyHalfLife)
	}
	if _, ok := models.ParseConsolidationStrategy(m.Strategy); !ok {
		return fmt.Errorf("invalid memory.strategy %q, must be one of: compress, abstract, prune, hierarchical", m.Strategy)
	}

	s := c.Skills
	if err := unitInterval("skills.skill_extraction_threshold", s.SkillExtractionThreshold); err != nil {
		return err
	}
	if s.MinStepsForExtraction < 1 || s.MaxStepsPerSkill < s.MinStepsForExtraction {
		return fmt.Errorf("skills step bounds invalid: min=%d max=%d", s.MinStepsForExtraction, s.MaxStepsPerSkill)
	}
	if s.SkillEMAAlpha <= 0 || s.SkillEMAAlpha > 1 {
		return fmt.Errorf("skills.skill_ema_alpha must be in (0,1], got %.2f", s.SkillEMAAlpha)
	}
	if err := unitInterval("skills.composition_min_success_rate", s.CompositionMinSuccessRate); err != nil {
		return err
	}
	if err := unitInterval("skills.chain_penalty", s.ChainPenalty); err != nil {
		return err
	}

	r := c.Router
	if !(r.DecomposeThreshold <= r.EnsembleThreshold && r.EnsembleThreshold <= r.DirectThreshold) {
		return fmt.Errorf("router thresholds must satisfy decompose <= ensemble <= direct")
	}

	v := c.Verifier
	if err := unitInterval("verifier.threshold", v.Threshold); err != nil {
		return err
	}
	if v.DeterministicWeight < 0 || v.LLMWeight < 0 || v.DeterministicWeight+v.LLMWeight == 0 {
		return fmt.Errorf("verifier weights must be non-negative and not both zero")
	}

	switch c.LLM.Provider {
	case "ollama", "openai", "none":
	default:
		return fmt.Errorf("invalid llm.provider %q, must be one of: ollama, openai, none", c.LLM.Provider)
	}

	if c.Orchestrator.MaxReplans < 0 {
		return fmt.Errorf("orchestrator.max_replans must be >= 0, got %d", c.Orchestrator.MaxReplans)
	}

	if c.Learning.Enabled && c.Learning.DBPath == "" {
		return fmt.Errorf("learning.db_path cannot be empty when learning is enabled")
	}

	return nil
}

func unitInterval(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0,1], got %.2f", name, v)
	}
	return nil
}
