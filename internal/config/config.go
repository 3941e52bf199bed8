// Package config loads and validates mathmotion configuration.
// Configuration is YAML on disk with sane defaults; secrets come from
// the environment so they never land in a config file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mathmotion configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration (code generation and light answers)
	LLM LLMConfig `yaml:"llm"`

	// Vision configuration (OCR of problem photos)
	Vision VisionConfig `yaml:"vision"`

	// Scene code generation
	Generator GeneratorConfig `yaml:"generator"`

	// Static validation of generated scene code
	Validator ValidatorConfig `yaml:"validator"`

	// External render engine
	Render RenderConfig `yaml:"render"`

	// Artifact lifecycle
	Artifacts ArtifactsConfig `yaml:"artifacts"`

	// Pipeline behavior
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Request mode classification
	Classifier ClassifierConfig `yaml:"classifier"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the text model used for generation and answers.
type LLMConfig struct {
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// VisionConfig configures the multimodal model used for OCR.
type VisionConfig struct {
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// GeneratorConfig configures scene code generation.
type GeneratorConfig struct {
	// Soft ceiling passed to the model; the validator enforces the hard one.
	TargetLines int `yaml:"target_lines"`
}

// ValidatorConfig configures static validation.
type ValidatorConfig struct {
	// Path to the YAML denylist rules file. Empty means built-in rules only.
	RulesPath string `yaml:"rules_path"`

	// Reload the rules file when it changes on disk.
	WatchRules bool `yaml:"watch_rules"`

	// Hard ceiling on generated scene code length.
	MaxLines int `yaml:"max_lines"`

	// Name the scene class must carry.
	SceneClass string `yaml:"scene_class"`
}

// RenderConfig configures the external render engine.
type RenderConfig struct {
	// Render binary, e.g. "manimgl".
	Binary string `yaml:"binary"`

	// low, medium, or high. Empty means the engine default.
	Quality string `yaml:"quality"`

	// Extra arguments appended to every invocation.
	ExtraArgs []string `yaml:"extra_args"`

	// Per-attempt wall clock limit.
	Timeout string `yaml:"timeout"`

	// Parent directory for per-attempt working directories.
	WorkDir string `yaml:"work_dir"`

	// Upper bound on simultaneous render processes.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// ArtifactsConfig configures the artifact store.
type ArtifactsConfig struct {
	Dir          string `yaml:"dir"`
	DatabasePath string `yaml:"database_path"`
	BaseURL      string `yaml:"base_url"`
	MaxAge       string `yaml:"max_age"`
}

// PipelineConfig configures the generation-render loop.
type PipelineConfig struct {
	// Shared budget across generation, validation and render attempts.
	MaxAttempts int `yaml:"max_attempts"`

	// Reject extracted text below this math-content confidence.
	MinMathConfidence float64 `yaml:"min_math_confidence"`
}

// ClassifierConfig configures auto-mode intent classification.
// Keyword sets are matched case-insensitively against the request text.
type ClassifierConfig struct {
	AnimateKeywords []string `yaml:"animate_keywords"`
	ExplainKeywords []string `yaml:"explain_keywords"`
	AnswerKeywords  []string `yaml:"answer_keywords"`
	GraphKeywords   []string `yaml:"graph_keywords"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mathmotion",
		Version: "0.3.0",

		LLM: LLMConfig{
			Model:      "gemini-2.0-flash",
			Timeout:    "120s",
			MaxRetries: 3,
		},

		Vision: VisionConfig{
			Model:   "gemini-2.0-flash",
			Timeout: "60s",
		},

		Generator: GeneratorConfig{
			TargetLines: 65,
		},

		Validator: ValidatorConfig{
			MaxLines:   120,
			SceneClass: "MathAnimation",
		},

		Render: RenderConfig{
			Binary:        "manimgl",
			Quality:       "low",
			Timeout:       "300s",
			WorkDir:       os.TempDir(),
			MaxConcurrent: 2,
		},

		Artifacts: ArtifactsConfig{
			Dir:          "data/videos",
			DatabasePath: "data/artifacts.db",
			BaseURL:      "/videos",
			MaxAge:       "24h",
		},

		Pipeline: PipelineConfig{
			MaxAttempts:       3,
			MinMathConfidence: 0.05,
		},

		Classifier: ClassifierConfig{
			AnimateKeywords: []string{
				"animate", "animation", "video", "draw", "visualize", "show me", "motion",
			},
			ExplainKeywords: []string{
				"explain", "why", "how does", "what is", "understand", "walk me through",
			},
			AnswerKeywords: []string{
				"solve", "calculate", "compute", "answer", "result", "evaluate",
			},
			GraphKeywords: []string{
				"graph", "plot", "draw", "function", "parabola", "curve",
				"y=", "y =", "f(x)", "sin", "cos", "tan", "x^2", "x²",
			},
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, layered over defaults.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// API key never lives in the file.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be positive, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Render.MaxConcurrent <= 0 {
		return fmt.Errorf("render.max_concurrent must be positive, got %d", c.Render.MaxConcurrent)
	}
	if c.Validator.MaxLines <= 0 {
		return fmt.Errorf("validator.max_lines must be positive, got %d", c.Validator.MaxLines)
	}
	if c.Validator.SceneClass == "" {
		return fmt.Errorf("validator.scene_class must not be empty")
	}
	switch c.Render.Quality {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("render.quality must be low, medium or high, got %q", c.Render.Quality)
	}
	if _, err := c.RenderTimeout(); err != nil {
		return err
	}
	if _, err := c.ArtifactMaxAge(); err != nil {
		return err
	}
	return nil
}

// RenderTimeout parses the render timeout, defaulting to 5 minutes.
func (c *Config) RenderTimeout() (time.Duration, error) {
	return parseDuration(c.Render.Timeout, 5*time.Minute, "render.timeout")
}

// LLMTimeout parses the LLM call timeout, defaulting to 2 minutes.
func (c *Config) LLMTimeout() (time.Duration, error) {
	return parseDuration(c.LLM.Timeout, 2*time.Minute, "llm.timeout")
}

// ArtifactMaxAge parses the artifact retention window, defaulting to 24h.
func (c *Config) ArtifactMaxAge() (time.Duration, error) {
	return parseDuration(c.Artifacts.MaxAge, 24*time.Hour, "artifacts.max_age")
}

func parseDuration(s string, def time.Duration, field string) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, s)
	}
	return d, nil
}
