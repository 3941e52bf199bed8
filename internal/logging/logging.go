// Package logging provides categorized logging for mathmotion.
// Every subsystem logs through a named zap logger so log lines can be
// filtered per category (pipeline, render, validator, ...).
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and configuration
	CategoryLLM       Category = "llm"       // LLM API calls
	CategoryVision    Category = "vision"    // OCR / image extraction
	CategoryGenerator Category = "generator" // Scene code generation
	CategoryValidator Category = "validator" // Static validation
	CategoryRender    Category = "render"    // External render processes
	CategoryArtifacts Category = "artifacts" // Artifact store operations
	CategoryPipeline  Category = "pipeline"  // Pipeline state machine
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	sugared = make(map[Category]*zap.SugaredLogger)
)

// Initialize builds the process-wide logger. level is one of
// debug/info/warn/error; empty means info. Call once at startup.
func Initialize(level string) error {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "", "info":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	sugared = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the sugared logger for a category. Safe before Initialize;
// a nop logger is returned until the real one is built.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if s, ok := sugared[category]; ok {
		mu.RUnlock()
		return s
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if s, ok := sugared[category]; ok {
		return s
	}
	base := root
	if base == nil {
		base = zap.NewNop()
	}
	s := base.Named(string(category)).Sugar()
	sugared[category] = s
	return s
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Convenience helpers. No-ops until Initialize has run.

func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Infof(format, args...)
}

func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Errorf(format, args...)
}

func LLM(format string, args ...interface{}) {
	Get(CategoryLLM).Infof(format, args...)
}

func LLMDebug(format string, args ...interface{}) {
	Get(CategoryLLM).Debugf(format, args...)
}

func LLMWarn(format string, args ...interface{}) {
	Get(CategoryLLM).Warnf(format, args...)
}

func Vision(format string, args ...interface{}) {
	Get(CategoryVision).Infof(format, args...)
}

func VisionDebug(format string, args ...interface{}) {
	Get(CategoryVision).Debugf(format, args...)
}

func Generator(format string, args ...interface{}) {
	Get(CategoryGenerator).Infof(format, args...)
}

func GeneratorDebug(format string, args ...interface{}) {
	Get(CategoryGenerator).Debugf(format, args...)
}

func Validator(format string, args ...interface{}) {
	Get(CategoryValidator).Infof(format, args...)
}

func ValidatorDebug(format string, args ...interface{}) {
	Get(CategoryValidator).Debugf(format, args...)
}

func Render(format string, args ...interface{}) {
	Get(CategoryRender).Infof(format, args...)
}

func RenderDebug(format string, args ...interface{}) {
	Get(CategoryRender).Debugf(format, args...)
}

func RenderError(format string, args ...interface{}) {
	Get(CategoryRender).Errorf(format, args...)
}

func Artifacts(format string, args ...interface{}) {
	Get(CategoryArtifacts).Infof(format, args...)
}

func ArtifactsDebug(format string, args ...interface{}) {
	Get(CategoryArtifacts).Debugf(format, args...)
}

func Pipeline(format string, args ...interface{}) {
	Get(CategoryPipeline).Infof(format, args...)
}

func PipelineDebug(format string, args ...interface{}) {
	Get(CategoryPipeline).Debugf(format, args...)
}

func PipelineWarn(format string, args ...interface{}) {
	Get(CategoryPipeline).Warnf(format, args...)
}
