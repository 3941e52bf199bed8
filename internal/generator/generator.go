// Package generator turns math problems into render-engine scene code
// via the LLM, and repairs code the validator or renderer rejected.
package generator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"mathmotion/internal/config"
	"mathmotion/internal/logging"
	"mathmotion/internal/perception"
)

// Generator produces and repairs scene code.
type Generator struct {
	client      perception.LLMClient
	targetLines int
}

// New creates a Generator backed by the given model client.
func New(client perception.LLMClient, cfg config.GeneratorConfig) *Generator {
	target := cfg.TargetLines
	if target <= 0 {
		target = 65
	}
	return &Generator{
		client:      client,
		targetLines: target,
	}
}

// Generate produces scene code for a math problem. extra carries optional
// caller context (difficulty, audience); withGraph asks for a coordinate
// plane when the problem calls for one.
func (g *Generator) Generate(ctx context.Context, mathText, extra string, withGraph bool) (string, error) {
	prompt := g.buildScenePrompt(mathText, extra, withGraph)

	raw, err := g.client.CompleteWithSystem(ctx, sceneSystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("scene generation failed: %w", err)
	}

	code, err := extractSceneCode(raw)
	if err != nil {
		return "", err
	}

	code = Sanitize(code)
	logging.Generator("generated scene code: %d lines", lineCount(code))
	return code, nil
}

// Repair asks the model to fix previously rejected code. The diagnostic is
// passed through verbatim so the model sees exactly what the validator or
// renderer reported.
func (g *Generator) Repair(ctx context.Context, prevCode, diagnostic string) (string, error) {
	if strings.TrimSpace(prevCode) == "" {
		return "", fmt.Errorf("no previous code to repair")
	}
	prompt := g.buildRepairPrompt(prevCode, diagnostic)

	raw, err := g.client.CompleteWithSystem(ctx, sceneSystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("scene repair failed: %w", err)
	}

	code, err := extractSceneCode(raw)
	if err != nil {
		return "", err
	}

	code = Sanitize(code)
	logging.Generator("repaired scene code: %d lines", lineCount(code))
	return code, nil
}

// Answer returns a direct solution without any animation work.
func (g *Generator) Answer(ctx context.Context, mathText, extra string) (string, error) {
	text, err := g.client.CompleteWithSystem(ctx, answerSystemPrompt, buildLightPrompt(mathText, extra))
	if err != nil {
		return "", fmt.Errorf("answer failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Explain returns a step-by-step walkthrough without any animation work.
func (g *Generator) Explain(ctx context.Context, mathText, extra string) (string, error) {
	text, err := g.client.CompleteWithSystem(ctx, explainSystemPrompt, buildLightPrompt(mathText, extra))
	if err != nil {
		return "", fmt.Errorf("explanation failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}

var (
	fencedPython = regexp.MustCompile("(?s)```(?:python|py)\\s*\\n(.*?)```")
	fencedAny    = regexp.MustCompile("(?s)```\\s*\\n(.*?)```")

	createCall    = regexp.MustCompile(`\bCreate\(`)
	axisLabelArgs = regexp.MustCompile(`get_axis_labels\([^)]*\)`)
)

// extractSceneCode pulls the code block out of a model completion.
// Completions with no code-shaped content are rejected here rather than
// handed to the validator.
func extractSceneCode(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("model returned an empty completion")
	}

	code := raw
	if m := fencedPython.FindStringSubmatch(raw); m != nil {
		code = m[1]
	} else if m := fencedAny.FindStringSubmatch(raw); m != nil {
		code = m[1]
	}
	code = strings.TrimSpace(code)

	if code == "" || !looksLikeCode(code) {
		return "", fmt.Errorf("model returned no usable scene code")
	}
	return code, nil
}

// looksLikeCode is a cheap garble filter. Real structural checks belong
// to the validator.
func looksLikeCode(code string) bool {
	return strings.Contains(code, "class ") ||
		strings.Contains(code, "import ") ||
		strings.Contains(code, "def ")
}

// Sanitize applies deterministic rewrites for constructs the model keeps
// producing but the render engine does not accept.
func Sanitize(code string) string {
	code = createCall.ReplaceAllString(code, "ShowCreation(")
	code = strings.ReplaceAll(code, "GRAY", "GREY")
	code = axisLabelArgs.ReplaceAllString(code, "get_axis_labels()")
	return code
}

func lineCount(code string) int {
	return strings.Count(code, "\n") + 1
}
