// Package pipeline chains generation, validation and rendering under a
// single shared attempt budget, and dispatches requests between the light
// answer path and the heavy render path.
package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"mathmotion/internal/artifacts"
	"mathmotion/internal/config"
	"mathmotion/internal/logging"
	"mathmotion/internal/perception"
	"mathmotion/internal/render"
	"mathmotion/internal/validator"
)

// State names a position in the generation-render loop.
type State string

const (
	StateGenerating State = "generating"
	StateValidating State = "validating"
	StateRendering  State = "rendering"
	StateRepairing  State = "repairing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// CodeGenerator produces and repairs scene code and serves the light path.
type CodeGenerator interface {
	Generate(ctx context.Context, mathText, extra string, withGraph bool) (string, error)
	Repair(ctx context.Context, prevCode, diagnostic string) (string, error)
	Answer(ctx context.Context, mathText, extra string) (string, error)
	Explain(ctx context.Context, mathText, extra string) (string, error)
}

// CodeValidator statically checks scene code.
type CodeValidator interface {
	Validate(code string) *validator.Result
}

// Renderer runs the external render engine.
type Renderer interface {
	Render(ctx context.Context, code, sceneClass, sessionID string) (*render.Job, error)
}

// ArtifactStore persists rendered videos.
type ArtifactStore interface {
	Put(srcPath string) (*artifacts.Artifact, error)
}

// Outcome is what a request produced. Partial results are normal: a failed
// run still carries the last code and the extracted math text so the caller
// can show something useful.
type Outcome struct {
	Success      bool
	Mode         Mode
	Text         string // Light path answer or explanation
	MathText     string // Problem text, extracted or echoed
	FinalCode    string // Last scene code produced, if any
	Artifact     *artifacts.Artifact
	Err          *Error
	AttemptsUsed int
}

// Pipeline wires the stages together.
type Pipeline struct {
	gen        CodeGenerator
	val        CodeValidator
	renderer   Renderer
	store      ArtifactStore
	vision     perception.VisionClient
	classifier *Classifier

	maxAttempts   int
	minConfidence float64
	sceneClass    string
}

// Deps carries the pipeline collaborators. Vision may be nil when image
// input is not needed.
type Deps struct {
	Generator CodeGenerator
	Validator CodeValidator
	Renderer  Renderer
	Store     ArtifactStore
	Vision    perception.VisionClient
}

// New creates a Pipeline.
func New(deps Deps, cfg *config.Config) *Pipeline {
	maxAttempts := cfg.Pipeline.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	sceneClass := cfg.Validator.SceneClass
	if sceneClass == "" {
		sceneClass = "MathAnimation"
	}

	return &Pipeline{
		gen:           deps.Generator,
		val:           deps.Validator,
		renderer:      deps.Renderer,
		store:         deps.Store,
		vision:        deps.Vision,
		classifier:    NewClassifier(cfg.Classifier),
		maxAttempts:   maxAttempts,
		minConfidence: cfg.Pipeline.MinMathConfidence,
		sceneClass:    sceneClass,
	}
}

// Run dispatches a request and executes the chosen path.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	decision, err := p.classifier.Dispatch(req)
	if err != nil {
		var pe *Error
		errors.As(err, &pe)
		return &Outcome{Mode: req.Mode, Err: pe}, err
	}

	logging.Pipeline("dispatch: mode=%s heavy=%v confidence=%.2f graph=%v",
		decision.Mode, decision.Heavy, decision.Confidence, decision.WantsGraph)

	if !decision.Heavy {
		return p.runLight(ctx, req.MathText, req.Extra, decision.Mode)
	}
	outcome := p.runHeavy(ctx, req.MathText, req.Extra, decision.WantsGraph)
	if outcome.Err != nil {
		return outcome, outcome.Err
	}
	return outcome, nil
}

// RunFromImage extracts the problem from an image, gates on math content,
// then dispatches like Run. The extracted text rides in the outcome even
// when a later stage fails.
func (p *Pipeline) RunFromImage(ctx context.Context, image []byte, mimeType, extra string, mode Mode) (*Outcome, error) {
	if p.vision == nil {
		err := NewError(KindInternal, "no vision client configured")
		return &Outcome{Mode: mode, Err: err}, err
	}
	if len(image) == 0 {
		err := NewError(KindInvalidInput, "image is empty")
		return &Outcome{Mode: mode, Err: err}, err
	}

	text, err := p.vision.ExtractText(ctx, image, mimeType)
	if err != nil {
		pe := WrapError(KindOCR, "failed to read image", err)
		return &Outcome{Mode: mode, Err: pe}, pe
	}
	text = strings.TrimSpace(text)
	if text == "" {
		pe := NewError(KindOCR, "no text found in image")
		return &Outcome{Mode: mode, Err: pe}, pe
	}

	confidence := MathConfidence(text)
	logging.Pipeline("OCR extracted %d chars, math confidence %.2f", len(text), confidence)
	if confidence < p.minConfidence {
		pe := NewError(KindInvalidInput, "image does not appear to contain math content")
		return &Outcome{Mode: mode, MathText: text, Err: pe}, pe
	}

	return p.Run(ctx, Request{MathText: text, Extra: extra, Mode: mode})
}

// RunLight answers or explains without touching the render stack. Callers
// that never animate can use this and skip building the renderer and store.
func (p *Pipeline) RunLight(ctx context.Context, mathText, extra string, mode Mode) (string, error) {
	if strings.TrimSpace(mathText) == "" {
		return "", NewError(KindInvalidInput, "request text is empty")
	}
	if mode != ModeAnswer && mode != ModeExplain {
		return "", NewError(KindInvalidInput, "light path serves answer and explain only")
	}
	outcome, err := p.runLight(ctx, mathText, extra, mode)
	if err != nil {
		return "", err
	}
	return outcome.Text, nil
}

// runLight answers or explains without touching the render stack.
func (p *Pipeline) runLight(ctx context.Context, mathText, extra string, mode Mode) (*Outcome, error) {
	outcome := &Outcome{Mode: mode, MathText: mathText, AttemptsUsed: 1}

	var text string
	var err error
	switch mode {
	case ModeExplain:
		text, err = p.gen.Explain(ctx, mathText, extra)
	default:
		text, err = p.gen.Answer(ctx, mathText, extra)
	}
	if err != nil {
		outcome.Err = WrapError(KindGeneration, "light path failed", err)
		return outcome, outcome.Err
	}

	outcome.Success = true
	outcome.Text = text
	return outcome, nil
}

// runHeavy is the generation-render state machine. One budget covers every
// stage: a render timeout burns an attempt exactly like a validation
// failure does.
func (p *Pipeline) runHeavy(ctx context.Context, mathText, extra string, wantsGraph bool) *Outcome {
	sessionID := uuid.New().String()[:8]
	outcome := &Outcome{Mode: ModeAnimate, MathText: mathText}

	state := StateGenerating
	var code, lastDiag string

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		outcome.AttemptsUsed = attempt
		logging.Pipeline("session %s attempt %d/%d: %s", sessionID, attempt, p.maxAttempts, state)

		var err error
		switch state {
		case StateRepairing:
			code, err = p.gen.Repair(ctx, code, lastDiag)
		default:
			code, err = p.gen.Generate(ctx, mathText, extra, wantsGraph)
		}
		if err != nil {
			if ctx.Err() != nil {
				outcome.Err = WrapError(KindInternal, "request cancelled", err)
				return outcome
			}
			lastDiag = err.Error()
			// Nothing to repair when generation itself failed.
			state = StateGenerating
			logging.PipelineWarn("session %s generation failed: %v", sessionID, err)
			continue
		}
		outcome.FinalCode = code

		state = StateValidating
		result := p.val.Validate(code)
		if !result.Valid {
			lastDiag = result.Summary()
			state = StateRepairing
			logging.PipelineWarn("session %s validation failed:\n%s", sessionID, lastDiag)
			continue
		}

		state = StateRendering
		job, renderErr := p.renderer.Render(ctx, code, p.sceneClass, sessionID)
		if renderErr != nil {
			if ctx.Err() != nil && !errors.Is(renderErr, render.ErrTimeout) {
				outcome.Err = WrapError(KindInternal, "request cancelled", renderErr)
				return outcome
			}
			lastDiag = renderErr.Error()
			state = StateRepairing
			logging.PipelineWarn("session %s render failed (%s): %v", sessionID, renderKind(renderErr), renderErr)
			continue
		}

		artifact, storeErr := p.store.Put(job.OutputPath)
		if storeErr != nil {
			outcome.Err = WrapError(KindInternal, "failed to store artifact", storeErr)
			return outcome
		}

		outcome.Success = true
		outcome.Artifact = artifact
		logging.Pipeline("session %s succeeded on attempt %d: %s", sessionID, attempt, artifact.URL)
		return outcome
	}

	// Budget exhausted. The last diagnostic goes out untouched; the user
	// needs to see exactly what kept failing.
	outcome.Err = NewError(KindExhausted, lastDiag)
	logging.PipelineWarn("session %s exhausted %d attempts", sessionID, p.maxAttempts)
	return outcome
}

// renderKind maps render failures onto the error taxonomy.
func renderKind(err error) Kind {
	switch {
	case errors.Is(err, render.ErrTimeout):
		return KindRenderTimeout
	case errors.Is(err, render.ErrOutputMissing):
		return KindRenderOutputMissing
	default:
		var pe *render.ProcessError
		if errors.As(err, &pe) {
			return KindRenderProcess
		}
		return KindInternal
	}
}

// mathSymbols are the characters counted toward math-content confidence.
const mathSymbols = "+-*/=^<>%√∫∑∏πθ°±≤≥≠≈()[]{}0123456789"

// MathConfidence estimates how math-like extracted text is: symbol count
// against text length, capped at 1. Twenty characters of prose per math
// symbol is roughly where real problems sit.
func MathConfidence(text string) float64 {
	if text == "" {
		return 0
	}
	count := 0
	for _, r := range text {
		if strings.ContainsRune(mathSymbols, r) {
			count++
		}
	}
	denom := len([]rune(text)) / 20
	if denom < 1 {
		denom = 1
	}
	c := float64(count) / float64(denom)
	if c > 1 {
		return 1
	}
	return c
}
