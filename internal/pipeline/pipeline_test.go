package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"mathmotion/internal/artifacts"
	"mathmotion/internal/config"
	"mathmotion/internal/render"
	"mathmotion/internal/validator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go.opencensus.io starts this worker in package init; it is a
		// background goroutine of a transitive dependency, not a leak in
		// the code under test.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// =============================================================================
// MOCKS
// =============================================================================

type MockGenerator struct {
	GenerateFunc func(ctx context.Context, mathText, extra string, withGraph bool) (string, error)
	RepairFunc   func(ctx context.Context, prevCode, diagnostic string) (string, error)
	AnswerFunc   func(ctx context.Context, mathText, extra string) (string, error)
	ExplainFunc  func(ctx context.Context, mathText, extra string) (string, error)

	GenerateCalls int
	RepairCalls   int
}

func (m *MockGenerator) Generate(ctx context.Context, mathText, extra string, withGraph bool) (string, error) {
	m.GenerateCalls++
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, mathText, extra, withGraph)
	}
	return "from manimlib import *\nclass MathAnimation(Scene):\n    def construct(self):\n        pass", nil
}

func (m *MockGenerator) Repair(ctx context.Context, prevCode, diagnostic string) (string, error) {
	m.RepairCalls++
	if m.RepairFunc != nil {
		return m.RepairFunc(ctx, prevCode, diagnostic)
	}
	return prevCode, nil
}

func (m *MockGenerator) Answer(ctx context.Context, mathText, extra string) (string, error) {
	if m.AnswerFunc != nil {
		return m.AnswerFunc(ctx, mathText, extra)
	}
	return "42", nil
}

func (m *MockGenerator) Explain(ctx context.Context, mathText, extra string) (string, error) {
	if m.ExplainFunc != nil {
		return m.ExplainFunc(ctx, mathText, extra)
	}
	return "step 1: think", nil
}

type MockValidator struct {
	ValidateFunc func(code string) *validator.Result
}

func (m *MockValidator) Validate(code string) *validator.Result {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(code)
	}
	return &validator.Result{Valid: true}
}

type MockRenderer struct {
	RenderFunc  func(ctx context.Context, code, sceneClass, sessionID string) (*render.Job, error)
	RenderCalls int
	dir         string
}

func (m *MockRenderer) Render(ctx context.Context, code, sceneClass, sessionID string) (*render.Job, error) {
	m.RenderCalls++
	if m.RenderFunc != nil {
		return m.RenderFunc(ctx, code, sceneClass, sessionID)
	}
	path := filepath.Join(m.dir, fmt.Sprintf("out-%d.mp4", m.RenderCalls))
	if err := os.WriteFile(path, []byte("video"), 0644); err != nil {
		return nil, err
	}
	return &render.Job{Status: render.StatusSucceeded, OutputPath: path}, nil
}

type MockStore struct {
	PutFunc func(srcPath string) (*artifacts.Artifact, error)
}

func (m *MockStore) Put(srcPath string) (*artifacts.Artifact, error) {
	if m.PutFunc != nil {
		return m.PutFunc(srcPath)
	}
	return &artifacts.Artifact{ID: "abc", URL: "/videos/abc.mp4", Size: 5}, nil
}

type MockVision struct {
	ExtractFunc func(ctx context.Context, image []byte, mimeType string) (string, error)
}

func (m *MockVision) ExtractText(ctx context.Context, image []byte, mimeType string) (string, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, image, mimeType)
	}
	return "x^2 + 2x + 1 = 0", nil
}

func newTestPipeline(deps Deps) *Pipeline {
	cfg := config.DefaultConfig()
	return New(deps, cfg)
}

// =============================================================================
// HEAVY PATH
// =============================================================================

func TestHeavyPathFirstAttempt(t *testing.T) {
	gen := &MockGenerator{}
	renderer := &MockRenderer{dir: t.TempDir()}
	p := newTestPipeline(Deps{
		Generator: gen,
		Validator: &MockValidator{},
		Renderer:  renderer,
		Store:     &MockStore{},
	})

	outcome, err := p.Run(context.Background(), Request{MathText: "x^2", Mode: ModeAnimate})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !outcome.Success {
		t.Fatal("expected success")
	}
	if outcome.AttemptsUsed != 1 {
		t.Errorf("AttemptsUsed = %d, want 1", outcome.AttemptsUsed)
	}
	if outcome.Artifact == nil || outcome.Artifact.URL != "/videos/abc.mp4" {
		t.Errorf("unexpected artifact: %+v", outcome.Artifact)
	}
	if gen.RepairCalls != 0 {
		t.Errorf("RepairCalls = %d, want 0", gen.RepairCalls)
	}
	if outcome.FinalCode == "" {
		t.Error("FinalCode should carry the generated code")
	}
}

func TestValidationFailureTriggersRepair(t *testing.T) {
	badResult := &validator.Result{
		Violations: []validator.Violation{
			{Rule: "deprecated-create", Line: 4, Message: "Create is not available in ManimGL; use ShowCreation"},
		},
	}

	var repairDiag string
	gen := &MockGenerator{
		GenerateFunc: func(ctx context.Context, mathText, extra string, withGraph bool) (string, error) {
			return "bad code", nil
		},
		RepairFunc: func(ctx context.Context, prevCode, diagnostic string) (string, error) {
			repairDiag = diagnostic
			return "good code", nil
		},
	}
	val := &MockValidator{
		ValidateFunc: func(code string) *validator.Result {
			if code == "good code" {
				return &validator.Result{Valid: true}
			}
			return badResult
		},
	}
	renderer := &MockRenderer{dir: t.TempDir()}

	p := newTestPipeline(Deps{Generator: gen, Validator: val, Renderer: renderer, Store: &MockStore{}})
	outcome, err := p.Run(context.Background(), Request{MathText: "x^2", Mode: ModeAnimate})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !outcome.Success {
		t.Fatal("expected success after repair")
	}
	if outcome.AttemptsUsed != 2 {
		t.Errorf("AttemptsUsed = %d, want 2", outcome.AttemptsUsed)
	}
	if gen.RepairCalls != 1 {
		t.Errorf("RepairCalls = %d, want 1", gen.RepairCalls)
	}
	if !strings.Contains(repairDiag, "deprecated-create") || !strings.Contains(repairDiag, "line 4") {
		t.Errorf("repair diagnostic missing violation detail: %q", repairDiag)
	}
}

func TestRenderTimeoutConsumesSharedBudget(t *testing.T) {
	timeoutErr := fmt.Errorf("%w after 1s\n--- stderr ---\nstuck on Tex", render.ErrTimeout)
	renderer := &MockRenderer{
		RenderFunc: func(ctx context.Context, code, sceneClass, sessionID string) (*render.Job, error) {
			return &render.Job{Status: render.StatusTimedOut}, timeoutErr
		},
	}
	gen := &MockGenerator{}

	p := newTestPipeline(Deps{Generator: gen, Validator: &MockValidator{}, Renderer: renderer, Store: &MockStore{}})
	outcome, err := p.Run(context.Background(), Request{MathText: "x^2", Mode: ModeAnimate})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if outcome.Success {
		t.Fatal("expected failure")
	}
	if outcome.AttemptsUsed != 3 {
		t.Errorf("AttemptsUsed = %d, want 3", outcome.AttemptsUsed)
	}
	if renderer.RenderCalls != 3 {
		t.Errorf("RenderCalls = %d, want 3: render attempts share the one budget", renderer.RenderCalls)
	}
	if outcome.Err.Kind != KindExhausted {
		t.Errorf("Kind = %s, want %s", outcome.Err.Kind, KindExhausted)
	}
	// The last diagnostic must survive verbatim, stderr included.
	if outcome.Err.Message != timeoutErr.Error() {
		t.Errorf("exhaustion message = %q, want the verbatim diagnostic %q", outcome.Err.Message, timeoutErr.Error())
	}
}

func TestRenderOutputMissingIsRepairable(t *testing.T) {
	calls := 0
	dir := t.TempDir()
	renderer := &MockRenderer{
		RenderFunc: func(ctx context.Context, code, sceneClass, sessionID string) (*render.Job, error) {
			calls++
			if calls == 1 {
				return &render.Job{Status: render.StatusFailed}, render.ErrOutputMissing
			}
			path := filepath.Join(dir, "out.mp4")
			if err := os.WriteFile(path, []byte("video"), 0644); err != nil {
				return nil, err
			}
			return &render.Job{Status: render.StatusSucceeded, OutputPath: path}, nil
		},
	}
	gen := &MockGenerator{}

	p := newTestPipeline(Deps{Generator: gen, Validator: &MockValidator{}, Renderer: renderer, Store: &MockStore{}})
	outcome, err := p.Run(context.Background(), Request{MathText: "x^2", Mode: ModeAnimate})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !outcome.Success || outcome.AttemptsUsed != 2 {
		t.Errorf("success=%v attempts=%d, want success on attempt 2", outcome.Success, outcome.AttemptsUsed)
	}
	if gen.RepairCalls != 1 {
		t.Errorf("RepairCalls = %d, want 1", gen.RepairCalls)
	}
}

func TestGenerationFailureRetriesFresh(t *testing.T) {
	calls := 0
	gen := &MockGenerator{
		GenerateFunc: func(ctx context.Context, mathText, extra string, withGraph bool) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("model returned no usable scene code")
			}
			return "fine", nil
		},
	}
	renderer := &MockRenderer{dir: t.TempDir()}

	p := newTestPipeline(Deps{Generator: gen, Validator: &MockValidator{}, Renderer: renderer, Store: &MockStore{}})
	outcome, err := p.Run(context.Background(), Request{MathText: "x^2", Mode: ModeAnimate})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !outcome.Success || outcome.AttemptsUsed != 2 {
		t.Errorf("success=%v attempts=%d, want success on attempt 2", outcome.Success, outcome.AttemptsUsed)
	}
	// A failed generation leaves nothing to repair; it regenerates.
	if gen.RepairCalls != 0 {
		t.Errorf("RepairCalls = %d, want 0", gen.RepairCalls)
	}
}

func TestExhaustionCarriesPartialResult(t *testing.T) {
	gen := &MockGenerator{
		GenerateFunc: func(ctx context.Context, mathText, extra string, withGraph bool) (string, error) {
			return "always bad", nil
		},
		RepairFunc: func(ctx context.Context, prevCode, diagnostic string) (string, error) {
			return "always bad", nil
		},
	}
	val := &MockValidator{
		ValidateFunc: func(code string) *validator.Result {
			return &validator.Result{Violations: []validator.Violation{
				{Rule: "missing-scene-class", Message: "script must define class MathAnimation(Scene)"},
			}}
		},
	}

	p := newTestPipeline(Deps{Generator: gen, Validator: val, Renderer: &MockRenderer{}, Store: &MockStore{}})
	outcome, err := p.Run(context.Background(), Request{MathText: "x^2", Mode: ModeAnimate})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if outcome.Err.Kind != KindExhausted {
		t.Errorf("Kind = %s, want %s", outcome.Err.Kind, KindExhausted)
	}
	if outcome.FinalCode != "always bad" {
		t.Errorf("FinalCode = %q, partial result should survive failure", outcome.FinalCode)
	}
	if outcome.MathText != "x^2" {
		t.Errorf("MathText = %q, want original problem text", outcome.MathText)
	}
}

// =============================================================================
// LIGHT PATH
// =============================================================================

func TestLightPathNeverRenders(t *testing.T) {
	renderer := &MockRenderer{
		RenderFunc: func(ctx context.Context, code, sceneClass, sessionID string) (*render.Job, error) {
			t.Fatal("light path must not render")
			return nil, nil
		},
	}
	p := newTestPipeline(Deps{Generator: &MockGenerator{}, Validator: &MockValidator{}, Renderer: renderer, Store: &MockStore{}})

	outcome, err := p.Run(context.Background(), Request{MathText: "solve 3x = 9", Mode: ModeAnswer})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !outcome.Success || outcome.Text != "42" {
		t.Errorf("unexpected light outcome: %+v", outcome)
	}

	outcome, err = p.Run(context.Background(), Request{MathText: "explain derivatives", Mode: ModeExplain})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if outcome.Text != "step 1: think" {
		t.Errorf("Text = %q, want explanation", outcome.Text)
	}
}

func TestRunLight(t *testing.T) {
	p := newTestPipeline(Deps{Generator: &MockGenerator{}, Validator: &MockValidator{}})

	text, err := p.RunLight(context.Background(), "2+2", "", ModeAnswer)
	if err != nil {
		t.Fatalf("RunLight error: %v", err)
	}
	if text != "42" {
		t.Errorf("Text = %q, want answer", text)
	}

	if _, err := p.RunLight(context.Background(), "2+2", "", ModeAnimate); KindOf(err) != KindInvalidInput {
		t.Errorf("animate over the light path: kind = %s, want %s", KindOf(err), KindInvalidInput)
	}
	if _, err := p.RunLight(context.Background(), "  ", "", ModeAnswer); KindOf(err) != KindInvalidInput {
		t.Errorf("empty input: kind = %s, want %s", KindOf(err), KindInvalidInput)
	}
}

// =============================================================================
// IMAGE PATH
// =============================================================================

func TestFromImageHappyPath(t *testing.T) {
	renderer := &MockRenderer{dir: t.TempDir()}
	p := newTestPipeline(Deps{
		Generator: &MockGenerator{},
		Validator: &MockValidator{},
		Renderer:  renderer,
		Store:     &MockStore{},
		Vision:    &MockVision{},
	})

	outcome, err := p.RunFromImage(context.Background(), []byte("img"), "image/png", "", ModeAnimate)
	if err != nil {
		t.Fatalf("RunFromImage error: %v", err)
	}
	if !outcome.Success {
		t.Fatal("expected success")
	}
	if outcome.MathText != "x^2 + 2x + 1 = 0" {
		t.Errorf("MathText = %q, want the extracted text", outcome.MathText)
	}
}

func TestFromImageOCRFailure(t *testing.T) {
	vision := &MockVision{
		ExtractFunc: func(ctx context.Context, image []byte, mimeType string) (string, error) {
			return "", errors.New("blurry")
		},
	}
	p := newTestPipeline(Deps{Generator: &MockGenerator{}, Validator: &MockValidator{}, Vision: vision})

	outcome, err := p.RunFromImage(context.Background(), []byte("img"), "image/png", "", ModeAnimate)
	if err == nil {
		t.Fatal("expected OCR error")
	}
	if outcome.Err.Kind != KindOCR {
		t.Errorf("Kind = %s, want %s", outcome.Err.Kind, KindOCR)
	}
}

func TestFromImageRejectsNonMathText(t *testing.T) {
	vision := &MockVision{
		ExtractFunc: func(ctx context.Context, image []byte, mimeType string) (string, error) {
			return "a grocery list with apples and bananas and some more words here", nil
		},
	}
	p := newTestPipeline(Deps{Generator: &MockGenerator{}, Validator: &MockValidator{}, Vision: vision})

	outcome, err := p.RunFromImage(context.Background(), []byte("img"), "image/png", "", ModeAnimate)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if outcome.Err.Kind != KindInvalidInput {
		t.Errorf("Kind = %s, want %s", outcome.Err.Kind, KindInvalidInput)
	}
	// The extracted text still comes back so the caller can show it.
	if outcome.MathText == "" {
		t.Error("MathText should carry the extracted text on rejection")
	}
}

func TestFromImageEmptyImage(t *testing.T) {
	p := newTestPipeline(Deps{Generator: &MockGenerator{}, Validator: &MockValidator{}, Vision: &MockVision{}})

	_, err := p.RunFromImage(context.Background(), nil, "image/png", "", ModeAnimate)
	if KindOf(err) != KindInvalidInput {
		t.Errorf("kind = %s, want %s", KindOf(err), KindInvalidInput)
	}
}
