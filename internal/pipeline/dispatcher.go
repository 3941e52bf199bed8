package pipeline

import (
	"strings"

	"mathmotion/internal/config"
)

// Mode selects how a request is served.
type Mode string

const (
	ModeAuto    Mode = "auto"    // Classify the request text
	ModeExplain Mode = "explain" // Step-by-step walkthrough, no render
	ModeAnswer  Mode = "answer"  // Direct answer, no render
	ModeAnimate Mode = "animate" // Full generation-render pipeline
)

// Request is a user-facing generation request.
type Request struct {
	MathText string
	Extra    string
	Mode     Mode
}

// Decision is the dispatcher verdict for a request.
type Decision struct {
	Mode       Mode // Resolved mode, never auto
	Heavy      bool // True when the render pipeline runs
	Confidence float64
	WantsGraph bool
}

// Classifier resolves auto mode from keyword trigger sets. All matching is
// case-insensitive substring matching; the sets ship as config so they can
// be tuned without a release.
type Classifier struct {
	animate []string
	explain []string
	answer  []string
	graph   []string
}

// NewClassifier builds a classifier from config, falling back to the
// defaults for any empty set.
func NewClassifier(cfg config.ClassifierConfig) *Classifier {
	def := config.DefaultConfig().Classifier
	return &Classifier{
		animate: lowerAll(orDefault(cfg.AnimateKeywords, def.AnimateKeywords)),
		explain: lowerAll(orDefault(cfg.ExplainKeywords, def.ExplainKeywords)),
		answer:  lowerAll(orDefault(cfg.AnswerKeywords, def.AnswerKeywords)),
		graph:   lowerAll(orDefault(cfg.GraphKeywords, def.GraphKeywords)),
	}
}

// Dispatch resolves a request to a decision. Pure; no model calls, no IO.
// Empty input is rejected here so nothing downstream sees it.
func (c *Classifier) Dispatch(req Request) (Decision, error) {
	text := strings.TrimSpace(req.MathText)
	if text == "" {
		return Decision{}, NewError(KindInvalidInput, "request text is empty")
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeAuto
	}

	var decision Decision
	switch mode {
	case ModeAnimate:
		decision = Decision{Mode: ModeAnimate, Heavy: true, Confidence: 1.0}
	case ModeExplain:
		decision = Decision{Mode: ModeExplain, Confidence: 1.0}
	case ModeAnswer:
		decision = Decision{Mode: ModeAnswer, Confidence: 1.0}
	case ModeAuto:
		decision = c.classify(text)
	default:
		return Decision{}, NewError(KindInvalidInput, "unknown mode "+string(mode))
	}

	decision.WantsGraph = c.wantsGraph(text)
	return decision, nil
}

// classify scores the trigger sets. Animation only wins on a strict
// majority of hits; any tie falls to the light path, which is cheap to be
// wrong about.
func (c *Classifier) classify(text string) Decision {
	lower := strings.ToLower(text)

	animateHits := countHits(lower, c.animate)
	explainHits := countHits(lower, c.explain)
	answerHits := countHits(lower, c.answer)

	if animateHits > 0 && animateHits > explainHits && animateHits > answerHits {
		return Decision{Mode: ModeAnimate, Heavy: true, Confidence: 0.9}
	}
	if explainHits > 0 && explainHits > answerHits {
		return Decision{Mode: ModeExplain, Confidence: 0.8}
	}
	if answerHits > 0 {
		return Decision{Mode: ModeAnswer, Confidence: 0.8}
	}
	return Decision{Mode: ModeAnswer, Confidence: 0.6}
}

// wantsGraph reports whether the problem likely involves a plot.
func (c *Classifier) wantsGraph(text string) bool {
	return countHits(strings.ToLower(text), c.graph) > 0
}

func countHits(lower string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
