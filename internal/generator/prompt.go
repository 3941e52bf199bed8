package generator

import (
	"fmt"
	"strings"
)

const sceneSystemPrompt = `You are an expert at writing ManimGL scene code.
You write short, correct Python that renders on the first try.
Respond with a single python code block and nothing else.`

const answerSystemPrompt = `You are a precise math tutor.
Give the final answer first, then at most three lines of justification.`

const explainSystemPrompt = `You are a patient math tutor.
Explain the solution step by step in plain language. Number the steps.`

// buildScenePrompt assembles the generation prompt. The constraints here
// mirror what the validator enforces so the model rarely needs a repair
// round.
func (g *Generator) buildScenePrompt(mathText, extra string, withGraph bool) string {
	var b strings.Builder

	b.WriteString("Write a ManimGL animation for this math problem:\n\n")
	b.WriteString(mathText)
	b.WriteString("\n\n")
	if extra != "" {
		b.WriteString("Additional context: ")
		b.WriteString(extra)
		b.WriteString("\n\n")
	}

	b.WriteString("Requirements:\n")
	b.WriteString("- Start with: from manimlib import *\n")
	b.WriteString("- Define exactly one class MathAnimation(Scene) with a construct(self) method\n")
	fmt.Fprintf(&b, "- Keep the whole script under %d lines\n", g.targetLines)
	b.WriteString("- Use ShowCreation, never Create\n")
	b.WriteString("- Use GREY, never GRAY\n")
	b.WriteString("- Call get_axis_labels() with no arguments\n")
	b.WriteString("- Use TexText for any non-ASCII text\n")

	if withGraph {
		b.WriteString("\nThe problem involves a function or curve. ")
		b.WriteString("Build an Axes object, plot the relevant function on it, ")
		b.WriteString("and animate the plot being drawn.\n")
	}

	return b.String()
}

// buildRepairPrompt embeds the failing code and the diagnostic verbatim.
// Only the latest diagnostic is sent; history does not help convergence
// and blows up the prompt.
func (g *Generator) buildRepairPrompt(prevCode, diagnostic string) string {
	var b strings.Builder

	b.WriteString("This ManimGL script failed. Fix it.\n\n")
	b.WriteString("Script:\n```python\n")
	b.WriteString(prevCode)
	b.WriteString("\n```\n\n")
	b.WriteString("Failure:\n")
	b.WriteString(diagnostic)
	b.WriteString("\n\n")
	b.WriteString("Return the complete corrected script as a single python code block. ")
	fmt.Fprintf(&b, "Keep it under %d lines and keep the class name MathAnimation.\n", g.targetLines)

	return b.String()
}

func buildLightPrompt(mathText, extra string) string {
	if extra == "" {
		return mathText
	}
	return mathText + "\n\nContext: " + extra
}
