// Package perception wraps the model APIs behind small interfaces so the
// rest of the system never touches an SDK type directly.
package perception

import "context"

// LLMClient defines the interface for text model providers.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// VisionClient extracts text from images of math problems.
type VisionClient interface {
	ExtractText(ctx context.Context, image []byte, mimeType string) (string, error)
}
