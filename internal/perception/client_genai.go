package perception

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"mathmotion/internal/logging"
)

// GeminiClient implements LLMClient and VisionClient using the Google
// GenAI SDK. A single client serves both text completion and OCR; the
// vision model may differ from the text model.
type GeminiClient struct {
	client      *genai.Client
	model       string
	visionModel string
	maxRetries  int

	mu          sync.Mutex
	lastRequest time.Time
}

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey      string
	Model       string
	VisionModel string
	MaxRetries  int
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:      apiKey,
		Model:       "gemini-2.0-flash",
		VisionModel: "gemini-2.0-flash",
		MaxRetries:  3,
	}
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		maxRetries:  cfg.MaxRetries,
	}, nil
}

// Complete sends a prompt and returns the completion.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system instruction.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	c.throttle()

	var genCfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		genCfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}

	return c.generate(ctx, c.model, contents, genCfg)
}

// ExtractText runs OCR over an image and returns the transcribed text.
func (c *GeminiClient) ExtractText(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("empty image")
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	c.throttle()

	parts := []*genai.Part{
		genai.NewPartFromBytes(image, mimeType),
		genai.NewPartFromText(
			"Transcribe every piece of math content in this image as plain text. " +
				"Write formulas in standard notation (x^2, sqrt, pi). " +
				"Return only the transcription, no commentary."),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	logging.Vision("OCR request: %d bytes, %s", len(image), mimeType)
	return c.generate(ctx, c.visionModel, contents, nil)
}

// generate calls the model with retries and exponential backoff.
func (c *GeminiClient) generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	var lastErr error

	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s, 4s
			delay := time.Duration(1<<uint(i-1)) * time.Second
			logging.LLMWarn("retry %d/%d after %v: %v", i, c.maxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
		if err != nil {
			lastErr = fmt.Errorf("GenAI request failed: %w", err)
			if ctx.Err() != nil {
				return "", lastErr
			}
			continue
		}

		text := strings.TrimSpace(resp.Text())
		if text == "" {
			lastErr = fmt.Errorf("no completion returned")
			continue
		}

		logging.LLMDebug("%s completed in %v (%d chars)", model, time.Since(start), len(text))
		return text, nil
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// throttle enforces a minimum gap between requests.
func (c *GeminiClient) throttle() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 600*time.Millisecond {
		time.Sleep(600*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}
