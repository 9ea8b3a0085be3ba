// Package embedding generates the experience vectors behind VectorRecall.
// Three engines exist: one backed by the model runtime, one backed by Google
// GenAI, and a deterministic fallback used when no engine is reachable.
package embedding

import (
	"context"
	"fmt"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name identifies the engine in logs and experience records.
	Name() string
}

// EmbedFunc adapts a closure (typically runtime.Embed bound to a picked
// backend) into an Engine.
type EmbedFunc struct {
	Fn    func(ctx context.Context, text string) ([]float32, error)
	Label string
}

func (e EmbedFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.Fn(ctx, text)
}

func (e EmbedFunc) Name() string { return e.Label }

// FitDim forces v to exactly dim components: longer vectors are truncated,
// shorter ones zero-padded. The index rejects anything else.
func FitDim(v []float32, dim int) []float32 {
	if len(v) == dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}

// Config mirrors config.EmbeddingConfig without importing it.
type Config struct {
	Provider    string // "genai" or "fallback"; anything else is the caller's runtime engine
	Model       string
	GenAIAPIKey string
	Dimension   int
}

// New builds the configured engine. The "runtime" provider is assembled by
// the caller (it needs a live balancer), so New only handles genai and
// fallback.
func New(ctx context.Context, cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "genai":
		model := cfg.Model
		if model == "" {
			model = "gemini-embedding-001"
		}
		return NewGenAIEngine(ctx, cfg.GenAIAPIKey, model)
	case "fallback":
		return NewFallbackEngine(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}
