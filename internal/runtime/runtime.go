// Package runtime defines the model-runtime contract the dispatcher consumes
// and implements it against a local Ollama server. Failures are split into
// transient faults (retriable on another backend) and model errors
// (terminal).
package runtime

import (
	"context"
	"errors"
	"fmt"

	"taskforge/internal/types"
)

// GenerateResult is the outcome of a text generation call.
type GenerateResult struct {
	Text  string
	Usage types.Usage
}

// ChatResult is the outcome of a chat or vision call.
type ChatResult struct {
	Message types.Message
	Usage   types.Usage
}

// Runtime is the polymorphic model-runtime contract. Every call targets an
// explicit endpoint, chosen per request by the load balancer.
type Runtime interface {
	Generate(ctx context.Context, endpoint, model, prompt, system string, p types.Params) (*GenerateResult, error)
	Chat(ctx context.Context, endpoint, model string, messages []types.Message, system string, p types.Params) (*ChatResult, error)
	Embed(ctx context.Context, endpoint, model, text string) ([]float32, error)
	Vision(ctx context.Context, endpoint, model string, image []byte, prompt, system string, p types.Params) (*ChatResult, error)
	ListModels(ctx context.Context, endpoint string) ([]string, error)

	// Pull fetches a model onto the runtime. Idempotent.
	Pull(ctx context.Context, endpoint, model string) error
}

// TransientError marks a fault worth retrying on another backend: connection
// errors, timeouts, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ModelErr is a terminal, model-reported failure. The message is preserved
// for the caller.
type ModelErr struct {
	Msg string
}

func (e *ModelErr) Error() string { return fmt.Sprintf("model error: %s", e.Msg) }

// IsTransient reports whether err should be retried on another backend.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
