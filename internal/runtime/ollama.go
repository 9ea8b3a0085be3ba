package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"taskforge/internal/types"
)

// OllamaClient implements Runtime against the Ollama HTTP API. One client
// serves every backend; the endpoint is passed per call.
type OllamaClient struct {
	client *http.Client
	logger *zap.Logger
}

// NewOllamaClient builds a client. Deadlines come from the per-call context,
// so the underlying http.Client carries no timeout of its own.
func NewOllamaClient(logger *zap.Logger) *OllamaClient {
	return &OllamaClient{
		client: &http.Client{},
		logger: logger.Named("ollama"),
	}
}

type ollamaOptions struct {
	Temperature   float64 `json:"temperature"`
	NumPredict    int     `json:"num_predict"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty"`
}

func optionsFrom(p types.Params) ollamaOptions {
	return ollamaOptions{
		Temperature:   p.Temperature,
		NumPredict:    p.MaxTokens,
		TopP:          p.TopP,
		TopK:          p.TopK,
		RepeatPenalty: p.RepetitionPenalty,
	}
}

func usage(promptTokens, completionTokens int) types.Usage {
	return types.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (c *OllamaClient) Generate(ctx context.Context, endpoint, model, prompt, system string, p types.Params) (*GenerateResult, error) {
	req := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		System:  system,
		Options: optionsFrom(p),
	}
	var resp ollamaGenerateResponse
	if err := c.post(ctx, endpoint, "/api/generate", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ModelErr{Msg: resp.Error}
	}
	return &GenerateResult{
		Text:  resp.Response,
		Usage: usage(resp.PromptEvalCount, resp.EvalCount),
	}, nil
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ollamaOptions       `json:"options"`
}

type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	Error           string            `json:"error,omitempty"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

func (c *OllamaClient) Chat(ctx context.Context, endpoint, model string, messages []types.Message, system string, p types.Params) (*ChatResult, error) {
	msgs := make([]ollamaChatMessage, 0, len(messages)+1)
	if system != "" {
		msgs = append(msgs, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		msgs = append(msgs, ollamaChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return c.chat(ctx, endpoint, ollamaChatRequest{
		Model:    model,
		Messages: msgs,
		Options:  optionsFrom(p),
	})
}

func (c *OllamaClient) Vision(ctx context.Context, endpoint, model string, image []byte, prompt, system string, p types.Params) (*ChatResult, error) {
	msgs := make([]ollamaChatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, ollamaChatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, ollamaChatMessage{
		Role:    "user",
		Content: prompt,
		Images:  []string{base64.StdEncoding.EncodeToString(image)},
	})
	return c.chat(ctx, endpoint, ollamaChatRequest{
		Model:    model,
		Messages: msgs,
		Options:  optionsFrom(p),
	})
}

func (c *OllamaClient) chat(ctx context.Context, endpoint string, req ollamaChatRequest) (*ChatResult, error) {
	var resp ollamaChatResponse
	if err := c.post(ctx, endpoint, "/api/chat", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ModelErr{Msg: resp.Error}
	}
	return &ChatResult{
		Message: types.Message{
			Role:    types.Role(resp.Message.Role),
			Content: resp.Message.Content,
		},
		Usage: usage(resp.PromptEvalCount, resp.EvalCount),
	}, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (c *OllamaClient) Embed(ctx context.Context, endpoint, model, text string) ([]float32, error) {
	var resp ollamaEmbedResponse
	if err := c.post(ctx, endpoint, "/api/embeddings", ollamaEmbedRequest{Model: model, Prompt: text}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ModelErr{Msg: resp.Error}
	}
	return resp.Embedding, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *OllamaClient) ListModels(ctx context.Context, endpoint string) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

type ollamaPullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

func (c *OllamaClient) Pull(ctx context.Context, endpoint, model string) error {
	var resp struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	if err := c.post(ctx, endpoint, "/api/pull", ollamaPullRequest{Name: model}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return &ModelErr{Msg: resp.Error}
	}
	return nil
}

func (c *OllamaClient) post(ctx context.Context, endpoint, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError maps 5xx to transient faults and everything else to terminal
// model errors, preserving the response body.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	if resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("%s", msg)}
	}
	return &ModelErr{Msg: msg}
}
