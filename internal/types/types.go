// Package types defines the task and result model shared by the dispatcher,
// cache, and memory subsystems, plus the error taxonomy surfaced to callers.
package types

import (
	"time"
)

// Kind identifies the type of inference work a Task requests.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindChat     Kind = "chat"
	KindEmbed    Kind = "embed"
	KindVision   Kind = "vision"
	KindAudio    Kind = "audio"
)

// Valid reports whether k is one of the known task kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindGenerate, KindChat, KindEmbed, KindVision, KindAudio:
		return true
	}
	return false
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params are the sampling parameters for a model call.
// Zero values are replaced with defaults by Normalize.
type Params struct {
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"max_tokens"`
	TopP              float64 `json:"top_p"`
	TopK              int     `json:"top_k"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// DefaultParams returns the per-field sampling defaults.
func DefaultParams() Params {
	return Params{
		Temperature:       0.7,
		MaxTokens:         512,
		TopP:              0.9,
		TopK:              40,
		RepetitionPenalty: 1.1,
	}
}

// Normalize fills zero-valued fields with their defaults.
func (p Params) Normalize() Params {
	def := DefaultParams()
	if p.Temperature == 0 {
		p.Temperature = def.Temperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = def.MaxTokens
	}
	if p.TopP == 0 {
		p.TopP = def.TopP
	}
	if p.TopK == 0 {
		p.TopK = def.TopK
	}
	if p.RepetitionPenalty == 0 {
		p.RepetitionPenalty = def.RepetitionPenalty
	}
	return p
}

// Validate checks the documented parameter ranges.
func (p Params) Validate() error {
	if p.Temperature < 0 || p.Temperature > 2 {
		return Errorf(BadRequest, "temperature %.2f out of range [0,2]", p.Temperature)
	}
	if p.MaxTokens < 0 || p.MaxTokens > 131072 {
		return Errorf(BadRequest, "max_tokens %d out of range [0,131072]", p.MaxTokens)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return Errorf(BadRequest, "top_p %.2f out of range [0,1]", p.TopP)
	}
	if p.TopK < 0 || p.TopK > 1000 {
		return Errorf(BadRequest, "top_k %d out of range [0,1000]", p.TopK)
	}
	if p.RepetitionPenalty != 0 && (p.RepetitionPenalty < 0.5 || p.RepetitionPenalty > 2) {
		return Errorf(BadRequest, "repetition_penalty %.2f out of range [0.5,2]", p.RepetitionPenalty)
	}
	return nil
}

// Priority influences how valuable a task's outcome is considered when it is
// recorded as an experience.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Hints carry optional caller preferences for a single dispatch.
type Hints struct {
	// AllowCache disables the result cache when explicitly set to false.
	AllowCache *bool `json:"allow_cache,omitempty"`

	// Priority influences the experience importance recorded after the call.
	Priority Priority `json:"priority,omitempty"`

	// Timeout caps the overall dispatch deadline. The effective deadline is
	// min(Timeout, dispatcher default).
	Timeout time.Duration `json:"timeout,omitempty"`

	// ClientIP feeds the ip_hash balancing strategy. Empty means "0.0.0.0".
	ClientIP string `json:"client_ip,omitempty"`

	// Sensitive marks the cached result for encryption at rest.
	Sensitive bool `json:"sensitive,omitempty"`
}

// CacheAllowed reports whether the result cache may be consulted.
func (h Hints) CacheAllowed() bool {
	return h.AllowCache == nil || *h.AllowCache
}

// Attachment is an opaque media blob for vision and audio tasks.
type Attachment struct {
	Data      []byte `json:"-"`
	MediaType string `json:"media_type"`
}

// Task is the unit of work accepted by the dispatcher. Only the fields valid
// for Kind are populated; Validate enforces the per-kind invariants.
type Task struct {
	Kind       Kind        `json:"kind"`
	Prompt     string      `json:"prompt,omitempty"`
	Messages   []Message   `json:"messages,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Params     Params      `json:"params"`
	Hints      Hints       `json:"hints,omitempty"`
}

// Validate enforces the per-kind task invariants and parameter ranges.
func (t *Task) Validate() error {
	if t == nil {
		return Errorf(BadRequest, "nil task")
	}
	if !t.Kind.Valid() {
		return Errorf(BadRequest, "unknown task kind %q", t.Kind)
	}
	if err := t.Params.Validate(); err != nil {
		return err
	}
	switch t.Kind {
	case KindGenerate:
		if t.Prompt == "" {
			return Errorf(BadRequest, "generate task requires a prompt")
		}
	case KindChat:
		if len(t.Messages) == 0 {
			return Errorf(BadRequest, "chat task requires non-empty messages")
		}
		for i, m := range t.Messages {
			switch m.Role {
			case RoleSystem, RoleUser, RoleAssistant:
			default:
				return Errorf(BadRequest, "message %d has unknown role %q", i, m.Role)
			}
		}
	case KindEmbed:
		if t.Prompt == "" {
			return Errorf(BadRequest, "embed task requires a prompt")
		}
	case KindVision, KindAudio:
		if t.Attachment == nil || len(t.Attachment.Data) == 0 {
			return Errorf(BadRequest, "%s task requires an attachment", t.Kind)
		}
	}
	return nil
}

// Usage reports token accounting for a single model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the outcome of a dispatch. Exactly one of Text, Message,
// Embedding, or ErrorMsg is set.
type Result struct {
	Text      string    `json:"text,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	ErrorMsg  string    `json:"error,omitempty"`

	Usage     Usage `json:"usage"`
	LatencyMS int64 `json:"latency_ms"`

	// CacheHit is the "x-cache: hit" marker: true when the result was served
	// from the cache without a model call.
	CacheHit bool `json:"x_cache_hit,omitempty"`
}
