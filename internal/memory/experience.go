package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"taskforge/internal/types"
)

// Experience is one retained task/result pair used for few-shot context.
type Experience struct {
	ID           string     `json:"id"`
	Kind         types.Kind `json:"kind"`
	InputDigest  string     `json:"input_digest"`
	OutputDigest string     `json:"output_digest"`

	// InputText and OutputText carry the content rendered into few-shot
	// examples. Fields is the flattened structured input used for Jaccard
	// relevance.
	InputText  string            `json:"input_text,omitempty"`
	OutputText string            `json:"output_text,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`

	// EmbeddingFallback marks vectors produced by the deterministic hash
	// fallback so they can be re-embedded once a real engine is available.
	EmbeddingFallback bool `json:"embedding_fallback,omitempty"`

	// Importance is the admission score in [0,1] supplied by the recorder.
	Importance float64 `json:"score"`

	CreatedAt   time.Time `json:"created_at"`
	TokenCost   int       `json:"token_cost"`
	AccessCount uint64    `json:"access_count"`
}

// Digest returns the hex SHA-256 of content, the digest form used for
// input_digest and output_digest.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens applies the bytes/4 heuristic to the canonical JSON
// serialization of the entry content.
func EstimateTokens(e *Experience) int {
	payload := map[string]any{
		"fields": e.Fields,
		"input":  e.InputText,
		"kind":   string(e.Kind),
		"output": e.OutputText,
	}
	b, _ := json.Marshal(payload)
	n := len(b) / 4
	if n < 1 {
		n = 1
	}
	return n
}
