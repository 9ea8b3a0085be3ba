package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"taskforge/internal/types"
)

// Fingerprint derives the deterministic cache key for a task executed against
// a model variant: SHA-256 over the canonical JSON of
// {kind, normalized input, params, model_variant}.
//
// Canonical JSON is obtained by marshalling nested maps: encoding/json sorts
// map keys lexicographically, so equal-by-value tasks fingerprint identically
// regardless of how the caller assembled them. Attachments contribute their
// SHA-256 digest, never raw bytes.
func Fingerprint(task *types.Task, modelVariant string) string {
	input := map[string]any{}
	switch task.Kind {
	case types.KindGenerate, types.KindEmbed:
		input["prompt"] = task.Prompt
	case types.KindChat:
		msgs := make([]map[string]any, len(task.Messages))
		for i, m := range task.Messages {
			msgs[i] = map[string]any{
				"content": m.Content,
				"role":    string(m.Role),
			}
		}
		input["messages"] = msgs
	case types.KindVision, types.KindAudio:
		var digest string
		if task.Attachment != nil {
			sum := sha256.Sum256(task.Attachment.Data)
			digest = hex.EncodeToString(sum[:])
		}
		input["attachment_sha256"] = digest
		if task.Attachment != nil {
			input["media_type"] = task.Attachment.MediaType
		}
		input["prompt"] = task.Prompt
	}

	p := task.Params.Normalize()
	payload := map[string]any{
		"input":         input,
		"kind":          string(task.Kind),
		"model_variant": modelVariant,
		"params": map[string]any{
			"max_tokens":         p.MaxTokens,
			"repetition_penalty": p.RepetitionPenalty,
			"temperature":        p.Temperature,
			"top_k":              p.TopK,
			"top_p":              p.TopP,
		},
	}

	// Maps of JSON-safe values cannot fail to marshal.
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
