package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskforge/internal/embedding"
	"taskforge/internal/memory"
	"taskforge/internal/types"
)

// embedTimeout bounds the embedding side-call during context building and
// experience recording so it never eats the whole dispatch deadline.
const embedTimeout = 5 * time.Second

// buildContext assembles the few-shot system prompt from recent experiences
// of the same kind plus the vector-nearest experiences. Embed tasks carry no
// context.
func (d *Dispatcher) buildContext(ctx context.Context, t *types.Task) string {
	if t.Kind == types.KindEmbed {
		return ""
	}

	k := d.cfg.FewShotK
	examples := make([]memory.Experience, 0, 2*k)
	seen := make(map[string]bool)

	for _, e := range d.mem.TopK(t.Kind, k) {
		if !seen[e.ID] {
			seen[e.ID] = true
			examples = append(examples, e)
		}
	}

	qvec, _ := d.embedText(ctx, inputText(t))
	if matches, err := d.index.Search(qvec, k); err == nil {
		for _, m := range matches {
			if seen[m.ID] {
				continue
			}
			if e, ok := d.mem.Get(m.ID); ok {
				seen[m.ID] = true
				examples = append(examples, e)
			}
		}
	}

	if len(examples) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You have handled similar requests before. Use these prior examples to inform your answer.\n")
	for i, e := range examples {
		if e.InputText == "" && e.OutputText == "" {
			continue
		}
		fmt.Fprintf(&b, "\nExample %d:\nInput: %s\nOutput: %s\n", i+1, e.InputText, e.OutputText)
	}
	return b.String()
}

// embedText produces the query/experience vector, preferring the configured
// engine and falling back to deterministic hash vectors. The second return
// reports whether the fallback was used.
func (d *Dispatcher) embedText(ctx context.Context, text string) ([]float32, bool) {
	if d.embedder != nil {
		ectx, cancel := context.WithTimeout(ctx, embedTimeout)
		vec, err := d.embedder.Embed(ectx, text)
		cancel()
		if err == nil && len(vec) > 0 {
			return embedding.FitDim(vec, d.index.Dimension()), false
		}
		if err != nil {
			d.logger.Debug("embedding engine failed, using fallback",
				zap.String("engine", d.embedder.Name()), zap.Error(err))
		}
	}
	vec, _ := d.fallback.Embed(ctx, text)
	return vec, true
}

// recordExperience appends the task/result pair to adaptive memory and the
// vector index. It runs detached from the request with its own deadline.
func (d *Dispatcher) recordExperience(t *types.Task, res *types.Result) {
	defer d.recorders.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*embedTimeout)
	defer cancel()

	input := inputText(t)
	output := outputText(res)
	vec, usedFallback := d.embedText(ctx, input)

	exp := &memory.Experience{
		ID:                uuid.NewString(),
		Kind:              t.Kind,
		InputDigest:       memory.Digest(input),
		OutputDigest:      memory.Digest(output),
		InputText:         input,
		OutputText:        output,
		Fields:            flattenTask(t),
		Embedding:         vec,
		EmbeddingFallback: usedFallback,
		CreatedAt:         time.Now(),
	}

	admitted, err := d.mem.Add(exp, importanceOf(t.Hints.Priority))
	if err != nil {
		d.logger.Warn("experience add failed", zap.Error(err))
		return
	}
	if !admitted {
		return
	}
	if err := d.index.Upsert(exp.ID, vec); err != nil {
		d.logger.Warn("experience vector upsert failed",
			zap.String("id", exp.ID), zap.Error(err))
	}
}

// importanceOf maps the caller's priority hint onto the admission score.
func importanceOf(p types.Priority) float64 {
	switch p {
	case types.PriorityHigh:
		return 0.9
	case types.PriorityLow:
		return 0.4
	default:
		return 0.7
	}
}

// inputText renders the task content used for digests, embeddings, and
// few-shot examples.
func inputText(t *types.Task) string {
	switch t.Kind {
	case types.KindChat:
		var b strings.Builder
		for _, m := range t.Messages {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		return b.String()
	case types.KindVision, types.KindAudio:
		media := ""
		if t.Attachment != nil {
			media = t.Attachment.MediaType
		}
		return fmt.Sprintf("[%s %s] %s", t.Kind, media, t.Prompt)
	default:
		return t.Prompt
	}
}

func outputText(res *types.Result) string {
	switch {
	case res.Text != "":
		return res.Text
	case res.Message != nil:
		return res.Message.Content
	case len(res.Embedding) > 0:
		return fmt.Sprintf("embedding[%d]", len(res.Embedding))
	}
	return ""
}

// flattenTask produces the key-value pairs Jaccard relevance compares.
func flattenTask(t *types.Task) map[string]string {
	fields := map[string]string{
		"kind": string(t.Kind),
	}
	if t.Prompt != "" {
		fields["prompt"] = t.Prompt
	}
	if len(t.Messages) > 0 {
		last := t.Messages[len(t.Messages)-1]
		fields["last_message"] = last.Content
		fields["last_role"] = string(last.Role)
	}
	if t.Attachment != nil {
		fields["media_type"] = t.Attachment.MediaType
	}
	return fields
}
