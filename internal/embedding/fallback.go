package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// FallbackEngine produces deterministic pseudo-embeddings by expanding the
// SHA-256 of the input into a normalized vector. It never fails, which makes
// it the safety net when the runtime embed call is down. Vectors carry no
// semantic signal; experiences built from them are marked so they can be
// re-embedded later.
type FallbackEngine struct {
	dim int
}

// NewFallbackEngine returns a fallback engine producing dim-component
// vectors.
func NewFallbackEngine(dim int) *FallbackEngine {
	if dim <= 0 {
		dim = 384
	}
	return &FallbackEngine{dim: dim}
}

func (e *FallbackEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	seed := sha256.Sum256([]byte(text))

	// Stretch the digest with counter-mode rehashing, then map each byte
	// into [-1, 1).
	var block [sha256.Size]byte = seed
	var counter [8]byte
	for i := 0; i < e.dim; i++ {
		if i%sha256.Size == 0 && i > 0 {
			binary.BigEndian.PutUint64(counter[:], uint64(i/sha256.Size))
			block = sha256.Sum256(append(seed[:], counter[:]...))
		}
		vec[i] = float32(block[i%sha256.Size])/128.0 - 1.0
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (e *FallbackEngine) Name() string { return "fallback" }
