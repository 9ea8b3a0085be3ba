// Package vector implements the flat L2 index over experience embeddings:
// append-only upserts, tombstoned deletes, top-K search, and a binary
// snapshot format.
package vector

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Match is one search result. Distance is the L2 distance, always
// non-negative.
type Match struct {
	ID       string
	Distance float64
}

// Index is a read-mostly flat vector index. Searches run concurrently;
// writes take the exclusive lock briefly.
type Index struct {
	mu sync.RWMutex

	dim        int
	ids        []string
	vecs       [][]float32
	pos        map[string]int // live id -> slot in ids/vecs
	tombstones map[string]bool

	logger *zap.Logger
}

// New creates an index with fixed dimensionality dim.
func New(dim int, logger *zap.Logger) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector: dimension must be positive, got %d", dim)
	}
	return &Index{
		dim:        dim,
		pos:        make(map[string]int),
		tombstones: make(map[string]bool),
		logger:     logger.Named("vector"),
	}, nil
}

// Dimension returns the fixed dimensionality D.
func (ix *Index) Dimension() int { return ix.dim }

// Upsert appends a vector for id. The index is append-only: re-upserting an
// existing id tombstones its previous slot and appends the new vector.
func (ix *Index) Upsert(id string, vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("vector: dimension mismatch: got %d, want %d", len(vec), ix.dim)
	}
	cp := make([]float32, ix.dim)
	copy(cp, vec)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if prev, ok := ix.pos[id]; ok {
		// Tombstone the old slot in place; the slot list never shrinks.
		ix.ids[prev] = ""
	}
	ix.pos[id] = len(ix.ids)
	ix.ids = append(ix.ids, id)
	ix.vecs = append(ix.vecs, cp)
	delete(ix.tombstones, id)
	return nil
}

// Delete tombstones id. Unknown ids are a no-op.
func (ix *Index) Delete(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.pos[id]; !ok {
		return
	}
	ix.tombstones[id] = true
}

// Search returns up to min(k, live size) matches in non-decreasing distance
// order, skipping tombstones.
func (ix *Index) Search(query []float32, k int) ([]Match, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("vector: query dimension mismatch: got %d, want %d", len(query), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	matches := make([]Match, 0, len(ix.ids))
	for slot, id := range ix.ids {
		if id == "" || ix.tombstones[id] || ix.pos[id] != slot {
			continue
		}
		matches = append(matches, Match{ID: id, Distance: l2(query, ix.vecs[slot])})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Size returns the number of slots, tombstoned included.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// LiveSize returns the number of searchable vectors.
func (ix *Index) LiveSize() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for slot, id := range ix.ids {
		if id != "" && !ix.tombstones[id] && ix.pos[id] == slot {
			n++
		}
	}
	return n
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
