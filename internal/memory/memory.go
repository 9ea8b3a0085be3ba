// Package memory implements the token-budgeted adaptive experience store.
// Entries are admitted by importance, evicted by a blended score of
// importance, age, and access frequency, and surfaced as few-shot context
// through TopK and Jaccard relevance.
package memory

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskforge/internal/types"
)

// Config sizes the memory.
type Config struct {
	// MaxTokens is the budget T_max. Default 300.
	MaxTokens int

	// ImportanceThreshold is the admission floor in [0,1]. Default 0.5.
	ImportanceThreshold float64

	// PersistPath is the checkpoint file; empty disables Checkpoint/Restore.
	PersistPath string

	// LogPath is the append-only experience log; empty disables it.
	LogPath string
}

// Memory is the adaptive experience store. Add and eviction are mutually
// exclusive; TopK sees a consistent snapshot.
type Memory struct {
	mu sync.RWMutex

	entries map[string]*Experience
	used    int

	maxTokens   int
	threshold   float64
	persistPath string
	logger      *zap.Logger
	log         *experienceLog

	// onEvict lets the owner of the vector index drop the matching vector.
	// The index never deletes on its own.
	onEvict func(id string)
}

// New creates an empty memory. onEvict may be nil.
func New(cfg Config, onEvict func(id string), logger *zap.Logger) (*Memory, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	m := &Memory{
		entries:     make(map[string]*Experience),
		maxTokens:   cfg.MaxTokens,
		threshold:   cfg.ImportanceThreshold,
		persistPath: cfg.PersistPath,
		logger:      logger.Named("memory"),
		onEvict:     onEvict,
	}
	if cfg.LogPath != "" {
		var err error
		m.log, err = openExperienceLog(cfg.LogPath)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Close releases the experience log.
func (m *Memory) Close() error {
	if m.log != nil {
		return m.log.close()
	}
	return nil
}

// Add admits e iff importance clears the threshold, evicting lowest-scored
// entries until the token budget fits. It reports whether e was admitted.
func (m *Memory) Add(e *Experience, importance float64) (bool, error) {
	if importance < m.threshold {
		m.logger.Debug("experience below importance threshold",
			zap.String("id", e.ID), zap.Float64("importance", importance))
		return false, nil
	}
	e.Importance = importance
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.TokenCost <= 0 {
		e.TokenCost = EstimateTokens(e)
	}
	if e.TokenCost > m.maxTokens {
		m.logger.Warn("experience exceeds the entire token budget",
			zap.String("id", e.ID), zap.Int("cost", e.TokenCost), zap.Int("budget", m.maxTokens))
		return false, nil
	}

	var evicted []string
	m.mu.Lock()
	if old, ok := m.entries[e.ID]; ok {
		// Remove the superseded entry immediately so the eviction loop can
		// never pick it as a victim and deduct its cost twice.
		m.used -= old.TokenCost
		delete(m.entries, e.ID)
	}
	for m.used+e.TokenCost > m.maxTokens {
		victim := m.lowestScoredLocked()
		if victim == nil {
			break
		}
		m.used -= victim.TokenCost
		delete(m.entries, victim.ID)
		evicted = append(evicted, victim.ID)
	}
	m.entries[e.ID] = e
	m.used += e.TokenCost
	m.mu.Unlock()

	for _, id := range evicted {
		m.logger.Debug("experience evicted", zap.String("id", id))
		if m.onEvict != nil {
			m.onEvict(id)
		}
	}

	if m.log != nil {
		if err := m.log.append(e); err != nil {
			m.logger.Warn("experience log append failed", zap.Error(err))
		}
	}
	return true, nil
}

// lowestScoredLocked picks the eviction victim: lowest score, ties broken by
// oldest CreatedAt.
func (m *Memory) lowestScoredLocked() *Experience {
	now := time.Now()
	var victim *Experience
	var victimScore float64
	for _, e := range m.entries {
		s := evictionScore(e, now)
		if victim == nil || s < victimScore ||
			(s == victimScore && e.CreatedAt.Before(victim.CreatedAt)) {
			victim = e
			victimScore = s
		}
	}
	return victim
}

// evictionScore blends importance, recency, and access frequency:
// 0.4*importance + 0.3*(1/(age_seconds+1)) + 0.3*min(access/100, 1).
func evictionScore(e *Experience, now time.Time) float64 {
	age := now.Sub(e.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	freq := float64(e.AccessCount) / 100
	if freq > 1 {
		freq = 1
	}
	return 0.4*e.Importance + 0.3*(1/(age+1)) + 0.3*freq
}

// TopK returns up to k entries of the given kind ordered by recency, newest
// first, bumping their access counts. Returned entries are copies.
func (m *Memory) TopK(kind types.Kind, k int) []Experience {
	if k <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*Experience, 0, len(m.entries))
	for _, e := range m.entries {
		if kind == "" || e.Kind == kind {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > k {
		matched = matched[:k]
	}

	out := make([]Experience, len(matched))
	for i, e := range matched {
		e.AccessCount++
		out[i] = *e
	}
	return out
}

// Get returns a copy of the entry with the given id.
func (m *Memory) Get(id string) (Experience, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Experience{}, false
	}
	return *e, true
}

// Relevance scores an entry against a flattened query with Jaccard
// similarity over key=value pairs, in [0,1].
func Relevance(e *Experience, query map[string]string) float64 {
	if len(e.Fields) == 0 || len(query) == 0 {
		return 0
	}
	intersection := 0
	for k, v := range query {
		if ev, ok := e.Fields[k]; ok && ev == v {
			intersection++
		}
	}
	union := len(e.Fields) + len(query) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// UsedTokens returns the current budget consumption. The invariant
// UsedTokens() <= MaxTokens holds at all times.
func (m *Memory) UsedTokens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Len returns the number of retained entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
