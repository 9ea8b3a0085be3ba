package memory

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

type checkpointFile struct {
	Version string       `json:"version"`
	Entries []Experience `json:"entries"`
}

// Checkpoint serializes the live entries to the configured persist path.
func (m *Memory) Checkpoint() error {
	if m.persistPath == "" {
		return nil
	}

	m.mu.RLock()
	cp := checkpointFile{Version: "1", Entries: make([]Experience, 0, len(m.entries))}
	for _, e := range m.entries {
		cp.Entries = append(cp.Entries, *e)
	}
	m.mu.RUnlock()

	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("memory: marshal checkpoint: %w", err)
	}
	tmp := m.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memory: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, m.persistPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("memory: swap checkpoint: %w", err)
	}

	m.logger.Info("memory checkpoint written", zap.Int("entries", len(cp.Entries)))
	return nil
}

// Restore replaces the live entries from the persist path. A missing file is
// not an error. Entries that no longer fit the budget are dropped in
// eviction-score order.
func (m *Memory) Restore() error {
	if m.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("memory: read checkpoint: %w", err)
	}
	var cp checkpointFile
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("memory: decode checkpoint: %w", err)
	}

	m.mu.Lock()
	m.entries = make(map[string]*Experience, len(cp.Entries))
	m.used = 0
	for i := range cp.Entries {
		e := cp.Entries[i]
		if e.TokenCost <= 0 {
			e.TokenCost = EstimateTokens(&e)
		}
		m.entries[e.ID] = &e
		m.used += e.TokenCost
	}
	var dropped []string
	for m.used > m.maxTokens {
		victim := m.lowestScoredLocked()
		if victim == nil {
			break
		}
		m.used -= victim.TokenCost
		delete(m.entries, victim.ID)
		dropped = append(dropped, victim.ID)
	}
	n := len(m.entries)
	m.mu.Unlock()

	for _, id := range dropped {
		if m.onEvict != nil {
			m.onEvict(id)
		}
	}

	m.logger.Info("memory checkpoint restored",
		zap.Int("entries", n), zap.Int("dropped", len(dropped)))
	return nil
}
