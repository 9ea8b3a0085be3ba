package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// experienceLog is the append-only JSON-lines record of every admitted
// experience. It outlives memory eviction so history survives restarts;
// Compact rewrites it down to the live set.
type experienceLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openExperienceLog(path string) (*experienceLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memory: open experience log: %w", err)
	}
	return &experienceLog{path: path, f: f}, nil
}

func (l *experienceLog) append(e *Experience) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("memory: marshal experience: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("memory: append experience: %w", err)
	}
	return nil
}

func (l *experienceLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// rewrite atomically replaces the log contents with the given records.
func (l *experienceLog) rewrite(records []Experience) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("memory: create compacted log: %w", err)
	}
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	for i := range records {
		line, err := json.Marshal(&records[i])
		if err != nil {
			f.Close()
			return fmt.Errorf("memory: marshal experience: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("memory: write compacted log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("memory: flush compacted log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("memory: close compacted log: %w", err)
	}

	if err := l.f.Close(); err != nil {
		return fmt.Errorf("memory: close old log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("memory: swap compacted log: %w", err)
	}
	l.f, err = os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("memory: reopen log: %w", err)
	}
	return nil
}

// Compact rewrites the experience log keeping only entries still held in
// memory.
func (m *Memory) Compact() error {
	if m.log == nil {
		return nil
	}
	m.mu.RLock()
	live := make([]Experience, 0, len(m.entries))
	for _, e := range m.entries {
		live = append(live, *e)
	}
	m.mu.RUnlock()
	return m.log.rewrite(live)
}
