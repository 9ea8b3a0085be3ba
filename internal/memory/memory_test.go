package memory

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"taskforge/internal/types"
)

func newTestMemory(t *testing.T, cfg Config, onEvict func(string)) *Memory {
	t.Helper()
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 300
	}
	m, err := New(cfg, onEvict, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func exp(id string, cost int, createdAt time.Time) *Experience {
	return &Experience{
		ID:        id,
		Kind:      types.KindGenerate,
		InputText: "input " + id,
		TokenCost: cost,
		CreatedAt: createdAt,
	}
}

func TestAddThreshold(t *testing.T) {
	m := newTestMemory(t, Config{ImportanceThreshold: 0.5}, nil)

	admitted, err := m.Add(exp("low", 10, time.Now()), 0.3)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Zero(t, m.Len())

	admitted, err = m.Add(exp("ok", 10, time.Now()), 0.5)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 10, m.UsedTokens())
}

func TestAddRejectsOversized(t *testing.T) {
	m := newTestMemory(t, Config{MaxTokens: 100}, nil)

	admitted, err := m.Add(exp("huge", 101, time.Now()), 0.9)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Zero(t, m.UsedTokens())
}

func TestBudgetInvariant(t *testing.T) {
	m := newTestMemory(t, Config{MaxTokens: 100}, nil)

	now := time.Now()
	for i, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		_, err := m.Add(exp(id, 40, now.Add(time.Duration(i)*time.Second)), 0.7)
		require.NoError(t, err)
		assert.LessOrEqual(t, m.UsedTokens(), 100)
	}
	assert.Equal(t, 2, m.Len())
}

func TestEvictionOrder(t *testing.T) {
	// Equal importance and access: the oldest entry scores lowest and goes
	// first.
	evicted := []string{}
	m := newTestMemory(t, Config{MaxTokens: 100}, func(id string) { evicted = append(evicted, id) })

	now := time.Now()
	_, err := m.Add(exp("old", 40, now.Add(-time.Hour)), 0.7)
	require.NoError(t, err)
	_, err = m.Add(exp("mid", 40, now.Add(-time.Minute)), 0.7)
	require.NoError(t, err)

	_, err = m.Add(exp("new", 40, now), 0.7)
	require.NoError(t, err)

	assert.Equal(t, []string{"old"}, evicted)
	_, ok := m.Get("old")
	assert.False(t, ok)
	_, ok = m.Get("mid")
	assert.True(t, ok)
}

func TestHighImportanceSurvivesEviction(t *testing.T) {
	m := newTestMemory(t, Config{MaxTokens: 100}, nil)

	now := time.Now()
	_, err := m.Add(exp("precious", 40, now.Add(-time.Hour)), 1.0)
	require.NoError(t, err)
	_, err = m.Add(exp("cheap", 40, now.Add(-time.Second)), 0.5)
	require.NoError(t, err)

	_, err = m.Add(exp("incoming", 40, now), 0.7)
	require.NoError(t, err)

	_, ok := m.Get("precious")
	assert.True(t, ok, "old but important entry outscores a recent unimportant one")
	_, ok = m.Get("cheap")
	assert.False(t, ok)
}

func TestReAddReplacesCost(t *testing.T) {
	m := newTestMemory(t, Config{MaxTokens: 100}, nil)

	_, err := m.Add(exp("a", 60, time.Now()), 0.7)
	require.NoError(t, err)
	_, err = m.Add(exp("a", 30, time.Now()), 0.7)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 30, m.UsedTokens())
}

func TestReAddWithEvictionKeepsBudget(t *testing.T) {
	evicted := []string{}
	m := newTestMemory(t, Config{MaxTokens: 100}, func(id string) { evicted = append(evicted, id) })

	now := time.Now()
	_, err := m.Add(exp("x", 60, now.Add(-time.Hour)), 0.6)
	require.NoError(t, err)
	_, err = m.Add(exp("y", 40, now), 0.9)
	require.NoError(t, err)
	require.Equal(t, 100, m.UsedTokens())

	// Growing "x" forces the eviction loop to run while "x" is being
	// replaced; its old cost must not be deducted a second time.
	admitted, err := m.Add(exp("x", 90, now), 0.9)
	require.NoError(t, err)
	require.True(t, admitted)

	assert.LessOrEqual(t, m.UsedTokens(), 100)
	assert.Equal(t, 90, m.UsedTokens())
	assert.Equal(t, 1, m.Len())

	_, ok := m.Get("y")
	assert.False(t, ok)
	x, ok := m.Get("x")
	require.True(t, ok)
	assert.Equal(t, 90, x.TokenCost)
	assert.Equal(t, []string{"y"}, evicted)
}

func TestTokenCostEstimatedWhenUnset(t *testing.T) {
	m := newTestMemory(t, Config{}, nil)

	e := &Experience{ID: "x", Kind: types.KindGenerate, InputText: "some prompt", OutputText: "some answer"}
	admitted, err := m.Add(e, 0.9)
	require.NoError(t, err)
	require.True(t, admitted)
	assert.Equal(t, EstimateTokens(e), e.TokenCost)
	assert.Greater(t, e.TokenCost, 0)
}

func TestTopK(t *testing.T) {
	m := newTestMemory(t, Config{MaxTokens: 10000}, nil)

	now := time.Now()
	for i, id := range []string{"g1", "g2", "g3"} {
		_, err := m.Add(exp(id, 10, now.Add(time.Duration(i)*time.Minute)), 0.7)
		require.NoError(t, err)
	}
	chat := exp("c1", 10, now.Add(time.Hour))
	chat.Kind = types.KindChat
	_, err := m.Add(chat, 0.7)
	require.NoError(t, err)

	t.Run("newest first, kind filtered", func(t *testing.T) {
		got := m.TopK(types.KindGenerate, 2)
		require.Len(t, got, 2)
		assert.Equal(t, "g3", got[0].ID)
		assert.Equal(t, "g2", got[1].ID)
	})

	t.Run("empty kind matches all", func(t *testing.T) {
		got := m.TopK("", 10)
		require.Len(t, got, 4)
		assert.Equal(t, "c1", got[0].ID)
	})

	t.Run("bumps access counts", func(t *testing.T) {
		before, _ := m.Get("g3")
		m.TopK(types.KindGenerate, 1)
		after, _ := m.Get("g3")
		assert.Equal(t, before.AccessCount+1, after.AccessCount)
	})

	t.Run("k of zero", func(t *testing.T) {
		assert.Nil(t, m.TopK(types.KindGenerate, 0))
	})
}

func TestRelevance(t *testing.T) {
	e := &Experience{Fields: map[string]string{"kind": "generate", "prompt": "hello"}}

	t.Run("identical fields", func(t *testing.T) {
		score := Relevance(e, map[string]string{"kind": "generate", "prompt": "hello"})
		assert.InDelta(t, 1.0, score, 0.001)
	})

	t.Run("partial overlap", func(t *testing.T) {
		score := Relevance(e, map[string]string{"kind": "generate", "prompt": "goodbye"})
		// intersection 1, union 3
		assert.InDelta(t, 1.0/3.0, score, 0.001)
	})

	t.Run("disjoint", func(t *testing.T) {
		assert.Zero(t, Relevance(e, map[string]string{"media_type": "image/png"}))
	})

	t.Run("empty sides", func(t *testing.T) {
		assert.Zero(t, Relevance(&Experience{}, map[string]string{"a": "b"}))
		assert.Zero(t, Relevance(e, nil))
	})
}

func TestCheckpointRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.json")

	m := newTestMemory(t, Config{MaxTokens: 1000, PersistPath: path}, nil)
	now := time.Now().Truncate(time.Second)
	_, err := m.Add(exp("a", 100, now), 0.8)
	require.NoError(t, err)
	_, err = m.Add(exp("b", 200, now.Add(time.Minute)), 0.6)
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint())

	restored := newTestMemory(t, Config{MaxTokens: 1000, PersistPath: path}, nil)
	require.NoError(t, restored.Restore())

	assert.Equal(t, 2, restored.Len())
	assert.Equal(t, 300, restored.UsedTokens())
	a, ok := restored.Get("a")
	require.True(t, ok)
	assert.Equal(t, 0.8, a.Importance)
	assert.Equal(t, "input a", a.InputText)
}

func TestRestoreMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	m := newTestMemory(t, Config{PersistPath: path}, nil)
	assert.NoError(t, m.Restore())
	assert.Zero(t, m.Len())
}

func TestRestoreShrunkBudget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.json")

	big := newTestMemory(t, Config{MaxTokens: 1000, PersistPath: path}, nil)
	now := time.Now()
	_, err := big.Add(exp("old", 300, now.Add(-time.Hour)), 0.7)
	require.NoError(t, err)
	_, err = big.Add(exp("new", 300, now), 0.7)
	require.NoError(t, err)
	require.NoError(t, big.Checkpoint())

	dropped := []string{}
	small := newTestMemory(t, Config{MaxTokens: 400, PersistPath: path}, func(id string) {
		dropped = append(dropped, id)
	})
	require.NoError(t, small.Restore())

	assert.LessOrEqual(t, small.UsedTokens(), 400)
	assert.Equal(t, []string{"old"}, dropped)
	_, ok := small.Get("new")
	assert.True(t, ok)
}

func TestExperienceLogAndCompact(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "experience.log")

	m := newTestMemory(t, Config{MaxTokens: 100, LogPath: logPath}, nil)
	now := time.Now()
	_, err := m.Add(exp("a", 60, now.Add(-time.Minute)), 0.7)
	require.NoError(t, err)
	_, err = m.Add(exp("b", 60, now), 0.7) // evicts a
	require.NoError(t, err)

	t.Run("log keeps evicted history", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"a", "b"}, logIDs(t, logPath))
	})

	t.Run("compact keeps only live entries", func(t *testing.T) {
		require.NoError(t, m.Compact())
		assert.Equal(t, []string{"b"}, logIDs(t, logPath))
	})

	t.Run("log accepts appends after compaction", func(t *testing.T) {
		_, err := m.Add(exp("c", 10, now.Add(time.Minute)), 0.7)
		require.NoError(t, err)
		assert.Contains(t, logIDs(t, logPath), "c")
	})
}

func logIDs(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Experience
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		ids = append(ids, e.ID)
	}
	require.NoError(t, sc.Err())
	return ids
}

func TestDigest(t *testing.T) {
	assert.Equal(t, Digest("abc"), Digest("abc"))
	assert.NotEqual(t, Digest("abc"), Digest("abd"))
	assert.Len(t, Digest(""), 64)
}
