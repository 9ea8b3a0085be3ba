package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"taskforge/internal/backendpool"
	"taskforge/internal/balancer"
	"taskforge/internal/cache"
	"taskforge/internal/kvstore"
	"taskforge/internal/memory"
	"taskforge/internal/probe"
	"taskforge/internal/router"
	"taskforge/internal/runtime"
	"taskforge/internal/types"
	"taskforge/internal/vector"
)

const testDim = 8

// fakeRuntime counts calls per endpoint and lets tests inject failures or
// block in-flight calls.
type fakeRuntime struct {
	mu    sync.Mutex
	calls map[string]int

	// failEndpoint makes calls against this endpoint return a transient
	// fault.
	failEndpoint string

	// modelErr, when set, is returned by every call.
	modelErr *runtime.ModelErr

	// gate, when non-nil, blocks calls until closed (or ctx expires).
	gate chan struct{}

	// started receives one signal per call entering the runtime.
	started chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{calls: map[string]int{}}
}

func (f *fakeRuntime) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeRuntime) enter(ctx context.Context, endpoint string) error {
	f.mu.Lock()
	f.calls[endpoint]++
	gate := f.gate
	started := f.started
	fail := f.failEndpoint == endpoint
	merr := f.modelErr
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if merr != nil {
		return merr
	}
	if fail {
		return &runtime.TransientError{Err: context.DeadlineExceeded}
	}
	return nil
}

func (f *fakeRuntime) Generate(ctx context.Context, endpoint, model, prompt, system string, p types.Params) (*runtime.GenerateResult, error) {
	if err := f.enter(ctx, endpoint); err != nil {
		return nil, err
	}
	return &runtime.GenerateResult{
		Text:  "generated by " + model,
		Usage: types.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}, nil
}

func (f *fakeRuntime) Chat(ctx context.Context, endpoint, model string, messages []types.Message, system string, p types.Params) (*runtime.ChatResult, error) {
	if err := f.enter(ctx, endpoint); err != nil {
		return nil, err
	}
	return &runtime.ChatResult{
		Message: types.Message{Role: types.RoleAssistant, Content: "reply from " + model},
	}, nil
}

func (f *fakeRuntime) Embed(ctx context.Context, endpoint, model, text string) ([]float32, error) {
	if err := f.enter(ctx, endpoint); err != nil {
		return nil, err
	}
	return make([]float32, testDim), nil
}

func (f *fakeRuntime) Vision(ctx context.Context, endpoint, model string, image []byte, prompt, system string, p types.Params) (*runtime.ChatResult, error) {
	if err := f.enter(ctx, endpoint); err != nil {
		return nil, err
	}
	return &runtime.ChatResult{
		Message: types.Message{Role: types.RoleAssistant, Content: "described"},
	}, nil
}

func (f *fakeRuntime) ListModels(ctx context.Context, endpoint string) ([]string, error) {
	return []string{"llama3:8b"}, nil
}

func (f *fakeRuntime) Pull(ctx context.Context, endpoint, model string) error { return nil }

type harness struct {
	d    *Dispatcher
	rt   *fakeRuntime
	pool *backendpool.Pool
	c    *cache.Cache
	mem  *memory.Memory
	ix   *vector.Index
}

func newHarness(t *testing.T, cfg Config, snap probe.Snapshot, backends ...backendpool.Config) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	if snap.RAMFreeBytes == 0 {
		snap.RAMFreeBytes = 16 << 30
		snap.RAMTotalBytes = 32 << 30
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}

	kv := kvstore.NewMemory()
	c, err := cache.New(cache.Config{MaxEntries: 64, DefaultTTL: time.Minute}, kv, nil, logger)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ix, err := vector.New(testDim, logger)
	require.NoError(t, err)

	mem, err := memory.New(memory.Config{MaxTokens: 10000, ImportanceThreshold: 0.5}, ix.Delete, logger)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	pool := backendpool.New(logger)
	if len(backends) == 0 {
		backends = []backendpool.Config{{ID: "a", Address: "addr-a", MaxInflight: 16}}
	}
	for _, b := range backends {
		pool.Add(b)
	}

	rtr, err := router.New([]router.Variant{{Name: "llama3:8b", MinRAMBytes: 1 << 30, QualityScore: 0.9}}, logger)
	require.NoError(t, err)

	rt := newFakeRuntime()
	d := New(cfg, Deps{
		Probe:    probe.Static{Snap: snap},
		Router:   rtr,
		Cache:    c,
		Pool:     pool,
		Balancer: balancer.New(pool, balancer.RoundRobin, logger),
		Memory:   mem,
		Index:    ix,
		Runtime:  rt,
		Logger:   logger,
	})
	t.Cleanup(d.Drain)
	return &harness{d: d, rt: rt, pool: pool, c: c, mem: mem, ix: ix}
}

func generateTask() *types.Task {
	return &types.Task{Kind: types.KindGenerate, Prompt: "summarize the report"}
}

func TestDispatchGenerate(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})

	res, err := h.d.Dispatch(context.Background(), generateTask())
	require.NoError(t, err)
	assert.Equal(t, "generated by llama3:8b", res.Text)
	assert.Equal(t, 12, res.Usage.TotalTokens)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 1, h.rt.totalCalls())

	stats := h.d.Stats()
	assert.Equal(t, uint64(1), stats.Dispatched)
	assert.Equal(t, uint64(0), stats.Failures)
}

func TestDispatchValidation(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})

	_, err := h.d.Dispatch(context.Background(), &types.Task{Kind: types.KindGenerate})
	require.Error(t, err)
	assert.Equal(t, types.BadRequest, types.KindOf(err))
	assert.Zero(t, h.rt.totalCalls())
}

func TestCacheHitOnSecondDispatch(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})
	ctx := context.Background()

	first, err := h.d.Dispatch(ctx, generateTask())
	require.NoError(t, err)
	h.d.Drain()

	second, err := h.d.Dispatch(ctx, generateTask())
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
	assert.True(t, second.CacheHit)
	assert.Zero(t, second.LatencyMS)
	assert.Equal(t, 1, h.rt.totalCalls(), "second dispatch must not reach the runtime")
	assert.Equal(t, uint64(1), h.d.Stats().CacheHits)
}

func TestAllowCacheFalseBypassesCache(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})
	ctx := context.Background()

	no := false
	task := generateTask()
	task.Hints.AllowCache = &no

	_, err := h.d.Dispatch(ctx, task)
	require.NoError(t, err)
	_, err = h.d.Dispatch(ctx, task)
	require.NoError(t, err)

	assert.Equal(t, 2, h.rt.totalCalls(), "every dispatch recomputes")
	assert.Equal(t, uint64(0), h.d.Stats().CacheHits)
	assert.Equal(t, 0, h.c.Stats().Size, "nothing was written to the cache")

	// A later cacheable dispatch of the same task still misses.
	_, err = h.d.Dispatch(ctx, generateTask())
	require.NoError(t, err)
	assert.Equal(t, 3, h.rt.totalCalls())
}

func TestSingleFlight(t *testing.T) {
	h := newHarness(t, Config{ParallelWorkers: 16}, probe.Snapshot{})
	h.rt.gate = make(chan struct{})
	h.rt.started = make(chan struct{}, 16)

	const n = 8
	results := make([]*types.Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.d.Dispatch(context.Background(), generateTask())
		}(i)
	}

	// Exactly one call enters the runtime; release it once everyone has had a
	// chance to join the flight.
	<-h.rt.started
	time.Sleep(50 * time.Millisecond)
	close(h.rt.gate)
	wg.Wait()

	assert.Equal(t, 1, h.rt.totalCalls(), "identical concurrent tasks share one execution")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "generated by llama3:8b", results[i].Text)
	}
}

func TestSingleFlightResultsAreIndependent(t *testing.T) {
	h := newHarness(t, Config{ParallelWorkers: 16}, probe.Snapshot{})
	h.rt.gate = make(chan struct{})
	h.rt.started = make(chan struct{}, 4)

	var a, b *types.Result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a, _ = h.d.Dispatch(context.Background(), generateTask()) }()
	go func() { defer wg.Done(); b, _ = h.d.Dispatch(context.Background(), generateTask()) }()

	<-h.rt.started
	time.Sleep(50 * time.Millisecond)
	close(h.rt.gate)
	wg.Wait()

	require.NotNil(t, a)
	require.NotNil(t, b)
	a.Text = "mutated"
	assert.NotEqual(t, a.Text, b.Text, "shared results are copied per caller")
}

func TestCancellationReleasesSlotAndCachesNothing(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1}, probe.Snapshot{})
	h.rt.gate = make(chan struct{})
	h.rt.started = make(chan struct{}, 1)
	defer close(h.rt.gate)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = h.d.Dispatch(ctx, generateTask())
	}()

	<-h.rt.started
	cancel()
	<-done

	require.Error(t, err)
	assert.Equal(t, types.Timeout, types.KindOf(err))

	assert.Eventually(t, func() bool {
		return h.pool.List()[0].Inflight == 0
	}, time.Second, 5*time.Millisecond, "the backend slot must be released")
	assert.Equal(t, 0, h.c.Stats().Size, "cancelled work never populates the cache")
}

func TestTransientFaultRetriesOnAnotherBackend(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2}, probe.Snapshot{},
		backendpool.Config{ID: "a", Address: "addr-a", MaxInflight: 16},
		backendpool.Config{ID: "b", Address: "addr-b", MaxInflight: 16},
	)
	h.rt.failEndpoint = "addr-a"

	res, err := h.d.Dispatch(context.Background(), generateTask())
	require.NoError(t, err)
	assert.Equal(t, "generated by llama3:8b", res.Text)

	assert.Equal(t, uint64(1), h.d.Stats().Retries)
	for _, info := range h.pool.List() {
		switch info.ID {
		case "a":
			assert.Equal(t, uint64(1), info.Failures)
		case "b":
			assert.Equal(t, uint64(0), info.Failures)
		}
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2}, probe.Snapshot{})
	h.rt.failEndpoint = "addr-a"

	_, err := h.d.Dispatch(context.Background(), generateTask())
	require.Error(t, err)
	assert.Equal(t, types.Unavailable, types.KindOf(err))
	assert.Equal(t, uint64(1), h.d.Stats().Failures)
}

func TestModelErrorIsTerminal(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3}, probe.Snapshot{})
	h.rt.modelErr = &runtime.ModelErr{Msg: "model 'nope' not found"}

	_, err := h.d.Dispatch(context.Background(), generateTask())
	require.Error(t, err)
	assert.Equal(t, types.ModelError, types.KindOf(err))
	assert.Contains(t, err.Error(), "model 'nope' not found")
	assert.Equal(t, 1, h.rt.totalCalls(), "model errors are never retried")
}

func TestResourceGate(t *testing.T) {
	tests := []struct {
		name string
		snap probe.Snapshot
	}{
		{"cpu saturated", probe.Snapshot{CPUPct: 95, RAMFreeBytes: 16 << 30, RAMTotalBytes: 32 << 30}},
		{"overheating", probe.Snapshot{TemperatureC: 95, RAMFreeBytes: 16 << 30, RAMTotalBytes: 32 << 30}},
		{"ram below floor", probe.Snapshot{RAMFreeBytes: 64 << 20, RAMTotalBytes: 32 << 30}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{RAMFloorBytes: 256 << 20}, tc.snap)

			_, err := h.d.Dispatch(context.Background(), generateTask())
			require.Error(t, err)
			assert.Equal(t, types.Overloaded, types.KindOf(err))
			assert.Zero(t, h.rt.totalCalls())
			assert.Equal(t, uint64(1), h.d.Stats().Rejected)
		})
	}

	t.Run("degraded band still serves", func(t *testing.T) {
		h := newHarness(t, Config{}, probe.Snapshot{CPUPct: 85, RAMFreeBytes: 16 << 30, RAMTotalBytes: 32 << 30})
		_, err := h.d.Dispatch(context.Background(), generateTask())
		assert.NoError(t, err)
	})
}

func TestAdmissionQueueFull(t *testing.T) {
	h := newHarness(t, Config{ParallelWorkers: 1, MaxQueueSize: 1}, probe.Snapshot{})
	h.rt.gate = make(chan struct{})
	h.rt.started = make(chan struct{}, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.d.Dispatch(context.Background(), generateTask())
		assert.NoError(t, err)
	}()
	<-h.rt.started // worker slot taken

	var queuedErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, queuedErr = h.d.Dispatch(context.Background(), generateTask())
	}()
	assert.Eventually(t, func() bool {
		return h.d.queued.Load() == 1
	}, time.Second, time.Millisecond)

	_, err := h.d.Dispatch(context.Background(), generateTask())
	require.Error(t, err)
	assert.Equal(t, types.Overloaded, types.KindOf(err))

	close(h.rt.gate)
	wg.Wait()
	assert.NoError(t, queuedErr, "the queued dispatch completes once the slot frees up")
}

func TestAdmissionQueueBoundExactUnderContention(t *testing.T) {
	h := newHarness(t, Config{ParallelWorkers: 1, MaxQueueSize: 4}, probe.Snapshot{})
	h.rt.gate = make(chan struct{})
	h.rt.started = make(chan struct{}, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.d.Dispatch(context.Background(), generateTask())
		assert.NoError(t, err)
	}()
	<-h.rt.started // worker slot taken

	const n = 32
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.d.Dispatch(context.Background(), generateTask())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.Equal(t, types.Overloaded, types.KindOf(err))
				rejected++
			} else {
				succeeded++
			}
		}()
	}

	// Wait until the queue is full and every surplus arrival has been turned
	// away, then release the worker.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return h.d.queued.Load() == 4 && rejected == n-4
	}, 5*time.Second, time.Millisecond)

	close(h.rt.gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, succeeded, "exactly max_queue_size waiters may queue")
	assert.Equal(t, n-4, rejected)
	assert.Equal(t, uint64(n-4), h.d.Stats().Rejected)
}

func TestBackendsSaturated(t *testing.T) {
	h := newHarness(t, Config{ParallelWorkers: 4}, probe.Snapshot{},
		backendpool.Config{ID: "a", Address: "addr-a", MaxInflight: 1})
	h.rt.gate = make(chan struct{})
	h.rt.started = make(chan struct{}, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.d.Dispatch(context.Background(), generateTask())
	}()
	<-h.rt.started // the only inflight slot is taken

	no := false
	task := generateTask()
	task.Prompt = "a different prompt avoids the single-flight group"
	task.Hints.AllowCache = &no

	_, err := h.d.Dispatch(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, types.Unavailable, types.KindOf(err))

	close(h.rt.gate)
	wg.Wait()
}

func TestNoOnlineBackend(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})
	h.pool.SetState("a", backendpool.StateOffline)

	_, err := h.d.Dispatch(context.Background(), generateTask())
	require.Error(t, err)
	assert.Equal(t, types.Unavailable, types.KindOf(err))
}

func TestExperienceRecordedAfterDispatch(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})

	_, err := h.d.Dispatch(context.Background(), generateTask())
	require.NoError(t, err)
	h.d.Drain()

	require.Equal(t, 1, h.mem.Len())
	assert.Equal(t, 1, h.ix.LiveSize())

	got := h.mem.TopK(types.KindGenerate, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "summarize the report", got[0].InputText)
	assert.Equal(t, "generated by llama3:8b", got[0].OutputText)
	assert.Equal(t, 0.7, got[0].Importance)
	assert.True(t, got[0].EmbeddingFallback, "no engine was configured")
}

func TestPriorityShapesImportance(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})
	ctx := context.Background()

	low := generateTask()
	low.Prompt = "low priority work"
	low.Hints.Priority = types.PriorityLow
	_, err := h.d.Dispatch(ctx, low)
	require.NoError(t, err)

	high := generateTask()
	high.Prompt = "high priority work"
	high.Hints.Priority = types.PriorityHigh
	_, err = h.d.Dispatch(ctx, high)
	require.NoError(t, err)
	h.d.Drain()

	// Low priority (0.4) falls below the 0.5 admission threshold.
	require.Equal(t, 1, h.mem.Len())
	got := h.mem.TopK(types.KindGenerate, 1)
	assert.Equal(t, "high priority work", got[0].InputText)
	assert.Equal(t, 0.9, got[0].Importance)
}

func TestFewShotContextFlowsIntoChat(t *testing.T) {
	h := newHarness(t, Config{FewShotK: 3}, probe.Snapshot{})
	ctx := context.Background()

	_, err := h.d.Dispatch(ctx, &types.Task{
		Kind:     types.KindChat,
		Messages: []types.Message{{Role: types.RoleUser, Content: "first question"}},
	})
	require.NoError(t, err)
	h.d.Drain()
	require.Equal(t, 1, h.mem.Len())

	res, err := h.d.Dispatch(ctx, &types.Task{
		Kind:     types.KindChat,
		Messages: []types.Message{{Role: types.RoleUser, Content: "second question"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "reply from llama3:8b", res.Message.Content)
}

func TestEmbedTask(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})

	res, err := h.d.Dispatch(context.Background(), &types.Task{Kind: types.KindEmbed, Prompt: "text"})
	require.NoError(t, err)
	assert.Len(t, res.Embedding, testDim)
}

func TestVisionAndAudioTasks(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})
	ctx := context.Background()

	res, err := h.d.Dispatch(ctx, &types.Task{
		Kind:       types.KindVision,
		Prompt:     "describe",
		Attachment: &types.Attachment{Data: []byte{1, 2, 3}, MediaType: "image/png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "described", res.Message.Content)

	res, err = h.d.Dispatch(ctx, &types.Task{
		Kind:       types.KindAudio,
		Attachment: &types.Attachment{Data: []byte{4, 5, 6}, MediaType: "audio/wav"},
	})
	require.NoError(t, err)
	assert.Equal(t, "described", res.Message.Content)
}

func TestTimeoutHintCapsDeadline(t *testing.T) {
	h := newHarness(t, Config{DefaultTimeout: time.Minute}, probe.Snapshot{})
	h.rt.gate = make(chan struct{})
	defer close(h.rt.gate)

	task := generateTask()
	task.Hints.Timeout = 30 * time.Millisecond

	start := time.Now()
	_, err := h.d.Dispatch(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, types.Timeout, types.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStatsCounters(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})
	ctx := context.Background()

	_, err := h.d.Dispatch(ctx, generateTask())
	require.NoError(t, err)
	_, err = h.d.Dispatch(ctx, generateTask())
	require.NoError(t, err)
	_, _ = h.d.Dispatch(ctx, &types.Task{Kind: "bogus"})

	stats := h.d.Stats()
	assert.Equal(t, uint64(2), stats.Dispatched)
	assert.Equal(t, uint64(1), stats.CacheHits)
	assert.Equal(t, uint64(1), stats.Failures)
}

func TestCallerTaskNotMutated(t *testing.T) {
	h := newHarness(t, Config{}, probe.Snapshot{})

	task := generateTask()
	_, err := h.d.Dispatch(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, types.Params{}, task.Params, "normalization happens on a copy")
}
