package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"taskforge/internal/backendpool"
	"taskforge/internal/balancer"
	"taskforge/internal/router"
	"taskforge/internal/runtime"
	"taskforge/internal/types"
)

// execute runs the cache-miss path: build few-shot context, call the runtime
// on a healthy backend with retries, then populate the cache and record the
// experience. fp is empty when caching is disabled for this call.
func (d *Dispatcher) execute(ctx context.Context, t *types.Task, variant router.Variant, fp string) (*types.Result, error) {
	system := d.buildContext(ctx, t)

	res, err := d.callWithRetries(ctx, t, variant, system)
	if err != nil {
		return res, err
	}

	if fp != "" {
		data, merr := json.Marshal(res)
		if merr != nil {
			d.logger.Error("result marshal failed", zap.Error(merr))
		} else if cerr := d.cache.Set(ctx, fp, data, 0, t.Hints.Sensitive); cerr != nil {
			d.logger.Warn("cache set failed", zap.String("key", fp), zap.Error(cerr))
		}
	}

	d.recorders.Add(1)
	go d.recordExperience(t, res)

	return res, nil
}

// callWithRetries issues the runtime call, retrying transient faults on other
// backends with exponential backoff (base doubled per attempt, jittered).
// Model-level errors are terminal and never retried.
func (d *Dispatcher) callWithRetries(ctx context.Context, t *types.Task, variant router.Variant, system string) (*types.Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()

	exclude := make(map[string]bool)
	for attempt := 0; ; attempt++ {
		info, err := d.pickAndReserve(t.Hints.ClientIP, exclude)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		res, err := d.callRuntime(ctx, info.Address, variant.Name, t, system)
		latency := time.Since(start).Milliseconds()

		if err == nil {
			d.pool.Release(info.ID, latency, true)
			res.LatencyMS = latency
			return res, nil
		}
		d.pool.Release(info.ID, latency, false)

		var merr *runtime.ModelErr
		if errors.As(err, &merr) {
			// Terminal: the model itself refused; preserve its message.
			return &types.Result{ErrorMsg: merr.Msg}, types.Errorf(types.ModelError, "%s", merr.Msg)
		}

		if ctx.Err() != nil {
			return nil, ctxError(ctx)
		}

		if attempt >= d.cfg.MaxRetries {
			return nil, types.WrapError(types.Unavailable, err,
				"retry budget exhausted")
		}

		exclude[info.ID] = true
		d.retries.Add(1)
		d.logger.Debug("retrying on another backend",
			zap.String("failed_backend", info.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return nil, ctxError(ctx)
		}
	}
}

// pickAndReserve asks the balancer for a backend and reserves a slot on it.
// A saturated pick is retried once against the remaining backends; two
// reservation failures surface as Unavailable.
func (d *Dispatcher) pickAndReserve(clientIP string, exclude map[string]bool) (backendpool.Info, error) {
	local := make(map[string]bool, len(exclude))
	for id := range exclude {
		local[id] = true
	}
	for i := 0; i < 2; i++ {
		info, err := d.lb.Pick(balancer.PickHints{ClientIP: clientIP, Exclude: local})
		if err != nil {
			return backendpool.Info{}, types.WrapError(types.Unavailable, err, "no backend available")
		}
		if d.pool.Reserve(info.ID) {
			return info, nil
		}
		local[info.ID] = true
	}
	return backendpool.Info{}, types.Errorf(types.Unavailable, "backends saturated")
}

// callRuntime issues the runtime operation matching the task kind.
func (d *Dispatcher) callRuntime(ctx context.Context, endpoint, model string, t *types.Task, system string) (*types.Result, error) {
	switch t.Kind {
	case types.KindGenerate:
		out, err := d.rt.Generate(ctx, endpoint, model, t.Prompt, system, t.Params)
		if err != nil {
			return nil, err
		}
		return &types.Result{Text: out.Text, Usage: out.Usage}, nil

	case types.KindChat:
		out, err := d.rt.Chat(ctx, endpoint, model, t.Messages, system, t.Params)
		if err != nil {
			return nil, err
		}
		msg := out.Message
		return &types.Result{Message: &msg, Usage: out.Usage}, nil

	case types.KindEmbed:
		vec, err := d.rt.Embed(ctx, endpoint, model, t.Prompt)
		if err != nil {
			return nil, err
		}
		return &types.Result{Embedding: vec}, nil

	case types.KindVision:
		out, err := d.rt.Vision(ctx, endpoint, model, t.Attachment.Data, t.Prompt, system, t.Params)
		if err != nil {
			return nil, err
		}
		msg := out.Message
		return &types.Result{Message: &msg, Usage: out.Usage}, nil

	case types.KindAudio:
		// The runtime has no dedicated transcription operation; audio rides
		// the multimodal chat path with a transcription instruction.
		prompt := t.Prompt
		if prompt == "" {
			prompt = "Transcribe the attached audio."
		}
		out, err := d.rt.Vision(ctx, endpoint, model, t.Attachment.Data, prompt, system, t.Params)
		if err != nil {
			return nil, err
		}
		msg := out.Message
		return &types.Result{Message: &msg, Usage: out.Usage}, nil
	}

	return nil, types.Errorf(types.Internal, "unreachable task kind %q", t.Kind)
}
