package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/i2y/toolgate/internal/cache"
	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/telemetry"
)

const leasePollInterval = 25 * time.Millisecond

type fillResult struct {
	body interface{}

	// res is nil when another replica filled the entry.
	res *domain.OriginResult
}

// cached serves a pure tool from the cache, or fills the entry through a
// single in-flight dispatch per fingerprint.
func (e *Engine) cached(ctx context.Context, inv Invocation, out *Outcome, planCfg domain.ToolPlanConfig, directive cache.Directive, log *slog.Logger) error {
	req := cache.Request{
		DeploymentID: inv.Deployment.ID,
		Tool:         inv.Tool.Name,
		Args:         inv.Args,
		Plan:         out.Plan.Slug,
	}
	if directive.Private {
		req.Consumer = out.Consumer.ID
	}
	fp, err := cache.Fingerprint(req)
	if err != nil {
		return &domain.InternalError{Op: "cache fingerprint", Err: err}
	}
	log = log.With(slog.String("fingerprint", fp[:12]))

	entry, err := e.store.Get(ctx, fp)
	switch {
	case err == nil:
		if served := e.serveStored(ctx, inv, out, fp, entry, directive, log); served {
			telemetry.CacheResults.WithLabelValues(string(out.Cache)).Inc()
			out.enter(CacheChecked)
			return nil
		}
	case errors.Is(err, cache.ErrMiss):
	default:
		log.Warn("Cache read failed, dispatching", slog.Any("error", err))
	}
	out.enter(CacheChecked)

	// The fill outlives any one caller: each waiter stops on its own context,
	// the dispatch itself is bounded by the origin timeout.
	leader := false
	fillCtx := context.WithoutCancel(ctx)
	ch := e.fills.DoChan(fp, func() (interface{}, error) {
		leader = true
		return e.fill(fillCtx, inv, fp, directive, log)
	})
	var v interface{}
	select {
	case <-ctx.Done():
		return &domain.OriginError{
			Tool:    inv.Tool.Name,
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     ctx.Err(),
		}
	case r := <-ch:
		if r.Err != nil {
			if leader {
				out.enter(Dispatching)
			}
			return r.Err
		}
		v = r.Val
	}
	fr := v.(*fillResult)
	out.Body = fr.body

	if leader && fr.res != nil {
		out.enter(Dispatching)
		out.Cache = CacheMiss
		telemetry.CacheResults.WithLabelValues(string(out.Cache)).Inc()
		e.recordUsage(ctx, inv, out, planCfg, fr.res, log)
		return nil
	}
	// Callers that waited on another fill were not dispatched.
	out.Cache = CacheHit
	telemetry.CacheResults.WithLabelValues(string(out.Cache)).Inc()
	return nil
}

// serveStored answers from a stored entry when its freshness allows.
func (e *Engine) serveStored(ctx context.Context, inv Invocation, out *Outcome, fp string, entry domain.CacheEntry, directive cache.Directive, log *slog.Logger) bool {
	freshness := directive.Classify(entry.StoredAt, e.now())
	if freshness == cache.Expired {
		return false
	}
	body, err := decodePayload(entry.Payload)
	if err != nil {
		log.Warn("Discarding undecodable cache entry", slog.Any("error", err))
		return false
	}
	out.Body = body
	if freshness == cache.Fresh {
		out.Cache = CacheHit
		return true
	}
	out.Cache = CacheStale
	e.refresh(ctx, inv, fp, directive, log)
	return true
}

// fill dispatches and stores the result. When another replica holds the
// fill lease it waits for that replica's entry first.
func (e *Engine) fill(ctx context.Context, inv Invocation, fp string, directive cache.Directive, log *slog.Logger) (*fillResult, error) {
	token, acquired, err := e.store.Lease(ctx, fp, e.config.LeaseTTL)
	if err != nil {
		log.Warn("Cache lease failed, dispatching without it", slog.Any("error", err))
		acquired = true
	} else if acquired {
		defer func() {
			if err := e.store.Release(context.WithoutCancel(ctx), fp, token); err != nil {
				log.Warn("Cache lease release failed", slog.Any("error", err))
			}
		}()
	}

	if !acquired {
		if body, ok := e.awaitFill(ctx, fp, directive); ok {
			return &fillResult{body: body}, nil
		}
		log.Debug("Cache fill by another replica did not land in time")
	}

	res, err := e.invokeOrigin(ctx, inv)
	if err != nil {
		return nil, err
	}
	e.storeResult(ctx, fp, inv.Tool, directive, res, log)
	return &fillResult{body: res.Body, res: res}, nil
}

// awaitFill polls for an entry written after the wait began.
func (e *Engine) awaitFill(ctx context.Context, fp string, directive cache.Directive) (interface{}, bool) {
	start := e.now()
	deadline := time.NewTimer(e.config.LeaseWait)
	defer deadline.Stop()
	ticker := time.NewTicker(leasePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-ticker.C:
			entry, err := e.store.Get(ctx, fp)
			if err != nil {
				continue
			}
			if !entry.StoredAt.Before(start) || directive.Classify(entry.StoredAt, e.now()) == cache.Fresh {
				if body, err := decodePayload(entry.Payload); err == nil {
					return body, true
				}
			}
		}
	}
}

func (e *Engine) storeResult(ctx context.Context, fp string, tool *domain.ToolDescriptor, directive cache.Directive, res *domain.OriginResult, log *slog.Logger) {
	payload, err := json.Marshal(res.Body)
	if err != nil {
		log.Warn("Result is not cacheable", slog.Any("error", err))
		return
	}
	entry := domain.CacheEntry{
		Fingerprint: fp,
		Payload:     payload,
		StoredAt:    e.now().UTC(),
		Directive:   tool.CacheControl,
	}
	if err := e.store.Set(context.WithoutCancel(ctx), entry, directive.Retention()); err != nil {
		log.Warn("Cache write failed", slog.Any("error", err))
	}
}

// refresh revalidates a stale entry in the background. Refreshes are not
// billed: the caller was served from the cache.
func (e *Engine) refresh(ctx context.Context, inv Invocation, fp string, directive cache.Directive, log *slog.Logger) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		_, _, _ = e.refreshes.Do(fp, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.RefreshTimeout)
			defer cancel()

			token, acquired, err := e.store.Lease(ctx, fp, e.config.LeaseTTL)
			if err == nil && !acquired {
				return nil, nil
			}
			if acquired {
				defer func() { _ = e.store.Release(ctx, fp, token) }()
			}

			res, err := e.invokeOrigin(ctx, inv)
			if err != nil {
				log.Warn("Background refresh failed", slog.Any("error", err))
				return nil, err
			}
			e.storeResult(ctx, fp, inv.Tool, directive, res, log)
			log.Debug("Background refresh stored")
			return nil, nil
		})
	}()
}

// Wait blocks until background refreshes have finished.
func (e *Engine) Wait() {
	e.background.Wait()
}
