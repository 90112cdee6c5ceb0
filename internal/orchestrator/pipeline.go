package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sourcehound/harvester/internal/credit"
	"github.com/sourcehound/harvester/internal/harvest"
	"github.com/sourcehound/harvester/internal/metrics"
)

// runner executes one task end to end. All Task mutations happen under mu;
// fundsStop and cancelSeen are sticky flags shared by the worker pools.
type runner struct {
	o    *Orchestrator
	spec harvest.TaskSpec
	auth credit.Authorization

	mu   sync.Mutex
	task harvest.Task

	// pubMu orders snapshot publication so observers never see progress
	// move backwards.
	pubMu sync.Mutex

	fundsStop  atomic.Bool
	cancelSeen atomic.Bool

	// pace spaces listing-page fetches across the whole task so one task
	// never hammers the target site.
	pace *rate.Limiter
}

func (r *runner) run(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.o.logger.Error("task panicked",
				zap.String("task_id", r.task.ID),
				zap.Any("panic", p),
			)
			r.finish(ctx, fmt.Sprintf("internal error: %v", p))
		}
	}()

	if d := r.o.cfg.PolitenessDelay; d > 0 {
		r.pace = rate.NewLimiter(rate.Every(d), 1)
	} else {
		r.pace = rate.NewLimiter(rate.Inf, 1)
	}

	r.mu.Lock()
	r.task.Status = harvest.StatusRunning
	r.mu.Unlock()
	r.logf("started: %d units, mode %s, policy %s", len(r.spec.Units), r.spec.Mode, r.spec.Policy)
	r.sync(ctx, "task started")

	deduped := r.discover(ctx)
	r.logf("discovery done: %d unique candidates", len(deduped))

	switch {
	case r.spec.Mode == harvest.ModeUnitOnly:
		// Discovery-only tasks persist candidates directly; there is no
		// enrichment phase.
		r.storeSkeletons(ctx, deduped)
	case r.cancelRequested(ctx):
		// Cancelled between phases: the stored output is exactly the
		// post-dedup discovery set, with zero enrichment spend.
		r.storeSkeletons(ctx, deduped)
	default:
		remaining := r.resolveCache(ctx, deduped)
		r.enrich(ctx, remaining)
	}

	r.finish(ctx, "")
}

// discover runs the per-unit pagination loops on a bounded pool and
// deduplicates candidates by fingerprint as they arrive. First occurrence
// wins; unit order under concurrency is not deterministic and the dedup set
// does not depend on it.
func (r *runner) discover(ctx context.Context) []harvest.Candidate {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		out  []harvest.Candidate
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.DiscoveryConcurrency)
	for _, unit := range r.spec.Units {
		unit := unit
		g.Go(func() error {
			if r.fundsStop.Load() || r.cancelRequested(gctx) {
				return nil
			}
			cands, err := r.discoverUnit(gctx, unit)

			mu.Lock()
			for _, c := range cands {
				if _, dup := seen[c.Fingerprint]; dup {
					continue
				}
				seen[c.Fingerprint] = struct{}{}
				out = append(out, c)
			}
			mu.Unlock()

			if err != nil {
				r.logf("unit %d %q: %v", unit.Index, unit.Name, err)
			} else {
				r.logf("unit %d %q: %d candidates", unit.Index, unit.Name, len(cands))
			}
			r.unitDone(ctx)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// discoverUnit pages through one unit's listings up to the page cap,
// stopping early on an empty page, exhausted funds or cancellation. A page
// whose charge fails is discarded so spend and output stay consistent.
func (r *runner) discoverUnit(ctx context.Context, unit harvest.Unit) ([]harvest.Candidate, error) {
	var out []harvest.Candidate
	for page := 1; page <= r.o.cfg.PageCap; page++ {
		if r.fundsStop.Load() || r.cancelRequested(ctx) {
			return out, nil
		}
		if !r.auth.Approve(ctx, harvest.PhaseDiscovery) {
			r.fundsStop.Store(true)
			return out, nil
		}
		if err := r.pace.Wait(ctx); err != nil {
			return out, err
		}

		url, err := r.o.parser.BuildListingURL(unit, page)
		if err != nil {
			return out, fmt.Errorf("build listing url: %w", err)
		}
		resp, err := r.fetch(ctx, url, harvest.PhaseDiscovery)
		if err != nil {
			return out, err
		}
		if err := r.auth.Charge(ctx, harvest.PhaseDiscovery); err != nil {
			r.fundsStop.Store(true)
			return out, nil
		}

		cands, err := r.o.parser.ParseListing(resp.Body)
		if err != nil {
			return out, fmt.Errorf("parse listing page %d: %w", page, err)
		}
		if len(cands) == 0 {
			return out, nil
		}
		out = append(out, cands...)
	}
	return out, nil
}

// resolveCache serves fresh cache entries for free and returns the
// candidates that still need an external detail call.
func (r *runner) resolveCache(ctx context.Context, cands []harvest.Candidate) []harvest.Candidate {
	if len(cands) == 0 {
		return nil
	}
	fps := make([]string, len(cands))
	for i, c := range cands {
		fps[i] = c.Fingerprint
	}
	hits, err := r.o.cache.GetMany(ctx, fps)
	if err != nil {
		r.o.logger.Warn("cache lookup failed", zap.String("task_id", r.task.ID), zap.Error(err))
		return cands
	}

	var (
		remaining []harvest.Candidate
		served    int
	)
	for _, c := range cands {
		rec, ok := hits[c.Fingerprint]
		if !ok {
			remaining = append(remaining, c)
			continue
		}
		served++
		rec.FromCache = true
		if r.task.Filters.Match(rec) {
			r.storeRecord(ctx, rec)
		}
	}
	if served > 0 {
		metrics.AddCacheHits(served)
		r.mu.Lock()
		r.task.Requests.CacheHits += served
		r.mu.Unlock()
		r.logf("cache: %d hits, %d to enrich", served, len(remaining))
	}
	return remaining
}

// enrich fetches detail pages for the remaining candidates on a bounded
// pool, filters and persists the merged records, then writes the fresh ones
// back to the cache. One candidate's failure never aborts the others.
func (r *runner) enrich(ctx context.Context, cands []harvest.Candidate) {
	if len(cands) == 0 {
		return
	}
	var (
		mu    sync.Mutex
		fresh []harvest.DetailRecord
		done  atomic.Int64
	)
	total := len(cands)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.EnrichmentConcurrency)
	for _, c := range cands {
		c := c
		g.Go(func() error {
			defer func() {
				n := int(done.Add(1))
				r.setProgress(ctx, 80+20*n/total)
			}()
			if r.fundsStop.Load() || r.cancelRequested(gctx) {
				return nil
			}
			rec, err := r.enrichOne(gctx, c)
			if err != nil {
				r.logf("detail %q: %v", c.Fingerprint, err)
				return nil
			}
			if rec == nil {
				return nil
			}
			mu.Lock()
			fresh = append(fresh, *rec)
			mu.Unlock()
			if r.task.Filters.Match(*rec) {
				r.storeRecord(gctx, *rec)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Write back everything fetched, filtered or not, so later tasks can
	// reuse it inside the freshness window.
	if len(fresh) > 0 {
		if err := r.o.cache.PutMany(ctx, fresh); err != nil {
			r.o.logger.Warn("cache write-back failed", zap.String("task_id", r.task.ID), zap.Error(err))
		}
	}
}

// enrichOne issues one detail call for c. A (nil, nil) return means the
// candidate was skipped: unusable page, exhausted funds or a discarded
// charge.
func (r *runner) enrichOne(ctx context.Context, c harvest.Candidate) (*harvest.DetailRecord, error) {
	if !r.auth.Approve(ctx, harvest.PhaseEnrichment) {
		r.fundsStop.Store(true)
		return nil, nil
	}
	url, err := r.o.parser.BuildDetailURL(c)
	if err != nil {
		return nil, fmt.Errorf("build detail url: %w", err)
	}
	resp, err := r.fetch(ctx, url, harvest.PhaseEnrichment)
	if err != nil {
		return nil, err
	}
	if err := r.auth.Charge(ctx, harvest.PhaseEnrichment); err != nil {
		r.fundsStop.Store(true)
		return nil, nil
	}

	rec, err := r.o.parser.ParseDetail(resp.Body, c)
	if err != nil {
		return nil, fmt.Errorf("parse detail: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	rec.FromCache = false
	rec.FetchedAt = r.o.clock.Now()
	return rec, nil
}

// fetch issues one governed external call and maintains the request
// counters and call metrics.
func (r *runner) fetch(ctx context.Context, url string, phase harvest.Phase) (harvest.FetchResponse, error) {
	resp, err := r.o.fetcher.Fetch(ctx, harvest.FetchRequest{
		URL:    url,
		Render: r.o.cfg.Render,
		Geo:    r.o.cfg.Geo,
	})

	r.mu.Lock()
	switch phase {
	case harvest.PhaseDiscovery:
		r.task.Requests.Discovery++
	case harvest.PhaseEnrichment:
		r.task.Requests.Enrichment++
	}
	r.mu.Unlock()

	if err != nil {
		metrics.ObserveExternalCall(string(phase), "error", resp.Duration.Seconds())
		return resp, err
	}
	metrics.ObserveExternalCall(string(phase), "ok", resp.Duration.Seconds())
	return resp, nil
}

// storeSkeletons persists candidates as unenriched records.
func (r *runner) storeSkeletons(ctx context.Context, cands []harvest.Candidate) {
	now := r.o.clock.Now()
	for _, c := range cands {
		r.storeRecord(ctx, harvest.DetailRecord{
			Fingerprint: c.Fingerprint,
			Name:        c.Name,
			Attributes:  c.Attributes,
			FetchedAt:   now,
		})
	}
}

func (r *runner) storeRecord(ctx context.Context, rec harvest.DetailRecord) {
	inserted, err := r.o.results.Put(ctx, r.task.ID, rec)
	if err != nil {
		r.o.logger.Warn("store record failed",
			zap.String("task_id", r.task.ID),
			zap.String("fingerprint", rec.Fingerprint),
			zap.Error(err),
		)
		return
	}
	if !inserted {
		return
	}
	metrics.IncResultsStored()
	r.mu.Lock()
	r.task.TotalResults++
	r.mu.Unlock()
}

// unitDone advances the unit counter and the discovery share of progress
// (0 to 80), then publishes the snapshot.
func (r *runner) unitDone(ctx context.Context) {
	r.mu.Lock()
	r.task.CompletedUnits++
	if p := 80 * r.task.CompletedUnits / r.task.TotalUnits; p > r.task.Progress {
		r.task.Progress = p
	}
	r.mu.Unlock()
	r.sync(ctx, "")
}

func (r *runner) setProgress(ctx context.Context, p int) {
	r.mu.Lock()
	changed := p > r.task.Progress
	if changed {
		r.task.Progress = p
	}
	r.mu.Unlock()
	if changed {
		r.sync(ctx, "")
	}
}

// cancelRequested polls the persisted cancel flag. Once seen, the answer
// sticks without further store reads.
func (r *runner) cancelRequested(ctx context.Context) bool {
	if r.cancelSeen.Load() {
		return true
	}
	requested, err := r.o.tasks.CancelRequested(ctx, r.task.ID)
	if err != nil {
		return false
	}
	if requested {
		r.cancelSeen.Store(true)
		r.logf("cancellation requested")
	}
	return requested
}

// finish derives the terminal status, settles credits and persists the
// final snapshot. Stored results are kept on every terminal path.
func (r *runner) finish(ctx context.Context, errMsg string) {
	status := harvest.StatusCompleted
	switch {
	case errMsg != "":
		status = harvest.StatusFailed
	case r.cancelSeen.Load():
		status = harvest.StatusCancelled
	case ctx.Err() != nil:
		status = harvest.StatusFailed
		errMsg = "service shutting down"
	case r.fundsStop.Load():
		status = harvest.StatusInsufficientCredits
	}

	used, err := r.auth.Finalize(context.WithoutCancel(ctx))
	if err != nil {
		r.o.logger.Error("credit settlement failed", zap.String("task_id", r.task.ID), zap.Error(err))
	}

	now := r.o.clock.Now()
	r.mu.Lock()
	r.task.Status = status
	r.task.CreditsUsed = used
	r.task.CompletedAt = &now
	r.task.ErrorMessage = errMsg
	if status == harvest.StatusCompleted {
		r.task.Progress = 100
	}
	r.mu.Unlock()

	r.logf("finished: %s", status)
	r.sync(context.WithoutCancel(ctx), "task "+string(status))
	metrics.IncTaskFinished(string(status))
	r.o.logger.Info("task finished",
		zap.String("task_id", r.task.ID),
		zap.String("status", string(status)),
		zap.String("credits_used", used.String()),
	)
}

// sync persists the current snapshot and pushes a progress event.
func (r *runner) sync(ctx context.Context, msg string) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	snap := r.task
	snap.Logs = append([]harvest.LogEntry(nil), r.task.Logs...)
	r.mu.Unlock()
	snap.CreditsUsed = r.auth.Used()

	if err := r.o.tasks.Update(ctx, snap); err != nil {
		r.o.logger.Warn("persist task failed", zap.String("task_id", snap.ID), zap.Error(err))
	}
	r.o.notify.SendToUser(snap.OwnerID, harvest.ProgressEvent{
		TaskID:         snap.ID,
		OwnerID:        snap.OwnerID,
		Status:         snap.Status,
		Progress:       snap.Progress,
		CompletedUnits: snap.CompletedUnits,
		TotalUnits:     snap.TotalUnits,
		TotalResults:   snap.TotalResults,
		CreditsUsed:    snap.CreditsUsed,
		Message:        msg,
		TS:             r.o.clock.Now(),
	})
}

func (r *runner) logf(format string, args ...any) {
	r.mu.Lock()
	r.task.Logs = append(r.task.Logs, harvest.LogEntry{
		TS:      r.o.clock.Now(),
		Message: fmt.Sprintf(format, args...),
	})
	r.mu.Unlock()
}
