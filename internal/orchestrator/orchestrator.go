// Package orchestrator owns the task state machine and drives the
// two-phase harvest pipeline: discovery over query units, then enrichment
// of deduplicated candidates, with every external call authorized by the
// credit meter and every state change pushed to the progress broadcaster.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sourcehound/harvester/internal/credit"
	"github.com/sourcehound/harvester/internal/harvest"
)

// Config controls pipeline behavior.
type Config struct {
	DiscoveryConcurrency  int
	EnrichmentConcurrency int
	// PageCap is the hard ceiling on listing pages fetched per unit.
	PageCap int
	// PolitenessDelay spaces consecutive page fetches within one unit.
	PolitenessDelay time.Duration
	// Render and Geo are forwarded to the scraping proxy on every call.
	Render bool
	Geo    string
}

func (c Config) withDefaults() Config {
	if c.DiscoveryConcurrency <= 0 {
		c.DiscoveryConcurrency = 3
	}
	if c.EnrichmentConcurrency <= 0 {
		c.EnrichmentConcurrency = 5
	}
	if c.PageCap <= 0 {
		c.PageCap = 5
	}
	return c
}

// Orchestrator validates, schedules and supervises harvesting tasks.
type Orchestrator struct {
	cfg     Config
	fetcher harvest.Fetcher
	parser  harvest.Parser
	tasks   harvest.TaskStore
	results harvest.ResultStore
	cache   harvest.DetailCache
	ledger  credit.Ledger
	pricing credit.Pricing
	notify  harvest.Notifier
	clock   harvest.Clock
	idGen   harvest.IDGenerator
	logger  *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs an Orchestrator.
func New(
	cfg Config,
	fetcher harvest.Fetcher,
	parser harvest.Parser,
	tasks harvest.TaskStore,
	results harvest.ResultStore,
	cache harvest.DetailCache,
	ledger credit.Ledger,
	pricing credit.Pricing,
	notify harvest.Notifier,
	clock harvest.Clock,
	idGen harvest.IDGenerator,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		fetcher: fetcher,
		parser:  parser,
		tasks:   tasks,
		results: results,
		cache:   cache,
		ledger:  ledger,
		pricing: pricing,
		notify:  notify,
		clock:   clock,
		idGen:   idGen,
		logger:  logger,
		baseCtx: ctx,
		stop:    cancel,
	}
}

// Submit validates the spec, authorizes the initial allowance, stores the
// pending task and schedules async execution. It returns the task ID
// immediately; the caller never waits on pipeline work. An insufficient
// balance under the freeze policy rejects the submission outright, so no
// task record is created.
func (o *Orchestrator) Submit(ctx context.Context, spec harvest.TaskSpec) (string, error) {
	spec, err := validateSpec(spec)
	if err != nil {
		return "", err
	}
	id, err := o.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}

	auth, err := credit.NewAuthorization(spec.Policy, o.ledger, o.pricing, spec.OwnerID, id, len(spec.Units))
	if err != nil {
		return "", err
	}
	if err := auth.Authorize(ctx); err != nil {
		return "", err
	}

	task := harvest.Task{
		ID:         id,
		OwnerID:    spec.OwnerID,
		Mode:       spec.Mode,
		Policy:     spec.Policy,
		Status:     harvest.StatusPending,
		Filters:    spec.Filters,
		TotalUnits: len(spec.Units),
		CreatedAt:  o.clock.Now(),
	}
	if err := o.tasks.Create(ctx, task); err != nil {
		// Nothing was spent, so settling here refunds any freeze in full.
		if _, ferr := auth.Finalize(ctx); ferr != nil {
			o.logger.Error("release authorization failed",
				zap.String("task_id", id),
				zap.Error(ferr),
			)
		}
		return "", fmt.Errorf("create task: %w", err)
	}

	r := &runner{o: o, spec: spec, task: task, auth: auth}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		r.run(o.baseCtx)
	}()

	o.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.String("owner_id", spec.OwnerID),
		zap.String("policy", string(spec.Policy)),
		zap.Int("units", len(spec.Units)),
	)
	return id, nil
}

// Cancel sets the persisted cancellation flag. In-flight calls are not
// interrupted; the flag is observed within at most one call's duration.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	if err := o.tasks.RequestCancel(ctx, taskID); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return nil
}

// GetStatus returns the current task snapshot.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (harvest.Task, error) {
	return o.tasks.Get(ctx, taskID)
}

// GetResults returns one page of the task's stored records.
func (o *Orchestrator) GetResults(ctx context.Context, taskID string, page, size int) ([]harvest.DetailRecord, int, error) {
	if _, err := o.tasks.Get(ctx, taskID); err != nil {
		return nil, 0, err
	}
	return o.results.GetPage(ctx, taskID, page, size)
}

// Shutdown cancels the base context shared by running tasks and waits for
// them to finish.
func (o *Orchestrator) Shutdown() {
	o.stop()
	o.wg.Wait()
}

// Wait blocks until all scheduled tasks have finished (test helper).
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func validateSpec(spec harvest.TaskSpec) (harvest.TaskSpec, error) {
	if spec.OwnerID == "" {
		return spec, errors.New("owner_id is required")
	}
	if len(spec.Units) == 0 {
		return spec, errors.New("at least one unit is required")
	}
	if spec.Mode == "" {
		spec.Mode = harvest.ModeUnitLocation
	}
	if spec.Mode != harvest.ModeUnitOnly && spec.Mode != harvest.ModeUnitLocation {
		return spec, fmt.Errorf("unknown mode %q", spec.Mode)
	}
	if spec.Policy == "" {
		spec.Policy = harvest.PolicyPayAsYouGo
	}
	if spec.Policy != harvest.PolicyFreeze && spec.Policy != harvest.PolicyPayAsYouGo {
		return spec, fmt.Errorf("unknown policy %q", spec.Policy)
	}
	for i := range spec.Units {
		if spec.Units[i].Name == "" {
			return spec, fmt.Errorf("unit %d: name is required", i)
		}
		spec.Units[i].Index = i
	}
	return spec, nil
}
