// Package pipeline runs one end-to-end pass: load and deduplicate items,
// extract events, score them, validate the result and optionally analyze
// it by category.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/herald/internal/analysis"
	"github.com/MikeSquared-Agency/herald/internal/cache"
	"github.com/MikeSquared-Agency/herald/internal/dedup"
	"github.com/MikeSquared-Agency/herald/internal/extractor"
	"github.com/MikeSquared-Agency/herald/internal/ingest"
	"github.com/MikeSquared-Agency/herald/internal/metrics"
	"github.com/MikeSquared-Agency/herald/internal/monitor"
	"github.com/MikeSquared-Agency/herald/internal/priority"
	"github.com/MikeSquared-Agency/herald/internal/quality"
)

// ErrNothingToProcess is returned when the item source yields no items.
var ErrNothingToProcess = errors.New("nothing to process")

// DefaultItemTTL is how long a loaded item set is reused.
const DefaultItemTTL = 30 * time.Minute

// Source yields raw items. *ingest.Loader satisfies it.
type Source interface {
	Items(ctx context.Context) iter.Seq[ingest.Item]
	// Version changes whenever the underlying corpus changes.
	Version() string
}

// Options are the defaults applied to every run.
type Options struct {
	TargetCount int
	ScanAll     bool
	Filter      ingest.Filter
	Analyze     bool
	ItemTTL     time.Duration
}

// Request overrides Options for a single run.
type Request struct {
	RunID        string
	TargetCount  int
	Category     string
	Keyword      string
	ForceRefresh bool
	Analyze      *bool
}

// Deps are the components a Runner drives. Items, Analyst, Monitor and
// Metrics are optional.
type Deps struct {
	Source  Source
	Items   *cache.Cache
	Engine  *extractor.Engine
	Scorer  *priority.Scorer
	Gate    *quality.Gate
	Analyst *analysis.Coordinator
	Monitor *monitor.Monitor
	Metrics *metrics.Metrics
	State   *RunState
	// Caches are reported in each run's cache statistics.
	Caches []*cache.Cache
}

// Runner executes pipeline runs one at a time.
type Runner struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	runMu sync.Mutex

	lastMu sync.RWMutex
	last   *Report
}

// New creates a Runner.
func New(deps Deps, opts Options, logger *slog.Logger) *Runner {
	if opts.ItemTTL <= 0 {
		opts.ItemTTL = DefaultItemTTL
	}
	if deps.State == nil {
		deps.State = NewState("")
	}
	return &Runner{deps: deps, opts: opts, logger: logger}
}

// State returns the run state.
func (r *Runner) State() *RunState { return r.deps.State }

// LastReport returns the report of the most recent completed run.
func (r *Runner) LastReport() (Report, bool) {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// Run executes one pass. Concurrent calls are serialized. The report is
// returned even when err is non-nil; ErrNothingToProcess comes with a
// report whose status is StatusNothingToProcess.
func (r *Runner) Run(ctx context.Context, req Request) (Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	rep := Report{
		RunID:       req.RunID,
		StartedAt:   time.Now().UTC(),
		LevelCounts: priority.CountByLevel(nil),
		Events:      []extractor.Event{},
		Errors:      []string{},
	}
	if rep.RunID == "" {
		rep.RunID = uuid.NewString()
	}
	logger := r.logger.With("run_id", rep.RunID)
	logger.Info("run started")

	target := r.opts.TargetCount
	if req.TargetCount > 0 {
		target = req.TargetCount
	}
	filter := r.opts.Filter
	if req.Category != "" {
		filter.Category = req.Category
	}
	if req.Keyword != "" {
		filter.Keyword = req.Keyword
	}

	start := time.Now()
	ld, cached, err := r.loadItems(ctx, target, filter, req.ForceRefresh)
	r.stage("load", start)
	if err != nil {
		return r.fail(ctx, logger, rep, fmt.Errorf("load items: %w", err))
	}
	rep.Dedup, rep.ItemsCached, rep.ItemStats = ld.Dedup, cached, ingest.Statistics(ld.Items)
	if len(ld.Items) == 0 {
		logger.Warn("no items to process", "scanned", ld.Dedup.Scanned)
		r.finish(ctx, logger, &rep, StatusNothingToProcess)
		return rep, ErrNothingToProcess
	}

	start = time.Now()
	res, err := r.deps.Engine.ExtractAll(ctx, ld.Items)
	r.stage("extraction", start)
	rep.Extraction = res
	if err != nil {
		return r.fail(ctx, logger, rep, err)
	}

	start = time.Now()
	events := r.deps.Scorer.Prioritize(res.Events)
	r.stage("scoring", start)
	rep.Events = events
	rep.LevelCounts = priority.CountByLevel(events)
	rep.Recommendation = priority.Recommend(events)

	start = time.Now()
	records := make([]map[string]any, len(events))
	for i, ev := range events {
		records[i] = ev.Record()
	}
	rep.Validation = r.deps.Gate.ValidateEvents(records)
	r.stage("validation", start)

	analyze := r.opts.Analyze
	if req.Analyze != nil {
		analyze = *req.Analyze
	}
	if analyze && r.deps.Analyst != nil {
		start = time.Now()
		ares, err := r.deps.Analyst.Analyze(ctx, events)
		r.stage("analysis", start)
		if err != nil {
			return r.fail(ctx, logger, rep, err)
		}
		rep.Analysis = &ares
		v := r.deps.Gate.ValidateAnalyses(ares.Analyses)
		rep.AnalysisValidation = &v
	}

	r.finish(ctx, logger, &rep, StatusOK)
	return rep, nil
}

type loadedItems struct {
	Items []ingest.Item `json:"items"`
	Dedup dedup.Stats   `json:"dedup"`
}

// loadItems reads and deduplicates up to target items, reusing a cached set
// for the same target, filter and corpus version.
func (r *Runner) loadItems(ctx context.Context, target int, filter ingest.Filter, force bool) (loadedItems, bool, error) {
	if r.deps.Items == nil {
		ld, err := r.readItems(ctx, target, filter)
		return ld, false, err
	}

	key, err := cache.Key(map[string]any{
		"target":   target,
		"scan_all": r.opts.ScanAll,
		"filter":   filter,
		"version":  r.deps.Source.Version(),
	})
	if err != nil {
		return loadedItems{}, false, err
	}
	if force {
		if err := r.deps.Items.Delete(ctx, key); err != nil {
			r.logger.Warn("item cache delete failed", "error", err)
		}
	} else {
		var ld loadedItems
		hit, err := r.deps.Items.Get(ctx, key, &ld)
		if err != nil {
			r.logger.Warn("item cache read failed", "error", err)
		}
		if hit {
			r.logger.Info("items loaded from cache", "items", len(ld.Items))
			return ld, true, nil
		}
	}

	ld, err := r.readItems(ctx, target, filter)
	if err != nil {
		return ld, false, err
	}
	if len(ld.Items) > 0 {
		if err := r.deps.Items.Set(ctx, key, ld, r.opts.ItemTTL); err != nil {
			r.logger.Warn("item cache write failed", "error", err)
		}
	}
	return ld, false, nil
}

func (r *Runner) readItems(ctx context.Context, target int, filter ingest.Filter) (loadedItems, error) {
	d := dedup.New(dedup.Options{Limit: target, ScanAll: r.opts.ScanAll}, r.logger)
	src := r.deps.Source.Items(ctx)
	if !filter.IsZero() {
		src = filtered(src, filter)
	}
	items := d.Collect(src)
	if err := ctx.Err(); err != nil {
		return loadedItems{}, err
	}
	return loadedItems{Items: items, Dedup: d.Stats()}, nil
}

func filtered(src iter.Seq[ingest.Item], f ingest.Filter) iter.Seq[ingest.Item] {
	return func(yield func(ingest.Item) bool) {
		for it := range src {
			if f.Match(it) && !yield(it) {
				return
			}
		}
	}
}

func (r *Runner) stage(name string, start time.Time) {
	d := time.Since(start)
	r.deps.Metrics.StageDuration(name, d)
	if r.deps.Monitor != nil {
		r.deps.Monitor.RecordStage(name, d)
	}
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, rep Report, err error) (Report, error) {
	rep.Errors = append(rep.Errors, err.Error())
	r.deps.State.AddError(fmt.Sprintf("%s: %v", rep.RunID, err))
	logger.Error("run interrupted", "error", err)
	r.finish(ctx, logger, &rep, StatusInterrupted)
	return rep, err
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, rep *Report, status string) {
	rep.Status = status
	rep.FinishedAt = time.Now().UTC()
	rep.Duration = rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond).String()
	for _, c := range r.deps.Caches {
		// Cache statistics are read with a fresh context so they survive cancellation.
		rep.Cache = append(rep.Cache, c.Snapshot(context.WithoutCancel(ctx)))
	}

	r.deps.State.Record(rep.Summary())
	if err := r.deps.State.Save(); err != nil {
		logger.Error("failed to save run state", "error", err)
		rep.Errors = append(rep.Errors, "save state: "+err.Error())
	}
	r.deps.Metrics.Run(status)

	r.lastMu.Lock()
	saved := *rep
	r.last = &saved
	r.lastMu.Unlock()

	logger.Info("run finished",
		"status", status,
		"items", rep.Dedup.Emitted,
		"events", len(rep.Events),
		"critical", rep.LevelCounts[priority.LevelCritical],
		"quality_passed", rep.Validation.Valid,
		"duration", rep.Duration,
	)
}
