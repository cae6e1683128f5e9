// Package extractor turns batches of items into structured events through
// the oracle, degrading to per-item extraction and placeholders when the
// oracle's batch answer cannot be used.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/herald/internal/ingest"
	"github.com/MikeSquared-Agency/herald/internal/metrics"
	"github.com/MikeSquared-Agency/herald/internal/oracle"
	"github.com/MikeSquared-Agency/herald/internal/repair"
)

const (
	DefaultBatchSize = 50
	// batchContentLimit and singleContentLimit bound item content in prompts, in runes.
	batchContentLimit  = 800
	singleContentLimit = 1000
	placeholderLimit   = 100
	placeholderConf    = 0.3
)

// BatchState is a step of the per-batch state machine.
type BatchState string

const (
	StatePending         BatchState = "PENDING"
	StatePrompted        BatchState = "PROMPTED"
	StateParsed          BatchState = "PARSED"
	StateParseFailed     BatchState = "PARSE_FAILED"
	StatePerItemFallback BatchState = "PER_ITEM_FALLBACK"
	StateDone            BatchState = "DONE"
)

// eventListKeys are the response keys accepted for the event array.
var eventListKeys = []string{"events", "batch_events", "extracted_events"}

// Caller is the oracle surface the engine needs. *oracle.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, req oracle.Request) oracle.Response
}

// Options tunes batching.
type Options struct {
	BatchSize int
	// Workers > 1 extracts batches concurrently; output order is unchanged.
	Workers int
}

// BatchResult describes how one batch was processed.
type BatchResult struct {
	Index        int          `json:"index"`
	Items        int          `json:"items"`
	Events       []Event      `json:"-"`
	Trace        []BatchState `json:"trace"`
	OracleCalls  int          `json:"oracle_calls"`
	CachedCalls  int          `json:"cached_calls"`
	Placeholders int          `json:"placeholders"`
	Mismatch     bool         `json:"mismatch,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// State returns the batch's final state.
func (b BatchResult) State() BatchState {
	if len(b.Trace) == 0 {
		return StatePending
	}
	return b.Trace[len(b.Trace)-1]
}

// Result is the concatenated output of ExtractAll.
type Result struct {
	Events          []Event       `json:"-"`
	Batches         []BatchResult `json:"batches"`
	TotalItems      int           `json:"total_items"`
	OracleCalls     int           `json:"oracle_calls"`
	CachedCalls     int           `json:"cached_calls"`
	Placeholders    int           `json:"placeholders"`
	FallbackBatches int           `json:"fallback_batches"`
}

type Engine struct {
	oracle  Caller
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(c Caller, opts Options, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Engine{oracle: c, opts: opts, logger: logger, metrics: m}
}

// ExtractAll partitions items into batches and concatenates their events in
// batch order. On cancellation it returns the batches finished so far along
// with the context error.
func (e *Engine) ExtractAll(ctx context.Context, items []ingest.Item) (Result, error) {
	res := Result{TotalItems: len(items)}
	if len(items) == 0 {
		return res, nil
	}

	batches := partition(items, e.opts.BatchSize)
	e.logger.Info("starting extraction", "items", len(items), "batches", len(batches), "batch_size", e.opts.BatchSize, "workers", e.opts.Workers)

	results := make([]BatchResult, len(batches))
	done := make([]bool, len(batches))
	var runErr error

	if e.opts.Workers == 1 {
		for i, b := range batches {
			if err := ctx.Err(); err != nil {
				runErr = err
				break
			}
			results[i] = e.ExtractBatch(ctx, i, b)
			done[i] = true
			e.logProgress(i+1, len(batches), results[:i+1])
		}
	} else {
		var (
			mu       sync.Mutex
			finished int
			events   int
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Workers)
		for i, b := range batches {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				br := e.ExtractBatch(gctx, i, b)
				mu.Lock()
				results[i] = br
				done[i] = true
				finished++
				events += len(br.Events)
				e.progress(finished, len(batches), events)
				mu.Unlock()
				return nil
			})
		}
		runErr = g.Wait()
	}

	for i, br := range results {
		if !done[i] {
			continue
		}
		res.Batches = append(res.Batches, br)
		res.Events = append(res.Events, br.Events...)
		res.OracleCalls += br.OracleCalls
		res.CachedCalls += br.CachedCalls
		res.Placeholders += br.Placeholders
		if br.State() == StateDone {
			res.FallbackBatches++
		}
	}

	e.logger.Info("extraction complete",
		"events", len(res.Events),
		"oracle_calls", res.OracleCalls,
		"placeholders", res.Placeholders,
		"fallback_batches", res.FallbackBatches,
	)
	if runErr != nil {
		return res, fmt.Errorf("extraction interrupted: %w", runErr)
	}
	return res, nil
}

func (e *Engine) logProgress(done, total int, so []BatchResult) {
	n := 0
	for _, b := range so {
		n += len(b.Events)
	}
	e.progress(done, total, n)
}

// progress logs every fifth batch and the last one.
func (e *Engine) progress(done, total, events int) {
	if done%5 != 0 && done != total {
		return
	}
	e.logger.Info("extraction progress", "batches_done", done, "batches_total", total, "events", events)
}

// ExtractBatch runs one batch through the state machine. It never fails:
// items the oracle cannot handle end up as placeholder events.
func (e *Engine) ExtractBatch(ctx context.Context, index int, items []ingest.Item) BatchResult {
	br := BatchResult{Index: index, Items: len(items)}
	br.transition(e.logger, StatePending)
	if len(items) == 0 {
		br.transition(e.logger, StateParsed)
		return br
	}

	resp := e.oracle.Call(ctx, oracle.Request{Prompt: BuildBatchPrompt(items), System: systemPrompt, UseCache: true})
	br.count(resp)
	br.transition(e.logger, StatePrompted)

	list, reason := e.parseEventList(resp)
	if reason == "" {
		br.transition(e.logger, StateParsed)
		if len(list) != len(items) {
			br.Mismatch = true
			e.logger.Warn("batch event count mismatch", "batch", index, "expected", len(items), "got", len(list))
		}
		for i, it := range items {
			if i >= len(list) {
				break
			}
			obj, ok := list[i].(map[string]any)
			if !ok {
				continue
			}
			ev := FromRecord(obj)
			annotate(&ev, it)
			br.Events = append(br.Events, ev)
		}
		e.metrics.Events("oracle", len(br.Events))
		return br
	}

	br.Reason = reason
	br.transition(e.logger, StateParseFailed)
	e.logger.Warn("batch parse failed, extracting items one by one", "batch", index, "reason", reason)
	br.transition(e.logger, StatePerItemFallback)

	for _, it := range items {
		ev, resp, ok := e.extractOne(ctx, it)
		if resp != nil {
			br.count(*resp)
		}
		if !ok {
			br.Placeholders++
		}
		br.Events = append(br.Events, ev)
	}
	e.metrics.Events("fallback", len(br.Events)-br.Placeholders)
	e.metrics.Events("placeholder", br.Placeholders)
	br.transition(e.logger, StateDone)
	return br
}

// ExtractOne extracts a single item, returning a placeholder event and
// false when the oracle cannot produce one.
func (e *Engine) ExtractOne(ctx context.Context, it ingest.Item) (Event, bool) {
	ev, _, ok := e.extractOne(ctx, it)
	return ev, ok
}

func (e *Engine) extractOne(ctx context.Context, it ingest.Item) (Event, *oracle.Response, bool) {
	resp := e.oracle.Call(ctx, oracle.Request{Prompt: BuildSinglePrompt(it), System: systemPrompt, UseCache: true})
	if resp.Failed() {
		e.logger.Warn("single extraction failed", "item", it.ID, "error", resp.Err)
		return Placeholder(it), &resp, false
	}

	rep := repair.Repair(resp.Text)
	e.recordRepair(rep)
	if rep.Fallback {
		e.logger.Warn("single extraction unparseable", "item", it.ID, "reason", rep.Err)
		return Placeholder(it), &resp, false
	}

	obj := rep.Value
	for _, k := range eventListKeys {
		if list, ok := obj[k].([]any); ok {
			if len(list) == 0 {
				return Placeholder(it), &resp, false
			}
			first, ok := list[0].(map[string]any)
			if !ok {
				return Placeholder(it), &resp, false
			}
			obj = first
			break
		}
	}
	if _, ok := obj["core_event"]; !ok {
		e.logger.Warn("single extraction missing core_event", "item", it.ID)
		return Placeholder(it), &resp, false
	}

	ev := FromRecord(obj)
	annotate(&ev, it)
	return ev, &resp, true
}

// parseEventList repairs a batch response and returns its event array, or a
// reason why the response is unusable.
func (e *Engine) parseEventList(resp oracle.Response) ([]any, string) {
	if resp.Failed() {
		return nil, "transport: " + resp.Err
	}
	rep := repair.Repair(resp.Text)
	e.recordRepair(rep)
	if rep.Fallback {
		return nil, "unrepairable response: " + rep.Err
	}
	for _, k := range eventListKeys {
		v, present := rep.Value[k]
		if !present {
			continue
		}
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Sprintf("%s is not an array", k)
		}
		return list, ""
	}
	return nil, "no event list in response"
}

func (e *Engine) recordRepair(r repair.Result) {
	switch {
	case r.Fallback:
		e.metrics.RepairOutcome("fallback")
	case r.Attempts > 0:
		e.metrics.RepairOutcome("repaired")
	default:
		e.metrics.RepairOutcome("parsed")
	}
}

func (b *BatchResult) transition(logger *slog.Logger, s BatchState) {
	b.Trace = append(b.Trace, s)
	logger.Debug("batch state", "batch", b.Index, "state", string(s))
}

func (b *BatchResult) count(resp oracle.Response) {
	if resp.Cached {
		b.CachedCalls++
		return
	}
	b.OracleCalls++
}

// Placeholder is the deterministic event used when extraction fails.
func Placeholder(it ingest.Item) Event {
	ev := Event{
		CoreEvent:             truncateRunes(it.Content, placeholderLimit),
		ImpactLevel:           ImpactLow,
		TimeHorizon:           HorizonShort,
		AffectedAssets:        []string{},
		Confidence:            placeholderConf,
		InvestmentImplication: "needs further analysis",
		Placeholder:           true,
	}
	annotate(&ev, it)
	return ev
}

func annotate(ev *Event, it ingest.Item) {
	ev.ItemID = it.ID
	ev.SourceFile = it.SourceFile
	ev.SourceLine = it.SourceLine
	ev.OriginalTimestamp = it.Timestamp
	if ev.OriginalTimestamp == "" {
		ev.OriginalTimestamp = it.RawTimestamp
	}
	ev.OriginalCategory = it.Category
	if ev.AffectedAssets == nil {
		ev.AffectedAssets = []string{}
	}
}

// BuildBatchPrompt enumerates the items, one numbered line each.
func BuildBatchPrompt(items []ingest.Item) string {
	var sb strings.Builder
	for i, it := range items {
		content := strings.Join(strings.Fields(truncateRunes(it.Content, batchContentLimit)), " ")
		fmt.Fprintf(&sb, "%d. %s\n", i+1, content)
	}
	return fmt.Sprintf(batchPromptTemplate, len(items), sb.String())
}

// BuildSinglePrompt renders the single-item prompt.
func BuildSinglePrompt(it ingest.Item) string {
	source := it.Source
	if source == "" {
		source = "unknown"
	}
	ts := it.RawTimestamp
	if ts == "" {
		ts = "unknown"
	}
	return fmt.Sprintf(singlePromptTemplate, it.Title, truncateRunes(it.Content, singleContentLimit), source, ts)
}

func partition(items []ingest.Item, size int) [][]ingest.Item {
	var out [][]ingest.Item
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
