// Package analysis fans categorized events out to per-category analysts
// and collects one investment analysis per category.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/herald/internal/cache"
	"github.com/MikeSquared-Agency/herald/internal/extractor"
	"github.com/MikeSquared-Agency/herald/internal/oracle"
	"github.com/MikeSquared-Agency/herald/internal/repair"
)

// maxEventsPerAnalyst bounds the events embedded in one analyst prompt.
const maxEventsPerAnalyst = 20

const (
	fallbackThesis     = "Analysis temporarily unavailable for this category."
	fallbackConfidence = 0.3
)

// Caller is the oracle surface analysts need.
type Caller interface {
	Call(ctx context.Context, req oracle.Request) oracle.Response
}

// Result holds one analysis per category that received events.
type Result struct {
	Tasks     map[string]int            `json:"tasks"`
	Analyses  map[string]map[string]any `json:"analyses"`
	Fallbacks []string                  `json:"fallbacks,omitempty"`
}

// Coordinator runs the category analysts.
type Coordinator struct {
	oracle   Caller
	tables   []Table
	parallel bool
	results  *cache.Cache
	logger   *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithResultCache memoizes repaired analyses by category and prompt.
// Fallback analyses are never stored.
func WithResultCache(c *cache.Cache) Option {
	return func(co *Coordinator) { co.results = c }
}

// NewCoordinator creates a Coordinator. Nil tables means DefaultTables.
func NewCoordinator(c Caller, tables []Table, parallel bool, logger *slog.Logger, opts ...Option) *Coordinator {
	if tables == nil {
		tables = DefaultTables()
	}
	co := &Coordinator{oracle: c, tables: tables, parallel: parallel, logger: logger}
	for _, o := range opts {
		o(co)
	}
	return co
}

// Analyze categorizes events and runs one analyst per non-empty category.
// Analyst failures degrade to a fallback analysis; only cancellation
// returns an error.
func (c *Coordinator) Analyze(ctx context.Context, events []extractor.Event) (Result, error) {
	groups := Categorize(events, c.tables)
	res := Result{
		Tasks:    make(map[string]int, len(groups)),
		Analyses: make(map[string]map[string]any, len(groups)),
	}
	if len(events) == 0 {
		return res, nil
	}

	categories := make([]string, 0, len(groups))
	for cat, evs := range groups {
		res.Tasks[cat] = len(evs)
		categories = append(categories, cat)
	}
	sort.Strings(categories)
	c.logger.Info("analysis started", "events", len(events), "categories", len(categories))

	var mu sync.Mutex
	store := func(cat string, a map[string]any, fellBack bool) {
		mu.Lock()
		defer mu.Unlock()
		res.Analyses[cat] = a
		if fellBack {
			res.Fallbacks = append(res.Fallbacks, cat)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if !c.parallel {
		g.SetLimit(1)
	}
	for _, cat := range categories {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, fellBack := c.analyze(gctx, cat, groups[cat])
			store(cat, a, fellBack)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("analysis interrupted: %w", err)
	}
	sort.Strings(res.Fallbacks)
	return res, nil
}

var errUnusable = errors.New("analyst response unusable")

func (c *Coordinator) analyze(ctx context.Context, category string, events []extractor.Event) (map[string]any, bool) {
	prompt := buildPrompt(category, events)
	var (
		a   map[string]any
		err error
	)
	key, kerr := cache.Key(map[string]string{"category": category, "prompt": prompt})
	if c.results != nil && kerr == nil {
		a, err = cache.GetOrCompute(ctx, c.results, key, 0, func(ctx context.Context) (map[string]any, error) {
			return c.consult(ctx, category, prompt)
		})
	} else {
		a, err = c.consult(ctx, category, prompt)
	}
	if err != nil {
		return Fallback(category), true
	}
	c.logger.Info("analyst finished", "category", category, "events", len(events), "confidence", a["confidence"])
	return a, false
}

func (c *Coordinator) consult(ctx context.Context, category, prompt string) (map[string]any, error) {
	resp := c.oracle.Call(ctx, oracle.Request{
		Prompt:   prompt,
		System:   systemPrompt(category),
		UseCache: true,
	})
	if resp.Failed() {
		c.logger.Warn("analyst failed", "category", category, "error", resp.Err)
		return nil, errUnusable
	}
	rep := repair.Repair(resp.Text)
	if rep.Fallback {
		c.logger.Warn("analyst response unparseable", "category", category, "reason", rep.Err)
		return nil, errUnusable
	}
	a := rep.Value
	if _, ok := a["analysis_type"]; !ok {
		a["analysis_type"] = category
	}
	return a, nil
}

// Fallback is the analysis used when an analyst cannot produce one.
func Fallback(category string) map[string]any {
	return map[string]any{
		"analysis_type":     category,
		"investment_thesis": fallbackThesis,
		"time_horizon":      extractor.HorizonShort,
		"confidence":        fallbackConfidence,
		"key_factors":       []any{},
		"recommendations":   []any{},
		"fallback":          true,
	}
}

type promptEvent struct {
	CoreEvent   string   `json:"core_event"`
	Impact      string   `json:"impact_level"`
	Horizon     string   `json:"time_horizon"`
	Assets      []string `json:"affected_assets"`
	Implication string   `json:"investment_implication,omitempty"`
}

func buildPrompt(category string, events []extractor.Event) string {
	if len(events) > maxEventsPerAnalyst {
		events = events[:maxEventsPerAnalyst]
	}
	list := make([]promptEvent, len(events))
	for i, ev := range events {
		list[i] = promptEvent{ev.CoreEvent, ev.ImpactLevel, ev.TimeHorizon, ev.AffectedAssets, ev.InvestmentImplication}
	}
	body, _ := json.MarshalIndent(list, "", "  ")
	return fmt.Sprintf(analysisPromptTemplate, len(events), strings.ToLower(category), body)
}
