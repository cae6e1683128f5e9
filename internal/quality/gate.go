package quality

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/metrics"
)

// Metric names recorded by the Gate.
const (
	MetricEvents    = "event_extraction_quality"
	MetricAnalyses  = "analysis_quality"
	MetricPortfolio = "portfolio_optimization_quality"
)

const (
	historySize = 100
	trendWindow = 10
)

// Result is the outcome of validating a collection of records.
type Result struct {
	Schema     string   `json:"schema"`
	Valid      bool     `json:"valid"`
	Errors     []string `json:"errors"`
	ValidCount int      `json:"valid_count"`
	Total      int      `json:"total"`
	Ratio      float64  `json:"ratio"`
}

// Validate checks every record against the schema. The collection is valid
// when the share of valid records exceeds the threshold or when every record
// is valid. An empty collection is never valid. Records are not modified.
func Validate(records []map[string]any, s Schema) Result {
	return validate(records, nil, s)
}

func validate(records []map[string]any, labels []string, s Schema) Result {
	res := Result{Schema: s.Name, Total: len(records), Errors: []string{}}
	for i, rec := range records {
		problems := s.Check(rec)
		if len(problems) == 0 {
			res.ValidCount++
			continue
		}
		label := fmt.Sprintf("record %d", i+1)
		if labels != nil {
			label = labels[i]
		}
		res.Errors = append(res.Errors, label+": "+strings.Join(problems, ", "))
	}
	if res.Total == 0 {
		return res
	}
	res.Ratio = float64(res.ValidCount) / float64(res.Total)
	res.Valid = res.Ratio > s.Threshold || res.ValidCount == res.Total
	return res
}

// Sample is one recorded quality measurement.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Trend summarizes the recent history of one metric.
type Trend struct {
	Current   float64 `json:"current"`
	Average   float64 `json:"average"`
	Direction string  `json:"trend"`
	Samples   int     `json:"samples"`
}

// Report is the gate's view of quality over time.
type Report struct {
	Timestamp       time.Time        `json:"timestamp"`
	OverallQuality  float64          `json:"overall_quality"`
	Trends          map[string]Trend `json:"metric_trends"`
	Recommendations []string         `json:"recommendations"`
}

// Gate validates pipeline output and keeps a bounded quality history.
type Gate struct {
	events    Schema
	analyses  Schema
	portfolio Schema
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	history map[string][]Sample
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithEventThreshold overrides the event schema threshold.
func WithEventThreshold(t float64) GateOption {
	return func(g *Gate) { g.events = g.events.WithThreshold(t) }
}

// WithAnalysisThreshold overrides the analysis schema threshold.
func WithAnalysisThreshold(t float64) GateOption {
	return func(g *Gate) { g.analyses = g.analyses.WithThreshold(t) }
}

// WithMetrics exports recorded quality scores.
func WithMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a Gate using the default schemas.
func NewGate(logger *slog.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		events:    EventSchema,
		analyses:  AnalysisSchema,
		portfolio: PortfolioSchema,
		logger:    logger,
		now:       time.Now,
		history:   make(map[string][]Sample),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ValidateEvents validates event records and records their quality.
func (g *Gate) ValidateEvents(records []map[string]any) Result {
	res := Validate(records, g.events)
	g.record(MetricEvents, res.Ratio)
	g.log(res)
	return res
}

// ValidateAnalyses validates analyst output keyed by analyst name.
func (g *Gate) ValidateAnalyses(analyses map[string]map[string]any) Result {
	names := make([]string, 0, len(analyses))
	for name := range analyses {
		names = append(names, name)
	}
	sort.Strings(names)
	records := make([]map[string]any, len(names))
	labels := make([]string, len(names))
	for i, name := range names {
		records[i] = analyses[name]
		labels[i] = name + " analysis"
	}
	res := validate(records, labels, g.analyses)
	g.record(MetricAnalyses, res.Ratio)
	g.log(res)
	return res
}

// ValidatePortfolio validates a single portfolio proposal.
func (g *Gate) ValidatePortfolio(rec map[string]any) Result {
	res := validate([]map[string]any{rec}, []string{"portfolio"}, g.portfolio)
	score := 0.0
	if res.Valid {
		score = 1.0
	}
	g.record(MetricPortfolio, score)
	g.log(res)
	return res
}

func (g *Gate) log(res Result) {
	if res.Valid {
		g.logger.Info("quality gate passed", "schema", res.Schema, "valid", res.ValidCount, "total", res.Total)
		return
	}
	g.logger.Warn("quality gate failed",
		"schema", res.Schema,
		"valid", res.ValidCount,
		"total", res.Total,
		"errors", len(res.Errors),
	)
}

func (g *Gate) record(metric string, value float64) {
	g.mu.Lock()
	h := append(g.history[metric], Sample{At: g.now(), Value: value})
	if len(h) > historySize {
		h = h[len(h)-historySize:]
	}
	g.history[metric] = h
	g.mu.Unlock()

	g.metrics.QualityScore(metric, value)
}

// History returns a copy of the samples recorded for metric.
func (g *Gate) History(metric string) []Sample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sample(nil), g.history[metric]...)
}

// Report summarizes the recorded quality history.
func (g *Gate) Report() Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := Report{Timestamp: g.now(), Trends: make(map[string]Trend)}
	var total float64
	for name, samples := range g.history {
		if len(samples) == 0 {
			continue
		}
		recent := samples
		if len(recent) > trendWindow {
			recent = recent[len(recent)-trendWindow:]
		}
		var sum float64
		for _, s := range recent {
			sum += s.Value
		}
		first, last := recent[0].Value, recent[len(recent)-1].Value
		dir := "stable"
		switch {
		case last > first:
			dir = "improving"
		case last < first:
			dir = "declining"
		}
		r.Trends[name] = Trend{
			Current:   last,
			Average:   round(sum / float64(len(recent))),
			Direction: dir,
			Samples:   len(samples),
		}
		total += last
	}
	if len(r.Trends) > 0 {
		r.OverallQuality = round(total / float64(len(r.Trends)))
	}
	r.Recommendations = g.recommendations()
	return r
}

func (g *Gate) recommendations() []string {
	var out []string
	if v, ok := g.latest(MetricEvents); ok && v < g.events.Threshold {
		out = append(out, "event extraction quality is low; refine the extraction prompt")
	}
	if v, ok := g.latest(MetricAnalyses); ok && v < g.analyses.Threshold {
		out = append(out, "analysis output quality is low; review the analyst configuration")
	}
	if v, ok := g.latest(MetricPortfolio); ok && v < 0.9 {
		out = append(out, "portfolio proposals need stricter validation")
	}
	if len(out) == 0 {
		out = append(out, "quality is good")
	}
	return out
}

// latest must be called with g.mu held.
func (g *Gate) latest(metric string) (float64, bool) {
	h := g.history[metric]
	if len(h) == 0 {
		return 0, false
	}
	return h[len(h)-1].Value, true
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
