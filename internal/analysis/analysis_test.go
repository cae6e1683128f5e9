package analysis

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/cache"
	"github.com/MikeSquared-Agency/herald/internal/extractor"
	"github.com/MikeSquared-Agency/herald/internal/oracle"
	"github.com/MikeSquared-Agency/herald/internal/quality"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCaller struct {
	calls atomic.Int32
	reply func(prompt string) oracle.Response
}

func (f *fakeCaller) Call(_ context.Context, req oracle.Request) oracle.Response {
	f.calls.Add(1)
	return f.reply(req.Prompt)
}

const goodAnalysis = `{"investment_thesis": "Easier policy lowers funding costs and supports cyclical sectors over the coming quarters.", "time_horizon": "mid", "confidence": 0.75}`

func TestClassify(t *testing.T) {
	tables := DefaultTables()
	tests := []struct {
		core string
		want []string
	}{
		{"央行宣布降息", []string{CategoryPolicy}},
		{"CPI rose faster than expected", []string{CategoryMacro}},
		{"Chipmaker earnings beat; market sentiment improves", []string{CategoryIndustry, CategoryMarket}},
		{"A local festival opens", []string{CategoryMarket}},
	}
	for _, tt := range tests {
		t.Run(tt.core, func(t *testing.T) {
			got := Classify(extractor.Event{CoreEvent: tt.core}, tables)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnalyze(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			f := &fakeCaller{reply: func(prompt string) oracle.Response {
				if strings.Contains(prompt, "macro perspective") {
					return oracle.Response{Text: "I cannot answer that."}
				}
				return oracle.Response{Text: "```json\n" + goodAnalysis + "\n```"}
			}}
			c := NewCoordinator(f, nil, parallel, discardLogger())
			events := []extractor.Event{
				{CoreEvent: "Central bank cuts the policy rate"},
				{CoreEvent: "CPI inflation cools"},
				{CoreEvent: "Regulator tightens rules as inflation climbs"},
			}

			res, err := c.Analyze(context.Background(), events)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Tasks[CategoryPolicy] != 2 || res.Tasks[CategoryMacro] != 2 {
				t.Errorf("unexpected tasks %v", res.Tasks)
			}
			if len(res.Analyses) != 2 || f.calls.Load() != 2 {
				t.Errorf("expected 2 analyses from 2 calls, got %d / %d", len(res.Analyses), f.calls.Load())
			}
			if !slices.Equal(res.Fallbacks, []string{CategoryMacro}) {
				t.Errorf("expected macro fallback, got %v", res.Fallbacks)
			}
			if res.Analyses[CategoryPolicy]["analysis_type"] != CategoryPolicy {
				t.Errorf("expected analysis_type filled in, got %v", res.Analyses[CategoryPolicy])
			}

			gate := quality.NewGate(discardLogger())
			if v := gate.ValidateAnalyses(res.Analyses); !v.Valid || len(v.Errors) != 0 {
				t.Errorf("expected analyses and fallback to validate, got %+v", v)
			}
		})
	}
}

func TestAnalyze_TransportFailureFallsBack(t *testing.T) {
	f := &fakeCaller{reply: func(string) oracle.Response { return oracle.Response{Err: "Error: connection refused"} }}
	c := NewCoordinator(f, nil, true, discardLogger())
	res, err := c.Analyze(context.Background(), []extractor.Event{{CoreEvent: "Stocks rally"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := res.Analyses[CategoryMarket]
	if a["fallback"] != true || a["confidence"] != fallbackConfidence {
		t.Errorf("expected fallback analysis, got %v", a)
	}
}

func TestAnalyze_ResultCache(t *testing.T) {
	ok := &fakeCaller{reply: func(string) oracle.Response { return oracle.Response{Text: goodAnalysis} }}
	results := cache.New("data", time.Hour, cache.NewMemory(10))
	c := NewCoordinator(ok, nil, true, discardLogger(), WithResultCache(results))
	events := []extractor.Event{{CoreEvent: "Stocks rally"}}

	for i := 0; i < 2; i++ {
		res, err := c.Analyze(context.Background(), events)
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", i, err)
		}
		if res.Analyses[CategoryMarket]["analysis_type"] != CategoryMarket {
			t.Errorf("run %d: unexpected analysis %v", i, res.Analyses)
		}
	}
	if ok.calls.Load() != 1 {
		t.Errorf("expected the second run served from cache, got %d calls", ok.calls.Load())
	}
	if st := results.Stats(); st.Hits != 1 || st.Sets != 1 {
		t.Errorf("unexpected cache stats %+v", st)
	}

	failing := &fakeCaller{reply: func(string) oracle.Response { return oracle.Response{Err: "Error: timeout"} }}
	c = NewCoordinator(failing, nil, true, discardLogger(), WithResultCache(cache.New("data", time.Hour, cache.NewMemory(10))))
	for i := 0; i < 2; i++ {
		c.Analyze(context.Background(), []extractor.Event{{CoreEvent: "Stocks slump"}})
	}
	if failing.calls.Load() != 2 {
		t.Errorf("expected fallbacks to stay uncached, got %d calls", failing.calls.Load())
	}
}

func TestAnalyze_Cancelled(t *testing.T) {
	f := &fakeCaller{reply: func(string) oracle.Response { return oracle.Response{Text: goodAnalysis} }}
	c := NewCoordinator(f, nil, false, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Analyze(ctx, []extractor.Event{{CoreEvent: "Stocks rally"}}); err == nil {
		t.Error("expected cancellation error")
	}
	if f.calls.Load() != 0 {
		t.Errorf("expected no calls, got %d", f.calls.Load())
	}
}

func TestLoadTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	os.WriteFile(path, []byte("tables:\n  - category: crypto\n    keywords: [bitcoin, 比特币]\n"), 0o644)
	tables, err := LoadTables(path)
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	got := Classify(extractor.Event{CoreEvent: "Bitcoin ETF approved"}, tables)
	if !slices.Equal(got, []string{"crypto"}) {
		t.Errorf("unexpected classification %v", got)
	}
	if _, err := LoadTables(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
