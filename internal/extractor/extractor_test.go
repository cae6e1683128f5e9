package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/cache"
	"github.com/MikeSquared-Agency/herald/internal/ingest"
	"github.com/MikeSquared-Agency/herald/internal/oracle"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var numberedLine = regexp.MustCompile(`(?m)^(\d+)\. (.+)$`)

// fakeOracle answers batch prompts with one event per numbered line and
// single prompts with the configured reply.
type fakeOracle struct {
	calls       atomic.Int32
	batchReply  func(lines []string) string
	singleReply func(prompt string) string
}

func (f *fakeOracle) Invoke(_ context.Context, prompt, _ string) (string, error) {
	f.calls.Add(1)
	if strings.Contains(prompt, "news items") {
		var lines []string
		for _, m := range numberedLine.FindAllStringSubmatch(prompt, -1) {
			lines = append(lines, m[2])
		}
		return f.batchReply(lines), nil
	}
	return f.singleReply(prompt), nil
}

func echoEvents(lines []string) string {
	var events []map[string]any
	for i, l := range lines {
		events = append(events, map[string]any{
			"news_index":      i + 1,
			"core_event":      "event: " + l,
			"impact_level":    "high",
			"time_horizon":    "short",
			"affected_assets": []string{"SPX"},
			"confidence":      0.9,
		})
	}
	b, _ := json.Marshal(map[string]any{"batch_events": events})
	return "```json\n" + string(b) + "\n```"
}

func newEngine(f *fakeOracle, opts Options) *Engine {
	client := oracle.NewClient(f, discardLogger(),
		oracle.WithCache(cache.New("oracle", time.Hour, cache.NewMemory(100))))
	return New(client, opts, discardLogger(), nil)
}

func testItems(n int) []ingest.Item {
	var out []ingest.Item
	for i := 1; i <= n; i++ {
		out = append(out, ingest.Item{
			ID:         fmt.Sprintf("n%d", i),
			Content:    fmt.Sprintf("news content number %d", i),
			Timestamp:  "2025-10-08",
			Category:   "macro",
			SourceFile: "news.txt",
			SourceLine: i,
		})
	}
	return out
}

func TestExtractBatch_ParsedInOneCall(t *testing.T) {
	f := &fakeOracle{batchReply: echoEvents}
	e := newEngine(f, Options{})

	br := e.ExtractBatch(context.Background(), 0, testItems(2))
	if f.calls.Load() != 1 {
		t.Errorf("expected 1 oracle call, got %d", f.calls.Load())
	}
	if len(br.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(br.Events))
	}
	want := []BatchState{StatePending, StatePrompted, StateParsed}
	if !slices.Equal(br.Trace, want) {
		t.Errorf("trace = %v, want %v", br.Trace, want)
	}

	ev := br.Events[1]
	if ev.CoreEvent != "event: news content number 2" {
		t.Errorf("unexpected core event %q", ev.CoreEvent)
	}
	if ev.ItemID != "n2" || ev.SourceFile != "news.txt" || ev.SourceLine != 2 {
		t.Errorf("missing provenance: %+v", ev)
	}
	if ev.OriginalTimestamp != "2025-10-08" || ev.OriginalCategory != "macro" {
		t.Errorf("missing original fields: %+v", ev)
	}
	if _, ok := ev.Extra["news_index"]; ok {
		t.Error("news_index should not leak into extra")
	}
}

func TestExtractBatch_ProseFallsBackPerItem(t *testing.T) {
	f := &fakeOracle{
		batchReply: func([]string) string { return "Sorry, I can only summarize these in prose." },
		singleReply: func(string) string {
			return `{"core_event": "Central bank cuts rates", "impact_level": "高", "time_horizon": "short-term", "affected_assets": "bonds, banks", "confidence": "80%"}`
		},
	}
	e := newEngine(f, Options{})

	br := e.ExtractBatch(context.Background(), 0, testItems(5))
	if len(br.Events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(br.Events))
	}
	want := []BatchState{StatePending, StatePrompted, StateParseFailed, StatePerItemFallback, StateDone}
	if !slices.Equal(br.Trace, want) {
		t.Errorf("trace = %v, want %v", br.Trace, want)
	}
	// Items share a single reply but differ in prompt, so each is a fresh call.
	if got := f.calls.Load(); got != 6 {
		t.Errorf("expected 6 oracle calls, got %d", got)
	}
	if br.Placeholders != 0 {
		t.Errorf("expected no placeholders, got %d", br.Placeholders)
	}
	ev := br.Events[0]
	if ev.ImpactLevel != ImpactHigh || ev.TimeHorizon != HorizonShort || ev.Confidence != 0.8 {
		t.Errorf("expected coerced fields, got %+v", ev)
	}
	if !slices.Equal(ev.AffectedAssets, []string{"bonds", "banks"}) {
		t.Errorf("expected split assets, got %v", ev.AffectedAssets)
	}
}

func TestExtractBatch_PlaceholdersWhenEverythingFails(t *testing.T) {
	f := &fakeOracle{
		batchReply:  func([]string) string { return "no json here" },
		singleReply: func(string) string { return "still no json" },
	}
	e := newEngine(f, Options{})
	items := testItems(3)
	items[2].Content = strings.Repeat("长", 150)

	br := e.ExtractBatch(context.Background(), 0, items)
	if len(br.Events) != 3 || br.Placeholders != 3 {
		t.Fatalf("expected 3 placeholders, got %d events / %d placeholders", len(br.Events), br.Placeholders)
	}
	ev := br.Events[2]
	if !ev.Placeholder || ev.ImpactLevel != ImpactLow || ev.TimeHorizon != HorizonShort || ev.Confidence != 0.3 {
		t.Errorf("unexpected placeholder %+v", ev)
	}
	if len([]rune(ev.CoreEvent)) != 100 {
		t.Errorf("expected core event truncated to 100 runes, got %d", len([]rune(ev.CoreEvent)))
	}
	if ev.ItemID != "n3" {
		t.Errorf("expected provenance on placeholder, got %q", ev.ItemID)
	}
}

func TestExtractBatch_CountMismatch(t *testing.T) {
	f := &fakeOracle{batchReply: func(lines []string) string { return echoEvents(lines[:2]) }}
	e := newEngine(f, Options{})

	br := e.ExtractBatch(context.Background(), 0, testItems(3))
	if !br.Mismatch {
		t.Error("expected mismatch flag")
	}
	if len(br.Events) != 2 {
		t.Errorf("expected 2 events, got %d", len(br.Events))
	}
	if br.State() != StateParsed {
		t.Errorf("mismatch should not trigger fallback, state %s", br.State())
	}
}

func TestExtractBatch_ExtraElementsIgnored(t *testing.T) {
	f := &fakeOracle{batchReply: func(lines []string) string {
		return echoEvents(append(lines, "surplus", "more surplus"))
	}}
	e := newEngine(f, Options{})
	br := e.ExtractBatch(context.Background(), 0, testItems(2))
	if len(br.Events) != 2 {
		t.Errorf("expected extra elements ignored, got %d events", len(br.Events))
	}
}

func TestExtractAll_OrderAndCache(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			f := &fakeOracle{batchReply: echoEvents}
			e := newEngine(f, Options{BatchSize: 2, Workers: workers})
			items := testItems(7)

			res, err := e.ExtractAll(context.Background(), items)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(res.Batches) != 4 || res.OracleCalls != 4 {
				t.Errorf("expected 4 batches and 4 calls, got %d / %d", len(res.Batches), res.OracleCalls)
			}
			var ids []string
			for _, ev := range res.Events {
				ids = append(ids, ev.ItemID)
			}
			want := []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7"}
			if !slices.Equal(ids, want) {
				t.Errorf("events out of order: %v", ids)
			}

			again, _ := e.ExtractAll(context.Background(), items)
			if again.CachedCalls != 4 || f.calls.Load() != 4 {
				t.Errorf("expected second run served from cache, cached %d calls %d", again.CachedCalls, f.calls.Load())
			}
		})
	}
}

func TestExtractAll_LogsProgress(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			var buf bytes.Buffer
			f := &fakeOracle{batchReply: echoEvents}
			client := oracle.NewClient(f, discardLogger())
			e := New(client, Options{BatchSize: 1, Workers: workers}, slog.New(slog.NewJSONHandler(&buf, nil)), nil)

			if _, err := e.ExtractAll(context.Background(), testItems(7)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var done []float64
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				var rec map[string]any
				if err := json.Unmarshal([]byte(line), &rec); err != nil {
					t.Fatalf("bad log line %q: %v", line, err)
				}
				if rec["msg"] == "extraction progress" {
					done = append(done, rec["batches_done"].(float64))
					if rec["batches_done"] == float64(7) && rec["events"] != float64(7) {
						t.Errorf("expected 7 events at the end, got %v", rec["events"])
					}
				}
			}
			if !slices.Equal(done, []float64{5, 7}) {
				t.Errorf("expected progress at batches 5 and 7, got %v", done)
			}
		})
	}
}

func TestExtractAll_Cancelled(t *testing.T) {
	f := &fakeOracle{batchReply: echoEvents}
	e := newEngine(f, Options{BatchSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.ExtractAll(ctx, testItems(3))
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(res.Events) != 0 || f.calls.Load() != 0 {
		t.Errorf("expected no work after cancellation, got %d events %d calls", len(res.Events), f.calls.Load())
	}
}

func TestFromRecord_Coercion(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want func(Event) bool
	}{
		{"percent string", map[string]any{"confidence": "85%"}, func(e Event) bool { return e.Confidence == 0.85 }},
		{"bare percent", map[string]any{"confidence": 70.0}, func(e Event) bool { return e.Confidence == 0.7 }},
		{"missing confidence", map[string]any{}, func(e Event) bool { return e.Confidence == DefaultConfidence }},
		{"chinese impact", map[string]any{"impact_level": "中"}, func(e Event) bool { return e.ImpactLevel == ImpactMedium }},
		{"medium-term", map[string]any{"time_horizon": "Medium_Term"}, func(e Event) bool { return e.TimeHorizon == HorizonMid }},
		{"unknown impact kept", map[string]any{"impact_level": "Extreme"}, func(e Event) bool { return e.ImpactLevel == "extreme" }},
		{"single asset", map[string]any{"affected_assets": "AAPL"}, func(e Event) bool { return slices.Equal(e.AffectedAssets, []string{"AAPL"}) }},
		{"extra fields", map[string]any{"basis": "rates"}, func(e Event) bool { return e.Extra["basis"] == "rates" }},
		{"capital label", map[string]any{"Label": "policy"}, func(e Event) bool { return e.Label == "policy" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ev := FromRecord(tt.in); !tt.want(ev) {
				t.Errorf("unexpected event %+v", ev)
			}
		})
	}
}

func TestBuildBatchPrompt_TruncatesContent(t *testing.T) {
	items := []ingest.Item{{Content: strings.Repeat("a", 900)}, {Content: "line one\nline two"}}
	p := BuildBatchPrompt(items)
	if !strings.Contains(p, "1. "+strings.Repeat("a", 800)+"\n") {
		t.Error("expected first item truncated to 800 characters")
	}
	if !strings.Contains(p, "2. line one line two\n") {
		t.Error("expected item content flattened onto one line")
	}
}
