package priority

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/extractor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2025, 10, 8, 12, 0, 0, 0, time.Local)

func ev(core, impact, horizon string, conf float64) extractor.Event {
	return extractor.Event{CoreEvent: core, ImpactLevel: impact, TimeHorizon: horizon, Confidence: conf}
}

func TestScore(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		name     string
		event    extractor.Event
		holdings []string
		want     float64
		level    string
	}{
		{"high short saturates", ev("Index futures jump", "high", "short", 1.0), nil, 100, LevelCritical},
		{"medium mid half confidence", ev("Company hires new staff", "medium", "mid", 0.5), nil, 35, LevelLow},
		{"low long", ev("Local fair opens", "low", "long", 0.9), nil, 18, LevelMinimal},
		{"missing horizon counts as mid", ev("Local fair opens", "medium", "", 1.0), nil, 70, LevelHigh},
		{"unknown horizon", ev("Local fair opens", "medium", "forever", 1.0), nil, 65, LevelHigh},
		{"unknown impact", ev("Local fair opens", "extreme", "long", 1.0), nil, 20, LevelLow},
		{"policy keyword bonus", ev("央行宣布下调存款准备金率", "low", "short", 0.5), nil, 100, LevelCritical},
		{"holdings overlap", ev("Supplier delays shipments", "medium", "mid", 0), []string{"AAPL"}, 90, LevelCritical},
		{"no holdings no overlap", ev("Supplier delays shipments", "medium", "mid", 0), nil, 0, LevelMinimal},
		{"earnings needs medium impact", ev("Quarterly earnings beat", "low", "long", 0), nil, 0, LevelMinimal},
		{"confidence above one clamps", ev("Local fair opens", "low", "long", 3), nil, 20, LevelLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.event
			e.AffectedAssets = []string{"aapl"}
			got, level := Score(e, tt.holdings, rules, testNow)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
			if level != tt.level {
				t.Errorf("level = %s, want %s", level, tt.level)
			}
		})
	}
}

func TestDecayMultiplier(t *testing.T) {
	tests := []struct {
		ts   string
		want float64
	}{
		{"", 1.0},
		{testNow.Add(-30 * time.Minute).Format(time.RFC3339), 1.0},
		{"2025-10-08 11:30:00", 1.0},
		{"2025-10-08", 0.8},
		{"2025-10-06", 0.5},
		{"2025-09-01", 0.3},
		{"yesterday", 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.ts, func(t *testing.T) {
			if got := DecayMultiplier(tt.ts, testNow); math.Abs(got-tt.want) > 0.001 {
				t.Errorf("DecayMultiplier(%q) = %v, want %v", tt.ts, got, tt.want)
			}
		})
	}
}

func TestScore_FallsBackToOriginalTimestamp(t *testing.T) {
	e := ev("Local fair opens", "medium", "mid", 1.0)
	e.OriginalTimestamp = "2025-10-08"
	got, _ := Score(e, nil, nil, testNow)
	if math.Abs(got-56) > 0.001 {
		t.Errorf("expected 70 * 0.8 = 56, got %v", got)
	}
}

func TestScore_ConfidenceNeverLowersScore(t *testing.T) {
	rules := DefaultRules()
	for _, impact := range []string{"low", "medium", "high"} {
		for _, horizon := range []string{"short", "mid", "long"} {
			prev := -1.0
			for c := 0.0; c <= 1.0; c += 0.1 {
				got, _ := Score(ev("Local fair opens", impact, horizon, c), nil, rules, testNow)
				if got < prev {
					t.Fatalf("%s/%s: score fell from %v to %v at confidence %v", impact, horizon, prev, got, c)
				}
				if got < 0 || got > 100 {
					t.Fatalf("score %v out of range", got)
				}
				prev = got
			}
		}
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{100, LevelCritical}, {80, LevelCritical}, {79.9, LevelHigh}, {60, LevelHigh},
		{40, LevelMedium}, {20, LevelLow}, {19.99, LevelMinimal}, {0, LevelMinimal},
	}
	for _, tt := range tests {
		if got := Level(tt.score); got != tt.want {
			t.Errorf("Level(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestPrioritize_StableDescending(t *testing.T) {
	s := NewScorer(nil, nil, discardLogger()).WithClock(func() time.Time { return testNow })
	in := []extractor.Event{
		ev("first minor", "low", "long", 1.0),
		ev("big move", "high", "short", 1.0),
		ev("second minor", "low", "long", 1.0),
	}
	out := s.Prioritize(in)

	var order []string
	for _, e := range out {
		order = append(order, e.CoreEvent)
	}
	want := []string{"big move", "first minor", "second minor"}
	if !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if out[0].PriorityLevel != LevelCritical || out[1].PriorityLevel != LevelLow {
		t.Errorf("unexpected levels %s %s", out[0].PriorityLevel, out[1].PriorityLevel)
	}
	if in[1].PriorityLevel != "" {
		t.Error("input events should not be mutated")
	}
}

func TestPrioritize_ZeroScoreIsSerialized(t *testing.T) {
	s := NewScorer(nil, nil, discardLogger()).WithClock(func() time.Time { return testNow })
	out := s.Prioritize([]extractor.Event{ev("Local fair opens", "low", "long", 0)})

	b, err := json.Marshal(out[0])
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	score, ok := got["priority_score"]
	if !ok {
		t.Fatalf("expected priority_score in %s", b)
	}
	if score != float64(0) || got["priority_level"] != LevelMinimal {
		t.Errorf("expected a minimal event scored 0, got %v / %v", score, got["priority_level"])
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "rules.yaml")
	os.WriteFile(good, []byte(`rules:
  - name: chip_news
    bonus: 40
    conditions:
      - {field: core_event, op: contains_any, values: [semiconductor, 芯片]}
      - {field: impact_level, op: at_least, value: medium}
`), 0o644)

	rules, err := LoadRules(good)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules) != 1 || rules[0].Bonus != 40 {
		t.Fatalf("unexpected rules %+v", rules)
	}
	if !rules[0].Matches(ev("Semiconductor export curbs", "high", "long", 1), nil) {
		t.Error("expected loaded rule to match")
	}
	if rules[0].Matches(ev("Semiconductor export curbs", "low", "long", 1), nil) {
		t.Error("expected at_least to reject low impact")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("rules:\n  - name: x\n    conditions:\n      - {field: core_event, op: regex}\n"), 0o644)
	if _, err := LoadRules(bad); err == nil {
		t.Error("expected unknown op to be rejected")
	}

	got := LoadRulesOrDefault(filepath.Join(dir, "missing.yaml"), discardLogger())
	if len(got) != len(DefaultRules()) {
		t.Errorf("expected defaults on missing file, got %d rules", len(got))
	}
}

func TestRecommend(t *testing.T) {
	scored := func(level string, n int, core string) []extractor.Event {
		var out []extractor.Event
		for i := 0; i < n; i++ {
			out = append(out, extractor.Event{CoreEvent: core, PriorityLevel: level})
		}
		return out
	}

	t.Run("many critical", func(t *testing.T) {
		r := Recommend(scored(LevelCritical, 6, "x"))
		if r.SuggestedBatchSize != 3 || r.ImmediateAttention != 6 {
			t.Errorf("unexpected %+v", r)
		}
	})
	t.Run("large volume", func(t *testing.T) {
		r := Recommend(scored(LevelLow, 21, "x"))
		if r.SuggestedBatchSize != 8 {
			t.Errorf("expected batch 8, got %d", r.SuggestedBatchSize)
		}
	})
	t.Run("estimate", func(t *testing.T) {
		events := append(scored(LevelCritical, 1, "x"), scored(LevelHigh, 1, "y")...)
		r := Recommend(events)
		if r.SuggestedBatchSize != 5 || r.EstimatedTime != 14*time.Second || r.EstimatedTimeString != "14s" {
			t.Errorf("unexpected %+v", r)
		}
	})
	t.Run("focus areas", func(t *testing.T) {
		events := append(scored(LevelHigh, 3, "CPI inflation surprise"), scored(LevelHigh, 1, "央行 raises interest rate")...)
		got := FocusAreas(events)
		if !slices.Equal(got, []string{"inflation", "monetary_policy"}) {
			t.Errorf("unexpected focus areas %v", got)
		}
	})
}

// The high_impact_short_term bonus alone reaches the cap, so a fresh
// high/short event scores 100 whatever its confidence. Confidence and age
// only separate such events once decay pulls them under the cap.
func TestScore_HighShortSaturates(t *testing.T) {
	tests := []struct {
		name string
		conf float64
		age  time.Duration
		want float64
	}{
		{"no confidence no timestamp", 0, 0, 100},
		{"low confidence fresh", 0.2, 30 * time.Minute, 100},
		{"low confidence two hours old", 0.2, 2 * time.Hour, 100},
		{"no confidence two hours old", 0, 2 * time.Hour, 80},
		{"full confidence four days old", 1.0, 96 * time.Hour, 69},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := ev("Index futures jump", "high", "short", tt.conf)
			if tt.age > 0 {
				e.Timestamp = testNow.Add(-tt.age).Format(time.RFC3339)
			}
			got, _ := Score(e, nil, DefaultRules(), testNow)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Uses medium/long so the rule bonuses leave the score under the cap.
func TestScore_HigherConfidenceScoresHigher(t *testing.T) {
	hi, _ := Score(ev("Local fair opens", "medium", "long", 0.9), nil, DefaultRules(), testNow)
	lo, _ := Score(ev("Local fair opens", "medium", "long", 0.2), nil, DefaultRules(), testNow)
	if hi <= lo {
		t.Errorf("expected 0.9 confidence (%v) to outscore 0.2 (%v)", hi, lo)
	}
}

func TestScore_RecentEventOutscoresOlder(t *testing.T) {
	recent := ev("Local fair opens", "medium", "mid", 0.8)
	recent.Timestamp = testNow.Add(-30 * time.Minute).Format(time.RFC3339)
	older := recent
	older.Timestamp = testNow.Add(-2 * time.Hour).Format(time.RFC3339)

	a, _ := Score(recent, nil, DefaultRules(), testNow)
	b, _ := Score(older, nil, DefaultRules(), testNow)
	if a <= b {
		t.Errorf("expected 30-minute-old event (%v) to outscore 2-hour-old event (%v)", a, b)
	}
}
