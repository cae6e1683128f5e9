package priority

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/extractor"
)

// Priority levels assigned from the final score.
const (
	LevelCritical = "critical"
	LevelHigh     = "high"
	LevelMedium   = "medium"
	LevelLow      = "low"
	LevelMinimal  = "minimal"
)

// Levels lists every level from most to least urgent.
var Levels = []string{LevelCritical, LevelHigh, LevelMedium, LevelLow, LevelMinimal}

// ImpactWeight returns the base score contribution of an impact level.
func ImpactWeight(impact string) float64 {
	switch impact {
	case extractor.ImpactHigh:
		return 100
	case extractor.ImpactMedium:
		return 50
	default:
		return 10
	}
}

// HorizonWeight returns the base score contribution of a time horizon.
// A missing horizon counts as mid.
func HorizonWeight(horizon string) float64 {
	switch horizon {
	case extractor.HorizonShort:
		return 30
	case extractor.HorizonMid, "":
		return 20
	case extractor.HorizonLong:
		return 10
	default:
		return 15
	}
}

// Level maps a final score onto a priority level.
func Level(score float64) string {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	case score >= 20:
		return LevelLow
	default:
		return LevelMinimal
	}
}

// timestampLayouts are tried in order when computing event age.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
}

// DecayMultiplier returns the time decay for an event timestamp relative to
// now: 1.0 within an hour, 0.8 within a day, 0.5 within three days, 0.3
// afterwards. A missing timestamp does not decay; an unparseable one gets 0.7.
func DecayMultiplier(ts string, now time.Time) float64 {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return 1.0
	}
	t, ok := parseTimestamp(ts)
	if !ok {
		return 0.7
	}
	age := now.Sub(t)
	switch {
	case age <= time.Hour:
		return 1.0
	case age <= 24*time.Hour:
		return 0.8
	case age <= 72*time.Hour:
		return 0.5
	default:
		return 0.3
	}
}

func parseTimestamp(ts string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, ts, time.Local); err == nil {
			return t, true
		}
	}
	if secs, err := strconv.ParseInt(ts, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}

// Score computes the priority score and level of an event against the given
// rules and holdings at time now. It does not modify the event.
func Score(ev extractor.Event, holdings []string, rules []Rule, now time.Time) (float64, string) {
	base := (ImpactWeight(ev.ImpactLevel) + HorizonWeight(ev.TimeHorizon)) * clamp(ev.Confidence, 0, 1)

	var bonus float64
	for _, r := range rules {
		if r.Matches(ev, holdings) {
			bonus += r.Bonus
		}
	}

	ts := ev.Timestamp
	if ts == "" {
		ts = ev.OriginalTimestamp
	}
	score := clamp((base+bonus)*DecayMultiplier(ts, now), 0, 100)
	return score, Level(score)
}

// Scorer applies a fixed rule set and holdings list to events.
type Scorer struct {
	rules    []Rule
	holdings []string
	now      func() time.Time
	logger   *slog.Logger
}

// NewScorer creates a Scorer. Nil rules means DefaultRules.
func NewScorer(rules []Rule, holdings []string, logger *slog.Logger) *Scorer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Scorer{rules: rules, holdings: holdings, now: time.Now, logger: logger}
}

// WithClock replaces the scorer's time source.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Rules returns the rule set in use.
func (s *Scorer) Rules() []Rule { return s.rules }

// Score scores a single event.
func (s *Scorer) Score(ev extractor.Event) (float64, string) {
	return Score(ev, s.holdings, s.rules, s.now())
}

// Prioritize returns scored copies of events ordered by descending score.
// Events with equal scores keep their input order.
func (s *Scorer) Prioritize(events []extractor.Event) []extractor.Event {
	now := s.now()
	out := make([]extractor.Event, len(events))
	for i, ev := range events {
		ev.PriorityScore, ev.PriorityLevel = Score(ev, s.holdings, s.rules, now)
		out[i] = ev
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PriorityScore > out[j].PriorityScore
	})

	counts := CountByLevel(out)
	s.logger.Info("events prioritized",
		"events", len(out),
		"critical", counts[LevelCritical],
		"high", counts[LevelHigh],
	)
	return out
}

// CountByLevel counts scored events per priority level. Every level is
// present in the result.
func CountByLevel(events []extractor.Event) map[string]int {
	counts := make(map[string]int, len(Levels))
	for _, l := range Levels {
		counts[l] = 0
	}
	for _, ev := range events {
		if ev.PriorityLevel != "" {
			counts[ev.PriorityLevel]++
		}
	}
	return counts
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
