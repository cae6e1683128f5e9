package quality

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Rule inspects one record and returns a problem description, or "" when
// the record satisfies it.
type Rule func(rec map[string]any) string

// Schema describes what a valid record looks like and what share of a
// collection must be valid for the collection to pass.
type Schema struct {
	Name string
	// Threshold is exclusive: a collection passes when its valid share is
	// strictly greater, so 8 of 10 fails at 0.8. A fully valid collection
	// passes at any threshold.
	Threshold float64
	Required  []string
	Rules     []Rule
}

// WithThreshold returns a copy of the schema using threshold t.
func (s Schema) WithThreshold(t float64) Schema {
	s.Threshold = t
	return s
}

// Check returns every problem found in rec. Rules only run against fields
// that are present; absence is reported once through Required.
func (s Schema) Check(rec map[string]any) []string {
	var problems []string
	for _, f := range s.Required {
		if _, ok := rec[f]; !ok {
			problems = append(problems, "missing field "+f)
		}
	}
	for _, r := range s.Rules {
		if p := r(rec); p != "" {
			problems = append(problems, p)
		}
	}
	return problems
}

// EventSchema validates extracted events.
var EventSchema = Schema{
	Name:      "events",
	Threshold: 0.8,
	Required:  []string{"core_event", "impact_level", "time_horizon", "affected_assets", "confidence"},
	Rules: []Rule{
		oneOf("impact_level", "low", "medium", "high"),
		oneOf("time_horizon", "short", "mid", "long"),
		inRange("confidence", 0, 1),
		runeLength("core_event", 5, 500),
		stringList("affected_assets"),
	},
}

// AnalysisSchema validates analyst output.
var AnalysisSchema = Schema{
	Name:      "analyses",
	Threshold: 0.7,
	Required:  []string{"investment_thesis", "confidence", "time_horizon"},
	Rules: []Rule{
		runeLength("investment_thesis", 10, 1000),
		inRange("confidence", 0, 1),
		analysisConsistency,
	},
}

// PortfolioSchema validates a single portfolio optimization proposal.
var PortfolioSchema = Schema{
	Name:      "portfolio",
	Threshold: 1.0,
	Required:  []string{"target_allocation", "optimization_type"},
	Rules: []Rule{
		oneOf("optimization_type", "strategic", "tactical", "rebalancing"),
		allocationSum(95, 105),
	},
}

var longTermMarkers = []string{"long-term", "long term", "长期"}

func analysisConsistency(rec map[string]any) string {
	thesis, _ := rec["investment_thesis"].(string)
	lower := strings.ToLower(thesis)
	if conf, ok := toFloat(rec["confidence"]); ok && conf > 0.7 && utf8.RuneCountInString(thesis) < 50 {
		return "high confidence with a thin investment_thesis"
	}
	if h, _ := rec["time_horizon"].(string); h == "short" {
		for _, m := range longTermMarkers {
			if strings.Contains(lower, m) {
				return "short time_horizon contradicts a long-term thesis"
			}
		}
	}
	return ""
}

func allocationSum(lo, hi float64) Rule {
	return func(rec map[string]any) string {
		alloc, ok := rec["target_allocation"]
		if !ok {
			return ""
		}
		classes, ok := alloc.(map[string]any)
		if !ok {
			return "target_allocation is not an object"
		}
		var total float64
		for _, v := range classes {
			info, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if w, ok := parseWeight(info["target_weight"]); ok {
				total += w
			}
		}
		if total < lo || total > hi {
			return fmt.Sprintf("target weights sum to %.1f, want %.0f-%.0f", total, lo, hi)
		}
		return ""
	}
}

func parseWeight(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%")), 64)
		return f, err == nil
	}
	return toFloat(v)
}

func oneOf(field string, allowed ...string) Rule {
	return func(rec map[string]any) string {
		v, ok := rec[field]
		if !ok {
			return ""
		}
		s, isStr := v.(string)
		if !isStr || !slices.Contains(allowed, s) {
			return fmt.Sprintf("invalid %s %v", field, v)
		}
		return ""
	}
}

func inRange(field string, lo, hi float64) Rule {
	return func(rec map[string]any) string {
		v, ok := rec[field]
		if !ok {
			return ""
		}
		f, isNum := toFloat(v)
		if !isNum {
			return fmt.Sprintf("%s is not a number", field)
		}
		if f < lo || f > hi {
			return fmt.Sprintf("%s %v out of range", field, f)
		}
		return ""
	}
}

func runeLength(field string, lo, hi int) Rule {
	return func(rec map[string]any) string {
		v, ok := rec[field]
		if !ok {
			return ""
		}
		s, isStr := v.(string)
		if !isStr {
			return fmt.Sprintf("%s is not a string", field)
		}
		if n := utf8.RuneCountInString(strings.TrimSpace(s)); n < lo || n > hi {
			return fmt.Sprintf("%s length %d outside %d-%d", field, n, lo, hi)
		}
		return ""
	}
}

func stringList(field string) Rule {
	return func(rec map[string]any) string {
		v, ok := rec[field]
		if !ok {
			return ""
		}
		switch list := v.(type) {
		case []string:
			return ""
		case []any:
			for _, x := range list {
				if _, ok := x.(string); !ok {
					return fmt.Sprintf("%s contains a non-string", field)
				}
			}
			return ""
		}
		return fmt.Sprintf("%s is not a list", field)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
