package extractor

import (
	"fmt"
	"strconv"
	"strings"
)

// Impact levels and time horizons accepted on an Event.
const (
	ImpactLow    = "low"
	ImpactMedium = "medium"
	ImpactHigh   = "high"

	HorizonShort = "short"
	HorizonMid   = "mid"
	HorizonLong  = "long"
)

// DefaultConfidence is assumed when the oracle omits a confidence.
const DefaultConfidence = 0.5

// Event is a structured record extracted from one item.
type Event struct {
	CoreEvent             string   `json:"core_event"`
	ImpactLevel           string   `json:"impact_level"`
	TimeHorizon           string   `json:"time_horizon"`
	AffectedAssets        []string `json:"affected_assets"`
	Confidence            float64  `json:"confidence"`
	InvestmentImplication string   `json:"investment_implication,omitempty"`
	Label                 string   `json:"label,omitempty"`
	Timestamp             string   `json:"timestamp,omitempty"`

	// Provenance copied from the source item.
	ItemID            string `json:"item_id,omitempty"`
	SourceFile        string `json:"source_file,omitempty"`
	SourceLine        int    `json:"source_line,omitempty"`
	OriginalTimestamp string `json:"original_timestamp,omitempty"`
	OriginalCategory  string `json:"original_category,omitempty"`

	// Placeholder marks an event synthesized because extraction failed.
	Placeholder bool `json:"placeholder,omitempty"`

	PriorityScore float64 `json:"priority_score"`
	PriorityLevel string  `json:"priority_level,omitempty"`

	// Extra holds oracle fields this type does not model.
	Extra map[string]any `json:"extra,omitempty"`
}

// Record renders the event as a generic map for schema validation.
func (e Event) Record() map[string]any {
	assets := make([]any, len(e.AffectedAssets))
	for i, a := range e.AffectedAssets {
		assets[i] = a
	}
	m := map[string]any{
		"core_event":      e.CoreEvent,
		"impact_level":    e.ImpactLevel,
		"time_horizon":    e.TimeHorizon,
		"affected_assets": assets,
		"confidence":      e.Confidence,
	}
	opt := map[string]string{
		"investment_implication": e.InvestmentImplication,
		"label":                  e.Label,
		"timestamp":              e.Timestamp,
		"item_id":                e.ItemID,
		"source_file":            e.SourceFile,
		"original_timestamp":     e.OriginalTimestamp,
		"original_category":      e.OriginalCategory,
		"priority_level":         e.PriorityLevel,
	}
	for k, v := range opt {
		if v != "" {
			m[k] = v
		}
	}
	if e.SourceLine > 0 {
		m["source_line"] = e.SourceLine
	}
	if e.Placeholder {
		m["placeholder"] = true
	}
	if e.PriorityLevel != "" {
		m["priority_score"] = e.PriorityScore
	}
	for k, v := range e.Extra {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return m
}

// modelled lists the oracle keys FromRecord maps onto Event fields.
var modelled = map[string]bool{
	"core_event": true, "impact_level": true, "time_horizon": true,
	"affected_assets": true, "confidence": true, "investment_implication": true,
	"label": true, "Label": true, "timestamp": true, "news_index": true,
	"source_file": true, "source_line": true, "original_timestamp": true,
	"original_category": true, "item_id": true,
}

// FromRecord builds an Event from a repaired oracle object, coercing
// loosely typed values. Values that cannot be coerced are kept as given so
// the quality gate can report them.
func FromRecord(m map[string]any) Event {
	e := Event{
		CoreEvent:             strings.TrimSpace(asString(m["core_event"])),
		ImpactLevel:           NormalizeImpact(asString(m["impact_level"])),
		TimeHorizon:           NormalizeHorizon(asString(m["time_horizon"])),
		AffectedAssets:        asStrings(m["affected_assets"]),
		Confidence:            coerceConfidence(m["confidence"]),
		InvestmentImplication: asString(m["investment_implication"]),
		Label:                 firstNonEmpty(asString(m["label"]), asString(m["Label"])),
		Timestamp:             asString(m["timestamp"]),
	}
	for k, v := range m {
		if modelled[k] {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]any)
		}
		e.Extra[k] = v
	}
	return e
}

// NormalizeImpact maps impact synonyms onto low, medium or high. Unknown
// values are returned lower-cased.
func NormalizeImpact(s string) string {
	v := normalizeToken(s)
	switch v {
	case "high", "高", "重大", "major", "significant", "critical", "severe":
		return ImpactHigh
	case "medium", "med", "moderate", "中", "中等":
		return ImpactMedium
	case "low", "低", "minor", "小", "轻微":
		return ImpactLow
	}
	return v
}

// NormalizeHorizon maps horizon synonyms onto short, mid or long.
func NormalizeHorizon(s string) string {
	v := normalizeToken(s)
	switch v {
	case "short", "short-term", "short term", "immediate", "短期", "短":
		return HorizonShort
	case "mid", "medium", "mid-term", "medium-term", "mid term", "medium term", "中期", "中":
		return HorizonMid
	case "long", "long-term", "long term", "长期", "长":
		return HorizonLong
	}
	return v
}

func normalizeToken(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}

func coerceConfidence(v any) float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return DefaultConfidence
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		s := strings.TrimSpace(t)
		pct := strings.HasSuffix(s, "%")
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return DefaultConfidence
		}
		f = parsed
		if pct {
			return f / 100
		}
	default:
		return DefaultConfidence
	}
	// A bare percentage such as 85.
	if f > 1 && f <= 100 {
		return f / 100
	}
	return f
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s := strings.TrimSpace(asString(x)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		var out []string
		for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == '，' || r == '、' }) {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		if out == nil {
			return []string{}
		}
		return out
	}
	return []string{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
