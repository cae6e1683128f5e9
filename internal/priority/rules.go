package priority

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/herald/internal/extractor"
)

// Condition operators.
const (
	OpEquals           = "equals"
	OpAtLeast          = "at_least"
	OpContainsAny      = "contains_any"
	OpOverlapsHoldings = "overlaps_holdings"
)

// Condition tests one event field.
type Condition struct {
	Field  string   `yaml:"field"`
	Op     string   `yaml:"op"`
	Value  string   `yaml:"value,omitempty"`
	Values []string `yaml:"values,omitempty"`
}

// Rule adds Bonus to an event's score when all of its conditions hold.
type Rule struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Bonus       float64     `yaml:"bonus"`
	Conditions  []Condition `yaml:"conditions"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

var (
	crisisKeywords   = []string{"危机", "崩盘", "暴跌", "恐慌", "熔断", "crisis", "crash", "plunge", "panic", "meltdown"}
	policyKeywords   = []string{"政策", "监管", "利率", "央行", "降息", "加息", "policy", "regulation", "regulator", "interest rate", "central bank", "rate cut", "rate hike"}
	earningsKeywords = []string{"财报", "业绩", "盈利", "营收", "earnings", "profit", "revenue", "guidance"}
)

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "high_impact_short_term", Bonus: 100,
			Description: "high impact with a short horizon",
			Conditions: []Condition{
				{Field: "impact_level", Op: OpEquals, Value: extractor.ImpactHigh},
				{Field: "time_horizon", Op: OpEquals, Value: extractor.HorizonShort},
			},
		},
		{
			Name: "high_impact_mid_term", Bonus: 80,
			Description: "high impact with a mid horizon",
			Conditions: []Condition{
				{Field: "impact_level", Op: OpEquals, Value: extractor.ImpactHigh},
				{Field: "time_horizon", Op: OpEquals, Value: extractor.HorizonMid},
			},
		},
		{
			Name: "portfolio_risk_event", Bonus: 90,
			Description: "touches a held asset",
			Conditions: []Condition{
				{Field: "affected_assets", Op: OpOverlapsHoldings},
				{Field: "impact_level", Op: OpAtLeast, Value: extractor.ImpactMedium},
			},
		},
		{
			Name: "market_crisis", Bonus: 95,
			Description: "crisis language",
			Conditions: []Condition{
				{Field: "core_event", Op: OpContainsAny, Values: crisisKeywords},
			},
		},
		{
			Name: "policy_change", Bonus: 85,
			Description: "policy or rates language",
			Conditions: []Condition{
				{Field: "core_event", Op: OpContainsAny, Values: policyKeywords},
			},
		},
		{
			Name: "earnings_surprise", Bonus: 70,
			Description: "earnings language with at least medium impact",
			Conditions: []Condition{
				{Field: "core_event", Op: OpContainsAny, Values: earningsKeywords},
				{Field: "impact_level", Op: OpAtLeast, Value: extractor.ImpactMedium},
			},
		},
	}
}

// LoadRules reads a YAML rule file of the form
//
//	rules:
//	  - name: market_crisis
//	    bonus: 95
//	    conditions:
//	      - {field: core_event, op: contains_any, values: [crash, 崩盘]}
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("parse rules %s: no rules defined", path)
	}
	for _, r := range f.Rules {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return f.Rules, nil
}

// LoadRulesOrDefault loads rules from path, falling back to DefaultRules
// when path is empty or the file cannot be used.
func LoadRulesOrDefault(path string, logger *slog.Logger) []Rule {
	if path == "" {
		return DefaultRules()
	}
	rules, err := LoadRules(path)
	if err != nil {
		logger.Warn("priority rules unavailable, using defaults", "path", path, "error", err)
		return DefaultRules()
	}
	logger.Info("priority rules loaded", "path", path, "rules", len(rules))
	return rules
}

func (r Rule) validate() error {
	if r.Name == "" {
		return errors.New("missing name")
	}
	if len(r.Conditions) == 0 {
		return errors.New("no conditions")
	}
	for _, c := range r.Conditions {
		switch c.Op {
		case OpEquals, OpAtLeast:
			if c.Value == "" {
				return fmt.Errorf("%s on %s needs a value", c.Op, c.Field)
			}
		case OpContainsAny:
			if len(c.Values) == 0 {
				return fmt.Errorf("contains_any on %s needs values", c.Field)
			}
		case OpOverlapsHoldings:
		default:
			return fmt.Errorf("unknown op %q", c.Op)
		}
	}
	return nil
}

// Matches reports whether every condition of the rule holds for ev.
func (r Rule) Matches(ev extractor.Event, holdings []string) bool {
	for _, c := range r.Conditions {
		if !c.matches(ev, holdings) {
			return false
		}
	}
	return len(r.Conditions) > 0
}

func (c Condition) matches(ev extractor.Event, holdings []string) bool {
	switch c.Op {
	case OpEquals:
		return strings.EqualFold(fieldText(ev, c.Field), c.Value)
	case OpAtLeast:
		got, ok := impactRank(fieldText(ev, c.Field))
		want, wok := impactRank(c.Value)
		return ok && wok && got >= want
	case OpContainsAny:
		if c.Field == "affected_assets" {
			return overlaps(ev.AffectedAssets, c.Values)
		}
		text := strings.ToLower(fieldText(ev, c.Field))
		for _, kw := range c.Values {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	case OpOverlapsHoldings:
		return overlaps(ev.AffectedAssets, holdings)
	}
	return false
}

func fieldText(ev extractor.Event, field string) string {
	switch field {
	case "core_event":
		return ev.CoreEvent
	case "impact_level":
		return ev.ImpactLevel
	case "time_horizon":
		return ev.TimeHorizon
	case "investment_implication":
		return ev.InvestmentImplication
	case "label":
		return ev.Label
	case "affected_assets":
		return strings.Join(ev.AffectedAssets, ",")
	case "original_category":
		return ev.OriginalCategory
	}
	return ""
}

func impactRank(level string) (int, bool) {
	switch strings.ToLower(level) {
	case extractor.ImpactLow:
		return 0, true
	case extractor.ImpactMedium:
		return 1, true
	case extractor.ImpactHigh:
		return 2, true
	}
	return 0, false
}

func overlaps(assets, set []string) bool {
	for _, a := range assets {
		for _, s := range set {
			if s != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(s)) {
				return true
			}
		}
	}
	return false
}
