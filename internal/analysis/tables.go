package analysis

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/herald/internal/extractor"
)

// Analyst categories.
const (
	CategoryPolicy   = "policy"
	CategoryMacro    = "macro"
	CategoryIndustry = "industry"
	CategoryMarket   = "market"
)

// DefaultCategory receives events no table matches.
const DefaultCategory = CategoryMarket

// Table routes events mentioning any keyword to an analyst category.
type Table struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// DefaultTables returns the built-in routing tables.
func DefaultTables() []Table {
	return []Table{
		{CategoryPolicy, []string{"政策", "监管", "立法", "法规", "利率", "税收", "财政", "补贴", "央行",
			"policy", "regulat", "legislation", "interest rate", "tax", "fiscal", "subsid", "central bank"}},
		{CategoryMacro, []string{"gdp", "cpi", "ppi", "pmi", "通胀", "通缩", "失业", "就业", "经济数据",
			"inflation", "deflation", "unemployment", "payroll", "economic data"}},
		{CategoryIndustry, []string{"行业", "板块", "财报", "盈利", "营收", "产能", "供应链", "技术",
			"industry", "sector", "earnings", "revenue", "capacity", "supply chain"}},
		{CategoryMarket, []string{"市场", "情绪", "资金", "流动性", "波动", "技术面", "突破",
			"market", "sentiment", "liquidity", "volatility", "fund flow", "breakout"}},
	}
}

type tablesFile struct {
	Tables []Table `yaml:"tables"`
}

// LoadTables reads routing tables from a YAML file with a top-level
// "tables" list.
func LoadTables(path string) ([]Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables: %w", err)
	}
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tables %s: %w", path, err)
	}
	if len(f.Tables) == 0 {
		return nil, fmt.Errorf("parse tables %s: no tables defined", path)
	}
	for _, t := range f.Tables {
		if t.Category == "" || len(t.Keywords) == 0 {
			return nil, fmt.Errorf("parse tables %s: table %q needs a category and keywords", path, t.Category)
		}
	}
	return f.Tables, nil
}

// Classify returns every category whose keywords appear in the event's core
// event or investment implication, in table order. Events matching nothing
// go to DefaultCategory.
func Classify(ev extractor.Event, tables []Table) []string {
	text := strings.ToLower(ev.CoreEvent + " " + ev.InvestmentImplication)
	var out []string
	for _, t := range tables {
		for _, kw := range t.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				out = append(out, t.Category)
				break
			}
		}
	}
	if len(out) == 0 {
		out = append(out, DefaultCategory)
	}
	return out
}

// Categorize groups events by category. An event may appear under several.
func Categorize(events []extractor.Event, tables []Table) map[string][]extractor.Event {
	out := make(map[string][]extractor.Event)
	for _, ev := range events {
		for _, c := range Classify(ev, tables) {
			out[c] = append(out[c], ev)
		}
	}
	return out
}
