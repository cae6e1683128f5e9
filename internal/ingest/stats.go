package ingest

import (
	"math"
	"strings"
	"unicode/utf8"
)

// ParsingQuality counts field-level problems across a set of items.
type ParsingQuality struct {
	ValidNews        int     `json:"valid_news"`
	MissingTimestamp int     `json:"missing_timestamp"`
	MissingCategory  int     `json:"missing_category"`
	ShortContent     int     `json:"short_content"`
	ValidPercentage  float64 `json:"valid_percentage"`
}

// DateRange is the earliest and latest normalized item date.
type DateRange struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

// Stats summarizes a loaded item set.
type Stats struct {
	TotalCount int            `json:"total_count"`
	Sources    map[string]int `json:"sources"`
	Categories map[string]int `json:"categories"`
	DateRange  DateRange      `json:"date_range"`
	Quality    ParsingQuality `json:"parsing_quality"`
}

// Statistics computes source, category, date and parsing-quality counts.
func Statistics(items []Item) Stats {
	st := Stats{
		TotalCount: len(items),
		Sources:    map[string]int{},
		Categories: map[string]int{},
	}

	for _, it := range items {
		src := it.SourceFile
		if src == "" {
			src = "unknown"
		}
		st.Sources[src]++

		cat := it.Category
		if cat == "" {
			cat = "uncategorized"
			st.Quality.MissingCategory++
		}
		st.Categories[cat]++

		if it.Timestamp == "" {
			st.Quality.MissingTimestamp++
		} else {
			if st.DateRange.Min == "" || it.Timestamp < st.DateRange.Min {
				st.DateRange.Min = it.Timestamp
			}
			if st.DateRange.Max == "" || it.Timestamp > st.DateRange.Max {
				st.DateRange.Max = it.Timestamp
			}
		}

		if utf8.RuneCountInString(it.Content) < 5 {
			st.Quality.ShortContent++
		} else {
			st.Quality.ValidNews++
		}
	}

	if len(items) > 0 {
		pct := float64(st.Quality.ValidNews) / float64(len(items)) * 100
		st.Quality.ValidPercentage = math.Round(pct*100) / 100
	}
	return st
}

// Filter narrows an item set. Zero-valued fields are ignored.
type Filter struct {
	Category         string
	SourceFile       string
	From             string // inclusive YYYY-MM-DD
	To               string // inclusive YYYY-MM-DD
	Keyword          string
	MinContentLength int
}

// IsZero reports whether the filter would keep every item.
func (f Filter) IsZero() bool {
	return f == Filter{}
}

// Match reports whether an item passes every configured criterion.
func (f Filter) Match(it Item) bool {
	if f.Category != "" && it.Category != f.Category {
		return false
	}
	if f.SourceFile != "" && it.SourceFile != f.SourceFile {
		return false
	}
	if f.From != "" || f.To != "" {
		if it.Timestamp == "" {
			return false
		}
		if f.From != "" && it.Timestamp < f.From {
			return false
		}
		if f.To != "" && it.Timestamp > f.To {
			return false
		}
	}
	if f.Keyword != "" && !strings.Contains(strings.ToLower(it.Content), strings.ToLower(f.Keyword)) {
		return false
	}
	if f.MinContentLength > 0 && utf8.RuneCountInString(it.Content) < f.MinContentLength {
		return false
	}
	return true
}

// Apply returns the items matching the filter, preserving order.
func (f Filter) Apply(items []Item) []Item {
	if f.IsZero() {
		return items
	}
	var out []Item
	for _, it := range items {
		if f.Match(it) {
			out = append(out, it)
		}
	}
	return out
}
