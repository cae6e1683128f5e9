package priority

import (
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/extractor"
)

// Recommendation summarizes how a prioritized event list should be handled.
type Recommendation struct {
	ImmediateAttention  int           `json:"immediate_attention"`
	HighPriority        int           `json:"high_priority"`
	SuggestedBatchSize  int           `json:"suggested_batch_size"`
	EstimatedTime       time.Duration `json:"-"`
	EstimatedTimeString string        `json:"estimated_processing_time"`
	FocusAreas          []string      `json:"focus_areas"`
}

type focusBucket struct {
	name     string
	keywords []string
}

var focusBuckets = []focusBucket{
	{"monetary_policy", []string{"利率", "央行", "货币政策", "interest rate", "central bank", "monetary"}},
	{"earnings", []string{"财报", "盈利", "营收", "earnings", "profit", "revenue"}},
	{"geopolitical", []string{"地缘", "战争", "冲突", "geopolit", "war", "conflict"}},
	{"inflation", []string{"通胀", "cpi", "物价", "inflation"}},
}

// Recommend derives processing advice from prioritized events. Events are
// expected in descending priority order; focus areas consider the top ten.
func Recommend(events []extractor.Event) Recommendation {
	counts := CountByLevel(events)
	critical, high := counts[LevelCritical], counts[LevelHigh]

	batch := 5
	switch {
	case critical > 5:
		batch = 3
	case len(events) > 20:
		batch = 8
	}

	est := time.Duration(len(events))*2*time.Second + time.Duration(critical+high)*5*time.Second
	return Recommendation{
		ImmediateAttention:  critical,
		HighPriority:        high,
		SuggestedBatchSize:  batch,
		EstimatedTime:       est,
		EstimatedTimeString: est.String(),
		FocusAreas:          FocusAreas(events),
	}
}

// FocusAreas returns up to three topic buckets most often mentioned by the
// first ten events, most frequent first.
func FocusAreas(events []extractor.Event) []string {
	if len(events) > 10 {
		events = events[:10]
	}
	hits := make([]int, len(focusBuckets))
	for _, ev := range events {
		text := strings.ToLower(ev.CoreEvent + " " + ev.InvestmentImplication)
		for i, b := range focusBuckets {
			for _, kw := range b.keywords {
				if strings.Contains(text, kw) {
					hits[i]++
					break
				}
			}
		}
	}

	idx := make([]int, 0, len(focusBuckets))
	for i, n := range hits {
		if n > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return hits[idx[a]] > hits[idx[b]] })
	if len(idx) > 3 {
		idx = idx[:3]
	}
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, focusBuckets[i].name)
	}
	return out
}
