package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/analysis"
	"github.com/MikeSquared-Agency/herald/internal/cache"
	"github.com/MikeSquared-Agency/herald/internal/dedup"
	"github.com/MikeSquared-Agency/herald/internal/extractor"
	"github.com/MikeSquared-Agency/herald/internal/ingest"
	"github.com/MikeSquared-Agency/herald/internal/priority"
	"github.com/MikeSquared-Agency/herald/internal/quality"
)

// Run statuses.
const (
	StatusOK               = "ok"
	StatusNothingToProcess = "nothing_to_process"
	StatusInterrupted      = "interrupted"
)

// Report is the full outcome of one run.
type Report struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   string    `json:"duration"`

	Dedup       dedup.Stats  `json:"dedup"`
	ItemStats   ingest.Stats `json:"item_stats"`
	ItemsCached bool         `json:"items_cached"`

	Extraction     extractor.Result        `json:"extraction"`
	LevelCounts    map[string]int          `json:"level_counts"`
	Recommendation priority.Recommendation `json:"recommendation"`
	Validation     quality.Result          `json:"validation"`

	Analysis           *analysis.Result `json:"analysis,omitempty"`
	AnalysisValidation *quality.Result  `json:"analysis_validation,omitempty"`

	Cache  []cache.Stats     `json:"cache,omitempty"`
	Events []extractor.Event `json:"events"`
	Errors []string          `json:"errors"`
}

// Summary condenses the report for the run history.
func (r Report) Summary() RunSummary {
	return RunSummary{
		RunID:         r.RunID,
		Status:        r.Status,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Items:         r.Dedup.Emitted,
		Duplicates:    r.Dedup.Duplicates,
		Events:        len(r.Events),
		Placeholders:  r.Extraction.Placeholders,
		Critical:      r.LevelCounts[priority.LevelCritical],
		High:          r.LevelCounts[priority.LevelHigh],
		OracleCalls:   r.Extraction.OracleCalls,
		QualityPassed: r.Validation.Valid,
		Errors:        len(r.Errors),
	}
}

// FormatSummary renders a short plain-text summary of a report.
func FormatSummary(r Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s: %s in %s\n", r.RunID, r.Status, r.Duration)
	if r.Status == StatusNothingToProcess {
		sb.WriteString("No items to process.\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "Items: %d unique of %d scanned (%d duplicates)\n", r.Dedup.Emitted, r.Dedup.Scanned, r.Dedup.Duplicates)
	fmt.Fprintf(&sb, "Events: %d (%d placeholders) from %d oracle calls, %d cached\n",
		len(r.Events), r.Extraction.Placeholders, r.Extraction.OracleCalls, r.Extraction.CachedCalls)
	fmt.Fprintf(&sb, "Priority:")
	for _, l := range priority.Levels {
		fmt.Fprintf(&sb, " %s=%d", l, r.LevelCounts[l])
	}
	sb.WriteString("\n")

	verdict := "passed"
	if !r.Validation.Valid {
		verdict = "failed"
	}
	fmt.Fprintf(&sb, "Quality: %s (%d/%d valid, %d errors)\n", verdict, r.Validation.ValidCount, r.Validation.Total, len(r.Validation.Errors))
	if r.Analysis != nil {
		fmt.Fprintf(&sb, "Analysis: %d categories, %d fallbacks\n", len(r.Analysis.Analyses), len(r.Analysis.Fallbacks))
	}
	fmt.Fprintf(&sb, "Next run: batch size %d, estimated %s", r.Recommendation.SuggestedBatchSize, r.Recommendation.EstimatedTimeString)
	if len(r.Recommendation.FocusAreas) > 0 {
		fmt.Fprintf(&sb, ", focus on %s", strings.Join(r.Recommendation.FocusAreas, ", "))
	}
	sb.WriteString("\n")
	return sb.String()
}
