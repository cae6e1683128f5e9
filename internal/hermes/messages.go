package hermes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/extractor"
)

// Subjects used by herald.
const (
	SubjectEventsPrioritized = "herald.events.prioritized"
	SubjectRunCompleted      = "herald.run.completed"
	SubjectRunRequested      = "herald.run.requested"
)

// RunRequest asks herald to process the item source. Zero fields fall back
// to the configured defaults.
type RunRequest struct {
	RequestID    string `json:"request_id,omitempty"`
	TargetCount  int    `json:"target_count,omitempty"`
	Category     string `json:"category,omitempty"`
	Keyword      string `json:"keyword,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
	Analyze      *bool  `json:"analyze,omitempty"`
}

// ParseRunRequest decodes a run request. An empty payload is a request with
// all defaults.
func ParseRunRequest(data []byte) (RunRequest, error) {
	var req RunRequest
	if len(data) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse run request: %w", err)
	}
	if req.TargetCount < 0 {
		return req, fmt.Errorf("parse run request: negative target_count %d", req.TargetCount)
	}
	return req, nil
}

// EventsPrioritized carries one run's scored events, highest priority first.
type EventsPrioritized struct {
	RunID       string            `json:"run_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Count       int               `json:"count"`
	Events      []extractor.Event `json:"events"`
}
