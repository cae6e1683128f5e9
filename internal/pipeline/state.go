package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	maxRunHistory = 20
	maxErrors     = 50
)

// RunSummary is the persisted record of one run.
type RunSummary struct {
	RunID         string    `json:"run_id"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Items         int       `json:"items"`
	Duplicates    int       `json:"duplicates"`
	Events        int       `json:"events"`
	Placeholders  int       `json:"placeholders"`
	Critical      int       `json:"critical"`
	High          int       `json:"high"`
	OracleCalls   int       `json:"oracle_calls"`
	QualityPassed bool      `json:"quality_passed"`
	Errors        int       `json:"errors"`
}

// RunState tracks run history and cumulative totals across restarts. It is
// safe for concurrent use.
type RunState struct {
	mu sync.Mutex

	StartedAt        time.Time    `json:"started_at"`
	LastRunAt        time.Time    `json:"last_run_at,omitempty"`
	Runs             []RunSummary `json:"runs"`
	TotalRuns        int          `json:"total_runs"`
	TotalItems       int          `json:"total_items"`
	TotalEvents      int          `json:"total_events"`
	TotalOracleCalls int          `json:"total_oracle_calls"`
	Errors           []string     `json:"errors"`

	path string // not serialized
}

// NewState returns an empty in-memory state that Save persists to path.
// An empty path keeps the state in memory only.
func NewState(path string) *RunState {
	return &RunState{StartedAt: time.Now().UTC(), path: path}
}

// LoadState loads the run state from path. A missing file yields an empty
// state. An unreadable or corrupt file also yields an empty state, along
// with the error so the caller can log it.
func LoadState(path string) (*RunState, error) {
	if path == "" {
		return NewState(""), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(path), nil
		}
		return NewState(path), fmt.Errorf("read state: %w", err)
	}

	s := &RunState{}
	if err := json.Unmarshal(data, s); err != nil {
		return NewState(path), fmt.Errorf("parse state: %w", err)
	}
	s.path = path
	return s, nil
}

// Save persists the state to disk.
func (s *RunState) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Record appends a run to the history and updates the totals.
func (s *RunState) Record(sum RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Runs = append(s.Runs, sum)
	if len(s.Runs) > maxRunHistory {
		s.Runs = s.Runs[len(s.Runs)-maxRunHistory:]
	}
	s.LastRunAt = sum.FinishedAt
	s.TotalRuns++
	s.TotalItems += sum.Items
	s.TotalEvents += sum.Events
	s.TotalOracleCalls += sum.OracleCalls
}

// AddError records a processing error.
func (s *RunState) AddError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, msg)
	if len(s.Errors) > maxErrors {
		s.Errors = s.Errors[len(s.Errors)-maxErrors:]
	}
}

// LastRun returns the most recent run summary.
func (s *RunState) LastRun() (RunSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Runs) == 0 {
		return RunSummary{}, false
	}
	return s.Runs[len(s.Runs)-1], true
}

// StateSnapshot is a copy of the state safe to serialize.
type StateSnapshot struct {
	StartedAt        time.Time    `json:"started_at"`
	LastRunAt        time.Time    `json:"last_run_at,omitempty"`
	Runs             []RunSummary `json:"runs"`
	TotalRuns        int          `json:"total_runs"`
	TotalItems       int          `json:"total_items"`
	TotalEvents      int          `json:"total_events"`
	TotalOracleCalls int          `json:"total_oracle_calls"`
	Errors           []string     `json:"errors"`
}

// Snapshot copies the state.
func (s *RunState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		StartedAt:        s.StartedAt,
		LastRunAt:        s.LastRunAt,
		Runs:             append([]RunSummary(nil), s.Runs...),
		TotalRuns:        s.TotalRuns,
		TotalItems:       s.TotalItems,
		TotalEvents:      s.TotalEvents,
		TotalOracleCalls: s.TotalOracleCalls,
		Errors:           append([]string(nil), s.Errors...),
	}
}
