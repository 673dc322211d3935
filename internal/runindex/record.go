package runindex

import (
	"slices"
	"time"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
)

// Record is one run, appended once when the run ends.
type Record struct {
	RunID         string    `json:"run_id"`
	PipelineSlug  string    `json:"pipeline_slug"`
	Profile       string    `json:"profile,omitempty"`
	ManifestHash  string    `json:"manifest_hash,omitempty"`
	ManifestShort string    `json:"manifest_short,omitempty"`
	Adapter       string    `json:"adapter,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Status        Status    `json:"status"`
	DurationMS    int64     `json:"duration_ms"`
	RunLogsPath   string    `json:"run_logs_path,omitempty"`
	ArtifactsPath string    `json:"artifacts_path,omitempty"`
	Rows          int64     `json:"rows"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StepID        string    `json:"step_id,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
}

// Pointer is the latest successfully compiled manifest (and the run that
// used it, once one has succeeded) for a pipeline and profile.
type Pointer struct {
	PipelineSlug  string    `json:"pipeline_slug"`
	Profile       string    `json:"profile,omitempty"`
	ManifestHash  string    `json:"manifest_hash"`
	ManifestShort string    `json:"manifest_short"`
	ManifestPath  string    `json:"manifest_path"`
	RunID         string    `json:"run_id,omitempty"`
	RunLogsPath   string    `json:"run_logs_path,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Filter selects records in List. Zero fields match everything.
type Filter struct {
	PipelineSlug string
	Profile      string
	Status       Status
	Since        time.Time
	Tag          string

	// Limit keeps only the last N matches. Zero means no limit.
	Limit int
}

func (f Filter) match(r Record) bool {
	if f.PipelineSlug != "" && r.PipelineSlug != f.PipelineSlug {
		return false
	}
	if f.Profile != "" && r.Profile != f.Profile {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
		return false
	}
	if f.Tag != "" && !slices.Contains(r.Tags, f.Tag) {
		return false
	}
	return true
}
