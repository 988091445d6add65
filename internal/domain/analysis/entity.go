package analysis

import (
	"time"
)

// ID tipe untuk Analysis, contoh "FA-0001"
type ID string

// Level of a log record
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelPrompt  Level = "prompt"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError, LevelPrompt:
		return true
	}
	return false
}

// LogRecord is one append-only entry of an analysis log. Sequence starts at 1
// and is gap-free per analysis; it doubles as the resume cursor.
type LogRecord struct {
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	AnalysisID ID        `json:"analysis_id"`
}

// Option value object untuk pilihan decision
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// YesNo is the option set most tool prompts use.
func YesNo() []Option {
	return []Option{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}}
}

// PendingDecision exists only while the analysis is awaiting_decision.
type PendingDecision struct {
	AnalysisID  ID         `json:"analysis_id"`
	Question    string     `json:"question"`
	Options     []Option   `json:"options"`
	RaisedAt    time.Time  `json:"raised_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ToolContext string     `json:"tool_context"`
}

// HasOption reports whether value is one of the raised options.
func (d PendingDecision) HasOption(value string) bool {
	for _, o := range d.Options {
		if o.Value == value {
			return true
		}
	}
	return false
}

// ExtractionOptions are passed through to every tool step.
type ExtractionOptions map[string]string

// Aggregate Root: Analysis
type Analysis struct {
	ID          ID                `json:"analysis_id"`
	TenantID    string            `json:"tenant_id"`
	CaseID      string            `json:"case_id"`
	ToolScope   []string          `json:"tool_scope"`
	TargetUsers []string          `json:"target_users,omitempty"`
	Options     ExtractionOptions `json:"extraction_options,omitempty"`
	State       State             `json:"state"`
	Reason      string            `json:"reason,omitempty"`
	FailedStep  string            `json:"failed_step,omitempty"`
	ArtifactURL string            `json:"artifact_url,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// Case is the read-only view of an investigation case supplied by the case store.
type Case struct {
	ID          string            `json:"case_id"`
	TenantID    string            `json:"tenant_id"`
	Title       string            `json:"title"`
	TargetUsers []string          `json:"target_users"`
	Options     ExtractionOptions `json:"extraction_options"`
}
