package analysis

import (
	"context"
	"time"
)

// Phases a Failure can come from
const (
	PhaseStep    = "step"
	PhaseTriage  = "triage"
	PhaseArchive = "archive"
)

// Failure is a persisted error entry of an analysis, kept for audit after
// the in-memory log is gone.
type Failure struct {
	ID          int64     `json:"id"`
	TenantID    string    `json:"tenant_id"`
	AnalysisID  ID        `json:"analysis_id"`
	Tool        string    `json:"tool,omitempty"`
	Phase       string    `json:"phase"`
	Message     string    `json:"message"`
	DetailsJSON string    `json:"details_json,omitempty"` // raw JSON string
	CreatedAt   time.Time `json:"created_at"`
}

// FailureLog port
type FailureLog interface {
	Save(ctx context.Context, f *Failure) error
	ListByAnalysis(ctx context.Context, tenant string, id ID, limit int) ([]*Failure, error)
}
