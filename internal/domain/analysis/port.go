package analysis

import "context"

// StepRequest untuk ToolExecutor
type StepRequest struct {
	AnalysisID  ID
	Step        int
	Tool        string
	CaseID      string
	TargetUsers []string
	Options     ExtractionOptions
	// Emit streams one line of tool output into the analysis log.
	Emit func(level Level, message string)
	// Ask suspends the step until the question is answered. It returns an
	// error when the analysis is cancelled or the decision times out into
	// a failure; the step must stop then.
	Ask func(ctx context.Context, need *DecisionNeeded) (string, error)
}

// StepResult hasil dari ToolExecutor
type StepResult struct {
	FindingsSummary string
	Findings        FindingCounts
	ExitStatus      int
	DurationMS      int64
}

// ToolExecutor port (eksekusi tool forensik). RunStep is called once per
// step; questions go through StepRequest.Ask.
type ToolExecutor interface {
	RunStep(ctx context.Context, req StepRequest) (StepResult, error)
}

// CaseStore port, read-only
type CaseStore interface {
	GetCase(ctx context.Context, tenant, caseID string) (*Case, error)
}

// Repository port (interface untuk persistence)
type Repository interface {
	Save(ctx context.Context, a *Analysis) error
	Get(ctx context.Context, tenant string, id ID) (*Analysis, error)
	Latest(ctx context.Context, tenant string, limit int) ([]*Analysis, error)
	// MaxSequenceNumber returns the highest numeric suffix of stored ids so
	// a restarted server does not reuse identifiers.
	MaxSequenceNumber(ctx context.Context, prefix string) (int, error)
}

// LogArchive port for records of finished analyses
type LogArchive interface {
	AppendRecords(ctx context.Context, records []LogRecord) error
	ReadSince(ctx context.Context, id ID, since uint64, limit int) ([]LogRecord, error)
	// LastSequence returns the highest archived sequence, 0 when none.
	LastSequence(ctx context.Context, id ID) (uint64, error)
}

// ArtifactStore port (penyimpanan export log)
type ArtifactStore interface {
	PutLogExport(ctx context.Context, key string, data []byte) (string, error)
}

// StepOutcome summarises one finished step for the triage summarizer.
type StepOutcome struct {
	Tool            string
	FindingsSummary string
	Findings        FindingCounts
}

// Summarizer port (AI triage)
type Summarizer interface {
	Summarize(ctx context.Context, a *Analysis, steps []StepOutcome) (string, error)
}
