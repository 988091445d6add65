// Package sqlutil holds the column encoding shared by the MySQL and Postgres
// repositories.
package sqlutil

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...interface{}) error
}

// AnalysisColumns in the order ScanAnalysis expects them.
const AnalysisColumns = `id, tenant_id, case_id, tool_scope, target_users, extraction_options,
       state, reason, failed_step, artifact_url, created_at, started_at, finished_at`

// EncodeJSON stores slices and maps as JSON text columns.
func EncodeJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// AnalysisArgs returns the values of AnalysisColumns for a.
func AnalysisArgs(a *domain.Analysis) []interface{} {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	options := a.Options
	if options == nil {
		options = domain.ExtractionOptions{}
	}
	targets := a.TargetUsers
	if targets == nil {
		targets = []string{}
	}
	return []interface{}{
		string(a.ID), a.TenantID, a.CaseID,
		EncodeJSON(a.ToolScope), EncodeJSON(targets), EncodeJSON(options),
		string(a.State), a.Reason, a.FailedStep, a.ArtifactURL,
		created.UTC(), NullTime(a.StartedAt), NullTime(a.FinishedAt),
	}
}

// ScanAnalysis reads one row selected with AnalysisColumns.
func ScanAnalysis(row Scanner) (*domain.Analysis, error) {
	var (
		a                       domain.Analysis
		scope, targets, options string
		state                   string
		started, finished       sql.NullTime
	)
	if err := row.Scan(
		&a.ID, &a.TenantID, &a.CaseID,
		&scope, &targets, &options,
		&state, &a.Reason, &a.FailedStep, &a.ArtifactURL,
		&a.CreatedAt, &started, &finished,
	); err != nil {
		return nil, err
	}
	a.State = domain.State(state)
	a.StartedAt = timePtr(started)
	a.FinishedAt = timePtr(finished)
	_ = json.Unmarshal([]byte(scope), &a.ToolScope)
	_ = json.Unmarshal([]byte(targets), &a.TargetUsers)
	_ = json.Unmarshal([]byte(options), &a.Options)
	return &a, nil
}

// ScanCase reads id, tenant_id, title, target_users, extraction_options.
func ScanCase(row Scanner) (*domain.Case, error) {
	var (
		c                domain.Case
		targets, options string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.Title, &targets, &options); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(targets), &c.TargetUsers)
	_ = json.Unmarshal([]byte(options), &c.Options)
	return &c, nil
}

// ScanRecord reads analysis_id, sequence, ts, level, message.
func ScanRecord(row Scanner) (domain.LogRecord, error) {
	var (
		rec   domain.LogRecord
		level string
	)
	if err := row.Scan(&rec.AnalysisID, &rec.Sequence, &rec.Timestamp, &level, &rec.Message); err != nil {
		return rec, err
	}
	rec.Level = domain.Level(level)
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

// SequenceOf returns the numeric suffix of ids like "FA-0042", or 0.
func SequenceOf(id, prefix string) int {
	rest := strings.TrimPrefix(id, prefix+"-")
	if rest == id {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return n
}

// MaxSequence scans a single id column and returns the highest suffix.
func MaxSequence(rows *sql.Rows, prefix string) (int, error) {
	defer rows.Close()
	max := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		if n := SequenceOf(id, prefix); n > max {
			max = n
		}
	}
	return max, rows.Err()
}

// DetailsJSON returns s when it is valid JSON, "{}" when empty, and wraps
// anything else as {"raw": s}.
func DetailsJSON(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	if !json.Valid([]byte(s)) {
		b, _ := json.Marshal(map[string]string{"raw": s})
		return string(b)
	}
	return s
}

// FailureColumns in the order ScanFailure expects them.
const FailureColumns = "id, tenant_id, analysis_id, tool, phase, message, details_json, created_at"

func ScanFailure(row Scanner) (*domain.Failure, error) {
	var (
		f       domain.Failure
		id      string
		created time.Time
	)
	if err := row.Scan(&f.ID, &f.TenantID, &id, &f.Tool, &f.Phase, &f.Message, &f.DetailsJSON, &created); err != nil {
		return nil, err
	}
	f.AnalysisID = domain.ID(id)
	if f.Tool == "-" {
		f.Tool = ""
	}
	f.CreatedAt = created.UTC()
	return &f, nil
}
