package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/db/sqlutil"
)

// FailureLog stores step, triage and archive failures of analyses.
type FailureLog struct {
	db *sql.DB
}

func NewFailureLog(db *sql.DB) *FailureLog { return &FailureLog{db: db} }

func (r *FailureLog) Save(ctx context.Context, f *domain.Failure) error {
	const q = `
INSERT INTO forensic_analysis_failures
  (tenant_id, analysis_id, tool, phase, message, details_json, created_at)
VALUES (?,?,?,?,?,?,?)
`
	msg := f.Message
	if strings.TrimSpace(msg) == "" {
		msg = "-"
	}
	created := f.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, q,
		stringOrDash(f.TenantID), string(f.AnalysisID), stringOrDash(f.Tool), stringOrDash(f.Phase),
		msg, sqlutil.DetailsJSON(f.DetailsJSON), created)
	if err != nil {
		return errors.Wrap(err, "insert failure")
	}
	if id, err := res.LastInsertId(); err == nil {
		f.ID = id
	}
	return nil
}

func (r *FailureLog) ListByAnalysis(ctx context.Context, tenant string, id domain.ID, limit int) ([]*domain.Failure, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + sqlutil.FailureColumns + `
FROM forensic_analysis_failures
WHERE tenant_id = ? AND analysis_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, tenant, string(id), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query failures")
	}
	defer rows.Close()

	var out []*domain.Failure
	for rows.Next() {
		f, err := sqlutil.ScanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
