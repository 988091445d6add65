package mysql

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/db/sqlutil"
)

type AnalysisRepository struct {
	db *sql.DB
}

func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

// Save insert/update Analysis record
func (r *AnalysisRepository) Save(ctx context.Context, a *domain.Analysis) error {
	const q = `
INSERT INTO forensic_analyses
(id, tenant_id, case_id, tool_scope, target_users, extraction_options,
 state, reason, failed_step, artifact_url, created_at, started_at, finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 tool_scope=VALUES(tool_scope),
 state=VALUES(state), reason=VALUES(reason), failed_step=VALUES(failed_step),
 artifact_url=VALUES(artifact_url),
 started_at=VALUES(started_at), finished_at=VALUES(finished_at);
`
	args := sqlutil.AnalysisArgs(a)
	args[1] = stringOrDash(a.TenantID)
	_, err := r.db.ExecContext(ctx, q, args...)
	return errors.Wrapf(err, "save analysis %s", a.ID)
}

// Get by ID + Tenant; nil when missing
func (r *AnalysisRepository) Get(ctx context.Context, tenant string, id domain.ID) (*domain.Analysis, error) {
	q := `SELECT ` + sqlutil.AnalysisColumns + `
FROM forensic_analyses
WHERE tenant_id=? AND id=? LIMIT 1;`
	a, err := sqlutil.ScanAnalysis(r.db.QueryRowContext(ctx, q, tenant, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get analysis %s", id)
	}
	return a, nil
}

// Latest analyses per tenant
func (r *AnalysisRepository) Latest(ctx context.Context, tenant string, limit int) ([]*domain.Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + sqlutil.AnalysisColumns + `
FROM forensic_analyses
WHERE tenant_id=? ORDER BY created_at DESC, id DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, tenant, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query analyses")
	}
	defer rows.Close()

	var out []*domain.Analysis
	for rows.Next() {
		a, err := sqlutil.ScanAnalysis(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan analysis row")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AnalysisRepository) MaxSequenceNumber(ctx context.Context, prefix string) (int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM forensic_analyses WHERE id LIKE ?;`, escapeLikePattern(prefix)+"-%")
	if err != nil {
		return 0, errors.Wrap(err, "query analysis ids")
	}
	return sqlutil.MaxSequence(rows, prefix)
}
