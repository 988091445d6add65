package postgres

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

// Save inserts or updates an analysis record
func (r *AnalysisRepository) Save(ctx context.Context, a *domain.Analysis) error {
	const q = `
INSERT INTO forensic_analyses
  (id, tenant_id, case_id, tool_scope, target_users, extraction_options,
   state, reason, failed_step, artifact_url, created_at, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
  tool_scope=EXCLUDED.tool_scope,
  state=EXCLUDED.state,
  reason=EXCLUDED.reason,
  failed_step=EXCLUDED.failed_step,
  artifact_url=EXCLUDED.artifact_url,
  started_at=EXCLUDED.started_at,
  finished_at=EXCLUDED.finished_at;
`
	args := sqlutil.AnalysisArgs(a)
	args[1] = stringOrDash(a.TenantID)
	_, err := r.db.ExecContext(ctx, q, args...)
	return errors.Wrapf(err, "save analysis %s", a.ID)
}

// Get returns nil when the analysis does not exist for tenant.
func (r *AnalysisRepository) Get(ctx context.Context, tenant string, id domain.ID) (*domain.Analysis, error) {
	q := `SELECT ` + sqlutil.AnalysisColumns + `
FROM forensic_analyses
WHERE tenant_id=$1 AND id=$2 LIMIT 1;`
	a, err := sqlutil.ScanAnalysis(r.db.QueryRowContext(ctx, q, tenant, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get analysis %s", id)
	}
	return a, nil
}

func (r *AnalysisRepository) Latest(ctx context.Context, tenant string, limit int) ([]*domain.Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + sqlutil.AnalysisColumns + `
FROM forensic_analyses
WHERE tenant_id=$1
ORDER BY created_at DESC, id DESC
LIMIT $2;`
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
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM forensic_analyses WHERE id LIKE $1;`, escapeLikePattern(prefix)+"-%")
	if err != nil {
		return 0, errors.Wrap(err, "query analysis ids")
	}
	return sqlutil.MaxSequence(rows, prefix)
}
