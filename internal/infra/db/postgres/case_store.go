package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/db/sqlutil"
)

// CaseStore is a read-only view of forensic_cases.
type CaseStore struct {
	db *sql.DB
}

func NewCaseStore(db *sql.DB) *CaseStore {
	return &CaseStore{db: db}
}

func (s *CaseStore) GetCase(ctx context.Context, tenant, caseID string) (*domain.Case, error) {
	const q = `
SELECT id, tenant_id, title, target_users, extraction_options
FROM forensic_cases
WHERE tenant_id=$1 AND id=$2 LIMIT 1;`
	c, err := sqlutil.ScanCase(s.db.QueryRowContext(ctx, q, tenant, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get case %s", caseID)
	}
	return c, nil
}
