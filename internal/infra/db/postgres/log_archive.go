package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/db/sqlutil"
)

const archiveBatch = 500

// LogArchive keeps the records of finished analyses.
type LogArchive struct {
	db *sql.DB
}

func NewLogArchive(db *sql.DB) *LogArchive {
	return &LogArchive{db: db}
}

func (a *LogArchive) AppendRecords(ctx context.Context, records []domain.LogRecord) error {
	for start := 0; start < len(records); start += archiveBatch {
		end := start + archiveBatch
		if end > len(records) {
			end = len(records)
		}

		var sb strings.Builder
		sb.WriteString("INSERT INTO forensic_analysis_logs (analysis_id, sequence, ts, level, message) VALUES ")
		args := make([]interface{}, 0, (end-start)*5)
		for i, rec := range records[start:end] {
			if i > 0 {
				sb.WriteString(",")
			}
			n := i * 5
			fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5)
			args = append(args, string(rec.AnalysisID), int64(rec.Sequence), rec.Timestamp.UTC(), string(rec.Level), rec.Message)
		}
		sb.WriteString(" ON CONFLICT (analysis_id, sequence) DO NOTHING")
		if _, err := a.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return errors.Wrap(err, "archive log records")
		}
	}
	return nil
}

// LastSequence returns the highest archived sequence of an analysis.
func (a *LogArchive) LastSequence(ctx context.Context, id domain.ID) (uint64, error) {
	var last int64
	err := a.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence),0) FROM forensic_analysis_logs WHERE analysis_id=$1`, string(id)).Scan(&last)
	if err != nil {
		return 0, errors.Wrap(err, "query last archived sequence")
	}
	return uint64(last), nil
}

// ReadSince returns archived records after since; limit 0 means all.
func (a *LogArchive) ReadSince(ctx context.Context, id domain.ID, since uint64, limit int) ([]domain.LogRecord, error) {
	q := `
SELECT analysis_id, sequence, ts, level, message
FROM forensic_analysis_logs
WHERE analysis_id=$1 AND sequence>$2 ORDER BY sequence ASC`
	args := []interface{}{string(id), int64(since)}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query archived logs")
	}
	defer rows.Close()

	out := []domain.LogRecord{}
	for rows.Next() {
		rec, err := sqlutil.ScanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan log row")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
