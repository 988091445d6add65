package mysql

import (
	"context"
	"database/sql"
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

// AppendRecords inserts records in batches; re-archiving the same analysis
// is harmless.
func (a *LogArchive) AppendRecords(ctx context.Context, records []domain.LogRecord) error {
	for start := 0; start < len(records); start += archiveBatch {
		end := start + archiveBatch
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT IGNORE INTO forensic_analysis_logs (analysis_id, sequence, ts, level, message) VALUES ")
		args := make([]interface{}, 0, len(batch)*5)
		for i, rec := range batch {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("(?,?,?,?,?)")
			args = append(args, string(rec.AnalysisID), rec.Sequence, rec.Timestamp.UTC(), string(rec.Level), rec.Message)
		}
		if _, err := a.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return errors.Wrap(err, "archive log records")
		}
	}
	return nil
}

// LastSequence returns the highest archived sequence of an analysis.
func (a *LogArchive) LastSequence(ctx context.Context, id domain.ID) (uint64, error) {
	var last uint64
	err := a.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence),0) FROM forensic_analysis_logs WHERE analysis_id=?`, string(id)).Scan(&last)
	if err != nil {
		return 0, errors.Wrap(err, "query last archived sequence")
	}
	return last, nil
}

// ReadSince returns archived records after since; limit 0 means all.
func (a *LogArchive) ReadSince(ctx context.Context, id domain.ID, since uint64, limit int) ([]domain.LogRecord, error) {
	q := `
SELECT analysis_id, sequence, ts, level, message
FROM forensic_analysis_logs
WHERE analysis_id=? AND sequence>? ORDER BY sequence ASC`
	args := []interface{}{string(id), since}
	if limit > 0 {
		q += " LIMIT ?"
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
