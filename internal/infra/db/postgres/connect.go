package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS forensic_cases (
  id                 VARCHAR(64)  NOT NULL,
  tenant_id          VARCHAR(64)  NOT NULL,
  title              VARCHAR(255) NOT NULL DEFAULT '',
  target_users       TEXT         NOT NULL DEFAULT '[]',
  extraction_options TEXT         NOT NULL DEFAULT '{}',
  PRIMARY KEY (tenant_id, id)
);`, `
CREATE TABLE IF NOT EXISTS forensic_analyses (
  id                 VARCHAR(32)   PRIMARY KEY,
  tenant_id          VARCHAR(64)   NOT NULL,
  case_id            VARCHAR(64)   NOT NULL,
  tool_scope         TEXT          NOT NULL,
  target_users       TEXT          NOT NULL,
  extraction_options TEXT          NOT NULL,
  state              VARCHAR(32)   NOT NULL,
  reason             TEXT          NOT NULL DEFAULT '',
  failed_step        VARCHAR(64)   NOT NULL DEFAULT '',
  artifact_url       VARCHAR(1024) NOT NULL DEFAULT '',
  created_at         TIMESTAMPTZ   NOT NULL,
  started_at         TIMESTAMPTZ   NULL,
  finished_at        TIMESTAMPTZ   NULL
);`, `
CREATE INDEX IF NOT EXISTS idx_forensic_analyses_tenant_created ON forensic_analyses (tenant_id, created_at DESC);`, `
CREATE TABLE IF NOT EXISTS forensic_analysis_logs (
  analysis_id VARCHAR(32) NOT NULL,
  sequence    BIGINT      NOT NULL,
  ts          TIMESTAMPTZ NOT NULL,
  level       VARCHAR(16) NOT NULL,
  message     TEXT        NOT NULL,
  PRIMARY KEY (analysis_id, sequence)
);`, `
CREATE TABLE IF NOT EXISTS forensic_analysis_failures (
  id           BIGSERIAL   PRIMARY KEY,
  tenant_id    VARCHAR(64) NOT NULL,
  analysis_id  VARCHAR(32) NOT NULL,
  tool         VARCHAR(64) NOT NULL,
  phase        VARCHAR(16) NOT NULL,
  message      TEXT        NOT NULL,
  details_json TEXT        NOT NULL DEFAULT '{}',
  created_at   TIMESTAMPTZ NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS idx_forensic_failures_analysis ON forensic_analysis_failures (tenant_id, analysis_id, created_at DESC);`,
}

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx2); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return db, nil
}

// Migrate creates the tables when they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate postgres schema")
		}
	}
	return nil
}
