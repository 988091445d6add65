package mysql

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS forensic_cases (
  id                 VARCHAR(64)  NOT NULL,
  tenant_id          VARCHAR(64)  NOT NULL,
  title              VARCHAR(255) NOT NULL DEFAULT '',
  target_users       TEXT         NOT NULL,
  extraction_options TEXT         NOT NULL,
  PRIMARY KEY (tenant_id, id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`, `
CREATE TABLE IF NOT EXISTS forensic_analyses (
  id                 VARCHAR(32)  NOT NULL PRIMARY KEY,
  tenant_id          VARCHAR(64)  NOT NULL,
  case_id            VARCHAR(64)  NOT NULL,
  tool_scope         TEXT         NOT NULL,
  target_users       TEXT         NOT NULL,
  extraction_options TEXT         NOT NULL,
  state              VARCHAR(32)  NOT NULL,
  reason             TEXT         NOT NULL,
  failed_step        VARCHAR(64)  NOT NULL DEFAULT '',
  artifact_url       VARCHAR(1024) NOT NULL DEFAULT '',
  created_at         DATETIME(6)  NOT NULL,
  started_at         DATETIME(6)  NULL,
  finished_at        DATETIME(6)  NULL,
  KEY idx_tenant_created (tenant_id, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`, `
CREATE TABLE IF NOT EXISTS forensic_analysis_logs (
  analysis_id VARCHAR(32)     NOT NULL,
  sequence    BIGINT UNSIGNED NOT NULL,
  ts          DATETIME(6)     NOT NULL,
  level       VARCHAR(16)     NOT NULL,
  message     TEXT            NOT NULL,
  PRIMARY KEY (analysis_id, sequence)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`, `
CREATE TABLE IF NOT EXISTS forensic_analysis_failures (
  id           BIGINT      NOT NULL AUTO_INCREMENT PRIMARY KEY,
  tenant_id    VARCHAR(64) NOT NULL,
  analysis_id  VARCHAR(32) NOT NULL,
  tool         VARCHAR(64) NOT NULL,
  phase        VARCHAR(16) NOT NULL,
  message      TEXT        NOT NULL,
  details_json JSON        NOT NULL,
  created_at   DATETIME(6) NOT NULL,
  KEY idx_tenant_analysis (tenant_id, analysis_id, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
}

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	// test ping
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx2); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping mysql")
	}
	return db, nil
}

// Migrate creates the tables when they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate mysql schema")
		}
	}
	return nil
}
