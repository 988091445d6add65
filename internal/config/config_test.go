package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, 256, cfg.Stream.BufferSize)
	assert.Equal(t, 15*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Stream.PongWait)
	assert.Equal(t, "default", cfg.Stream.TimeoutAction)
	assert.Equal(t, "FA", cfg.Stream.IDPrefix)
	assert.Equal(t, time.Hour, cfg.Stream.Retention)
}

func TestLoadFile(t *testing.T) {
	yml := `
server:
  apiKeys:
    acme: secret-key
log:
  level: debug
  format: json
database:
  driver: postgres
  host: db
  user: forensics
  password: pw
  name: forensics
stream:
  decisionTimeout: 5m
  timeoutAction: fail
  heartbeatInterval: 10s
executor:
  images:
    loki: registry.local/loki:0.51
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", cfg.Server.APIKeys["acme"])
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 5*time.Minute, cfg.Stream.DecisionTimeout)
	assert.Equal(t, "fail", cfg.Stream.TimeoutAction)
	assert.Equal(t, 20*time.Second, cfg.Stream.PongWait)
	assert.Equal(t, "registry.local/loki:0.51", cfg.Executor.Images["loki"])
	assert.Equal(t, "host=db port=5432 user=forensics password=pw dbname=forensics sslmode=disable", cfg.PostgresDSN())
}

func TestMySQLDSN(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  host: 127.0.0.1\n  user: root\n  password: pw\n  name: forensics\n"))
	require.NoError(t, err)
	assert.Equal(t, "root:pw@tcp(127.0.0.1:3306)/forensics?parseTime=true&charset=utf8mb4&loc=UTC", cfg.MySQLDSN())
}

func TestValidate(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: sqlite\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("stream:\n  timeoutAction: retry\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("stream:\n  heartbeatInterval: 10s\n  pongWait: 5s\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("openai:\n  enabled: true\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
