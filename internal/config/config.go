package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port         int               `yaml:"port"`
		ReadTimeout  time.Duration     `yaml:"readTimeout"`
		WriteTimeout time.Duration     `yaml:"writeTimeout"`
		IdleTimeout  time.Duration     `yaml:"idleTimeout"`
		CORSOrigins  []string          `yaml:"corsOrigins"`
		APIKeys      map[string]string `yaml:"apiKeys"` // tenant -> key
		RateLimit    struct {
			RequestsPerSecond float64 `yaml:"requestsPerSecond"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rateLimit"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres | none
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Minio struct {
		Enabled    bool   `yaml:"enabled"`
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	OpenAI struct {
		Enabled bool   `yaml:"enabled"`
		APIKey  string `yaml:"apiKey"`
		Model   string `yaml:"model"`
	} `yaml:"openai"`

	Executor struct {
		DockerBinary string            `yaml:"dockerBinary"`
		WorkDir      string            `yaml:"workDir"`
		EvidenceDir  string            `yaml:"evidenceDir"`
		Images       map[string]string `yaml:"images"` // tool -> image override
		StepTimeout  time.Duration     `yaml:"stepTimeout"`
	} `yaml:"executor"`

	Stream struct {
		BufferSize        int           `yaml:"bufferSize"`
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
		PongWait          time.Duration `yaml:"pongWait"`
		WriteWait         time.Duration `yaml:"writeWait"`
		DecisionTimeout   time.Duration `yaml:"decisionTimeout"`
		TimeoutAction     string        `yaml:"timeoutAction"` // default | fail
		DefaultChoice     string        `yaml:"defaultChoice"`
		Retention         time.Duration `yaml:"retention"`
		IDPrefix          string        `yaml:"idPrefix"`
	} `yaml:"stream"`
}

// Load baca file config.yaml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML and fills defaults for every zero value.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	// WriteTimeout stays 0 so streams are not cut; handlers set their own deadlines
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RateLimit.RequestsPerSecond == 0 {
		c.Server.RateLimit.RequestsPerSecond = 20
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 40
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "postgres":
			c.Database.Port = 5432
		default:
			c.Database.Port = 3306
		}
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Executor.DockerBinary == "" {
		c.Executor.DockerBinary = "docker"
	}
	if c.Executor.WorkDir == "" {
		c.Executor.WorkDir = os.TempDir()
	}
	if c.Executor.StepTimeout == 0 {
		c.Executor.StepTimeout = 30 * time.Minute
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = 256
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = 15 * time.Second
	}
	if c.Stream.PongWait == 0 {
		c.Stream.PongWait = 2 * c.Stream.HeartbeatInterval
	}
	if c.Stream.WriteWait == 0 {
		c.Stream.WriteWait = 10 * time.Second
	}
	if c.Stream.TimeoutAction == "" {
		c.Stream.TimeoutAction = "default"
	}
	if c.Stream.Retention == 0 {
		c.Stream.Retention = time.Hour
	}
	if c.Stream.IDPrefix == "" {
		c.Stream.IDPrefix = "FA"
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "none":
	default:
		return errors.Errorf("database.driver %q is not one of mysql, postgres, none", c.Database.Driver)
	}
	switch c.Stream.TimeoutAction {
	case "default", "fail":
	default:
		return errors.Errorf("stream.timeoutAction %q is not one of default, fail", c.Stream.TimeoutAction)
	}
	if c.Stream.PongWait <= c.Stream.HeartbeatInterval {
		return errors.New("stream.pongWait must be longer than stream.heartbeatInterval")
	}
	if c.OpenAI.Enabled && c.OpenAI.APIKey == "" {
		return errors.New("openai.apiKey is required when openai is enabled")
	}
	return nil
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres (lib/pq key=value format)
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}
