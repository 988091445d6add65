package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/automaton-forensics/internal/application"
	"github.com/bryanwahyu/automaton-forensics/internal/application/analyses"
	"github.com/bryanwahyu/automaton-forensics/internal/application/decision"
	"github.com/bryanwahyu/automaton-forensics/internal/config"
	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/ai/openai"
	mysqlp "github.com/bryanwahyu/automaton-forensics/internal/infra/db/mysql"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/db/postgres"
	dockerrunner "github.com/bryanwahyu/automaton-forensics/internal/infra/executor/docker"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/httpserver"
	minioStore "github.com/bryanwahyu/automaton-forensics/internal/infra/storage"
	"github.com/bryanwahyu/automaton-forensics/internal/logging"
	"github.com/bryanwahyu/automaton-forensics/internal/middleware"
)

type stores struct {
	db       *sql.DB
	repo     domain.Repository
	archive  domain.LogArchive
	cases    domain.CaseStore
	failures domain.FailureLog
}

func connectStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, err
		}
		if err := mysqlp.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return &stores{
			db:       db,
			repo:     mysqlp.NewAnalysisRepository(db),
			archive:  mysqlp.NewLogArchive(db),
			cases:    mysqlp.NewCaseStore(db),
			failures: mysqlp.NewFailureLog(db),
		}, nil
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return &stores{
			db:       db,
			repo:     postgres.NewAnalysisRepository(db),
			archive:  postgres.NewLogArchive(db),
			cases:    postgres.NewCaseStore(db),
			failures: postgres.NewFailureLog(db),
		}, nil
	}
	// in-memory only, nothing survives a restart
	return &stores{}, nil
}

func run(logger *logrus.Logger, cfg *config.Config) error {
	ctx := context.Background()

	st, err := connectStores(ctx, cfg)
	if err != nil {
		return errors.Wrapf(err, "%s connect", cfg.Database.Driver)
	}
	checkers := map[string]middleware.HealthChecker{}
	if st.db != nil {
		defer st.db.Close()
		checkers["database"] = &middleware.DatabaseHealthChecker{DB: st.db}
	}

	deps := analyses.Dependencies{
		Executor: dockerrunner.NewRunner(dockerrunner.Config{
			DockerBinary: cfg.Executor.DockerBinary,
			WorkDir:      cfg.Executor.WorkDir,
			EvidenceDir:  cfg.Executor.EvidenceDir,
			Images:       cfg.Executor.Images,
			StepTimeout:  cfg.Executor.StepTimeout,
		}, logger),
		Clock:  application.SystemClock(),
		Logger: logger,
	}
	// interface fields stay nil when the store is not configured
	if st.repo != nil {
		deps.Repo, deps.Archive, deps.Cases, deps.Failures = st.repo, st.archive, st.cases, st.failures
	}

	if cfg.Minio.Enabled {
		store, err := minioStore.New(ctx, minioStore.Config{
			Endpoint:   cfg.Minio.Endpoint,
			Region:     cfg.Minio.Region,
			BucketName: cfg.Minio.BucketName,
			AccessKey:  cfg.Minio.AccessKey,
			SecretKey:  cfg.Minio.SecretKey,
			UseSSL:     cfg.Minio.UseSSL,
		})
		if err != nil {
			return errors.Wrap(err, "minio init")
		}
		deps.Artifacts = store
		checkers["storage"] = store
	}
	if cfg.OpenAI.Enabled {
		deps.Summarizer = openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	}

	svc := analyses.NewService(deps, analyses.Options{
		IDPrefix:        cfg.Stream.IDPrefix,
		DecisionTimeout: cfg.Stream.DecisionTimeout,
		TimeoutAction:   decision.TimeoutAction(cfg.Stream.TimeoutAction),
		DefaultChoice:   cfg.Stream.DefaultChoice,
		BufferSize:      cfg.Stream.BufferSize,
		Retention:       cfg.Stream.Retention,
	})
	if err := svc.Seed(ctx); err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-t.C:
				limiter.Sweep()
			}
		}
	}()

	handler := httpserver.NewRouter(svc, httpserver.Config{
		CORSOrigins: cfg.Server.CORSOrigins,
		APIKeys:     cfg.Server.APIKeys,
		RateLimiter: limiter,
		Checkers:    checkers,
		Stream: httpserver.StreamConfig{
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
			PongWait:          cfg.Stream.PongWait,
			WriteWait:         cfg.Stream.WriteWait,
		},
		Clock:  deps.Clock,
		Logger: logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"addr": addr, "database": cfg.Database.Driver}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errc:
		return errors.Wrap(err, "server error")
	}
	logger.Info("shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx2); err != nil {
		logger.WithError(err).Warn("analyses did not stop in time")
	}
	return srv.Shutdown(ctx2)
}

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		logrus.WithError(err).Fatal("config load error")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	if err := run(logger, cfg); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}
