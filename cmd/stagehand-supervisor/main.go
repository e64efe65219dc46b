// stagehand-supervisor ведёт активные runs через стадии pipeline:
// создаёт Kubernetes Jobs, наблюдает их и применяет переходы.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Stagehand/internal/config"
	"github.com/shaiso/Stagehand/internal/jobdriver"
	"github.com/shaiso/Stagehand/internal/k8s"
	"github.com/shaiso/Stagehand/internal/mq"
	"github.com/shaiso/Stagehand/internal/notify"
	"github.com/shaiso/Stagehand/internal/objectstore"
	"github.com/shaiso/Stagehand/internal/repo"
	"github.com/shaiso/Stagehand/internal/supervisor"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting stagehand-supervisor")

	if err := run(logger); err != nil {
		logger.Error("supervisor failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadSupervisor(os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// База данных
	pool, err := repo.NewPool(ctx)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	if err := repo.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to database")

	driver, err := newDriver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// RabbitMQ необязателен: без него supervisor только опрашивает БД
	conn, err := mq.Dial(ctx, "stagehand-supervisor", logger)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if conn != nil {
		defer conn.Close()
		logger.Info("connected to rabbitmq", "topology", mq.TopologyInfo())
		notifiers = append(notifiers, notify.NewQueueNotifier(mq.NewPublisher(conn, logger)))
	}
	if cfg.SlackWebhookURL != "" {
		slack, err := notify.NewSlackNotifier(cfg.SlackWebhookURL)
		if err != nil {
			return fmt.Errorf("slack notifier: %w", err)
		}
		notifiers = append(notifiers, slack)
	}

	sv := supervisor.New(supervisor.Config{
		Runs:             repo.NewRunRepo(pool),
		Catalog:          repo.NewPipelineRepo(pool),
		Attempts:         repo.NewAttemptRepo(pool),
		Driver:           driver,
		Notifier:         notifiers,
		Conn:             conn,
		PollInterval:     cfg.PollInterval,
		IdlePollInterval: cfg.IdlePollInterval,
		IdleTicks:        cfg.IdleTicks,
		Workers:          cfg.Workers,
		CallTimeout:      cfg.CallTimeout,
		StalenessTimeout: cfg.StalenessTimeout,
		SubmitBackoffMax: cfg.SubmitBackoffMax,
		BatchSize:        cfg.BatchSize,
		MaxListFailures:  cfg.MaxListFailures,
		PauseFile:        cfg.PauseFile,
		InactivityAlert:  cfg.InactivityAlert,
		Logger:           logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !sv.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "unhealthy")
			return
		}
		w.WriteHeader(http.StatusOK)
		if sv.Paused() {
			fmt.Fprint(w, "ok (paused)")
			return
		}
		fmt.Fprint(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sv.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	defer sv.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newDriver выбирает FakeDriver (FAKE_JOBS=true) или KubernetesDriver.
func newDriver(ctx context.Context, cfg *config.Supervisor, logger *slog.Logger) (supervisor.JobDriver, error) {
	if cfg.Jobs.Fake {
		logger.Warn("FAKE_JOBS enabled: jobs are not created in the cluster", "delay", cfg.Jobs.FakeDelay)
		return jobdriver.NewFakeDriver(cfg.Jobs.FakeDelay, logger), nil
	}

	client, err := k8s.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}

	driverCfg := jobdriver.Config{
		Client:          client,
		Namespace:       cfg.Jobs.Namespace,
		JobTTLSeconds:   cfg.Jobs.TTLSeconds,
		ServiceAccount:  cfg.Jobs.ServiceAccount,
		LimitMultiplier: cfg.Jobs.LimitMultiplier,
		CPULimits:       cfg.Jobs.CPULimits,
		SecretName:      cfg.Jobs.SecretName,
		SecretEnv:       cfg.Jobs.SecretEnv,
		RunDirBase:      cfg.Jobs.RunDirBase,
		Logger:          logger,
	}

	if archiveCfg := objectstore.ConfigFromEnv(); archiveCfg.Enabled() {
		archive, err := objectstore.NewLogArchive(ctx, archiveCfg)
		if err != nil {
			return nil, fmt.Errorf("log archive: %w", err)
		}
		driverCfg.Archive = archive
		logger.Info("job logs are archived", "bucket", archiveCfg.Bucket)
	}

	driver, err := jobdriver.NewKubernetesDriver(driverCfg)
	if err != nil {
		return nil, fmt.Errorf("job driver: %w", err)
	}
	return driver, nil
}
