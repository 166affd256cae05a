package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/superfly/fsm"

	"github.com/fly-io/metalprov/internal/config"
	"github.com/fly-io/metalprov/pkg/conductor"
	"github.com/fly-io/metalprov/pkg/console"
	"github.com/fly-io/metalprov/pkg/db"
	"github.com/fly-io/metalprov/pkg/deploy"
	"github.com/fly-io/metalprov/pkg/driver/drivers"
	"github.com/fly-io/metalprov/pkg/errors"
	appfsm "github.com/fly-io/metalprov/pkg/fsm"
	"github.com/fly-io/metalprov/pkg/images"
	"github.com/fly-io/metalprov/pkg/lock"
	"github.com/fly-io/metalprov/pkg/metrics"
	"github.com/fly-io/metalprov/pkg/process"
	"github.com/fly-io/metalprov/pkg/security"
	"github.com/fly-io/metalprov/pkg/storage"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}
	for _, dir := range []string{cfg.WorkDir, cfg.ImageCacheDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create "+dir)
		}
	}
	return nil
}

// app is everything a command needs, built from the loaded configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	repo      *db.Repository
	conductor *conductor.Conductor

	closers []func()
}

type appOptions struct {
	// workflow starts an fsm manager for deploys. It holds the fsm store
	// open, so only commands that deploy ask for it.
	workflow bool
}

func newApp(ctx context.Context, opts appOptions) (a *app, err error) {
	cfg := loaded
	log := slog.Default()
	if err := ensureDirectories(cfg); err != nil {
		return nil, err
	}

	a = &app{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.repo, err = db.NewRepository(cfg.SQLitePath, log)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	a.closers = append(a.closers, func() { a.repo.Close() })

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr, m)
	}

	runner := &process.ExecRunner{
		RootHelper: cfg.RootHelper,
		RetryDelay: cfg.CommandRetryDelay,
		Logger:     log,
		Metrics:    m,
	}

	s3Client, err := storage.NewClient(ctx, cfg.S3Region, cfg.S3Anonymous, log)
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}
	validator := security.NewValidator(cfg.MaxImageSize, cfg.MaxCompressionRatio, log)

	registry, err := drivers.NewRegistry(drivers.Deps{
		Runner:   runner,
		IPMI:     cfg.IPMI(),
		Console:  console.New(cfg.Console(), runner, log),
		Pipeline: deploy.New(cfg.Deploy(), runner, log, deploy.WithMetrics(m)),
		Images:   images.NewResolver(cfg.ImageCacheDir, s3Client, validator, log),
		Logger:   log,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}

	var workflow conductor.DeployWorkflow
	if opts.workflow {
		if err := os.MkdirAll(cfg.FSMDBPath, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create FSM directory")
		}
		manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
		if err != nil {
			return nil, errors.Wrap(err, "FSM manager failed")
		}
		a.closers = append(a.closers, func() { manager.Shutdown(10 * time.Second) })

		machine := appfsm.NewMachine(a.repo, log, cfg.FSMMaxRetries)
		workflow, err = appfsm.NewWorkflow(ctx, manager, machine)
		if err != nil {
			return nil, err
		}
	}

	// Lock files live beside the inventory so every process using it sees them.
	files, err := lock.NewFiles(filepath.Join(filepath.Dir(cfg.SQLitePath), "locks"))
	if err != nil {
		return nil, err
	}
	locks := lock.New(log, m, lock.WithFiles(files))

	a.conductor = conductor.New(cfg.Conductor(), a.repo, registry, locks, workflow, log)
	return a, nil
}

func (a *app) serveMetrics(addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics_server_failed", "addr", addr, "error", err)
		}
	}()
	a.closers = append(a.closers, func() { srv.Close() })
}

// Close releases resources in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
