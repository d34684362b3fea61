package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imagegen_backend/api"
	"imagegen_backend/core"
	"imagegen_backend/db"
	"imagegen_backend/device"
	"imagegen_backend/imagegen"
	"imagegen_backend/jobs"
	"imagegen_backend/logging"
	"imagegen_backend/metrics"
	"imagegen_backend/sdruntime"
	"imagegen_backend/shutdown"
)

const (
	gpuSampleInterval = 15 * time.Second
	cleanupInterval   = time.Hour
)

// App is the wired service: every component plus the shutdown hooks that
// release them in order.
type App struct {
	cfg      *core.Config
	log      *logging.Logger
	logger   *zap.Logger
	shutdown *shutdown.Manager

	recorder *metrics.Recorder
	history  *metrics.GenerationStore
	gpu      *metrics.GPUCollector
	selector *device.Selector
	cache    *sdruntime.Cache
	executor *imagegen.Executor

	database *db.Database
	repo     *db.Repository
	assets   *db.AsyncWriter[db.MediaAsset]
	broker   *jobs.Broker
	jobs     *jobs.Manager
	hub      *api.Hub

	server *api.Server
}

// newApp builds every component from cfg. Nothing runs until Start.
// Components constructed before a failure are released by the hooks
// already registered on sm.
func newApp(cfg *core.Config, log *logging.Logger, sm *shutdown.Manager) (*App, error) {
	a := &App{
		cfg:      cfg,
		log:      log,
		logger:   log.Zap(),
		shutdown: sm,
		recorder: metrics.NewRecorder(),
		history:  metrics.NewGenerationStore(500, time.Now()),
	}
	gpuReader := metrics.NewNvidiaSMIReader()
	a.gpu = metrics.NewGPUCollector(gpuReader, gpuSampleInterval, a.recorder.SetGPU, log.Named("gpu"))

	loader, reporter, err := newLoader(cfg)
	if err != nil {
		return nil, err
	}
	selOpts := []device.SelectorOption{device.WithTTL(cfg.DeviceProbeTTL)}
	if reporter != nil {
		selOpts = append(selOpts, device.WithReporter(reporter))
	}
	a.selector = device.NewSelector(
		device.Overrides{ForceCPU: cfg.ForceCPU, PreferCPU: cfg.PreferCPU},
		device.DefaultProbes(gpuReader),
		log.Named("device"),
		selOpts...,
	)

	catalog := imagegen.DefaultCatalog()
	if cfg.CatalogPath != "" {
		if catalog, err = imagegen.LoadCatalog(cfg.CatalogPath); err != nil {
			return nil, core.ErrConfigFile(cfg.CatalogPath, err)
		}
	}

	a.cache = sdruntime.NewCache(loader, sdruntime.CacheOptions{
		SchedulerFor: catalog.SchedulerFor,
		HFToken:      cfg.HFToken,
		OnLoad: func(_ string, d device.Device, took time.Duration, err error) {
			a.recorder.ObservePipelineLoad(string(d), took, err)
		},
	}, log.Named("pipelines"))
	sm.Register("pipeline-cache", shutdown.PriorityStorage, a.cache.Close)

	store, err := imagegen.NewImageStore(cfg.OutputDir)
	if err != nil {
		return nil, core.ErrOutputDir(cfg.OutputDir, err)
	}
	sm.Register("temp-images", shutdown.PriorityFinal, shutdown.RemoveTempImages(a.logger, store.Dir()))

	execOpts := []imagegen.ExecutorOption{
		imagegen.WithRecorder(a.recorder),
		imagegen.WithHistory(a.history),
	}
	if cfg.JobsEnabled {
		if err := a.openStorage(); err != nil {
			return nil, err
		}
		execOpts = append(execOpts, imagegen.WithResultHook(a.recordAsset))
	}

	a.executor, err = imagegen.NewExecutor(a.selector, a.cache, catalog, store, log.Named("executor"),
		imagegen.ExecutorConfig{
			MaxConcurrent:     cfg.MaxConcurrent,
			StickyCPUFallback: cfg.CPUFallbackSticky,
			PublicBaseURL:     cfg.PublicBaseURL,
		}, execOpts...)
	if err != nil {
		return nil, err
	}
	if cfg.JobsEnabled {
		if err := a.startBroker(); err != nil {
			return nil, err
		}
	}

	// jobs feed the executor, which feeds the asset writer
	if a.jobs != nil {
		sm.Register("jobs", shutdown.PriorityWorkers, a.jobs.Stop)
	}
	sm.Register("executor", shutdown.PriorityWorkers, a.executor.Close)
	if a.assets != nil {
		sm.Register("asset-writer", shutdown.PriorityWorkers, func(context.Context) error {
			if !a.assets.Stop() {
				return fmt.Errorf("asset writer did not drain")
			}
			return nil
		})
	}

	a.server, err = api.NewServer(api.ServerConfig{
		Addr:            cfg.ListenAddr(),
		APIKeys:         cfg.APIKeys,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		Executor:        a.executor,
		Jobs:            a.jobs,
		Repo:            a.repo,
		Database:        a.database,
		Broker:          a.broker,
		Recorder:        a.recorder,
		History:         a.history,
		GPU:             a.gpu,
		Hub:             a.hub,
		Shutdown:        sm,
		Logger:          log.Named("http"),
	})
	if err != nil {
		return nil, err
	}
	sm.Register("http-server", shutdown.PriorityIntake, a.server.Shutdown)
	sm.Register("log-sync", shutdown.PriorityFinal, func(context.Context) error {
		return log.Sync()
	})
	return a, nil
}

// newLoader returns the pipeline loader for the configured backend. The
// worker also reports which devices its runtime can use.
func newLoader(cfg *core.Config) (sdruntime.Loader, device.CapabilityReporter, error) {
	switch cfg.PipelineBackend {
	case core.BackendWorker:
		wc := sdruntime.NewWorkerClient(cfg.WorkerURL, cfg.WorkerTimeout)
		return wc, wc, nil
	case core.BackendStub:
		return sdruntime.NewStubLoader(sdruntime.StubOptions{}), nil, nil
	default:
		return nil, nil, core.ErrInvalidBackend(cfg.PipelineBackend)
	}
}

func (a *App) openStorage() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.Open(ctx, a.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.database = database
	a.repo = db.NewRepository(database)
	a.shutdown.Register("database", shutdown.PriorityStorage, func(context.Context) error {
		return database.Close()
	})

	a.assets = db.NewAsyncWriter(func(ctx context.Context, m db.MediaAsset) error {
		_, err := a.repo.InsertAsset(ctx, m)
		return err
	}, a.log.Named("assets"), db.DefaultAsyncWriterConfig())
	return nil
}

func (a *App) startBroker() error {
	broker, err := jobs.ConnectBroker(a.cfg.NATSURL, a.log.Named("nats"))
	if err != nil {
		return err
	}
	a.broker = broker
	a.shutdown.Register("nats", shutdown.PriorityTransport, func(context.Context) error {
		return broker.Close()
	})

	a.hub = api.NewHub(a.log.Named("websocket"), api.DefaultHubConfig())
	jcfg := jobs.DefaultConfig()
	jcfg.Workers = a.cfg.JobWorkers
	jcfg.MaxRetries = a.cfg.JobMaxRetries
	jcfg.WebhookTimeout = a.cfg.WebhookTimeout

	a.jobs, err = jobs.NewManager(a.repo, a.executor, broker.Conn, a.log.Named("jobs"), jcfg,
		jobs.WithRecorder(a.recorder),
		jobs.WithNotifier(a.hub.PublishJobEvent))
	return err
}

// recordAsset queues a media asset row for a finished generation.
func (a *App) recordAsset(_ context.Context, res *imagegen.Result) {
	meta, err := json.Marshal(map[string]any{
		"steps":          res.Steps,
		"guidance_scale": res.Guidance,
		"scheduler":      res.Scheduler,
		"seed":           res.Seed,
		"device":         res.Device,
		"width":          res.Width,
		"height":         res.Height,
		"fallback":       res.Fallback,
	})
	if err != nil {
		meta = []byte("{}")
	}
	ok := a.assets.Write(db.MediaAsset{
		ProjectID: res.ProjectID,
		Filename:  res.Filename,
		URL:       res.URL,
		Prompt:    res.Prompt,
		Model:     res.Model,
		Metadata:  string(meta),
		CreatedAt: res.CreatedAt,
	})
	if !ok {
		a.logger.Warn("asset record dropped", zap.String("filename", res.Filename))
	}
}

// Start runs background work and begins serving. ctx bounds everything
// started here; it is normally the shutdown manager's context.
func (a *App) Start(ctx context.Context) error {
	sel := a.selector.Refresh(ctx)
	a.logger.Info("device selected",
		logging.DeviceField(string(sel.Device)),
		zap.String("reason", sel.Reason))

	go a.gpu.Run(ctx)

	if a.database != nil {
		a.assets.Start()
		a.repo.StartCleanupScheduler(ctx, db.CleanupSchedulerConfig{
			Retention: a.cfg.JobRetention,
			Interval:  cleanupInterval,
			Terminal:  jobs.TerminalStatuses(),
			OnCleanup: func(res db.CleanupResult, err error) {
				if err != nil {
					a.logger.Warn("job cleanup failed", zap.Error(err))
				}
			},
		})
	}
	if a.jobs != nil {
		if err := a.jobs.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job manager: %w", err)
		}
	}
	return a.server.Start(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	return serve(cfg, log, nil)
}

// serve runs the service until a signal arrives or stop is closed.
func serve(cfg *core.Config, log *logging.Logger, stop <-chan struct{}) error {
	logger := log.Zap()
	logger.Info("starting imagegen backend",
		zap.String("version", core.GetVersionInfo()),
		zap.String("listen", cfg.ListenAddr()),
		zap.String("backend", cfg.PipelineBackend),
		zap.String("output_dir", cfg.OutputDir),
		zap.Bool("jobs", cfg.JobsEnabled),
		zap.Bool("auth", cfg.AuthEnabled()),
		zap.Bool("dev_mode", cfg.DevMode))

	sm := shutdown.NewManager(log.Named("shutdown"), shutdown.WithTimeout(cfg.ShutdownTimeout))
	sm.Start()
	if stop != nil {
		go func() {
			select {
			case <-stop:
				sm.Trigger()
			case <-sm.Context().Done():
			}
		}()
	}

	app, err := newApp(cfg, log, sm)
	if err == nil {
		err = app.Start(sm.Context())
	}
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		_ = sm.Shutdown()
		return err
	}

	<-sm.Context().Done()
	if err := sm.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown finished with errors: %v\n", err)
		return err
	}
	return nil
}
