// Package app wires configuration into a running engine and HTTP server.
package app

import (
	"context"
	"fmt"

	"go-etl-engine/internal/agent"
	"go-etl-engine/internal/api"
	"go-etl-engine/internal/api/handler"
	"go-etl-engine/internal/config"
	"go-etl-engine/internal/pipeline"
	"go-etl-engine/internal/store"
	"go-etl-engine/internal/telemetry"
	"go-etl-engine/internal/usage"
	"go-etl-engine/pkg/router"
	"go-etl-engine/pkg/utils"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// App holds the wired components of one process
type App struct {
	Config  *config.Config
	Engine  *pipeline.Engine
	Gate    *usage.Gate
	Store   *store.Store // nil when persistence is disabled
	Agents  *agent.Registry
	Metrics *telemetry.Metrics
	Output  *utils.OutputManager
	Log     zerolog.Logger
}

// New builds the engine and its collaborators from cfg
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Metrics: telemetry.NewMetrics(),
		Output:  utils.NewOutputManager(cfg.Output.Dir),
		Log:     log,
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		a.Store = st
	}

	var objects pipeline.ObjectStore
	if cfg.ObjectStore.Endpoint != "" {
		s3, err := pipeline.NewS3Store(pipeline.S3Config{
			EndpointURL:     cfg.ObjectStore.Endpoint,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
			Region:          cfg.ObjectStore.Region,
			UseSSL:          cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		objects = s3
	}

	fetcher := pipeline.NewHTTPFetcher(pipeline.HTTPConfig{
		Timeout:   cfg.HTTPTimeout(),
		RateLimit: cfg.HTTPSource.RateLimit,
		RateBurst: cfg.HTTPSource.RateBurst,
		UserAgent: cfg.HTTPSource.UserAgent,
	})

	gateOpts := []usage.Option{
		usage.WithLogger(log),
		usage.WithBillingSink(a.Metrics),
	}
	reader := pipeline.NewSourceReader(fetcher, objects, log)
	reader.Root = cfg.Input.Dir

	recorder := pipeline.NewMetricsRecorder(cfg.Runs.RegistrySize, log, a.Metrics)
	engineCfg := pipeline.Config{
		Extractor:      reader,
		Transformer:    pipeline.NewTransformer(log),
		Validator:      pipeline.NewQualityValidator(cfg.Quality.Weights),
		Loader:         pipeline.NewExportManager(objects, a.Output, log),
		Recorder:       recorder,
		Output:         a.Output,
		Log:            log,
		DefaultTimeout: cfg.DefaultTimeout(),
	}
	if a.Store != nil {
		gateOpts = append(gateOpts, usage.WithBillingSink(a.Store))
		recorder.AddSink(a.Store)
		engineCfg.Store = a.Store
	}
	a.Gate = usage.NewGate(cfg.Policies(), gateOpts...)
	engineCfg.Gate = a.Gate

	engine, err := pipeline.NewEngine(engineCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = engine

	a.Agents = agent.NewRegistry()
	a.Agents.Register(agent.ETLType, agent.NewETLAgent(engine))
	return a, nil
}

// Router builds the HTTP router with all API routes and middleware
func (a *App) Router() *router.Router {
	r := router.New(a.Log)
	if a.Config.Server.RateLimit > 0 {
		r.Use(router.RateLimit(rate.NewLimiter(rate.Limit(a.Config.Server.RateLimit), a.Config.Server.RateBurst)))
	}
	r.Use(a.Metrics.MetricsMiddleware)

	api.RegisterRoutes(r, &handler.Handler{
		Engine: a.Engine,
		Gate:   a.Gate,
		Store:  a.Store,
		Agents: a.Agents,
		Output: a.Output,
		Log:    a.Log,
	}, a.Metrics)
	return r
}

// ApplyConfig swaps in the reloadable parts of a new configuration
func (a *App) ApplyConfig(cfg *config.Config, err error) {
	if err != nil {
		a.Metrics.RecordConfigReload("error")
		return
	}
	a.Gate.SetPolicies(cfg.Policies())
	a.Metrics.RecordConfigReload("success")
}

// Serve runs the HTTP server until ctx is cancelled. When configPath is set,
// tier policies follow edits to the file.
func (a *App) Serve(ctx context.Context, configPath string) error {
	if err := a.Output.EnsureOutputDirExists(); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if configPath != "" {
		w, err := config.Watch(configPath, a.Log, a.ApplyConfig)
		if err != nil {
			return err
		}
		defer w.Close()
	}
	return a.Router().Start(ctx, a.Config.Server.Address)
}

// Close releases the store
func (a *App) Close() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Error().Err(err).Msg("failed to close store")
		}
	}
}
