// Package app builds the service graph shared by the API server and the CLI.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-insights/internal/analysis"
	"github.com/dvloznov/statement-insights/internal/chunker"
	"github.com/dvloznov/statement-insights/internal/config"
	"github.com/dvloznov/statement-insights/internal/estimate"
	"github.com/dvloznov/statement-insights/internal/events"
	infraBQ "github.com/dvloznov/statement-insights/internal/infra/bigquery"
	"github.com/dvloznov/statement-insights/internal/jobs"
	"github.com/dvloznov/statement-insights/internal/ledger"
	"github.com/dvloznov/statement-insights/internal/llm"
	"github.com/dvloznov/statement-insights/internal/notionsync"
	"github.com/dvloznov/statement-insights/internal/pipeline"
	"github.com/dvloznov/statement-insights/internal/progress"
	"github.com/dvloznov/statement-insights/internal/ratelimit"
	"github.com/dvloznov/statement-insights/internal/store"
	"github.com/dvloznov/statement-insights/internal/store/inmemory"
	"github.com/dvloznov/statement-insights/internal/store/postgres"
	"github.com/dvloznov/statement-insights/internal/textsource"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config      *config.Config
	Store       store.Store
	Ledger      *ledger.Ledger
	Executor    *ratelimit.Executor
	Broadcaster *progress.Broadcaster
	Warehouse   *infraBQ.Warehouse
	Service     *pipeline.Service

	closers []func() error
	log     zerolog.Logger
}

// Option adjusts how New wires the service.
type Option func(*pipeline.Deps)

// WithQueue makes Service.Submit publish to q.
func WithQueue(q jobs.Publisher) Option {
	return func(d *pipeline.Deps) { d.Queue = q }
}

// WithJobStore lets Service.Jobs list the jobs recorded in store.
func WithJobStore(store jobs.JobStore) Option {
	return func(d *pipeline.Deps) { d.Jobs = store }
}

// New builds every component named by cfg. On error, anything already opened
// is closed.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (_ *App, err error) {
	a := &App{Config: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Store, err = openStore(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	a.onClose(func() error { a.Store.Close(); return nil })
	a.Ledger = ledger.New(a.Store)

	client, pdf, err := newModelClient(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}

	fetcher, err := a.newFetcher(ctx, cfg.Documents, pdf)
	if err != nil {
		return nil, err
	}

	a.Executor = ratelimit.NewExecutor(ratelimit.Config{
		Permits:     cfg.Extraction.Concurrency,
		MaxAttempts: cfg.Extraction.MaxAttempts,
		BaseBackoff: cfg.Extraction.BaseBackoff,
		HardCeiling: cfg.Extraction.HardCeiling,
	}, ratelimit.WithLogger(log))

	a.Broadcaster = progress.NewBroadcaster(cfg.Progress.HeartbeatInterval, log)

	exporters, err := a.newExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Ledger:   a.Ledger,
		Store:    a.Store,
		Source:   fetcher,
		Client:   client,
		Executor: a.Executor,
		Chunker:  chunker.New(cfg.Extraction.MaxTokensPerChunk),
		Engine: analysis.NewEngine(analysis.Options{
			MinOccurrences:   cfg.Analysis.SubscriptionMinOccurrences,
			AnomalyThreshold: cfg.Analysis.AnomalyZThreshold,
		}),
		Estimator: estimate.New(cfg.Extraction.MaxTokensPerChunk),
		Progress:  a.Broadcaster,
		Exporters: exporters,
		Narrative: cfg.Analysis.Narrative,
		Logger:    log,
	}

	if cfg.Events.Enabled {
		publisher, err := events.NewRabbitMQPublisher(cfg.Events.URL, cfg.Events.Exchange)
		if err != nil {
			return nil, err
		}
		a.onClose(publisher.Close)
		deps.Events = publisher
	}

	for _, opt := range opts {
		opt(&deps)
	}

	a.Service = pipeline.NewService(deps)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN, cfg.MaxConns)
	case config.DriverMemory:
		return inmemory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newModelClient returns the configured client and, when it can read PDFs,
// the page extractor.
func newModelClient(ctx context.Context, cfg config.ModelConfig) (llm.Client, llm.PageExtractor, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:          cfg.OpenAIAPIKey,
			BaseURL:         cfg.OpenAIBaseURL,
			ContextModel:    cfg.ContextModel,
			ExtractionModel: cfg.ExtractionModel,
			NarrativeModel:  cfg.NarrativeModel,
		}), nil, nil
	default:
		gemini, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			ContextModel:    cfg.ContextModel,
			ExtractionModel: cfg.ExtractionModel,
			NarrativeModel:  cfg.NarrativeModel,
		})
		if err != nil {
			return nil, nil, err
		}
		return gemini, gemini, nil
	}
}

func (a *App) newFetcher(ctx context.Context, cfg config.DocumentsConfig, pdf llm.PageExtractor) (*textsource.Fetcher, error) {
	var opts []textsource.Option
	if pdf != nil {
		opts = append(opts, textsource.WithPageExtractor(pdf))
	}

	if cfg.GCSEnabled {
		gcs, err := textsource.NewGCSStore(ctx)
		if err != nil {
			return nil, err
		}
		a.onClose(gcs.Close)
		opts = append(opts, textsource.WithGCS(gcs))
	}

	if cfg.MinIO.Enabled() {
		m := cfg.MinIO
		minio, err := textsource.NewMinIOStore(m.Endpoint, m.Region, m.AccessKey, m.SecretKey, m.UseSSL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, textsource.WithMinIO(minio))
	}

	return textsource.NewFetcher(opts...), nil
}

func (a *App) newExporters(ctx context.Context, cfg *config.Config) ([]pipeline.Exporter, error) {
	var exporters []pipeline.Exporter

	if cfg.Warehouse.Enabled {
		w, err := infraBQ.NewWarehouse(ctx, cfg.Warehouse.ProjectID, cfg.Warehouse.Dataset)
		if err != nil {
			return nil, err
		}
		a.onClose(w.Close)
		a.Warehouse = w
		exporters = append(exporters, w)
	}

	if cfg.Notion.Enabled {
		client := notionsync.NewNotionClient(cfg.Notion.Token)
		exporters = append(exporters, notionsync.NewReportPublisher(client, cfg.Notion.DatabaseID))
	}

	return exporters, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases every opened component, last opened first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("Error closing component")
		}
	}
	a.closers = nil
}
