package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/embeddings"
	"github.com/fyrsmithlabs/docmatch/internal/ingest"
	"github.com/fyrsmithlabs/docmatch/internal/logging"
	"github.com/fyrsmithlabs/docmatch/internal/search"
	"github.com/fyrsmithlabs/docmatch/internal/secrets"
	"github.com/fyrsmithlabs/docmatch/internal/sectionindex"
	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/fyrsmithlabs/docmatch/internal/telemetry"
	"go.uber.org/zap"
)

// Registry provides access to the docmatch services.
type Registry interface {
	Config() *config.Config
	Logger() *logging.Logger
	Telemetry() *telemetry.Telemetry
	Store() store.Store
	Embedder() embeddings.Provider
	Index() sectionindex.Index
	Scrubber() *secrets.Scrubber
	Search() *search.Service
	Ingest() *ingest.Service

	// Close releases every component that holds resources.
	Close(ctx context.Context) error
}

// Options configures the registry with service instances.
type Options struct {
	Config    *config.Config
	Logger    *logging.Logger
	Telemetry *telemetry.Telemetry
	Store     store.Store
	Embedder  embeddings.Provider
	Index     sectionindex.Index
	Scrubber  *secrets.Scrubber
	Search    *search.Service
	Ingest    *ingest.Service
}

type registry struct {
	opts Options
}

// NewRegistry creates a registry over already built services.
func NewRegistry(opts Options) Registry {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &registry{opts: opts}
}

func (r *registry) Config() *config.Config          { return r.opts.Config }
func (r *registry) Logger() *logging.Logger         { return r.opts.Logger }
func (r *registry) Telemetry() *telemetry.Telemetry { return r.opts.Telemetry }
func (r *registry) Store() store.Store              { return r.opts.Store }
func (r *registry) Embedder() embeddings.Provider   { return r.opts.Embedder }
func (r *registry) Index() sectionindex.Index       { return r.opts.Index }
func (r *registry) Scrubber() *secrets.Scrubber     { return r.opts.Scrubber }
func (r *registry) Search() *search.Service         { return r.opts.Search }
func (r *registry) Ingest() *ingest.Service         { return r.opts.Ingest }

func (r *registry) Close(ctx context.Context) error {
	var errs []error
	if r.opts.Index != nil {
		if err := r.opts.Index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing index: %w", err))
		}
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if err := r.opts.Telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
	}
	if r.opts.Logger != nil {
		_ = r.opts.Logger.Sync()
	}
	return errors.Join(errs...)
}

// Open builds every service described by cfg. version is reported as the
// telemetry service version.
func Open(ctx context.Context, cfg *config.Config, version string) (_ Registry, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	opts := Options{Config: cfg}

	// Partially built registries are closed on failure.
	defer func() {
		if err != nil {
			_ = (&registry{opts: opts}).Close(context.Background())
		}
	}()

	opts.Telemetry, err = telemetry.New(ctx, telemetry.FromAppConfig(cfg.Observability, version))
	if err != nil {
		return nil, err
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	opts.Logger, err = logging.NewLogger(logCfg, opts.Telemetry.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if degraded, terr := opts.Telemetry.Degraded(); degraded {
		opts.Logger.Warn(ctx, "telemetry degraded", zap.Error(terr))
	}

	opts.Store, err = store.Open(ctx, cfg.Database, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	dims := cfg.Database.Dimensions
	opts.Embedder, err = embeddings.New(cfg.Embeddings, dims, opts.Logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	opts.Index, err = sectionindex.New(ctx, cfg.Index, dims, opts.Logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("failed to create section index: %w", err)
	}

	if cfg.Ingest.ScrubSecrets {
		opts.Scrubber, err = secrets.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
		}
	}

	opts.Search, err = search.NewService(opts.Store, opts.Index, opts.Embedder, cfg.Search, opts.Logger)
	if err != nil {
		return nil, err
	}
	opts.Ingest, err = ingest.NewService(opts.Store, opts.Index, opts.Embedder, opts.Scrubber, cfg.Ingest, opts.Logger)
	if err != nil {
		return nil, err
	}

	opts.Logger.Info(ctx, "services initialized",
		zap.String("database", cfg.Database.Driver),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("index", cfg.Index.Provider),
		zap.String("search_backend", cfg.Search.Backend),
		zap.Bool("scrub_secrets", opts.Scrubber != nil),
	)
	return &registry{opts: opts}, nil
}
