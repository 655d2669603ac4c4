package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/pmx/internal/catalog"
	"github.com/desertthunder/pmx/internal/composer"
	"github.com/desertthunder/pmx/internal/executor"
	"github.com/desertthunder/pmx/internal/gate"
	"github.com/desertthunder/pmx/internal/metrics"
	"github.com/desertthunder/pmx/internal/planner"
	"github.com/desertthunder/pmx/internal/repositories"
	"github.com/desertthunder/pmx/internal/services"
	"github.com/desertthunder/pmx/internal/shared"
	"github.com/desertthunder/pmx/internal/transform"
)

// app is the set of components a command works with.
type app struct {
	config   *shared.Config
	logger   *log.Logger
	db       *sql.DB
	metrics  *metrics.Metrics
	catalog  catalog.Catalog
	composer *composer.Composer
	plans    *repositories.PlanRepository
	async    *repositories.AsyncRepository
	objects  *transform.DirStore
	payloads *gate.DirPayloads
	planner  *planner.Planner
	gate     *gate.Gate
	executor *executor.Executor
}

// open loads the configuration, migrates the database and wires every component.
//
// The catalog is only loaded when withCatalog is set; otherwise it is empty.
func (r *Runner) open(ctx context.Context, cmd *cli.Command, withCatalog bool) (*app, error) {
	config, err := r.loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)
	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a := &app{
		config:  config,
		logger:  r.logger,
		db:      db,
		metrics: metrics.New(),
		plans:   repositories.NewPlanRepository(db),
		async:   repositories.NewAsyncRepository(db),
	}

	if err := a.wire(ctx, r, withCatalog); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, r *Runner, withCatalog bool) error {
	var err error
	if a.catalog, err = r.newCatalog(a.config, withCatalog); err != nil {
		return err
	}
	logger := a.logger

	a.composer = composer.New(a.catalog, composer.Config{MaxHops: a.config.Composer.MaxHops, Logger: logger})

	if a.objects, err = transform.NewDirStore(a.config.Objects.Root); err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}
	if a.payloads, err = gate.NewDirPayloads(a.config.Gate.CacheDir); err != nil {
		return fmt.Errorf("failed to open payload store: %w", err)
	}

	a.planner = planner.New(a.composer, a.objects, a.plans, planner.Config{
		AutoReady: a.config.Planner.AutoReady,
		Logger:    logger,
		Metrics:   a.metrics,
	})

	a.gate, err = gate.New(gate.Config{
		Store:        a.async,
		Payloads:     a.payloads,
		Retention:    a.config.Gate.Retention,
		PollInterval: a.config.Executor.PollInterval,
		Logger:       logger,
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}

	conv := services.NewRESTConverter(ctx, services.ConverterConfig{
		Timeout:      a.config.Converter.Timeout,
		Rate:         a.config.Converter.Rate,
		TokenURL:     a.config.Converter.TokenURL,
		ClientID:     a.config.Converter.ClientID,
		ClientSecret: a.config.Converter.ClientSecret,
	})
	a.executor, err = executor.New(a.plans, executor.Config{
		Workers:   a.config.Executor.Workers,
		Rate:      a.config.Executor.Rate,
		Burst:     a.config.Executor.Burst,
		Logger:    logger,
		Metrics:   a.metrics,
		Processor: executor.NewGateProcessor(a.gate, a.objects, conv, a.plans, logger),
	})
	return err
}

// newCatalog builds the remote or file catalog behind the lookup cache.
func (r *Runner) newCatalog(config *shared.Config, load bool) (catalog.Catalog, error) {
	var delegate catalog.Catalog
	switch {
	case !load:
		empty, err := catalog.NewStatic(nil, nil)
		if err != nil {
			return nil, err
		}
		return empty, nil
	case config.Catalog.URL != "":
		r.logger.Debug("using remote catalog", "url", config.Catalog.URL)
		delegate = services.NewCatalogClient(services.NewAPIService(config.Catalog.URL, r.httpClient))
	default:
		static, err := catalog.LoadFile(config.Catalog.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog %s: %w", config.Catalog.Path, err)
		}
		delegate = static
	}

	return catalog.NewCached(delegate, catalog.CacheConfig{
		MaxSize: config.Catalog.CacheSize,
		TTL:     config.Catalog.CacheTTL,
	})
}

// Close stops the executor and the gate and closes the database.
func (a *app) Close() error {
	var errs []error
	if a.executor != nil {
		errs = append(errs, a.executor.Stop())
	}
	if a.gate != nil {
		errs = append(errs, a.gate.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}

// readFile reads a command argument naming a file, with "-" for stdin.
func readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file path", shared.ErrMissingArgument)
	}
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
