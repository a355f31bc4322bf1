// Package driver implements the verb flows behind the CLI: submit,
// status, delete, and the janitor sweep. Each verb is one entry point
// taking a validated run configuration.
package driver

import (
	"context"
	"log/slog"

	"github.com/izavyalov-dev/cloudblast/cluster"
	"github.com/izavyalov-dev/cloudblast/config"
	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
	"github.com/izavyalov-dev/cloudblast/internal/observability"
	"github.com/izavyalov-dev/cloudblast/tuner"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

// orchestratorFactory builds the backend for one run. cfg may differ from
// the driver's own configuration when submit rewrites option arguments.
type orchestratorFactory func(ctx context.Context, cfg *config.RunConfig, decision tuner.Decision) (cluster.Orchestrator, error)

// Driver executes verb flows against one results destination.
type Driver struct {
	cfg     *config.RunConfig
	store   cloudstorage.Client
	logger  *slog.Logger
	metrics *observability.Metrics

	catalog      tuner.Catalog
	orchestrator orchestratorFactory
}

// New wires the driver for the configured provider using the default
// credential chain.
func New(ctx context.Context, cfg *config.RunConfig, metrics *observability.Metrics) (*Driver, error) {
	store, err := cloudstorage.ForURI(ctx, cfg.Results, cfg.Region)
	if err != nil {
		return nil, usererr.Wrap(usererr.Input, err, "results destination %s", cfg.Results)
	}

	d := &Driver{
		cfg:     cfg,
		store:   store,
		logger:  observability.WithResults(observability.NewLogger("driver"), cfg.Results),
		metrics: metrics,
	}

	switch cfg.Provider {
	case config.ProviderAWS:
		catalog, err := tuner.NewAWSCatalog(ctx, cfg.Region)
		if err != nil {
			return nil, usererr.Wrap(usererr.Dependency, err, "machine catalog for region %s", cfg.Region)
		}
		d.catalog = catalog
		d.orchestrator = func(ctx context.Context, cfg *config.RunConfig, decision tuner.Decision) (cluster.Orchestrator, error) {
			return cluster.NewAWSBatch(ctx, cfg, decision, store, metrics)
		}
	case config.ProviderGCP:
		d.catalog = tuner.GCPCatalog{}
		d.orchestrator = func(ctx context.Context, cfg *config.RunConfig, decision tuner.Decision) (cluster.Orchestrator, error) {
			return cluster.NewGKE(cfg, decision, store, nil, metrics), nil
		}
	default:
		return nil, usererr.New(usererr.Input, "unknown cloud provider %q", cfg.Provider)
	}
	return d, nil
}

// NewFromParts wires explicit collaborators, used by tests.
func NewFromParts(cfg *config.RunConfig, store cloudstorage.Client, catalog tuner.Catalog, orchestrator cluster.Orchestrator) *Driver {
	return &Driver{
		cfg:     cfg,
		store:   store,
		logger:  observability.WithResults(observability.NewLogger("driver"), cfg.Results),
		catalog: catalog,
		orchestrator: func(context.Context, *config.RunConfig, tuner.Decision) (cluster.Orchestrator, error) {
			return orchestrator, nil
		},
	}
}
