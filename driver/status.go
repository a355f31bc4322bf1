package driver

import (
	"context"
	"errors"

	"github.com/izavyalov-dev/cloudblast/cleanup"
	"github.com/izavyalov-dev/cloudblast/cluster"
	"github.com/izavyalov-dev/cloudblast/tuner"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

// Status reports the aggregate state of a submitted search. Extended mode
// adds per-job details.
func (d *Driver) Status(ctx context.Context, extended bool) (cluster.StatusReport, error) {
	orch, err := d.orchestrator(ctx, d.cfg, tuner.Decision{})
	if err != nil {
		return cluster.StatusReport{}, err
	}
	if err := orch.Provision(ctx, false); err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			return cluster.StatusReport{}, usererr.New(usererr.Input,
				"no search found for results %s; submit one first", d.cfg.Results)
		}
		return cluster.StatusReport{}, err
	}
	return orch.CheckStatus(ctx, extended)
}

// Delete tears down the run. The drain is the top-level operation here, so
// aggregated teardown failures become the final error instead of a warning
// list.
func (d *Driver) Delete(ctx context.Context) error {
	orch, err := d.orchestrator(ctx, d.cfg, tuner.Decision{})
	if err != nil {
		return err
	}

	stack := cleanup.NewStack(d.logger, d.metrics)
	stack.Push(cleanup.Func("delete cluster for "+d.cfg.Results, orch.Delete))
	if collector, ok := orch.(interface {
		CollectLogs(ctx context.Context) error
	}); ok {
		stack.Push(cleanup.Func("collect backend logs", collector.CollectLogs))
	}

	if err := stack.RunAll(ctx); err != nil {
		return usererr.Wrap(usererr.Cluster, err,
			"delete of search results %s did not finish cleanly", d.cfg.Results)
	}
	return nil
}
