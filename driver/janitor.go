package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/izavyalov-dev/cloudblast/cluster"
	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
	"github.com/izavyalov-dev/cloudblast/layout"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

// Janitor sweeps one finished run: a search that reached a terminal state
// gets a status marker written next to its results and its infrastructure
// deleted. A run still in progress is left alone.
func (d *Driver) Janitor(ctx context.Context) error {
	if _, err := d.store.Get(ctx, layout.Snapshot(d.cfg.Results)); err != nil {
		if errors.Is(err, cloudstorage.ErrNotFound) {
			return usererr.New(usererr.Input,
				"no search found for results %s; nothing to sweep", d.cfg.Results)
		}
		return fmt.Errorf("read config snapshot: %w", err)
	}

	report, err := d.Status(ctx, false)
	if err != nil {
		return err
	}

	switch report.Overall {
	case cluster.StatusSuccess:
		return d.finishRun(ctx, layout.StatusSuccessFile, report)
	case cluster.StatusFailure:
		return d.finishRun(ctx, layout.StatusFailureFile, report)
	}
	d.logger.Info("search still in progress",
		"pending", report.Counts.Pending,
		"running", report.Counts.Running,
		"succeeded", report.Counts.Succeeded,
		"failed", report.Counts.Failed)
	return nil
}

// finishRun writes the terminal status marker, then tears the run down.
// The marker lives at the results root so it survives metadata removal.
func (d *Driver) finishRun(ctx context.Context, marker string, report cluster.StatusReport) error {
	body := fmt.Sprintf("pending %d running %d succeeded %d failed %d\n",
		report.Counts.Pending, report.Counts.Running,
		report.Counts.Succeeded, report.Counts.Failed)
	if err := d.store.Put(ctx, layout.Join(d.cfg.Results, marker), strings.NewReader(body)); err != nil {
		return fmt.Errorf("write %s marker: %w", marker, err)
	}
	d.logger.Info("search finished, deleting infrastructure", "status", report.Overall.String())
	return d.Delete(ctx)
}
