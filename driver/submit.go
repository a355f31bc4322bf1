package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/cloudblast/cleanup"
	"github.com/izavyalov-dev/cloudblast/cluster"
	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
	"github.com/izavyalov-dev/cloudblast/layout"
	"github.com/izavyalov-dev/cloudblast/split"
	"github.com/izavyalov-dev/cloudblast/staging"
	"github.com/izavyalov-dev/cloudblast/tuner"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

// Submit tunes, splits, provisions, and submits one search. Partial
// progress is rolled back through the cleanup stack on any failure, so a
// retried submit starts from a clean destination.
func (d *Driver) Submit(ctx context.Context) (err error) {
	if err := d.checkNotSubmitted(ctx); err != nil {
		return err
	}

	program, err := tuner.ParseProgram(d.cfg.Program)
	if err != nil {
		return usererr.Wrap(usererr.Input, err, "program")
	}
	taxListPath, err := validateOptions(d.cfg.Options)
	if err != nil {
		return err
	}

	queryData, err := d.readQueries(ctx)
	if err != nil {
		return err
	}
	letters, err := split.CountLetters(bytes.NewReader(queryData))
	if err != nil {
		return err
	}

	db, err := tuner.LoadDatabaseStats(ctx, d.store, d.cfg.Database, program.DBMolType(), d.cfg.Provider)
	if err != nil {
		return err
	}

	machineType := d.cfg.MachineType
	memOpts := tuner.MemLimitOptions{DBFactor: d.cfg.MemLimitFactor}
	if strings.EqualFold(machineType, "optimal") {
		machineType = ""
		memOpts.WithOptimal = true
	}
	decision, err := tuner.Tune(ctx, d.catalog, tuner.Inputs{
		Program:      program,
		Options:      d.cfg.Options,
		Provider:     d.cfg.Provider,
		Region:       d.cfg.Region,
		DB:           db,
		Query:        &tuner.QueryStats{Letters: letters, MolType: program.QueryMolType()},
		MachineType:  machineType,
		NumCPUsPref:  d.cfg.NumCPUs,
		BatchLenPref: d.cfg.BatchLen,
		MemLimitOpts: memOpts,
	})
	if err != nil {
		return err
	}
	if d.cfg.MemLimit != "" {
		decision.MemLimit = d.cfg.MemLimit
	}
	d.logger.Info("tuning decision",
		"mt_mode", decision.MTMode.String(),
		"num_cpus", decision.NumCPUs,
		"batch_len", decision.BatchLength,
		"mem_limit", decision.MemLimit.String(),
		"machine_type", decision.MachineType,
		"query_letters", letters)

	if d.cfg.DryRun {
		d.logger.Info("dry run, not provisioning",
			"cluster", cluster.Name(d.cfg.Results, d.cfg.Owner))
		return nil
	}

	stack := cleanup.NewStack(d.logger, d.metrics)
	defer func() {
		if err == nil {
			stack.Clear()
			return
		}
		if derr := stack.RunAll(ctx); derr != nil {
			d.logger.Warn("rollback incomplete", "error", derr)
		}
	}()

	if err = d.writeSnapshot(ctx); err != nil {
		return err
	}
	stack.Push(cleanup.Func("remove run metadata", func(ctx context.Context) error {
		return d.store.DeletePrefix(ctx, layout.Join(d.cfg.Results, layout.MetadataDir))
	}))

	area, err := staging.NewArea(d.store, d.logger)
	if err != nil {
		return err
	}
	stack.Push(cleanup.Func("discard staged work units", func(context.Context) error {
		return area.Discard()
	}))

	runCfg := *d.cfg
	if taxListPath != "" {
		dest := layout.Join(layout.BatchPrefix(d.cfg.Results), layout.TaxIDListFile)
		if err = area.Stage(taxListPath, dest); err != nil {
			return usererr.Wrap(usererr.Input, err, "taxonomy id list %s", taxListPath)
		}
		runCfg.Options = strings.Replace(runCfg.Options, taxListPath, dest, 1)
	}

	splitter, err := split.NewSplitter(decision.BatchLength, area,
		layout.BatchPrefix(d.cfg.Results), d.logger, d.metrics)
	if err != nil {
		return err
	}
	units, letters, err := splitter.Split(bytes.NewReader(queryData))
	if err != nil {
		return err
	}
	if err = area.Flush(ctx); err != nil {
		return err
	}
	stack.Push(cleanup.Func("remove uploaded work units", func(ctx context.Context) error {
		return d.store.DeletePrefix(ctx, layout.BatchPrefix(d.cfg.Results))
	}))

	orch, err := d.orchestrator(ctx, &runCfg, decision)
	if err != nil {
		return err
	}
	if err = orch.Provision(ctx, true); err != nil {
		// A conflict created nothing; any other failure may have left a
		// partial, still billable cluster behind.
		if !errors.Is(err, cluster.ErrConflict) {
			stack.Push(cleanup.Func("delete cluster for "+d.cfg.Results, orch.Delete))
		}
		return err
	}
	stack.Push(cleanup.Func("delete cluster for "+d.cfg.Results, orch.Delete))

	if err = orch.UploadQueryLength(ctx, letters); err != nil {
		return err
	}
	handles, err := orch.SubmitWork(ctx, units, "")
	if err != nil {
		return err
	}
	if err = d.store.Put(ctx, layout.Join(d.cfg.Results, layout.MetadataDir, layout.NumJobsFile),
		strings.NewReader(strconv.Itoa(len(handles)))); err != nil {
		return fmt.Errorf("record job count: %w", err)
	}

	d.logger.Info("search submitted", "jobs", len(handles))
	return nil
}

// checkNotSubmitted fails when the destination already holds a run.
func (d *Driver) checkNotSubmitted(ctx context.Context) error {
	_, err := d.store.Get(ctx, layout.Snapshot(d.cfg.Results))
	if err == nil {
		return usererr.New(usererr.Input,
			"a search with results %s has already been submitted; run cloudblast status or delete first",
			d.cfg.Results)
	}
	if errors.Is(err, cloudstorage.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("check results destination: %w", err)
}

// writeSnapshot saves the run configuration next to the ledger so status,
// delete, and the janitor can reconstruct the run from the bucket alone.
func (d *Driver) writeSnapshot(ctx context.Context) error {
	data, err := json.MarshalIndent(d.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config snapshot: %w", err)
	}
	if err := d.store.Put(ctx, layout.Snapshot(d.cfg.Results), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write config snapshot: %w", err)
	}
	return nil
}

// readQueries concatenates all query sources into one FASTA stream in
// configuration order. Sources with a URI scheme come from object storage,
// everything else from the local filesystem; fetches run concurrently.
func (d *Driver) readQueries(ctx context.Context) ([]byte, error) {
	if len(d.cfg.Queries) == 0 {
		return nil, usererr.New(usererr.Input, "no query input configured")
	}
	parts := make([][]byte, len(d.cfg.Queries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, src := range d.cfg.Queries {
		g.Go(func() error {
			var data []byte
			var err error
			if strings.Contains(src, "://") {
				data, err = d.store.Get(ctx, src)
			} else {
				data, err = os.ReadFile(src)
			}
			if err != nil {
				return usererr.Wrap(usererr.Input, err, "query input %s", src)
			}
			parts[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, part := range parts {
		buf.Write(part)
		if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

// validateOptions checks the search option string and returns the local
// taxonomy-id-list path when one is configured. Positive and negative
// taxonomy filters each allow only one form.
func validateOptions(options string) (string, error) {
	var taxids, negTaxids bool
	var listPath, negListPath string
	fields := strings.Fields(options)
	for i, field := range fields {
		switch field {
		case "-taxids":
			taxids = true
		case "-negative_taxids":
			negTaxids = true
		case "-taxidlist", "-negative_taxidlist":
			if i+1 >= len(fields) || strings.HasPrefix(fields[i+1], "-") {
				return "", usererr.New(usererr.Input, "option %s requires a file argument", field)
			}
			if field == "-taxidlist" {
				listPath = fields[i+1]
			} else {
				negListPath = fields[i+1]
			}
		}
	}
	if taxids && listPath != "" {
		return "", usererr.New(usererr.Input, "-taxids and -taxidlist are mutually exclusive")
	}
	if negTaxids && negListPath != "" {
		return "", usererr.New(usererr.Input, "-negative_taxids and -negative_taxidlist are mutually exclusive")
	}
	return listPath, nil
}
