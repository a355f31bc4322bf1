package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/izavyalov-dev/cloudblast/cluster"
	"github.com/izavyalov-dev/cloudblast/config"
	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
	"github.com/izavyalov-dev/cloudblast/layout"
	"github.com/izavyalov-dev/cloudblast/split"
	"github.com/izavyalov-dev/cloudblast/tuner"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

type fakeOrch struct {
	calls []string

	provisionErr error
	submitErr    error
	deleteErr    error
	logsErr      error
	report       cluster.StatusReport

	letters int
	units   []split.WorkUnit
}

func (f *fakeOrch) Provision(ctx context.Context, createIfAbsent bool) error {
	f.calls = append(f.calls, fmt.Sprintf("provision(%t)", createIfAbsent))
	return f.provisionErr
}

func (f *fakeOrch) SubmitWork(ctx context.Context, units []split.WorkUnit, dependsOn string) ([]string, error) {
	f.calls = append(f.calls, "submit")
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.units = units
	handles := make([]string, len(units))
	for i := range units {
		handles[i] = fmt.Sprintf("job-%d", i)
	}
	return handles, nil
}

func (f *fakeOrch) CheckStatus(ctx context.Context, extended bool) (cluster.StatusReport, error) {
	f.calls = append(f.calls, "status")
	return f.report, nil
}

func (f *fakeOrch) UploadQueryLength(ctx context.Context, letters int) error {
	f.calls = append(f.calls, "upload-query-length")
	f.letters = letters
	return nil
}

func (f *fakeOrch) Delete(ctx context.Context) error {
	f.calls = append(f.calls, "delete")
	return f.deleteErr
}

func (f *fakeOrch) CollectLogs(ctx context.Context) error {
	f.calls = append(f.calls, "collect-logs")
	return f.logsErr
}

type fixedCatalog struct{ machines []tuner.Machine }

func (c fixedCatalog) Properties(ctx context.Context, machineType string) (tuner.Machine, error) {
	for _, m := range c.machines {
		if m.Name == machineType {
			return m, nil
		}
	}
	return tuner.Machine{}, fmt.Errorf("machine type %q not found", machineType)
}

func (c fixedCatalog) Supported(ctx context.Context, region string) ([]tuner.Machine, error) {
	return c.machines, nil
}

const testFASTA = `>seq1 first query
MKLVINALVTLALAVPAFAQDASKTETKSAEADFKAAQTEVKKLEGKSE
>seq2 second query
MSTNAKIVLVGDGAVGSSYAFAMAQQGIAEEFVIVDVVKDRTKGDALDL
`

func submitConfig(t *testing.T) *config.RunConfig {
	t.Helper()
	queryPath := filepath.Join(t.TempDir(), "queries.fa")
	if err := os.WriteFile(queryPath, []byte(testFASTA), 0o644); err != nil {
		t.Fatalf("write queries: %v", err)
	}
	return &config.RunConfig{
		Program:     "blastp",
		Database:    "s3://bucket/db/testdb",
		Queries:     []string{queryPath},
		Results:     "s3://bucket/results",
		Provider:    config.ProviderAWS,
		Region:      "us-east-1",
		Owner:       "alice",
		MachineType: "m5.8xlarge",
	}
}

const testDBMetadata = `{
  "dbtype": "Protein",
  "number-of-letters": 1000000000,
  "number-of-sequences": 2000000,
  "bytes-to-cache": 42949672960
}`

func newSubmitDriver(t *testing.T, orch *fakeOrch) (*Driver, *cloudstorage.MemoryClient, *config.RunConfig) {
	t.Helper()
	cfg := submitConfig(t)
	store := cloudstorage.NewMemoryClient()
	if err := store.Put(context.Background(), "s3://bucket/db/testdb-prot-metadata.json",
		strings.NewReader(testDBMetadata)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	catalog := fixedCatalog{machines: []tuner.Machine{{Name: "m5.8xlarge", VCPUs: 32, MemoryGB: 128}}}
	return NewFromParts(cfg, store, catalog, orch), store, cfg
}

func TestSubmitEndToEnd(t *testing.T) {
	orch := &fakeOrch{}
	d, store, cfg := newSubmitDriver(t, orch)
	ctx := context.Background()

	if err := d.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	want := []string{"provision(true)", "upload-query-length", "submit"}
	if strings.Join(orch.calls, " ") != strings.Join(want, " ") {
		t.Fatalf("calls = %v, want %v", orch.calls, want)
	}
	if orch.letters != 98 {
		t.Fatalf("query letters = %d, want 98", orch.letters)
	}

	if _, err := store.Get(ctx, layout.Snapshot(cfg.Results)); err != nil {
		t.Fatalf("config snapshot missing: %v", err)
	}
	batches, err := store.List(ctx, layout.BatchPrefix(cfg.Results))
	if err != nil || len(batches) == 0 {
		t.Fatalf("work units missing: %v %v", batches, err)
	}
	jobs, err := store.Get(ctx, layout.Join(cfg.Results, layout.MetadataDir, layout.NumJobsFile))
	if err != nil {
		t.Fatalf("job count missing: %v", err)
	}
	if string(jobs) != fmt.Sprintf("%d", len(orch.units)) {
		t.Fatalf("job count = %s, submitted %d units", jobs, len(orch.units))
	}
}

func TestSubmitTwiceIsRejected(t *testing.T) {
	orch := &fakeOrch{}
	d, _, _ := newSubmitDriver(t, orch)
	ctx := context.Background()

	if err := d.Submit(ctx); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	err := d.Submit(ctx)
	if kind, ok := usererr.KindOf(err); !ok || kind != usererr.Input {
		t.Fatalf("expected input error, got %v", err)
	}
	if !strings.Contains(err.Error(), "already been submitted") {
		t.Fatalf("error = %v", err)
	}
}

func TestSubmitRollsBackOnFailure(t *testing.T) {
	orch := &fakeOrch{submitErr: errors.New("queue rejected the job")}
	d, store, _ := newSubmitDriver(t, orch)
	ctx := context.Background()

	err := d.Submit(ctx)
	if err == nil {
		t.Fatal("expected submission failure")
	}

	// The drain removes every uploaded artifact and tears the cluster
	// down, leaving a destination a retried submit can use.
	if store.Len() != 1 {
		// Only the database metadata object survives.
		t.Fatalf("store holds %d objects after rollback, want 1", store.Len())
	}
	if orch.calls[len(orch.calls)-1] != "delete" {
		t.Fatalf("rollback did not delete the cluster, calls: %v", orch.calls)
	}
}

func TestSubmitProvisionFailureTearsDownPartialCluster(t *testing.T) {
	orch := &fakeOrch{provisionErr: errors.New("stack entered CREATE_FAILED")}
	d, store, _ := newSubmitDriver(t, orch)

	err := d.Submit(context.Background())
	if err == nil {
		t.Fatal("expected provisioning failure")
	}

	// A creation attempt that failed partway may have left billable
	// infrastructure behind; the rollback must still delete it.
	if orch.calls[len(orch.calls)-1] != "delete" {
		t.Fatalf("rollback did not delete the partial cluster, calls: %v", orch.calls)
	}
	if store.Len() != 1 {
		t.Fatalf("store holds %d objects after rollback, want 1", store.Len())
	}
}

func TestSubmitConflictLeavesExistingClusterAlone(t *testing.T) {
	orch := &fakeOrch{provisionErr: usererr.Wrap(usererr.Input, cluster.ErrConflict,
		"a search with results s3://bucket/results has already been submitted; run status or delete first")}
	d, _, _ := newSubmitDriver(t, orch)

	err := d.Submit(context.Background())
	if kind, ok := usererr.KindOf(err); !ok || kind != usererr.Input {
		t.Fatalf("expected input error, got %v", err)
	}
	// The conflicting cluster belongs to the earlier run and created
	// nothing here, so it must survive the rollback.
	for _, call := range orch.calls {
		if call == "delete" {
			t.Fatalf("conflict deleted the existing cluster, calls: %v", orch.calls)
		}
	}
}

// captureDecision records the tuning decision handed to the backend
// factory without changing which backend a test talks to.
func captureDecision(d *Driver) *tuner.Decision {
	inner := d.orchestrator
	captured := &tuner.Decision{}
	d.orchestrator = func(ctx context.Context, cfg *config.RunConfig, decision tuner.Decision) (cluster.Orchestrator, error) {
		*captured = decision
		return inner(ctx, cfg, decision)
	}
	return captured
}

func TestSubmitOptimalMachineType(t *testing.T) {
	orch := &fakeOrch{}
	d, _, cfg := newSubmitDriver(t, orch)
	cfg.MachineType = "optimal"
	decision := captureDecision(d)

	if err := d.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if decision.MachineType != "m5.8xlarge" {
		t.Fatalf("machine type = %q, want auto-selected m5.8xlarge", decision.MachineType)
	}
	// 40G database cache plus the result-hits allowance.
	if decision.MemLimit != "42G" {
		t.Fatalf("mem limit = %s, want 42G", decision.MemLimit)
	}
}

func TestSubmitMemLimitFactor(t *testing.T) {
	orch := &fakeOrch{}
	d, _, cfg := newSubmitDriver(t, orch)
	cfg.MemLimitFactor = 1.5
	decision := captureDecision(d)

	if err := d.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// 40G database cache scaled by the configured factor.
	if decision.MemLimit != "60G" {
		t.Fatalf("mem limit = %s, want 60G", decision.MemLimit)
	}
}

func TestSubmitDryRun(t *testing.T) {
	orch := &fakeOrch{}
	d, store, cfg := newSubmitDriver(t, orch)
	cfg.DryRun = true

	if err := d.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(orch.calls) != 0 {
		t.Fatalf("dry run touched the backend: %v", orch.calls)
	}
	if store.Len() != 1 {
		t.Fatalf("dry run wrote %d objects", store.Len()-1)
	}
}

func TestValidateOptions(t *testing.T) {
	for _, tc := range []struct {
		options  string
		listPath string
		wantErr  string
	}{
		{options: "-evalue 0.01", listPath: ""},
		{options: "-taxidlist ids.txt -evalue 0.01", listPath: "ids.txt"},
		{options: "-negative_taxidlist ids.txt", listPath: ""},
		{options: "-taxids 9606 -taxidlist ids.txt", wantErr: "mutually exclusive"},
		{options: "-negative_taxids 9606 -negative_taxidlist ids.txt", wantErr: "mutually exclusive"},
		{options: "-taxidlist -evalue", wantErr: "requires a file argument"},
		{options: "-taxids 9606", listPath: ""},
	} {
		listPath, err := validateOptions(tc.options)
		if tc.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("validateOptions(%q) err = %v, want %q", tc.options, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("validateOptions(%q): %v", tc.options, err)
			continue
		}
		if listPath != tc.listPath {
			t.Errorf("validateOptions(%q) = %q, want %q", tc.options, listPath, tc.listPath)
		}
	}
}

func TestSubmitUploadsTaxIDList(t *testing.T) {
	orch := &fakeOrch{}
	d, store, cfg := newSubmitDriver(t, orch)
	ctx := context.Background()

	listPath := filepath.Join(t.TempDir(), "ids.txt")
	if err := os.WriteFile(listPath, []byte("9606\n10090\n"), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}
	cfg.Options = "-taxidlist " + listPath + " -evalue 0.01"

	if err := d.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	dest := layout.Join(layout.BatchPrefix(cfg.Results), layout.TaxIDListFile)
	data, err := store.Get(ctx, dest)
	if err != nil {
		t.Fatalf("taxonomy list not uploaded: %v", err)
	}
	if !strings.Contains(string(data), "9606") {
		t.Fatalf("taxonomy list content = %q", data)
	}
}

func statusDriver(orch *fakeOrch) *Driver {
	return NewFromParts(&config.RunConfig{
		Program:  "blastp",
		Database: "testdb",
		Results:  "s3://bucket/results",
		Provider: config.ProviderAWS,
		Owner:    "alice",
	}, cloudstorage.NewMemoryClient(), fixedCatalog{}, orch)
}

func TestStatusWithoutSubmission(t *testing.T) {
	orch := &fakeOrch{provisionErr: fmt.Errorf("stack: %w", cluster.ErrNotFound)}
	d := statusDriver(orch)

	_, err := d.Status(context.Background(), false)
	if kind, ok := usererr.KindOf(err); !ok || kind != usererr.Input {
		t.Fatalf("expected input error, got %v", err)
	}
	if !strings.Contains(err.Error(), "s3://bucket/results") {
		t.Fatalf("error does not name the destination: %v", err)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	orch := &fakeOrch{report: cluster.StatusReport{
		Overall: cluster.StatusRunning,
		Counts:  cluster.StatusCounts{Pending: 1, Running: 2},
	}}
	d := statusDriver(orch)

	report, err := d.Status(context.Background(), false)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Overall != cluster.StatusRunning || report.Counts.Running != 2 {
		t.Fatalf("report = %+v", report)
	}
}

func TestDeleteCollectsLogsFirst(t *testing.T) {
	orch := &fakeOrch{}
	d := statusDriver(orch)

	if err := d.Delete(context.Background()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	want := []string{"collect-logs", "delete"}
	if strings.Join(orch.calls, " ") != strings.Join(want, " ") {
		t.Fatalf("calls = %v, want %v", orch.calls, want)
	}
}

func TestDeleteFailureIsFatal(t *testing.T) {
	orch := &fakeOrch{deleteErr: errors.New("stack is stuck")}
	d := statusDriver(orch)

	err := d.Delete(context.Background())
	if kind, ok := usererr.KindOf(err); !ok || kind != usererr.Cluster {
		t.Fatalf("expected cluster error, got %v", err)
	}
	// Log collection still ran despite the teardown failure.
	if orch.calls[0] != "collect-logs" {
		t.Fatalf("calls = %v", orch.calls)
	}
}

func TestJanitorFinishesSuccessfulRun(t *testing.T) {
	orch := &fakeOrch{report: cluster.StatusReport{
		Overall: cluster.StatusSuccess,
		Counts:  cluster.StatusCounts{Succeeded: 3},
	}}
	d := statusDriver(orch)
	ctx := context.Background()
	if err := d.store.Put(ctx, layout.Snapshot(d.cfg.Results), strings.NewReader("{}")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := d.Janitor(ctx); err != nil {
		t.Fatalf("Janitor: %v", err)
	}
	marker, err := d.store.Get(ctx, layout.Join(d.cfg.Results, layout.StatusSuccessFile))
	if err != nil {
		t.Fatalf("marker missing: %v", err)
	}
	if !strings.Contains(string(marker), "succeeded 3") {
		t.Fatalf("marker = %q", marker)
	}
	if orch.calls[len(orch.calls)-1] != "delete" {
		t.Fatalf("janitor did not delete the infrastructure, calls: %v", orch.calls)
	}
}

func TestJanitorLeavesRunningSearchAlone(t *testing.T) {
	orch := &fakeOrch{report: cluster.StatusReport{
		Overall: cluster.StatusRunning,
		Counts:  cluster.StatusCounts{Running: 2},
	}}
	d := statusDriver(orch)
	ctx := context.Background()
	if err := d.store.Put(ctx, layout.Snapshot(d.cfg.Results), strings.NewReader("{}")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := d.Janitor(ctx); err != nil {
		t.Fatalf("Janitor: %v", err)
	}
	for _, call := range orch.calls {
		if call == "delete" {
			t.Fatalf("janitor deleted a running search, calls: %v", orch.calls)
		}
	}
}

func TestJanitorWithoutSubmission(t *testing.T) {
	d := statusDriver(&fakeOrch{})

	err := d.Janitor(context.Background())
	if kind, ok := usererr.KindOf(err); !ok || kind != usererr.Input {
		t.Fatalf("expected input error, got %v", err)
	}
}
