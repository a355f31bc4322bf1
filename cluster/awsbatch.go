package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"

	"github.com/izavyalov-dev/cloudblast/config"
	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
	"github.com/izavyalov-dev/cloudblast/internal/observability"
	"github.com/izavyalov-dev/cloudblast/layout"
	"github.com/izavyalov-dev/cloudblast/ledger"
	"github.com/izavyalov-dev/cloudblast/split"
	"github.com/izavyalov-dev/cloudblast/tuner"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

// Infrastructure template the managed-queue backend instantiates per run.
const stackTemplateURL = "https://cloudblast-support.s3.amazonaws.com/templates/cloudblast-batch.yaml"

// describeJobsBatch is the DescribeJobs per-call job limit.
const describeJobsBatch = 100

// Queue states that count as pending, in transition order.
var pendingJobStates = []batchtypes.JobStatus{
	batchtypes.JobStatusSubmitted,
	batchtypes.JobStatusPending,
	batchtypes.JobStatusRunnable,
	batchtypes.JobStatusStarting,
}

type batchAPI interface {
	SubmitJob(ctx context.Context, in *batch.SubmitJobInput, opts ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, opts ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
	ListJobs(ctx context.Context, in *batch.ListJobsInput, opts ...func(*batch.Options)) (*batch.ListJobsOutput, error)
}

type cfnAPI interface {
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, opts ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	DescribeStackEvents(ctx context.Context, in *cloudformation.DescribeStackEventsInput, opts ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
}

// AWSBatch runs searches on the managed batch queue, with the compute
// environment, queue, and job definition owned by one infrastructure stack
// per run.
type AWSBatch struct {
	cfg      *config.RunConfig
	decision tuner.Decision
	store    cloudstorage.Client
	jobs     *ledger.Ledger
	batch    batchAPI
	cfn      cfnAPI
	logger   *slog.Logger
	metrics  *observability.Metrics

	name          string
	jobQueue      string
	jobDefinition string

	pollInterval  time.Duration
	createTimeout time.Duration
	deleteTimeout time.Duration
}

// NewAWSBatch builds the managed-queue backend using the default credential
// chain.
func NewAWSBatch(ctx context.Context, cfg *config.RunConfig, decision tuner.Decision, store cloudstorage.Client, metrics *observability.Metrics) (*AWSBatch, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newAWSBatch(cfg, decision, store, batch.NewFromConfig(awsCfg), cloudformation.NewFromConfig(awsCfg), metrics), nil
}

// NewAWSBatchFromAPI wires existing API handles, used by tests.
func NewAWSBatchFromAPI(cfg *config.RunConfig, decision tuner.Decision, store cloudstorage.Client, batchAPI batchAPI, cfnAPI cfnAPI) *AWSBatch {
	return newAWSBatch(cfg, decision, store, batchAPI, cfnAPI, nil)
}

func newAWSBatch(cfg *config.RunConfig, decision tuner.Decision, store cloudstorage.Client, batchAPI batchAPI, cfnAPI cfnAPI, metrics *observability.Metrics) *AWSBatch {
	name := Name(cfg.Results, cfg.Owner)
	logger := observability.WithCluster(observability.NewLogger("cluster.awsbatch"), name)
	return &AWSBatch{
		cfg:           cfg,
		decision:      decision,
		store:         store,
		jobs:          ledger.New(store, layout.JobIDs(cfg.Results)),
		batch:         batchAPI,
		cfn:           cfnAPI,
		logger:        logger,
		metrics:       metrics,
		name:          name,
		pollInterval:  10 * time.Second,
		createTimeout: 30 * time.Minute,
		deleteTimeout: 30 * time.Minute,
	}
}

// ClusterName reports the deterministic stack name for this run.
func (b *AWSBatch) ClusterName() string {
	return b.name
}

func (b *AWSBatch) Provision(ctx context.Context, createIfAbsent bool) error {
	state, err := b.stackState(ctx)
	if err != nil {
		return err
	}

	if state == StateAbsent {
		if !createIfAbsent {
			return fmt.Errorf("stack %s: %w", b.name, ErrNotFound)
		}
		return b.createStack(ctx)
	}

	if createIfAbsent {
		if state == StateStopping {
			return usererr.Wrap(usererr.Cluster, ErrConflict,
				"a previous search with results %s is still being deleted; wait for it to finish or pick a different results destination",
				b.cfg.Results)
		}
		if state != StateError {
			return usererr.Wrap(usererr.Input, ErrConflict,
				"a search with results %s has already been submitted; run status or delete first",
				b.cfg.Results)
		}
		return usererr.Wrap(usererr.Cluster, ErrConflict,
			"a previous search with results %s failed to provision; run cloudblast delete to remove it before retrying",
			b.cfg.Results)
	}

	return b.loadStackOutputs(ctx)
}

func (b *AWSBatch) createStack(ctx context.Context) error {
	b.logger.Info("creating infrastructure stack", "machine_type", b.decision.MachineType)
	_, err := b.cfn.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:   ptr(b.name),
		TemplateURL: ptr(stackTemplateURL),
		Capabilities: []cfntypes.Capability{
			cfntypes.CapabilityCapabilityIam,
			cfntypes.CapabilityCapabilityNamedIam,
		},
		Parameters: []cfntypes.Parameter{
			{ParameterKey: ptr("Owner"), ParameterValue: ptr(b.cfg.Owner)},
			{ParameterKey: ptr("MachineType"), ParameterValue: ptr(b.decision.MachineType)},
			{ParameterKey: ptr("NumNodes"), ParameterValue: ptr(strconv.Itoa(max(1, b.cfg.NumNodes)))},
			{ParameterKey: ptr("Results"), ParameterValue: ptr(b.cfg.Results)},
		},
		Tags: []cfntypes.Tag{
			{Key: ptr("Project"), Value: ptr("cloudblast")},
			{Key: ptr("Owner"), Value: ptr(b.cfg.Owner)},
			{Key: ptr("Results"), Value: ptr(sanitizeName(b.cfg.Results))},
		},
	})
	if err != nil {
		return mapAWSError(err, "create infrastructure stack "+b.name)
	}
	b.metrics.IncClusterState(StateProvisioning.String())

	if err := b.waitForStackState(ctx, b.createTimeout, StateReady,
		"creation of infrastructure stack"); err != nil {
		return err
	}
	b.metrics.IncClusterState(StateReady.String())
	return b.loadStackOutputs(ctx)
}

// waitForStackState polls until the stack reaches want or a terminal
// failure, respecting the timeout budget.
func (b *AWSBatch) waitForStackState(ctx context.Context, timeout time.Duration, want State, what string) error {
	deadline := time.Now().Add(timeout)
	for {
		state, err := b.stackState(ctx)
		if err != nil {
			return err
		}
		switch state {
		case want:
			return nil
		case StateProvisioning, StateStopping:
			// still in flight
		default:
			reasons, _ := b.stackFailureReasons(ctx)
			return usererr.New(usererr.Dependency,
				"%s %s failed: %s; run cloudblast delete to remove leftover resources",
				what, b.name, strings.Join(reasons, "; "))
		}
		if time.Now().After(deadline) {
			return usererr.New(usererr.Timeout,
				"timed out after %s waiting for %s %s; retry the operation or run cloudblast delete",
				timeout, what, b.name)
		}
		if err := sleepCtx(ctx, b.pollInterval); err != nil {
			return usererr.Wrap(usererr.Interrupted, err, "interrupted while waiting for %s", what)
		}
	}
}

// stackState maps the stack status to the lifecycle state machine. A
// deleted stack waited on during teardown reads as absent.
func (b *AWSBatch) stackState(ctx context.Context) (State, error) {
	out, err := b.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: ptr(b.name),
	})
	if err != nil {
		if isStackMissing(err) {
			return StateAbsent, nil
		}
		return StateError, mapAWSError(err, "describe infrastructure stack "+b.name)
	}
	if len(out.Stacks) == 0 {
		return StateAbsent, nil
	}
	switch out.Stacks[0].StackStatus {
	case cfntypes.StackStatusCreateInProgress, cfntypes.StackStatusReviewInProgress:
		return StateProvisioning, nil
	case cfntypes.StackStatusCreateComplete, cfntypes.StackStatusUpdateComplete:
		return StateReady, nil
	case cfntypes.StackStatusUpdateInProgress, cfntypes.StackStatusUpdateRollbackComplete:
		return StateDegraded, nil
	case cfntypes.StackStatusDeleteInProgress:
		return StateStopping, nil
	}
	return StateError, nil
}

func (b *AWSBatch) stackFailureReasons(ctx context.Context) ([]string, error) {
	out, err := b.cfn.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{
		StackName: ptr(b.name),
	})
	if err != nil {
		return []string{"stack events unavailable"}, err
	}
	var reasons []string
	for _, event := range out.StackEvents {
		status := string(event.ResourceStatus)
		if !strings.HasSuffix(status, "_FAILED") || event.ResourceStatusReason == nil {
			continue
		}
		reasons = append(reasons, *event.ResourceStatusReason)
	}
	if len(reasons) == 0 {
		reasons = []string{"no failure reason reported"}
	}
	return reasons, nil
}

// loadStackOutputs reads the queue and job definition names the stack
// exports. A live stack without them cannot run searches.
func (b *AWSBatch) loadStackOutputs(ctx context.Context) error {
	out, err := b.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: ptr(b.name),
	})
	if err != nil {
		return mapAWSError(err, "describe infrastructure stack "+b.name)
	}
	if len(out.Stacks) == 0 {
		return fmt.Errorf("stack %s: %w", b.name, ErrNotFound)
	}
	outputs := make(map[string]string)
	for _, o := range out.Stacks[0].Outputs {
		if o.OutputKey != nil && o.OutputValue != nil {
			outputs[*o.OutputKey] = *o.OutputValue
		}
	}
	b.jobQueue = outputs["JobQueueName"]
	b.jobDefinition = outputs["JobDefinitionName"]
	if b.jobQueue == "" || b.jobDefinition == "" {
		return usererr.New(usererr.Dependency,
			"infrastructure stack %s does not export JobQueueName and JobDefinitionName; delete and resubmit",
			b.name)
	}
	return nil
}

func (b *AWSBatch) SubmitWork(ctx context.Context, units []split.WorkUnit, dependsOn string) ([]string, error) {
	if b.jobQueue == "" {
		if err := b.loadStackOutputs(ctx); err != nil {
			return nil, err
		}
	}
	dbLabel := sanitizeJobName(lastURIComponent(b.cfg.Database))

	handles := make([]string, 0, len(units))
	for _, unit := range units {
		jobName := sanitizeJobName(fmt.Sprintf("cloudblast-%s-%s-batch-%s-job-%d",
			b.cfg.Owner, b.cfg.Program, dbLabel, unit.Index))
		in := &batch.SubmitJobInput{
			JobName:       ptr(jobName),
			JobQueue:      ptr(b.jobQueue),
			JobDefinition: ptr(b.jobDefinition),
			ContainerOverrides: &batchtypes.ContainerOverrides{
				Environment: []batchtypes.KeyValuePair{
					{Name: ptr("CLOUDBLAST_PROGRAM"), Value: ptr(b.cfg.Program)},
					{Name: ptr("CLOUDBLAST_DB"), Value: ptr(b.cfg.Database)},
					{Name: ptr("CLOUDBLAST_QUERY"), Value: ptr(unit.URI)},
					{Name: ptr("CLOUDBLAST_RESULTS"), Value: ptr(b.cfg.Results)},
					{Name: ptr("CLOUDBLAST_OPTIONS"), Value: ptr(b.searchOptions())},
				},
				ResourceRequirements: []batchtypes.ResourceRequirement{
					{Type: batchtypes.ResourceTypeVcpu, Value: ptr(strconv.Itoa(b.decision.NumCPUs))},
					{Type: batchtypes.ResourceTypeMemory, Value: ptr(strconv.Itoa(b.decision.MemLimit.AsMB()))},
				},
			},
		}
		if dependsOn != "" {
			in.DependsOn = []batchtypes.JobDependency{{JobId: ptr(dependsOn)}}
		}
		out, err := b.batch.SubmitJob(ctx, in)
		if err != nil {
			return handles, mapAWSError(err, fmt.Sprintf("submit job for work unit %d", unit.Index))
		}
		handle := *out.JobId
		handles = append(handles, handle)
		// Record before the next submission so a crash mid-loop never
		// orphans a job.
		if err := b.jobs.Append(ctx, handle); err != nil {
			return handles, err
		}
		b.metrics.IncJob("awsbatch")
	}
	b.logger.Info("submitted work units", "jobs", len(handles))
	return handles, nil
}

func (b *AWSBatch) searchOptions() string {
	options := strings.TrimSpace(b.cfg.Options + " " + b.decision.MTMode.String())
	return options
}

func (b *AWSBatch) CheckStatus(ctx context.Context, extended bool) (StatusReport, error) {
	if extended {
		return b.checkStatusExtended(ctx)
	}

	ids, err := b.jobs.LoadAll(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	var counts StatusCounts
	for start := 0; start < len(ids); start += describeJobsBatch {
		end := min(start+describeJobsBatch, len(ids))
		out, err := b.batch.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: ids[start:end]})
		if err != nil {
			return StatusReport{}, mapAWSError(err, "describe jobs")
		}
		for _, job := range out.Jobs {
			tallyJobStatus(&counts, job.Status)
		}
	}
	return StatusReport{Overall: counts.Overall(), Counts: counts}, nil
}

// checkStatusExtended walks the queue by state instead of the ledger, so
// it also surfaces jobs the queue knows about that the ledger lost.
func (b *AWSBatch) checkStatusExtended(ctx context.Context) (StatusReport, error) {
	if b.jobQueue == "" {
		if err := b.loadStackOutputs(ctx); err != nil {
			return StatusReport{}, err
		}
	}
	var counts StatusCounts
	var details []JobDetail
	states := append(append([]batchtypes.JobStatus{}, pendingJobStates...),
		batchtypes.JobStatusRunning, batchtypes.JobStatusSucceeded, batchtypes.JobStatusFailed)
	for _, state := range states {
		var token *string
		for {
			out, err := b.batch.ListJobs(ctx, &batch.ListJobsInput{
				JobQueue:  ptr(b.jobQueue),
				JobStatus: state,
				NextToken: token,
			})
			if err != nil {
				return StatusReport{}, mapAWSError(err, "list jobs by state")
			}
			for _, job := range out.JobSummaryList {
				tallyJobStatus(&counts, state)
				detail := JobDetail{Status: string(state)}
				if job.JobId != nil {
					detail.ID = *job.JobId
				}
				if job.JobName != nil {
					detail.Name = *job.JobName
				}
				if job.StatusReason != nil {
					detail.Reason = *job.StatusReason
				}
				if job.Container != nil {
					if job.Container.ExitCode != nil {
						detail.ExitCode = int(*job.Container.ExitCode)
					}
					if job.Container.Reason != nil && detail.Reason == "" {
						detail.Reason = *job.Container.Reason
					}
				}
				if job.StartedAt != nil && job.StoppedAt != nil {
					detail.RuntimeSeconds = float64(*job.StoppedAt-*job.StartedAt) / 1000
				}
				details = append(details, detail)
			}
			if out.NextToken == nil {
				break
			}
			token = out.NextToken
		}
	}
	return StatusReport{Overall: counts.Overall(), Counts: counts, Details: details}, nil
}

func tallyJobStatus(counts *StatusCounts, status batchtypes.JobStatus) {
	switch status {
	case batchtypes.JobStatusRunning:
		counts.Running++
	case batchtypes.JobStatusSucceeded:
		counts.Succeeded++
	case batchtypes.JobStatusFailed:
		counts.Failed++
	default:
		for _, pending := range pendingJobStates {
			if status == pending {
				counts.Pending++
				return
			}
		}
	}
}

func (b *AWSBatch) UploadQueryLength(ctx context.Context, letters int) error {
	uri := layout.QueryLength(b.cfg.Results)
	if err := b.store.Put(ctx, uri, strings.NewReader(strconv.Itoa(letters))); err != nil {
		return fmt.Errorf("upload query length: %w", err)
	}
	return nil
}

// Delete removes per-run artifacts before the stack so a retried delete
// does not trip over already-deleted objects, then waits out the stack
// teardown.
func (b *AWSBatch) Delete(ctx context.Context) error {
	if err := b.store.DeletePrefix(ctx, layout.BatchPrefix(b.cfg.Results)); err != nil {
		return usererr.Wrap(usererr.Cluster, err, "remove uploaded work units")
	}

	state, err := b.stackState(ctx)
	if err != nil {
		return err
	}
	// Never tear down a half-created stack blindly; wait for a terminal
	// state first.
	deadline := time.Now().Add(b.createTimeout)
	for state == StateProvisioning {
		if time.Now().After(deadline) {
			return usererr.New(usererr.Timeout,
				"stack %s is still provisioning; wait for it to settle and run delete again", b.name)
		}
		if err := sleepCtx(ctx, b.pollInterval); err != nil {
			return usererr.Wrap(usererr.Interrupted, err, "interrupted while waiting for stack %s", b.name)
		}
		if state, err = b.stackState(ctx); err != nil {
			return err
		}
	}

	if state != StateAbsent {
		if _, err := b.cfn.DeleteStack(ctx, &cloudformation.DeleteStackInput{
			StackName: ptr(b.name),
		}); err != nil {
			return mapAWSError(err, "delete infrastructure stack "+b.name)
		}
	}

	for _, prefix := range []string{layout.Join(b.cfg.Results, layout.MetadataDir), layout.Logs(b.cfg.Results)} {
		if err := b.store.DeletePrefix(ctx, prefix); err != nil {
			return usererr.Wrap(usererr.Cluster, err, "remove run metadata under %s", prefix)
		}
	}

	if state == StateAbsent {
		return nil
	}
	if err := b.waitForStackState(ctx, b.deleteTimeout, StateAbsent,
		"deletion of infrastructure stack"); err != nil {
		var ue *usererr.Error
		if errors.As(err, &ue) && ue.Kind == usererr.Dependency {
			return usererr.New(usererr.Cluster,
				"infrastructure stack %s failed to delete cleanly; run cloudblast delete again", b.name)
		}
		return err
	}
	b.metrics.IncClusterState(StateAbsent.String())
	return nil
}

// mapAWSError folds a backend transport failure into the error taxonomy.
// Credential signals map to Permissions regardless of which API raised
// them; everything else is a Cluster failure.
func mapAWSError(err error, what string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation",
			"ExpiredToken", "ExpiredTokenException", "RequestExpired":
			return usererr.Wrap(usererr.Permissions, err,
				"%s: credentials rejected or insufficient", what)
		}
	}
	return usererr.Wrap(usererr.Cluster, err, "%s", what)
}

func isStackMissing(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ValidationError" &&
			strings.Contains(apiErr.ErrorMessage(), "does not exist")
	}
	return false
}

func lastURIComponent(s string) string {
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func ptr[T any](v T) *T {
	return &v
}
