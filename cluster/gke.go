package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/izavyalov-dev/cloudblast/config"
	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
	"github.com/izavyalov-dev/cloudblast/internal/observability"
	"github.com/izavyalov-dev/cloudblast/layout"
	"github.com/izavyalov-dev/cloudblast/ledger"
	"github.com/izavyalov-dev/cloudblast/split"
	"github.com/izavyalov-dev/cloudblast/tuner"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

// Cluster-reported status strings.
const (
	gkeStatusProvisioning = "PROVISIONING"
	gkeStatusReconciling  = "RECONCILING"
	gkeStatusRunning      = "RUNNING"
	gkeStatusRunningErr   = "RUNNING_WITH_ERROR"
	gkeStatusStopping     = "STOPPING"
	gkeStatusError        = "ERROR"
)

const (
	// maxJobsPerApply bounds one descriptor apply call.
	maxJobsPerApply = 100
	// maxClusterJobs is the per-cluster job ceiling.
	maxClusterJobs = 5000
	// Submission retry policy.
	applyMaxAttempts = 5
	applyMaxElapsed  = 10 * time.Minute
	applyWaitMin     = 1 * time.Second
	applyWaitMax     = 5 * time.Second
)

// Runner executes a control-plane CLI command and returns its combined
// output. Tests inject a scripted fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through the local gcloud and kubectl binaries.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

// GKE runs searches on a self-managed orchestrator cluster created per
// run.
type GKE struct {
	cfg      *config.RunConfig
	decision tuner.Decision
	store    cloudstorage.Client
	jobs     *ledger.Ledger
	run      Runner
	logger   *slog.Logger
	metrics  *observability.Metrics

	name string

	pollInterval  time.Duration
	createTimeout time.Duration
	deleteTimeout time.Duration
}

// NewGKE builds the orchestrator-cluster backend.
func NewGKE(cfg *config.RunConfig, decision tuner.Decision, store cloudstorage.Client, runner Runner, metrics *observability.Metrics) *GKE {
	if runner == nil {
		runner = ExecRunner{}
	}
	name := Name(cfg.Results, cfg.Owner)
	logger := observability.WithCluster(observability.NewLogger("cluster.gke"), name)
	return &GKE{
		cfg:           cfg,
		decision:      decision,
		store:         store,
		jobs:          ledger.New(store, layout.JobIDs(cfg.Results)),
		run:           runner,
		logger:        logger,
		metrics:       metrics,
		name:          name,
		pollInterval:  10 * time.Second,
		createTimeout: 45 * time.Minute,
		deleteTimeout: 45 * time.Minute,
	}
}

// ClusterName reports the deterministic cluster name for this run.
func (g *GKE) ClusterName() string {
	return g.name
}

// clusterState probes the control plane for the cluster's status string.
func (g *GKE) clusterState(ctx context.Context) (State, error) {
	out, err := g.run.Run(ctx, "gcloud", "container", "clusters", "list",
		"--format=value(status)", "--filter=name="+g.name, "--region", g.cfg.Region)
	if err != nil {
		return StateError, usererr.Wrap(usererr.Cluster, err, "check cluster %s status", g.name)
	}
	switch strings.TrimSpace(string(out)) {
	case "":
		return StateAbsent, nil
	case gkeStatusProvisioning, gkeStatusReconciling:
		return StateProvisioning, nil
	case gkeStatusRunning:
		return StateReady, nil
	case gkeStatusRunningErr:
		return StateDegraded, nil
	case gkeStatusStopping:
		return StateStopping, nil
	case gkeStatusError:
		return StateError, nil
	}
	return StateError, nil
}

func (g *GKE) Provision(ctx context.Context, createIfAbsent bool) error {
	state, err := g.clusterState(ctx)
	if err != nil {
		return err
	}

	if state == StateAbsent {
		if !createIfAbsent {
			return fmt.Errorf("cluster %s: %w", g.name, ErrNotFound)
		}
		return g.createCluster(ctx)
	}

	if createIfAbsent {
		if state == StateStopping {
			return usererr.Wrap(usererr.Cluster, ErrConflict,
				"a previous search with results %s is still being deleted; wait for it to finish or pick a different results destination",
				g.cfg.Results)
		}
		if state != StateError {
			return usererr.Wrap(usererr.Input, ErrConflict,
				"a search with results %s has already been submitted; run status or delete first",
				g.cfg.Results)
		}
		return usererr.Wrap(usererr.Cluster, ErrConflict,
			"a previous search with results %s failed to provision; run cloudblast delete to remove it before retrying",
			g.cfg.Results)
	}

	return g.getCredentials(ctx)
}

func (g *GKE) createCluster(ctx context.Context) error {
	g.logger.Info("creating cluster",
		"machine_type", g.decision.MachineType, "num_nodes", max(1, g.cfg.NumNodes))
	_, err := g.run.Run(ctx, "gcloud", "container", "clusters", "create", g.name,
		"--machine-type", g.decision.MachineType,
		"--num-nodes", strconv.Itoa(max(1, g.cfg.NumNodes)),
		"--region", g.cfg.Region,
		"--labels", "project=cloudblast,owner="+sanitizeName(g.cfg.Owner))
	if err != nil {
		return usererr.Wrap(usererr.Cluster, err, "create cluster %s", g.name)
	}
	g.metrics.IncClusterState(StateProvisioning.String())

	deadline := time.Now().Add(g.createTimeout)
	for {
		state, err := g.clusterState(ctx)
		if err != nil {
			return err
		}
		if state == StateReady || state == StateDegraded {
			break
		}
		if state == StateError || state == StateAbsent {
			return usererr.New(usererr.Cluster,
				"cluster %s failed to provision; run cloudblast delete to remove leftover resources", g.name)
		}
		if time.Now().After(deadline) {
			return usererr.New(usererr.Timeout,
				"timed out after %s waiting for cluster %s to provision; run cloudblast delete before retrying",
				g.createTimeout, g.name)
		}
		if err := sleepCtx(ctx, g.pollInterval); err != nil {
			return usererr.Wrap(usererr.Interrupted, err, "interrupted while waiting for cluster %s", g.name)
		}
	}
	g.metrics.IncClusterState(StateReady.String())
	return g.getCredentials(ctx)
}

func (g *GKE) getCredentials(ctx context.Context) error {
	_, err := g.run.Run(ctx, "gcloud", "container", "clusters", "get-credentials",
		g.name, "--region", g.cfg.Region)
	if err != nil {
		return usererr.Wrap(usererr.Cluster, err, "fetch credentials for cluster %s", g.name)
	}
	return nil
}

func (g *GKE) SubmitWork(ctx context.Context, units []split.WorkUnit, dependsOn string) ([]string, error) {
	if err := checkJobNumberLimit(units); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "cloudblast-jobs-")
	if err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	defer os.RemoveAll(dir)

	options := strings.TrimSpace(g.cfg.Options + " " + g.decision.MTMode.String())

	var handles []string
	for start := 0; start < len(units); start += maxJobsPerApply {
		end := min(start+maxJobsPerApply, len(units))
		chunkDir := filepath.Join(dir, fmt.Sprintf("chunk-%03d", start/maxJobsPerApply))
		if err := os.Mkdir(chunkDir, 0o755); err != nil {
			return handles, fmt.Errorf("create manifest dir: %w", err)
		}
		for _, unit := range units[start:end] {
			data, jobName, err := renderJobManifest(g.cfg, g.decision, unit, options)
			if err != nil {
				return handles, err
			}
			path := filepath.Join(chunkDir, jobName+".yaml")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return handles, fmt.Errorf("write job manifest %s: %w", path, err)
			}
		}

		created, err := g.applyWithRetries(ctx, chunkDir)
		if err != nil {
			return handles, err
		}
		handles = append(handles, created...)
		// Record before the next chunk so a crash mid-loop never orphans
		// jobs.
		if err := g.jobs.Append(ctx, created...); err != nil {
			return handles, err
		}
		for range created {
			g.metrics.IncJob("gke")
		}
	}
	g.logger.Info("submitted work units", "jobs", len(handles))
	return handles, nil
}

// checkJobNumberLimit rejects a submission that would exceed the
// per-cluster job ceiling, suggesting the minimum batch length instead.
func checkJobNumberLimit(units []split.WorkUnit) error {
	if len(units) <= maxClusterJobs {
		return nil
	}
	total := 0
	for _, unit := range units {
		total += unit.Letters
	}
	return usererr.New(usererr.Input,
		"this search would create %d jobs, more than the cluster limit of %d; set batch-len to at least %d",
		len(units), maxClusterJobs, total/maxClusterJobs+1)
}

// applyWithRetries submits one manifest directory, retrying transient
// apply failures with randomized backoff.
func (g *GKE) applyWithRetries(ctx context.Context, dir string) ([]string, error) {
	deadline := time.Now().Add(applyMaxElapsed)
	var lastErr error
	for attempt := 1; attempt <= applyMaxAttempts; attempt++ {
		out, err := g.run.Run(ctx, "kubectl", "apply", "-f", dir, "-o", "name")
		if err == nil {
			return parseCreatedJobs(out), nil
		}
		lastErr = err
		if attempt == applyMaxAttempts || time.Now().After(deadline) {
			break
		}
		wait := applyWaitMin + time.Duration(rand.Int63n(int64(applyWaitMax-applyWaitMin)))
		g.logger.Warn("job submission failed, retrying",
			"attempt", attempt, "wait", wait.String(), "error", err)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, usererr.Wrap(usererr.Interrupted, err, "interrupted during job submission")
		}
	}
	return nil, usererr.Wrap(usererr.Cluster, lastErr, "submit jobs from %s", dir)
}

func parseCreatedJobs(out []byte) []string {
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "job.batch/"); ok {
			names = append(names, name)
		}
	}
	return names
}

// Structures for the parts of kubectl get output the status probe reads.

type k8sJobList struct {
	Items []k8sJob `json:"items"`
}

type k8sJob struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	Status struct {
		StartTime      string `json:"startTime"`
		CompletionTime string `json:"completionTime"`
		Conditions     []struct {
			Type    string `json:"type"`
			Status  string `json:"status"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"conditions"`
	} `json:"status"`
}

func (g *GKE) CheckStatus(ctx context.Context, extended bool) (StatusReport, error) {
	out, err := g.run.Run(ctx, "kubectl", "get", "jobs", "-l", jobLabel, "-o", "json")
	if err != nil {
		return StatusReport{}, usererr.Wrap(usererr.Cluster, err, "list jobs on cluster %s", g.name)
	}
	var jobs k8sJobList
	if err := json.Unmarshal(out, &jobs); err != nil {
		return StatusReport{}, fmt.Errorf("decode job list: %w", err)
	}

	var counts StatusCounts
	var details []JobDetail
	for _, job := range jobs.Items {
		status := "PENDING"
		reason := ""
		for _, cond := range job.Status.Conditions {
			if cond.Status != "True" {
				continue
			}
			switch cond.Type {
			case "Complete":
				status = "SUCCEEDED"
			case "Failed":
				status = "FAILED"
				reason = cond.Reason
				if cond.Message != "" {
					reason = cond.Message
				}
			}
		}
		switch status {
		case "SUCCEEDED":
			counts.Succeeded++
		case "FAILED":
			counts.Failed++
		default:
			counts.Pending++
		}
		if extended {
			detail := JobDetail{Name: job.Metadata.Name, ID: job.Metadata.Name,
				Status: status, Reason: reason}
			if job.Status.StartTime != "" && job.Status.CompletionTime != "" {
				start, err1 := time.Parse(time.RFC3339, job.Status.StartTime)
				stop, err2 := time.Parse(time.RFC3339, job.Status.CompletionTime)
				if err1 == nil && err2 == nil {
					detail.RuntimeSeconds = stop.Sub(start).Seconds()
				}
			}
			details = append(details, detail)
		}
	}

	// Pods already running are not pending anymore.
	if counts.Pending > 0 {
		out, err := g.run.Run(ctx, "kubectl", "get", "pods", "-l", jobLabel,
			"--field-selector=status.phase=Running", "-o", "name")
		if err == nil {
			running := len(parseLines(out))
			counts.Running = running
			counts.Pending = max(0, counts.Pending-running)
		}
	}

	return StatusReport{Overall: counts.Overall(), Counts: counts, Details: details}, nil
}

func parseLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	return lines
}

func (g *GKE) UploadQueryLength(ctx context.Context, letters int) error {
	uri := layout.QueryLength(g.cfg.Results)
	if err := g.store.Put(ctx, uri, strings.NewReader(strconv.Itoa(letters))); err != nil {
		return fmt.Errorf("upload query length: %w", err)
	}
	return nil
}

// CollectLogs copies recent backend logs into the results bucket. Run as
// the final cleanup action.
func (g *GKE) CollectLogs(ctx context.Context) error {
	out, err := g.run.Run(ctx, "kubectl", "logs", "-l", jobLabel,
		"--timestamps", "--since=24h", "--all-containers", "--ignore-errors")
	if err != nil {
		return usererr.Wrap(usererr.Cluster, err, "collect backend logs")
	}
	dest := layout.Join(g.cfg.Results, layout.LogDir, layout.BackendLogFile)
	if err := g.store.Put(ctx, dest, bytes.NewReader(out)); err != nil {
		return fmt.Errorf("upload backend logs: %w", err)
	}
	return nil
}

// Delete waits out transitional states, drains workloads and volumes, then
// destroys the cluster and remediates leaked disks.
func (g *GKE) Delete(ctx context.Context) error {
	useKubernetes := true
	deadline := time.Now().Add(g.deleteTimeout)
	for {
		state, err := g.clusterState(ctx)
		if err != nil {
			return err
		}
		if state == StateAbsent {
			return usererr.New(usererr.Cluster,
				"cluster for results %s was not found; nothing to delete", g.cfg.Results)
		}
		if state == StateStopping {
			return usererr.New(usererr.Cluster,
				"cluster %s is already being deleted", g.name)
		}
		if state == StateError {
			// The control plane is gone; skip workload teardown.
			useKubernetes = false
			break
		}
		if state == StateReady || state == StateDegraded {
			break
		}
		// Never delete a half-created cluster blindly; wait for a
		// terminal state first.
		if time.Now().After(deadline) {
			return usererr.New(usererr.Timeout,
				"cluster %s did not reach a terminal state; run delete again", g.name)
		}
		if err := sleepCtx(ctx, g.pollInterval); err != nil {
			return usererr.Wrap(usererr.Interrupted, err, "interrupted while waiting for cluster %s", g.name)
		}
	}

	if useKubernetes {
		if err := g.getCredentials(ctx); err != nil {
			g.logger.Warn("cannot fetch credentials, skipping workload teardown", "error", err)
		} else if err := g.deleteWorkloads(ctx); err != nil {
			g.logger.Warn("workload teardown incomplete", "error", err)
		}
	}

	if err := g.store.DeletePrefix(ctx, layout.BatchPrefix(g.cfg.Results)); err != nil {
		return usererr.Wrap(usererr.Cluster, err, "remove uploaded work units")
	}

	if _, err := g.run.Run(ctx, "gcloud", "container", "clusters", "delete", g.name,
		"--region", g.cfg.Region, "--quiet"); err != nil {
		return usererr.Wrap(usererr.Cluster, err,
			"delete cluster %s; run cloudblast delete again", g.name)
	}

	for _, prefix := range []string{layout.Join(g.cfg.Results, layout.MetadataDir), layout.Logs(g.cfg.Results)} {
		if err := g.store.DeletePrefix(ctx, prefix); err != nil {
			return usererr.Wrap(usererr.Cluster, err, "remove run metadata under %s", prefix)
		}
	}

	return g.remediateLeakedDisks(ctx)
}

// deleteWorkloads drains jobs first, then releases volumes once nothing
// writes to them anymore.
func (g *GKE) deleteWorkloads(ctx context.Context) error {
	if _, err := g.run.Run(ctx, "kubectl", "delete", "jobs", "-l", jobLabel,
		"--ignore-not-found"); err != nil {
		return err
	}
	if _, err := g.run.Run(ctx, "kubectl", "delete", "pvc,pv", "--all", "--force"); err != nil {
		return err
	}
	return nil
}

// remediateLeakedDisks looks for persistent disks the cluster left behind.
// Deletion is attempted once; anything still present is handed to the
// operator.
func (g *GKE) remediateLeakedDisks(ctx context.Context) error {
	out, err := g.run.Run(ctx, "gcloud", "compute", "disks", "list",
		"--format=value(name)", "--filter=labels.cluster="+g.name)
	if err != nil {
		g.logger.Warn("cannot list persistent disks", "error", err)
		return nil
	}
	disks := parseLines(out)
	if len(disks) == 0 {
		return nil
	}
	var leaked []string
	for _, disk := range disks {
		if _, err := g.run.Run(ctx, "gcloud", "compute", "disks", "delete", disk, "--quiet"); err != nil {
			leaked = append(leaked, disk)
		}
	}
	if len(leaked) > 0 {
		return usererr.New(usererr.Cluster,
			"persistent disks %s were left behind; remove them with: gcloud compute disks delete %s",
			strings.Join(leaked, ", "), strings.Join(leaked, " "))
	}
	return nil
}
