// Package cluster drives the compute side of a run: provisioning the
// backing infrastructure, submitting work units as jobs, polling their
// aggregate status, and tearing everything down. Two backends share one
// contract: a managed batch queue and a self-managed orchestrator cluster.
package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/izavyalov-dev/cloudblast/split"
)

// ErrNotFound reports that no cluster answers to this run's name.
var ErrNotFound = errors.New("cluster not found")

// ErrConflict reports that a cluster for this run already exists. The
// provision that hit it created nothing, so the caller must not tear the
// existing cluster down.
var ErrConflict = errors.New("cluster already exists")

// State is the inferred lifecycle state of the backing infrastructure.
type State int

const (
	StateAbsent State = iota
	StateProvisioning
	StateReady
	StateDegraded
	StateStopping
	StateError
)

var stateNames = map[State]string{
	StateAbsent:       "absent",
	StateProvisioning: "provisioning",
	StateReady:        "ready",
	StateDegraded:     "degraded",
	StateStopping:     "stopping",
	StateError:        "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Orchestrator is the lifecycle contract both backends implement.
type Orchestrator interface {
	// Provision looks up or creates the cluster for this run. With
	// createIfAbsent false a missing cluster returns ErrNotFound and has
	// no side effect. With createIfAbsent true an existing live cluster
	// is a fatal conflict naming the results destination.
	Provision(ctx context.Context, createIfAbsent bool) error

	// SubmitWork turns work units into compute jobs in index order,
	// recording every created handle in the ledger before the next
	// submission. dependsOn, when set, chains each job after a prior one.
	SubmitWork(ctx context.Context, units []split.WorkUnit, dependsOn string) ([]string, error)

	// CheckStatus reports the aggregate run status. Extended mode adds
	// per-job details.
	CheckStatus(ctx context.Context, extended bool) (StatusReport, error)

	// UploadQueryLength persists the total query letters for this run.
	UploadQueryLength(ctx context.Context, letters int) error

	// Delete removes per-run artifacts and destroys the cluster, waiting
	// for the terminal state.
	Delete(ctx context.Context) error
}

// Name derives the deterministic cluster name for a run. Hashing the
// results destination keeps concurrent runs with different destinations
// apart while a rerun against the same destination maps to the same
// cluster.
func Name(results, owner string) string {
	sum := sha256.Sum256([]byte(results))
	return sanitizeName("cloudblast-" + owner + "-" + hex.EncodeToString(sum[:])[:9])
}

var nameBadRE = regexp.MustCompile(`[^a-z0-9-]`)

// sanitizeName squeezes a string into the character set both backends
// accept for resource names.
func sanitizeName(s string) string {
	s = strings.ToLower(s)
	s = nameBadRE.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// maxJobNameLen is the managed-queue limit on job names.
const maxJobNameLen = 128

var jobNameBadRE = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeJobName squeezes a string into a legal managed-queue job name.
func sanitizeJobName(s string) string {
	s = jobNameBadRE.ReplaceAllString(s, "-")
	if len(s) > maxJobNameLen {
		s = s[:maxJobNameLen]
	}
	return s
}
