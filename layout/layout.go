// Package layout fixes the object keys a run writes under its results
// destination. Both backends and the driver agree on these names, so a
// status or delete invocation can find run state with nothing but the
// results URI.
package layout

import "strings"

const (
	MetadataDir   = "metadata"
	QueryBatchDir = "query_batches"
	LogDir        = "logs"

	JobIDsFile      = "job-ids.json"
	QueryLengthFile = "query_length.txt"
	ConfigSnapshot  = "elastic-blast-config.json"
	NumJobsFile     = "num_jobs_submitted.txt"
	TaxIDListFile   = "taxidlist.txt"
	BackendLogFile  = "backends.log"

	StatusSuccessFile = "SUCCESS"
	StatusFailureFile = "FAILURE"
)

// Join appends path elements to a results URI without touching its scheme.
func Join(results string, elems ...string) string {
	parts := append([]string{strings.TrimRight(results, "/")}, elems...)
	return strings.Join(parts, "/")
}

// JobIDs returns the job-id ledger URI for a run.
func JobIDs(results string) string {
	return Join(results, MetadataDir, JobIDsFile)
}

// QueryLength returns the query-length scalar URI for a run.
func QueryLength(results string) string {
	return Join(results, MetadataDir, QueryLengthFile)
}

// Snapshot returns the saved-config snapshot URI for a run.
func Snapshot(results string) string {
	return Join(results, MetadataDir, ConfigSnapshot)
}

// BatchPrefix returns the work-unit directory URI for a run.
func BatchPrefix(results string) string {
	return Join(results, QueryBatchDir)
}

// Logs returns the collected-log directory URI for a run.
func Logs(results string) string {
	return Join(results, LogDir)
}
