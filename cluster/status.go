package cluster

// OverallStatus summarizes every job of a run into one verdict.
type OverallStatus int

const (
	StatusUnknown OverallStatus = iota
	StatusRunning
	StatusSuccess
	StatusFailure
)

var statusNames = map[OverallStatus]string{
	StatusUnknown: "UNKNOWN",
	StatusRunning: "RUNNING",
	StatusSuccess: "SUCCESS",
	StatusFailure: "FAILURE",
}

func (s OverallStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// StatusCounts tallies jobs by coarse state. Pending is the union of every
// backend-specific not-yet-running state.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Overall computes the aggregate verdict: any failure wins, no jobs at all
// is unknown, any live job keeps the run running, and only a fully
// succeeded set is a success.
func (c StatusCounts) Overall() OverallStatus {
	if c.Failed > 0 {
		return StatusFailure
	}
	if c.Pending+c.Running+c.Succeeded == 0 {
		return StatusUnknown
	}
	if c.Pending+c.Running > 0 {
		return StatusRunning
	}
	return StatusSuccess
}

// JobDetail is the extended per-job record.
type JobDetail struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	Reason         string  `json:"reason,omitempty"`
	ExitCode       int     `json:"exit_code"`
	RuntimeSeconds float64 `json:"runtime_seconds"`
}

// StatusReport is what CheckStatus returns. Details is populated only in
// extended mode.
type StatusReport struct {
	Overall OverallStatus `json:"overall"`
	Counts  StatusCounts  `json:"counts"`
	Details []JobDetail   `json:"details,omitempty"`
}
