package models

// CaseStatus is the case-level status machine.
type CaseStatus string

const (
	CaseStatusPending    CaseStatus = "pending"
	CaseStatusQueued     CaseStatus = "queued"
	CaseStatusRunning    CaseStatus = "running"
	CaseStatusTrajectory CaseStatus = "trajectory"
	CaseStatusScoring    CaseStatus = "scoring"
	CaseStatusSuccess    CaseStatus = "success"
	CaseStatusFailed     CaseStatus = "failed"
	CaseStatusTimeout    CaseStatus = "timeout"
)

// IsTerminal reports whether s is one of the case's terminal states.
func (s CaseStatus) IsTerminal() bool {
	switch s {
	case CaseStatusSuccess, CaseStatusFailed, CaseStatusTimeout:
		return true
	default:
		return false
	}
}

// caseStatusPredecessors is the allowed-from set enforced by the repository
// when writing a case status. A status update that does not
// name the target's current status in this set is rejected.
var caseStatusPredecessors = map[CaseStatus]map[CaseStatus]bool{
	CaseStatusQueued:     {CaseStatusPending: true},
	CaseStatusRunning:    {CaseStatusPending: true, CaseStatusQueued: true, CaseStatusTrajectory: true},
	CaseStatusTrajectory: {CaseStatusRunning: true, CaseStatusScoring: true},
	CaseStatusScoring:    {CaseStatusRunning: true, CaseStatusTrajectory: true},
}

// AllowedCaseTransition reports whether moving from `from` to `to` is permitted.
// Terminal states are reachable from any non-terminal status.
func AllowedCaseTransition(from, to CaseStatus) bool {
	if to.IsTerminal() {
		return !from.IsTerminal()
	}
	preds, ok := caseStatusPredecessors[to]
	if !ok {
		return false
	}
	return preds[from]
}

// CaseResult is the outcome of running one case end-to-end.
type CaseResult struct {
	RunCaseID           string         `json:"run_case_id"`
	Status              CaseStatus     `json:"status"`
	Trajectory          []Step         `json:"trajectory"`
	Output              any            `json:"output"`
	Logs                string         `json:"logs"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	ExitCode            int            `json:"exit_code"`
	LatencyMS           int64          `json:"latency_ms"`
	ContainerID         string         `json:"container_id,omitempty"`
	ContainerImage      string         `json:"container_image,omitempty"`
	MockSidecarEndpoint string         `json:"mock_sidecar_endpoint,omitempty"`
	InspectEvalID       string         `json:"inspect_eval_id,omitempty"`
	InspectSampleID     string         `json:"inspect_sample_id,omitempty"`
	ScorerResults       []ScorerResult `json:"scorer_results,omitempty"`
	FinalScore          *float64       `json:"final_score,omitempty"`
	Usage               Usage          `json:"usage"`
}

// Usage tracks phase timings and token counts for one case.
type Usage struct {
	PhaseDurationsMS map[string]int64 `json:"phase_durations_ms,omitempty"`
	InputTokens      int              `json:"input_tokens,omitempty"`
	OutputTokens     int              `json:"output_tokens,omitempty"`
}

// ScorerResult is one evaluator's verdict on a case.
type ScorerResult struct {
	ScorerID string  `json:"scorer_id"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

// ScorerResultMean computes the arithmetic mean of a case's scorer rows.
// Returns nil when results is empty.
func ScorerResultMean(results []ScorerResult) *float64 {
	if len(results) == 0 {
		return nil
	}
	var sum float64
	for _, r := range results {
		sum += r.Score
	}
	mean := sum / float64(len(results))
	return &mean
}
