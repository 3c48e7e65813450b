package models

import "time"

// QueueStatus is the experiment-level aggregate status.
type QueueStatus string

const (
	QueueStatusIdle             QueueStatus = "idle"
	QueueStatusQueued           QueueStatus = "queued"
	QueueStatusTestCase         QueueStatus = "test_case"
	QueueStatusConsuming        QueueStatus = "consuming"
	QueueStatusDone             QueueStatus = "done"
	QueueStatusFailed           QueueStatus = "failed"
	QueueStatusManualTerminated QueueStatus = "manual_terminated"
)

// Sticky reports whether the Reconciler must leave this status untouched.
func (s QueueStatus) Sticky() bool {
	return s == QueueStatusManualTerminated || s == QueueStatusTestCase
}

// Experiment is the aggregate queue state tracked per experiment.
type Experiment struct {
	ID             string      `json:"id"`
	QueueStatus    QueueStatus `json:"queue_status"`
	QueueMessageID string      `json:"queue_message_id,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
}

// CaseCounts tallies latest-attempt case statuses for one experiment,
// the input to the Reconciler's run_status derivation.
type CaseCounts struct {
	Total   int
	Running int
	Pending int
	Success int
	Failed  int
}

// DeriveRunStatus derives the experiment-level run status from the case
// counts. It never returns a sticky status: stickiness is applied by the
// caller before writing.
func (c CaseCounts) DeriveRunStatus() QueueStatus {
	switch {
	case c.Total == 0:
		return QueueStatusIdle
	case c.Running+c.Pending > 0:
		return QueueStatusConsuming
	case c.Failed == 0:
		return QueueStatusDone
	case c.Success == 0:
		return QueueStatusFailed
	default:
		return QueueStatusDone
	}
}
