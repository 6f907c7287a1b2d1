// Package jobs contains the asynq background worker and its task handlers.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInventoryReconcile replays every balance against the ledger.
	TaskInventoryReconcile = "inventory:reconcile"
	// TaskExpiryScan reports lots expiring within the alert window.
	TaskExpiryScan = "inventory:expiry_scan"
)

// ReconcilePayload carries scheduling metadata for a reconciliation sweep.
type ReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReconcileTask constructs an asynq task for a full ledger reconciliation.
func NewReconcileTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryReconcile, body, asynq.Queue(QueueDefault)), nil
}

// ExpiryScanPayload carries the lookahead window for an expiry scan.
type ExpiryScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	Days         int       `json:"days"`
}

// NewExpiryScanTask constructs an asynq task for an expiry scan.
func NewExpiryScanTask(at time.Time, days int) (*asynq.Task, error) {
	body, err := json.Marshal(ExpiryScanPayload{ScheduledFor: at, Days: days})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpiryScan, body, asynq.Queue(QueueDefault)), nil
}
