package models

import (
	"time"
)

// JobStatus enumerates provisioning job states persisted in Postgres.
const (
	JobQueued     = "queued"
	JobInProgress = "in_progress"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobDeadLetter = "dead_lettered"
)

// ProvisioningJob is one queued unit of asynchronous work tied to exactly
// one tenant and one requested transition. The resource identifier and
// quota are denormalized onto the row so workers never read tenant rows;
// restore jobs carry the chosen backup artifact the same way.
type ProvisioningJob struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Operation      string    `json:"operation"`
	Priority       string    `json:"priority"`
	Status         string    `json:"status"`
	ResourceID     string    `json:"resource_id"`
	StorageGB      int       `json:"storage_gb"`
	MaxConnections int       `json:"max_connections"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	NextRunAt      time.Time `json:"next_run_at"`
	LastError      *string   `json:"last_error,omitempty"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	WorkerID       *string   `json:"worker_id,omitempty"`
	BackupID       *string   `json:"backup_id,omitempty"`
	BackupPath     string    `json:"backup_path,omitempty"`
	BackupChecksum string    `json:"backup_checksum,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Settled reports whether the job has already been reconciled.
func (j ProvisioningJob) Settled() bool {
	switch j.Status {
	case JobSucceeded, JobFailed, JobDeadLetter:
		return true
	}
	return false
}
