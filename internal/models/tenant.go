package models

import (
	"time"
)

// TenantStatus enumerates lifecycle states persisted in Postgres.
const (
	TenantPending   = "pending"
	TenantActive    = "active"
	TenantSuspended = "suspended"
	TenantDeleting  = "deleting"
	TenantDeleted   = "deleted"
	TenantFailed    = "failed"
	TenantDegraded  = "degraded"
)

// Operation names the asynchronous transitions a tenant can undergo.
const (
	OpCreate  = "create"
	OpSuspend = "suspend"
	OpResume  = "resume"
	OpDelete  = "delete"
	OpBackup  = "backup"
	OpRestore = "restore"
)

// Tenant is one customer's isolated application instance. Rows are soft
// deleted; name, slug and db_name stay reserved forever.
type Tenant struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug"`
	DBName         string     `json:"db_name"`
	CustomerID     string     `json:"customer_id"`
	PlanID         string     `json:"plan_id"`
	Status         string     `json:"status"`
	StatusMessage  *string    `json:"status_message,omitempty"`
	StorageGB      int        `json:"storage_gb"`
	MaxConnections int        `json:"max_connections"`
	RequestSeq     int64      `json:"-"`
	InflightJobID  *string    `json:"inflight_job_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	SuspendedAt    *time.Time `json:"suspended_at,omitempty"`
	LastBackupAt   *time.Time `json:"last_backup_at,omitempty"`
}

// Plan carries the per-owner ceilings and quota defaults a tenant inherits.
type Plan struct {
	ID             string `json:"id"`
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	MaxTenants     int    `json:"max_tenants"`
	StorageGB      int    `json:"storage_gb"`
	MaxConnections int    `json:"max_connections"`
	JobPriority    string `json:"job_priority"`
}

// BackupStatus values for backup rows.
const (
	BackupPending    = "pending"
	BackupInProgress = "in_progress"
	BackupCompleted  = "completed"
	BackupFailed     = "failed"
)

// Backup records one dump of a tenant's backing database.
type Backup struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Status      string     `json:"status"`
	FilePath    string     `json:"file_path"`
	SizeBytes   int64      `json:"size_bytes"`
	Checksum    string     `json:"checksum"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AuditEntry is an immutable record of one state transition.
type AuditEntry struct {
	TenantID   string    `json:"tenant_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
