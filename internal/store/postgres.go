package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"tenant-orchestrator/internal/models"
)

// Sentinel errors surfaced by guarded writes. The orchestrator maps these
// onto its caller-facing taxonomy.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("identifier already reserved")
	ErrQuotaExceeded   = errors.New("tenant quota exceeded")
	ErrAlreadyInFlight = errors.New("job already in flight for tenant")
	ErrIllegalState    = errors.New("operation not legal in current state")
	ErrAlreadySettled  = errors.New("job already settled")
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for tenant metadata; every status mutation goes through one of the
// guarded transactions below.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateTenantParams collects inputs for the transactional create path.
type CreateTenantParams struct {
	Name           string
	Slug           string
	DBName         string
	CustomerID     string
	Plan           models.Plan
	StorageGB      int
	MaxConnections int
	MaxAttempts    int
	IdempotencyTTL time.Duration
	Actor          string
}

// CreateTenantWithJob reserves the tenant's identifiers, writes the pending
// row, the create job, and the in-flight marker in one transaction. The
// owner's tenant ceiling is evaluated under an advisory lock so two
// concurrent creates for the same customer cannot both pass the check.
func (s *Store) CreateTenantWithJob(ctx context.Context, p CreateTenantParams) (models.Tenant, models.ProvisioningJob, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Tenant{}, models.ProvisioningJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.CustomerID); err != nil {
		return models.Tenant{}, models.ProvisioningJob{}, fmt.Errorf("customer lock: %w", err)
	}

	var owned int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tenants WHERE customer_id = $1 AND status <> $2
	`, p.CustomerID, models.TenantDeleted).Scan(&owned)
	if err != nil {
		return models.Tenant{}, models.ProvisioningJob{}, fmt.Errorf("count tenants: %w", err)
	}
	if p.Plan.MaxTenants > 0 && owned >= p.Plan.MaxTenants {
		return models.Tenant{}, models.ProvisioningJob{}, fmt.Errorf("%w: %d of %d used", ErrQuotaExceeded, owned, p.Plan.MaxTenants)
	}

	tenantID := uuid.New().String()
	jobID := uuid.New().String()
	now := time.Now().UTC()
	key := fmt.Sprintf("%s:%s:1", tenantID, models.OpCreate)

	_, err = tx.Exec(ctx, `
		INSERT INTO tenants (id, name, slug, db_name, customer_id, plan_id, status, storage_gb, max_connections, request_seq, inflight_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $11)
	`, tenantID, p.Name, p.Slug, p.DBName, p.CustomerID, p.Plan.ID, models.TenantPending, p.StorageGB, p.MaxConnections, jobID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Tenant{}, models.ProvisioningJob{}, fmt.Errorf("%w: %q", ErrDuplicate, p.Slug)
		}
		return models.Tenant{}, models.ProvisioningJob{}, fmt.Errorf("insert tenant: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO provisioning_jobs (id, tenant_id, operation, priority, status, resource_id, storage_gb, max_connections, attempts, max_attempts, next_run_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $10, $10)
	`, jobID, tenantID, models.OpCreate, p.Plan.JobPriority, models.JobQueued, p.DBName, p.StorageGB, p.MaxConnections, p.MaxAttempts, now, key)
	if err != nil {
		return models.Tenant{}, models.ProvisioningJob{}, fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, job_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, jobID, now.Add(p.IdempotencyTTL))
	if err != nil {
		return models.Tenant{}, models.ProvisioningJob{}, fmt.Errorf("insert idempotency key: %w", err)
	}

	if err := appendAuditTx(ctx, tx, models.AuditEntry{
		TenantID:   tenantID,
		Actor:      p.Actor,
		Action:     models.OpCreate,
		FromStatus: "",
		ToStatus:   models.TenantPending,
		Detail:     fmt.Sprintf("slug=%s db=%s", p.Slug, p.DBName),
	}); err != nil {
		return models.Tenant{}, models.ProvisioningJob{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Tenant{}, models.ProvisioningJob{}, fmt.Errorf("commit: %w", err)
	}

	tenant := models.Tenant{
		ID:             tenantID,
		Name:           p.Name,
		Slug:           p.Slug,
		DBName:         p.DBName,
		CustomerID:     p.CustomerID,
		PlanID:         p.Plan.ID,
		Status:         models.TenantPending,
		StorageGB:      p.StorageGB,
		MaxConnections: p.MaxConnections,
		RequestSeq:     1,
		InflightJobID:  &jobID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	job := models.ProvisioningJob{
		ID:             jobID,
		TenantID:       tenantID,
		Operation:      models.OpCreate,
		Priority:       p.Plan.JobPriority,
		Status:         models.JobQueued,
		ResourceID:     p.DBName,
		StorageGB:      p.StorageGB,
		MaxConnections: p.MaxConnections,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      now,
		IdempotencyKey: &key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return tenant, job, nil
}

// ClaimParams collects inputs for claiming the per-tenant in-flight slot.
// The orchestrator owns the state machine; AllowedStates and
// TransitionalStatus encode the guard it evaluated.
type ClaimParams struct {
	TenantID           string
	Operation          string
	AllowedStates      []string
	TransitionalStatus string // empty leaves the status unchanged until reconcile
	Priority           string
	MaxAttempts        int
	IdempotencyTTL     time.Duration
	Actor              string
	BackupID           string // restore only: the artifact to load
	BackupPath         string
	BackupChecksum     string
}

// ClaimJob performs the compare-and-swap on the tenant's in-flight marker
// and inserts the job row atomically. Exactly one of N racing claims wins;
// the rest get ErrAlreadyInFlight. A re-request matching the outstanding
// job's operation returns that job with existing=true.
func (s *Store) ClaimJob(ctx context.Context, p ClaimParams) (models.ProvisioningJob, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ProvisioningJob{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status         string
		seq            int64
		inflight       pgtype.Text
		dbName         string
		storageGB      int
		maxConnections int
	)
	err = tx.QueryRow(ctx, `
		SELECT status, request_seq, inflight_job_id, db_name, storage_gb, max_connections
		FROM tenants WHERE id = $1 FOR UPDATE
	`, p.TenantID).Scan(&status, &seq, &inflight, &dbName, &storageGB, &maxConnections)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProvisioningJob{}, false, fmt.Errorf("tenant %s: %w", p.TenantID, ErrNotFound)
	}
	if err != nil {
		return models.ProvisioningJob{}, false, fmt.Errorf("lock tenant: %w", err)
	}

	if inflight.Valid {
		existing, err := getJobTx(ctx, tx, inflight.String)
		if err == nil && existing.Operation == p.Operation && !existing.Settled() {
			return existing, true, nil
		}
		return models.ProvisioningJob{}, false, fmt.Errorf("tenant %s: %w", p.TenantID, ErrAlreadyInFlight)
	}

	if !contains(p.AllowedStates, status) {
		return models.ProvisioningJob{}, false, fmt.Errorf("%s from %q: %w", p.Operation, status, ErrIllegalState)
	}

	jobID := uuid.New().String()
	now := time.Now().UTC()
	seq++
	key := fmt.Sprintf("%s:%s:%d", p.TenantID, p.Operation, seq)

	_, err = tx.Exec(ctx, `
		INSERT INTO provisioning_jobs (id, tenant_id, operation, priority, status, resource_id, storage_gb, max_connections, attempts, max_attempts, next_run_at, idempotency_key, backup_id, backup_path, backup_checksum, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12, $13, $14, $10, $10)
	`, jobID, p.TenantID, p.Operation, p.Priority, models.JobQueued, dbName, storageGB, maxConnections, p.MaxAttempts, now, key,
		emptyToNil(p.BackupID), p.BackupPath, p.BackupChecksum)
	if err != nil {
		return models.ProvisioningJob{}, false, fmt.Errorf("insert job: %w", err)
	}

	newStatus := status
	if p.TransitionalStatus != "" {
		newStatus = p.TransitionalStatus
	}
	_, err = tx.Exec(ctx, `
		UPDATE tenants SET status = $2, request_seq = $3, inflight_job_id = $4, updated_at = $5 WHERE id = $1
	`, p.TenantID, newStatus, seq, jobID, now)
	if err != nil {
		return models.ProvisioningJob{}, false, fmt.Errorf("claim marker: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, job_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, jobID, now.Add(p.IdempotencyTTL))
	if err != nil {
		return models.ProvisioningJob{}, false, fmt.Errorf("insert idempotency key: %w", err)
	}

	if err := appendAuditTx(ctx, tx, models.AuditEntry{
		TenantID:   p.TenantID,
		Actor:      p.Actor,
		Action:     p.Operation,
		FromStatus: status,
		ToStatus:   newStatus,
		Detail:     "job " + jobID + " enqueued",
	}); err != nil {
		return models.ProvisioningJob{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ProvisioningJob{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.ProvisioningJob{
		ID:             jobID,
		TenantID:       p.TenantID,
		Operation:      p.Operation,
		Priority:       p.Priority,
		Status:         models.JobQueued,
		ResourceID:     dbName,
		StorageGB:      storageGB,
		MaxConnections: maxConnections,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      now,
		IdempotencyKey: &key,
		BackupID:       emptyToNil(p.BackupID),
		BackupPath:     p.BackupPath,
		BackupChecksum: p.BackupChecksum,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// ReconcileParams captures one job outcome to fold back into tenant metadata.
type ReconcileParams struct {
	JobID        string
	TenantID     string
	Operation    string
	JobStatus    string // succeeded, failed or dead_lettered
	TenantStatus string
	Message      string
	Actor        string
	Backup       *models.Backup // set on successful backup
}

// ReconcileJob applies a job's outcome atomically with clearing the
// in-flight marker. A settled job or a marker pointing elsewhere yields
// ErrAlreadySettled so duplicate deliveries are dropped, not applied twice.
func (s *Store) ReconcileJob(ctx context.Context, p ReconcileParams) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var jobStatus string
	err = tx.QueryRow(ctx, `
		SELECT status FROM provisioning_jobs WHERE id = $1 FOR UPDATE
	`, p.JobID).Scan(&jobStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", p.JobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if jobStatus != models.JobQueued && jobStatus != models.JobInProgress {
		return fmt.Errorf("job %s is %s: %w", p.JobID, jobStatus, ErrAlreadySettled)
	}

	var (
		tenantStatus string
		inflight     pgtype.Text
	)
	err = tx.QueryRow(ctx, `
		SELECT status, inflight_job_id FROM tenants WHERE id = $1 FOR UPDATE
	`, p.TenantID).Scan(&tenantStatus, &inflight)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("tenant %s: %w", p.TenantID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock tenant: %w", err)
	}
	if !inflight.Valid || inflight.String != p.JobID {
		return fmt.Errorf("marker does not reference job %s: %w", p.JobID, ErrAlreadySettled)
	}

	var lastErr *string
	if p.Message != "" && p.JobStatus != models.JobSucceeded {
		lastErr = &p.Message
	}
	_, err = tx.Exec(ctx, `
		UPDATE provisioning_jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, p.JobID, p.JobStatus, lastErr)
	if err != nil {
		return fmt.Errorf("settle job: %w", err)
	}

	now := time.Now().UTC()
	var msg *string
	if p.Message != "" {
		msg = &p.Message
	}
	switch {
	case p.TenantStatus == models.TenantSuspended:
		_, err = tx.Exec(ctx, `
			UPDATE tenants SET status = $2, status_message = $3, inflight_job_id = NULL, suspended_at = $4, updated_at = $4 WHERE id = $1
		`, p.TenantID, p.TenantStatus, msg, now)
	case p.Operation == models.OpBackup && p.JobStatus == models.JobSucceeded:
		_, err = tx.Exec(ctx, `
			UPDATE tenants SET status = $2, status_message = $3, inflight_job_id = NULL, last_backup_at = $4, updated_at = $4 WHERE id = $1
		`, p.TenantID, p.TenantStatus, msg, now)
	default:
		_, err = tx.Exec(ctx, `
			UPDATE tenants SET status = $2, status_message = $3, inflight_job_id = NULL, suspended_at = NULL, updated_at = $4 WHERE id = $1
		`, p.TenantID, p.TenantStatus, msg, now)
	}
	if err != nil {
		return fmt.Errorf("apply tenant transition: %w", err)
	}

	if p.Backup != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO backups (id, tenant_id, status, file_path, size_bytes, checksum, started_at, completed_at, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, p.Backup.ID, p.TenantID, models.BackupCompleted, p.Backup.FilePath, p.Backup.SizeBytes, p.Backup.Checksum,
			p.Backup.StartedAt, p.Backup.CompletedAt, p.Backup.ExpiresAt, now)
		if err != nil {
			return fmt.Errorf("insert backup: %w", err)
		}
	}

	if err := appendAuditTx(ctx, tx, models.AuditEntry{
		TenantID:   p.TenantID,
		Actor:      p.Actor,
		Action:     p.Operation,
		FromStatus: tenantStatus,
		ToStatus:   p.TenantStatus,
		Detail:     p.Message,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// TransitionTenant conditionally moves an idle tenant between states. Used
// by the drift sweep (active -> degraded) and manual repair. Returns false
// when the guard did not match.
func (s *Store) TransitionTenant(ctx context.Context, tenantID string, from []string, to, actor, detail string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var prev string
	err = tx.QueryRow(ctx, `
		UPDATE tenants t SET status = $2, status_message = $3, updated_at = NOW()
		FROM (SELECT id, status AS prev FROM tenants WHERE id = $1 AND status = ANY($4) AND inflight_job_id IS NULL FOR UPDATE) old
		WHERE t.id = old.id
		RETURNING old.prev
	`, tenantID, to, emptyToNil(detail), from).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transition tenant: %w", err)
	}

	if err := appendAuditTx(ctx, tx, models.AuditEntry{
		TenantID:   tenantID,
		Actor:      actor,
		Action:     "transition",
		FromStatus: prev,
		ToStatus:   to,
		Detail:     detail,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1
	`, id)
	return scanTenant(row)
}

// ListTenants returns tenants matching the optional filters, newest first.
func (s *Store) ListTenants(ctx context.Context, status, customerID string, limit int) ([]models.Tenant, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR customer_id = $2)
		ORDER BY created_at DESC LIMIT $3
	`, status, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.ProvisioningJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM provisioning_jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// MarkRunning flags a job as picked up by a worker.
func (s *Store) MarkRunning(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE provisioning_jobs SET status = $2, worker_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.JobInProgress, emptyToNil(workerID), models.JobQueued)
	return err
}

// RescheduleAttempt records a transient failure and the next retry time.
func (s *Store) RescheduleAttempt(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE provisioning_jobs SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobQueued, attempts, nextRun, lastErr)
	return err
}

// StaleJobs returns unsettled jobs enqueued before the cutoff, oldest first.
func (s *Store) StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.ProvisioningJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM provisioning_jobs
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at LIMIT $4
	`, models.JobQueued, models.JobInProgress, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var out []models.ProvisioningJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetPlanBySlug resolves a plan reference.
func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (models.Plan, error) {
	var p models.Plan
	err := s.pool.QueryRow(ctx, `
		SELECT id, slug, name, max_tenants, storage_gb, max_connections, job_priority
		FROM plans WHERE slug = $1
	`, slug).Scan(&p.ID, &p.Slug, &p.Name, &p.MaxTenants, &p.StorageGB, &p.MaxConnections, &p.JobPriority)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Plan{}, fmt.Errorf("plan %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return models.Plan{}, fmt.Errorf("query plan: %w", err)
	}
	return p, nil
}

// ListBackups returns a tenant's backups, newest first.
func (s *Store) ListBackups(ctx context.Context, tenantID string, limit int) ([]models.Backup, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, status, file_path, size_bytes, checksum, started_at, completed_at, expires_at, created_at
		FROM backups WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []models.Backup
	for rows.Next() {
		var b models.Backup
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Status, &b.FilePath, &b.SizeBytes, &b.Checksum,
			&b.StartedAt, &b.CompletedAt, &b.ExpiresAt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AppendAudit adds a transition record outside any other transaction.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (tenant_id, actor, action, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, e.TenantID, e.Actor, e.Action, e.FromStatus, e.ToStatus, e.Detail)
	return err
}

const tenantColumns = `id, name, slug, db_name, customer_id, plan_id, status, status_message, storage_gb, max_connections, request_seq, inflight_job_id, created_at, updated_at, suspended_at, last_backup_at`

const jobColumns = `id, tenant_id, operation, priority, status, resource_id, storage_gb, max_connections, attempts, max_attempts, next_run_at, last_error, idempotency_key, worker_id, backup_id, backup_path, backup_checksum, created_at, updated_at`

func scanTenant(row pgx.Row) (models.Tenant, error) {
	var t models.Tenant
	var msg, inflight pgtype.Text
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.DBName, &t.CustomerID, &t.PlanID, &t.Status, &msg,
		&t.StorageGB, &t.MaxConnections, &t.RequestSeq, &inflight, &t.CreatedAt, &t.UpdatedAt, &t.SuspendedAt, &t.LastBackupAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, fmt.Errorf("tenant: %w", ErrNotFound)
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("scan tenant: %w", err)
	}
	t.StatusMessage = textPtr(msg)
	t.InflightJobID = textPtr(inflight)
	return t, nil
}

func scanJob(row pgx.Row) (models.ProvisioningJob, error) {
	var j models.ProvisioningJob
	var lastErr, idem, worker, backupID pgtype.Text
	err := row.Scan(&j.ID, &j.TenantID, &j.Operation, &j.Priority, &j.Status, &j.ResourceID,
		&j.StorageGB, &j.MaxConnections, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &lastErr, &idem, &worker,
		&backupID, &j.BackupPath, &j.BackupChecksum, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProvisioningJob{}, fmt.Errorf("job: %w", ErrNotFound)
	}
	if err != nil {
		return models.ProvisioningJob{}, fmt.Errorf("scan job: %w", err)
	}
	j.LastError = textPtr(lastErr)
	j.IdempotencyKey = textPtr(idem)
	j.WorkerID = textPtr(worker)
	j.BackupID = textPtr(backupID)
	return j, nil
}

func getJobTx(ctx context.Context, tx pgx.Tx, id string) (models.ProvisioningJob, error) {
	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM provisioning_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func appendAuditTx(ctx context.Context, tx pgx.Tx, e models.AuditEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (tenant_id, actor, action, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, e.TenantID, e.Actor, e.Action, e.FromStatus, e.ToStatus, e.Detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
