// Package orchestrator owns the tenant state machine. It is the sole writer
// of tenant status: API handlers call Request*, workers call Reconcile, and
// nothing else touches tenant rows or enqueues provisioning work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tenant-orchestrator/internal/config"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/store"
	"tenant-orchestrator/internal/telemetry"
)

// Store is the metadata access the orchestrator needs. *store.Store
// implements it; tests substitute an in-memory fake.
type Store interface {
	CreateTenantWithJob(ctx context.Context, p store.CreateTenantParams) (models.Tenant, models.ProvisioningJob, error)
	ClaimJob(ctx context.Context, p store.ClaimParams) (models.ProvisioningJob, bool, error)
	ReconcileJob(ctx context.Context, p store.ReconcileParams) error
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
	GetJob(ctx context.Context, id string) (models.ProvisioningJob, error)
	ListTenants(ctx context.Context, status, customerID string, limit int) ([]models.Tenant, error)
	TransitionTenant(ctx context.Context, tenantID string, from []string, to, actor, detail string) (bool, error)
	StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.ProvisioningJob, error)
	GetPlanBySlug(ctx context.Context, slug string) (models.Plan, error)
	ListBackups(ctx context.Context, tenantID string, limit int) ([]models.Backup, error)
}

// Queue is the slice of the job queue the orchestrator uses.
type Queue interface {
	Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error
	Remove(ctx context.Context, jobID string) error
}

var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{2,48}[a-z0-9]$`)

// rule describes one row of the transition table.
type rule struct {
	from    []string
	during  string // status while the job is in flight; empty leaves it unchanged
	success string
	failure string
}

var rules = map[string]rule{
	models.OpSuspend: {
		from:    []string{models.TenantActive},
		success: models.TenantSuspended,
		failure: models.TenantActive,
	},
	models.OpResume: {
		from:    []string{models.TenantSuspended},
		success: models.TenantActive,
		failure: models.TenantSuspended,
	},
	models.OpDelete: {
		from:    []string{models.TenantActive, models.TenantSuspended, models.TenantFailed},
		during:  models.TenantDeleting,
		success: models.TenantDeleted,
		failure: models.TenantFailed,
	},
	models.OpBackup: {
		from:    []string{models.TenantActive},
		success: models.TenantActive,
		failure: models.TenantActive,
	},
	models.OpRestore: {
		from:    []string{models.TenantActive, models.TenantSuspended},
		success: models.TenantActive,
		failure: "", // a failed restore leaves the tenant where it was
	},
}

// opPriority maps operations onto queue priority classes. Deletes and
// suspends jump the line; backups yield to everything else.
var opPriority = map[string]string{
	models.OpSuspend: "high",
	models.OpResume:  "high",
	models.OpDelete:  "high",
	models.OpBackup:  "low",
	models.OpRestore: "default",
}

// CreateRequest carries a validated caller's tenant creation input. Zero
// quota fields inherit the plan defaults.
type CreateRequest struct {
	Name           string
	Slug           string
	CustomerID     string
	PlanSlug       string
	StorageGB      int
	MaxConnections int
	Actor          string
}

// JobHandle identifies an accepted asynchronous operation.
type JobHandle struct {
	JobID     string `json:"job_id"`
	TenantID  string `json:"tenant_id"`
	Operation string `json:"operation"`
	Existing  bool   `json:"existing"`
}

// Outcome is a worker's report for one job.
type Outcome struct {
	Success          bool
	Message          string
	RetriesExhausted bool
	Backup           *models.Backup
}

// Snapshot is the read-only view returned by GetStatus.
type Snapshot struct {
	Tenant   models.Tenant           `json:"tenant"`
	InFlight *models.ProvisioningJob `json:"in_flight,omitempty"`
}

// Orchestrator validates requests against quotas and the state machine,
// enqueues provisioning jobs, and reconciles their outcomes.
type Orchestrator struct {
	cfg   config.Config
	store Store
	queue Queue
	log   *zap.Logger
}

// New wires an orchestrator.
func New(cfg config.Config, st Store, q Queue, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, store: st, queue: q, log: log}
}

// RequestCreate reserves the tenant's identifiers, writes the pending row,
// and enqueues the create job. It returns as soon as the job is accepted;
// provisioning completion is observed via GetStatus.
func (o *Orchestrator) RequestCreate(ctx context.Context, req CreateRequest) (string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return "", &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	slug := strings.ToLower(strings.TrimSpace(req.Slug))
	if !slugPattern.MatchString(slug) {
		return "", &ValidationError{Field: "slug", Reason: "use 4-50 lowercase letters, digits and hyphens, starting with a letter"}
	}
	if req.CustomerID == "" {
		return "", &ValidationError{Field: "customer_id", Reason: "must not be empty"}
	}

	planSlug := req.PlanSlug
	if planSlug == "" {
		planSlug = "basic"
	}
	plan, err := o.store.GetPlanBySlug(ctx, planSlug)
	if errors.Is(err, store.ErrNotFound) {
		return "", &NotFoundError{Kind: "plan", ID: planSlug}
	}
	if err != nil {
		return "", fmt.Errorf("resolve plan: %w", err)
	}

	storageGB := plan.StorageGB
	if req.StorageGB > 0 {
		storageGB = req.StorageGB
	}
	maxConn := plan.MaxConnections
	if req.MaxConnections > 0 {
		maxConn = req.MaxConnections
	}

	tenant, job, err := o.store.CreateTenantWithJob(ctx, store.CreateTenantParams{
		Name:           strings.TrimSpace(req.Name),
		Slug:           slug,
		DBName:         "tenant_" + strings.ReplaceAll(slug, "-", "_"),
		CustomerID:     req.CustomerID,
		Plan:           plan,
		StorageGB:      storageGB,
		MaxConnections: maxConn,
		MaxAttempts:    o.cfg.MaxAttempts,
		IdempotencyTTL: o.cfg.IdempotencyTTL,
		Actor:          req.Actor,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return "", &ConflictError{Identifier: slug}
	}
	if errors.Is(err, store.ErrQuotaExceeded) {
		return "", &QuotaExceededError{CustomerID: req.CustomerID, Limit: plan.MaxTenants}
	}
	if err != nil {
		return "", fmt.Errorf("create tenant: %w", err)
	}

	if err := o.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		// The pending row is committed; settle it as failed so the tenant
		// does not sit in pending forever.
		o.reconcileDropLogged(ctx, job, Outcome{Success: false, Message: "enqueue failed: " + err.Error()})
		return "", fmt.Errorf("enqueue create job: %w", err)
	}
	telemetry.EnqueueCounter.Inc()

	o.emit(tenant.ID, models.OpCreate, "", models.TenantPending, req.Actor, "accepted")
	return tenant.ID, nil
}

// RequestTransition validates op against the tenant's current status,
// claims the per-tenant in-flight slot, and enqueues the job. A re-request
// matching the outstanding job returns its handle instead of erroring.
func (o *Orchestrator) RequestTransition(ctx context.Context, tenantID, op, actor string) (JobHandle, error) {
	if op == models.OpRestore {
		// Restore needs an artifact resolved; no explicit id picks the
		// newest completed backup.
		return o.RequestRestore(ctx, tenantID, "", actor)
	}
	r, ok := rules[op]
	if !ok {
		return JobHandle{}, &ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", op)}
	}

	return o.claimAndEnqueue(ctx, store.ClaimParams{
		TenantID:           tenantID,
		Operation:          op,
		AllowedStates:      r.from,
		TransitionalStatus: r.during,
		Priority:           opPriority[op],
		MaxAttempts:        o.cfg.MaxAttempts,
		IdempotencyTTL:     o.cfg.IdempotencyTTL,
		Actor:              actor,
	}, r)
}

// RequestRestore claims a restore job loading the given backup, or the
// newest completed one when backupID is empty. The artifact reference is
// frozen onto the job row, so a backup expiring mid-flight cannot change
// what the worker loads.
func (o *Orchestrator) RequestRestore(ctx context.Context, tenantID, backupID, actor string) (JobHandle, error) {
	if _, err := o.store.GetTenant(ctx, tenantID); errors.Is(err, store.ErrNotFound) {
		return JobHandle{}, &NotFoundError{Kind: "tenant", ID: tenantID}
	} else if err != nil {
		return JobHandle{}, fmt.Errorf("load tenant: %w", err)
	}

	backups, err := o.store.ListBackups(ctx, tenantID, 100)
	if err != nil {
		return JobHandle{}, fmt.Errorf("list backups: %w", err)
	}
	var chosen *models.Backup
	for i := range backups {
		b := backups[i]
		if backupID != "" {
			if b.ID == backupID {
				chosen = &b
				break
			}
			continue
		}
		if b.Status == models.BackupCompleted {
			chosen = &b // newest first
			break
		}
	}
	if chosen == nil {
		id := backupID
		if id == "" {
			id = tenantID
		}
		return JobHandle{}, &NotFoundError{Kind: "backup", ID: id}
	}
	if chosen.Status != models.BackupCompleted {
		return JobHandle{}, &ValidationError{Field: "backup_id", Reason: "backup is " + chosen.Status}
	}
	if chosen.ExpiresAt != nil && chosen.ExpiresAt.Before(time.Now()) {
		return JobHandle{}, &ValidationError{Field: "backup_id", Reason: "backup expired"}
	}

	r := rules[models.OpRestore]
	return o.claimAndEnqueue(ctx, store.ClaimParams{
		TenantID:           tenantID,
		Operation:          models.OpRestore,
		AllowedStates:      r.from,
		TransitionalStatus: r.during,
		Priority:           opPriority[models.OpRestore],
		MaxAttempts:        o.cfg.MaxAttempts,
		IdempotencyTTL:     o.cfg.IdempotencyTTL,
		Actor:              actor,
		BackupID:           chosen.ID,
		BackupPath:         chosen.FilePath,
		BackupChecksum:     chosen.Checksum,
	}, r)
}

func (o *Orchestrator) claimAndEnqueue(ctx context.Context, p store.ClaimParams, r rule) (JobHandle, error) {
	tenant, err := o.store.GetTenant(ctx, p.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		return JobHandle{}, &NotFoundError{Kind: "tenant", ID: p.TenantID}
	}
	if err != nil {
		return JobHandle{}, fmt.Errorf("load tenant: %w", err)
	}

	job, existing, err := o.store.ClaimJob(ctx, p)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return JobHandle{}, &NotFoundError{Kind: "tenant", ID: p.TenantID}
	case errors.Is(err, store.ErrAlreadyInFlight):
		return JobHandle{}, &AlreadyInFlightError{TenantID: p.TenantID}
	case errors.Is(err, store.ErrIllegalState):
		return JobHandle{}, &InvalidStateError{TenantID: p.TenantID, Operation: p.Operation, Status: tenant.Status}
	case err != nil:
		return JobHandle{}, fmt.Errorf("claim %s job: %w", p.Operation, err)
	}

	handle := JobHandle{JobID: job.ID, TenantID: p.TenantID, Operation: p.Operation, Existing: existing}
	if existing {
		return handle, nil
	}

	if err := o.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		o.reconcileDropLogged(ctx, job, Outcome{Success: false, Message: "enqueue failed: " + err.Error()})
		return JobHandle{}, fmt.Errorf("enqueue %s job: %w", p.Operation, err)
	}
	telemetry.EnqueueCounter.Inc()

	to := r.during
	if to == "" {
		to = tenant.Status // status holds until the job reconciles
	}
	o.emit(p.TenantID, p.Operation, tenant.Status, to, p.Actor, "accepted")
	return handle, nil
}

// Reconcile applies a job outcome onto tenant metadata, exactly once.
// Outcomes for unknown or already-settled jobs are logged and dropped so
// duplicate deliveries never crash the reconciliation path.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID string, outcome Outcome) error {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		o.log.Warn("outcome for unknown job dropped", zap.String("job", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Settled() {
		o.log.Warn("outcome for settled job dropped",
			zap.String("job", jobID), zap.String("status", job.Status))
		return nil
	}
	return o.reconcileJob(ctx, job, outcome)
}

func (o *Orchestrator) reconcileJob(ctx context.Context, job models.ProvisioningJob, outcome Outcome) error {
	var toStatus string
	if job.Operation == models.OpCreate {
		toStatus = models.TenantFailed
		if outcome.Success {
			toStatus = models.TenantActive
		}
	} else {
		r := rules[job.Operation]
		toStatus = r.failure
		if outcome.Success {
			toStatus = r.success
		}
	}
	if toStatus == "" {
		// "Leave the tenant where it was": its status cannot move while
		// the in-flight marker points at this job.
		t, terr := o.store.GetTenant(ctx, job.TenantID)
		if errors.Is(terr, store.ErrNotFound) {
			o.log.Warn("outcome for vanished tenant dropped", zap.String("job", job.ID))
			return nil
		}
		if terr != nil {
			return fmt.Errorf("load tenant: %w", terr)
		}
		toStatus = t.Status
	}

	jobStatus := models.JobSucceeded
	result := "success"
	switch {
	case outcome.Success:
	case outcome.RetriesExhausted:
		jobStatus = models.JobDeadLetter
		result = "dead_letter"
	default:
		jobStatus = models.JobFailed
		result = "failure"
	}

	var backup *models.Backup
	if outcome.Success && job.Operation == models.OpBackup && outcome.Backup != nil {
		b := *outcome.Backup
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
		if b.ExpiresAt == nil && o.cfg.BackupRetention > 0 {
			exp := time.Now().UTC().Add(o.cfg.BackupRetention)
			b.ExpiresAt = &exp
		}
		backup = &b
	}

	err := o.store.ReconcileJob(ctx, store.ReconcileParams{
		JobID:        job.ID,
		TenantID:     job.TenantID,
		Operation:    job.Operation,
		JobStatus:    jobStatus,
		TenantStatus: toStatus,
		Message:      outcome.Message,
		Actor:        "worker",
		Backup:       backup,
	})
	if errors.Is(err, store.ErrAlreadySettled) || errors.Is(err, store.ErrNotFound) {
		o.log.Warn("duplicate outcome dropped", zap.String("job", job.ID), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile job %s: %w", job.ID, err)
	}

	o.emit(job.TenantID, job.Operation, "", toStatus, "worker", outcome.Message)
	telemetry.TransitionCounter.WithLabelValues(job.Operation, result).Inc()
	return nil
}

// reconcileDropLogged settles a job we just created but could not enqueue.
func (o *Orchestrator) reconcileDropLogged(ctx context.Context, job models.ProvisioningJob, outcome Outcome) {
	if err := o.reconcileJob(ctx, job, outcome); err != nil {
		o.log.Error("settle unenqueued job", zap.String("job", job.ID), zap.Error(err))
	}
}

// GetStatus returns the tenant snapshot without blocking on in-flight work.
func (o *Orchestrator) GetStatus(ctx context.Context, tenantID string) (Snapshot, error) {
	tenant, err := o.store.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, &NotFoundError{Kind: "tenant", ID: tenantID}
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load tenant: %w", err)
	}
	snap := Snapshot{Tenant: tenant}
	if tenant.InflightJobID != nil {
		if job, err := o.store.GetJob(ctx, *tenant.InflightJobID); err == nil {
			snap.InFlight = &job
		}
	}
	return snap, nil
}

// ListTenants returns tenants for the admin list view.
func (o *Orchestrator) ListTenants(ctx context.Context, status, customerID string, limit int) ([]models.Tenant, error) {
	return o.store.ListTenants(ctx, status, customerID, limit)
}

// ListBackups returns a tenant's backup records.
func (o *Orchestrator) ListBackups(ctx context.Context, tenantID string, limit int) ([]models.Backup, error) {
	return o.store.ListBackups(ctx, tenantID, limit)
}

// Repair acknowledges that a degraded tenant's backing resource was fixed
// out of band and returns it to active.
func (o *Orchestrator) Repair(ctx context.Context, tenantID, actor string) error {
	applied, err := o.store.TransitionTenant(ctx, tenantID,
		[]string{models.TenantDegraded}, models.TenantActive, actor, "manual repair")
	if err != nil {
		return fmt.Errorf("repair tenant: %w", err)
	}
	if !applied {
		status := "unknown"
		if t, terr := o.store.GetTenant(ctx, tenantID); terr == nil {
			status = t.Status
		} else {
			return &NotFoundError{Kind: "tenant", ID: tenantID}
		}
		return &InvalidStateError{TenantID: tenantID, Operation: "repair", Status: status}
	}
	o.emit(tenantID, "repair", models.TenantDegraded, models.TenantActive, actor, "manual repair")
	telemetry.TransitionCounter.WithLabelValues("repair", "success").Inc()
	return nil
}

// emit writes the one structured event per transition the monitoring layer
// consumes.
func (o *Orchestrator) emit(tenantID, op, from, to, actor, detail string) {
	o.log.Info("tenant transition",
		zap.String("tenant", tenantID),
		zap.String("operation", op),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("actor", actor),
		zap.String("detail", detail),
	)
}
