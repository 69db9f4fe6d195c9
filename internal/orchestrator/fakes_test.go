package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/store"
)

// fakeStore is a mutex-guarded in-memory Store. Claim and reconcile hold the
// lock end to end, mirroring the transactional guards of the Postgres store.
type fakeStore struct {
	mu       sync.Mutex
	tenants  map[string]models.Tenant
	jobs     map[string]models.ProvisioningJob
	plans    map[string]models.Plan
	backups  []models.Backup
	reserved map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants: make(map[string]models.Tenant),
		jobs:    make(map[string]models.ProvisioningJob),
		plans: map[string]models.Plan{
			"basic": {ID: uuid.New().String(), Slug: "basic", Name: "Basic", MaxTenants: 5, StorageGB: 5, MaxConnections: 20, JobPriority: "default"},
			"trial": {ID: uuid.New().String(), Slug: "trial", Name: "Trial", MaxTenants: 1, StorageGB: 1, MaxConnections: 5, JobPriority: "low"},
		},
		reserved: make(map[string]bool),
	}
}

func (f *fakeStore) CreateTenantWithJob(_ context.Context, p store.CreateTenantParams) (models.Tenant, models.ProvisioningJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reserved[p.Name] || f.reserved[p.Slug] || f.reserved[p.DBName] {
		return models.Tenant{}, models.ProvisioningJob{}, store.ErrDuplicate
	}
	owned := 0
	for _, t := range f.tenants {
		if t.CustomerID == p.CustomerID && t.Status != models.TenantDeleted {
			owned++
		}
	}
	if p.Plan.MaxTenants > 0 && owned >= p.Plan.MaxTenants {
		return models.Tenant{}, models.ProvisioningJob{}, store.ErrQuotaExceeded
	}

	now := time.Now().UTC()
	jobID := uuid.New().String()
	tenant := models.Tenant{
		ID:             uuid.New().String(),
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
		TenantID:       tenant.ID,
		Operation:      models.OpCreate,
		Priority:       p.Plan.JobPriority,
		Status:         models.JobQueued,
		ResourceID:     p.DBName,
		StorageGB:      p.StorageGB,
		MaxConnections: p.MaxConnections,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.tenants[tenant.ID] = tenant
	f.jobs[job.ID] = job
	f.reserved[p.Name] = true
	f.reserved[p.Slug] = true
	f.reserved[p.DBName] = true
	return tenant, job, nil
}

func (f *fakeStore) ClaimJob(_ context.Context, p store.ClaimParams) (models.ProvisioningJob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tenants[p.TenantID]
	if !ok {
		return models.ProvisioningJob{}, false, store.ErrNotFound
	}
	if t.InflightJobID != nil {
		if existing, ok := f.jobs[*t.InflightJobID]; ok && existing.Operation == p.Operation && !existing.Settled() {
			return existing, true, nil
		}
		return models.ProvisioningJob{}, false, store.ErrAlreadyInFlight
	}
	allowed := false
	for _, s := range p.AllowedStates {
		if s == t.Status {
			allowed = true
		}
	}
	if !allowed {
		return models.ProvisioningJob{}, false, store.ErrIllegalState
	}

	now := time.Now().UTC()
	job := models.ProvisioningJob{
		ID:             uuid.New().String(),
		TenantID:       p.TenantID,
		Operation:      p.Operation,
		Priority:       p.Priority,
		Status:         models.JobQueued,
		ResourceID:     t.DBName,
		StorageGB:      t.StorageGB,
		MaxConnections: t.MaxConnections,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      now,
		BackupPath:     p.BackupPath,
		BackupChecksum: p.BackupChecksum,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.BackupID != "" {
		id := p.BackupID
		job.BackupID = &id
	}
	t.RequestSeq++
	t.InflightJobID = &job.ID
	if p.TransitionalStatus != "" {
		t.Status = p.TransitionalStatus
	}
	t.UpdatedAt = now
	f.tenants[p.TenantID] = t
	f.jobs[job.ID] = job
	return job, false, nil
}

func (f *fakeStore) ReconcileJob(_ context.Context, p store.ReconcileParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[p.JobID]
	if !ok {
		return store.ErrNotFound
	}
	if job.Settled() {
		return store.ErrAlreadySettled
	}
	t, ok := f.tenants[p.TenantID]
	if !ok {
		return store.ErrNotFound
	}
	if t.InflightJobID == nil || *t.InflightJobID != p.JobID {
		return store.ErrAlreadySettled
	}

	job.Status = p.JobStatus
	if p.Message != "" && p.JobStatus != models.JobSucceeded {
		msg := p.Message
		job.LastError = &msg
	}
	f.jobs[p.JobID] = job

	t.Status = p.TenantStatus
	t.InflightJobID = nil
	if p.Message != "" {
		msg := p.Message
		t.StatusMessage = &msg
	} else {
		t.StatusMessage = nil
	}
	t.UpdatedAt = time.Now().UTC()
	f.tenants[p.TenantID] = t

	if p.Backup != nil {
		f.backups = append(f.backups, *p.Backup)
	}
	return nil
}

func (f *fakeStore) GetTenant(_ context.Context, id string) (models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return models.Tenant{}, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.ProvisioningJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.ProvisioningJob{}, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) ListTenants(_ context.Context, status, customerID string, limit int) ([]models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Tenant
	for _, t := range f.tenants {
		if status != "" && t.Status != status {
			continue
		}
		if customerID != "" && t.CustomerID != customerID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) TransitionTenant(_ context.Context, tenantID string, from []string, to, _, detail string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[tenantID]
	if !ok {
		return false, nil
	}
	if t.InflightJobID != nil {
		return false, nil
	}
	for _, s := range from {
		if t.Status == s {
			t.Status = to
			if detail != "" {
				msg := detail
				t.StatusMessage = &msg
			}
			f.tenants[tenantID] = t
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) StaleJobs(_ context.Context, cutoff time.Time, limit int) ([]models.ProvisioningJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ProvisioningJob
	for _, j := range f.jobs {
		if !j.Settled() && j.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) GetPlanBySlug(_ context.Context, slug string) (models.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[slug]
	if !ok {
		return models.Plan{}, store.ErrNotFound
	}
	return p, nil
}

// ListBackups returns newest first, like the Postgres store.
func (f *fakeStore) ListBackups(_ context.Context, tenantID string, limit int) ([]models.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Backup
	for i := len(f.backups) - 1; i >= 0; i-- {
		if f.backups[i].TenantID == tenantID {
			out = append(out, f.backups[i])
		}
	}
	return out, nil
}

// backdateJob rewinds a job's creation time so the sweeper sees it as stale.
func (f *fakeStore) backdateJob(id string, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.CreatedAt = j.CreatedAt.Add(-age)
		f.jobs[id] = j
	}
}

// fakeQueue records enqueues and removals.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	removed  []string
	failNext error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID, _ string, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext != nil {
		err := q.failNext
		q.failNext = nil
		return err
	}
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, jobID)
	return nil
}

func (q *fakeQueue) enqueueCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}
