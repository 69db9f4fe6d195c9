package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"tenant-orchestrator/internal/config"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/orchestrator"
	"tenant-orchestrator/internal/provisioner"
	"tenant-orchestrator/internal/queue"
	"tenant-orchestrator/internal/telemetry"
)

// JobStore is the job-row access workers need. Workers never touch tenant
// rows; tenant status flows only through the Reconciler.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.ProvisioningJob, error)
	MarkRunning(ctx context.Context, id, workerID string) error
	RescheduleAttempt(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
}

// Reconciler reports job outcomes back to the orchestrator.
type Reconciler interface {
	Reconcile(ctx context.Context, jobID string, outcome orchestrator.Outcome) error
}

// Pool runs N concurrent executors over the shared queue. Each dequeues a
// job under an exclusive lease, invokes the provisioner, classifies the
// outcome, and reports it exactly once.
type Pool struct {
	cfg      config.Config
	queue    *queue.Queue
	store    JobStore
	rec      Reconciler
	prov     provisioner.Provisioner
	log      *zap.Logger
	workerID string
}

// New wires a worker pool.
func New(cfg config.Config, q *queue.Queue, st JobStore, rec Reconciler, prov provisioner.Provisioner, log *zap.Logger, workerID string) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{cfg: cfg, queue: q, store: st, rec: rec, prov: prov, log: log, workerID: workerID}
}

// Run starts the housekeeping loop and cfg.WorkerCount executors, blocking
// until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.WorkerCount
	if n <= 0 {
		n = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeeping(ctx)
	}()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.executorLoop(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// housekeeping promotes due scheduled jobs, reclaims expired leases, and
// keeps the depth gauge current.
func (p *Pool) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.log.Warn("promote scheduled", zap.Error(err))
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
			p.log.Warn("requeue expired", zap.Error(err))
		} else if len(reclaimed) > 0 {
			p.log.Info("reclaimed expired leases", zap.Int("count", len(reclaimed)))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Pool) executorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		p.runJob(ctx, jobID)
	}
}

func (p *Pool) runJob(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.log.Warn("dequeued unknown job", zap.String("job", jobID), zap.Error(err))
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.Settled() {
		// The sweeper settled it while it sat in the queue.
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	_ = p.store.MarkRunning(ctx, job.ID, p.workerID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	outcome, execErr := p.execute(ctx, job)
	if execErr == nil {
		if err := p.rec.Reconcile(ctx, job.ID, outcome); err != nil {
			p.log.Error("reconcile success", zap.String("job", job.ID), zap.Error(err))
			return // lease expiry will redeliver; provisioner ops are idempotent
		}
		_ = p.queue.Ack(ctx, job.ID)
		telemetry.WorkerSuccess.Inc()
		return
	}

	if provisioner.IsPermanent(execErr) {
		p.settleFailure(ctx, job, orchestrator.Outcome{Message: execErr.Error()})
		telemetry.WorkerFailures.Inc()
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts || attempts >= p.cfg.MaxAttempts {
		_ = p.queue.DLQPush(ctx, job.ID)
		p.settleFailure(ctx, job, orchestrator.Outcome{
			Message:          "retries exhausted: " + execErr.Error(),
			RetriesExhausted: true,
		})
		telemetry.WorkerDeadLetter.Inc()
		return
	}

	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	if err := p.store.RescheduleAttempt(ctx, job.ID, attempts, nextRun, execErr.Error()); err != nil {
		p.log.Error("reschedule attempt", zap.String("job", job.ID), zap.Error(err))
	}
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, job.Priority, nextRun)
	telemetry.WorkerFailures.Inc()
	p.log.Info("transient failure, retry scheduled",
		zap.String("job", job.ID),
		zap.Int("attempt", attempts),
		zap.Time("next_run", nextRun),
		zap.Error(execErr))
}

func (p *Pool) settleFailure(ctx context.Context, job models.ProvisioningJob, outcome orchestrator.Outcome) {
	if err := p.rec.Reconcile(ctx, job.ID, outcome); err != nil {
		p.log.Error("reconcile failure", zap.String("job", job.ID), zap.Error(err))
	}
	_ = p.queue.Ack(ctx, job.ID)
}

// execute invokes the operation-specific provisioner call. A provisioner
// reporting "already in target state" counts as success; that is what makes
// at-least-once delivery safe.
func (p *Pool) execute(ctx context.Context, job models.ProvisioningJob) (orchestrator.Outcome, error) {
	var err error
	outcome := orchestrator.Outcome{Success: true}

	switch job.Operation {
	case models.OpCreate:
		err = p.prov.Create(ctx, job.ResourceID, provisioner.ResourceConfig{
			StorageGB:      job.StorageGB,
			MaxConnections: job.MaxConnections,
		})
	case models.OpSuspend:
		err = p.prov.Suspend(ctx, job.ResourceID)
	case models.OpResume:
		err = p.prov.Resume(ctx, job.ResourceID)
	case models.OpDelete:
		err = p.prov.Delete(ctx, job.ResourceID)
	case models.OpRestore:
		// Loading a dump can outlive the default lease, like taking one.
		_ = p.queue.ExtendLease(ctx, job.ID, p.cfg.JobBudget)
		err = p.prov.Restore(ctx, job.ResourceID, provisioner.BackupRef{
			Path:     job.BackupPath,
			Checksum: job.BackupChecksum,
		})
	case models.OpBackup:
		// Dumps can outlive the default lease.
		_ = p.queue.ExtendLease(ctx, job.ID, p.cfg.JobBudget)
		started := time.Now().UTC()
		var ref provisioner.BackupRef
		ref, err = p.prov.Backup(ctx, job.ResourceID)
		if err == nil {
			taken := ref.TakenAt
			outcome.Backup = &models.Backup{
				TenantID:    job.TenantID,
				Status:      models.BackupCompleted,
				FilePath:    ref.Path,
				SizeBytes:   ref.SizeBytes,
				Checksum:    ref.Checksum,
				StartedAt:   &started,
				CompletedAt: &taken,
			}
		}
	default:
		return orchestrator.Outcome{}, provisioner.Permanent(errors.New("unknown operation " + job.Operation))
	}

	if errors.Is(err, provisioner.ErrAlreadyInTargetState) {
		outcome.Message = "already in target state"
		return outcome, nil
	}
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	return outcome, nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(half)))
	return half + jitter
}
