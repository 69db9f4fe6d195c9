package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/provisioner"
	"tenant-orchestrator/internal/telemetry"
)

const sweepBatch = 100

// Sweeper resolves jobs that exceeded their execution budget and detects
// drift between tenant metadata and actually provisioned resources. Before
// declaring a stale job failed it asks the provisioner for ground truth, so
// a slow-but-successful create is reconciled as a success.
type Sweeper struct {
	orch     *Orchestrator
	prov     provisioner.Provisioner
	interval time.Duration
	budget   time.Duration
}

// NewSweeper builds a sweeper over the orchestrator's store and queue.
func NewSweeper(orch *Orchestrator, prov provisioner.Provisioner) *Sweeper {
	return &Sweeper{
		orch:     orch,
		prov:     prov,
		interval: orch.cfg.SweepInterval,
		budget:   orch.cfg.JobBudget,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one stale-job pass and one drift pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweepStale(ctx)
	s.sweepDrift(ctx)
}

func (s *Sweeper) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.budget)
	jobs, err := s.orch.store.StaleJobs(ctx, cutoff, sweepBatch)
	if err != nil {
		s.orch.log.Error("query stale jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		outcome := Outcome{Success: false, Message: "execution budget exceeded"}

		// A stale job may in fact have finished; probe the resource state
		// before declaring failure. Backup and restore outcomes are not
		// observable from the state alone, so those stay failed and can be
		// re-requested.
		state, probeErr := s.prov.State(ctx, job.ResourceID)
		if probeErr == nil {
			resolved := false
			switch job.Operation {
			case models.OpCreate, models.OpResume:
				resolved = state == provisioner.ResourceActive
			case models.OpSuspend:
				resolved = state == provisioner.ResourceSuspended
			case models.OpDelete:
				resolved = state == provisioner.ResourceAbsent
			}
			if resolved {
				outcome = Outcome{Success: true, Message: "resolved by sweeper after budget expiry"}
			}
		}

		if err := s.orch.queue.Remove(ctx, job.ID); err != nil {
			s.orch.log.Warn("remove stale job from queue", zap.String("job", job.ID), zap.Error(err))
		}
		if err := s.orch.Reconcile(ctx, job.ID, outcome); err != nil {
			s.orch.log.Error("sweep stale job", zap.String("job", job.ID), zap.Error(err))
			continue
		}
		telemetry.SweptJobs.Inc()
		s.orch.log.Info("stale job settled",
			zap.String("job", job.ID),
			zap.String("operation", job.Operation),
			zap.Bool("success", outcome.Success))
	}
}

func (s *Sweeper) sweepDrift(ctx context.Context) {
	tenants, err := s.orch.store.ListTenants(ctx, models.TenantActive, "", sweepBatch)
	if err != nil {
		s.orch.log.Error("list active tenants", zap.Error(err))
		return
	}

	for _, t := range tenants {
		if t.InflightJobID != nil {
			continue
		}
		state, err := s.prov.State(ctx, t.DBName)
		if err != nil || state != provisioner.ResourceAbsent {
			continue
		}
		applied, err := s.orch.store.TransitionTenant(ctx, t.ID,
			[]string{models.TenantActive}, models.TenantDegraded, "sweeper", "backing resource missing")
		if err != nil {
			s.orch.log.Error("mark degraded", zap.String("tenant", t.ID), zap.Error(err))
			continue
		}
		if applied {
			telemetry.DriftDetected.Inc()
			s.orch.emit(t.ID, "drift", models.TenantActive, models.TenantDegraded, "sweeper", "backing resource missing")
		}
	}
}
