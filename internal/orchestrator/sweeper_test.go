package orchestrator

import (
	"context"
	"testing"
	"time"

	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/provisioner"
)

func TestSweeperResolvesStaleCreateWithGroundTruth(t *testing.T) {
	o, st, q := newTestOrchestrator(t)
	ctx := context.Background()
	prov := provisioner.NewInMemory()
	sweeper := NewSweeper(o, prov)

	// Slow-but-successful create: the resource exists, only the report
	// never arrived.
	id, err := o.RequestCreate(ctx, CreateRequest{Name: "Slow", Slug: "slow-corp", CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("request create: %v", err)
	}
	tenant, _ := st.GetTenant(ctx, id)
	jobID := *tenant.InflightJobID
	st.backdateJob(jobID, time.Hour)
	prov.ForceState(tenant.DBName, true, false)

	sweeper.SweepOnce(ctx)

	tenant, _ = st.GetTenant(ctx, id)
	if tenant.Status != models.TenantActive {
		t.Fatalf("slow create should be resolved active, got %s", tenant.Status)
	}
	if len(q.removed) != 1 || q.removed[0] != jobID {
		t.Fatalf("stale job should be removed from the queue")
	}
}

func TestSweeperFailsStaleCreateWhenResourceMissing(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	prov := provisioner.NewInMemory()
	sweeper := NewSweeper(o, prov)

	id, err := o.RequestCreate(ctx, CreateRequest{Name: "Stuck", Slug: "stuck-corp", CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("request create: %v", err)
	}
	tenant, _ := st.GetTenant(ctx, id)
	st.backdateJob(*tenant.InflightJobID, time.Hour)

	sweeper.SweepOnce(ctx)

	tenant, _ = st.GetTenant(ctx, id)
	if tenant.Status != models.TenantFailed {
		t.Fatalf("stuck pending should land in failed, got %s", tenant.Status)
	}
	if tenant.InflightJobID != nil {
		t.Fatalf("marker must be released")
	}
}

func TestSweeperIgnoresFreshJobs(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	prov := provisioner.NewInMemory()
	sweeper := NewSweeper(o, prov)

	id, err := o.RequestCreate(ctx, CreateRequest{Name: "Fresh", Slug: "fresh-corp", CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("request create: %v", err)
	}

	sweeper.SweepOnce(ctx)

	tenant, _ := st.GetTenant(ctx, id)
	if tenant.Status != models.TenantPending {
		t.Fatalf("fresh job must not be swept, got %s", tenant.Status)
	}
}

func TestSweeperMarksDrift(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	prov := provisioner.NewInMemory()
	sweeper := NewSweeper(o, prov)

	tenant := createActive(t, o, st, "Acme", "acme")
	// Resource vanished out of band; metadata still says active.

	sweeper.SweepOnce(ctx)

	got, _ := st.GetTenant(ctx, tenant.ID)
	if got.Status != models.TenantDegraded {
		t.Fatalf("expected degraded on drift, got %s", got.Status)
	}

	// Repaired out of band: operator acknowledges and the tenant is
	// active again.
	prov.ForceState(tenant.DBName, true, false)
	if err := o.Repair(ctx, tenant.ID, "operator"); err != nil {
		t.Fatalf("repair: %v", err)
	}
	sweeper.SweepOnce(ctx)
	got, _ = st.GetTenant(ctx, tenant.ID)
	if got.Status != models.TenantActive {
		t.Fatalf("healthy tenant flapped to %s", got.Status)
	}
}

func TestSweeperResolvesStaleSuspendWithGroundTruth(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	prov := provisioner.NewInMemory()
	sweeper := NewSweeper(o, prov)

	// The worker suspended the resource but its report never arrived:
	// the resource is present and suspended, so the job succeeded.
	tenant := createActive(t, o, st, "Slow", "slow-corp")
	prov.ForceState(tenant.DBName, true, false)
	h, err := o.RequestTransition(ctx, tenant.ID, models.OpSuspend, "cust-1")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	st.backdateJob(h.JobID, time.Hour)
	prov.ForceState(tenant.DBName, true, true)

	sweeper.SweepOnce(ctx)

	got, _ := st.GetTenant(ctx, tenant.ID)
	if got.Status != models.TenantSuspended {
		t.Fatalf("slow suspend should be resolved suspended, got %s", got.Status)
	}
	if got.InflightJobID != nil {
		t.Fatalf("marker must be released")
	}
}

func TestSweeperFailsStaleSuspendWhenResourceStillActive(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	prov := provisioner.NewInMemory()
	sweeper := NewSweeper(o, prov)

	tenant := createActive(t, o, st, "Stuck", "stuck-corp")
	prov.ForceState(tenant.DBName, true, false)
	h, err := o.RequestTransition(ctx, tenant.ID, models.OpSuspend, "cust-1")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	st.backdateJob(h.JobID, time.Hour)
	// Resource never left the active state: the suspend really is lost.

	sweeper.SweepOnce(ctx)

	got, _ := st.GetTenant(ctx, tenant.ID)
	if got.Status != models.TenantActive {
		t.Fatalf("lost suspend should fall back to active, got %s", got.Status)
	}
	if got.InflightJobID != nil {
		t.Fatalf("marker must be released")
	}
}
