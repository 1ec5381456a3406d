package deploy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ontopilot/ontopilot/internal/deploy"
	"github.com/ontopilot/ontopilot/internal/graph"
	"github.com/ontopilot/ontopilot/internal/models"
)

// prodGraph fakes the production admin plane. healthFn is called once per
// Health request, in order, so tests can script the sample sequence; applyFn
// can reject schema application per target address.
type prodGraph struct {
	mu            sync.Mutex
	healthFn      func(call int) (models.HealthSample, error)
	applyFn       func(addr string) error
	calls         int
	applied       int
	shadowApplied int
	reverted      int
	tornDown      int
}

func (p *prodGraph) Health(ctx context.Context, addr string) (models.HealthSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls
	p.calls++
	if p.healthFn == nil {
		return models.HealthSample{ErrorRate: 0.001, P99LatencyMillis: 40, Throughput: 2000, Ts: time.Now().UTC()}, nil
	}
	return p.healthFn(call)
}

func (p *prodGraph) ApplySchema(ctx context.Context, addr string, statements []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyFn != nil {
		if err := p.applyFn(addr); err != nil {
			return err
		}
	}
	if addr == "prod:7687" {
		p.applied++
	} else {
		p.shadowApplied++
	}
	return nil
}

func (p *prodGraph) RevertSchema(ctx context.Context, addr string, statements []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reverted++
	return nil
}

func (p *prodGraph) Provision(ctx context.Context, name string) (graph.Instance, error) {
	return graph.Instance{Name: name, Address: "staging:" + name}, nil
}

func (p *prodGraph) Teardown(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tornDown++
	return nil
}

func (p *prodGraph) Ready(ctx context.Context, addr string) error { return nil }
func (p *prodGraph) CloneSample(ctx context.Context, addr, tenantID string, sampleSize int) error {
	return nil
}
func (p *prodGraph) Execute(ctx context.Context, addr, statement string, params []byte) error {
	return nil
}

func (p *prodGraph) revertCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reverted
}

func (p *prodGraph) applyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

func (p *prodGraph) shadowApplyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shadowApplied
}

func (p *prodGraph) teardownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tornDown
}

type stmtRenderer struct{ err error }

func (r stmtRenderer) SchemaStatements(models.ChangeProposal) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []string{"CREATE INDEX ON Order (status)"}, nil
}

func testConfig() deploy.Config {
	return deploy.Config{
		ProductionAddr:     "prod:7687",
		HealthInterval:     5 * time.Millisecond,
		SettleWindow:       250 * time.Millisecond,
		GraceWindow:        40 * time.Millisecond,
		ErrorRateThreshold: 0.05,
	}
}

func proposal() models.ChangeProposal {
	return models.ChangeProposal{ID: uuid.New(), TenantID: "tenant-a", Title: "index orders by status"}
}

func waitFinished(t *testing.T, ch <-chan models.Deployment) models.Deployment {
	t.Helper()
	select {
	case dep := <-ch:
		return dep
	case <-time.After(3 * time.Second):
		t.Fatal("deployment never reached a terminal status")
		return models.Deployment{}
	}
}

func TestBreachedSampleTriggersRollback(t *testing.T) {
	client := &prodGraph{healthFn: func(call int) (models.HealthSample, error) {
		if call == 0 {
			// Pre-cutover check.
			return models.HealthSample{ErrorRate: 0.001}, nil
		}
		return models.HealthSample{ErrorRate: 0.30, Ts: time.Now().UTC()}, nil
	}}
	orch := deploy.NewOrchestrator(client, stmtRenderer{}, testConfig())
	defer orch.Close()

	finished := make(chan models.Deployment, 1)
	orch.OnFinish(func(d models.Deployment) { finished <- d })

	if _, err := orch.Execute(context.Background(), proposal()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	dep := waitFinished(t, finished)

	if dep.Status != models.DeployRolledBack {
		t.Fatalf("status = %s, want %s", dep.Status, models.DeployRolledBack)
	}
	if dep.RollbackReason == "" {
		t.Fatal("rollback has no reason")
	}
	if dep.CompletedAt == nil {
		t.Fatal("rolled back deployment has no completion time")
	}
	if client.revertCount() != 1 {
		t.Fatalf("revert calls = %d, want 1", client.revertCount())
	}

	breached := false
	for _, s := range dep.Samples {
		if s.ErrorRate > 0.05 {
			breached = true
		}
	}
	if !breached {
		t.Fatal("rolled back without a breached health sample on record")
	}
}

func TestCleanDeploymentSettles(t *testing.T) {
	client := &prodGraph{}
	orch := deploy.NewOrchestrator(client, stmtRenderer{}, testConfig())
	defer orch.Close()

	finished := make(chan models.Deployment, 1)
	orch.OnFinish(func(d models.Deployment) { finished <- d })

	dep, err := orch.Execute(context.Background(), proposal())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if dep.Status != models.DeployInProgress {
		t.Fatalf("status after cutover = %s, want %s", dep.Status, models.DeployInProgress)
	}

	final := waitFinished(t, finished)
	if final.Status != models.DeployCompleted {
		t.Fatalf("status = %s, want %s", final.Status, models.DeployCompleted)
	}
	if len(final.Samples) == 0 {
		t.Fatal("settled deployment recorded no health samples")
	}
	if client.revertCount() != 0 {
		t.Fatalf("revert calls = %d, want 0", client.revertCount())
	}
	if client.shadowApplyCount() != 1 {
		t.Fatalf("shadow apply calls = %d, want 1", client.shadowApplyCount())
	}
	if client.teardownCount() != 1 {
		t.Fatalf("shadow teardown calls = %d, want 1", client.teardownCount())
	}
}

func TestShadowApplyFailureKeepsProductionUntouched(t *testing.T) {
	client := &prodGraph{applyFn: func(addr string) error {
		if addr != "prod:7687" {
			return errors.New("constraint conflicts with existing schema")
		}
		return nil
	}}
	orch := deploy.NewOrchestrator(client, stmtRenderer{}, testConfig())
	defer orch.Close()

	finished := make(chan models.Deployment, 1)
	orch.OnFinish(func(d models.Deployment) { finished <- d })

	dep, err := orch.Execute(context.Background(), proposal())
	if err == nil {
		t.Fatal("expected shadow apply failure")
	}
	if dep.Status != models.DeployFailed {
		t.Fatalf("status = %s, want %s", dep.Status, models.DeployFailed)
	}
	if client.applyCount() != 0 {
		t.Fatalf("production apply calls = %d, want 0", client.applyCount())
	}
	if client.revertCount() != 0 {
		t.Fatalf("revert calls = %d, want 0", client.revertCount())
	}
	if client.teardownCount() != 1 {
		t.Fatalf("shadow teardown calls = %d, want 1", client.teardownCount())
	}
	final := waitFinished(t, finished)
	if final.Status != models.DeployFailed {
		t.Fatalf("finish hook status = %s, want %s", final.Status, models.DeployFailed)
	}
}

func TestPreCutoverFailureDoesNotRollBack(t *testing.T) {
	client := &prodGraph{healthFn: func(call int) (models.HealthSample, error) {
		return models.HealthSample{}, errors.New("production unreachable")
	}}
	orch := deploy.NewOrchestrator(client, stmtRenderer{}, testConfig())
	defer orch.Close()

	finished := make(chan models.Deployment, 1)
	orch.OnFinish(func(d models.Deployment) { finished <- d })

	dep, err := orch.Execute(context.Background(), proposal())
	if err == nil {
		t.Fatal("expected pre-cutover failure")
	}
	if dep.Status != models.DeployFailed {
		t.Fatalf("status = %s, want %s", dep.Status, models.DeployFailed)
	}
	if client.applyCount() != 0 {
		t.Fatalf("apply calls = %d, want 0", client.applyCount())
	}
	if client.revertCount() != 0 {
		t.Fatalf("revert calls = %d, want 0", client.revertCount())
	}
	final := waitFinished(t, finished)
	if final.Status != models.DeployFailed {
		t.Fatalf("finish hook status = %s, want %s", final.Status, models.DeployFailed)
	}
}

func TestRenderFailureFailsDeployment(t *testing.T) {
	client := &prodGraph{}
	orch := deploy.NewOrchestrator(client, stmtRenderer{err: errors.New("unsupported change kind")}, testConfig())
	defer orch.Close()

	dep, err := orch.Execute(context.Background(), proposal())
	if err == nil {
		t.Fatal("expected render failure")
	}
	if dep.Status != models.DeployFailed {
		t.Fatalf("status = %s, want %s", dep.Status, models.DeployFailed)
	}
	if client.applyCount() != 0 {
		t.Fatalf("apply calls = %d, want 0", client.applyCount())
	}
}

func TestUnreachableHealthPastGraceWindowRollsBack(t *testing.T) {
	client := &prodGraph{healthFn: func(call int) (models.HealthSample, error) {
		if call == 0 {
			return models.HealthSample{ErrorRate: 0.001}, nil
		}
		return models.HealthSample{}, errors.New("connection refused")
	}}
	cfg := testConfig()
	cfg.SettleWindow = 2 * time.Second
	orch := deploy.NewOrchestrator(client, stmtRenderer{}, cfg)
	defer orch.Close()

	finished := make(chan models.Deployment, 1)
	orch.OnFinish(func(d models.Deployment) { finished <- d })

	if _, err := orch.Execute(context.Background(), proposal()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	dep := waitFinished(t, finished)

	if dep.Status != models.DeployRolledBack {
		t.Fatalf("status = %s, want %s", dep.Status, models.DeployRolledBack)
	}
	if len(dep.Samples) == 0 {
		t.Fatal("grace window rollback recorded no samples")
	}
	last := dep.Samples[len(dep.Samples)-1]
	if last.ErrorRate != 1.0 {
		t.Fatalf("last sample error rate = %v, want 1.0", last.ErrorRate)
	}
}

func TestExecuteIsIdempotentPerProposal(t *testing.T) {
	client := &prodGraph{}
	cfg := testConfig()
	cfg.SettleWindow = 2 * time.Second
	orch := deploy.NewOrchestrator(client, stmtRenderer{}, cfg)
	defer orch.Close()

	p := proposal()
	first, err := orch.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := orch.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("second Execute created a new deployment: %s vs %s", first.ID, second.ID)
	}
	if client.applyCount() != 1 {
		t.Fatalf("apply calls = %d, want 1", client.applyCount())
	}

	got, ok := orch.ByProposal(p.ID)
	if !ok || got.ID != first.ID {
		t.Fatalf("ByProposal = (%v, %v), want deployment %s", got.ID, ok, first.ID)
	}
	if _, err := orch.Get(uuid.New()); !errors.Is(err, deploy.ErrUnknownDeployment) {
		t.Fatalf("Get unknown = %v, want ErrUnknownDeployment", err)
	}
}
