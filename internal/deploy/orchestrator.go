package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ontopilot/ontopilot/internal/graph"
	"github.com/ontopilot/ontopilot/internal/models"
)

// ErrUnknownDeployment is returned when no deployment exists for the id.
var ErrUnknownDeployment = errors.New("unknown deployment")

// Renderer turns a proposal into the schema statements applied at cutover.
type Renderer interface {
	SchemaStatements(proposal models.ChangeProposal) ([]string, error)
}

type Config struct {
	// ProductionAddr is the production graph instance the cutover targets.
	ProductionAddr string

	// HealthInterval is how often production health is sampled after cutover.
	HealthInterval time.Duration

	// SettleWindow is how long a deployment is monitored before it is
	// considered settled and marked completed.
	SettleWindow time.Duration

	// GraceWindow is how long health sampling may fail continuously before
	// the deployment is treated as unhealthy and rolled back.
	GraceWindow time.Duration

	// ErrorRateThreshold is the error rate above which a sample breaches.
	ErrorRateThreshold float64
}

// Orchestrator executes approved proposals against production and watches
// them through the settle window. Rollback happens only after cutover, and
// only once at least one recorded health sample breached a threshold.
type Orchestrator struct {
	client   graph.Client
	renderer Renderer
	cfg      Config

	// onFinish is invoked once per deployment when it reaches a terminal
	// status. Set before the first Execute call.
	onFinish func(models.Deployment)

	mu          sync.Mutex
	deployments map[uuid.UUID]*record
	byProposal  map[uuid.UUID]uuid.UUID

	wg     sync.WaitGroup
	cancel context.CancelFunc
	root   context.Context
}

type record struct {
	deployment models.Deployment
	statements []string
}

func NewOrchestrator(client graph.Client, renderer Renderer, cfg Config) *Orchestrator {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = 10 * time.Minute
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 2 * time.Minute
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.05
	}
	root, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		client:      client,
		renderer:    renderer,
		cfg:         cfg,
		deployments: make(map[uuid.UUID]*record),
		byProposal:  make(map[uuid.UUID]uuid.UUID),
		root:        root,
		cancel:      cancel,
	}
}

// OnFinish registers a hook called with the final deployment snapshot when
// monitoring ends. Must be set before Execute is first called.
func (o *Orchestrator) OnFinish(fn func(models.Deployment)) {
	o.onFinish = fn
}

// Execute cuts the proposal over to production. Calling it again for the
// same proposal returns the existing deployment instead of cutting over
// twice. A failure before the schema takes effect leaves the deployment
// failed with nothing to roll back; once cutover succeeds, Execute returns
// with the deployment in progress while monitoring continues on a detached
// goroutine.
func (o *Orchestrator) Execute(ctx context.Context, proposal models.ChangeProposal) (models.Deployment, error) {
	o.mu.Lock()
	if existing, ok := o.byProposal[proposal.ID]; ok {
		dep := o.deployments[existing].snapshot()
		o.mu.Unlock()
		return dep, nil
	}
	now := time.Now().UTC()
	rec := &record{
		deployment: models.Deployment{
			ID:         uuid.New(),
			ProposalID: proposal.ID,
			Status:     models.DeployPending,
			StartedAt:  now,
		},
	}
	o.deployments[rec.deployment.ID] = rec
	o.byProposal[proposal.ID] = rec.deployment.ID
	o.mu.Unlock()

	statements, err := o.renderer.SchemaStatements(proposal)
	if err != nil {
		return o.fail(rec, fmt.Errorf("render schema statements: %w", err))
	}

	// Pre-cutover check: production must be reachable before any schema
	// statement is applied.
	if _, err := o.client.Health(ctx, o.cfg.ProductionAddr); err != nil {
		return o.fail(rec, fmt.Errorf("pre-cutover health check: %w", err))
	}

	// Stage the statements on a short-lived shadow instance first. A schema
	// the graph engine rejects fails the deployment here, with production
	// untouched and nothing to roll back.
	if err := o.shadowApply(ctx, rec.deployment.ID, statements); err != nil {
		return o.fail(rec, err)
	}

	if err := o.client.ApplySchema(ctx, o.cfg.ProductionAddr, statements); err != nil {
		return o.fail(rec, fmt.Errorf("apply schema: %w", err))
	}

	o.mu.Lock()
	rec.statements = statements
	rec.deployment.Status = models.DeployInProgress
	snap := rec.snapshot()
	o.mu.Unlock()

	log.Printf("[deploy] cutover complete for proposal %s, deployment %s, monitoring for %s",
		proposal.ID, snap.ID, o.cfg.SettleWindow)

	o.wg.Add(1)
	go o.monitor(rec)

	return snap, nil
}

const (
	shadowReadyTimeout = 30 * time.Second
	shadowReadyPoll    = time.Second
)

// shadowApply dry-runs the statements on a fresh throwaway instance. The
// instance is torn down even when the parent context already expired.
func (o *Orchestrator) shadowApply(ctx context.Context, deploymentID uuid.UUID, statements []string) error {
	name := fmt.Sprintf("shadow-%s", deploymentID)
	inst, err := o.client.Provision(ctx, name)
	if err != nil {
		return fmt.Errorf("provision shadow instance: %w", err)
	}
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := o.client.Teardown(teardownCtx, name); err != nil {
			log.Printf("[deploy] teardown shadow instance %s: %v", name, err)
		}
	}()

	readyCtx, cancel := context.WithTimeout(ctx, shadowReadyTimeout)
	defer cancel()
	for o.client.Ready(readyCtx, inst.Address) != nil {
		select {
		case <-readyCtx.Done():
			return fmt.Errorf("shadow instance %s never became ready: %w", name, readyCtx.Err())
		case <-time.After(shadowReadyPoll):
		}
	}

	if err := o.client.ApplySchema(ctx, inst.Address, statements); err != nil {
		return fmt.Errorf("shadow apply: %w", err)
	}
	return nil
}

func (o *Orchestrator) fail(rec *record, err error) (models.Deployment, error) {
	o.mu.Lock()
	now := time.Now().UTC()
	rec.deployment.Status = models.DeployFailed
	rec.deployment.CompletedAt = &now
	snap := rec.snapshot()
	o.mu.Unlock()
	log.Printf("[deploy] deployment %s failed before cutover: %v", snap.ID, err)
	o.finish(snap)
	return snap, err
}

// monitor samples production health every HealthInterval until the settle
// window elapses. One breached sample triggers rollback; continuous sampling
// failure past the grace window is recorded as a fully-failed sample and
// treated the same way.
func (o *Orchestrator) monitor(rec *record) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(o.root, o.cfg.SettleWindow+o.cfg.GraceWindow)
	defer cancel()

	deadline := time.Now().Add(o.cfg.SettleWindow)
	lastGood := time.Now()
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.settle(rec)
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			o.settle(rec)
			return
		}

		sample, err := o.client.Health(ctx, o.cfg.ProductionAddr)
		if err != nil {
			if time.Since(lastGood) > o.cfg.GraceWindow {
				sample = models.HealthSample{ErrorRate: 1.0, Ts: time.Now().UTC()}
				o.appendSample(rec, sample)
				o.rollback(ctx, rec, fmt.Sprintf("production health unreachable for %s: %v", o.cfg.GraceWindow, err))
				return
			}
			log.Printf("[deploy] health sample for deployment %s failed: %v", rec.deployment.ID, err)
			continue
		}
		lastGood = time.Now()
		o.appendSample(rec, sample)

		if sample.ErrorRate > o.cfg.ErrorRateThreshold {
			o.rollback(ctx, rec, fmt.Sprintf("error rate %.4f exceeded threshold %.4f", sample.ErrorRate, o.cfg.ErrorRateThreshold))
			return
		}
	}
}

func (o *Orchestrator) appendSample(rec *record, sample models.HealthSample) {
	o.mu.Lock()
	rec.deployment.Samples = append(rec.deployment.Samples, sample)
	o.mu.Unlock()
}

func (o *Orchestrator) rollback(ctx context.Context, rec *record, reason string) {
	o.mu.Lock()
	statements := rec.statements
	o.mu.Unlock()

	if err := o.client.RevertSchema(ctx, o.cfg.ProductionAddr, statements); err != nil {
		log.Printf("[deploy] revert schema for deployment %s failed: %v", rec.deployment.ID, err)
		reason = fmt.Sprintf("%s (revert also failed: %v)", reason, err)
	}

	o.mu.Lock()
	now := time.Now().UTC()
	rec.deployment.Status = models.DeployRolledBack
	rec.deployment.RollbackReason = reason
	rec.deployment.CompletedAt = &now
	snap := rec.snapshot()
	o.mu.Unlock()

	log.Printf("[deploy] deployment %s rolled back: %s", snap.ID, reason)
	o.finish(snap)
}

func (o *Orchestrator) settle(rec *record) {
	o.mu.Lock()
	if rec.deployment.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.deployment.Status = models.DeployCompleted
	rec.deployment.CompletedAt = &now
	snap := rec.snapshot()
	o.mu.Unlock()

	log.Printf("[deploy] deployment %s settled clean after %d samples", snap.ID, len(snap.Samples))
	o.finish(snap)
}

func (o *Orchestrator) finish(snap models.Deployment) {
	if o.onFinish != nil {
		o.onFinish(snap)
	}
}

// Get returns a snapshot of one deployment.
func (o *Orchestrator) Get(id uuid.UUID) (models.Deployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.deployments[id]
	if !ok {
		return models.Deployment{}, fmt.Errorf("%w: %s", ErrUnknownDeployment, id)
	}
	return rec.snapshot(), nil
}

// ByProposal returns the deployment for a proposal, if one exists.
func (o *Orchestrator) ByProposal(proposalID uuid.UUID) (models.Deployment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.byProposal[proposalID]
	if !ok {
		return models.Deployment{}, false
	}
	return o.deployments[id].snapshot(), true
}

// Close stops all monitoring goroutines and waits for them to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// snapshot copies the deployment so callers never share the samples slice
// with the monitor goroutine. Callers must hold o.mu.
func (r *record) snapshot() models.Deployment {
	dep := r.deployment
	dep.Samples = append([]models.HealthSample(nil), r.deployment.Samples...)
	return dep
}
