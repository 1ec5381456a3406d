// Package pipeline coordinates the end-to-end lifecycle of a change
// proposal: simulation in a sandbox, impact analysis, the approval workflow,
// production deployment and the feedback loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ontopilot/ontopilot/internal/audit"
	"github.com/ontopilot/ontopilot/internal/deploy"
	"github.com/ontopilot/ontopilot/internal/feedback"
	"github.com/ontopilot/ontopilot/internal/impact"
	"github.com/ontopilot/ontopilot/internal/models"
	"github.com/ontopilot/ontopilot/internal/ontology"
	"github.com/ontopilot/ontopilot/internal/replay"
	"github.com/ontopilot/ontopilot/internal/sandbox"
	"github.com/ontopilot/ontopilot/internal/store"
	"github.com/ontopilot/ontopilot/internal/workflow"
)

var (
	// ErrUnknownProposal is returned when the proposal id has no record.
	ErrUnknownProposal = errors.New("unknown proposal")

	// ErrNotApproved is returned when Execute is called before the workflow
	// reached the approved phase.
	ErrNotApproved = errors.New("proposal not approved")

	// ErrSimulationInFlight is returned when a simulation for the same
	// proposal is already running.
	ErrSimulationInFlight = errors.New("simulation already in flight")
)

type Config struct {
	SimulationTimeout time.Duration
	SampleSize        int
	ReplayWindow      time.Duration
	ReplayMaxOps      int
}

// Coordinator owns the lifecycle linking one proposal to its impact report,
// workflow state, deployment and feedback record. One proposal's failure
// never touches another proposal's state.
type Coordinator struct {
	store     store.Store
	sandboxes *sandbox.Manager
	replayer  *replay.Engine
	analyzer  *impact.Analyzer
	workflows *workflow.Engine
	deployer  *deploy.Orchestrator
	collector *feedback.Collector
	recorder  *audit.Recorder
	document  *ontology.DocumentFile
	cfg       Config

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func NewCoordinator(
	st store.Store,
	sandboxes *sandbox.Manager,
	replayer *replay.Engine,
	analyzer *impact.Analyzer,
	workflows *workflow.Engine,
	deployer *deploy.Orchestrator,
	collector *feedback.Collector,
	recorder *audit.Recorder,
	cfg Config,
) *Coordinator {
	if cfg.SimulationTimeout <= 0 {
		cfg.SimulationTimeout = 10 * time.Minute
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 1000
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 30 * 24 * time.Hour
	}
	if cfg.ReplayMaxOps <= 0 {
		cfg.ReplayMaxOps = 1000
	}
	c := &Coordinator{
		store:     st,
		sandboxes: sandboxes,
		replayer:  replayer,
		analyzer:  analyzer,
		workflows: workflows,
		deployer:  deployer,
		collector: collector,
		recorder:  recorder,
		cfg:       cfg,
		inflight:  map[uuid.UUID]struct{}{},
	}
	deployer.OnFinish(c.finishDeployment)
	return c
}

// TrackDocument registers the ontology document file to keep in sync with
// production. Every completed deployment folds its proposal into the file.
func (c *Coordinator) TrackDocument(doc *ontology.DocumentFile) {
	c.document = doc
}

// CreateProposal registers an inbound proposal from the recommendation
// source.
func (c *Coordinator) CreateProposal(ctx context.Context, proposal models.ChangeProposal) (models.ChangeProposal, error) {
	if proposal.Spec == nil {
		return models.ChangeProposal{}, fmt.Errorf("proposal spec required")
	}
	if proposal.Kind != proposal.Spec.Kind() {
		return models.ChangeProposal{}, fmt.Errorf("proposal kind %q does not match spec kind %q", proposal.Kind, proposal.Spec.Kind())
	}
	created, err := c.store.CreateProposal(ctx, proposal)
	if err != nil {
		return models.ChangeProposal{}, err
	}
	c.record(audit.EventProposalCreated, created)
	return created, nil
}

// Simulate runs the full sandbox simulation for a proposal and starts its
// approval workflow from the resulting impact report. The sandbox is
// destroyed on every exit path; a provisioning or apply failure produces a
// conservative needs-review report instead of an error.
func (c *Coordinator) Simulate(ctx context.Context, proposalID uuid.UUID) (models.ImpactReport, error) {
	proposal, err := c.store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ImpactReport{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
		}
		return models.ImpactReport{}, err
	}

	c.mu.Lock()
	if _, running := c.inflight[proposalID]; running {
		c.mu.Unlock()
		return models.ImpactReport{}, fmt.Errorf("%w: %s", ErrSimulationInFlight, proposalID)
	}
	c.inflight[proposalID] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, proposalID)
		c.mu.Unlock()
	}()

	c.record(audit.EventSimulationStarted, map[string]interface{}{"proposalId": proposalID})

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SimulationTimeout)
	defer cancel()

	report := c.simulate(ctx, proposal)
	return c.finishSimulation(ctx, proposal, report)
}

func (c *Coordinator) simulate(ctx context.Context, proposal models.ChangeProposal) models.ImpactReport {
	handle, err := c.sandboxes.Create(ctx, proposal.ID, proposal.TenantID)
	if err != nil {
		return c.analyzer.Incomplete(proposal, fmt.Sprintf("sandbox provisioning failed: %v", err))
	}
	defer func() {
		// The sandbox dies even when the simulation context already expired.
		destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := c.sandboxes.Destroy(destroyCtx, handle); err != nil {
			log.Printf("[pipeline] destroy sandbox %s: %v", handle.ID, err)
		}
	}()

	if err := c.sandboxes.CopyData(ctx, handle, c.cfg.SampleSize); err != nil {
		return c.analyzer.Incomplete(proposal, fmt.Sprintf("data copy failed: %v", err))
	}
	if err := c.sandboxes.ApplyChange(ctx, handle, proposal); err != nil {
		return c.analyzer.Incomplete(proposal, fmt.Sprintf("change application failed: %v", err))
	}

	ops, err := c.replayer.LoadSample(ctx, proposal.TenantID, c.cfg.ReplayWindow, c.cfg.ReplayMaxOps)
	if err != nil {
		return c.analyzer.Incomplete(proposal, fmt.Sprintf("sample load failed: %v", err))
	}

	c.sandboxes.MarkReplaying(handle)
	summary, err := c.replayer.Replay(ctx, handle, ops)
	if err != nil {
		return c.analyzer.Incomplete(proposal, fmt.Sprintf("replay failed: %v", err))
	}

	breaking := c.replayer.DetectBreakingChanges(summary)
	return c.analyzer.Analyze(proposal, summary, breaking)
}

func (c *Coordinator) finishSimulation(ctx context.Context, proposal models.ChangeProposal, report models.ImpactReport) (models.ImpactReport, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := c.store.SaveImpactReport(persistCtx, report); err != nil {
		log.Printf("[pipeline] save impact report for %s: %v", proposal.ID, err)
	}
	c.record(audit.EventReportProduced, report)

	state, err := c.workflows.Start(persistCtx, proposal, report)
	if err != nil {
		return report, fmt.Errorf("start workflow: %w", err)
	}
	c.snapshotWorkflow(state)

	c.record(audit.EventSimulationFinished, map[string]interface{}{
		"proposalId": proposal.ID,
		"riskScore":  report.RiskScore,
		"riskTier":   report.RiskTier,
		"verdict":    report.Verdict,
	})
	return report, nil
}

// Approve records one reviewer decision on a proposal's workflow.
func (c *Coordinator) Approve(ctx context.Context, proposalID uuid.UUID, approval models.Approval) (models.WorkflowState, error) {
	state, err := c.workflows.SubmitApproval(ctx, proposalID, approval)
	if err != nil {
		return state, err
	}
	c.snapshotWorkflow(state)
	c.record(audit.EventApprovalSubmitted, map[string]interface{}{
		"proposalId": proposalID,
		"approver":   approval.ApproverID,
		"decision":   approval.Decision,
		"phase":      state.Phase,
	})
	return state, nil
}

// Execute deploys an approved proposal to production. Repeat calls return
// the in-flight or terminal deployment instead of cutting over twice.
func (c *Coordinator) Execute(ctx context.Context, proposalID uuid.UUID) (models.Deployment, error) {
	state, err := c.workflows.Get(proposalID)
	if err != nil {
		return models.Deployment{}, err
	}

	if dep, ok := c.deployer.ByProposal(proposalID); ok {
		return dep, nil
	}

	switch state.Phase {
	case models.PhaseApproved, models.PhaseScheduled:
	default:
		return models.Deployment{}, fmt.Errorf("%w: workflow for %s is %s", ErrNotApproved, proposalID, state.Phase)
	}

	proposal, err := c.store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Deployment{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
		}
		return models.Deployment{}, err
	}

	if state, err = c.workflows.Advance(proposalID, models.PhaseExecuting); err != nil {
		return models.Deployment{}, err
	}
	c.snapshotWorkflow(state)

	dep, err := c.deployer.Execute(ctx, proposal)
	c.record(audit.EventDeploymentStarted, map[string]interface{}{
		"proposalId":   proposalID,
		"deploymentId": dep.ID,
		"status":       dep.Status,
	})
	if err != nil {
		// Pre-cutover failure; the completion hook already ran and marked
		// the workflow failed.
		return dep, err
	}

	if state, err = c.workflows.Advance(proposalID, models.PhaseMonitoring); err != nil {
		log.Printf("[pipeline] advance workflow for %s to monitoring: %v", proposalID, err)
	} else {
		c.snapshotWorkflow(state)
	}
	return dep, nil
}

// finishDeployment runs on the orchestrator's monitor goroutine once a
// deployment reaches a terminal status.
func (c *Coordinator) finishDeployment(dep models.Deployment) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.store.SaveDeployment(ctx, dep); err != nil {
		log.Printf("[pipeline] save deployment %s: %v", dep.ID, err)
	}
	c.record(audit.EventDeploymentFinished, dep)

	targetPhase := models.PhaseCompleted
	if dep.Status != models.DeployCompleted {
		targetPhase = models.PhaseFailed
	}
	if state, err := c.workflows.Advance(dep.ProposalID, targetPhase); err != nil {
		log.Printf("[pipeline] advance workflow for %s to %s: %v", dep.ProposalID, targetPhase, err)
	} else {
		c.snapshotWorkflow(state)
	}

	if dep.Status != models.DeployCompleted && dep.Status != models.DeployRolledBack {
		return
	}
	proposal, err := c.store.GetProposal(ctx, dep.ProposalID)
	if err != nil {
		log.Printf("[pipeline] load proposal %s for feedback: %v", dep.ProposalID, err)
		return
	}

	if dep.Status == models.DeployCompleted && c.document != nil {
		if err := c.document.ApplyProposal(proposal); err != nil {
			log.Printf("[pipeline] update ontology document after %s: %v", dep.ID, err)
		}
	}

	record, err := c.collector.Collect(dep, proposal)
	if err != nil {
		log.Printf("[pipeline] collect feedback for %s: %v", dep.ProposalID, err)
		return
	}
	if err := c.store.SaveFeedback(ctx, record); err != nil {
		log.Printf("[pipeline] save feedback for %s: %v", dep.ProposalID, err)
	}
	c.record(audit.EventFeedbackCollected, record)
}

// StatusView assembles everything known about one proposal.
type StatusView struct {
	Proposal   models.ChangeProposal  `json:"proposal"`
	Report     *models.ImpactReport   `json:"report,omitempty"`
	Workflow   *models.WorkflowState  `json:"workflow,omitempty"`
	Deployment *models.Deployment     `json:"deployment,omitempty"`
	Feedback   *models.FeedbackRecord `json:"feedback,omitempty"`
}

// Status returns the assembled lifecycle view for a proposal.
func (c *Coordinator) Status(ctx context.Context, proposalID uuid.UUID) (StatusView, error) {
	proposal, err := c.store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StatusView{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
		}
		return StatusView{}, err
	}
	view := StatusView{Proposal: proposal}

	if report, err := c.store.GetImpactReport(ctx, proposalID); err == nil {
		view.Report = &report
	}
	if state, err := c.workflows.Get(proposalID); err == nil {
		view.Workflow = &state
	} else if snap, serr := c.store.GetWorkflowState(ctx, proposalID); serr == nil {
		view.Workflow = &snap
	}
	if dep, ok := c.deployer.ByProposal(proposalID); ok {
		view.Deployment = &dep
	} else if dep, err := c.store.GetDeploymentByProposal(ctx, proposalID); err == nil {
		view.Deployment = &dep
	}
	if record, err := c.store.GetFeedback(ctx, proposalID); err == nil {
		view.Feedback = &record
	}
	return view, nil
}

func (c *Coordinator) snapshotWorkflow(state models.WorkflowState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SaveWorkflowState(ctx, state); err != nil {
		log.Printf("[pipeline] save workflow state for %s: %v", state.ProposalID, err)
	}
}

func (c *Coordinator) record(eventType string, payload interface{}) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(eventType, payload)
}
