package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ontopilot/ontopilot/internal/models"
)

var (
	// ErrUnknownWorkflow is returned when no workflow exists for the proposal.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrInvalidTransition is returned when a phase change would regress the
	// state machine.
	ErrInvalidTransition = errors.New("invalid workflow transition")
)

const (
	RoleArchitect    = "architect"
	RoleDomainExpert = "domain-expert"
	RoleExecutive    = "executive"
)

// ApprovalRequest is the notification payload emitted when a workflow enters
// review with at least one required approver.
type ApprovalRequest struct {
	ProposalID uuid.UUID `json:"proposalId"`
	Title      string    `json:"title"`
	RiskTier   string    `json:"riskTier"`
	RiskScore  float64   `json:"riskScore"`
	Reviewers  []string  `json:"reviewers"`
	Urgent     bool      `json:"urgent"`
}

// Notifier delivers approval requests to reviewers. Delivery failure is
// never fatal to the workflow.
type Notifier interface {
	ApprovalRequested(ctx context.Context, req ApprovalRequest) error
}

type EngineConfig struct {
	ScheduleDelay time.Duration
}

// Engine runs one approval state machine per proposal. Each workflow is
// guarded by its own mutex so no two SubmitApproval calls for the same
// proposal interleave; the engine map itself is under a separate RWMutex.
type Engine struct {
	notifier Notifier
	cfg      EngineConfig

	mu        sync.RWMutex
	workflows map[uuid.UUID]*entry
}

type entry struct {
	mu    sync.Mutex
	state models.WorkflowState
}

func NewEngine(notifier Notifier, cfg EngineConfig) *Engine {
	if cfg.ScheduleDelay <= 0 {
		cfg.ScheduleDelay = time.Hour
	}
	return &Engine{
		notifier:  notifier,
		cfg:       cfg,
		workflows: make(map[uuid.UUID]*entry),
	}
}

// requiredApprovals maps a risk tier to the number of approve decisions
// needed before the workflow can move to approved.
func requiredApprovals(tier models.RiskTier) int {
	switch tier {
	case models.RiskSafe:
		return 0
	case models.RiskLow:
		return 1
	case models.RiskMedium:
		return 2
	case models.RiskHigh:
		return 3
	case models.RiskCritical:
		return 4
	default:
		return 2
	}
}

func requiredRoles(tier models.RiskTier) []string {
	switch tier {
	case models.RiskHigh:
		return []string{RoleArchitect}
	case models.RiskCritical:
		return []string{RoleArchitect, RoleDomainExpert, RoleExecutive}
	default:
		return nil
	}
}

func reviewersFor(tier models.RiskTier) []string {
	switch tier {
	case models.RiskLow:
		return []string{"ontology-admin"}
	case models.RiskMedium:
		return []string{"ontology-admin", "lead-engineer"}
	case models.RiskHigh:
		return []string{"ontology-admin", "lead-engineer", RoleArchitect}
	case models.RiskCritical:
		return []string{"ontology-admin", RoleArchitect, RoleDomainExpert, RoleExecutive}
	default:
		return nil
	}
}

// Start creates the workflow for a proposal from its impact report. Safe-tier
// proposals are auto-approved immediately with a system-authored approval
// record; everything else enters review and notifies the reviewer set.
// A workflow that already left review is never rebuilt: re-simulating a
// decided proposal returns the existing state untouched, so approvals are
// never erased and a rejection stays absorbing.
func (e *Engine) Start(ctx context.Context, proposal models.ChangeProposal, report models.ImpactReport) (models.WorkflowState, error) {
	if existing, err := e.Get(proposal.ID); err == nil && existing.Phase != models.PhaseReview {
		log.Printf("[workflow] %s already %s, keeping existing workflow", proposal.ID, existing.Phase)
		return existing, nil
	}

	now := time.Now().UTC()
	state := models.WorkflowState{
		ProposalID:        proposal.ID,
		Phase:             models.PhaseReview,
		RequiredApprovals: requiredApprovals(report.RiskTier),
		RequiredRoles:     requiredRoles(report.RiskTier),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if report.RiskTier == models.RiskSafe && report.Verdict == models.VerdictApprove {
		state.Approvals = append(state.Approvals, models.Approval{
			ApproverID:   "system",
			ApproverRole: "auto-approval",
			Decision:     models.DecisionApprove,
			Comment:      "auto-approved: safe tier, no breaking changes",
			DecidedAt:    now,
		})
		state.Phase = models.PhaseApproved
		sched := now.Add(e.cfg.ScheduleDelay)
		state.ScheduledAt = &sched
	}

	e.mu.Lock()
	if existing, ok := e.workflows[proposal.ID]; ok {
		existing.mu.Lock()
		decided := existing.state.Phase != models.PhaseReview
		current := existing.state
		existing.mu.Unlock()
		if decided {
			e.mu.Unlock()
			return current, nil
		}
	}
	e.workflows[proposal.ID] = &entry{state: state}
	e.mu.Unlock()

	if state.Phase == models.PhaseReview && state.RequiredApprovals > 0 {
		req := ApprovalRequest{
			ProposalID: proposal.ID,
			Title:      proposal.Title,
			RiskTier:   string(report.RiskTier),
			RiskScore:  report.RiskScore,
			Reviewers:  reviewersFor(report.RiskTier),
			Urgent:     report.RiskTier == models.RiskHigh || report.RiskTier == models.RiskCritical,
		}
		if e.notifier != nil {
			if err := e.notifier.ApprovalRequested(ctx, req); err != nil {
				log.Printf("[workflow] approval notification for %s failed: %v", proposal.ID, err)
			}
		}
	}

	log.Printf("[workflow] started %s: phase=%s required=%d", proposal.ID, state.Phase, state.RequiredApprovals)
	return state, nil
}

// SubmitApproval records one reviewer decision. Re-submission by the same
// approver is idempotent; a single reject is absorbing and moves the workflow
// to rejected no matter how many approvals are pending.
func (e *Engine) SubmitApproval(ctx context.Context, proposalID uuid.UUID, approval models.Approval) (models.WorkflowState, error) {
	ent, err := e.entryFor(proposalID)
	if err != nil {
		return models.WorkflowState{}, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	state := &ent.state

	switch state.Phase {
	case models.PhaseReview:
	case models.PhaseRejected:
		// Reject is absorbing: further decisions change nothing.
		return *state, nil
	default:
		return *state, fmt.Errorf("%w: workflow for %s is %s, not in review", ErrInvalidTransition, proposalID, state.Phase)
	}

	for _, existing := range state.Approvals {
		if existing.ApproverID == approval.ApproverID {
			return *state, nil
		}
	}

	if approval.DecidedAt.IsZero() {
		approval.DecidedAt = time.Now().UTC()
	}
	state.Approvals = append(state.Approvals, approval)
	state.UpdatedAt = time.Now().UTC()

	if approval.Decision == models.DecisionReject {
		state.Phase = models.PhaseRejected
		log.Printf("[workflow] %s rejected by %s", proposalID, approval.ApproverID)
		return *state, nil
	}

	if state.ApproveCount() >= state.RequiredApprovals && e.rolesSatisfied(state) {
		state.Phase = models.PhaseApproved
		sched := time.Now().UTC().Add(e.cfg.ScheduleDelay)
		state.ScheduledAt = &sched
		log.Printf("[workflow] %s approved (%d approvals)", proposalID, state.ApproveCount())
	}
	return *state, nil
}

func (e *Engine) rolesSatisfied(state *models.WorkflowState) bool {
	for _, role := range state.RequiredRoles {
		found := false
		for _, a := range state.Approvals {
			if a.Decision == models.DecisionApprove && a.ApproverRole == role {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// phaseRank orders the forward phases. failed is reachable from any
// non-terminal phase; everything else must advance strictly.
var phaseRank = map[models.WorkflowPhase]int{
	models.PhaseReview:     0,
	models.PhaseApproved:   1,
	models.PhaseScheduled:  2,
	models.PhaseExecuting:  3,
	models.PhaseMonitoring: 4,
	models.PhaseCompleted:  5,
}

// Advance moves the workflow forward to the given phase. Regressions are
// rejected; failed is always reachable unless the workflow already finished.
func (e *Engine) Advance(proposalID uuid.UUID, phase models.WorkflowPhase) (models.WorkflowState, error) {
	ent, err := e.entryFor(proposalID)
	if err != nil {
		return models.WorkflowState{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	state := &ent.state

	if state.Phase == models.PhaseRejected || state.Phase == models.PhaseFailed || state.Phase == models.PhaseCompleted {
		return *state, fmt.Errorf("%w: workflow for %s already %s", ErrInvalidTransition, proposalID, state.Phase)
	}
	if phase == models.PhaseFailed {
		state.Phase = models.PhaseFailed
		state.UpdatedAt = time.Now().UTC()
		return *state, nil
	}
	to, ok := phaseRank[phase]
	if !ok {
		return *state, fmt.Errorf("%w: cannot advance to %s", ErrInvalidTransition, phase)
	}
	from := phaseRank[state.Phase]
	if to <= from {
		return *state, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state.Phase, phase)
	}
	state.Phase = phase
	state.UpdatedAt = time.Now().UTC()
	return *state, nil
}

// Get returns a snapshot of the workflow state.
func (e *Engine) Get(proposalID uuid.UUID) (models.WorkflowState, error) {
	ent, err := e.entryFor(proposalID)
	if err != nil {
		return models.WorkflowState{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.state, nil
}

// ListPending returns snapshots of every workflow still in review.
func (e *Engine) ListPending() []models.WorkflowState {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.workflows))
	for _, ent := range e.workflows {
		entries = append(entries, ent)
	}
	e.mu.RUnlock()

	var pending []models.WorkflowState
	for _, ent := range entries {
		ent.mu.Lock()
		if ent.state.Phase == models.PhaseReview {
			pending = append(pending, ent.state)
		}
		ent.mu.Unlock()
	}
	return pending
}

func (e *Engine) entryFor(proposalID uuid.UUID) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.workflows[proposalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, proposalID)
	}
	return ent, nil
}
