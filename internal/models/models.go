package models

import (
	"time"

	"github.com/google/uuid"
)

// SandboxState tracks the lifecycle of one isolated environment.
type SandboxState string

const (
	SandboxProvisioning   SandboxState = "provisioning"
	SandboxReady          SandboxState = "ready"
	SandboxApplyingChange SandboxState = "applying_change"
	SandboxReplaying      SandboxState = "replaying"
	SandboxTornDown       SandboxState = "torn_down"
	SandboxFailed         SandboxState = "failed"
)

// SandboxHandle represents one live isolated environment. The sandbox manager
// owns the handle; other components only hold a reference and must not outlive
// the manager's teardown.
type SandboxHandle struct {
	ID         string       `json:"id"`
	Address    string       `json:"address"`
	ProposalID uuid.UUID    `json:"proposalId"`
	TenantID   string       `json:"tenantId"`
	State      SandboxState `json:"state"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// RecordedOp is one captured historical operation eligible for replay.
// Operations sharing a PartitionKey must replay in recorded order.
type RecordedOp struct {
	ID             string    `json:"id"`
	PartitionKey   string    `json:"partitionKey"`
	Statement      string    `json:"statement"`
	Params         []byte    `json:"params,omitempty"`
	BaselineMillis float64   `json:"baselineMillis"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// ReplayResult captures the outcome of replaying a single operation.
type ReplayResult struct {
	OperationID    string  `json:"operationId"`
	BaselineMillis float64 `json:"baselineMillis"`
	SandboxMillis  float64 `json:"sandboxMillis"`
	ChangePercent  float64 `json:"changePercent"`
	Success        bool    `json:"success"`
	Error          string  `json:"error,omitempty"`
}

// ReplaySummary aggregates one simulation run. Produced once per run and
// consumed only by the impact analyzer.
type ReplaySummary struct {
	Total                 int            `json:"total"`
	Succeeded             int            `json:"succeeded"`
	Failed                int            `json:"failed"`
	Improved              int            `json:"improved"`
	Degraded              int            `json:"degraded"`
	MeanChangePercent     float64        `json:"meanChangePercent"`
	MaxImprovementPercent float64        `json:"maxImprovementPercent"`
	MaxDegradationPercent float64        `json:"maxDegradationPercent"`
	Outliers              []ReplayResult `json:"outliers,omitempty"`
	Results               []ReplayResult `json:"results,omitempty"`
}

// FailedOperationIDs returns the ids of operations that failed during replay.
func (s ReplaySummary) FailedOperationIDs() []string {
	var ids []string
	for _, r := range s.Results {
		if !r.Success {
			ids = append(ids, r.OperationID)
		}
	}
	return ids
}

// BreakingSeverity ranks a detected breaking change.
type BreakingSeverity string

const (
	BreakingCritical BreakingSeverity = "critical"
	BreakingHigh     BreakingSeverity = "high"
)

// BreakingChange is a replayed operation that failed or regressed severely.
type BreakingChange struct {
	Severity    BreakingSeverity `json:"severity"`
	OperationID string           `json:"operationId"`
	Description string           `json:"description"`
}

// RiskTier discretizes a risk score into an approval routing class.
type RiskTier string

const (
	RiskSafe     RiskTier = "safe"
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// Verdict is the analyzer's provisional decision for a proposal.
type Verdict string

const (
	VerdictApprove     Verdict = "approve"
	VerdictReject      Verdict = "reject"
	VerdictNeedsReview Verdict = "needs_review"
)

// CompatibilityResult summarizes correctness impact of a simulated change.
type CompatibilityResult struct {
	BreakingChanges   int      `json:"breakingChanges"`
	FailingOperations []string `json:"failingOperations,omitempty"`
	AffectedEntities  []string `json:"affectedEntities,omitempty"`
}

// ImpactReport is the immutable product of one (proposal, simulation run).
type ImpactReport struct {
	ProposalID    uuid.UUID           `json:"proposalId"`
	SimulatedAt   time.Time           `json:"simulatedAt"`
	Compatibility CompatibilityResult `json:"compatibility"`
	Performance   ReplaySummary       `json:"performance"`
	Migration     MigrationStrategy   `json:"migration"`
	RiskScore     float64             `json:"riskScore"`
	RiskTier      RiskTier            `json:"riskTier"`
	Verdict       Verdict             `json:"verdict"`
	Notes         []string            `json:"notes,omitempty"`
}

// Decision is an approver's call on a proposal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Approval is one reviewer's recorded decision.
type Approval struct {
	ApproverID   string    `json:"approverId"`
	ApproverRole string    `json:"approverRole"`
	Decision     Decision  `json:"decision"`
	Comment      string    `json:"comment,omitempty"`
	DecidedAt    time.Time `json:"decidedAt"`
}

// WorkflowPhase is the approval state machine's current phase. Phases are
// monotonic; no phase may regress except to failed.
type WorkflowPhase string

const (
	PhaseReview     WorkflowPhase = "review"
	PhaseApproved   WorkflowPhase = "approved"
	PhaseRejected   WorkflowPhase = "rejected"
	PhaseScheduled  WorkflowPhase = "scheduled"
	PhaseExecuting  WorkflowPhase = "executing"
	PhaseMonitoring WorkflowPhase = "monitoring"
	PhaseCompleted  WorkflowPhase = "completed"
	PhaseFailed     WorkflowPhase = "failed"
)

// WorkflowState tracks the approval process for one proposal.
type WorkflowState struct {
	ProposalID        uuid.UUID     `json:"proposalId"`
	Phase             WorkflowPhase `json:"phase"`
	Approvals         []Approval    `json:"approvals"`
	RequiredApprovals int           `json:"requiredApprovals"`
	RequiredRoles     []string      `json:"requiredRoles,omitempty"`
	ScheduledAt       *time.Time    `json:"scheduledAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// ApproveCount returns the number of distinct approve decisions recorded.
func (w WorkflowState) ApproveCount() int {
	n := 0
	for _, a := range w.Approvals {
		if a.Decision == DecisionApprove {
			n++
		}
	}
	return n
}

// DeploymentStatus is the lifecycle of one executed change.
type DeploymentStatus string

const (
	DeployPending    DeploymentStatus = "pending"
	DeployInProgress DeploymentStatus = "in_progress"
	DeployCompleted  DeploymentStatus = "completed"
	DeployRolledBack DeploymentStatus = "rolled_back"
	DeployFailed     DeploymentStatus = "failed"
)

// Terminal reports whether the status is final.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeployCompleted, DeployRolledBack, DeployFailed:
		return true
	}
	return false
}

// HealthSample is one post-cutover observation of production health.
type HealthSample struct {
	ErrorRate        float64   `json:"errorRate"`
	P99LatencyMillis float64   `json:"p99LatencyMillis"`
	Throughput       float64   `json:"throughput"`
	Ts               time.Time `json:"ts"`
}

// Deployment is one rollout of an approved proposal. Status can reach
// rolled_back only after at least one health sample breached a threshold.
type Deployment struct {
	ID             uuid.UUID        `json:"id"`
	ProposalID     uuid.UUID        `json:"proposalId"`
	Status         DeploymentStatus `json:"status"`
	StartedAt      time.Time        `json:"startedAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	Samples        []HealthSample   `json:"samples,omitempty"`
	RollbackReason string           `json:"rollbackReason,omitempty"`
}

// Outcome is the overall result of a settled deployment.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeReverted   Outcome = "reverted"
)

// FeedbackRecord compares predicted vs. observed impact for one settled
// deployment. Write-once; feeds the external learning collaborator.
type FeedbackRecord struct {
	ProposalID           uuid.UUID `json:"proposalId"`
	DeploymentID         uuid.UUID `json:"deploymentId"`
	Outcome              Outcome   `json:"outcome"`
	PredictedImprovement float64   `json:"predictedImprovement"`
	ObservedImprovement  float64   `json:"observedImprovement"`
	PredictionAccuracy   float64   `json:"predictionAccuracy"`
	MissedIssues         []string  `json:"missedIssues,omitempty"`
	UnexpectedBenefits   []string  `json:"unexpectedBenefits,omitempty"`
	CollectedAt          time.Time `json:"collectedAt"`
}
