package impact

import (
	"fmt"
	"time"

	"github.com/ontopilot/ontopilot/internal/models"
)

// ScorePolicy holds the risk-scoring constants. The defaults are the tuned
// production values; an external calibrator may supply a different policy,
// which keeps Analyze pure while leaving the constants pluggable.
type ScorePolicy struct {
	CriticalBreakPoints    float64
	NonCriticalBreakPoints float64
	DegradationDivisor     float64
	DegradedRatioWeight    float64
	MigrationPoints        float64
	BreakingNotePoints     float64
	WideImpactPoints       float64
	WideImpactEntityCount  int

	TierLowAt      float64
	TierMediumAt   float64
	TierHighAt     float64
	TierCriticalAt float64

	// RejectMeanSlowerPercent rejects outright when the mean duration change
	// is worse than this many percent slower.
	RejectMeanSlowerPercent float64
}

// DefaultPolicy returns the standard scoring constants.
func DefaultPolicy() ScorePolicy {
	return ScorePolicy{
		CriticalBreakPoints:     25,
		NonCriticalBreakPoints:  10,
		DegradationDivisor:      10,
		DegradedRatioWeight:     20,
		MigrationPoints:         15,
		BreakingNotePoints:      5,
		WideImpactPoints:        10,
		WideImpactEntityCount:   3,
		TierLowAt:               20,
		TierMediumAt:            40,
		TierHighAt:              60,
		TierCriticalAt:          80,
		RejectMeanSlowerPercent: 50,
	}
}

// Analyzer turns replay results and proposal metadata into a bounded risk
// score, a tier, and a provisional verdict. Analyze is deterministic given
// its inputs; it keeps no state.
type Analyzer struct {
	policy ScorePolicy
}

func NewAnalyzer(policy ScorePolicy) *Analyzer {
	return &Analyzer{policy: policy}
}

// Analyze builds the impact report for one (proposal, simulation run) pair.
func (a *Analyzer) Analyze(proposal models.ChangeProposal, summary models.ReplaySummary, breaking []models.BreakingChange) models.ImpactReport {
	compat := models.CompatibilityResult{
		BreakingChanges:   len(breaking),
		FailingOperations: summary.FailedOperationIDs(),
		AffectedEntities:  proposal.AffectedEntities(),
	}

	score := a.score(proposal, compat, summary, breaking)
	tier := a.tier(score)

	return models.ImpactReport{
		ProposalID:    proposal.ID,
		SimulatedAt:   time.Now().UTC(),
		Compatibility: compat,
		Performance:   summary,
		Migration:     proposal.Migration,
		RiskScore:     score,
		RiskTier:      tier,
		Verdict:       a.verdict(score, summary),
	}
}

// Incomplete builds the conservative report used when simulation could not
// finish. It never approves: score defaults to medium and the verdict is
// needs_review with the failure noted.
func (a *Analyzer) Incomplete(proposal models.ChangeProposal, reason string) models.ImpactReport {
	return models.ImpactReport{
		ProposalID:  proposal.ID,
		SimulatedAt: time.Now().UTC(),
		Compatibility: models.CompatibilityResult{
			AffectedEntities: proposal.AffectedEntities(),
		},
		Migration: proposal.Migration,
		RiskScore: 50,
		RiskTier:  models.RiskMedium,
		Verdict:   models.VerdictNeedsReview,
		Notes:     []string{fmt.Sprintf("simulation incomplete: %s", reason)},
	}
}

func (a *Analyzer) score(proposal models.ChangeProposal, compat models.CompatibilityResult, summary models.ReplaySummary, breaking []models.BreakingChange) float64 {
	p := a.policy
	score := 0.0

	critical := 0
	for _, bc := range breaking {
		if bc.Severity == models.BreakingCritical {
			critical++
		}
	}
	score += float64(critical) * p.CriticalBreakPoints
	score += float64(len(breaking)-critical) * p.NonCriticalBreakPoints

	if summary.MeanChangePercent > 0 {
		score += summary.MeanChangePercent / p.DegradationDivisor
	}
	if summary.Total > 0 {
		score += float64(summary.Degraded) / float64(summary.Total) * p.DegradedRatioWeight
	}
	if proposal.Migration.Required {
		score += p.MigrationPoints
	}
	score += float64(len(proposal.BreakingNotes)) * p.BreakingNotePoints
	if len(compat.AffectedEntities) > p.WideImpactEntityCount {
		score += p.WideImpactPoints
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (a *Analyzer) tier(score float64) models.RiskTier {
	p := a.policy
	switch {
	case score < p.TierLowAt:
		return models.RiskSafe
	case score < p.TierMediumAt:
		return models.RiskLow
	case score < p.TierHighAt:
		return models.RiskMedium
	case score < p.TierCriticalAt:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

// verdict applies the safety-biased decision policy. Correctness failures
// always dominate performance gains. MeanChangePercent is positive when the
// sandbox got slower.
func (a *Analyzer) verdict(score float64, summary models.ReplaySummary) models.Verdict {
	if summary.Failed > 0 {
		return models.VerdictReject
	}
	if summary.MeanChangePercent > a.policy.RejectMeanSlowerPercent {
		return models.VerdictReject
	}
	if score < a.policy.TierLowAt && summary.MeanChangePercent <= 0 {
		return models.VerdictApprove
	}
	return models.VerdictNeedsReview
}
