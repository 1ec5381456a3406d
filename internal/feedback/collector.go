package feedback

import (
	"fmt"
	"math"
	"time"

	"github.com/ontopilot/ontopilot/internal/models"
)

const (
	// nearZeroPercent is the band around zero within which a predicted or
	// observed improvement counts as "no change".
	nearZeroPercent = 5.0

	// agreementRatio is the smaller/larger ratio above which two same-sign
	// improvements count as matching.
	agreementRatio = 0.5

	errorSpikeRate    = 0.05
	quietErrorRate    = 0.01
	healthyThroughput = 1500.0
)

// Collector compares a settled deployment's observed behavior against the
// proposal's predicted improvement and derives a prediction accuracy score
// for the learning loop.
type Collector struct{}

func NewCollector() *Collector {
	return &Collector{}
}

// Collect builds the write-once feedback record for a deployment. Only
// completed and rolled-back deployments carry enough signal to score; any
// other status is an error.
func (c *Collector) Collect(deployment models.Deployment, proposal models.ChangeProposal) (models.FeedbackRecord, error) {
	var outcome models.Outcome
	switch deployment.Status {
	case models.DeployCompleted:
		outcome = models.OutcomeSuccess
	case models.DeployRolledBack:
		outcome = models.OutcomeRolledBack
	default:
		return models.FeedbackRecord{}, fmt.Errorf("cannot collect feedback for deployment %s in status %s", deployment.ID, deployment.Status)
	}

	observed := observedImprovement(deployment.Samples)
	record := models.FeedbackRecord{
		ProposalID:           proposal.ID,
		DeploymentID:         deployment.ID,
		Outcome:              outcome,
		PredictedImprovement: proposal.PredictedImprovement,
		ObservedImprovement:  observed,
		PredictionAccuracy:   accuracy(proposal.PredictedImprovement, observed),
		MissedIssues:         missedIssues(deployment),
		UnexpectedBenefits:   unexpectedBenefits(deployment.Samples),
		CollectedAt:          time.Now().UTC(),
	}
	return record, nil
}

// observedImprovement is the percent drop in p99 latency between the first
// and last health samples. Positive means production got faster.
func observedImprovement(samples []models.HealthSample) float64 {
	if len(samples) < 2 {
		return 0
	}
	first := samples[0].P99LatencyMillis
	last := samples[len(samples)-1].P99LatencyMillis
	if first <= 0 {
		return 0
	}
	return (first - last) / first * 100
}

// accuracy scores how well the prediction matched observation:
// 1.0 when both improved and the smaller is at least half the larger,
// 1.0 when both are near zero, 0.0 when the signs disagree, 0.5 otherwise.
func accuracy(predicted, observed float64) float64 {
	nearZero := func(v float64) bool { return math.Abs(v) <= nearZeroPercent }

	if nearZero(predicted) && nearZero(observed) {
		return 1.0
	}
	if predicted >= 0 && observed >= 0 {
		larger := math.Max(predicted, observed)
		smaller := math.Min(predicted, observed)
		if larger == 0 || smaller/larger >= agreementRatio {
			return 1.0
		}
		return 0.5
	}
	if (predicted > 0 && observed < 0) || (predicted < 0 && observed > 0) {
		return 0.0
	}
	return 0.5
}

func missedIssues(deployment models.Deployment) []string {
	var issues []string
	if deployment.Status == models.DeployRolledBack {
		issues = append(issues, fmt.Sprintf("deployment rolled back: %s", deployment.RollbackReason))
	}
	for _, s := range deployment.Samples {
		if s.ErrorRate > errorSpikeRate {
			issues = append(issues, fmt.Sprintf("error rate %.4f at %s not predicted by simulation", s.ErrorRate, s.Ts.Format(time.RFC3339)))
		}
	}
	return issues
}

func unexpectedBenefits(samples []models.HealthSample) []string {
	var benefits []string
	for _, s := range samples {
		if s.ErrorRate < quietErrorRate && s.Throughput > healthyThroughput {
			benefits = append(benefits, fmt.Sprintf("throughput %.0f with error rate %.4f at %s", s.Throughput, s.ErrorRate, s.Ts.Format(time.RFC3339)))
		}
	}
	return benefits
}
