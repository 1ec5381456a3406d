package impact_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ontopilot/ontopilot/internal/impact"
	"github.com/ontopilot/ontopilot/internal/models"
)

func sampleProposal() models.ChangeProposal {
	return models.ChangeProposal{
		ID:       uuid.New(),
		TenantID: "tenant-1",
		Kind:     models.ChangeIndex,
		Spec: models.IndexSpec{
			Entity:     "Order",
			Properties: []string{"createdAt"},
		},
		Title: "index on Order.createdAt",
	}
}

func TestTierBoundaries(t *testing.T) {
	analyzer := impact.NewAnalyzer(impact.DefaultPolicy())

	cases := []struct {
		name     string
		breaking []models.BreakingChange
		notes    []string
		migrate  bool
		mean     float64
		want     models.RiskTier
		score    float64
	}{
		{name: "zero is safe", want: models.RiskSafe, score: 0},
		{
			name:  "fifteen stays safe",
			notes: []string{"a", "b", "c"}, // 15 points
			want:  models.RiskSafe,
			score: 15,
		},
		{
			name:  "nineteen stays safe",
			mean:  190, // 19 points
			want:  models.RiskSafe,
			score: 19,
		},
		{
			name:  "twenty crosses into low",
			notes: []string{"a", "b", "c", "d"}, // 20 points
			want:  models.RiskLow,
			score: 20,
		},
		{
			name:    "thirty-nine stays low",
			notes:   []string{"a", "b"}, // 10 points
			migrate: true,               // +15 points
			mean:    140,                // +14 points
			want:    models.RiskLow,
			score:   39,
		},
		{
			name:    "forty crosses into medium",
			notes:   []string{"a", "b", "c", "d", "e"}, // 25 points
			migrate: true,                              // +15 points
			want:    models.RiskMedium,
			score:   40,
		},
		{
			name: "fifty-nine stays medium",
			breaking: []models.BreakingChange{
				{Severity: models.BreakingCritical, OperationID: "op-1"},
				{Severity: models.BreakingHigh, OperationID: "op-2"},
			}, // 35 points
			migrate: true, // +15 points
			mean:    90,   // +9 points
			want:    models.RiskMedium,
			score:   59,
		},
		{
			name: "sixty crosses into high",
			breaking: []models.BreakingChange{
				{Severity: models.BreakingCritical, OperationID: "op-1"},
				{Severity: models.BreakingCritical, OperationID: "op-2"},
			}, // 50 points
			notes: []string{"a", "b"}, // +10 points
			want:  models.RiskHigh,
			score: 60,
		},
		{
			name: "seventy-nine stays high",
			breaking: []models.BreakingChange{
				{Severity: models.BreakingCritical, OperationID: "op-1"},
				{Severity: models.BreakingCritical, OperationID: "op-2"},
			}, // 50 points
			notes: []string{"a", "b", "c", "d"}, // +20 points
			mean:  90,                           // +9 points
			want:  models.RiskHigh,
			score: 79,
		},
		{
			name: "eighty crosses into critical",
			breaking: []models.BreakingChange{
				{Severity: models.BreakingCritical, OperationID: "op-1"},
				{Severity: models.BreakingCritical, OperationID: "op-2"},
				{Severity: models.BreakingCritical, OperationID: "op-3"},
			}, // 75 points
			notes: []string{"a"}, // +5 points
			want:  models.RiskCritical,
			score: 80,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proposal := sampleProposal()
			proposal.BreakingNotes = tc.notes
			proposal.Migration.Required = tc.migrate

			report := analyzer.Analyze(proposal, models.ReplaySummary{Total: 10, Succeeded: 10, MeanChangePercent: tc.mean}, tc.breaking)
			if report.RiskScore != tc.score {
				t.Fatalf("score = %v, want %v", report.RiskScore, tc.score)
			}
			if report.RiskTier != tc.want {
				t.Fatalf("tier = %s, want %s", report.RiskTier, tc.want)
			}
		})
	}
}

func TestScoreCappedAtHundred(t *testing.T) {
	analyzer := impact.NewAnalyzer(impact.DefaultPolicy())
	var breaking []models.BreakingChange
	for i := 0; i < 10; i++ {
		breaking = append(breaking, models.BreakingChange{Severity: models.BreakingCritical})
	}
	report := analyzer.Analyze(sampleProposal(), models.ReplaySummary{Total: 10, Failed: 10}, breaking)
	if report.RiskScore != 100 {
		t.Fatalf("score = %v, want capped at 100", report.RiskScore)
	}
	if report.RiskTier != models.RiskCritical {
		t.Fatalf("tier = %s, want critical", report.RiskTier)
	}
}

func TestVerdictFailuresDominateImprovement(t *testing.T) {
	analyzer := impact.NewAnalyzer(impact.DefaultPolicy())

	// One failing operation must force reject even when everything else
	// got dramatically faster.
	summary := models.ReplaySummary{
		Total:             10,
		Succeeded:         9,
		Failed:            1,
		Improved:          9,
		MeanChangePercent: -40,
		Results: []models.ReplayResult{
			{OperationID: "op-9", Success: false, Error: "type mismatch"},
		},
	}
	report := analyzer.Analyze(sampleProposal(), summary, nil)
	if report.Verdict != models.VerdictReject {
		t.Fatalf("verdict = %s, want reject", report.Verdict)
	}
	if got := report.Compatibility.FailingOperations; len(got) != 1 || got[0] != "op-9" {
		t.Fatalf("failing operations = %v", got)
	}
}

func TestVerdictRejectsSevereSlowdown(t *testing.T) {
	analyzer := impact.NewAnalyzer(impact.DefaultPolicy())
	summary := models.ReplaySummary{Total: 10, Succeeded: 10, MeanChangePercent: 60}
	report := analyzer.Analyze(sampleProposal(), summary, nil)
	if report.Verdict != models.VerdictReject {
		t.Fatalf("verdict = %s, want reject for 60%% slowdown", report.Verdict)
	}
}

func TestVerdictApprovesFastSafeChange(t *testing.T) {
	analyzer := impact.NewAnalyzer(impact.DefaultPolicy())
	summary := models.ReplaySummary{Total: 100, Succeeded: 100, Improved: 80, MeanChangePercent: -5}
	report := analyzer.Analyze(sampleProposal(), summary, nil)
	if report.RiskScore != 0 {
		t.Fatalf("score = %v, want 0", report.RiskScore)
	}
	if report.RiskTier != models.RiskSafe {
		t.Fatalf("tier = %s, want safe", report.RiskTier)
	}
	if report.Verdict != models.VerdictApprove {
		t.Fatalf("verdict = %s, want approve", report.Verdict)
	}
}

func TestVerdictSafeScoreButSlowerNeedsReview(t *testing.T) {
	analyzer := impact.NewAnalyzer(impact.DefaultPolicy())
	summary := models.ReplaySummary{Total: 100, Succeeded: 100, MeanChangePercent: 10}
	report := analyzer.Analyze(sampleProposal(), summary, nil)
	if report.Verdict != models.VerdictNeedsReview {
		t.Fatalf("verdict = %s, want needs_review when slower", report.Verdict)
	}
}

func TestIncompleteIsConservative(t *testing.T) {
	analyzer := impact.NewAnalyzer(impact.DefaultPolicy())
	report := analyzer.Incomplete(sampleProposal(), "sandbox provisioning failed: boom")

	if report.RiskScore != 50 {
		t.Fatalf("score = %v, want 50", report.RiskScore)
	}
	if report.RiskTier != models.RiskMedium {
		t.Fatalf("tier = %s, want medium", report.RiskTier)
	}
	if report.Verdict != models.VerdictNeedsReview {
		t.Fatalf("verdict = %s, want needs_review", report.Verdict)
	}
	if len(report.Notes) != 1 || !strings.Contains(report.Notes[0], "simulation incomplete") {
		t.Fatalf("notes = %v", report.Notes)
	}
}
