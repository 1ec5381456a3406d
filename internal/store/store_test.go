package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ontopilot/ontopilot/internal/models"
	"github.com/ontopilot/ontopilot/internal/store"
)

func newMockStore(t *testing.T) (*store.PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return store.NewPGStore(db), mock, func() { db.Close() }
}

func proposalColumns() []string {
	return []string{"id", "tenant_id", "kind", "spec", "title", "rationale", "predicted_improvement", "breaking_notes", "migration", "created_at"}
}

func TestGetProposalDecodesSpec(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	id := uuid.New()
	spec := []byte(`{"entity":"Order","properties":["status"],"unique":false}`)
	rows := sqlmock.NewRows(proposalColumns()).
		AddRow(id, "tenant-a", "index", spec, "index orders", "slow dashboard", 25.0, []byte(`null`), []byte(`{}`), time.Now().UTC())
	mock.ExpectQuery("SELECT (.+) FROM change_proposals WHERE id=").
		WithArgs(id).
		WillReturnRows(rows)

	proposal, err := st.GetProposal(context.Background(), id)
	assert.NoError(t, err)
	assert.Equal(t, models.ChangeIndex, proposal.Kind)

	indexSpec, ok := proposal.Spec.(models.IndexSpec)
	assert.True(t, ok, "spec should decode to IndexSpec, got %T", proposal.Spec)
	assert.Equal(t, "Order", indexSpec.Entity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProposalNotFound(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM change_proposals WHERE id=").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetProposal(context.Background(), id)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateProposalInsertsAndReturnsRow(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	proposal := models.ChangeProposal{
		TenantID:             "tenant-a",
		Kind:                 models.ChangeIndex,
		Spec:                 models.IndexSpec{Entity: "Order", Properties: []string{"status"}},
		Title:                "index orders",
		PredictedImprovement: 25,
	}
	rows := sqlmock.NewRows(proposalColumns()).
		AddRow(uuid.New(), "tenant-a", "index", []byte(`{"entity":"Order","properties":["status"]}`), "index orders", "", 25.0, []byte(`null`), []byte(`{}`), time.Now().UTC())
	mock.ExpectQuery("INSERT INTO change_proposals").WillReturnRows(rows)

	created, err := st.CreateProposal(context.Background(), proposal)
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, "tenant-a", created.TenantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListProposalsAppliesFilters(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	rows := sqlmock.NewRows(proposalColumns()).
		AddRow(uuid.New(), "tenant-a", "index", []byte(`{"entity":"Order"}`), "a", "", 0.0, []byte(`null`), []byte(`{}`), time.Now().UTC())
	mock.ExpectQuery("SELECT (.+) FROM change_proposals").
		WithArgs("tenant-a", "index", 50).
		WillReturnRows(rows)

	proposals, err := st.ListProposals(context.Background(), store.ListProposalsFilter{
		TenantID: "tenant-a",
		Kind:     models.ChangeIndex,
	})
	assert.NoError(t, err)
	assert.Len(t, proposals, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveImpactReportUpserts(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	report := models.ImpactReport{
		ProposalID:  uuid.New(),
		SimulatedAt: time.Now().UTC(),
		RiskScore:   12,
		RiskTier:    models.RiskSafe,
		Verdict:     models.VerdictApprove,
	}
	mock.ExpectExec("INSERT INTO impact_reports").
		WithArgs(report.ProposalID, sqlmock.AnyArg(), report.SimulatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, st.SaveImpactReport(context.Background(), report))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWorkflowStateDecodesDocument(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	state := models.WorkflowState{
		ProposalID:        uuid.New(),
		Phase:             models.PhaseReview,
		RequiredApprovals: 2,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	doc, err := json.Marshal(state)
	assert.NoError(t, err)

	mock.ExpectQuery("SELECT state FROM workflow_states").
		WithArgs(state.ProposalID).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(doc))

	got, err := st.GetWorkflowState(context.Background(), state.ProposalID)
	assert.NoError(t, err)
	assert.Equal(t, models.PhaseReview, got.Phase)
	assert.Equal(t, 2, got.RequiredApprovals)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeploymentByProposalScansNullables(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	depID := uuid.New()
	proposalID := uuid.New()
	samples, _ := json.Marshal([]models.HealthSample{{ErrorRate: 0.001, P99LatencyMillis: 40}})
	rows := sqlmock.NewRows([]string{"id", "proposal_id", "status", "started_at", "completed_at", "samples", "rollback_reason"}).
		AddRow(depID, proposalID, "in_progress", time.Now().UTC(), nil, samples, nil)
	mock.ExpectQuery("SELECT (.+) FROM deployments WHERE proposal_id=").
		WithArgs(proposalID).
		WillReturnRows(rows)

	dep, err := st.GetDeploymentByProposal(context.Background(), proposalID)
	assert.NoError(t, err)
	assert.Equal(t, depID, dep.ID)
	assert.Equal(t, models.DeployInProgress, dep.Status)
	assert.Nil(t, dep.CompletedAt)
	assert.Empty(t, dep.RollbackReason)
	assert.Len(t, dep.Samples, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFeedbackIsWriteOnce(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	record := models.FeedbackRecord{
		ProposalID:   uuid.New(),
		DeploymentID: uuid.New(),
		Outcome:      models.OutcomeSuccess,
		CollectedAt:  time.Now().UTC(),
	}
	// The conflict clause makes a second insert a no-op, not an error.
	mock.ExpectExec("INSERT INTO feedback_records").
		WithArgs(record.ProposalID, record.DeploymentID, sqlmock.AnyArg(), record.CollectedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, st.SaveFeedback(context.Background(), record))
	assert.NoError(t, mock.ExpectationsWereMet())
}
