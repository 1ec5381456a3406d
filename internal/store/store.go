package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ontopilot/ontopilot/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store persists the pipeline's lifecycle records. The workflow engine and
// deployment orchestrator stay authoritative in memory; these snapshots back
// status queries and restarts.
type Store interface {
	CreateProposal(ctx context.Context, proposal models.ChangeProposal) (models.ChangeProposal, error)
	GetProposal(ctx context.Context, id uuid.UUID) (models.ChangeProposal, error)
	ListProposals(ctx context.Context, filter ListProposalsFilter) ([]models.ChangeProposal, error)

	SaveImpactReport(ctx context.Context, report models.ImpactReport) error
	GetImpactReport(ctx context.Context, proposalID uuid.UUID) (models.ImpactReport, error)

	SaveWorkflowState(ctx context.Context, state models.WorkflowState) error
	GetWorkflowState(ctx context.Context, proposalID uuid.UUID) (models.WorkflowState, error)

	SaveDeployment(ctx context.Context, deployment models.Deployment) error
	GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error)
	GetDeploymentByProposal(ctx context.Context, proposalID uuid.UUID) (models.Deployment, error)

	SaveFeedback(ctx context.Context, record models.FeedbackRecord) error
	GetFeedback(ctx context.Context, proposalID uuid.UUID) (models.FeedbackRecord, error)

	Ping(ctx context.Context) error
}

type ListProposalsFilter struct {
	TenantID string
	Kind     models.ChangeKind
	Limit    int
	Offset   int
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (models.ChangeProposal, error) {
	var (
		p         models.ChangeProposal
		kind      string
		specRaw   []byte
		notesRaw  []byte
		migration []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.TenantID,
		&kind,
		&specRaw,
		&p.Title,
		&p.Rationale,
		&p.PredictedImprovement,
		&notesRaw,
		&migration,
		&p.CreatedAt,
	); err != nil {
		return models.ChangeProposal{}, err
	}
	p.Kind = models.ChangeKind(kind)
	spec, err := models.DecodeSpec(p.Kind, specRaw)
	if err != nil {
		return models.ChangeProposal{}, fmt.Errorf("decode proposal spec: %w", err)
	}
	p.Spec = spec
	if len(notesRaw) > 0 {
		if err := json.Unmarshal(notesRaw, &p.BreakingNotes); err != nil {
			return models.ChangeProposal{}, fmt.Errorf("decode breaking notes: %w", err)
		}
	}
	if len(migration) > 0 {
		if err := json.Unmarshal(migration, &p.Migration); err != nil {
			return models.ChangeProposal{}, fmt.Errorf("decode migration: %w", err)
		}
	}
	return p, nil
}

func (s *PGStore) CreateProposal(ctx context.Context, proposal models.ChangeProposal) (models.ChangeProposal, error) {
	if proposal.ID == uuid.Nil {
		proposal.ID = uuid.New()
	}
	specRaw, err := json.Marshal(proposal.Spec)
	if err != nil {
		return models.ChangeProposal{}, fmt.Errorf("marshal proposal spec: %w", err)
	}
	notesRaw, err := json.Marshal(proposal.BreakingNotes)
	if err != nil {
		return models.ChangeProposal{}, fmt.Errorf("marshal breaking notes: %w", err)
	}
	migrationRaw, err := json.Marshal(proposal.Migration)
	if err != nil {
		return models.ChangeProposal{}, fmt.Errorf("marshal migration: %w", err)
	}
	query := `
		INSERT INTO change_proposals (id, tenant_id, kind, spec, title, rationale, predicted_improvement, breaking_notes, migration)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, tenant_id, kind, spec, title, rationale, predicted_improvement, breaking_notes, migration, created_at
	`
	row := s.db.QueryRowContext(ctx, query, proposal.ID, proposal.TenantID, string(proposal.Kind), specRaw, proposal.Title, proposal.Rationale, proposal.PredictedImprovement, notesRaw, migrationRaw)
	created, err := scanProposal(row)
	if err != nil {
		return models.ChangeProposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	return created, nil
}

func (s *PGStore) GetProposal(ctx context.Context, id uuid.UUID) (models.ChangeProposal, error) {
	const query = `
		SELECT id, tenant_id, kind, spec, title, rationale, predicted_improvement, breaking_notes, migration, created_at
		FROM change_proposals WHERE id=$1
	`
	proposal, err := scanProposal(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ChangeProposal{}, ErrNotFound
		}
		return models.ChangeProposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return proposal, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListProposals(ctx context.Context, filter ListProposalsFilter) ([]models.ChangeProposal, error) {
	query := `
		SELECT id, tenant_id, kind, spec, title, rationale, predicted_improvement, breaking_notes, migration, created_at
		FROM change_proposals
		WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1
	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argPos)
		args = append(args, filter.TenantID)
		argPos++
	}
	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argPos)
		args = append(args, string(filter.Kind))
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []models.ChangeProposal
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, proposal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return proposals, nil
}

// Reports, workflow snapshots and feedback are stored whole as JSONB keyed
// by proposal id; they are read back as documents, never queried by field.

func (s *PGStore) SaveImpactReport(ctx context.Context, report models.ImpactReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal impact report: %w", err)
	}
	const query = `
		INSERT INTO impact_reports (proposal_id, report, simulated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (proposal_id) DO UPDATE SET report=EXCLUDED.report, simulated_at=EXCLUDED.simulated_at
	`
	if _, err := s.db.ExecContext(ctx, query, report.ProposalID, doc, report.SimulatedAt); err != nil {
		return fmt.Errorf("save impact report: %w", err)
	}
	return nil
}

func (s *PGStore) GetImpactReport(ctx context.Context, proposalID uuid.UUID) (models.ImpactReport, error) {
	const query = `SELECT report FROM impact_reports WHERE proposal_id=$1`
	var doc []byte
	if err := s.db.QueryRowContext(ctx, query, proposalID).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ImpactReport{}, ErrNotFound
		}
		return models.ImpactReport{}, fmt.Errorf("get impact report: %w", err)
	}
	var report models.ImpactReport
	if err := json.Unmarshal(doc, &report); err != nil {
		return models.ImpactReport{}, fmt.Errorf("decode impact report: %w", err)
	}
	return report, nil
}

func (s *PGStore) SaveWorkflowState(ctx context.Context, state models.WorkflowState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	const query = `
		INSERT INTO workflow_states (proposal_id, state, phase, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (proposal_id) DO UPDATE SET state=EXCLUDED.state, phase=EXCLUDED.phase, updated_at=EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, state.ProposalID, doc, string(state.Phase), state.UpdatedAt); err != nil {
		return fmt.Errorf("save workflow state: %w", err)
	}
	return nil
}

func (s *PGStore) GetWorkflowState(ctx context.Context, proposalID uuid.UUID) (models.WorkflowState, error) {
	const query = `SELECT state FROM workflow_states WHERE proposal_id=$1`
	var doc []byte
	if err := s.db.QueryRowContext(ctx, query, proposalID).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WorkflowState{}, ErrNotFound
		}
		return models.WorkflowState{}, fmt.Errorf("get workflow state: %w", err)
	}
	var state models.WorkflowState
	if err := json.Unmarshal(doc, &state); err != nil {
		return models.WorkflowState{}, fmt.Errorf("decode workflow state: %w", err)
	}
	return state, nil
}

func (s *PGStore) SaveDeployment(ctx context.Context, deployment models.Deployment) error {
	samples, err := json.Marshal(deployment.Samples)
	if err != nil {
		return fmt.Errorf("marshal health samples: %w", err)
	}
	const query = `
		INSERT INTO deployments (id, proposal_id, status, started_at, completed_at, samples, rollback_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, completed_at=EXCLUDED.completed_at, samples=EXCLUDED.samples, rollback_reason=EXCLUDED.rollback_reason
	`
	_, err = s.db.ExecContext(ctx, query, deployment.ID, deployment.ProposalID, string(deployment.Status), deployment.StartedAt, deployment.CompletedAt, samples, deployment.RollbackReason)
	if err != nil {
		return fmt.Errorf("save deployment: %w", err)
	}
	return nil
}

func scanDeployment(row rowScanner) (models.Deployment, error) {
	var (
		d           models.Deployment
		status      string
		completedAt sql.NullTime
		samples     []byte
		reason      sql.NullString
	)
	if err := row.Scan(&d.ID, &d.ProposalID, &status, &d.StartedAt, &completedAt, &samples, &reason); err != nil {
		return models.Deployment{}, err
	}
	d.Status = models.DeploymentStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	if len(samples) > 0 {
		if err := json.Unmarshal(samples, &d.Samples); err != nil {
			return models.Deployment{}, fmt.Errorf("decode health samples: %w", err)
		}
	}
	if reason.Valid {
		d.RollbackReason = reason.String
	}
	return d, nil
}

func (s *PGStore) GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	const query = `
		SELECT id, proposal_id, status, started_at, completed_at, samples, rollback_reason
		FROM deployments WHERE id=$1
	`
	deployment, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Deployment{}, ErrNotFound
		}
		return models.Deployment{}, fmt.Errorf("get deployment: %w", err)
	}
	return deployment, nil
}

func (s *PGStore) GetDeploymentByProposal(ctx context.Context, proposalID uuid.UUID) (models.Deployment, error) {
	const query = `
		SELECT id, proposal_id, status, started_at, completed_at, samples, rollback_reason
		FROM deployments WHERE proposal_id=$1
		ORDER BY started_at DESC
		LIMIT 1
	`
	deployment, err := scanDeployment(s.db.QueryRowContext(ctx, query, proposalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Deployment{}, ErrNotFound
		}
		return models.Deployment{}, fmt.Errorf("get deployment by proposal: %w", err)
	}
	return deployment, nil
}

func (s *PGStore) SaveFeedback(ctx context.Context, record models.FeedbackRecord) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}
	// Write-once: a second collection for the same proposal is a no-op.
	const query = `
		INSERT INTO feedback_records (proposal_id, deployment_id, record, collected_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (proposal_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, record.ProposalID, record.DeploymentID, doc, record.CollectedAt); err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

func (s *PGStore) GetFeedback(ctx context.Context, proposalID uuid.UUID) (models.FeedbackRecord, error) {
	const query = `SELECT record FROM feedback_records WHERE proposal_id=$1`
	var doc []byte
	if err := s.db.QueryRowContext(ctx, query, proposalID).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.FeedbackRecord{}, ErrNotFound
		}
		return models.FeedbackRecord{}, fmt.Errorf("get feedback: %w", err)
	}
	var record models.FeedbackRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return models.FeedbackRecord{}, fmt.Errorf("decode feedback: %w", err)
	}
	return record, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
