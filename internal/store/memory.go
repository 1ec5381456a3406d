package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ontopilot/ontopilot/internal/models"
)

// MemoryStore backs local development and tests. Snapshots are copied on
// write and read so callers never share slices with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	proposals   map[uuid.UUID]models.ChangeProposal
	reports     map[uuid.UUID]models.ImpactReport
	workflows   map[uuid.UUID]models.WorkflowState
	deployments map[uuid.UUID]models.Deployment
	feedback    map[uuid.UUID]models.FeedbackRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals:   map[uuid.UUID]models.ChangeProposal{},
		reports:     map[uuid.UUID]models.ImpactReport{},
		workflows:   map[uuid.UUID]models.WorkflowState{},
		deployments: map[uuid.UUID]models.Deployment{},
		feedback:    map[uuid.UUID]models.FeedbackRecord{},
	}
}

func (m *MemoryStore) CreateProposal(ctx context.Context, proposal models.ChangeProposal) (models.ChangeProposal, error) {
	if proposal.ID == uuid.Nil {
		proposal.ID = uuid.New()
	}
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[proposal.ID] = proposal
	return proposal, nil
}

func (m *MemoryStore) GetProposal(ctx context.Context, id uuid.UUID) (models.ChangeProposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	proposal, ok := m.proposals[id]
	if !ok {
		return models.ChangeProposal{}, ErrNotFound
	}
	return proposal, nil
}

func (m *MemoryStore) ListProposals(ctx context.Context, filter ListProposalsFilter) ([]models.ChangeProposal, error) {
	m.mu.RLock()
	var proposals []models.ChangeProposal
	for _, p := range m.proposals {
		if filter.TenantID != "" && p.TenantID != filter.TenantID {
			continue
		}
		if filter.Kind != "" && p.Kind != filter.Kind {
			continue
		}
		proposals = append(proposals, p)
	}
	m.mu.RUnlock()

	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].CreatedAt.After(proposals[j].CreatedAt)
	})

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(proposals) {
		return nil, nil
	}
	proposals = proposals[offset:]
	limit := normalizeLimit(filter.Limit)
	if len(proposals) > limit {
		proposals = proposals[:limit]
	}
	return proposals, nil
}

func (m *MemoryStore) SaveImpactReport(ctx context.Context, report models.ImpactReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.ProposalID] = report
	return nil
}

func (m *MemoryStore) GetImpactReport(ctx context.Context, proposalID uuid.UUID) (models.ImpactReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	report, ok := m.reports[proposalID]
	if !ok {
		return models.ImpactReport{}, ErrNotFound
	}
	return report, nil
}

func (m *MemoryStore) SaveWorkflowState(ctx context.Context, state models.WorkflowState) error {
	state.Approvals = append([]models.Approval(nil), state.Approvals...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[state.ProposalID] = state
	return nil
}

func (m *MemoryStore) GetWorkflowState(ctx context.Context, proposalID uuid.UUID) (models.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.workflows[proposalID]
	if !ok {
		return models.WorkflowState{}, ErrNotFound
	}
	state.Approvals = append([]models.Approval(nil), state.Approvals...)
	return state, nil
}

func (m *MemoryStore) SaveDeployment(ctx context.Context, deployment models.Deployment) error {
	deployment.Samples = append([]models.HealthSample(nil), deployment.Samples...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[deployment.ID] = deployment
	return nil
}

func (m *MemoryStore) GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deployment, ok := m.deployments[id]
	if !ok {
		return models.Deployment{}, ErrNotFound
	}
	deployment.Samples = append([]models.HealthSample(nil), deployment.Samples...)
	return deployment, nil
}

func (m *MemoryStore) GetDeploymentByProposal(ctx context.Context, proposalID uuid.UUID) (models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.Deployment
		found  bool
	)
	for _, d := range m.deployments {
		if d.ProposalID != proposalID {
			continue
		}
		if !found || d.StartedAt.After(latest.StartedAt) {
			latest = d
			found = true
		}
	}
	if !found {
		return models.Deployment{}, ErrNotFound
	}
	latest.Samples = append([]models.HealthSample(nil), latest.Samples...)
	return latest, nil
}

func (m *MemoryStore) SaveFeedback(ctx context.Context, record models.FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Write-once, matching the Postgres conflict behavior.
	if _, exists := m.feedback[record.ProposalID]; exists {
		return nil
	}
	m.feedback[record.ProposalID] = record
	return nil
}

func (m *MemoryStore) GetFeedback(ctx context.Context, proposalID uuid.UUID) (models.FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.feedback[proposalID]
	if !ok {
		return models.FeedbackRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
