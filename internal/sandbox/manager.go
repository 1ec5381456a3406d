package sandbox

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

var (
	// ErrProvisionTimeout is returned when a sandbox does not become ready
	// within the configured provisioning window.
	ErrProvisionTimeout = errors.New("sandbox provisioning timed out")

	// ErrUnknownSandbox is returned for operations on a handle the registry
	// does not track (already destroyed or never created here).
	ErrUnknownSandbox = errors.New("unknown sandbox")
)

// Renderer turns a proposal into the schema statements that materialize it.
type Renderer interface {
	SchemaStatements(proposal models.ChangeProposal) ([]string, error)
}

type ManagerConfig struct {
	ProvisionTimeout time.Duration
	TTL              time.Duration
	SweepInterval    time.Duration
	ReadyPollEvery   time.Duration
}

// Manager provisions and destroys isolated sandbox environments. The registry
// of live handles is the only mutable state; every mutation happens under its
// mutex so create/destroy stay atomic with respect to the background sweep.
type Manager struct {
	client   graph.Client
	renderer Renderer
	cfg      ManagerConfig

	mu     sync.Mutex
	active map[string]*models.SandboxHandle
}

func NewManager(client graph.Client, renderer Renderer, cfg ManagerConfig) *Manager {
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 60 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ReadyPollEvery <= 0 {
		cfg.ReadyPollEvery = 2 * time.Second
	}
	return &Manager{
		client:   client,
		renderer: renderer,
		cfg:      cfg,
		active:   make(map[string]*models.SandboxHandle),
	}
}

// Create provisions an isolated environment for the proposal and blocks until
// it is ready or the provisioning timeout elapses. A handle returned here must
// be released with exactly one Destroy call.
func (m *Manager) Create(ctx context.Context, proposalID uuid.UUID, tenantID string) (*models.SandboxHandle, error) {
	id := fmt.Sprintf("sandbox-%s-%d", proposalID, time.Now().UTC().Unix())
	handle := &models.SandboxHandle{
		ID:         id,
		ProposalID: proposalID,
		TenantID:   tenantID,
		State:      models.SandboxProvisioning,
		CreatedAt:  time.Now().UTC(),
	}

	inst, err := m.client.Provision(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("provision sandbox: %w", err)
	}
	handle.Address = inst.Address

	if err := m.awaitReady(ctx, handle); err != nil {
		// Tear the half-provisioned instance down; nothing was registered yet.
		if derr := m.client.Teardown(context.WithoutCancel(ctx), id); derr != nil {
			log.Printf("[sandbox] teardown after failed provision %s: %v", id, derr)
		}
		return nil, err
	}

	handle.State = models.SandboxReady
	m.mu.Lock()
	m.active[id] = handle
	m.mu.Unlock()

	log.Printf("[sandbox] created %s for proposal %s at %s", id, proposalID, handle.Address)
	return handle, nil
}

func (m *Manager) awaitReady(ctx context.Context, handle *models.SandboxHandle) error {
	deadline := time.Now().Add(m.cfg.ProvisionTimeout)
	for {
		if err := m.client.Ready(ctx, handle.Address); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrProvisionTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.ReadyPollEvery):
		}
	}
}

// CopyData seeds the sandbox with a bounded, tenant-scoped sample of
// production data. The full production set is never copied.
func (m *Manager) CopyData(ctx context.Context, handle *models.SandboxHandle, sampleSize int) error {
	if _, err := m.lookup(handle); err != nil {
		return err
	}
	if sampleSize <= 0 {
		sampleSize = 1000
	}
	if err := m.client.CloneSample(ctx, handle.Address, handle.TenantID, sampleSize); err != nil {
		return fmt.Errorf("copy data into %s: %w", handle.ID, err)
	}
	return nil
}

// ApplyChange materializes the proposed schema change inside the sandbox only.
func (m *Manager) ApplyChange(ctx context.Context, handle *models.SandboxHandle, proposal models.ChangeProposal) error {
	if _, err := m.lookup(handle); err != nil {
		return err
	}
	stmts, err := m.renderer.SchemaStatements(proposal)
	if err != nil {
		return fmt.Errorf("render schema change: %w", err)
	}
	m.setState(handle, models.SandboxApplyingChange)
	if err := m.client.ApplySchema(ctx, handle.Address, stmts); err != nil {
		m.setState(handle, models.SandboxFailed)
		return fmt.Errorf("apply change to %s: %w", handle.ID, err)
	}
	m.setState(handle, models.SandboxReady)
	return nil
}

// MarkReplaying flags the handle while the replay engine drives it.
func (m *Manager) MarkReplaying(handle *models.SandboxHandle) {
	m.setState(handle, models.SandboxReplaying)
}

// Destroy tears down the sandbox. It is idempotent: destroying a handle that
// was already destroyed returns nil.
func (m *Manager) Destroy(ctx context.Context, handle *models.SandboxHandle) error {
	if handle == nil {
		return nil
	}
	m.mu.Lock()
	_, ok := m.active[handle.ID]
	if ok {
		delete(m.active, handle.ID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	handle.State = models.SandboxTornDown
	if err := m.client.Teardown(ctx, handle.ID); err != nil {
		// The registry entry is gone either way; the sweep of the admin plane
		// is responsible for orphans the teardown call could not reach.
		return fmt.Errorf("teardown %s: %w", handle.ID, err)
	}
	log.Printf("[sandbox] destroyed %s", handle.ID)
	return nil
}

// Sweep destroys handles older than the TTL. It runs until ctx is cancelled
// and is the leak backstop behind the coordinator's scoped acquisition.
func (m *Manager) Sweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.TTL)
	m.mu.Lock()
	var expired []*models.SandboxHandle
	for _, h := range m.active {
		if h.CreatedAt.Before(cutoff) {
			expired = append(expired, h)
		}
	}
	m.mu.Unlock()

	for _, h := range expired {
		log.Printf("[sandbox] sweeping expired sandbox %s (created %s)", h.ID, h.CreatedAt.Format(time.RFC3339))
		if err := m.Destroy(ctx, h); err != nil {
			log.Printf("[sandbox] sweep destroy %s: %v", h.ID, err)
		}
	}
}

// Active returns the number of live sandboxes.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close destroys every remaining sandbox. Used on shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	var remaining []*models.SandboxHandle
	for _, h := range m.active {
		remaining = append(remaining, h)
	}
	m.mu.Unlock()
	for _, h := range remaining {
		if err := m.Destroy(ctx, h); err != nil {
			log.Printf("[sandbox] close destroy %s: %v", h.ID, err)
		}
	}
}

func (m *Manager) lookup(handle *models.SandboxHandle) (*models.SandboxHandle, error) {
	if handle == nil {
		return nil, ErrUnknownSandbox
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[handle.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandbox, handle.ID)
	}
	return h, nil
}

func (m *Manager) setState(handle *models.SandboxHandle, state models.SandboxState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.active[handle.ID]; ok {
		h.State = state
	}
	handle.State = state
}
