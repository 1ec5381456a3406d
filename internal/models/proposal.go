package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeKind enumerates the kinds of schema modification a proposal can carry.
type ChangeKind string

const (
	ChangeNewRelationship     ChangeKind = "new_relationship"
	ChangeComputedField       ChangeKind = "computed_field"
	ChangeIndex               ChangeKind = "index"
	ChangeValidationRule      ChangeKind = "validation_rule"
	ChangeEntityConsolidation ChangeKind = "entity_consolidation"
	ChangeDeprecateEntity     ChangeKind = "deprecate_entity"
)

// ProposalSpec is the typed payload of a ChangeProposal. Each kind carries only
// the fields it needs; selection happens via an explicit switch on Kind().
type ProposalSpec interface {
	Kind() ChangeKind
	AffectedEntities() []string
}

type NewRelationshipSpec struct {
	FromEntity       string `json:"fromEntity"`
	ToEntity         string `json:"toEntity"`
	RelationshipType string `json:"relationshipType"`
	Cardinality      string `json:"cardinality,omitempty"`
}

func (NewRelationshipSpec) Kind() ChangeKind { return ChangeNewRelationship }
func (s NewRelationshipSpec) AffectedEntities() []string {
	return []string{s.FromEntity, s.ToEntity}
}

type ComputedFieldSpec struct {
	Entity       string   `json:"entity"`
	FieldName    string   `json:"fieldName"`
	Expression   string   `json:"expression"`
	SourceFields []string `json:"sourceFields,omitempty"`
}

func (ComputedFieldSpec) Kind() ChangeKind             { return ChangeComputedField }
func (s ComputedFieldSpec) AffectedEntities() []string { return []string{s.Entity} }

type IndexSpec struct {
	Entity     string   `json:"entity"`
	Properties []string `json:"properties"`
	Unique     bool     `json:"unique,omitempty"`
}

func (IndexSpec) Kind() ChangeKind             { return ChangeIndex }
func (s IndexSpec) AffectedEntities() []string { return []string{s.Entity} }

type ValidationRuleSpec struct {
	Entity   string `json:"entity"`
	Property string `json:"property"`
	Rule     string `json:"rule"`
}

func (ValidationRuleSpec) Kind() ChangeKind             { return ChangeValidationRule }
func (s ValidationRuleSpec) AffectedEntities() []string { return []string{s.Entity} }

type EntityConsolidationSpec struct {
	SourceEntities []string `json:"sourceEntities"`
	TargetEntity   string   `json:"targetEntity"`
}

func (EntityConsolidationSpec) Kind() ChangeKind { return ChangeEntityConsolidation }
func (s EntityConsolidationSpec) AffectedEntities() []string {
	return append(append([]string(nil), s.SourceEntities...), s.TargetEntity)
}

type DeprecateEntitySpec struct {
	Entity     string `json:"entity"`
	ReplacedBy string `json:"replacedBy,omitempty"`
}

func (DeprecateEntitySpec) Kind() ChangeKind { return ChangeDeprecateEntity }
func (s DeprecateEntitySpec) AffectedEntities() []string {
	if s.ReplacedBy != "" {
		return []string{s.Entity, s.ReplacedBy}
	}
	return []string{s.Entity}
}

// BackfillMode describes how migrated data is populated.
type BackfillMode string

const (
	BackfillSync  BackfillMode = "sync"
	BackfillAsync BackfillMode = "async"
	BackfillLazy  BackfillMode = "lazy"
)

// MigrationStrategy describes the data migration a proposal requires, if any.
type MigrationStrategy struct {
	Required          bool         `json:"required"`
	BackfillMode      BackfillMode `json:"backfillMode"`
	AffectedRecords   int64        `json:"affectedRecords"`
	EstimatedDuration string       `json:"estimatedDuration,omitempty"`
	Statements        []string     `json:"statements,omitempty"`
}

// ChangeProposal is an immutable description of one proposed schema
// modification. It is produced by the external recommendation source and is
// never mutated by the pipeline; downstream records reference it by ID.
type ChangeProposal struct {
	ID                   uuid.UUID         `json:"id"`
	TenantID             string            `json:"tenantId"`
	Kind                 ChangeKind        `json:"kind"`
	Spec                 ProposalSpec      `json:"spec"`
	Title                string            `json:"title"`
	Rationale            string            `json:"rationale,omitempty"`
	PredictedImprovement float64           `json:"predictedImprovement"`
	BreakingNotes        []string          `json:"breakingNotes,omitempty"`
	Migration            MigrationStrategy `json:"migration"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// AffectedEntities returns the entity set the proposal touches.
func (p ChangeProposal) AffectedEntities() []string {
	if p.Spec == nil {
		return nil
	}
	return p.Spec.AffectedEntities()
}

// proposalEnvelope is the wire form of ChangeProposal: the spec travels as a
// raw message next to its kind tag.
type proposalEnvelope struct {
	ID                   uuid.UUID         `json:"id"`
	TenantID             string            `json:"tenantId"`
	Kind                 ChangeKind        `json:"kind"`
	Spec                 json.RawMessage   `json:"spec"`
	Title                string            `json:"title"`
	Rationale            string            `json:"rationale,omitempty"`
	PredictedImprovement float64           `json:"predictedImprovement"`
	BreakingNotes        []string          `json:"breakingNotes,omitempty"`
	Migration            MigrationStrategy `json:"migration"`
	CreatedAt            time.Time         `json:"createdAt"`
}

func (p ChangeProposal) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if p.Spec != nil {
		b, err := json.Marshal(p.Spec)
		if err != nil {
			return nil, fmt.Errorf("marshal proposal spec: %w", err)
		}
		raw = b
	}
	return json.Marshal(proposalEnvelope{
		ID:                   p.ID,
		TenantID:             p.TenantID,
		Kind:                 p.Kind,
		Spec:                 raw,
		Title:                p.Title,
		Rationale:            p.Rationale,
		PredictedImprovement: p.PredictedImprovement,
		BreakingNotes:        p.BreakingNotes,
		Migration:            p.Migration,
		CreatedAt:            p.CreatedAt,
	})
}

func (p *ChangeProposal) UnmarshalJSON(data []byte) error {
	var env proposalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	spec, err := DecodeSpec(env.Kind, env.Spec)
	if err != nil {
		return err
	}
	p.ID = env.ID
	p.TenantID = env.TenantID
	p.Kind = env.Kind
	p.Spec = spec
	p.Title = env.Title
	p.Rationale = env.Rationale
	p.PredictedImprovement = env.PredictedImprovement
	p.BreakingNotes = env.BreakingNotes
	p.Migration = env.Migration
	p.CreatedAt = env.CreatedAt
	return nil
}

// DecodeSpec decodes the raw spec payload for the given kind.
func DecodeSpec(kind ChangeKind, raw json.RawMessage) (ProposalSpec, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("proposal spec required for kind %q", kind)
	}
	switch kind {
	case ChangeNewRelationship:
		var s NewRelationshipSpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s spec: %w", kind, err)
		}
		return s, nil
	case ChangeComputedField:
		var s ComputedFieldSpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s spec: %w", kind, err)
		}
		return s, nil
	case ChangeIndex:
		var s IndexSpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s spec: %w", kind, err)
		}
		return s, nil
	case ChangeValidationRule:
		var s ValidationRuleSpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s spec: %w", kind, err)
		}
		return s, nil
	case ChangeEntityConsolidation:
		var s EntityConsolidationSpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s spec: %w", kind, err)
		}
		return s, nil
	case ChangeDeprecateEntity:
		var s DeprecateEntitySpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s spec: %w", kind, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown change kind %q", kind)
	}
}
