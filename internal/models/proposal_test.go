package models_test

import (
	"encoding/json"
	"testing"

	"github.com/ontopilot/ontopilot/internal/models"
)

func TestProposalUnmarshalSelectsSpecByKind(t *testing.T) {
	raw := []byte(`{
		"tenantId": "tenant-a",
		"kind": "new_relationship",
		"spec": {"fromEntity": "Order", "toEntity": "Customer", "relationshipType": "PLACED_BY", "cardinality": "many_to_one"},
		"title": "link orders to customers",
		"predictedImprovement": 35
	}`)

	var proposal models.ChangeProposal
	if err := json.Unmarshal(raw, &proposal); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	spec, ok := proposal.Spec.(models.NewRelationshipSpec)
	if !ok {
		t.Fatalf("spec type = %T, want NewRelationshipSpec", proposal.Spec)
	}
	if spec.RelationshipType != "PLACED_BY" || spec.Cardinality != "many_to_one" {
		t.Fatalf("spec = %+v", spec)
	}
	if got := proposal.AffectedEntities(); len(got) != 2 || got[0] != "Order" || got[1] != "Customer" {
		t.Fatalf("affected entities = %v", got)
	}
}

func TestProposalUnmarshalRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"kind": "drop_everything", "spec": {"entity": "Order"}}`)
	var proposal models.ChangeProposal
	if err := json.Unmarshal(raw, &proposal); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestProposalUnmarshalRequiresSpec(t *testing.T) {
	raw := []byte(`{"kind": "index", "title": "no spec"}`)
	var proposal models.ChangeProposal
	if err := json.Unmarshal(raw, &proposal); err == nil {
		t.Fatal("expected error for missing spec")
	}
}

func TestProposalMarshalRoundTrip(t *testing.T) {
	original := models.ChangeProposal{
		TenantID: "tenant-a",
		Kind:     models.ChangeEntityConsolidation,
		Spec:     models.EntityConsolidationSpec{SourceEntities: []string{"Buyer", "Shopper"}, TargetEntity: "Customer"},
		Title:    "merge customer shapes",
		Migration: models.MigrationStrategy{
			Required:        true,
			BackfillMode:    models.BackfillAsync,
			AffectedRecords: 120000,
		},
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded models.ChangeProposal
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	spec, ok := decoded.Spec.(models.EntityConsolidationSpec)
	if !ok {
		t.Fatalf("spec type = %T", decoded.Spec)
	}
	if spec.TargetEntity != "Customer" || len(spec.SourceEntities) != 2 {
		t.Fatalf("spec = %+v", spec)
	}
	if decoded.Migration.BackfillMode != models.BackfillAsync {
		t.Fatalf("backfill mode = %s", decoded.Migration.BackfillMode)
	}
}

func TestFailedOperationIDs(t *testing.T) {
	summary := models.ReplaySummary{
		Results: []models.ReplayResult{
			{OperationID: "op-1", Success: true},
			{OperationID: "op-2", Success: false},
			{OperationID: "op-3", Success: false},
		},
	}
	got := summary.FailedOperationIDs()
	if len(got) != 2 || got[0] != "op-2" || got[1] != "op-3" {
		t.Fatalf("failed ids = %v", got)
	}
}
