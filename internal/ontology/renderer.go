// Package ontology renders change proposals into graph schema statements and
// keeps the declarative ontology document in sync with applied changes.
package ontology

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ontopilot/ontopilot/internal/models"
)

// Document is the declarative ontology definition, stored as YAML.
type Document struct {
	Version       int               `yaml:"version"`
	Entities      map[string]Entity `yaml:"entities"`
	Relationships []Relationship    `yaml:"relationships,omitempty"`
	Indexes       []Index           `yaml:"indexes,omitempty"`
	Rules         []ValidationRule  `yaml:"rules,omitempty"`
	Deprecated    map[string]string `yaml:"deprecated,omitempty"`
}

type Entity struct {
	Properties map[string]Property `yaml:"properties,omitempty"`
}

type Property struct {
	Type       string   `yaml:"type"`
	Computed   bool     `yaml:"computed,omitempty"`
	Expression string   `yaml:"expression,omitempty"`
	Sources    []string `yaml:"sources,omitempty"`
}

type Relationship struct {
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	Type        string `yaml:"type"`
	Cardinality string `yaml:"cardinality,omitempty"`
}

type Index struct {
	Entity     string   `yaml:"entity"`
	Properties []string `yaml:"properties"`
	Unique     bool     `yaml:"unique,omitempty"`
}

type ValidationRule struct {
	Entity   string `yaml:"entity"`
	Property string `yaml:"property"`
	Rule     string `yaml:"rule"`
}

// LoadDocument reads and parses an ontology YAML file.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ontology document: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ontology document: %w", err)
	}
	if doc.Entities == nil {
		doc.Entities = map[string]Entity{}
	}
	return &doc, nil
}

// Marshal serializes the document back to YAML.
func (d *Document) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal ontology document: %w", err)
	}
	return out, nil
}

// Renderer turns proposals into graph schema statements. The same statements
// drive both sandbox simulation and production cutover, so a simulated change
// is exactly the change that ships.
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// SchemaStatements renders the proposal into ordered schema statements,
// including any migration statements the proposal carries.
func (r *Renderer) SchemaStatements(proposal models.ChangeProposal) ([]string, error) {
	if proposal.Spec == nil {
		return nil, fmt.Errorf("proposal %s has no spec", proposal.ID)
	}

	var statements []string
	switch spec := proposal.Spec.(type) {
	case models.NewRelationshipSpec:
		if spec.FromEntity == "" || spec.ToEntity == "" || spec.RelationshipType == "" {
			return nil, fmt.Errorf("new relationship requires from, to and type")
		}
		stmt := fmt.Sprintf("CREATE RELATIONSHIP %s FROM %s TO %s", spec.RelationshipType, spec.FromEntity, spec.ToEntity)
		if spec.Cardinality != "" {
			stmt += " CARDINALITY " + spec.Cardinality
		}
		statements = append(statements, stmt)

	case models.ComputedFieldSpec:
		if spec.Entity == "" || spec.FieldName == "" || spec.Expression == "" {
			return nil, fmt.Errorf("computed field requires entity, field name and expression")
		}
		statements = append(statements,
			fmt.Sprintf("ALTER ENTITY %s ADD COMPUTED FIELD %s AS (%s)", spec.Entity, spec.FieldName, spec.Expression))

	case models.IndexSpec:
		if spec.Entity == "" || len(spec.Properties) == 0 {
			return nil, fmt.Errorf("index requires entity and at least one property")
		}
		kind := "INDEX"
		if spec.Unique {
			kind = "UNIQUE INDEX"
		}
		statements = append(statements,
			fmt.Sprintf("CREATE %s ON %s (%s)", kind, spec.Entity, strings.Join(spec.Properties, ", ")))

	case models.ValidationRuleSpec:
		if spec.Entity == "" || spec.Property == "" || spec.Rule == "" {
			return nil, fmt.Errorf("validation rule requires entity, property and rule")
		}
		statements = append(statements,
			fmt.Sprintf("CREATE CONSTRAINT ON %s.%s CHECK (%s)", spec.Entity, spec.Property, spec.Rule))

	case models.EntityConsolidationSpec:
		if len(spec.SourceEntities) == 0 || spec.TargetEntity == "" {
			return nil, fmt.Errorf("entity consolidation requires sources and a target")
		}
		statements = append(statements,
			fmt.Sprintf("MERGE ENTITIES %s INTO %s", strings.Join(spec.SourceEntities, ", "), spec.TargetEntity))

	case models.DeprecateEntitySpec:
		if spec.Entity == "" {
			return nil, fmt.Errorf("deprecation requires an entity")
		}
		stmt := fmt.Sprintf("DEPRECATE ENTITY %s", spec.Entity)
		if spec.ReplacedBy != "" {
			stmt += " REPLACED BY " + spec.ReplacedBy
		}
		statements = append(statements, stmt)

	default:
		return nil, fmt.Errorf("unsupported proposal kind %q", proposal.Kind)
	}

	statements = append(statements, proposal.Migration.Statements...)
	return statements, nil
}

// Apply folds an accepted proposal into the ontology document so the YAML
// definition keeps matching what production runs.
func (r *Renderer) Apply(doc *Document, proposal models.ChangeProposal) error {
	if doc.Entities == nil {
		doc.Entities = map[string]Entity{}
	}

	switch spec := proposal.Spec.(type) {
	case models.NewRelationshipSpec:
		for _, rel := range doc.Relationships {
			if rel.From == spec.FromEntity && rel.To == spec.ToEntity && rel.Type == spec.RelationshipType {
				return fmt.Errorf("relationship %s from %s to %s already defined", spec.RelationshipType, spec.FromEntity, spec.ToEntity)
			}
		}
		doc.Relationships = append(doc.Relationships, Relationship{
			From:        spec.FromEntity,
			To:          spec.ToEntity,
			Type:        spec.RelationshipType,
			Cardinality: spec.Cardinality,
		})

	case models.ComputedFieldSpec:
		entity := doc.Entities[spec.Entity]
		if entity.Properties == nil {
			entity.Properties = map[string]Property{}
		}
		if _, exists := entity.Properties[spec.FieldName]; exists {
			return fmt.Errorf("property %s.%s already defined", spec.Entity, spec.FieldName)
		}
		sources := append([]string(nil), spec.SourceFields...)
		sort.Strings(sources)
		entity.Properties[spec.FieldName] = Property{
			Type:       "computed",
			Computed:   true,
			Expression: spec.Expression,
			Sources:    sources,
		}
		doc.Entities[spec.Entity] = entity

	case models.IndexSpec:
		doc.Indexes = append(doc.Indexes, Index{
			Entity:     spec.Entity,
			Properties: append([]string(nil), spec.Properties...),
			Unique:     spec.Unique,
		})

	case models.ValidationRuleSpec:
		doc.Rules = append(doc.Rules, ValidationRule{
			Entity:   spec.Entity,
			Property: spec.Property,
			Rule:     spec.Rule,
		})

	case models.EntityConsolidationSpec:
		if doc.Deprecated == nil {
			doc.Deprecated = map[string]string{}
		}
		for _, src := range spec.SourceEntities {
			doc.Deprecated[src] = spec.TargetEntity
		}
		if _, ok := doc.Entities[spec.TargetEntity]; !ok {
			doc.Entities[spec.TargetEntity] = Entity{}
		}

	case models.DeprecateEntitySpec:
		if doc.Deprecated == nil {
			doc.Deprecated = map[string]string{}
		}
		doc.Deprecated[spec.Entity] = spec.ReplacedBy

	default:
		return fmt.Errorf("unsupported proposal kind %q", proposal.Kind)
	}

	doc.Version++
	return nil
}
