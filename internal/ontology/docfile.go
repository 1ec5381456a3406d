package ontology

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/ontopilot/ontopilot/internal/models"
)

// DocumentFile owns the on-disk ontology document. Every update is a full
// read-modify-write cycle under one lock, so concurrent deployment
// completions cannot interleave their edits.
type DocumentFile struct {
	path     string
	renderer *Renderer

	mu sync.Mutex
}

func NewDocumentFile(path string, renderer *Renderer) *DocumentFile {
	return &DocumentFile{path: path, renderer: renderer}
}

// ApplyProposal folds a shipped proposal into the document and writes the
// updated YAML back. A missing file starts an empty document, so the first
// deployed change bootstraps it.
func (f *DocumentFile) ApplyProposal(proposal models.ChangeProposal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := LoadDocument(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		doc = &Document{Entities: map[string]Entity{}}
	case err != nil:
		return err
	}

	if err := f.renderer.Apply(doc, proposal); err != nil {
		return fmt.Errorf("fold proposal %s into ontology document: %w", proposal.ID, err)
	}
	out, err := doc.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.path, out, 0o644); err != nil {
		return fmt.Errorf("write ontology document: %w", err)
	}
	log.Printf("[ontology] document %s now at version %d after %s", f.path, doc.Version, proposal.ID)
	return nil
}
