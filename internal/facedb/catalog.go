package facedb

import (
	"encoding/json"
	"fmt"

	"github.com/your-org/facerec/internal/models"
)

const (
	catalogKey     = "catalog.json"
	catalogVersion = 1
)

// catalogDoc is the persisted catalog. Identities are kept in insertion order.
type catalogDoc struct {
	Version    int               `json:"version"`
	Config     catalogConfig     `json:"config"`
	Identities []models.Identity `json:"identities"`
}

type catalogConfig struct {
	Threshold      float64 `json:"threshold"`
	Dimensionality int     `json:"dimensionality"`
	ModelID        string  `json:"model_id,omitempty"`
}

func embeddingKey(id string, index int) string {
	return fmt.Sprintf("embeddings/%s/%d.f32", id, index)
}

func imageKey(id string, index int) string {
	return fmt.Sprintf("faces/%s/%d.jpg", id, index)
}

func encodeCatalog(doc *catalogDoc) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// decodeCatalog parses and validates a catalog document.
func decodeCatalog(data []byte) (*catalogDoc, error) {
	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	for i := range doc.Identities {
		if doc.Identities[i].Metadata == nil {
			doc.Identities[i].Metadata = map[string]any{}
		}
	}
	return &doc, nil
}

func (d *catalogDoc) validate() error {
	if d.Version != catalogVersion {
		return fmt.Errorf("unsupported catalog version %d", d.Version)
	}
	if d.Config.Threshold < 0 || d.Config.Threshold > 1 {
		return fmt.Errorf("threshold %v outside [0,1]", d.Config.Threshold)
	}
	if d.Config.Dimensionality < 0 {
		return fmt.Errorf("negative dimensionality %d", d.Config.Dimensionality)
	}
	if len(d.Identities) > 0 && d.Config.Dimensionality == 0 {
		return fmt.Errorf("catalog lists %d identities but no dimensionality", len(d.Identities))
	}

	ids := make(map[string]struct{}, len(d.Identities))
	refs := make(map[string]string)
	for _, ident := range d.Identities {
		if err := validateID(ident.ID); err != nil {
			return err
		}
		if _, dup := ids[ident.ID]; dup {
			return fmt.Errorf("duplicate identity id %q", ident.ID)
		}
		ids[ident.ID] = struct{}{}

		if len(ident.Samples) == 0 {
			return fmt.Errorf("identity %q has no samples", ident.ID)
		}
		for pos, sample := range ident.Samples {
			if sample.Index != pos {
				return fmt.Errorf("identity %q sample %d has index %d", ident.ID, pos, sample.Index)
			}
			if sample.EmbeddingRef == "" {
				return fmt.Errorf("identity %q sample %d has no embedding ref", ident.ID, pos)
			}
			if owner, dup := refs[sample.EmbeddingRef]; dup {
				return fmt.Errorf("embedding ref %q shared by %q and %q", sample.EmbeddingRef, owner, ident.ID)
			}
			refs[sample.EmbeddingRef] = ident.ID
		}
	}
	return nil
}
