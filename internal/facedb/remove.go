package facedb

import (
	"context"
	"slices"
	"time"

	"github.com/your-org/facerec/internal/models"
	fderr "github.com/your-org/facerec/pkg/errors"
)

// Remove deletes identity id. The catalog is flushed first; sample files are
// then deleted best-effort, and files that cannot be deleted are logged.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observeOp("remove", time.Now())

	if _, ok := s.byID[id]; !ok {
		return notFound(id)
	}
	if err := s.removeLocked(context.WithoutCancel(ctx), id); err != nil {
		return err
	}

	s.updateGaugesLocked()
	s.logger.Info("identity removed", "id", id)
	return nil
}

func (s *Store) removeLocked(ctx context.Context, id string) error {
	pos := s.indexOf(id)
	ident := s.identities[pos]

	s.identities = slices.Delete(s.identities, pos, pos+1)
	delete(s.byID, id)

	if err := s.flushLocked(ctx); err != nil {
		s.identities = slices.Insert(s.identities, pos, ident)
		s.byID[id] = ident
		return err
	}

	for _, sample := range ident.Samples {
		delete(s.vectors, sample.EmbeddingRef)
		s.deleteBlob(ctx, sample.EmbeddingRef)
		s.deleteBlob(ctx, sample.ImageRef)
	}
	return nil
}

// UpdateMetadata merges patch into the identity's metadata key by key. A
// "name" entry also renames the identity.
func (s *Store) UpdateMetadata(ctx context.Context, id string, patch map[string]any) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observeOp("update_metadata", time.Now())

	ident, ok := s.byID[id]
	if !ok {
		return models.Identity{}, notFound(id)
	}

	name := ident.Name
	if raw, ok := patch["name"]; ok {
		n, isString := raw.(string)
		if !isString || n == "" {
			return models.Identity{}, fderr.New(fderr.CodeStoreInputInvalid, "name must be a non-empty string", fderr.FieldID(id))
		}
		name = n
	}

	prevName := ident.Name
	prevMeta := ident.Metadata
	meta := make(map[string]any, len(prevMeta)+len(patch))
	for k, v := range prevMeta {
		meta[k] = v
	}
	for k, v := range patch {
		meta[k] = v
	}
	ident.Metadata = meta
	ident.Name = name

	if err := s.flushLocked(context.WithoutCancel(ctx)); err != nil {
		ident.Metadata = prevMeta
		ident.Name = prevName
		return models.Identity{}, err
	}
	return ident.Clone(), nil
}
