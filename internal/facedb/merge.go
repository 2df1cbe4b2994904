package facedb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/your-org/facerec/internal/models"
	"github.com/your-org/facerec/internal/storage"
	fderr "github.com/your-org/facerec/pkg/errors"
)

// MergeResult describes what MergeByName did.
type MergeResult struct {
	SurvivorID   string   `json:"survivor_id"`
	Absorbed     []string `json:"absorbed"`
	SamplesMoved int      `json:"samples_moved"`
}

// MergeByName folds every identity named name into the oldest one. Each
// absorbed identity has its samples appended to the survivor and is then
// removed. It returns nil when fewer than two identities share the name.
//
// The merge is not atomic. On failure the returned result lists the steps
// that completed, which stay applied; calling MergeByName again finishes the
// remaining work.
func (s *Store) MergeByName(ctx context.Context, name string) (*MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observeOp("merge", time.Now())

	var group []*models.Identity
	for _, ident := range s.identities {
		if ident.Name == name {
			group = append(group, ident)
		}
	}
	if len(group) < 2 {
		return nil, nil
	}

	survivor := group[0]
	for _, ident := range group[1:] {
		if ident.RegisteredAt.Before(survivor.RegisteredAt) {
			survivor = ident
		}
	}

	ctx = context.WithoutCancel(ctx)
	res := &MergeResult{SurvivorID: survivor.ID}
	defer s.updateGaugesLocked()

	for _, absorbed := range group {
		if absorbed == survivor {
			continue
		}

		vectors, images, err := s.readSamplesLocked(ctx, absorbed)
		if err != nil {
			return res, fmt.Errorf("merge %s into %s: %w", absorbed.ID, survivor.ID, err)
		}
		for i := range vectors {
			if _, err := s.appendSampleLocked(ctx, survivor, vectors[i], images[i]); err != nil {
				return res, fmt.Errorf("merge %s into %s: %w", absorbed.ID, survivor.ID, err)
			}
			res.SamplesMoved++
		}
		if err := s.removeLocked(ctx, absorbed.ID); err != nil {
			return res, fmt.Errorf("merge %s into %s: %w", absorbed.ID, survivor.ID, err)
		}
		res.Absorbed = append(res.Absorbed, absorbed.ID)
	}

	s.logger.Info("identities merged",
		"name", name,
		"survivor", survivor.ID,
		"absorbed", res.Absorbed,
		"samples_moved", res.SamplesMoved,
	)
	return res, nil
}

// readSamplesLocked loads every vector of ident, failing if any is
// unavailable, and its images best-effort.
func (s *Store) readSamplesLocked(ctx context.Context, ident *models.Identity) ([][]float32, [][]byte, error) {
	vectors := make([][]float32, len(ident.Samples))
	images := make([][]byte, len(ident.Samples))

	for i, sample := range ident.Samples {
		vec := s.vectors[sample.EmbeddingRef]
		if vec == nil {
			data, err := s.blobs.Get(ctx, sample.EmbeddingRef)
			if err != nil {
				return nil, nil, fderr.Wrap(err, fderr.CodeStoreIOFailure, "read embedding",
					fderr.FieldID(ident.ID), fderr.Field("index", i))
			}
			vec, err = decodeVector(data, s.dim)
			if err != nil {
				return nil, nil, fderr.Wrap(err, fderr.CodeStoreCatalogCorrupt, "invalid embedding blob",
					fderr.FieldID(ident.ID), fderr.Field("index", i))
			}
		}
		vectors[i] = vec

		if sample.ImageRef == "" {
			continue
		}
		img, err := s.blobs.Get(ctx, sample.ImageRef)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("face image unreadable, merging without it", "id", ident.ID, "index", i, "error", err)
			}
			continue
		}
		images[i] = img
	}
	return vectors, images, nil
}
