package facedb

import (
	"context"
	"sort"
	"time"

	"github.com/your-org/facerec/internal/models"
	"github.com/your-org/facerec/internal/observability"
	fderr "github.com/your-org/facerec/pkg/errors"
)

type candidate struct {
	ident *models.Identity
	score float32
}

// FindMatch ranks identities by their best cosine similarity to query over
// all of their samples and returns at most topK, best first. Identities whose
// vectors are all unavailable are left out. Ties keep insertion order.
func (s *Store) FindMatch(_ context.Context, query []float32, topK int) ([]models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observeOp("find_match", time.Now())

	cands, err := s.rankLocked(query, topK)
	if err != nil {
		return nil, err
	}

	matches := make([]models.Match, 0, len(cands))
	for _, c := range cands {
		matches = append(matches, models.Match{IdentityID: c.ident.ID, Name: c.ident.Name, Score: c.score})
	}
	return matches, nil
}

// Recognize returns the best match when its score reaches the threshold and
// records the recognition on that identity. Below the threshold it reports
// false and changes nothing.
func (s *Store) Recognize(ctx context.Context, query []float32) (models.Match, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observeOp("recognize", time.Now())

	cands, err := s.rankLocked(query, 1)
	if err != nil {
		return models.Match{}, false, err
	}
	if len(cands) == 0 || float64(cands[0].score) < s.threshold {
		observability.Recognitions.WithLabelValues("unknown").Inc()
		return models.Match{}, false, nil
	}

	best := cands[0]
	now := s.now().UTC()
	best.ident.LastSeen = &now
	best.ident.RecognitionCount++
	s.dirty = true
	observability.Recognitions.WithLabelValues("recognized").Inc()

	if !s.deferStats {
		if err := s.flushLocked(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("flush recognition stats", "id", best.ident.ID, "error", err)
		}
	}

	return models.Match{IdentityID: best.ident.ID, Name: best.ident.Name, Score: best.score}, true, nil
}

func (s *Store) rankLocked(query []float32, topK int) ([]candidate, error) {
	if topK < 1 {
		return nil, fderr.New(fderr.CodeStoreInputInvalid, "top_k must be positive", fderr.Field("top_k", topK))
	}
	if len(s.identities) == 0 {
		return nil, nil
	}
	if err := s.checkEmbedding(query); err != nil {
		return nil, err
	}

	cands := make([]candidate, 0, len(s.identities))
	for _, ident := range s.identities {
		var (
			best  float32
			found bool
		)
		for _, sample := range ident.Samples {
			vec := s.vectors[sample.EmbeddingRef]
			if vec == nil {
				continue
			}
			sim := CosineSimilarity(query, vec)
			if !found || sim > best {
				best, found = sim, true
			}
		}
		if found {
			cands = append(cands, candidate{ident: ident, score: best})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})
	if len(cands) > topK {
		cands = cands[:topK]
	}
	return cands, nil
}
