package facedb

import (
	"log/slog"
	"time"

	"github.com/your-org/facerec/internal/config"
)

// DefaultThreshold is the recognition threshold of a fresh catalog.
const DefaultThreshold = 0.5

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithThreshold overrides the threshold stored in the catalog. The new value is
// written back on the next flush.
func WithThreshold(t float64) Option {
	return func(s *Store) {
		s.thresholdOverride = &t
	}
}

// WithModel pins the model identifier. Loading a catalog written by a different
// model fails with a model mismatch.
func WithModel(modelID string) Option {
	return func(s *Store) {
		s.modelID = modelID
	}
}

// WithDeferredStats keeps recognition statistics in memory instead of flushing
// the catalog on every successful Recognize. They are written by the next
// mutation, Persist or Close.
func WithDeferredStats() Option {
	return func(s *Store) {
		s.deferStats = true
	}
}

// WithLoadWorkers bounds the number of concurrent vector reads during Load.
func WithLoadWorkers(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.loadWorkers = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// OptionsFromConfig translates the store section of the service config.
func OptionsFromConfig(cfg config.StoreConfig, logger *slog.Logger) []Option {
	opts := []Option{WithLogger(logger), WithLoadWorkers(cfg.LoadWorkers)}
	if cfg.Threshold != nil {
		opts = append(opts, WithThreshold(*cfg.Threshold))
	}
	if cfg.ModelID != "" {
		opts = append(opts, WithModel(cfg.ModelID))
	}
	if cfg.DeferStats {
		opts = append(opts, WithDeferredStats())
	}
	return opts
}
