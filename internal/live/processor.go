// Package live runs recognition over camera frames pulled from the FRAMES
// stream and keeps per-stream counters.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/facerec/internal/models"
	"github.com/your-org/facerec/internal/observability"
	"github.com/your-org/facerec/internal/queue"
	"github.com/your-org/facerec/internal/storage"
	"github.com/your-org/facerec/internal/vision"
	fderr "github.com/your-org/facerec/pkg/errors"
)

// ConsumerName is the durable JetStream consumer shared by all replicas.
const ConsumerName = "live-recognizer"

// fpsWindow is how many recent frame times the fps estimate is taken over.
const fpsWindow = 30

type Recognizer interface {
	Recognize(ctx context.Context, query []float32) (models.Match, bool, error)
}

type FrameReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.RecognitionEvent) error
}

type Broadcaster interface {
	Broadcast(ev models.RecognitionEvent)
}

// FrameConsumer delivers frame tasks to a handler until ctx is done.
type FrameConsumer interface {
	ConsumeFrames(ctx context.Context, consumerName string, workerCount int, handler queue.FrameHandler) error
}

type Option func(*Processor)

// WithFrameStore resolves FrameTask.FrameRef against blobs.
func WithFrameStore(blobs FrameReader) Option {
	return func(p *Processor) { p.frames = blobs }
}

// WithPublisher republishes every recognition event on the EVENTS stream.
func WithPublisher(pub EventPublisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(p *Processor) { p.events = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

type streamState struct {
	stats  models.StreamStats
	recent []time.Time
}

// Processor turns frame tasks into recognition events.
type Processor struct {
	store     Recognizer
	extractor vision.Extractor
	frames    FrameReader
	publisher EventPublisher
	events    Broadcaster
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	streams map[string]*streamState
}

func NewProcessor(store Recognizer, extractor vision.Extractor, opts ...Option) *Processor {
	p := &Processor{
		store:     store,
		extractor: extractor,
		logger:    slog.Default(),
		now:       time.Now,
		streams:   make(map[string]*streamState),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes frames with workers goroutines until ctx is done.
func (p *Processor) Run(ctx context.Context, consumer FrameConsumer, workers int) error {
	p.logger.Info("live recognition started", "workers", workers)
	err := consumer.ConsumeFrames(ctx, ConsumerName, workers, p.ProcessFrame)
	p.logger.Info("live recognition stopped")
	return err
}

// ProcessFrame detects every face in the frame and recognizes each one.
// Frames that can never succeed are returned as queue.Permanent errors.
func (p *Processor) ProcessFrame(ctx context.Context, task models.FrameTask) error {
	if task.StreamID == "" {
		return queue.Permanent(errors.New("frame task without stream id"))
	}

	data, err := p.frameData(ctx, task)
	if err != nil {
		return err
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		return queue.Permanent(err)
	}

	faces, err := p.extractor.DetectAndExtract(ctx, img)
	if err != nil {
		if fderr.HasCode(err, fderr.CodeVisionImageInvalid) {
			return queue.Permanent(err)
		}
		return fmt.Errorf("extract faces from frame %s: %w", task.FrameID, err)
	}

	observability.FramesProcessed.WithLabelValues(task.StreamID).Inc()
	observability.FacesDetected.WithLabelValues(task.StreamID).Add(float64(len(faces)))

	ts := task.Timestamp
	if ts.IsZero() {
		ts = p.now().UTC()
	}

	recognized := 0
	for _, face := range faces {
		ev := models.RecognitionEvent{
			ID:         uuid.New(),
			StreamID:   task.StreamID,
			Timestamp:  ts,
			BBox:       face.BBox,
			Confidence: face.Confidence,
		}

		match, ok, err := p.store.Recognize(ctx, face.Embedding)
		if err != nil {
			p.logger.Warn("recognize face", "stream_id", task.StreamID, "frame_id", task.FrameID, "error", err)
			continue
		}
		if ok {
			id := match.IdentityID
			ev.IdentityID = &id
			ev.Name = match.Name
			ev.Score = match.Score
			recognized++
			observability.FacesRecognized.WithLabelValues(task.StreamID).Inc()
		}
		p.emit(ctx, ev)
	}

	p.record(task.StreamID, len(faces), recognized)
	return nil
}

func (p *Processor) frameData(ctx context.Context, task models.FrameTask) ([]byte, error) {
	if len(task.Data) > 0 {
		return task.Data, nil
	}
	if task.FrameRef == "" {
		return nil, queue.Permanent(errors.New("frame task carries neither data nor frame_ref"))
	}
	if p.frames == nil {
		return nil, queue.Permanent(fmt.Errorf("frame_ref %q but no frame store configured", task.FrameRef))
	}

	data, err := p.frames.Get(ctx, task.FrameRef)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, queue.Permanent(fmt.Errorf("frame %s: %w", task.FrameRef, err))
	}
	if err != nil {
		return nil, fmt.Errorf("load frame %s: %w", task.FrameRef, err)
	}
	return data, nil
}

func (p *Processor) emit(ctx context.Context, ev models.RecognitionEvent) {
	if p.publisher != nil {
		if err := p.publisher.PublishEvent(ctx, ev); err != nil {
			p.logger.Error("publish recognition event", "stream_id", ev.StreamID, "error", err)
		}
	}
	if p.events != nil {
		p.events.Broadcast(ev)
	}
}

func (p *Processor) record(streamID string, detected, recognized int) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.streams[streamID]
	if !ok {
		st = &streamState{stats: models.StreamStats{StreamID: streamID}}
		p.streams[streamID] = st
	}
	st.stats.FramesProcessed++
	st.stats.FacesDetected += int64(detected)
	st.stats.FacesRecognized += int64(recognized)
	st.stats.LastFrameAt = now

	st.recent = append(st.recent, now)
	if len(st.recent) > fpsWindow {
		st.recent = st.recent[len(st.recent)-fpsWindow:]
	}
	if n := len(st.recent); n > 1 {
		if span := st.recent[n-1].Sub(st.recent[0]).Seconds(); span > 0 {
			st.stats.FPS = float64(n-1) / span
		}
	}
}

// Snapshot returns the counters of every stream seen so far, by stream id.
func (p *Processor) Snapshot() []models.StreamStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.StreamStats, 0, len(p.streams))
	for _, st := range p.streams {
		out = append(out, st.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}
