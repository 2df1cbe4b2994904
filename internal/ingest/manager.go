package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/facerec/internal/config"
	"github.com/your-org/facerec/internal/models"
	"github.com/your-org/facerec/internal/observability"
	"github.com/your-org/facerec/internal/queue"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"

	SourceYouTube = "youtube"
)

// Command is a start/stop request received on the control subject.
type Command struct {
	Action string `json:"action"`
	config.StreamSource
}

// FramePublisher queues captured frames.
type FramePublisher interface {
	PublishFrame(ctx context.Context, task models.FrameTask) error
}

type ManagerOption func(*Manager)

// WithCapture replaces the ffmpeg capture.
func WithCapture(fn CaptureFunc) ManagerOption {
	return func(m *Manager) { m.capture = fn }
}

// WithResolver replaces the yt-dlp resolver used for youtube sources.
func WithResolver(fn ResolveFunc) ManagerOption {
	return func(m *Manager) { m.resolve = fn }
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRetry sets how many consecutive failed captures are retried and the
// delay before each retry.
func WithRetry(maxRetries int, backoff func(attempt int) time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maxRetries = maxRetries
		m.backoff = backoff
	}
}

// Manager runs one capture goroutine per active stream.
type Manager struct {
	publisher  FramePublisher
	width      int
	capture    CaptureFunc
	resolve    ResolveFunc
	logger     *slog.Logger
	maxRetries int
	backoff    func(attempt int) time.Duration

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(publisher FramePublisher, frameWidth int, opts ...ManagerOption) *Manager {
	m := &Manager{
		publisher:  publisher,
		width:      frameWidth,
		capture:    CaptureFFmpeg,
		resolve:    ResolveYouTube,
		logger:     slog.Default(),
		maxRetries: 3,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second // 2s, 4s, 8s
		},
		streams: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleCommand decodes and applies a control message.
func (m *Manager) HandleCommand(ctx context.Context, data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("parse command: %w", err)
	}
	switch cmd.Action {
	case ActionStart:
		if cmd.FPS <= 0 {
			cmd.FPS = 5
		}
		return m.Start(ctx, cmd.StreamSource)
	case ActionStop:
		m.Stop(cmd.ID)
		return nil
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// Start begins capturing src in the background. The capture stops with ctx,
// Stop, or after the retries run out.
func (m *Manager) Start(ctx context.Context, src config.StreamSource) error {
	if _, err := queue.Subject(queue.FramesSubjectBase, src.ID); err != nil {
		return err
	}
	if src.URL == "" {
		return fmt.Errorf("stream %s has no url", src.ID)
	}

	m.mu.Lock()
	if _, running := m.streams[src.ID]; running {
		m.mu.Unlock()
		return fmt.Errorf("stream %s already running", src.ID)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	m.streams[src.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	observability.ActiveStreams.Inc()
	m.logger.Info("starting stream capture", "stream_id", src.ID, "url", redactURL(src.URL), "fps", src.FPS)

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.streams, src.ID)
			m.mu.Unlock()
			cancel()
			observability.ActiveStreams.Dec()
			m.logger.Info("stream capture stopped", "stream_id", src.ID)
		}()
		m.run(streamCtx, src)
	}()
	return nil
}

func (m *Manager) run(ctx context.Context, src config.StreamSource) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := m.backoff(attempt)
			m.logger.Warn("retrying stream capture", "stream_id", src.ID, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		url := src.URL
		if src.Type == SourceYouTube {
			resolved, err := m.resolve(ctx, src.URL)
			if err != nil {
				m.logger.Warn("resolve youtube url", "stream_id", src.ID, "error", err)
				if attempt >= m.maxRetries {
					return
				}
				continue
			}
			url = resolved
		}

		var frames atomic.Int64
		err := m.capture(ctx, url, src.FPS, m.width, func(frame []byte) error {
			frames.Add(1)
			return m.publish(ctx, src.ID, frame)
		})
		if err == nil || ctx.Err() != nil {
			return
		}

		m.logger.Error("stream capture failed", "stream_id", src.ID, "attempt", attempt, "error", err)
		if frames.Load() > 0 {
			// The source was healthy for a while; start the retry budget over.
			attempt = 0
		}
		if attempt >= m.maxRetries {
			m.logger.Error("stream capture gave up", "stream_id", src.ID, "retries", m.maxRetries)
			return
		}
	}
}

func (m *Manager) publish(ctx context.Context, streamID string, frame []byte) error {
	task := models.FrameTask{
		StreamID:  streamID,
		FrameID:   uuid.New(),
		Timestamp: time.Now().UTC(),
		Data:      frame,
	}
	if err := m.publisher.PublishFrame(ctx, task); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	observability.FramesPublished.WithLabelValues(streamID).Inc()
	return nil
}

// Stop cancels a running capture. It reports whether the stream was running.
func (m *Manager) Stop(streamID string) bool {
	m.mu.Lock()
	cancel, ok := m.streams[streamID]
	m.mu.Unlock()
	if ok {
		cancel()
		m.logger.Info("stop requested", "stream_id", streamID)
	}
	return ok
}

// StopAll cancels every capture and waits for them to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for _, cancel := range m.streams {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Wait blocks until every capture has exited on its own or been stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Active lists running stream ids.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
