// Package queue carries frame tasks to the live recognition loop and
// recognition events out of it over NATS JetStream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/facerec/internal/models"
)

const (
	FramesStreamName  = "FRAMES"
	FramesSubjectBase = "frames"
	EventsStreamName  = "EVENTS"
	EventsSubjectBase = "events"
)

// Client holds one NATS connection used for both publishing and consuming.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials NATS, retrying in the background until the server is up.
func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("facerec"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &Client{nc: nc, js: js}, nil
}

func streamConfigs() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:        FramesStreamName,
			Subjects:    []string{FramesSubjectBase + ".>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      5 * time.Minute,
			MaxMsgs:     100000,
			MaxBytes:    1 << 30,
			Storage:     jetstream.FileStorage,
			Discard:     jetstream.DiscardOld,
			Duplicates:  30 * time.Second,
			Description: "Frames awaiting face recognition",
		},
		{
			Name:        EventsStreamName,
			Subjects:    []string{EventsSubjectBase + ".>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      24 * time.Hour,
			MaxMsgs:     1000000,
			Storage:     jetstream.FileStorage,
			Description: "Recognition events",
		},
	}
}

// EnsureStreams creates or updates both streams, retrying while NATS starts.
func (c *Client) EnsureStreams(ctx context.Context) error {
	const maxAttempts = 30

	for _, cfg := range streamConfigs() {
		for attempt := 1; ; attempt++ {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := c.js.CreateOrUpdateStream(opCtx, cfg)
			cancel()
			if err == nil {
				slog.Info("ensured NATS stream", "name", cfg.Name)
				break
			}
			if attempt == maxAttempts {
				return fmt.Errorf("create stream %s after %d attempts: %w", cfg.Name, maxAttempts, err)
			}
			slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

// PublishFrame queues a frame for recognition. The frame id doubles as the
// JetStream dedup id.
func (c *Client) PublishFrame(ctx context.Context, task models.FrameTask) error {
	subject, err := Subject(FramesSubjectBase, task.StreamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal frame task: %w", err)
	}
	if _, err := c.js.Publish(ctx, subject, payload, jetstream.WithMsgID(task.FrameID.String())); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// PublishEvent publishes a recognition event.
func (c *Client) PublishEvent(ctx context.Context, ev models.RecognitionEvent) error {
	subject, err := Subject(EventsSubjectBase, ev.StreamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := c.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// QueueDepth returns the number of frames waiting in the FRAMES stream.
func (c *Client) QueueDepth(ctx context.Context) (uint64, error) {
	stream, err := c.js.Stream(ctx, FramesStreamName)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

// SubscribeControl delivers core NATS messages on subject to handler. Control
// messages are fire-and-forget and bypass JetStream.
func (c *Client) SubscribeControl(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// PublishControl sends a control message on a core NATS subject.
func (c *Client) PublishControl(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return c.nc.Flush()
}

func (c *Client) Ping() error {
	if !c.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

// Close drains pending acks and closes the connection.
func (c *Client) Close() {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

// Subject builds "<base>.<streamID>", rejecting ids that are not a single
// subject token.
func Subject(base, streamID string) (string, error) {
	if streamID == "" || strings.ContainsAny(streamID, ".*> \t\r\n") {
		return "", fmt.Errorf("invalid stream id %q", streamID)
	}
	return base + "." + streamID, nil
}
