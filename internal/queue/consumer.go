package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/facerec/internal/models"
)

// FrameHandler processes one frame task. Returning an error wrapped with
// Permanent terminates the message; any other error asks for redelivery.
type FrameHandler func(ctx context.Context, task models.FrameTask) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ConsumeFrames pulls frame tasks with a durable consumer and hands them to
// workerCount goroutines. It blocks until ctx is done.
func (c *Client) ConsumeFrames(ctx context.Context, consumerName string, workerCount int, handler FrameHandler) error {
	if workerCount < 1 {
		workerCount = 1
	}

	stream, err := c.js.Stream(ctx, FramesStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", FramesStreamName, err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		FilterSubject: FramesSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgs := make(chan jetstream.Msg, workerCount*2)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(msgs)
		for gctx.Err() == nil {
			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				slog.Warn("fetch frames", "error", err)
				time.Sleep(time.Second)
				continue
			}
			for msg := range batch.Messages() {
				select {
				case msgs <- msg:
				case <-gctx.Done():
					return nil
				}
			}
		}
		return nil
	})

	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for msg := range msgs {
				handleFrame(gctx, i, msg, handler)
			}
			return nil
		})
	}

	slog.Info("frame consumer started", "consumer", consumerName, "workers", workerCount)
	return g.Wait()
}

func handleFrame(ctx context.Context, worker int, msg jetstream.Msg, handler FrameHandler) {
	var task models.FrameTask
	err := json.Unmarshal(msg.Data(), &task)
	if err != nil {
		err = Permanent(fmt.Errorf("decode frame task: %w", err))
	} else {
		err = handler(ctx, task)
	}

	switch {
	case err == nil:
		_ = msg.Ack()
	case IsPermanent(err):
		slog.Warn("dropping frame", "worker", worker, "subject", msg.Subject(), "error", err)
		_ = msg.Term()
	default:
		slog.Error("process frame", "worker", worker, "subject", msg.Subject(), "error", err)
		_ = msg.Nak()
	}
}
