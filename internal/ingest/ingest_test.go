package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/facerec/internal/config"
	"github.com/your-org/facerec/internal/models"
)

func TestFFmpegArgs(t *testing.T) {
	rtsp := ffmpegArgs("rtsp://cam/stream", 5, 1280)
	assert.Contains(t, rtsp, "-rtsp_transport")
	assert.NotContains(t, rtsp, "-re")
	assert.Contains(t, rtsp, "fps=5,scale=1280:-2")
	assert.Equal(t, "pipe:1", rtsp[len(rtsp)-1])

	httpArgs := ffmpegArgs("https://cdn/live.m3u8", 2, 640)
	assert.Contains(t, httpArgs, "-reconnect")
	assert.Contains(t, httpArgs, "fps=2,scale=640:-2")

	file := ffmpegArgs("/videos/door.mp4", 1, 320)
	assert.Contains(t, file, "-re")
}

func TestSplitJPEGFrames(t *testing.T) {
	frame1 := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0x00, 0xFF, 0xD9}
	frame2 := []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}
	partial := []byte{0xFF, 0xD8, 0x04, 0x05}

	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x13})
	stream.Write(frame1)
	stream.Write([]byte{0x42})
	stream.Write(frame2)
	stream.Write(partial)

	var got [][]byte
	n, err := splitJPEGFrames(context.Background(), &stream, func(f []byte) error {
		got = append(got, f)
		return errors.New("ignored")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{frame1, frame2}, got)
}

func TestSplitJPEGFramesEmpty(t *testing.T) {
	n, err := splitJPEGFrames(context.Background(), bytes.NewReader(nil), func([]byte) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "rtsp://***@10.0.0.5/live", redactURL("rtsp://admin:pw@10.0.0.5/live"))
	assert.Equal(t, "rtsp://10.0.0.5/live", redactURL("rtsp://10.0.0.5/live"))
	assert.Equal(t, "https://host/a@b", redactURL("https://host/a@b"))
	assert.Equal(t, "/videos/a.mp4", redactURL("/videos/a.mp4"))
}

func TestFirstLine(t *testing.T) {
	url, err := firstLine("https://video\nhttps://audio\n")
	require.NoError(t, err)
	assert.Equal(t, "https://video", url)

	_, err = firstLine("  \n")
	assert.Error(t, err)
}

type framesSink struct {
	mu    sync.Mutex
	tasks []models.FrameTask
}

func (f *framesSink) PublishFrame(_ context.Context, task models.FrameTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *framesSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noDelay(int) time.Duration { return time.Millisecond }

func TestManagerPublishesCapturedFrames(t *testing.T) {
	sink := &framesSink{}
	capture := func(_ context.Context, url string, fps, width int, onFrame FrameFunc) error {
		assert.Equal(t, "/videos/door.mp4", url)
		assert.Equal(t, 3, fps)
		assert.Equal(t, 640, width)
		for i := 0; i < 3; i++ {
			assert.NoError(t, onFrame([]byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9}))
		}
		return nil
	}
	m := NewManager(sink, 640, WithCapture(capture), WithLogger(quiet()))

	require.NoError(t, m.Start(context.Background(), config.StreamSource{ID: "door", URL: "/videos/door.mp4", FPS: 3}))
	m.Wait()

	require.Equal(t, 3, sink.count())
	for _, task := range sink.tasks {
		assert.Equal(t, "door", task.StreamID)
		assert.NotEmpty(t, task.Data)
		assert.False(t, task.Timestamp.IsZero())
	}
	assert.NotEqual(t, sink.tasks[0].FrameID, sink.tasks[1].FrameID)
	assert.Empty(t, m.Active())
}

func TestManagerStartValidation(t *testing.T) {
	m := NewManager(&framesSink{}, 640, WithLogger(quiet()))

	assert.Error(t, m.Start(context.Background(), config.StreamSource{ID: "a.b", URL: "x"}))
	assert.Error(t, m.Start(context.Background(), config.StreamSource{ID: "cam"}))
}

func TestManagerStopAndDuplicate(t *testing.T) {
	started := make(chan struct{})
	capture := func(ctx context.Context, _ string, _, _ int, _ FrameFunc) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	m := NewManager(&framesSink{}, 640, WithCapture(capture), WithLogger(quiet()))

	src := config.StreamSource{ID: "lobby", URL: "rtsp://cam", FPS: 5}
	require.NoError(t, m.Start(context.Background(), src))
	<-started
	assert.Equal(t, []string{"lobby"}, m.Active())
	assert.Error(t, m.Start(context.Background(), src))

	assert.True(t, m.Stop("lobby"))
	assert.False(t, m.Stop("unknown"))
	m.StopAll()
	assert.Empty(t, m.Active())
}

func TestManagerRetriesThenGivesUp(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	capture := func(context.Context, string, int, int, FrameFunc) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("connection refused")
	}
	m := NewManager(&framesSink{}, 640, WithCapture(capture), WithLogger(quiet()), WithRetry(2, noDelay))

	require.NoError(t, m.Start(context.Background(), config.StreamSource{ID: "cam", URL: "rtsp://cam", FPS: 5}))
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestManagerResolvesYouTube(t *testing.T) {
	var gotURL string
	capture := func(_ context.Context, url string, _, _ int, _ FrameFunc) error {
		gotURL = url
		return nil
	}
	resolve := func(_ context.Context, page string) (string, error) {
		return "https://media.example/" + page[len(page)-3:], nil
	}
	m := NewManager(&framesSink{}, 640, WithCapture(capture), WithResolver(resolve), WithLogger(quiet()))

	require.NoError(t, m.Start(context.Background(), config.StreamSource{
		ID: "yt", URL: "https://youtube.com/watch?v=abc", Type: SourceYouTube, FPS: 1,
	}))
	m.Wait()
	assert.Equal(t, "https://media.example/abc", gotURL)
}

func TestHandleCommand(t *testing.T) {
	started := make(chan config.StreamSource, 1)
	capture := func(ctx context.Context, url string, fps, _ int, _ FrameFunc) error {
		started <- config.StreamSource{URL: url, FPS: fps}
		<-ctx.Done()
		return nil
	}
	m := NewManager(&framesSink{}, 640, WithCapture(capture), WithLogger(quiet()))
	ctx := context.Background()

	require.NoError(t, m.HandleCommand(ctx, []byte(`{"action":"start","stream_id":"gate","url":"rtsp://gate"}`)))
	src := <-started
	assert.Equal(t, "rtsp://gate", src.URL)
	assert.Equal(t, 5, src.FPS)

	require.NoError(t, m.HandleCommand(ctx, []byte(`{"action":"stop","stream_id":"gate"}`)))
	m.StopAll()
	assert.Empty(t, m.Active())

	assert.Error(t, m.HandleCommand(ctx, []byte(`{"action":"pause","stream_id":"gate"}`)))
	assert.Error(t, m.HandleCommand(ctx, []byte(`not json`)))
}
