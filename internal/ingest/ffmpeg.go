// Package ingest captures JPEG frames from camera streams and queues them for
// the live recognition loop.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// maxFrameBytes bounds one JPEG read from ffmpeg.
const maxFrameBytes = 10 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// FrameFunc receives each captured JPEG frame.
type FrameFunc func(frame []byte) error

// CaptureFunc runs a capture of url until ctx is done or the source ends.
type CaptureFunc func(ctx context.Context, url string, fps, width int, onFrame FrameFunc) error

// ffmpegArgs builds the command line that turns url into an MJPEG pipe at fps
// frames per second, scaled to width.
func ffmpegArgs(url string, fps, width int) []string {
	args := []string{"-hide_banner", "-loglevel", "warning"}

	switch {
	case strings.HasPrefix(url, "rtsp://"), strings.HasPrefix(url, "rtsps://"):
		// timeouts are in microseconds
		args = append(args, "-rtsp_transport", "tcp", "-timeout", "5000000")
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-rw_timeout", "10000000",
		)
	default:
		// Local files play at their native rate instead of as fast as possible.
		args = append(args, "-re")
	}

	return append(args,
		"-i", url,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:-2", fps, width),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)
}

// CaptureFFmpeg runs ffmpeg against url and hands every frame to onFrame. It
// blocks until ctx is cancelled or the stream ends.
func CaptureFFmpeg(ctx context.Context, url string, fps, width int, onFrame FrameFunc) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", ffmpegArgs(url, fps, width)...)
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg", "url", redactURL(url), "output", scanner.Text())
		}
	}()

	n, readErr := splitJPEGFrames(ctx, stdout, onFrame)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if readErr != nil {
		return fmt.Errorf("read frames: %w", readErr)
	}
	if n == 0 {
		if waitErr != nil {
			return fmt.Errorf("ffmpeg produced no frames: %w", waitErr)
		}
		return errors.New("ffmpeg produced no frames")
	}
	return waitErr
}

// splitJPEGFrames cuts a concatenated MJPEG stream at SOI/EOI markers. A stream
// that ends mid-frame drops the partial frame. onFrame errors are logged and
// do not stop the capture.
func splitJPEGFrames(ctx context.Context, r io.Reader, onFrame FrameFunc) (int, error) {
	br := bufio.NewReaderSize(r, 512<<10)
	var frame bytes.Buffer
	frames := 0

	for ctx.Err() == nil {
		if err := skipTo(br, jpegSOI); err != nil {
			return frames, eofOK(err)
		}

		frame.Reset()
		frame.Write(jpegSOI)
		if err := readThrough(br, &frame, jpegEOI); err != nil {
			return frames, eofOK(err)
		}

		frames++
		if err := onFrame(bytes.Clone(frame.Bytes())); err != nil {
			slog.Warn("frame callback", "frame", frames, "error", err)
		}
	}
	return frames, ctx.Err()
}

func skipTo(br *bufio.Reader, marker []byte) error {
	prev := byte(0)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return err
		}
		if prev == marker[0] && b == marker[1] {
			return nil
		}
		prev = b
	}
}

func readThrough(br *bufio.Reader, dst *bytes.Buffer, marker []byte) error {
	prev := byte(0)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return err
		}
		dst.WriteByte(b)
		if prev == marker[0] && b == marker[1] {
			return nil
		}
		if dst.Len() > maxFrameBytes {
			return fmt.Errorf("jpeg frame exceeds %d bytes", maxFrameBytes)
		}
		prev = b
	}
}

func eofOK(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

// redactURL drops credentials from a camera URL before it is logged.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			return scheme + "://***@" + rest[at+1:]
		}
	}
	return raw
}
