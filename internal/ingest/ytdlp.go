package ingest

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ResolveFunc turns a page URL into a URL ffmpeg can read.
type ResolveFunc func(ctx context.Context, url string) (string, error)

// ResolveYouTube asks yt-dlp for the direct media URL of a YouTube page. The
// returned URL expires, so callers resolve again before each reconnect.
func ResolveYouTube(ctx context.Context, pageURL string) (string, error) {
	out, err := exec.CommandContext(ctx, "yt-dlp",
		"--get-url",
		"--format", "best[height<=1080]",
		"--no-playlist",
		pageURL,
	).Output()
	if err != nil {
		return "", fmt.Errorf("yt-dlp: %w", err)
	}
	return firstLine(string(out))
}

// firstLine picks the video URL; yt-dlp prints audio on a second line for
// split formats.
func firstLine(out string) (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("yt-dlp returned no URL")
	}
	return line, nil
}
