package media

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/whisperim/whisperd/internal/logger"
)

// Prober extracts duration and a first-frame thumbnail from a video file.
// Implementations are external collaborators; failures are best-effort for
// callers (a message never fails because probing did).
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
	Thumbnail(ctx context.Context, srcPath, dstPath string) error
}

// FFmpegProber shells out to ffprobe/ffmpeg. Empty tool paths fall back to
// $PATH lookup.
type FFmpegProber struct {
	ffprobe string
	ffmpeg  string
	log     *logger.Logger
}

// NewFFmpegProber builds the default prober.
func NewFFmpegProber(ffprobePath, ffmpegPath string, log *logger.Logger) *FFmpegProber {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegProber{ffprobe: ffprobePath, ffmpeg: ffmpegPath, log: log.WithComponent("prober")}
}

// Duration returns the container duration in seconds.
func (p *FFmpegProber) Duration(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, p.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return d, nil
}

// Thumbnail extracts frame 0 scaled to fit the thumbnail box and writes it
// as JPEG to dstPath.
func (p *FFmpegProber) Thumbnail(ctx context.Context, srcPath, dstPath string) error {
	filter := fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease",
		ThumbMaxDim, ThumbMaxDim)
	if err := exec.CommandContext(ctx, p.ffmpeg,
		"-y", "-v", "error",
		"-i", srcPath,
		"-vf", filter,
		"-frames:v", "1",
		dstPath).Run(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail: %w", err)
	}
	return nil
}
