package extract

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

// FFmpegDecoder decodes video files through ffprobe/ffmpeg child processes,
// reading raw RGB24 frames off a pipe so decode memory stays constant.
type FFmpegDecoder struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// NewFFmpegDecoder creates a decoder using the given binaries, defaulting to
// ffmpeg/ffprobe on PATH.
func NewFFmpegDecoder(ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpegDecoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegDecoder{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Logger: logger}
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads container metadata with ffprobe.
func (d *FFmpegDecoder) Probe(ctx context.Context, path string) (Meta, error) {
	cmd := exec.CommandContext(ctx, d.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return Meta{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probed probeOutput
	if err := json.Unmarshal(out, &probed); err != nil {
		return Meta{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var meta Meta
	for _, s := range probed.Streams {
		if s.CodecType != "video" {
			continue
		}
		meta.Width = s.Width
		meta.Height = s.Height
		meta.FPS = parseFrameRate(s.RFrameRate)
		break
	}
	if meta.Width == 0 || meta.Height == 0 {
		return Meta{}, fmt.Errorf("no video stream in %s", path)
	}

	seconds, err := strconv.ParseFloat(probed.Format.Duration, 64)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to parse video duration %q: %w", probed.Format.Duration, err)
	}
	meta.Duration = time.Duration(seconds * float64(time.Second))

	return meta, nil
}

// parseFrameRate parses ffprobe's "num/den" rate strings.
func parseFrameRate(s string) float64 {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// Stream spawns ffmpeg sampling one frame per interval, emitting raw RGB24
// to stdout. The returned stream reads one frame's worth of bytes per Next.
func (d *FFmpegDecoder) Stream(ctx context.Context, path string, interval time.Duration) (FrameStream, error) {
	meta, err := d.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	fps := 1.0 / interval.Seconds()
	cmd := exec.CommandContext(ctx, d.FFmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-vf", fmt.Sprintf("fps=%g", fps),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			d.Logger.Warn("ffmpeg", slog.String("line", scanner.Text()))
		}
	}()

	return &ffmpegStream{
		cmd:       cmd,
		out:       stdout,
		width:     meta.Width,
		height:    meta.Height,
		frameSize: meta.Width * meta.Height * 3,
	}, nil
}

type ffmpegStream struct {
	cmd       *exec.Cmd
	out       io.ReadCloser
	width     int
	height    int
	frameSize int
	waited    bool
}

func (s *ffmpegStream) Next() (*domain.Frame, error) {
	buf := make([]byte, s.frameSize)
	if _, err := io.ReadFull(s.out, buf); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		// A partial trailing frame means the encode was cut short.
		return nil, err
	}
	return &domain.Frame{Width: s.width, Height: s.height, Pixels: buf}, nil
}

func (s *ffmpegStream) Close() error {
	_ = s.out.Close()
	if !s.waited {
		s.waited = true
		_ = s.cmd.Wait()
	}
	return nil
}
