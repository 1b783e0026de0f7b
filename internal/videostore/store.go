// Package videostore fetches source videos by opaque reference. Uploads go
// straight to object storage through presigned URLs, so the store only needs
// to GET those URLs back; file references cover local runs and tests.
package videostore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

// Store resolves video references into byte streams.
type Store struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a store with the given fetch timeout.
func New(timeout time.Duration, logger *slog.Logger) *Store {
	return &Store{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Fetch opens the referenced video. References are either http(s) presigned
// URLs or file: paths. Missing objects fail with ErrVideoNotFound; network
// and server-side failures are transient and retriable.
func (s *Store) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return s.fetchHTTP(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		return s.fetchFile(strings.TrimPrefix(ref, "file://"))
	default:
		return nil, fmt.Errorf("unsupported video reference scheme: %q", ref)
	}
}

func (s *Store) fetchHTTP(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, domain.NewTransientIOError(fmt.Errorf("failed to fetch video: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, domain.ErrVideoNotFound
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, domain.NewTransientIOError(fmt.Errorf("video store returned %d", resp.StatusCode))
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("video store returned %d", resp.StatusCode)
	}
}

func (s *Store) fetchFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to open video file: %w", err)
	}
	return f, nil
}

// Download streams the referenced video to a temporary file and returns its
// path with a cleanup func. The pipeline decoder wants a seekable local
// file, not a stream.
func (s *Store) Download(ctx context.Context, ref string) (string, func(), error) {
	body, err := s.Fetch(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", "scoresheet-*.mp4")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", nil, domain.NewTransientIOError(fmt.Errorf("failed to download video: %w", err))
	}

	s.logger.Debug("Video downloaded",
		slog.String("ref", ref),
		slog.String("path", tmp.Name()),
		slog.Int64("bytes", n),
	)

	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil {
			s.logger.Warn("Failed to remove temp video",
				slog.String("path", tmp.Name()),
				slog.Any("error", err),
			)
		}
	}
	return tmp.Name(), cleanup, nil
}
