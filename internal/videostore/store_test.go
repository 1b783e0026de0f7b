package videostore

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

func newStore() *Store {
	return New(2*time.Second, slog.New(slog.DiscardHandler))
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	body, err := newStore().Fetch(context.Background(), srv.URL+"/videos/abc.mp4")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newStore().Fetch(context.Background(), srv.URL+"/videos/missing.mp4")
	assert.ErrorIs(t, err, domain.ErrVideoNotFound)
	assert.False(t, domain.Retriable(err))
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newStore().Fetch(context.Background(), srv.URL+"/videos/abc.mp4")
	require.Error(t, err)
	assert.True(t, domain.Retriable(err))
}

func TestFetchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	body, err := newStore().Fetch(context.Background(), "file://"+path)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "local", string(data))
}

func TestFetchFileNotFound(t *testing.T) {
	_, err := newStore().Fetch(context.Background(), "file:///nope/clip.mp4")
	assert.ErrorIs(t, err, domain.ErrVideoNotFound)
}

func TestFetchUnknownScheme(t *testing.T) {
	_, err := newStore().Fetch(context.Background(), "gopher://clip.mp4")
	assert.Error(t, err)
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	path, cleanup, err := newStore().Download(context.Background(), srv.URL+"/videos/abc.mp4")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
