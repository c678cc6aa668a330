package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliable-queue/internal/blob"
	"reliable-queue/internal/job"
	"reliable-queue/internal/retry"
)

func redPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageEnvelope(t *testing.T, payload map[string]any) job.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return job.Envelope{ID: "job-1", Topic: ImageTopic, Attempt: 1, Payload: raw}
}

func TestImageResizeAndGrayscaleFromURL(t *testing.T) {
	data := redPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	dir := t.TempDir()
	h := NewImage(ImageConfig{DownloadTimeout: 2 * time.Second, MaxBytes: 2 << 20}, blob.Local{BaseDir: dir}, nil)

	err := h.Handle(context.Background(), imageEnvelope(t, map[string]any{
		"source_url": srv.URL,
		"grayscale":  true,
		"width":      5,
		"output_key": "thumbs/test.png",
	}))
	require.NoError(t, err)

	out, err := os.ReadFile(filepath.Join(dir, "thumbs", "test.png"))
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
	r, g, b, _ := img.At(0, 0).RGBA()
	assert.True(t, r == g && g == b, "expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
}

func TestImageFromLocalPathUsesJobID(t *testing.T) {
	src := filepath.Join(t.TempDir(), "in.png")
	require.NoError(t, os.WriteFile(src, redPNG(t), 0o644))
	dir := t.TempDir()
	h := NewImage(ImageConfig{DefaultWidth: 4}, blob.Local{BaseDir: dir}, nil)

	require.NoError(t, h.Handle(context.Background(), imageEnvelope(t, map[string]any{"source_path": src})))
	_, err := os.Stat(filepath.Join(dir, "job-1.png"))
	assert.NoError(t, err)
}

func TestImageErrorsArePermanentOrRetryable(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	h := NewImage(ImageConfig{}, blob.Local{BaseDir: t.TempDir()}, nil)
	ctx := context.Background()

	err := h.Handle(ctx, imageEnvelope(t, map[string]any{"width": 5}))
	assert.True(t, retry.IsPermanent(err), "missing source")

	err = h.Handle(ctx, imageEnvelope(t, map[string]any{"source_url": srv.URL}))
	assert.True(t, retry.IsPermanent(err), "404")

	status = http.StatusBadGateway
	err = h.Handle(ctx, imageEnvelope(t, map[string]any{"source_url": srv.URL}))
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err), "5xx is retryable")

	err = h.Handle(ctx, imageEnvelope(t, map[string]any{"source_path": "/nope.png", "destination": "s3"}))
	assert.True(t, retry.IsPermanent(err))
}
