package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"reliable-queue/internal/blob"
	"reliable-queue/internal/job"
	"reliable-queue/internal/retry"
)

// ImageTopic is the topic the image handler serves.
const ImageTopic = "image:resize"

// ImageConfig tunes the image handler.
type ImageConfig struct {
	DownloadTimeout time.Duration
	MaxBytes        int64
	DefaultWidth    int
	DefaultHeight   int
}

// Image resizes (and optionally grayscales) an image fetched from a URL or
// read from a local path, and uploads the result.
type Image struct {
	cfg        ImageConfig
	httpClient *http.Client
	local      blob.Uploader
	s3         blob.Uploader
}

type imagePayload struct {
	SourceURL   string `json:"source_url"`
	SourcePath  string `json:"source_path"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewImage builds the handler. s3 may be nil.
func NewImage(cfg ImageConfig, local, s3 blob.Uploader) *Image {
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 25 * 1024 * 1024
	}
	if cfg.DefaultWidth == 0 && cfg.DefaultHeight == 0 {
		cfg.DefaultWidth = 320
	}
	return &Image{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.DownloadTimeout},
		local:      local,
		s3:         s3,
	}
}

// Handle processes one image:resize envelope.
func (h *Image) Handle(ctx context.Context, env job.Envelope) error {
	payload, err := h.decode(env.Payload)
	if err != nil {
		return retry.Permanent(err)
	}

	var (
		data        []byte
		contentType string
	)
	if payload.SourceURL != "" {
		data, contentType, err = h.download(ctx, payload.SourceURL)
	} else {
		data, err = h.readLocal(payload.SourcePath)
	}
	if err != nil {
		return err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return retry.Permanent(fmt.Errorf("decode image: %w", err))
	}
	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, payload.Width, payload.Height, imaging.Lanczos)

	outputFormat := chooseFormat(payload.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}

	key := payload.OutputKey
	if key == "" {
		key = fmt.Sprintf("%s.%s", env.ID, formatExtension(outputFormat))
	}
	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return retry.Permanent(err)
	}
	if _, err := uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat)); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

func (h *Image) decode(raw json.RawMessage) (imagePayload, error) {
	payload := imagePayload{}
	if len(raw) == 0 {
		return payload, errors.New("payload is required")
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.SourceURL == "" && payload.SourcePath == "" {
		return payload, errors.New("source_url or source_path is required")
	}
	if payload.Width < 0 || payload.Height < 0 {
		return payload, errors.New("width and height must not be negative")
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = h.cfg.DefaultWidth
		payload.Height = h.cfg.DefaultHeight
	}
	return payload, nil
}

func (h *Image) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, "", retry.Permanent(fmt.Errorf("download image: status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > h.cfg.MaxBytes {
		return nil, "", retry.Permanent(fmt.Errorf("image too large (>%d bytes)", h.cfg.MaxBytes))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (h *Image) readLocal(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, retry.Permanent(fmt.Errorf("source image missing: %w", err))
	}
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if info.Size() > h.cfg.MaxBytes {
		return nil, retry.Permanent(fmt.Errorf("image too large (>%d bytes)", h.cfg.MaxBytes))
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	return data, nil
}

func (h *Image) pickUploader(destination string) (blob.Uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 == nil {
			return nil, errors.New("destination s3 requested but no bucket is configured")
		}
		return h.s3, nil
	case "local":
		if h.local == nil {
			return nil, errors.New("destination local requested but no output dir is configured")
		}
		return h.local, nil
	case "":
		if h.s3 != nil {
			return h.s3, nil
		}
		if h.local != nil {
			return h.local, nil
		}
		return nil, errors.New("no uploader configured")
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	case ".gif":
		return imaging.GIF
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}
