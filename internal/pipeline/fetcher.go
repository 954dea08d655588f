package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultFetchTimeout is the default timeout for blob downloads.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMaxImageSize is the default maximum image size (10MB).
	DefaultMaxImageSize = 10 * 1024 * 1024
)

// ImageFetcher resolves blob references to image bytes. References are either
// http(s) URLs or local file paths.
type ImageFetcher struct {
	client  *http.Client
	maxSize int64
}

// NewImageFetcher creates an ImageFetcher with default settings.
func NewImageFetcher() *ImageFetcher {
	return &ImageFetcher{
		client:  &http.Client{Timeout: DefaultFetchTimeout},
		maxSize: DefaultMaxImageSize,
	}
}

// WithMaxSize sets a custom maximum image size.
func (f *ImageFetcher) WithMaxSize(maxSize int64) *ImageFetcher {
	f.maxSize = maxSize
	return f
}

// Fetch implements the BlobFetcher interface.
func (f *ImageFetcher) Fetch(ctx context.Context, blobRef string) ([]byte, string, error) {
	if strings.HasPrefix(blobRef, "http://") || strings.HasPrefix(blobRef, "https://") {
		return f.fetchURL(ctx, blobRef)
	}
	return f.fetchFile(blobRef)
}

func (f *ImageFetcher) fetchURL(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("invalid content type: expected image/*, got %s", contentType)
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, "", fmt.Errorf("image exceeds maximum size of %d bytes", f.maxSize)
	}

	return data, contentType, nil
}

func (f *ImageFetcher) fetchFile(path string) ([]byte, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to stat image file: %w", err)
	}
	if info.Size() > f.maxSize {
		return nil, "", fmt.Errorf("image exceeds maximum size of %d bytes", f.maxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image file: %w", err)
	}

	mimeType := "image/jpeg"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mimeType = "image/png"
	case ".webp":
		mimeType = "image/webp"
	case ".heic":
		mimeType = "image/heic"
	}
	return data, mimeType, nil
}
