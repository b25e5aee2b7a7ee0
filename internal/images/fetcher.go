package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// MaxSize is the largest accepted photo
const MaxSize = 10 * 1024 * 1024

var (
	ErrTooLarge = errors.New("file too large (max 10MB)")
	ErrNotImage = errors.New("file is not an image")
)

// Fetcher downloads photos submitted by URL
type Fetcher struct {
	HTTPClient *http.Client
}

// NewFetcher creates a new image fetcher
func NewFetcher() *Fetcher {
	return &Fetcher{
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Download fetches an image and returns its bytes and a filename derived from the URL
func (f *Fetcher) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", fmt.Errorf("invalid image URL %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image URL returned status %d", resp.StatusCode)
	}

	data, err := ReadLimited(resp.Body)
	if err != nil {
		return nil, "", err
	}

	ext, err := Validate(data)
	if err != nil {
		return nil, "", err
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "photo"
	}
	if path.Ext(name) == "" {
		name += ext
	}
	return data, name, nil
}

// ReadLimited reads at most MaxSize bytes and fails if there is more
func ReadLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

// Validate sniffs data and returns the detected extension for images
func Validate(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty file", ErrNotImage)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("%w: detected %s", ErrNotImage, mt.String())
	}
	return mt.Extension(), nil
}
