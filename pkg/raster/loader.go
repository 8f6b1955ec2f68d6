package raster

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/bushub/pkg/types"
)

// MIME types accepted as plan uploads
const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMEGIF  = "image/gif"
	MIMEWebP = "image/webp"
	MIMETIFF = "image/tiff"
	MIMEBMP  = "image/bmp"
	MIMEPDF  = "application/pdf"
)

// Loader decodes uploaded plans (raster images or PDFs) into images
type Loader struct {
	config Config
	client *http.Client
}

// Config holds configuration for the loader
type Config struct {
	SupportedFormats []string
	PDFScale         float64
	MaxBytes         int64
	MinImageSize     int
}

// DefaultConfig returns the loader defaults
func DefaultConfig() Config {
	return Config{
		SupportedFormats: []string{MIMEPNG, MIMEJPEG, MIMEGIF, MIMEWebP, MIMETIFF, MIMEBMP, MIMEPDF},
		PDFScale:         2,
		MaxBytes:         64 << 20,
		MinImageSize:     1,
	}
}

// New creates a new Loader with default configuration
func New() *Loader {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a new Loader with custom configuration
func NewWithConfig(config Config) *Loader {
	if config.PDFScale <= 0 {
		config.PDFScale = 2
	}
	return &Loader{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// DetectMIME sniffs the content type, falling back to the file extension
func DetectMIME(data []byte, filename string) string {
	sniffed := http.DetectContentType(data)
	if i := strings.Index(sniffed, ";"); i >= 0 {
		sniffed = sniffed[:i]
	}
	if sniffed != "application/octet-stream" && sniffed != "text/plain" {
		return sniffed
	}
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			if i := strings.Index(byExt, ";"); i >= 0 {
				byExt = byExt[:i]
			}
			return byExt
		}
		switch ext {
		case ".tif", ".tiff":
			return MIMETIFF
		case ".webp":
			return MIMEWebP
		}
	}
	return sniffed
}

// Decode turns uploaded bytes into an image. An empty payload yields ErrNoFile.
func (l *Loader) Decode(data []byte, mimeType string) (image.Image, error) {
	if len(data) == 0 {
		return nil, types.ErrNoFile
	}
	if l.config.MaxBytes > 0 && int64(len(data)) > l.config.MaxBytes {
		return nil, fmt.Errorf("%w: upload of %d bytes exceeds limit of %d", types.ErrInput, len(data), l.config.MaxBytes)
	}
	if mimeType == "" {
		mimeType = DetectMIME(data, "")
	}
	if !l.isFormatSupported(mimeType) {
		return nil, &types.UnsupportedFormatError{MIME: mimeType}
	}

	var (
		img image.Image
		err error
	)
	switch mimeType {
	case MIMEPDF:
		img, err = decodePDF(data, l.config.PDFScale)
	case MIMEWebP:
		img, err = decodeWebP(data)
	case MIMEPNG, MIMEJPEG, MIMEGIF, MIMETIFF, MIMEBMP:
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			err = fmt.Errorf("%w: failed to decode %s: %v", types.ErrInput, mimeType, err)
		}
	default:
		return nil, &types.UnsupportedFormatError{MIME: mimeType}
	}
	if err != nil {
		return nil, err
	}
	if err := l.ValidateImage(img); err != nil {
		return nil, err
	}
	return img, nil
}

// LoadReader reads an upload and decodes it. filename only helps MIME detection.
func (l *Loader) LoadReader(r io.Reader, filename, mimeType string) (image.Image, error) {
	if r == nil {
		return nil, types.ErrNoFile
	}
	limit := l.config.MaxBytes
	if limit <= 0 {
		limit = 1 << 40
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = DetectMIME(data, filename)
	}
	return l.Decode(data, mimeType)
}

// LoadFile loads a plan from disk
func (l *Loader) LoadFile(path string) (image.Image, error) {
	if path == "" {
		return nil, types.ErrNoFile
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan file: %w", err)
	}
	defer f.Close()
	return l.LoadReader(f, path, "")
}

// LoadURL downloads and decodes a plan
func (l *Loader) LoadURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", types.ErrInput, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported URL scheme: %s (only http and https are supported)", types.ErrInput, parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "bushub/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download plan: %v", types.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: failed to download plan: HTTP %d", types.ErrNetwork, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return l.LoadReader(resp.Body, parsedURL.Path, strings.TrimSpace(contentType))
}

// LoadDataURL decodes a data:<mime>;base64,<payload> string
func (l *Loader) LoadDataURL(s string) (image.Image, error) {
	mimeType, data, err := ParseDataURL(s)
	if err != nil {
		return nil, err
	}
	return l.Decode(data, mimeType)
}

// LoadSmart loads a plan from a data URL, an http(s) URL or a file path
func (l *Loader) LoadSmart(ctx context.Context, source string) (image.Image, error) {
	switch {
	case source == "":
		return nil, types.ErrNoFile
	case strings.HasPrefix(source, "data:"):
		return l.LoadDataURL(source)
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return l.LoadURL(ctx, source)
	default:
		return l.LoadFile(source)
	}
}

// ValidateImage checks if an image meets minimum requirements
func (l *Loader) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() < l.config.MinImageSize || bounds.Dy() < l.config.MinImageSize {
		return fmt.Errorf("%w: image too small: %dx%d (minimum: %d)",
			types.ErrInput, bounds.Dx(), bounds.Dy(), l.config.MinImageSize)
	}
	return nil
}

func (l *Loader) isFormatSupported(mimeType string) bool {
	for _, supported := range l.config.SupportedFormats {
		if strings.EqualFold(mimeType, supported) {
			return true
		}
	}
	return false
}

// decodeWebP tries the registered x/image decoder first, then libwebp
func decodeWebP(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode webp: %v", types.ErrInput, err)
	}
	return img, nil
}

// DataURL builds a data URL for data
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL splits a base64 data URL into its MIME type and payload
func ParseDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: not a data URL", types.ErrInput)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: malformed data URL", types.ErrInput)
	}
	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("%w: data URL is not base64 encoded", types.ErrInput)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: bad base64 payload: %v", types.ErrInput, err)
	}
	return mimeType, data, nil
}
