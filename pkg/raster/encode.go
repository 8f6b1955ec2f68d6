package raster

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// ArtifactFilename is the download name of the transparent overlay
const ArtifactFilename = "stalls_transparent.png"

// EncodePNG encodes the buffer as a PNG keeping the alpha channel
func EncodePNG(b PixelBuffer) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, b.Image(), imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeWebP encodes the buffer as WebP, lossless keeps alpha edges crisp
func EncodeWebP(b PixelBuffer, quality int, lossless bool) ([]byte, error) {
	var buf bytes.Buffer
	opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
	if err := webp.Encode(&buf, b.Image(), opts); err != nil {
		return nil, fmt.Errorf("failed to encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// Encode picks the encoder from a format name: png (default) or webp
func Encode(b PixelBuffer, format string) ([]byte, string, error) {
	switch strings.ToLower(format) {
	case "webp":
		data, err := EncodeWebP(b, 100, true)
		return data, MIMEWebP, err
	default:
		data, err := EncodePNG(b)
		return data, MIMEPNG, err
	}
}
