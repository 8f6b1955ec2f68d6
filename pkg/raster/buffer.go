package raster

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/menta2k/bushub/pkg/types"
)

// PixelBuffer is a row-major straight-alpha RGBA buffer, 4 bytes per pixel, no padding.
// It is the value the segmentation engine works on; drawing surfaces only supply and consume it.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewPixelBuffer allocates a transparent buffer
func NewPixelBuffer(width, height int) PixelBuffer {
	return PixelBuffer{Width: width, Height: height, Pix: make([]uint8, 4*width*height)}
}

// FromImage copies any image into a PixelBuffer
func FromImage(img image.Image) PixelBuffer {
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	w, h := b.Dx(), b.Dy()
	if nrgba.Stride == 4*w {
		return PixelBuffer{Width: w, Height: h, Pix: nrgba.Pix[:4*w*h]}
	}
	buf := NewPixelBuffer(w, h)
	for y := 0; y < h; y++ {
		copy(buf.Pix[y*4*w:(y+1)*4*w], nrgba.Pix[y*nrgba.Stride:y*nrgba.Stride+4*w])
	}
	return buf
}

// Image exposes the buffer as an *image.NRGBA sharing the same pixels
func (b PixelBuffer) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    b.Pix,
		Stride: 4 * b.Width,
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// Clone returns a deep copy
func (b PixelBuffer) Clone() PixelBuffer {
	pix := make([]uint8, len(b.Pix))
	copy(pix, b.Pix)
	return PixelBuffer{Width: b.Width, Height: b.Height, Pix: pix}
}

// Empty reports whether the buffer holds no pixels
func (b PixelBuffer) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Validate checks that the pixel slice matches the dimensions
func (b PixelBuffer) Validate() error {
	if b.Width < 0 || b.Height < 0 {
		return fmt.Errorf("%w: negative dimensions %dx%d", types.ErrInput, b.Width, b.Height)
	}
	if len(b.Pix) != 4*b.Width*b.Height {
		return fmt.Errorf("%w: pixel buffer length %d does not match %dx%d", types.ErrInput, len(b.Pix), b.Width, b.Height)
	}
	return nil
}

// At returns the RGBA bytes of pixel (x, y)
func (b PixelBuffer) At(x, y int) (r, g, bl, a uint8) {
	i := 4 * (y*b.Width + x)
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2], b.Pix[i+3]
}

// Rotate turns the buffer clockwise by r. Quarter turns are lossless and
// 90/270 exchange width and height. The input is never modified.
func Rotate(b PixelBuffer, r types.Rotation) PixelBuffer {
	if b.Empty() {
		return b.Clone()
	}
	// imaging rotates counter-clockwise
	var out *image.NRGBA
	switch r {
	case types.Rotate90:
		out = imaging.Rotate270(b.Image())
	case types.Rotate180:
		out = imaging.Rotate180(b.Image())
	case types.Rotate270:
		out = imaging.Rotate90(b.Image())
	default:
		return b.Clone()
	}
	return PixelBuffer{Width: out.Rect.Dx(), Height: out.Rect.Dy(), Pix: out.Pix}
}
