package raster

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/menta2k/bushub/pkg/types"
)

// decodePDF renders page 1 of a scanned plan. Scans carry the plan as an
// embedded image, so the largest image on the page is taken and resized to
// the page box at the given scale (72dpi user space * scale).
func decodePDF(data []byte, scale float64) (image.Image, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable PDF: %v", types.ErrInput, err)
	}
	if ctx.PageCount == 0 {
		return nil, types.ErrEmptyDocument
	}

	images, err := pdfcpu.ExtractPageImages(ctx, 1, false)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to extract page 1 images: %v", types.ErrInput, err)
	}

	var best image.Image
	bestArea := 0
	for _, pi := range images {
		img, _, err := image.Decode(pi)
		if err != nil {
			continue
		}
		b := img.Bounds()
		if area := b.Dx() * b.Dy(); area > bestArea {
			best, bestArea = img, area
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: page 1 has no raster content", types.ErrEmptyDocument)
	}

	dims, err := ctx.PageDims()
	if err != nil || len(dims) == 0 || dims[0].Width <= 0 {
		return best, nil
	}
	targetW := int(math.Round(dims[0].Width * scale))
	if targetW <= 0 || targetW == best.Bounds().Dx() {
		return best, nil
	}
	return imaging.Resize(best, targetW, 0, imaging.Lanczos), nil
}
