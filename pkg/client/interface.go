package client

import (
	"context"

	"github.com/menta2k/bushub/pkg/types"
)

// VisionClient is a vision-language model backend. Images are base64 encoded.
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	AnalyzePlan(ctx context.Context, model, prompt, imgB64 string) (*types.PlanAnalysis, error)
}
