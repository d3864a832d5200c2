package asset

import (
	"context"
	"fmt"

	"github.com/pario-ai/metergate/pkg/models"
)

// Renderer turns a prompt into a stored image and returns its URL.
type Renderer interface {
	Render(ctx context.Context, prompt string, size models.AssetSize, dims models.Dimensions, assetID string) (string, error)
}

// PlaceholderRenderer returns the storage URL an asset would be uploaded to
// without calling an image model.
type PlaceholderRenderer struct {
	Bucket string
}

// Render implements Renderer.
func (p PlaceholderRenderer) Render(ctx context.Context, _ string, _ models.AssetSize, _ models.Dimensions, assetID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/generated_assets/%s.png", p.Bucket, assetID), nil
}
