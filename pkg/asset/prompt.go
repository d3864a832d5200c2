package asset

import (
	"fmt"
	"strings"

	"github.com/pario-ai/metergate/pkg/models"
)

var basePrompts = map[models.AssetKind]string{
	models.AssetBadge:       "circular achievement badge with sacred geometry border",
	models.AssetTerrainTile: "isometric terrain tile with subtle texture",
	models.AssetAvatar:      "minimalist avatar silhouette with aura glow",
	models.AssetIcon:        "simple iconographic symbol with clean lines",
	models.AssetBackground:  "atmospheric background with depth layers",
	models.AssetOrb:         "luminous orb with inner light and geometric patterns",
}

var dimensions = map[models.AssetSize]models.Dimensions{
	models.SizeSmall:  {Width: 256, Height: 256},
	models.SizeMedium: {Width: 512, Height: 512},
	models.SizeLarge:  {Width: 1024, Height: 1024},
}

// Sanctum palette.
const (
	primaryGold = "#D4AF37"
	deepTeal    = "#134E5E"
	darkSlate   = "#1A1A2E"
)

var (
	styleLine = "Style: " + strings.Join([]string{
		"minimalist",
		"techno-organic",
		"sacred geometry",
		"clean vector lines",
		"subtle glow effects",
	}, ", ")
	colorLine = fmt.Sprintf("Colors: gold accents (%s), deep teal background (%s), dark slate (%s)",
		primaryGold, deepTeal, darkSlate)
	accentLine = strings.Join([]string{
		"geometric gold accents",
		"sacred geometry patterns",
		"soft golden glow",
		"minimalist linework",
	}, ", ")
)

const qualityLine = "high quality, digital art, clean edges, no text"

// BuildPrompt renders the generation prompt for kind. The result is the
// input to the cache fingerprint, so its format must stay stable.
func BuildPrompt(kind models.AssetKind, context string, modifiers []string) string {
	parts := []string{
		basePrompts[kind],
		context,
		styleLine,
		colorLine,
		accentLine,
		qualityLine,
	}
	if len(modifiers) > 0 {
		parts = append(parts, strings.Join(modifiers, ", "))
	}
	return strings.Join(parts, ". ")
}

// DimensionsFor returns the output resolution of size.
func DimensionsFor(size models.AssetSize) (models.Dimensions, bool) {
	d, ok := dimensions[size]
	return d, ok
}
