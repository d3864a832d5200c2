package models

import "time"

// AssetKind is the type of visual asset to generate.
type AssetKind string

const (
	AssetBadge       AssetKind = "badge"
	AssetTerrainTile AssetKind = "terrain_tile"
	AssetAvatar      AssetKind = "avatar"
	AssetIcon        AssetKind = "icon"
	AssetBackground  AssetKind = "background"
	AssetOrb         AssetKind = "orb"
)

// AssetSize selects output dimensions and credit cost.
type AssetSize string

const (
	SizeSmall  AssetSize = "small"
	SizeMedium AssetSize = "medium"
	SizeLarge  AssetSize = "large"
)

// Dimensions is an output resolution in pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// AssetRequest asks for a visual asset.
type AssetRequest struct {
	AssetKind      AssetKind `json:"asset_kind"`
	Context        string    `json:"context"`
	Size           AssetSize `json:"size,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	StyleModifiers []string  `json:"style_modifiers,omitempty"`
}

// Asset is the cached generation result for an AssetRequest.
type Asset struct {
	AssetID     string    `json:"asset_id"`
	AssetURL    string    `json:"asset_url"`
	Kind        AssetKind `json:"kind"`
	Size        AssetSize `json:"size"`
	GeneratedAt time.Time `json:"generated_at"`
}

// AssetResponse is returned to callers of asset generation.
type AssetResponse struct {
	FromCache   bool      `json:"from_cache"`
	AssetURL    string    `json:"asset_url"`
	AssetID     string    `json:"asset_id"`
	CreditsUsed int64     `json:"credits_used"`
	PromptUsed  string    `json:"prompt_used"`
	GeneratedAt time.Time `json:"generated_at"`
}
