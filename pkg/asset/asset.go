// Package asset generates visual assets through the metered runner.
package asset

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/metergate/pkg/clock"
	"github.com/pario-ai/metergate/pkg/config"
	"github.com/pario-ai/metergate/pkg/fingerprint"
	"github.com/pario-ai/metergate/pkg/models"
	"github.com/pario-ai/metergate/pkg/runner"
)

// OperationKind labels asset generations in the ledger and cache.
const OperationKind = "asset"

// ErrInvalidRequest is returned for requests that fail validation.
var ErrInvalidRequest = errors.New("asset: invalid request")

// HistoryRecorder stores per-actor copies of generated assets.
type HistoryRecorder interface {
	Record(ctx context.Context, entry models.HistoryEntry) error
}

// Service generates assets.
type Service struct {
	runner   *runner.Runner
	costs    config.CostSchedule
	renderer Renderer
	history  HistoryRecorder
	clock    clock.Clock
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRenderer sets the image renderer.
func WithRenderer(r Renderer) Option {
	return func(s *Service) { s.renderer = r }
}

// WithHistory enables per-actor copies of fresh assets.
func WithHistory(h HistoryRecorder) Option {
	return func(s *Service) { s.history = h }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates a Service. Without WithRenderer it renders placeholder URLs
// in the "metergate-assets" bucket.
func New(r *runner.Runner, costs config.CostSchedule, opts ...Option) *Service {
	s := &Service{
		runner:   r,
		costs:    costs,
		renderer: PlaceholderRenderer{Bucket: "metergate-assets"},
		clock:    clock.Real{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cost returns the credit price of an asset of size.
func (s *Service) Cost(size models.AssetSize) int64 {
	switch size {
	case models.SizeSmall:
		return s.costs.ImageSmall
	case models.SizeLarge:
		return s.costs.ImageLarge
	default:
		return s.costs.ImageMedium
	}
}

// Generate returns a cached asset for an identical request or renders a new
// one, billing only fresh renders.
func (s *Service) Generate(ctx context.Context, req models.AssetRequest) (models.AssetResponse, error) {
	if req.Size == "" {
		req.Size = models.SizeMedium
	}
	if err := validate(req); err != nil {
		return models.AssetResponse{}, err
	}

	prompt := BuildPrompt(req.AssetKind, req.Context, req.StyleModifiers)
	fp := fingerprint.Asset(prompt, string(req.Size))
	dims, _ := DimensionsFor(req.Size)

	op := runner.Operation[models.Asset]{
		Kind:        OperationKind,
		FeatureID:   string(req.AssetKind) + "_generation",
		Variant:     string(req.Size),
		ActorID:     req.ActorID,
		Fingerprint: fp,
		Cost:        s.Cost(req.Size),
		Metadata: map[string]string{
			"fingerprint": fp,
			"size":        string(req.Size),
		},
		Generate: func(ctx context.Context) (models.Asset, error) {
			now := s.clock.Now().UTC()
			id := newID(string(req.AssetKind), now)
			url, err := s.renderer.Render(ctx, prompt, req.Size, dims, id)
			if err != nil {
				return models.Asset{}, fmt.Errorf("render %s: %w", id, err)
			}
			return models.Asset{
				AssetID:     id,
				AssetURL:    url,
				Kind:        req.AssetKind,
				Size:        req.Size,
				GeneratedAt: now,
			}, nil
		},
	}
	if s.history != nil {
		op.Scope = func(ctx context.Context, a models.Asset) error {
			payload, err := json.Marshal(a)
			if err != nil {
				return err
			}
			return s.history.Record(ctx, models.HistoryEntry{
				ActorID:   req.ActorID,
				Kind:      OperationKind,
				ItemID:    a.AssetID,
				Payload:   payload,
				CreatedAt: a.GeneratedAt,
			})
		}
	}

	res, err := runner.Execute(ctx, s.runner, op)
	if err != nil {
		return models.AssetResponse{}, err
	}

	s.logger.Info().
		Str("asset_id", res.Value.AssetID).
		Str("kind", string(req.AssetKind)).
		Str("size", string(req.Size)).
		Bool("from_cache", res.FromCache).
		Int64("credits", res.CreditsUsed).
		Msg("asset generated")

	return models.AssetResponse{
		FromCache:   res.FromCache,
		AssetURL:    res.Value.AssetURL,
		AssetID:     res.Value.AssetID,
		CreditsUsed: res.CreditsUsed,
		PromptUsed:  prompt,
		GeneratedAt: res.Value.GeneratedAt,
	}, nil
}

func validate(req models.AssetRequest) error {
	if _, ok := basePrompts[req.AssetKind]; !ok {
		return fmt.Errorf("%w: unknown asset kind %q", ErrInvalidRequest, req.AssetKind)
	}
	if _, ok := dimensions[req.Size]; !ok {
		return fmt.Errorf("%w: unknown size %q", ErrInvalidRequest, req.Size)
	}
	if strings.TrimSpace(req.Context) == "" {
		return fmt.Errorf("%w: context is required", ErrInvalidRequest)
	}
	return nil
}

// newID returns <prefix>_<base36 unix ms>_<8 hex>.
func newID(prefix string, now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return prefix + "_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + hex.EncodeToString(b[:])
}
