// Package distill turns raw user input into structured life events through
// the metered runner.
package distill

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
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

// OperationKind labels distillations in the ledger and cache.
const OperationKind = "distillation"

// Confidence is reported on every heuristic distillation.
const Confidence = 0.85

const (
	maxTitleLen       = 50
	maxDescriptionLen = 500
	maxTags           = 10
)

// ErrInvalidRequest is returned for requests that fail validation.
var ErrInvalidRequest = errors.New("distill: invalid request")

var inputKinds = map[models.InputKind]bool{
	models.InputSensorData:      true,
	models.InputNoteText:        true,
	models.InputVoiceTranscript: true,
	models.InputLocationContext: true,
	models.InputCalendarEvent:   true,
	models.InputHealthMetric:    true,
}

// HistoryRecorder stores per-actor copies of distilled events.
type HistoryRecorder interface {
	Record(ctx context.Context, entry models.HistoryEntry) error
}

// Service distills raw input.
type Service struct {
	runner     *runner.Runner
	costs      config.CostSchedule
	classifier Classifier
	history    HistoryRecorder
	clock      clock.Clock
	logger     zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClassifier replaces the HeuristicClassifier.
func WithClassifier(c Classifier) Option {
	return func(s *Service) { s.classifier = c }
}

// WithHistory enables per-actor copies of fresh events.
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

// New creates a Service.
func New(r *runner.Runner, costs config.CostSchedule, opts ...Option) *Service {
	s := &Service{
		runner:     r,
		costs:      costs,
		classifier: HeuristicClassifier{},
		clock:      clock.Real{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cost returns the credit price of a distillation at complexity c.
func (s *Service) Cost(c models.Complexity) int64 {
	switch c {
	case models.ComplexitySimple:
		return s.costs.DistillSimple
	case models.ComplexityComplex:
		return s.costs.DistillComplex
	default:
		return s.costs.DistillStandard
	}
}

// Distill returns the cached event for identical input or builds a new one.
// Complexity affects the price, not the cache key.
func (s *Service) Distill(ctx context.Context, req models.DistillRequest) (models.DistillResponse, error) {
	if req.Complexity == "" {
		req.Complexity = models.ComplexityStandard
	}
	if err := validate(req); err != nil {
		return models.DistillResponse{}, err
	}

	fp := fingerprint.Distill(string(req.InputKind), req.RawText)

	op := runner.Operation[models.LifeEvent]{
		Kind:        OperationKind,
		FeatureID:   "distillation_" + string(req.Complexity),
		Variant:     string(req.InputKind),
		ActorID:     req.ActorID,
		Fingerprint: fp,
		Cost:        s.Cost(req.Complexity),
		Metadata: map[string]string{
			"fingerprint": fp,
			"input_kind":  string(req.InputKind),
			"complexity":  string(req.Complexity),
		},
		Generate: func(ctx context.Context) (models.LifeEvent, error) {
			if err := ctx.Err(); err != nil {
				return models.LifeEvent{}, err
			}
			return s.build(req, fp), nil
		},
	}
	if s.history != nil {
		op.Scope = func(ctx context.Context, e models.LifeEvent) error {
			payload, err := json.Marshal(e)
			if err != nil {
				return err
			}
			return s.history.Record(ctx, models.HistoryEntry{
				ActorID:   req.ActorID,
				Kind:      OperationKind,
				ItemID:    e.ID,
				Payload:   payload,
				CreatedAt: e.ProcessedAt,
			})
		}
	}

	res, err := runner.Execute(ctx, s.runner, op)
	if err != nil {
		return models.DistillResponse{}, err
	}

	s.logger.Info().
		Str("event_id", res.Value.ID).
		Str("category", string(res.Value.Category)).
		Bool("from_cache", res.FromCache).
		Int64("credits", res.CreditsUsed).
		Msg("distillation complete")

	return models.DistillResponse{
		FromCache:   res.FromCache,
		Event:       res.Value,
		CreditsUsed: res.CreditsUsed,
		ElapsedMs:   res.ElapsedMs,
	}, nil
}

func (s *Service) build(req models.DistillRequest, fp string) models.LifeEvent {
	start := s.clock.Now()
	now := start.UTC()

	category := s.classifier.Classify(req.RawText, req.InputKind)
	entities := s.classifier.ExtractEntities(req.RawText)

	occurred := now
	if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
		occurred = req.OccurredAt.UTC()
	}

	e := models.LifeEvent{
		ID:          newID("evt", now),
		Category:    category,
		Title:       title(req.RawText),
		Description: truncate(strings.TrimSpace(req.RawText), maxDescriptionLen),
		OccurredAt:  occurred,
		ProcessedAt: now,
		Entities:    entities,
		Sentiment:   s.classifier.AnalyzeSentiment(req.RawText),
		ActionItems: s.classifier.ExtractActionItems(req.RawText),
		Tags:        tags(req.RawText, category, entities),
		SourceHash:  fp,
		Confidence:  Confidence,
	}
	if req.SpatialHint != "" {
		e.SpatialContext = &models.SpatialContext{LocationName: req.SpatialHint}
	}
	e.InputMetadata = models.InputMetadata{
		InputKind:        req.InputKind,
		CharacterCount:   len([]rune(req.RawText)),
		ProcessingTimeMs: s.clock.Now().Sub(start).Milliseconds(),
	}
	return e
}

var sentenceEnd = regexp.MustCompile(`[.!?]`)

// title is the first sentence, cut to 50 characters, with an ellipsis when
// anything was dropped.
func title(raw string) string {
	first := sentenceEnd.Split(raw, 2)[0]
	if first == "" {
		first = raw
	}
	t := strings.TrimSpace(truncate(first, maxTitleLen))
	if len([]rune(t)) < len([]rune(raw)) && !strings.HasSuffix(t, "...") {
		return t + "..."
	}
	return t
}

func tags(raw string, category models.Category, entities []models.Entity) []string {
	out := []string{string(category)}
	for _, e := range entities {
		if e.Relevance > 0.5 {
			out = append(out, strings.ToLower(e.Name))
		}
	}
	lower := strings.ToLower(raw)
	for _, word := range []string{"morning", "evening", "weekend"} {
		if strings.Contains(lower, word) {
			out = append(out, word)
		}
	}

	seen := make(map[string]bool, len(out))
	uniq := out[:0]
	for _, t := range out {
		if !seen[t] {
			seen[t] = true
			uniq = append(uniq, t)
		}
	}
	if len(uniq) > maxTags {
		uniq = uniq[:maxTags]
	}
	return uniq
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func validate(req models.DistillRequest) error {
	if strings.TrimSpace(req.RawText) == "" {
		return fmt.Errorf("%w: raw text is required", ErrInvalidRequest)
	}
	if !inputKinds[req.InputKind] {
		return fmt.Errorf("%w: unknown input kind %q", ErrInvalidRequest, req.InputKind)
	}
	switch req.Complexity {
	case models.ComplexitySimple, models.ComplexityStandard, models.ComplexityComplex:
	default:
		return fmt.Errorf("%w: unknown complexity %q", ErrInvalidRequest, req.Complexity)
	}
	return nil
}

// newID returns <prefix>_<base36 unix ms>_<8 hex>.
func newID(prefix string, now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return prefix + "_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + hex.EncodeToString(b[:])
}
