package models

import "time"

// InputKind is the type of raw input given to distillation.
type InputKind string

const (
	InputSensorData      InputKind = "sensor_data"
	InputNoteText        InputKind = "note_text"
	InputVoiceTranscript InputKind = "voice_transcript"
	InputLocationContext InputKind = "location_context"
	InputCalendarEvent   InputKind = "calendar_event"
	InputHealthMetric    InputKind = "health_metric"
)

// Complexity selects the distillation pipeline and its credit cost.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// Category is the closed set of life event categories.
type Category string

const (
	CategoryTask         Category = "task"
	CategoryMemory       Category = "memory"
	CategoryHealth       Category = "health"
	CategoryLocation     Category = "location"
	CategoryRelationship Category = "relationship"
	CategoryAchievement  Category = "achievement"
	CategoryReflection   Category = "reflection"
	CategoryRoutine      Category = "routine"
)

// Categories lists every valid Category.
var Categories = []Category{
	CategoryTask, CategoryMemory, CategoryHealth, CategoryLocation,
	CategoryRelationship, CategoryAchievement, CategoryReflection, CategoryRoutine,
}

// Entity is a named thing extracted from input text.
type Entity struct {
	Type      string  `json:"type"` // person, place, thing, concept
	Name      string  `json:"name"`
	Relevance float64 `json:"relevance"`
}

// Sentiment is the emotional tone of the input.
type Sentiment struct {
	Score     float64 `json:"score"`     // -1 to 1
	Magnitude float64 `json:"magnitude"` // 0 to 1
	Label     string  `json:"label"`     // positive, negative, neutral, mixed
}

// ActionItem is a follow-up extracted from the input.
type ActionItem struct {
	Text     string `json:"text"`
	Priority string `json:"priority"`
	DueDate  string `json:"due_date,omitempty"`
}

// SpatialContext places an event in the actor's world.
type SpatialContext struct {
	RoomID       string `json:"room_id,omitempty"`
	LocationName string `json:"location_name,omitempty"`
}

// InputMetadata describes the raw input of a distillation.
type InputMetadata struct {
	InputKind        InputKind `json:"input_kind"`
	CharacterCount   int       `json:"character_count"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
}

// LifeEvent is the structured record produced by distillation.
type LifeEvent struct {
	ID             string          `json:"id"`
	Category       Category        `json:"category"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	OccurredAt     time.Time       `json:"occurred_at"`
	ProcessedAt    time.Time       `json:"processed_at"`
	SpatialContext *SpatialContext `json:"spatial_context,omitempty"`
	Entities       []Entity        `json:"entities"`
	Sentiment      Sentiment       `json:"sentiment"`
	ActionItems    []ActionItem    `json:"action_items,omitempty"`
	Tags           []string        `json:"tags"`
	SourceHash     string          `json:"source_hash"`
	Confidence     float64         `json:"confidence"`
	InputMetadata  InputMetadata   `json:"input_metadata"`
}

// DistillRequest asks for raw input to be distilled into a LifeEvent.
type DistillRequest struct {
	RawText     string     `json:"raw_text"`
	InputKind   InputKind  `json:"input_kind"`
	ActorID     string     `json:"actor_id,omitempty"`
	SpatialHint string     `json:"spatial_hint,omitempty"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
	Complexity  Complexity `json:"complexity,omitempty"`
}

// DistillResponse is returned to callers of distillation.
type DistillResponse struct {
	FromCache   bool      `json:"from_cache"`
	Event       LifeEvent `json:"event"`
	CreditsUsed int64     `json:"credits_used"`
	ElapsedMs   int64     `json:"elapsed_ms"`
}
