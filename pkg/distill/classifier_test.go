package distill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/metergate/pkg/models"
)

func TestClassify(t *testing.T) {
	c := HeuristicClassifier{}
	cases := []struct {
		text string
		kind models.InputKind
		want models.Category
	}{
		{"steps: 9000", models.InputHealthMetric, models.CategoryHealth},
		{"home", models.InputLocationContext, models.CategoryLocation},
		{"lunch", models.InputCalendarEvent, models.CategoryTask},
		{"Team meeting at noon", models.InputNoteText, models.CategoryTask},
		{"I remember the lake", models.InputNoteText, models.CategoryMemory},
		{"Good sleep last night", models.InputNoteText, models.CategoryHealth},
		{"Finished the marathon", models.InputNoteText, models.CategoryAchievement},
		{"Dinner with family", models.InputNoteText, models.CategoryRelationship},
		{"My daily walk", models.InputNoteText, models.CategoryRoutine},
		{"Wrote in my journal", models.InputNoteText, models.CategoryReflection},
		{"Blue sky", models.InputNoteText, models.CategoryMemory},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.text, tc.kind), tc.text)
	}
}

func TestExtractEntities(t *testing.T) {
	got := HeuristicClassifier{}.ExtractEntities("On Monday Sarah met Tom and Sarah again, then Ann, Bob, Cy and Dee")
	names := make([]string, len(got))
	for i, e := range got {
		names[i] = e.Name
		assert.Equal(t, "person", e.Type)
	}
	assert.Equal(t, []string{"On", "Sarah", "Tom", "Ann", "Bob"}, names)
	assert.InDelta(t, 1.0, got[0].Relevance, 1e-9)
	assert.InDelta(t, 0.85, got[1].Relevance, 1e-9)
	assert.InDelta(t, 0.4, got[4].Relevance, 1e-9)

	assert.Empty(t, HeuristicClassifier{}.ExtractEntities("all lower case"))
}

func TestAnalyzeSentiment(t *testing.T) {
	c := HeuristicClassifier{}

	neutral := c.AnalyzeSentiment("it rained")
	assert.Equal(t, models.Sentiment{Score: 0, Magnitude: 0.1, Label: "neutral"}, neutral)

	pos := c.AnalyzeSentiment("A great and happy day")
	assert.Equal(t, "positive", pos.Label)
	assert.InDelta(t, 1.0, pos.Score, 1e-9)
	assert.InDelta(t, 0.4, pos.Magnitude, 1e-9)

	neg := c.AnalyzeSentiment("terrible traffic")
	assert.Equal(t, "negative", neg.Label)

	mixed := c.AnalyzeSentiment("good food, bad service")
	assert.Equal(t, "mixed", mixed.Label)
	assert.Zero(t, mixed.Score)
}

func TestExtractActionItems(t *testing.T) {
	items := HeuristicClassifier{}.ExtractActionItems("I need to call the bank. TODO: renew passport. should go")
	require.Len(t, items, 2)
	assert.Equal(t, "call the bank", items[0].Text)
	assert.Equal(t, "renew passport", items[1].Text)
	assert.Equal(t, "medium", items[0].Priority)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "Short note", title("Short note"))
	assert.Equal(t, "First sentence...", title("First sentence. Second one"))
	long := "This is a very long first sentence that keeps going on and on"
	assert.Equal(t, "This is a very long first sentence that keeps goin...", title(long))
}

func TestTags(t *testing.T) {
	entities := []models.Entity{
		{Name: "Sarah", Relevance: 1},
		{Name: "Tom", Relevance: 0.4},
	}
	got := tags("weekend morning with Sarah", models.CategoryRoutine, entities)
	assert.Equal(t, []string{"routine", "sarah", "morning", "weekend"}, got)
}
