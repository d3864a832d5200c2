package distill

import (
	"regexp"
	"strings"

	"github.com/pario-ai/metergate/pkg/models"
)

// Classifier extracts structure from raw text. Implementations must be safe
// for concurrent use.
type Classifier interface {
	Classify(text string, kind models.InputKind) models.Category
	ExtractEntities(text string) []models.Entity
	AnalyzeSentiment(text string) models.Sentiment
	ExtractActionItems(text string) []models.ActionItem
}

// HeuristicClassifier is a keyword and pattern based Classifier.
type HeuristicClassifier struct{}

var _ Classifier = HeuristicClassifier{}

type keywordRule struct {
	category models.Category
	words    []string
}

// Checked in order; the first rule with a matching word wins.
var keywordRules = []keywordRule{
	{models.CategoryTask, []string{"meeting", "task", "todo"}},
	{models.CategoryMemory, []string{"remember", "memory", "recalled"}},
	{models.CategoryHealth, []string{"health", "exercise", "sleep"}},
	{models.CategoryAchievement, []string{"achieved", "completed", "finished"}},
}

// Classify implements Classifier.
func (HeuristicClassifier) Classify(text string, kind models.InputKind) models.Category {
	switch kind {
	case models.InputHealthMetric:
		return models.CategoryHealth
	case models.InputLocationContext:
		return models.CategoryLocation
	case models.InputCalendarEvent:
		return models.CategoryTask
	}

	lower := strings.ToLower(text)
	for _, rule := range keywordRules {
		if containsAny(lower, rule.words) {
			return rule.category
		}
	}
	if strings.Contains(lower, "with") && containsAny(lower, []string{"friend", "family"}) {
		return models.CategoryRelationship
	}
	if containsAny(lower, []string{"morning", "routine", "daily"}) {
		return models.CategoryRoutine
	}
	if containsAny(lower, []string{"thought", "reflect", "journal"}) {
		return models.CategoryReflection
	}
	return models.CategoryMemory
}

var namePattern = regexp.MustCompile(`\b([A-Z][a-z]+)\b`)

var notNames = map[string]bool{
	"Monday": true, "Tuesday": true, "Wednesday": true, "Thursday": true,
	"Friday": true, "Saturday": true, "Sunday": true,
	"January": true, "February": true, "March": true, "April": true,
	"May": true, "June": true, "July": true, "August": true,
	"September": true, "October": true, "November": true, "December": true,
	"Today": true, "Tomorrow": true,
}

const maxEntities = 5

// ExtractEntities implements Classifier. Capitalized words other than day
// and month names are reported as people, in order of first appearance.
func (HeuristicClassifier) ExtractEntities(text string) []models.Entity {
	entities := []models.Entity{}
	seen := make(map[string]bool)
	for _, name := range namePattern.FindAllString(text, -1) {
		if seen[name] || notNames[name] {
			continue
		}
		seen[name] = true
		entities = append(entities, models.Entity{
			Type:      "person",
			Name:      name,
			Relevance: 1 - float64(len(entities))*0.15,
		})
		if len(entities) == maxEntities {
			break
		}
	}
	return entities
}

var (
	positiveWords = []string{"happy", "great", "wonderful", "amazing", "good", "love", "excited"}
	negativeWords = []string{"sad", "bad", "terrible", "awful", "hate", "angry", "frustrated"}
)

// AnalyzeSentiment implements Classifier.
func (HeuristicClassifier) AnalyzeSentiment(text string) models.Sentiment {
	lower := strings.ToLower(text)
	pos := countContained(lower, positiveWords)
	neg := countContained(lower, negativeWords)

	total := pos + neg
	if total == 0 {
		return models.Sentiment{Score: 0, Magnitude: 0.1, Label: "neutral"}
	}

	score := float64(pos-neg) / float64(total)
	s := models.Sentiment{
		Score:     score,
		Magnitude: min(float64(total)/5, 1),
	}
	switch {
	case pos > 0 && neg > 0:
		s.Label = "mixed"
	case score > 0.2:
		s.Label = "positive"
	case score < -0.2:
		s.Label = "negative"
	default:
		s.Label = "neutral"
	}
	return s
}

var actionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)need to\s+(.+?)(?:\.|$)`),
	regexp.MustCompile(`(?i)should\s+(.+?)(?:\.|$)`),
	regexp.MustCompile(`(?i)todo:\s*(.+?)(?:\.|$)`),
	regexp.MustCompile(`(?i)reminder:\s*(.+?)(?:\.|$)`),
}

const maxActionItems = 5

// ExtractActionItems implements Classifier.
func (HeuristicClassifier) ExtractActionItems(text string) []models.ActionItem {
	var items []models.ActionItem
	for _, p := range actionPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			if len(m[1]) <= 5 {
				continue
			}
			items = append(items, models.ActionItem{
				Text:     strings.TrimSpace(m[1]),
				Priority: "medium",
			})
		}
	}
	if len(items) > maxActionItems {
		items = items[:maxActionItems]
	}
	return items
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func countContained(s string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(s, w) {
			n++
		}
	}
	return n
}
