package ai

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/local/submitgate/internal/apperr"
)

// SentimentFunction is the function name the model must call.
const SentimentFunction = "analyze_sentiment"

var sentimentLabels = []string{"positive", "negative", "neutral"}

// SentimentSchema is the structured output for sentiment analysis.
var SentimentSchema = &Schema{
	Name:        SentimentFunction,
	Description: "Analyze sentiment of text and return structured results.",
	Properties: map[string]Property{
		"sentiment": {
			Type:        "string",
			Description: "The overall sentiment category.",
			Enum:        sentimentLabels,
		},
		"score": {
			Type:        "number",
			Description: "A score from -1.0 (negative) to +1.0 (positive).",
			Minimum:     ptr(-1),
			Maximum:     ptr(1),
		},
	},
	Required: []string{"sentiment", "score"},
}

// Sentiment is a validated sentiment result.
type Sentiment struct {
	Sentiment string  `json:"sentiment"`
	Score     float64 `json:"score"`
}

// ParseSentiment validates the fields of a structured result.
func ParseSentiment(r Result) (Sentiment, error) {
	if !r.Structured || r.Fields == nil {
		return Sentiment{}, apperr.New(apperr.UpstreamMalformed, apperr.ReasonNoStructuredOutput, "no structured sentiment returned")
	}
	label, ok := r.Fields["sentiment"].(string)
	if !ok || !validLabel(label) {
		return Sentiment{}, invalidField("sentiment", r.Fields["sentiment"])
	}
	score, ok := toFloat(r.Fields["score"])
	if !ok || math.IsNaN(score) || score < -1 || score > 1 {
		return Sentiment{}, invalidField("score", r.Fields["score"])
	}
	return Sentiment{Sentiment: label, Score: score}, nil
}

func validLabel(s string) bool {
	for _, l := range sentimentLabels {
		if s == l {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func invalidField(name string, v any) error {
	return apperr.New(apperr.UpstreamMalformed, apperr.ReasonInvalidField,
		fmt.Sprintf("field %q has invalid value %v (%T)", name, v, v))
}
