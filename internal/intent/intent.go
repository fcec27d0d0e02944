// Package intent classifies short free-text patient replies into a fixed intent set.
//
// Classification is a bounded keyword and fuzzy-match scorer. Classify is pure: the same
// text and expected shape always produce the same Result.
package intent

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Intent is a classified reply intent.
type Intent string

const (
	Accept        Intent = "accept"
	Decline       Intent = "decline"
	ConfirmTaken  Intent = "confirm_taken"
	ConfirmMissed Intent = "confirm_missed"
	ConfirmLater  Intent = "confirm_later"
	Unsubscribe   Intent = "unsubscribe"
	Emergency     Intent = "emergency"
	Inquiry       Intent = "inquiry"
	Unknown       Intent = "unknown"
)

// Order is the enumeration order used to break score ties.
var Order = []Intent{Accept, Decline, ConfirmTaken, ConfirmMissed, ConfirmLater, Unsubscribe, Emergency, Inquiry}

// Sentiment is the coarse polarity of a reply.
type Sentiment string

const (
	Positive Sentiment = "positive"
	Negative Sentiment = "negative"
	Neutral  Sentiment = "neutral"
)

// Entity types.
const (
	EntityTime           = "time"
	EntityEmergencyLevel = "emergency_level"
)

// Entity is a span extracted from the normalized text.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}

// Result is the outcome of Classify.
type Result struct {
	Intent     Intent             `json:"intent"`
	Confidence float64            `json:"confidence"`
	Sentiment  Sentiment          `json:"sentiment"`
	Entities   []Entity           `json:"entities,omitempty"`
	Normalized string             `json:"normalized"`
	Scores     map[Intent]float64 `json:"scores"`
}

const (
	exactBonus      = 10.0
	fuzzyWeight     = 0.5
	maxFuzzyEdits   = 2
	minFuzzyLength  = 4
	yesNoBias       = 2.0
	unknownFloor    = 0.5
	unknownMinChars = 3
)

var yesNoIntents = map[Intent]bool{Accept: true, Decline: true, ConfirmTaken: true, ConfirmMissed: true}

var timePattern = regexp.MustCompile(`\b([01]?[0-9]|2[0-3])[:.]([0-5][0-9])\b`)

// Classify scores text against each intent's keyword list and returns the best match.
func Classify(text string, shape models.ResponseShape) Result {
	normalized := Normalize(text)
	tokens := strings.Fields(normalized)
	padded := " " + normalized + " "

	scores := make(map[Intent]float64, len(Order))
	for _, in := range Order {
		var score float64
		for _, kw := range keywords[in] {
			score += keywordScore(kw, normalized, padded, tokens)
		}
		if shape == models.ShapeYesNo && yesNoIntents[in] && score > 0 {
			score += yesNoBias
		}
		scores[in] = score
	}

	best, bestScore := Unknown, 0.0
	for _, in := range Order {
		if scores[in] > bestScore {
			best, bestScore = in, scores[in]
		}
	}

	length := utf8.RuneCountInString(normalized)
	var confidence float64
	switch {
	case bestScore > 0 && length > 0:
		confidence = min(1.0, bestScore/float64(length)*100)
	case length >= unknownMinChars:
		confidence = unknownFloor
	}

	return Result{
		Intent:     best,
		Confidence: confidence,
		Sentiment:  sentiment(padded, best),
		Entities:   extractEntities(normalized, padded),
		Normalized: normalized,
		Scores:     scores,
	}
}

func keywordScore(kw, normalized, padded string, tokens []string) float64 {
	var score float64
	if normalized == kw {
		score += exactBonus
	}
	if strings.Contains(padded, " "+kw+" ") {
		score += float64(utf8.RuneCountInString(kw))
	}
	kwLen := utf8.RuneCountInString(kw)
	if kwLen >= minFuzzyLength && !strings.Contains(kw, " ") {
		for _, tok := range tokens {
			if d := levenshtein(tok, kw); d >= 1 && d <= maxFuzzyEdits {
				score += fuzzyWeight * float64(kwLen)
			}
		}
	}
	return score
}

func countMatches(padded string, words []string) int {
	n := 0
	for _, w := range words {
		n += strings.Count(padded, " "+w+" ")
	}
	return n
}

func sentiment(padded string, in Intent) Sentiment {
	pos, neg := countMatches(padded, positiveWords), countMatches(padded, negativeWords)
	switch {
	case pos > neg:
		return Positive
	case neg > pos:
		return Negative
	}
	switch in {
	case Accept, ConfirmTaken:
		return Positive
	case Emergency, Unsubscribe:
		return Negative
	default:
		return Neutral
	}
}

func extractEntities(normalized, padded string) []Entity {
	var entities []Entity
	for _, loc := range timePattern.FindAllStringIndex(normalized, -1) {
		entities = append(entities, Entity{
			Type:       EntityTime,
			Value:      strings.ReplaceAll(normalized[loc[0]:loc[1]], ".", ":"),
			Confidence: 0.9,
			Start:      loc[0],
			End:        loc[1],
		})
	}
	if countMatches(padded, keywords[Emergency]) > 0 {
		entities = append(entities, Entity{
			Type:       EntityEmergencyLevel,
			Value:      "high",
			Confidence: 0.7,
			Start:      0,
			End:        len(normalized),
		})
	}
	return entities
}

// RequiresHumanIntervention reports whether a classified reply should reach a human operator.
// Any single condition is enough.
func RequiresHumanIntervention(r Result) bool {
	if r.Intent == Emergency || r.Intent == Inquiry || r.Confidence < 0.3 || r.Sentiment == Negative {
		return true
	}
	for _, e := range r.Entities {
		if e.Confidence < 0.5 {
			return true
		}
	}
	return false
}
