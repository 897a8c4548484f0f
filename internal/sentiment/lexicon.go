package sentiment

import (
	"context"
	"strings"

	"github.com/azure/brand-mentions-bot/internal/models"
)

var (
	positiveWords = []string{
		"good", "great", "excellent", "love", "awesome", "fantastic", "amazing", "perfect",
		"cute", "comfy", "gorgeous", "obsessed", "recommend", "quality", "fast shipping",
	}
	negativeWords = []string{
		"bad", "terrible", "awful", "hate", "broken", "fail", "problem", "issue",
		"scam", "refund", "cheap", "ripped", "never arrived", "disappointed", "worst",
	}
)

// LexiconClassifier is a keyword counter used when no remote model is configured
type LexiconClassifier struct{}

// NewLexiconClassifier creates the keyword classifier
func NewLexiconClassifier() *LexiconClassifier {
	return &LexiconClassifier{}
}

func (l *LexiconClassifier) Name() string {
	return "lexicon"
}

func (l *LexiconClassifier) Classify(ctx context.Context, text string) (models.Sentiment, error) {
	if err := ctx.Err(); err != nil {
		return models.Sentiment{}, err
	}

	content := strings.ToLower(text)

	positiveCount := 0
	negativeCount := 0

	for _, word := range positiveWords {
		if strings.Contains(content, word) {
			positiveCount++
		}
	}

	for _, word := range negativeWords {
		if strings.Contains(content, word) {
			negativeCount++
		}
	}

	matched := positiveCount + negativeCount
	switch {
	case positiveCount > negativeCount:
		return models.Sentiment{Label: models.SentimentPositive, Score: float64(positiveCount) / float64(matched)}, nil
	case negativeCount > positiveCount:
		return models.Sentiment{Label: models.SentimentNegative, Score: float64(negativeCount) / float64(matched)}, nil
	}

	return models.Sentiment{Label: models.SentimentNeutral, Score: 0.5}, nil
}
