package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/azure/brand-mentions-bot/internal/models"
)

// maxInputChars bounds the text sent to the model
const maxInputChars = 1000

type hfLabel struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// HuggingFaceClassifier calls a hosted text-classification model
type HuggingFaceClassifier struct {
	modelURL string
	token    string
	client   *resty.Client
}

// NewHuggingFaceClassifier creates a classifier for the model at modelURL
func NewHuggingFaceClassifier(modelURL, token string, timeout time.Duration) *HuggingFaceClassifier {
	return &HuggingFaceClassifier{
		modelURL: modelURL,
		token:    token,
		client:   resty.New().SetTimeout(timeout),
	}
}

func (h *HuggingFaceClassifier) Name() string {
	return "huggingface"
}

// Classify posts the text and maps the highest scoring model label onto the
// three sentiment labels. Labels naming neither polarity count as neutral.
func (h *HuggingFaceClassifier) Classify(ctx context.Context, text string) (models.Sentiment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Sentiment{Label: models.SentimentNeutral}, nil
	}
	if runes := []rune(text); len(runes) > maxInputChars {
		text = string(runes[:maxInputChars])
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetAuthToken(h.token).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"inputs": text}).
		Post(h.modelURL)
	if err != nil {
		return models.Sentiment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode() != http.StatusOK {
		statusErr := &StatusError{StatusCode: resp.StatusCode()}
		if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil && seconds > 0 {
			statusErr.RetryAfter = time.Duration(seconds) * time.Second
		}
		return models.Sentiment{}, statusErr
	}

	var result [][]hfLabel
	if err := json.Unmarshal(resp.Body(), &result); err != nil || len(result) == 0 || len(result[0]) == 0 {
		return models.Sentiment{}, fmt.Errorf("%w: unexpected response %q", ErrUnavailable, truncateBody(resp.String()))
	}

	top := result[0][0]
	for _, candidate := range result[0][1:] {
		if candidate.Score > top.Score {
			top = candidate
		}
	}

	label := strings.ToLower(top.Label)
	switch {
	case strings.Contains(label, "positive"):
		return models.Sentiment{Label: models.SentimentPositive, Score: top.Score}, nil
	case strings.Contains(label, "negative"):
		return models.Sentiment{Label: models.SentimentNegative, Score: top.Score}, nil
	}
	return models.Sentiment{Label: models.SentimentNeutral, Score: top.Score}, nil
}

func truncateBody(body string) string {
	if len(body) > 200 {
		return body[:200]
	}
	return body
}
