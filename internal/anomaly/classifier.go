// Package anomaly implements the fast-classifier gate: it turns each
// flushed log window into a pass/no-pass verdict on whether the
// container's incident pipeline should be engaged, keeping the expensive
// root-cause path off the hot loop.
package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sre-sentinel/sentinel/internal/model"
)

const classifierTimeout = 3 * time.Second

// maxLineChars caps each log line handed to the classifier, matching the
// upstream contract of truncating rather than rejecting oversized lines.
const maxLineChars = 500

const classifierSystemPrompt = `You are a container log anomaly classifier. ` +
	`Given a batch of recent log lines, respond with a single JSON object: ` +
	`{"is_anomaly": bool, "confidence": 0..1, "severity": "low"|"medium"|"high"|"critical", "pattern_label": string}. ` +
	`No prose, no markdown, JSON only.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type classifierVerdict struct {
	IsAnomaly    bool    `json:"is_anomaly"`
	Confidence   float64 `json:"confidence"`
	Severity     string  `json:"severity"`
	PatternLabel string  `json:"pattern_label"`
}

// Classifier calls the configured fast-classifier endpoint, an
// OpenAI-chat-completions-shaped HTTP API.
type Classifier struct {
	httpClient *http.Client
	url        string
	apiKey     string
	model      string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClassifier creates a classifier client. The rate limiter is a
// defensive ceiling on call volume independent of the debounce the gate
// applies per container; it bounds total outbound call rate across all
// containers.
func NewClassifier(url, apiKey, model string, logger *zap.Logger) *Classifier {
	return &Classifier{
		httpClient: &http.Client{Timeout: classifierTimeout},
		url:        url,
		apiKey:     apiKey,
		model:      model,
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		logger:     logger.Named("fast-classifier"),
	}
}

// Classify sends window to the fast classifier and returns its verdict.
func (c *Classifier) Classify(ctx context.Context, service string, window *model.LogWindow) (*model.AnomalyVerdict, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, classifierTimeout)
	defer cancel()

	reqBody := chatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []chatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: buildPrompt(service, window)},
		},
	}

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("classifier returned no choices")
	}

	var cv classifierVerdict
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &cv); err != nil {
		return nil, fmt.Errorf("parse classifier verdict: %w", err)
	}

	return &model.AnomalyVerdict{
		ContainerID:    window.ContainerID,
		IsAnomaly:      cv.IsAnomaly,
		Severity:       model.AnomalySeverity(cv.Severity),
		Confidence:     cv.Confidence,
		PatternLabel:   cv.PatternLabel,
		WindowSequence: window.Sequence,
	}, nil
}

func buildPrompt(service string, window *model.LogWindow) string {
	lines := make([]string, len(window.Lines))
	for i, line := range window.Lines {
		if len(line) > maxLineChars {
			line = line[:maxLineChars]
		}
		lines[i] = line
	}
	text := strings.Join(lines, "\n")
	return fmt.Sprintf("service: %s\nwindow_sequence: %d\nlog lines:\n%s", service, window.Sequence, text)
}
