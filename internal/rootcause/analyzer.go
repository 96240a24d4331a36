// Package rootcause implements the deep root-cause analyzer: given a
// triggering anomaly, it gathers as much context as it can about the
// failing container and its neighbors, calls the configured deep
// analyzer endpoint, and translates the response into a remediation
// plan.
package rootcause

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/model"
)

const analyzerTimeout = 45 * time.Second

const analyzerSystemPrompt = `You are a root-cause analysis engine for containerized services. ` +
	`Given the triggering log window, recent history, the full set of monitored containers, ` +
	`the failing container's redacted environment, and any available compose context, respond ` +
	`with a single JSON object: {"root_cause": string, "explanation": string, ` +
	`"affected_components": [string], "confidence": 0..1, "prevention": string, ` +
	`"suggested_fixes": [{"tool": string, "target_id": string, "params": object, "priority": 1..5, "rationale": string}]}. ` +
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

type suggestedFixDTO struct {
	Tool      string         `json:"tool"`
	TargetID  string         `json:"target_id"`
	Params    map[string]any `json:"params"`
	Priority  int            `json:"priority"`
	Rationale string         `json:"rationale"`
}

type analyzerResponseDTO struct {
	RootCause          string            `json:"root_cause"`
	Explanation        string            `json:"explanation"`
	AffectedComponents []string          `json:"affected_components"`
	Confidence         float64           `json:"confidence"`
	Prevention         string            `json:"prevention"`
	SuggestedFixes     []suggestedFixDTO `json:"suggested_fixes"`
}

func (e *Engine) callAnalyzer(ctx context.Context, prompt string) (*analyzerResponseDTO, error) {
	ctx, cancel := context.WithTimeout(ctx, analyzerTimeout)
	defer cancel()

	reqBody := chatCompletionRequest{
		Model:       e.model,
		Temperature: 0.2,
		Messages: []chatMessage{
			{Role: "system", Content: analyzerSystemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode analyzer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build analyzer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyzer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer returned status %d", resp.StatusCode)
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("decode analyzer response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("analyzer returned no choices")
	}

	var dto analyzerResponseDTO
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &dto); err != nil {
		return nil, fmt.Errorf("parse analyzer response: %w", err)
	}
	return &dto, nil
}

// translatePlan converts the analyzer's suggested fixes into a
// remediation plan, dropping any action that is too malformed to ever
// be executable (missing tool name or target). The gateway's own tool
// catalog is the authority on whether a named tool actually exists;
// that check happens in the remediation executor, which records
// tool_not_found outcomes for names this pre-filter lets through.
func translatePlan(dto *analyzerResponseDTO, logger *zap.Logger) *model.RemediationPlan {
	plan := &model.RemediationPlan{}
	for _, fix := range dto.SuggestedFixes {
		if fix.Tool == "" || fix.TargetID == "" {
			logger.Warn("dropping malformed suggested fix",
				zap.String("tool", fix.Tool), zap.String("target_id", fix.TargetID))
			continue
		}
		priority := fix.Priority
		if priority < 1 || priority > 5 {
			priority = 3
		}
		plan.Actions = append(plan.Actions, model.PlanAction{
			Tool:      fix.Tool,
			TargetID:  fix.TargetID,
			Params:    fix.Params,
			Priority:  priority,
			Rationale: fix.Rationale,
		})
	}
	return plan
}
