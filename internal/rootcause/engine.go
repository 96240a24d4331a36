package rootcause

import (
	"context"
	"net/http"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/bus"
	"github.com/sre-sentinel/sentinel/internal/model"
)

// Registry is the subset of registry.Registry the engine needs to list
// every monitored container as context for the analyzer.
type Registry interface {
	Snapshot() []*model.Container
}

// Engine implements incident.Analyzer: it gathers context for a
// triggering anomaly, calls the deep analyzer, and translates the
// response into a remediation plan.
type Engine struct {
	docker     *client.Client
	registry   Registry
	httpClient *http.Client
	url        string
	apiKey     string
	model      string
	logger     *zap.Logger

	history *lineHistory
	compose *composeCache
}

// New creates a root-cause engine.
func New(docker *client.Client, registry Registry, url, apiKey, modelName string, logger *zap.Logger) *Engine {
	return &Engine{
		docker:     docker,
		registry:   registry,
		httpClient: &http.Client{Timeout: analyzerTimeout},
		url:        url,
		apiKey:     apiKey,
		model:      modelName,
		logger:     logger.Named("rootcause"),
		history:    newLineHistory(),
		compose:    newComposeCache(),
	}
}

// Run keeps a rolling per-container log history by consuming every
// TopicLog event off stream until ctx is cancelled or the stream closes.
// Call once at startup with a dedicated subscription.
func (e *Engine) Run(ctx context.Context, stream *bus.Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			if line, ok := ev.Payload.(*model.LogLine); ok {
				e.history.record(line)
			}
		}
	}
}

// Analyze implements incident.Analyzer.
func (e *Engine) Analyze(ctx context.Context, c *model.Container, verdict model.AnomalyVerdict, window *model.LogWindow) (*model.RootCauseAnalysis, *model.RemediationPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, analyzerTimeout)
	defer cancel()

	history := e.history.get(c.Name)
	env := redactedEnv(ctx, e.docker, c.ID)
	compose := composeContext(ctx, e.docker, c.ID, e.compose, e.logger)
	descriptors := e.registry.Snapshot()

	prompt := buildPrompt(c, verdict, window, history, env, compose, descriptors)

	dto, err := e.callAnalyzer(ctx, prompt)
	if err != nil {
		return nil, nil, err
	}

	analysis := &model.RootCauseAnalysis{
		RootCause:          dto.RootCause,
		Explanation:        dto.Explanation,
		AffectedComponents: dto.AffectedComponents,
		Confidence:         dto.Confidence,
		Prevention:         dto.Prevention,
	}
	plan := translatePlan(dto, e.logger)

	e.logger.Info("root cause analysis complete",
		zap.String("container_id", c.ID), zap.String("root_cause", analysis.RootCause),
		zap.Int("plan_actions", len(plan.Actions)))

	return analysis, plan, nil
}
