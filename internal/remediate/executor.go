package remediate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/model"
	"github.com/sre-sentinel/sentinel/internal/retry"
)

// recreateTools identifies actions that recreate a container (commit,
// destroy, recreate with merged config) and therefore need the longer
// 120s per-call timeout instead of the 30s default.
var recreateTools = map[string]bool{
	"update_env_vars":    true,
	"recreate_container": true,
}

// fatalKinds are the error kinds that, on an action with priority ≤ 2,
// abort the remainder of the plan rather than letting the verifier
// decide.
var fatalKinds = map[model.ErrorKind]bool{
	model.ErrKindToolNotFound:       true,
	model.ErrKindSchemaViolation:    true,
	model.ErrKindGatewayUnavailable: true,
}

// retryPolicy implements "retry up to 2 additional times (1s, 3s
// backoff)": base delay 1s, tripled to land on 3s for the second retry.
var retryPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 3, MaxDelay: 3 * time.Second}

// Executor drives a remediation plan against the tool gateway.
type Executor struct {
	session *gatewaySession
	logger  *zap.Logger
}

// New creates a remediation executor against the gateway at baseURL.
func New(baseURL string, logger *zap.Logger) *Executor {
	return &Executor{
		session: newGatewaySession(baseURL, logger),
		logger:  logger.Named("remediation-executor"),
	}
}

// Execute implements incident.Remediator. Actions run in priority order
// (lower first, ties broken by original order), serialized through the
// gateway session. fatal reports whether a priority≤2 action failed
// fatally, in which case the remainder of the plan was not attempted.
func (e *Executor) Execute(ctx context.Context, c *model.Container, plan *model.RemediationPlan) ([]model.ActionOutcome, bool, error) {
	if err := e.session.ensure(ctx); err != nil {
		return nil, false, err
	}

	actions := sortedActions(plan.Actions)

	outcomes := make([]model.ActionOutcome, 0, len(actions))
	for _, action := range actions {
		outcome := e.executeOne(ctx, action)
		outcomes = append(outcomes, outcome)

		if !outcome.Success && fatalKinds[outcome.ErrorKind] && action.Priority <= 2 {
			e.logger.Warn("aborting plan after fatal high-priority action failure",
				zap.String("container_id", c.ID), zap.String("tool", action.Tool),
				zap.String("error_kind", string(outcome.ErrorKind)))
			return outcomes, true, nil
		}
	}
	return outcomes, false, nil
}

func sortedActions(actions []model.PlanAction) []model.PlanAction {
	indexed := make([]model.PlanAction, len(actions))
	copy(indexed, actions)
	sort.SliceStable(indexed, func(i, j int) bool {
		return indexed[i].Priority < indexed[j].Priority
	})
	return indexed
}

func (e *Executor) executeOne(ctx context.Context, action model.PlanAction) model.ActionOutcome {
	start := time.Now()
	outcome := model.ActionOutcome{Action: action}

	tool, ok := e.session.lookupTool(action.Tool)
	if !ok {
		outcome.ErrorKind = model.ErrKindToolNotFound
		outcome.ErrorMsg = fmt.Sprintf("tool %q not found in gateway catalog", action.Tool)
		outcome.Duration = time.Since(start)
		outcome.CompletedAt = time.Now()
		return outcome
	}

	if err := validateParams(tool.Schema, action.Params); err != nil {
		outcome.ErrorKind = model.ErrKindSchemaViolation
		outcome.ErrorMsg = err.Error()
		outcome.Duration = time.Since(start)
		outcome.CompletedAt = time.Now()
		return outcome
	}

	timeout := requestTimeout
	if recreateTools[action.Tool] {
		timeout = recreateTimeout
	}

	var output string
	var toolFailed bool
	attempt := 0

	rpcErr := retry.DoIf(ctx, retryPolicy, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, failed, err := e.session.callTool(callCtx, action.Tool, action.Params)
		if err != nil {
			if sessionLost(err) {
				e.session.reset()
				if handshakeErr := e.session.ensure(ctx); handshakeErr != nil {
					return handshakeErr
				}
			}
			return err
		}
		output, toolFailed = out, failed
		return nil
	}, func(error) bool { return true })

	outcome.Attempt = attempt
	outcome.Duration = time.Since(start)
	outcome.CompletedAt = time.Now()

	if rpcErr != nil {
		outcome.Success = false
		outcome.ErrorKind = model.ErrKindGatewayUnavailable
		outcome.ErrorMsg = rpcErr.Error()
		return outcome
	}
	if toolFailed {
		outcome.Success = false
		outcome.ErrorKind = model.ErrKindToolExecutionError
		outcome.ErrorMsg = "tool reported an error result"
		outcome.Output = output
		return outcome
	}

	outcome.Success = true
	outcome.Output = output
	return outcome
}

// validateParams checks that every field named in the tool's JSON schema
// "required" list is present in params. An unparseable or absent schema
// is treated as unconstrained rather than a validation failure.
func validateParams(schema json.RawMessage, params map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	var parsed struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	for _, field := range parsed.Required {
		if _, ok := params[field]; !ok {
			return fmt.Errorf("missing required parameter %q", field)
		}
	}
	return nil
}
