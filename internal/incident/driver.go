package incident

import (
	"context"

	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/model"
)

// drive runs one incident from StateAnalyzing through to a terminal
// state. Each incident gets its own goroutine, so incidents never
// interleave their own transitions; concurrent incidents on different
// containers run independently.
func (s *Store) drive(ctx context.Context, id int64, c *model.Container, verdict model.AnomalyVerdict, window *model.LogWindow) {
	s.transition(ctx, id, model.StateAnalyzing)

	analysis, plan, err := s.analyzer.Analyze(ctx, c, verdict, window)
	if err != nil {
		s.logger.Warn("root cause analysis failed",
			zap.Int64("incident_id", id), zap.Error(err))
		s.complete(ctx, id, model.StateUnresolved,
			"root cause analysis failed: "+err.Error(), model.ErrKindAnalyzerError)
		return
	}
	s.setAnalysis(ctx, id, analysis, plan)

	if plan.Empty() {
		s.complete(ctx, id, model.StateUnresolved,
			"root cause analysis produced no actionable remediation plan", "")
		return
	}

	if !s.autoHeal {
		s.complete(ctx, id, model.StateUnresolved,
			"auto-heal is disabled; remediation plan computed but not executed", "")
		return
	}

	s.transition(ctx, id, model.StateRemediating)

	outcomes, fatal, err := s.remediator.Execute(ctx, c, plan)
	s.appendOutcomes(ctx, id, outcomes)
	if err != nil {
		s.logger.Warn("remediation execution failed",
			zap.Int64("incident_id", id), zap.Error(err))
		s.complete(ctx, id, model.StateFailed,
			"remediation execution failed: "+err.Error(), model.ErrKindToolExecutionError)
		return
	}
	if fatal {
		s.complete(ctx, id, model.StateFailed,
			"a high-priority remediation action failed; aborting without verification", model.ErrKindToolExecutionError)
		return
	}

	s.transition(ctx, id, model.StateVerifying)

	healthy, err := s.verifier.Verify(ctx, c)
	if err != nil {
		s.logger.Warn("verification failed",
			zap.Int64("incident_id", id), zap.Error(err))
		s.complete(ctx, id, model.StateFailed,
			"verification failed: "+err.Error(), model.ErrKindVerifierTimeout)
		return
	}

	if healthy {
		s.complete(ctx, id, model.StateResolved,
			"container reported healthy after remediation", "")
		return
	}
	s.complete(ctx, id, model.StateFailed,
		"container did not report healthy before the verification deadline", model.ErrKindVerifierTimeout)
}
