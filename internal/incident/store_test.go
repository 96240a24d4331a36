package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sre-sentinel/sentinel/internal/bus"
	"github.com/sre-sentinel/sentinel/internal/model"
)

type fakeAnalyzer struct {
	analysis *model.RootCauseAnalysis
	plan     *model.RemediationPlan
	err      error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, c *model.Container, verdict model.AnomalyVerdict, window *model.LogWindow) (*model.RootCauseAnalysis, *model.RemediationPlan, error) {
	return f.analysis, f.plan, f.err
}

type fakeRemediator struct {
	outcomes []model.ActionOutcome
	fatal    bool
	err      error
}

func (f *fakeRemediator) Execute(ctx context.Context, c *model.Container, plan *model.RemediationPlan) ([]model.ActionOutcome, bool, error) {
	return f.outcomes, f.fatal, f.err
}

type fakeVerifier struct {
	healthy bool
	err     error
}

func (f *fakeVerifier) Verify(ctx context.Context, c *model.Container) (bool, error) {
	return f.healthy, f.err
}

func samplePlan() *model.RemediationPlan {
	return &model.RemediationPlan{Actions: []model.PlanAction{{Tool: "restart_container", TargetID: "c1", Priority: 1}}}
}

func waitForTerminal(t *testing.T, s *Store, id int64) *model.Incident {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inc := s.Get(id)
		if inc != nil && inc.State.Terminal() {
			return inc
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("incident did not reach a terminal state in time")
	return nil
}

func newTestContainer() *model.Container {
	return &model.Container{ID: "c1", Name: "c1", Service: "api"}
}

func TestHandleAnomalyResolvesOnHealthyVerification(t *testing.T) {
	b := bus.New(zaptest.NewLogger(t))
	store := New(b,
		&fakeAnalyzer{analysis: &model.RootCauseAnalysis{RootCause: "oom"}, plan: samplePlan()},
		&fakeRemediator{outcomes: []model.ActionOutcome{{Success: true}}},
		&fakeVerifier{healthy: true},
		true, zaptest.NewLogger(t))

	verdict := &model.AnomalyVerdict{ContainerID: "c1", IsAnomaly: true, Confidence: 0.9}
	store.HandleAnomaly(context.Background(), newTestContainer(), verdict, &model.LogWindow{ContainerID: "c1"})

	inc := waitForTerminal(t, store, 1)
	require.Equal(t, model.StateResolved, inc.State)
}

func TestHandleAnomalyFailsWhenRemediationFatal(t *testing.T) {
	b := bus.New(zaptest.NewLogger(t))
	store := New(b,
		&fakeAnalyzer{analysis: &model.RootCauseAnalysis{}, plan: samplePlan()},
		&fakeRemediator{fatal: true},
		&fakeVerifier{healthy: true},
		true, zaptest.NewLogger(t))

	store.HandleAnomaly(context.Background(), newTestContainer(), &model.AnomalyVerdict{ContainerID: "c1"}, &model.LogWindow{ContainerID: "c1"})

	inc := waitForTerminal(t, store, 1)
	require.Equal(t, model.StateFailed, inc.State)
}

func TestHandleAnomalyUnresolvedWhenAnalyzerErrors(t *testing.T) {
	b := bus.New(zaptest.NewLogger(t))
	store := New(b,
		&fakeAnalyzer{err: errors.New("analyzer down")},
		&fakeRemediator{},
		&fakeVerifier{},
		true, zaptest.NewLogger(t))

	store.HandleAnomaly(context.Background(), newTestContainer(), &model.AnomalyVerdict{ContainerID: "c1"}, &model.LogWindow{ContainerID: "c1"})

	inc := waitForTerminal(t, store, 1)
	require.Equal(t, model.StateUnresolved, inc.State)
	require.Equal(t, model.ErrKindAnalyzerError, inc.LastError)
}

func TestHandleAnomalyUnresolvedWhenAutoHealDisabled(t *testing.T) {
	b := bus.New(zaptest.NewLogger(t))
	store := New(b,
		&fakeAnalyzer{analysis: &model.RootCauseAnalysis{}, plan: samplePlan()},
		&fakeRemediator{},
		&fakeVerifier{},
		false, zaptest.NewLogger(t))

	store.HandleAnomaly(context.Background(), newTestContainer(), &model.AnomalyVerdict{ContainerID: "c1"}, &model.LogWindow{ContainerID: "c1"})

	inc := waitForTerminal(t, store, 1)
	require.Equal(t, model.StateUnresolved, inc.State)
}

func TestHandleAnomalySuppressedWhileIncidentOpen(t *testing.T) {
	b := bus.New(zaptest.NewLogger(t))
	blocker := make(chan struct{})
	store := New(b,
		&fakeAnalyzer{analysis: &model.RootCauseAnalysis{}, plan: samplePlan()},
		&blockingRemediator{release: blocker},
		&fakeVerifier{healthy: true},
		true, zaptest.NewLogger(t))

	c := newTestContainer()
	store.HandleAnomaly(context.Background(), c, &model.AnomalyVerdict{ContainerID: "c1"}, &model.LogWindow{ContainerID: "c1"})
	store.HandleAnomaly(context.Background(), c, &model.AnomalyVerdict{ContainerID: "c1"}, &model.LogWindow{ContainerID: "c1"})

	close(blocker)
	waitForTerminal(t, store, 1)

	require.Len(t, store.Snapshot(), 1)
}

type blockingRemediator struct {
	release chan struct{}
}

func (b *blockingRemediator) Execute(ctx context.Context, c *model.Container, plan *model.RemediationPlan) ([]model.ActionOutcome, bool, error) {
	<-b.release
	return nil, false, nil
}
