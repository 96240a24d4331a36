package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sre-sentinel/sentinel/internal/model"
)

func TestRecordAndSinceRoundTrip(t *testing.T) {
	ledger, err := Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer ledger.Close()

	completedAt := time.Now().UTC().Truncate(time.Second)
	event := model.ActionOutcomeEvent{
		IncidentID:  42,
		ContainerID: "c1",
		Outcome: model.ActionOutcome{
			Action:      model.PlanAction{Tool: "restart_container", TargetID: "c1", Priority: 1},
			Success:     true,
			Duration:    3 * time.Second,
			Attempt:     1,
			CompletedAt: completedAt,
		},
	}

	require.NoError(t, ledger.Record(context.Background(), event))

	records, err := ledger.Since(context.Background(), completedAt.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(42), records[0].IncidentID)
	require.Equal(t, "restart_container", records[0].Tool)
	require.True(t, records[0].Success)
}

func TestSinceExcludesOlderRecords(t *testing.T) {
	ledger, err := Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer ledger.Close()

	old := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, ledger.Record(context.Background(), model.ActionOutcomeEvent{
		IncidentID: 1, ContainerID: "c1",
		Outcome: model.ActionOutcome{Action: model.PlanAction{Tool: "t"}, CompletedAt: old},
	}))

	records, err := ledger.Since(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, records)
}
