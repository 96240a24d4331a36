// Package incident implements the incident store: an in-memory,
// append-only record of every fault detected during this process's
// lifetime, driven through the fixed 7-state machine described in the
// external interfaces specification. Nothing here is persisted; a
// restart starts from an empty store.
package incident

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/bus"
	"github.com/sre-sentinel/sentinel/internal/model"
)

// Analyzer produces a root-cause analysis and remediation plan for a
// triggering anomaly. Implemented by internal/rootcause.Engine.
type Analyzer interface {
	Analyze(ctx context.Context, c *model.Container, verdict model.AnomalyVerdict, window *model.LogWindow) (*model.RootCauseAnalysis, *model.RemediationPlan, error)
}

// Remediator executes a remediation plan against the tool gateway.
// fatal reports whether a high-priority action failed in a way that
// should abort verification outright. Implemented by
// internal/remediate.Executor.
type Remediator interface {
	Execute(ctx context.Context, c *model.Container, plan *model.RemediationPlan) (outcomes []model.ActionOutcome, fatal bool, err error)
}

// Verifier polls the remediated container until it reports healthy or the
// deadline elapses. Implemented by internal/verify.Verifier.
type Verifier interface {
	Verify(ctx context.Context, c *model.Container) (healthy bool, err error)
}

// Store is the central incident record keeper and state machine driver.
type Store struct {
	bus        *bus.Bus
	analyzer   Analyzer
	remediator Remediator
	verifier   Verifier
	autoHeal   bool
	logger     *zap.Logger

	mu              sync.Mutex
	nextID          int64
	incidents       map[int64]*model.Incident
	openByContainer map[string]int64
}

// New creates an incident store. autoHeal mirrors AUTO_HEAL_ENABLED: when
// false, incidents are analyzed but never remediated, ending directly in
// StateUnresolved.
func New(b *bus.Bus, analyzer Analyzer, remediator Remediator, verifier Verifier, autoHeal bool, logger *zap.Logger) *Store {
	return &Store{
		bus:             b,
		analyzer:        analyzer,
		remediator:      remediator,
		verifier:        verifier,
		autoHeal:        autoHeal,
		logger:          logger.Named("incident-store"),
		incidents:       make(map[int64]*model.Incident),
		openByContainer: make(map[string]int64),
	}
}

// HandleAnomaly implements anomaly.VerdictSink. It enforces the
// single-open-incident-per-container invariant: an anomaly for a
// container that already has a non-terminal incident is dropped rather
// than spawning a second, competing driver.
func (s *Store) HandleAnomaly(ctx context.Context, c *model.Container, verdict *model.AnomalyVerdict, window *model.LogWindow) {
	s.mu.Lock()
	if id, open := s.openByContainer[c.ID]; open {
		if inc, ok := s.incidents[id]; ok && !inc.State.Terminal() {
			s.mu.Unlock()
			s.logger.Debug("suppressing anomaly: container already has an open incident",
				zap.String("container_id", c.ID), zap.Int64("incident_id", id))
			return
		}
	}

	s.nextID++
	id := s.nextID
	inc := &model.Incident{
		ID:          id,
		ContainerID: c.ID,
		Service:     c.Service,
		DetectedAt:  time.Now(),
		State:       model.StateNew,
		Verdict:     *verdict,
	}
	s.incidents[id] = inc
	s.openByContainer[c.ID] = id
	snapshot := inc.Clone()
	s.mu.Unlock()

	s.bus.Publish(ctx, bus.TopicIncident, snapshot)
	s.logger.Info("incident opened",
		zap.Int64("incident_id", id), zap.String("container_id", c.ID),
		zap.String("pattern", verdict.PatternLabel))

	go s.drive(ctx, id, c, *verdict, window)
}

// Get returns a snapshot copy of the incident, or nil if id is unknown.
func (s *Store) Get(id int64) *model.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil
	}
	return inc.Clone()
}

// Snapshot returns a copy of every incident recorded this process
// lifetime, most recently created first.
func (s *Store) Snapshot() []*model.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, inc.Clone())
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *Store) withIncident(id int64, fn func(inc *model.Incident) bool) *model.Incident {
	s.mu.Lock()
	inc, ok := s.incidents[id]
	if !ok || inc.State.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if !fn(inc) {
		s.mu.Unlock()
		return nil
	}
	snapshot := inc.Clone()
	s.mu.Unlock()
	return snapshot
}

func (s *Store) transition(ctx context.Context, id int64, state model.IncidentState) {
	snapshot := s.withIncident(id, func(inc *model.Incident) bool {
		inc.State = state
		return true
	})
	if snapshot != nil {
		s.bus.Publish(ctx, bus.TopicIncidentUpdate, snapshot)
	}
}

func (s *Store) setAnalysis(ctx context.Context, id int64, analysis *model.RootCauseAnalysis, plan *model.RemediationPlan) {
	snapshot := s.withIncident(id, func(inc *model.Incident) bool {
		inc.Analysis = analysis
		inc.Plan = plan
		return true
	})
	if snapshot != nil {
		s.bus.Publish(ctx, bus.TopicIncidentUpdate, snapshot)
	}
}

func (s *Store) appendOutcomes(ctx context.Context, id int64, outcomes []model.ActionOutcome) {
	if len(outcomes) == 0 {
		return
	}
	snapshot := s.withIncident(id, func(inc *model.Incident) bool {
		inc.Outcomes = append(inc.Outcomes, outcomes...)
		return true
	})
	if snapshot != nil {
		s.bus.Publish(ctx, bus.TopicIncidentUpdate, snapshot)
		for _, o := range outcomes {
			s.bus.Publish(ctx, bus.TopicActionOutcome, model.ActionOutcomeEvent{
				IncidentID:  id,
				ContainerID: snapshot.ContainerID,
				Outcome:     o,
			})
		}
	}
}

// complete moves an incident into a terminal state, clearing its
// container's open-incident slot so future anomalies can start a fresh
// incident. Calling it on an already-terminal incident is a no-op.
func (s *Store) complete(ctx context.Context, id int64, state model.IncidentState, explanation string, lastError model.ErrorKind) {
	var containerID string
	snapshot := s.withIncident(id, func(inc *model.Incident) bool {
		now := time.Now()
		inc.State = state
		inc.Explanation = explanation
		inc.LastError = lastError
		inc.ResolvedAt = &now
		containerID = inc.ContainerID
		return true
	})
	if snapshot == nil {
		return
	}

	s.mu.Lock()
	if s.openByContainer[containerID] == id {
		delete(s.openByContainer, containerID)
	}
	s.mu.Unlock()

	s.bus.Publish(ctx, bus.TopicIncidentUpdate, snapshot)
	s.logger.Info("incident closed",
		zap.Int64("incident_id", id), zap.String("state", string(state)))
}
