package anomaly

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/model"
)

// debounceWindow is the minimum time between two forwarded anomalies for
// the same container, preventing a single ongoing fault from spawning a
// flood of incidents while the first one is still being handled.
const debounceWindow = 60 * time.Second

// VerdictSink receives anomalies that clear the gate. Implemented by the
// incident store.
type VerdictSink interface {
	HandleAnomaly(ctx context.Context, c *model.Container, verdict *model.AnomalyVerdict, window *model.LogWindow)
}

// Registry is the subset of registry.Registry the gate needs to resolve a
// window's container descriptor.
type Registry interface {
	Get(id string) *model.Container
}

// Gate implements ingest.WindowSink: it classifies each window and
// forwards only the ones that clear both the confidence threshold and the
// per-container debounce.
type Gate struct {
	classifier *Classifier
	sink       VerdictSink
	registry   Registry
	logger     *zap.Logger

	mu            sync.Mutex
	lastForwarded map[string]time.Time
	lastSeq       map[string]uint64
}

// NewGate creates an anomaly gate.
func NewGate(classifier *Classifier, sink VerdictSink, registry Registry, logger *zap.Logger) *Gate {
	return &Gate{
		classifier:    classifier,
		sink:          sink,
		registry:      registry,
		logger:        logger.Named("anomaly-gate"),
		lastForwarded: make(map[string]time.Time),
		lastSeq:       make(map[string]uint64),
	}
}

// HandleWindow implements ingest.WindowSink.
func (g *Gate) HandleWindow(ctx context.Context, window *model.LogWindow) {
	if !g.acceptSequence(window) {
		g.logger.Debug("dropping out-of-order window",
			zap.String("container_id", window.ContainerID), zap.Uint64("sequence", window.Sequence))
		return
	}

	c := g.registry.Get(window.ContainerID)
	if c == nil {
		return
	}

	verdict, err := g.classifier.Classify(ctx, window.Service, window)
	if err != nil {
		g.logger.Warn("classifier call failed",
			zap.String("container_id", window.ContainerID), zap.Error(err))
		return
	}

	if !verdict.ShouldForward() {
		return
	}

	if g.debounced(window.ContainerID) {
		g.logger.Debug("suppressing anomaly within debounce window",
			zap.String("container_id", window.ContainerID))
		return
	}

	g.markForwarded(window.ContainerID)
	g.sink.HandleAnomaly(ctx, c, verdict, window)
}

// acceptSequence rejects a window whose sequence number is not newer than
// the last one processed for its container, guarding against a
// reconnected follower replaying an already-handled window.
func (g *Gate) acceptSequence(window *model.LogWindow) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastSeq[window.ContainerID]; ok && window.Sequence <= last {
		return false
	}
	g.lastSeq[window.ContainerID] = window.Sequence
	return true
}

func (g *Gate) debounced(containerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastForwarded[containerID]
	return ok && time.Since(last) < debounceWindow
}

func (g *Gate) markForwarded(containerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastForwarded[containerID] = time.Now()
}
