package anomaly

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sre-sentinel/sentinel/internal/model"
)

type fakeRegistry struct {
	containers map[string]*model.Container
}

func (f *fakeRegistry) Get(id string) *model.Container {
	return f.containers[id]
}

type fakeSink struct {
	mu        sync.Mutex
	forwarded []*model.AnomalyVerdict
}

func (f *fakeSink) HandleAnomaly(ctx context.Context, c *model.Container, verdict *model.AnomalyVerdict, window *model.LogWindow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, verdict)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwarded)
}

func classifierServer(t *testing.T, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
}

const anomalousBody = `{"choices":[{"message":{"role":"assistant","content":"{\"is_anomaly\": true, \"confidence\": 0.95, \"severity\": \"high\", \"pattern_label\": \"crash\"}"}}]}`
const benignBody = `{"choices":[{"message":{"role":"assistant","content":"{\"is_anomaly\": false, \"confidence\": 0.1, \"severity\": \"low\", \"pattern_label\": \"\"}"}}]}`

func TestGateForwardsAnomalyAboveThreshold(t *testing.T) {
	srv := classifierServer(t, anomalousBody)
	defer srv.Close()

	classifier := NewClassifier(srv.URL, "", "m", zaptest.NewLogger(t))
	sink := &fakeSink{}
	registry := &fakeRegistry{containers: map[string]*model.Container{"c1": {ID: "c1", Service: "api"}}}
	gate := NewGate(classifier, sink, registry, zaptest.NewLogger(t))

	gate.HandleWindow(context.Background(), &model.LogWindow{ContainerID: "c1", Service: "api", Sequence: 1, Lines: []string{"panic"}})
	require.Equal(t, 1, sink.count())
}

func TestGateSuppressesBenignVerdict(t *testing.T) {
	srv := classifierServer(t, benignBody)
	defer srv.Close()

	classifier := NewClassifier(srv.URL, "", "m", zaptest.NewLogger(t))
	sink := &fakeSink{}
	registry := &fakeRegistry{containers: map[string]*model.Container{"c1": {ID: "c1", Service: "api"}}}
	gate := NewGate(classifier, sink, registry, zaptest.NewLogger(t))

	gate.HandleWindow(context.Background(), &model.LogWindow{ContainerID: "c1", Service: "api", Sequence: 1, Lines: []string{"ok"}})
	require.Equal(t, 0, sink.count())
}

func TestGateDebouncesRepeatedAnomaliesWithin60s(t *testing.T) {
	srv := classifierServer(t, anomalousBody)
	defer srv.Close()

	classifier := NewClassifier(srv.URL, "", "m", zaptest.NewLogger(t))
	sink := &fakeSink{}
	registry := &fakeRegistry{containers: map[string]*model.Container{"c1": {ID: "c1", Service: "api"}}}
	gate := NewGate(classifier, sink, registry, zaptest.NewLogger(t))

	gate.HandleWindow(context.Background(), &model.LogWindow{ContainerID: "c1", Service: "api", Sequence: 1, Lines: []string{"panic"}})
	gate.HandleWindow(context.Background(), &model.LogWindow{ContainerID: "c1", Service: "api", Sequence: 2, Lines: []string{"panic again"}})

	require.Equal(t, 1, sink.count())
}

func TestGateDropsOutOfOrderWindow(t *testing.T) {
	srv := classifierServer(t, anomalousBody)
	defer srv.Close()

	classifier := NewClassifier(srv.URL, "", "m", zaptest.NewLogger(t))
	sink := &fakeSink{}
	registry := &fakeRegistry{containers: map[string]*model.Container{"c1": {ID: "c1", Service: "api"}}}
	gate := NewGate(classifier, sink, registry, zaptest.NewLogger(t))

	gate.HandleWindow(context.Background(), &model.LogWindow{ContainerID: "c1", Service: "api", Sequence: 5, Lines: []string{"panic"}})
	gate.HandleWindow(context.Background(), &model.LogWindow{ContainerID: "c1", Service: "api", Sequence: 3, Lines: []string{"stale"}})

	require.Equal(t, 1, sink.count())
}

func TestGateSkipsUnknownContainer(t *testing.T) {
	srv := classifierServer(t, anomalousBody)
	defer srv.Close()

	classifier := NewClassifier(srv.URL, "", "m", zaptest.NewLogger(t))
	sink := &fakeSink{}
	registry := &fakeRegistry{containers: map[string]*model.Container{}}
	gate := NewGate(classifier, sink, registry, zaptest.NewLogger(t))

	gate.HandleWindow(context.Background(), &model.LogWindow{ContainerID: "unknown", Sequence: 1, Lines: []string{"panic"}})
	require.Equal(t, 0, sink.count())
}
