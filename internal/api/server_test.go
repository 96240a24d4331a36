package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sre-sentinel/sentinel/internal/bus"
	"github.com/sre-sentinel/sentinel/internal/model"
)

type fakeContainers struct{ containers []*model.Container }

func (f fakeContainers) Snapshot() []*model.Container { return f.containers }

type fakeIncidents struct{ incidents []*model.Incident }

func (f fakeIncidents) Snapshot() []*model.Incident { return f.incidents }

func newTestServer(t *testing.T, containers []*model.Container, incidents []*model.Incident) (*Server, *bus.Bus) {
	t.Helper()
	b := bus.New(zaptest.NewLogger(t))
	s := New("127.0.0.1:0", fakeContainers{containers}, fakeIncidents{incidents}, b, zaptest.NewLogger(t))
	return s, b
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListContainersEndpoint(t *testing.T) {
	containers := []*model.Container{{ID: "c1", Name: "web"}}
	s, _ := newTestServer(t, containers, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/containers")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []*model.Container
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	require.Equal(t, "c1", got[0].ID)
}

func TestListIncidentsEndpoint(t *testing.T) {
	incidents := []*model.Incident{{ID: 1, ContainerID: "c1"}}
	s, _ := newTestServer(t, nil, incidents)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/incidents")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []*model.Incident
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	require.Equal(t, int64(1), got[0].ID)
}

func TestWebSocketBootstrapAndLiveEvent(t *testing.T) {
	containers := []*model.Container{{ID: "c1", Name: "web"}}
	s, b := newTestServer(t, containers, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var bootstrap bootstrapEnvelope
	require.NoError(t, conn.ReadJSON(&bootstrap))
	require.Equal(t, "bootstrap", bootstrap.Type)
	require.Len(t, bootstrap.Containers, 1)

	// give the subscriber goroutine time to register before publishing.
	time.Sleep(20 * time.Millisecond)
	b.Publish(context.Background(), bus.TopicIncident, &model.Incident{ID: 7})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var live map[string]any
	require.NoError(t, conn.ReadJSON(&live))
	require.Equal(t, string(bus.TopicIncident), live["type"])
	require.Equal(t, float64(7), live["id"])
}
