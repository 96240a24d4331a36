// Package api implements the external HTTP and WebSocket interface:
// a small read-only REST surface over the container registry and
// incident store, plus a streaming WebSocket feed that bootstraps a
// client with the current snapshot and then forwards every subsequent
// event bus topic as it is published.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/bus"
	"github.com/sre-sentinel/sentinel/internal/model"
)

// ContainerSource exposes the container registry's read surface.
// Implemented by internal/registry.Registry.
type ContainerSource interface {
	Snapshot() []*model.Container
}

// IncidentSource exposes the incident store's read surface. Implemented
// by internal/incident.Store.
type IncidentSource interface {
	Snapshot() []*model.Incident
}

// streamTopics is every topic a dashboard client is bootstrapped with and
// then forwarded live, in subscription order.
var streamTopics = []bus.Topic{
	bus.TopicContainerUpdate,
	bus.TopicLog,
	bus.TopicMetrics,
	bus.TopicIncident,
	bus.TopicIncidentUpdate,
	bus.TopicActionOutcome,
}

const (
	streamQueueCapacity = 256
	writeWait           = 10 * time.Second
	pingInterval        = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the HTTP/WebSocket front door for the daemon.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	containers ContainerSource
	incidents  IncidentSource
	bus        *bus.Bus
	logger     *zap.Logger
}

// New builds a server bound to addr. gin runs in release mode; the
// daemon's own structured logger replaces gin's default request logger.
func New(addr string, containers ContainerSource, incidents IncidentSource, b *bus.Bus, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:     router,
		containers: containers,
		incidents:  incidents,
		bus:        b,
		logger:     logger.Named("api"),
	}
	s.httpServer = &http.Server{Addr: addr, Handler: router}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.accessLog())
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/containers", s.handleListContainers)
	s.router.GET("/incidents", s.handleListIncidents)
	s.router.GET("/ws", s.handleWebSocket)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts it down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleListContainers(c *gin.Context) {
	c.JSON(http.StatusOK, s.containers.Snapshot())
}

func (s *Server) handleListIncidents(c *gin.Context) {
	c.JSON(http.StatusOK, s.incidents.Snapshot())
}

// bootstrapEnvelope is the first frame sent on every connection: the type
// tag plus the current snapshot spread at the top level, matching the
// external interface's {type, ...payload} wire shape.
type bootstrapEnvelope struct {
	Type       string             `json:"type"`
	Containers []*model.Container `json:"containers,omitempty"`
	Incidents  []*model.Incident  `json:"incidents,omitempty"`
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	connID := uuid.New().String()
	logger := s.logger.With(zap.String("conn_id", connID))
	logger.Info("dashboard client connected")
	defer logger.Info("dashboard client disconnected")
	defer conn.Close()

	stream := s.bus.Subscribe(streamQueueCapacity, streamTopics...)
	defer stream.Close()

	if err := conn.WriteJSON(bootstrapEnvelope{
		Type:       "bootstrap",
		Containers: s.containers.Snapshot(),
		Incidents:  s.incidents.Snapshot(),
	}); err != nil {
		logger.Debug("failed writing bootstrap envelope", zap.Error(err))
		return
	}

	closed := make(chan struct{})
	go s.drainReads(conn, closed)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				return
			}
		case event, ok := <-stream.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeEventEnvelope(conn, event); err != nil {
				logger.Debug("failed writing event envelope", zap.Error(err))
				return
			}
		}
	}
}

// writeEventEnvelope marshals event.Payload and merges a "type" field
// into its top-level JSON object, matching the {type, ...payload} wire
// shape the bootstrap frame and the external interface both use.
func writeEventEnvelope(conn *websocket.Conn, event bus.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("unmarshal event payload: %w", err)
	}
	typeTag, err := json.Marshal(string(event.Topic))
	if err != nil {
		return fmt.Errorf("marshal event type: %w", err)
	}
	fields["type"] = typeTag

	merged, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, merged)
}

// drainReads discards inbound messages (this feed is push-only) but
// must keep reading so gorilla/websocket can service control frames and
// detect the peer closing the connection.
func (s *Server) drainReads(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
