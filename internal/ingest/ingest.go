// Package ingest follows each monitored container's combined stdout/stderr
// log stream, demultiplexes the engine's wire frames into lines, and
// batches them into fixed-size or time-flushed windows for the anomaly
// gate, while also publishing each redacted line onto the event bus for
// the dashboard.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/bus"
	"github.com/sre-sentinel/sentinel/internal/model"
	"github.com/sre-sentinel/sentinel/internal/redact"
	"github.com/sre-sentinel/sentinel/internal/retry"
)

// WindowSink receives each flushed log window. Implemented by the anomaly
// gate; kept as a narrow interface rather than a bus topic since windows
// are a pipeline-internal handoff, not a dashboard-facing event.
type WindowSink interface {
	HandleWindow(ctx context.Context, window *model.LogWindow)
}

// Config parameterizes window flushing. Zero values fall back to the
// spec's defaults.
type Config struct {
	LinesPerWindow int
	FlushInterval  time.Duration
}

// Follower runs one reconnecting log-streaming loop per monitored
// container.
type Follower struct {
	docker *client.Client
	bus    *bus.Bus
	sink   WindowSink
	logger *zap.Logger
	cfg    Config

	mu   sync.Mutex
	seqs map[string]uint64
}

// New creates a follower. sink receives batched windows; the bus receives
// individual redacted lines for dashboard consumption.
func New(docker *client.Client, b *bus.Bus, sink WindowSink, cfg Config, logger *zap.Logger) *Follower {
	if cfg.LinesPerWindow <= 0 {
		cfg.LinesPerWindow = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Follower{
		docker: docker,
		bus:    b,
		sink:   sink,
		logger: logger.Named("log-ingester"),
		cfg:    cfg,
		seqs:   make(map[string]uint64),
	}
}

// Run follows c's log stream until ctx is cancelled, reconnecting with
// exponential backoff (1s base, 30s cap, doubling) on stream errors. A
// connection that stays up longer than the backoff cap resets the
// attempt counter, so a flaky-then-stable container doesn't inherit a
// stale long backoff from an earlier outage.
func (f *Follower) Run(ctx context.Context, c *model.Container) {
	policy := retry.Exponential(time.Second, 30*time.Second, 2, 0)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		connectedAt := time.Now()
		err := f.stream(ctx, c)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.logger.Warn("log stream ended, reconnecting",
				zap.String("container_id", c.ID), zap.Error(err))
		}

		if time.Since(connectedAt) > policy.MaxDelay {
			attempt = 0
		}
		delay := policy.Delay(attempt)
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (f *Follower) stream(ctx context.Context, c *model.Container) error {
	rc, err := f.docker.ContainerLogs(ctx, c.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Since:      fmt.Sprintf("%d", time.Now().Unix()),
	})
	if err != nil {
		return fmt.Errorf("attach logs: %w", err)
	}
	defer rc.Close()

	lines := make(chan string, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- demux(rc, lines)
		close(lines)
	}()

	window := f.newWindow(c)
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(window.Lines) == 0 {
			return
		}
		window.Sequence = f.nextSeq(c.ID)
		f.sink.HandleWindow(ctx, window)
		window = f.newWindow(c)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				flush()
				return <-errCh
			}
			redacted := redact.Text(line)
			f.publishLine(ctx, c, redacted)

			now := time.Now()
			if len(window.Lines) == 0 {
				window.EarliestAt = now
			}
			window.LatestAt = now
			window.Lines = append(window.Lines, redacted)
			if len(window.Lines) >= f.cfg.LinesPerWindow {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (f *Follower) newWindow(c *model.Container) *model.LogWindow {
	return &model.LogWindow{ContainerID: c.ID, Service: c.Service}
}

// publishLine publishes line, which must already be redacted, onto the
// log topic for dashboard consumption.
func (f *Follower) publishLine(ctx context.Context, c *model.Container, line string) {
	f.bus.Publish(ctx, bus.TopicLog, &model.LogLine{
		Container: c.Name,
		Timestamp: time.Now(),
		Level:     inferLevel(line),
		Message:   line,
	})
}

func (f *Follower) nextSeq(containerID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs[containerID]++
	return f.seqs[containerID]
}

func inferLevel(line string) model.LogLevel {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "fatal"), strings.Contains(lower, "error"):
		return model.LogLevelError
	case strings.Contains(lower, "warn"):
		return model.LogLevelWarn
	case strings.Contains(lower, "debug"):
		return model.LogLevelDebug
	default:
		return model.LogLevelInfo
	}
}
