package rootcause

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/model"
	"github.com/sre-sentinel/sentinel/internal/redact"
)

const maxHistoryLines = 500
const maxComposeBytes = 4096

// composeWorkingDirLabel and composeConfigFilesLabel are the labels Docker
// Compose attaches to every container it creates, pointing back at the
// compose file(s) that defined it.
const composeWorkingDirLabel = "com.docker.compose.project.working_dir"
const composeConfigFilesLabel = "com.docker.compose.project.config_files"

type lineHistory struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newLineHistory() *lineHistory {
	return &lineHistory{lines: make(map[string][]string)}
}

func (h *lineHistory) record(line *model.LogLine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := append(h.lines[line.Container], line.Message)
	if len(buf) > maxHistoryLines {
		buf = buf[len(buf)-maxHistoryLines:]
	}
	h.lines[line.Container] = buf
}

func (h *lineHistory) get(container string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines[container]...)
}

// redactedEnv fetches the container's declared environment and redacts it
// before it is ever included in a prompt sent to the analyzer.
func redactedEnv(ctx context.Context, docker *client.Client, containerID string) map[string]string {
	inspect, err := docker.ContainerInspect(ctx, containerID)
	if err != nil || inspect.Config == nil {
		return nil
	}
	raw := make(map[string]string, len(inspect.Config.Env))
	for _, kv := range inspect.Config.Env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		raw[parts[0]] = parts[1]
	}
	return redact.EnvMap(raw)
}

// composeCache memoizes compose file reads by path. The file rarely
// changes between incidents, and re-reading it from disk on every
// analysis call is wasted work.
type composeCache struct {
	mu    sync.Mutex
	files map[string]string
}

func newComposeCache() *composeCache {
	return &composeCache{files: make(map[string]string)}
}

// composeContext makes a best-effort attempt to read back the compose
// file that defined the container, for extra context on declared
// dependencies and resource limits. Any failure is swallowed; this is
// pure enrichment, never a hard requirement for analysis.
func composeContext(ctx context.Context, docker *client.Client, containerID string, cache *composeCache, logger *zap.Logger) string {
	inspect, err := docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return ""
	}
	workingDir := inspect.Config.Labels[composeWorkingDirLabel]
	configFiles := inspect.Config.Labels[composeConfigFilesLabel]
	if workingDir == "" || configFiles == "" {
		return ""
	}

	first := strings.Split(configFiles, ",")[0]
	path := first
	if !filepath.IsAbs(first) {
		path = filepath.Join(workingDir, first)
	}

	cache.mu.Lock()
	if cached, ok := cache.files[path]; ok {
		cache.mu.Unlock()
		return cached
	}
	cache.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Debug("compose context unavailable",
			zap.String("container_id", containerID), zap.Error(err))
		return ""
	}
	if len(data) > maxComposeBytes {
		data = data[:maxComposeBytes]
	}
	content := redact.Text(string(data))

	cache.mu.Lock()
	cache.files[path] = content
	cache.mu.Unlock()

	return content
}

func buildPrompt(c *model.Container, verdict model.AnomalyVerdict, window *model.LogWindow, history []string, env map[string]string, compose string, descriptors []*model.Container) string {
	var b strings.Builder
	fmt.Fprintf(&b, "failing container: %s (service %s)\n", c.Name, c.Service)
	fmt.Fprintf(&b, "anomaly: pattern=%s severity=%s confidence=%.2f\n", verdict.PatternLabel, verdict.Severity, verdict.Confidence)
	fmt.Fprintf(&b, "triggering window (sequence %d):\n%s\n", window.Sequence, strings.Join(window.Lines, "\n"))
	if len(history) > 0 {
		fmt.Fprintf(&b, "recent history (up to %d lines):\n%s\n", maxHistoryLines, strings.Join(history, "\n"))
	}
	fmt.Fprintf(&b, "monitored containers:\n")
	for _, d := range descriptors {
		fmt.Fprintf(&b, "- %s (%s) status=%s restarts=%d\n", d.Name, d.Service, d.Status, d.Restarts)
	}
	if len(env) > 0 {
		fmt.Fprintf(&b, "redacted environment:\n")
		for k, v := range env {
			fmt.Fprintf(&b, "  %s=%s\n", k, v)
		}
	}
	if compose != "" {
		fmt.Fprintf(&b, "compose context:\n%s\n", compose)
	}
	return b.String()
}
