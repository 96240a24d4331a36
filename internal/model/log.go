package model

import "time"

// LogLevel is the inferred severity of a single log line.
type LogLevel string

const (
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
)

// LogLine is a single published log event for the dashboard.
type LogLine struct {
	Container string    `json:"container"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// LogWindow is an immutable, ordered batch of log lines from a single
// container, flushed either when it reaches its configured size or when
// the flush interval elapses with at least one buffered line.
type LogWindow struct {
	ContainerID string    `json:"container_id"`
	Service     string    `json:"service"`
	Sequence    uint64    `json:"sequence"`
	Lines       []string  `json:"lines"`
	EarliestAt  time.Time `json:"earliest_at"`
	LatestAt    time.Time `json:"latest_at"`
}
