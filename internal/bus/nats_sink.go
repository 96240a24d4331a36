package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	eventsStreamName = "SENTINEL_EVENTS"
	streamMaxAge     = 24 * time.Hour
	streamMaxMsgs    = -1
)

// NATSSink is the optional durable fan-out sink backing EVENT_BUS_* config.
// Every topic additionally lands on a JetStream subject named
// "sentinel.events.<topic>" so a separate, durable consumer (e.g. an
// external archiver) can replay events the in-process bus's lossy queues
// would otherwise drop.
type NATSSink struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSSink creates the durable sink and ensures its backing stream
// exists.
func NewNATSSink(js nats.JetStreamContext, logger *zap.Logger) (*NATSSink, error) {
	sink := &NATSSink{js: js, logger: logger.Named("event-bus-fanout")}

	_, err := js.StreamInfo(eventsStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     eventsStreamName,
			Subjects: []string{"sentinel.events.*"},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
			MaxMsgs:  streamMaxMsgs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create events stream: %w", err)
		}
		sink.logger.Info("created durable event fan-out stream", zap.String("name", eventsStreamName))
	}

	return sink, nil
}

// Publish implements DurableSink.
func (s *NATSSink) Publish(ctx context.Context, topic Topic, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	subject := fmt.Sprintf("sentinel.events.%s", topic)
	_, err = s.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}
