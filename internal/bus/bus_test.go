package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublishSubscribeOrderPreserved(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	stream := b.Subscribe(16, TopicLog)
	defer stream.Close()

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), TopicLog, i)
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-stream.Events():
			require.Equal(t, i, ev.Payload)
			require.Equal(t, uint64(i+1), ev.Sequence)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberLosesOldest(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	stream := b.Subscribe(8, TopicLog)
	defer stream.Close()

	for i := 0; i < 20; i++ {
		b.Publish(context.Background(), TopicLog, i)
	}

	require.GreaterOrEqual(t, b.DropCount(TopicLog), uint64(12))

	var last int
	for {
		select {
		case ev := <-stream.Events():
			last = ev.Payload.(int)
		default:
			goto done
		}
	}
done:
	require.Equal(t, 19, last)
}

func TestUnaffectedSubscribersUnrelatedToSlowOne(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	slow := b.Subscribe(2, TopicLog)
	defer slow.Close()
	fast := b.Subscribe(32, TopicLog)
	defer fast.Close()

	for i := 0; i < 10; i++ {
		b.Publish(context.Background(), TopicLog, i)
	}

	count := 0
	for {
		select {
		case <-fast.Events():
			count++
		default:
			goto done
		}
	}
done:
	require.Equal(t, 10, count)
}

func TestCloseDeregistersSubscriber(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	stream := b.Subscribe(4, TopicLog)
	stream.Close()

	require.NotPanics(t, func() {
		b.Publish(context.Background(), TopicLog, "after-close")
	})
}
