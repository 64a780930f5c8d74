package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/erpimport/internal/task"
)

func sampleTask() *task.Task {
	return &task.Task{
		ID:           7,
		TaskCode:     "MATERIAL-20240101000000-ABCD",
		ImportType:   "material",
		Status:       task.StatusCompleted,
		TotalCount:   10,
		SuccessCount: 9,
		FailureCount: 1,
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	defer p.Close()
	require.NotNil(t, p.Subscriber())
	assert.Equal(t, DefaultTopic, p.Topic())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := p.Subscriber().Subscribe(ctx, p.Topic())
	require.NoError(t, err)

	// Publish waits for acks, so the subscriber has to run alongside it.
	collected := make(chan []task.Event, 1)
	go func() {
		var got []task.Event
		for len(got) < 3 {
			select {
			case msg := <-msgs:
				assert.Equal(t, "material", msg.Metadata.Get("import_type"))
				ev, err := Decode(msg)
				assert.NoError(t, err)
				got = append(got, ev)
				msg.Ack()
			case <-ctx.Done():
				collected <- got
				return
			}
		}
		collected <- got
	}()

	tk := sampleTask()
	require.NoError(t, p.Publish(ctx,
		task.NewEvent(task.EventQueued, tk),
		task.NewEvent(task.EventStarted, tk),
		task.NewEvent(task.EventCompleted, tk),
	))

	got := <-collected
	require.Len(t, got, 3)
	assert.Equal(t, task.EventQueued, got[0].Type)
	assert.Equal(t, task.EventStarted, got[1].Type)
	assert.Equal(t, task.EventCompleted, got[2].Type)
	assert.Equal(t, int64(7), got[2].TaskID)
	assert.Equal(t, 9, got[2].SuccessCount)
}

func TestPublishOrderHoldsAcrossRepeatedCalls(t *testing.T) {
	p, err := New(Config{Topic: "order-events"})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := p.Subscriber().Subscribe(ctx, p.Topic())
	require.NoError(t, err)

	const calls = 20
	types := []task.EventType{task.EventStarted, task.EventCompleted}

	collected := make(chan []task.EventType, 1)
	go func() {
		var got []task.EventType
		for len(got) < calls*len(types) {
			select {
			case msg := <-msgs:
				ev, err := Decode(msg)
				assert.NoError(t, err)
				got = append(got, ev.Type)
				msg.Ack()
			case <-ctx.Done():
				collected <- got
				return
			}
		}
		collected <- got
	}()

	tk := sampleTask()
	for i := 0; i < calls; i++ {
		require.NoError(t, p.Publish(ctx, task.NewEvent(types[0], tk), task.NewEvent(types[1], tk)))
	}

	got := <-collected
	require.Len(t, got, calls*len(types))
	for i, typ := range got {
		if typ != types[i%2] {
			t.Fatalf("event %d = %s, want %s", i, typ, types[i%2])
		}
	}
}

func TestConsumeStopsWithContext(t *testing.T) {
	p, err := New(Config{Topic: "test-events"})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var seen []task.EventType
	received := make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, p.Subscriber(), p.Topic(), func(_ context.Context, ev task.Event) error {
			mu.Lock()
			seen = append(seen, ev.Type)
			mu.Unlock()
			received <- struct{}{}
			return nil
		})
	}()

	// Subscribe is asynchronous; publish until the consumer is attached.
	tk := sampleTask()
	deadline := time.After(5 * time.Second)
	for delivered := false; !delivered; {
		require.NoError(t, p.Publish(context.Background(), task.NewEvent(task.EventCreated, tk)))
		select {
		case <-received:
			delivered = true
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("consumer never received an event")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, task.EventCreated, seen[0])
}

func TestLogEventsNeverFails(t *testing.T) {
	assert.NoError(t, LogEvents(context.Background(), task.NewEvent(task.EventFailed, sampleTask())))
}
