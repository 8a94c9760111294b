package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
)

func TestHubRoutesEventsByTask(t *testing.T) {
	hub := NewHub(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient("c1", nil, hub, logger.NewNop())
	hub.Register(client)
	client.Subscribe("task-1")

	hub.BroadcastEvent(bus.NewEvent(events.RunFinished, "test", map[string]interface{}{
		"task_id": "task-1",
		"state":   "finished",
	}))

	select {
	case data := <-client.send:
		var event bus.Event
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("delivered frame is not an event: %v", err)
		}
		if event.Type != events.RunFinished {
			t.Errorf("expected %s, got %s", events.RunFinished, event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed client never received the event")
	}

	// Events for other tasks and events without a task id must not reach
	// this client.
	hub.BroadcastEvent(bus.NewEvent(events.RunStarted, "test", map[string]interface{}{
		"task_id": "task-2",
	}))
	hub.BroadcastEvent(bus.NewEvent(events.RunStarted, "test", map[string]interface{}{}))

	select {
	case data := <-client.send:
		t.Fatalf("unexpected delivery: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient("c1", nil, hub, logger.NewNop())
	hub.Register(client)
	client.Subscribe("task-1")

	if got := hub.SubscriberCount("task-1"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}

	client.Unsubscribe("task-1")
	if got := hub.SubscriberCount("task-1"); got != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", got)
	}

	hub.BroadcastEvent(bus.NewEvent(events.RunFinished, "test", map[string]interface{}{
		"task_id": "task-1",
	}))

	select {
	case data := <-client.send:
		t.Fatalf("unexpected delivery after unsubscribe: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastAfterShutdownDoesNotBlock(t *testing.T) {
	hub := NewHub(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	cancel()
	select {
	case <-hub.done:
	case <-time.After(time.Second):
		t.Fatal("hub never stopped")
	}

	// Bus callbacks keep firing after shutdown; none of them may hang,
	// even past the broadcast buffer size.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 300; i++ {
			hub.BroadcastEvent(bus.NewEvent(events.RunFinished, "test", map[string]interface{}{
				"task_id": "task-1",
			}))
		}
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("BroadcastEvent blocked after hub shutdown")
	}
}
