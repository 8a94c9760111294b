package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("run.started", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("run.started", "planner", map[string]interface{}{"task_id": "t1"})
	if err := bus.Publish(ctx, "run.started", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("Expected event type %s, got %s", event.Type, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("run.finished", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	event := NewEvent("run.finished", "planner", nil)
	if err := bus.Publish(ctx, "run.finished", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // Allow goroutines to complete

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("Expected 3 handlers to be called, got %d", count)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("run.failed", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if !sub.IsValid() {
		t.Error("Expected subscription to be valid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, "run.failed", NewEvent("run.failed", "planner", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected 0 handlers to be called after unsubscribe, got %d", count)
	}
}

func TestMemoryEventBus_WildcardSubscriptions(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	ctx := context.Background()

	tests := []struct {
		name     string
		pattern  string
		subject  string
		expected bool
	}{
		{"exact match", "run.started", "run.started", true},
		{"exact mismatch", "run.started", "run.finished", false},
		{"single token wildcard", "run.*", "run.started", true},
		{"single token no cross segment", "run.*", "run.started.extra", false},
		{"multi token wildcard", "run.>", "run.started.extra", true},
		{"multi token requires suffix", "run.>", "run", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received := make(chan *Event, 1)
			sub, err := bus.Subscribe(tt.pattern, func(ctx context.Context, event *Event) error {
				received <- event
				return nil
			})
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			defer func() {
				_ = sub.Unsubscribe()
			}()

			if err := bus.Publish(ctx, tt.subject, NewEvent(tt.subject, "test", nil)); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}

			select {
			case <-received:
				if !tt.expected {
					t.Errorf("Pattern %q should not match subject %q", tt.pattern, tt.subject)
				}
			case <-time.After(200 * time.Millisecond):
				if tt.expected {
					t.Errorf("Pattern %q should match subject %q", tt.pattern, tt.subject)
				}
			}
		})
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	ctx := context.Background()
	var count int32

	// Two subscribers in the same queue group share deliveries
	for i := 0; i < 2; i++ {
		sub, err := bus.QueueSubscribe("jobs.plan", "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("QueueSubscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	for i := 0; i < 4; i++ {
		if err := bus.Publish(ctx, "jobs.plan", NewEvent("jobs.plan", "test", nil)); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 4 {
		t.Errorf("Expected 4 total deliveries across the queue group, got %d", count)
	}
}

func TestMemoryEventBus_Request(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	ctx := context.Background()

	sub, err := bus.Subscribe("plan.request", func(ctx context.Context, event *Event) error {
		reply, _ := event.Data["_reply"].(string)
		if reply == "" {
			t.Error("Expected a reply subject in request data")
			return nil
		}
		return bus.Publish(ctx, reply, NewEvent("plan.response", "responder", map[string]interface{}{"ok": true}))
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	response, err := bus.Request(ctx, "plan.request", NewEvent("plan.request", "requester", nil), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if response.Type != "plan.response" {
		t.Errorf("Expected response type plan.response, got %s", response.Type)
	}
}

func TestMemoryEventBus_RequestTimeout(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	_, err := bus.Request(context.Background(), "nobody.home", NewEvent("ping", "requester", nil), 50*time.Millisecond)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
}

func TestMemoryEventBus_Closed(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}

	if err := bus.Publish(context.Background(), "run.started", NewEvent("run.started", "test", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}

	if _, err := bus.Subscribe("run.started", func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}
