package events

import (
	"testing"
	"time"
)

// TestBus_TopicDelivery verifies events reach the right topic's subscribers.
func TestBus_TopicDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	woA := bus.Subscribe(WorkOrderTopic("a"), 8)
	woB := bus.Subscribe(WorkOrderTopic("b"), 8)

	bus.Publish(WorkOrderTopic("a"), StepStartedEvent{ID: "a", Step: "planning"})

	select {
	case evt := <-woA:
		if evt.WorkOrderID() != "a" {
			t.Errorf("Expected work order a, got %q", evt.WorkOrderID())
		}
		if evt.EventType() != EventTypeStepStarted {
			t.Errorf("Expected step.started, got %q", evt.EventType())
		}
	case <-time.After(time.Second):
		t.Fatal("Expected event on topic a")
	}

	select {
	case evt := <-woB:
		t.Errorf("Did not expect event on topic b, got %v", evt)
	default:
	}
}

// TestBus_SubscribeAll verifies cross-topic subscribers see every event.
func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(8)

	bus.Publish(WorkOrderTopic("a"), StepStartedEvent{ID: "a", Step: "planning"})
	bus.Publish(WorkOrderTopic("b"), StepCompletedEvent{ID: "b", Step: "execute", Success: true})

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("Expected 2 events on SubscribeAll, got %d", i)
		}
	}
}

// TestBus_OrderingWithinTopic verifies single-publisher ordering is preserved.
func TestBus_OrderingWithinTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	topic := WorkOrderTopic("wo")
	sub := bus.Subscribe(topic, 16)

	steps := []string{"planning", "execute", "review"}
	for _, step := range steps {
		bus.Publish(topic, StepStartedEvent{ID: "wo", Step: step})
	}

	for i, want := range steps {
		select {
		case evt := <-sub:
			got := evt.(StepStartedEvent).Step
			if got != want {
				t.Errorf("Event %d: expected step %q, got %q", i, want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("Missing event")
		}
	}
}

// TestBus_FullSubscriberDropsNotBlocks verifies a slow subscriber cannot
// stall publishers.
func TestBus_FullSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_ = bus.Subscribe("t", 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish("t", StatusChangedEvent{ID: "wo", Status: "running"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}
}

// TestBus_CloseIsIdempotentAndClosesChannels verifies Close behavior.
func TestBus_CloseIsIdempotentAndClosesChannels(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("t", 1)

	bus.Close()
	bus.Close()

	if _, open := <-sub; open {
		t.Error("Expected subscriber channel closed after bus Close")
	}

	// Publishing and subscribing after close must not panic.
	bus.Publish("t", StatusChangedEvent{ID: "wo"})
	if _, open := <-bus.Subscribe("t", 1); open {
		t.Error("Expected immediately-closed channel when subscribing after Close")
	}
}

// TestBus_UnsubscribeStopsDelivery verifies a removed subscriber no longer
// receives events and its channel is closed.
func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	gone := bus.Subscribe("t", 4)
	kept := bus.Subscribe("t", 4)

	bus.Unsubscribe("t", gone)

	if _, open := <-gone; open {
		t.Error("Expected unsubscribed channel to be closed")
	}

	bus.Publish("t", StatusChangedEvent{ID: "wo", Status: "running"})

	select {
	case evt := <-kept:
		if evt.WorkOrderID() != "wo" {
			t.Errorf("Expected event for wo, got %q", evt.WorkOrderID())
		}
	case <-time.After(time.Second):
		t.Fatal("Remaining subscriber did not receive the event")
	}

	// Unsubscribing an unknown channel is a no-op.
	bus.Unsubscribe("t", make(chan Event))
}
