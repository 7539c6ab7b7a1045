package bus

import (
	"sync"
	"testing"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var received []string

	b.Subscribe(TopicConnectionRegistered, func(env Envelope) {
		payload, ok := env.Payload.(ConnectionRegistered)
		if !ok {
			t.Fatalf("unexpected payload type %T", env.Payload)
		}
		mu.Lock()
		received = append(received, payload.ConnectionID)
		mu.Unlock()
	})

	b.Publish(TopicConnectionRegistered, ConnectionRegistered{ConnectionID: "conn-1", OrganizationID: "org-1"})
	b.Publish(TopicConnectionRegistered, ConnectionRegistered{ConnectionID: "conn-2", OrganizationID: "org-1"})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != "conn-1" || received[1] != "conn-2" {
		t.Fatalf("unexpected deliveries: %v", received)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub := b.Subscribe(TopicHealthAlertRaised, func(Envelope) { count++ })

	b.Publish(TopicHealthAlertRaised, HealthAlert{Metric: "error_rate"})
	b.Unsubscribe(sub)
	b.Publish(TopicHealthAlertRaised, HealthAlert{Metric: "error_rate"})

	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestBusIsolatesTopics(t *testing.T) {
	b := New()
	var gotWrongTopic bool
	b.Subscribe(TopicDeadLetter, func(Envelope) { gotWrongTopic = true })

	b.Publish(TopicAuditRecorded, AuditRecorded{Action: "login"})

	if gotWrongTopic {
		t.Fatal("handler for TopicDeadLetter should not receive TopicAuditRecorded envelopes")
	}
}
