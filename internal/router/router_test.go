package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/tenant"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return New(nil, DefaultConfig(), nil, WithClock(func() time.Time { return now }))
}

func TestSubscribeThenDispatchReachesOnlyMatchingTenant(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	orgA := tenant.Principal{OrganizationID: "org-a", UserID: "u1"}
	orgAu2 := tenant.Principal{OrganizationID: "org-a", UserID: "u2"}
	orgB := tenant.Principal{OrganizationID: "org-b", UserID: "v1"}

	if _, err := r.Subscribe(ctx, orgA, "sess-u1", ChannelAgentEvents, "agent_events", nil, false); err != nil {
		t.Fatalf("subscribe u1: %v", err)
	}
	if _, err := r.Subscribe(ctx, orgAu2, "sess-u2", ChannelAgentEvents, "agent_events", nil, false); err != nil {
		t.Fatalf("subscribe u2: %v", err)
	}
	if _, err := r.Subscribe(ctx, orgB, "sess-v1", ChannelAgentEvents, "agent_events", nil, false); err != nil {
		t.Fatalf("subscribe v1: %v", err)
	}

	event := Event{
		ID: "evt-1", Type: "agent_started", Channel: "agent_events", ChannelType: ChannelAgentEvents,
		Payload: json.RawMessage(`{"agent":"a1"}`), OrganizationID: "org-a", CreatedAt: time.Now(),
	}
	if err := r.Dispatch(ctx, event); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := r.DrainOutbound("sess-u1"); len(got) != 1 {
		t.Fatalf("expected u1 to receive 1 event, got %d", len(got))
	}
	if got := r.DrainOutbound("sess-u2"); len(got) != 1 {
		t.Fatalf("expected u2 to receive 1 event, got %d", len(got))
	}
	if got := r.DrainOutbound("sess-v1"); len(got) != 0 {
		t.Fatalf("expected v1 to receive 0 events (different tenant), got %d", len(got))
	}
}

func TestSubscribeEnforcesMaxSubscriptionsCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSubscriptions = 2
	r := New(nil, cfg, nil)
	ctx := context.Background()
	principal := tenant.Principal{OrganizationID: "org-a"}

	if _, err := r.Subscribe(ctx, principal, "s1", ChannelAgentEvents, "c1", nil, false); err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	if _, err := r.Subscribe(ctx, principal, "s1", ChannelAgentEvents, "c2", nil, false); err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	if _, err := r.Subscribe(ctx, principal, "s1", ChannelAgentEvents, "c3", nil, false); err == nil {
		t.Fatal("expected QuotaExceeded on 3rd subscription")
	}
}

func TestSystemEventsChannelIsGlobalAcrossTenants(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	orgA := tenant.Principal{OrganizationID: "org-a"}
	orgB := tenant.Principal{OrganizationID: "org-b"}

	r.Subscribe(ctx, orgA, "sess-a", ChannelSystemEvents, "broadcast", nil, false)
	r.Subscribe(ctx, orgB, "sess-b", ChannelSystemEvents, "broadcast", nil, false)

	event := Event{
		ID: "evt-1", Type: "maintenance", Channel: "broadcast", ChannelType: ChannelSystemEvents,
		OrganizationID: "org-a", CreatedAt: time.Now(),
	}
	if err := r.Dispatch(ctx, event); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := r.DrainOutbound("sess-a"); len(got) != 1 {
		t.Fatalf("expected sess-a to receive the broadcast, got %d", len(got))
	}
	if got := r.DrainOutbound("sess-b"); len(got) != 1 {
		t.Fatalf("expected sess-b to receive the broadcast across tenants, got %d", len(got))
	}
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()
	principal := tenant.Principal{OrganizationID: "org-a"}

	r.Subscribe(ctx, principal, "s1", ChannelAgentEvents, "c1", nil, false)
	r.Unsubscribe(ctx, principal, "s1", ChannelAgentEvents, "c1")

	event := Event{ID: "e1", Channel: "c1", ChannelType: ChannelAgentEvents, OrganizationID: "org-a"}
	r.Dispatch(ctx, event)

	if got := r.DrainOutbound("s1"); len(got) != 0 {
		t.Fatalf("expected no events after unsubscribe, got %d", len(got))
	}
}

func TestRemoveSessionTearsDownAllMemberships(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()
	principal := tenant.Principal{OrganizationID: "org-a"}

	r.Subscribe(ctx, principal, "s1", ChannelAgentEvents, "c1", nil, false)
	r.Subscribe(ctx, principal, "s1", ChannelToolEvents, "c2", nil, false)

	r.RemoveSession("s1")

	event := Event{ID: "e1", Channel: "c1", ChannelType: ChannelAgentEvents, OrganizationID: "org-a"}
	r.Dispatch(ctx, event)
	if got := r.DrainOutbound("s1"); len(got) != 0 {
		t.Fatalf("expected no events after RemoveSession, got %d", len(got))
	}
}

func TestDispatchReturnsErrorWhenAckRequiredSessionOverCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOutbound = 1
	r := New(nil, cfg, nil)
	ctx := context.Background()
	principal := tenant.Principal{OrganizationID: "org-a"}

	r.Subscribe(ctx, principal, "s1", ChannelAgentEvents, "c1", nil, true)

	first := Event{ID: "e1", Channel: "c1", ChannelType: ChannelAgentEvents, OrganizationID: "org-a"}
	if err := r.Dispatch(ctx, first); err != nil {
		t.Fatalf("first dispatch should succeed: %v", err)
	}

	second := Event{ID: "e2", Channel: "c1", ChannelType: ChannelAgentEvents, OrganizationID: "org-a"}
	if err := r.Dispatch(ctx, second); err == nil {
		t.Fatal("expected error when ack-required session is over outbound capacity")
	}
}

func TestDispatchDropsForNonAckSessionsOverCapacityWithoutError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOutbound = 1
	r := New(nil, cfg, nil)
	ctx := context.Background()
	principal := tenant.Principal{OrganizationID: "org-a"}

	r.Subscribe(ctx, principal, "s1", ChannelAgentEvents, "c1", nil, false)

	r.Dispatch(ctx, Event{ID: "e1", Channel: "c1", ChannelType: ChannelAgentEvents, OrganizationID: "org-a"})
	if err := r.Dispatch(ctx, Event{ID: "e2", Channel: "c1", ChannelType: ChannelAgentEvents, OrganizationID: "org-a"}); err != nil {
		t.Fatalf("expected no error for non-ack backpressure drop, got %v", err)
	}
	if got := r.BackpressureDrops("s1"); got != 1 {
		t.Fatalf("expected 1 recorded drop, got %d", got)
	}
}

func TestAcknowledgeClearsPendingDelivery(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()
	principal := tenant.Principal{OrganizationID: "org-a"}

	if _, err := r.Subscribe(ctx, principal, "s1", ChannelAgentEvents, "c1", nil, true); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	event := Event{ID: "evt-1", Channel: "c1", ChannelType: ChannelAgentEvents, OrganizationID: "org-a"}
	if err := r.Dispatch(ctx, event); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := r.Acknowledge("s1", "evt-1"); err != nil {
		t.Fatalf("expected acknowledgment to succeed, got %v", err)
	}
	if err := r.Acknowledge("s1", "evt-1"); err == nil {
		t.Fatal("expected second acknowledgment of the same event to fail")
	}
}

func TestAcknowledgeUnknownEventFails(t *testing.T) {
	r := newTestRouter(t)
	if err := r.Acknowledge("s1", "evt-nonexistent"); err == nil {
		t.Fatal("expected acknowledging an unknown event to fail")
	}
}
