package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/connmgr"
	"github.com/apix-platform/realtime-fabric/internal/metastore"
	"github.com/apix-platform/realtime-fabric/internal/router"
	"github.com/apix-platform/realtime-fabric/internal/tenant"
	"github.com/apix-platform/realtime-fabric/internal/wire"
	"github.com/gorilla/websocket"
)

type fakeAuthenticator struct {
	principals map[string]tenant.Principal
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, bearerToken string) (tenant.Principal, error) {
	p, ok := f.principals[bearerToken]
	if !ok {
		return tenant.Principal{}, errUnauthorized
	}
	return p, nil
}

var errUnauthorized = &authError{"invalid token"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	authn := &fakeAuthenticator{principals: map[string]tenant.Principal{
		"token-a": {OrganizationID: "org-a", UserID: "u1"},
	}}
	manager := connmgr.New(metastore.NewMemoryStore(), nil, nil, connmgr.DefaultConfig())
	r := router.New(nil, router.DefaultConfig(), nil)

	cfg := DefaultConfig()
	cfg.PingInterval = 50 * time.Millisecond
	cfg.RateLimitMax = 2
	cfg.RateLimitWindow = time.Minute

	g := New(authn, manager, r, cfg, nil)
	server := httptest.NewServer(g)
	t.Cleanup(server.Close)
	return g, server
}

func dialURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// dialIgnoringPongs establishes a WebSocket connection that never answers
// the server's ping control frames, letting a test simulate an
// unresponsive peer whose read deadline lapses.
func dialIgnoringPongs(urlStr string, header map[string][]string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	return conn, nil
}

func TestServeHTTPRejectsUnauthenticatedSocket(t *testing.T) {
	_, server := newTestGateway(t)
	_, resp, err := websocket.DefaultDialer.Dial(dialURL(server), nil)
	if err == nil {
		t.Fatal("expected dial to fail without a valid bearer token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestServeHTTPAcceptsAuthenticatedSocketAndSubscribes(t *testing.T) {
	_, server := newTestGateway(t)
	header := map[string][]string{"Authorization": {"Bearer token-a"}}
	conn, _, err := websocket.DefaultDialer.Dial(dialURL(server), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	subscribe := wire.InboundFrame{
		Type:    wire.FrameSubscribe,
		Channel: "agent_events",
		Payload: json.RawMessage(`{"channelType":"AGENT_EVENTS"}`),
	}
	body, _ := json.Marshal(subscribe)
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	// no synchronous ack frame is expected; a follow-up heartbeat should
	// still be served, proving the session survived the subscribe.
	heartbeat := wire.InboundFrame{Type: wire.FrameHeartbeat}
	hbBody, _ := json.Marshal(heartbeat)
	if err := conn.WriteMessage(websocket.TextMessage, hbBody); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a pong frame, got error: %v", err)
	}
	var pong wire.PongFrame
	if err := json.Unmarshal(msg, &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.Type != wire.FramePong {
		t.Fatalf("expected pong frame type, got %q", pong.Type)
	}
}

func TestServeHTTPEnforcesPerSessionRateLimit(t *testing.T) {
	_, server := newTestGateway(t)
	header := map[string][]string{"Authorization": {"Bearer token-a"}}
	conn, _, err := websocket.DefaultDialer.Dial(dialURL(server), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := wire.InboundFrame{Type: wire.FrameHeartbeat}
	body, _ := json.Marshal(frame)

	// RateLimitMax is 2 per window; the 3rd frame should trip the limiter
	// and provoke a RATE_LIMITED error frame rather than a pong.
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	sawRateLimited := false
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 3; i++ {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var errFrame wire.ErrorFrame
		if json.Unmarshal(msg, &errFrame) == nil && errFrame.Code == "RATE_LIMITED" {
			sawRateLimited = true
			break
		}
	}
	if !sawRateLimited {
		t.Fatal("expected a RATE_LIMITED error frame after exceeding the per-session limit")
	}
}

func TestServeHTTPTearsDownUnresponsivePeer(t *testing.T) {
	g, server := newTestGateway(t)
	header := map[string][]string{"Authorization": {"Bearer token-a"}}
	conn, err := dialIgnoringPongs(dialURL(server), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.sessionCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the gateway to tear down a session whose peer never answers pings")
}

func TestHandleFrameAckCallsRouterAcknowledge(t *testing.T) {
	manager := connmgr.New(metastore.NewMemoryStore(), nil, nil, connmgr.DefaultConfig())
	r := router.New(nil, router.DefaultConfig(), nil)
	authn := &fakeAuthenticator{principals: map[string]tenant.Principal{"token-a": {OrganizationID: "org-a", UserID: "u1"}}}
	g := New(authn, manager, r, DefaultConfig(), nil)

	principal := tenant.Principal{OrganizationID: "org-a", UserID: "u1"}
	if _, err := r.Subscribe(context.Background(), principal, "sess-1", router.ChannelAgentEvents, "agent_events", nil, true); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Dispatch(context.Background(), router.Event{ID: "evt-1", Channel: "agent_events", ChannelType: router.ChannelAgentEvents, OrganizationID: "org-a"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	sess := &session{id: "sess-1", principal: principal}
	ackFrame := wire.InboundFrame{Type: wire.FrameAck, EventID: "evt-1"}
	body, _ := json.Marshal(ackFrame)
	if err := g.handleFrame(context.Background(), sess, body); err != nil {
		t.Fatalf("expected ack of a pending delivery to succeed, got %v", err)
	}

	if err := g.handleFrame(context.Background(), sess, body); err == nil {
		t.Fatal("expected acknowledging the same event twice to fail")
	}
}
