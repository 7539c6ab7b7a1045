// Package gateway implements the WebSocket/gRPC ingress (component G):
// socket accept/handshake, the frame loop, inbound rate limiting, and the
// internal-service publish path, grounded on the teacher's serveWS/Client
// writer-goroutine idiom in main.go.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/apierr"
	"github.com/apix-platform/realtime-fabric/internal/auth"
	"github.com/apix-platform/realtime-fabric/internal/config"
	"github.com/apix-platform/realtime-fabric/internal/connmgr"
	"github.com/apix-platform/realtime-fabric/internal/logging"
	"github.com/apix-platform/realtime-fabric/internal/router"
	"github.com/apix-platform/realtime-fabric/internal/tenant"
	"github.com/apix-platform/realtime-fabric/internal/wire"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Config tunes the gateway's transport-level behavior.
type Config struct {
	MaxPayloadBytes int64
	MaxConnections  int
	PingInterval    time.Duration
	PongWaitFactor  int
	RateLimitWindow time.Duration
	RateLimitMax    int
	MaxParseErrors  int
	AllowedOrigins  []string
}

// DefaultConfig mirrors spec §6's gateway defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes: config.DefaultMaxPayloadBytes,
		MaxConnections:  config.DefaultMaxConnections,
		PingInterval:    15 * time.Second,
		PongWaitFactor:  2,
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		MaxParseErrors:  5,
	}
}

// Gateway accepts inbound sockets, authenticates them, registers them with
// the Connection Manager, binds them into the Router, and runs their
// reader/writer frame loop.
type Gateway struct {
	cfg       Config
	upgrader  websocket.Upgrader
	authn     auth.Authenticator
	manager   *connmgr.Manager
	router    *router.Router
	limiter    *sessionLimiter
	compressor payloadCompressor
	log        *logging.Logger
	now        func() time.Time
	sessionID  func() string

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) {
		if clock != nil {
			g.now = clock
		}
	}
}

func WithSessionIDGenerator(gen func() string) Option {
	return func(g *Gateway) {
		if gen != nil {
			g.sessionID = gen
		}
	}
}

// New constructs a Gateway wired to the given Authenticator, Connection
// Manager, and Router.
func New(authn auth.Authenticator, manager *connmgr.Manager, r *router.Router, cfg Config, logger *logging.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = logging.L()
	}
	g := &Gateway{
		cfg:       cfg,
		authn:     authn,
		manager:   manager,
		router:    r,
		log:       logger,
		now:       time.Now,
		sessionID: defaultSessionID,
		sessions:  make(map[string]*session),
	}
	g.limiter = newSessionLimiter(cfg.RateLimitWindow, cfg.RateLimitMax, g.now)
	g.compressor = newZSTDCompressor()
	g.upgrader = websocket.Upgrader{
		CheckOrigin: buildOriginChecker(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func defaultSessionID() string {
	return "sess-" + time.Now().Format("20060102T150405.000000000")
}

func buildOriginChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		return set[origin]
	}
}

// session is the gateway's per-connection state: the socket, the resolved
// principal, a session-scoped logger, and the parse-error count.
type session struct {
	id        string
	principal tenant.Principal
	conn      *websocket.Conn
	log       *logging.Logger
	parseErrs int
}

// ServeHTTP upgrades an inbound HTTP request to a WebSocket session,
// authenticates it, and runs its frame loop until the socket closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bearer := bearerToken(r)
	principal, err := g.authn.Authenticate(ctx, bearer)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if g.cfg.MaxConnections > 0 && g.sessionCount() >= g.cfg.MaxConnections {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	sessID := g.sessionID()
	sess := &session{
		id:        sessID,
		principal: principal,
		conn:      conn,
		log:       g.log.With(logging.Org(principal.OrganizationID), logging.Session(sessID)),
	}
	if g.cfg.MaxPayloadBytes > 0 {
		conn.SetReadLimit(g.cfg.MaxPayloadBytes)
	}

	if _, err := g.manager.Register(ctx, connmgr.RegisterInput{
		SessionID: sess.id, OrganizationID: principal.OrganizationID, UserID: principal.UserID,
		ClientType: connmgr.ClientWebApp,
	}); err != nil {
		sess.log.Error("failed to register connection", logging.Error(err))
		_ = conn.Close()
		return
	}

	g.mu.Lock()
	g.sessions[sess.id] = sess
	g.mu.Unlock()

	waitDuration := time.Duration(g.cfg.PongWaitFactor) * g.cfg.PingInterval
	_ = conn.SetReadDeadline(g.now().Add(waitDuration))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(g.now().Add(waitDuration))
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.readLoop(ctx, sess, waitDuration)
	}()
	go func() {
		defer wg.Done()
		g.writeLoop(ctx, sess)
	}()
	wg.Wait()

	g.teardown(ctx, sess)
}

func (g *Gateway) sessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return r.URL.Query().Get("token")
}

func (g *Gateway) teardown(ctx context.Context, sess *session) {
	g.mu.Lock()
	delete(g.sessions, sess.id)
	g.mu.Unlock()

	g.limiter.Forget(sess.id)
	g.router.RemoveSession(sess.id)
	if err := g.manager.Remove(ctx, sess.id); err != nil {
		sess.log.Warn("failed to remove connection on teardown", logging.Error(err))
	}
	_ = sess.conn.Close()
}

func (g *Gateway) readLoop(ctx context.Context, sess *session, waitDuration time.Duration) {
	for {
		messageType, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				sess.log.Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.log.Info("session closed", logging.Error(err))
			} else {
				sess.log.Error("read error", logging.Error(err))
			}
			return
		}
		if err := sess.conn.SetReadDeadline(g.now().Add(waitDuration)); err != nil {
			sess.log.Error("failed to extend read deadline", logging.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !g.limiter.Allow(sess.id) {
			sess.log.Warn("closing session: rate limited")
			g.sendError(sess, wire.NewErrorFrame("RATE_LIMITED", "too many frames"))
			_ = sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(int(wire.CloseRateLimited), "rate limited"), g.now().Add(writeWait))
			return
		}
		if err := g.handleFrame(ctx, sess, raw); err != nil {
			if apierr.Is(err, apierr.Parse) {
				sess.parseErrs++
				if sess.parseErrs > g.cfg.MaxParseErrors {
					sess.log.Warn("closing session: too many parse errors")
					_ = sess.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(int(wire.CloseTooManyParseErrors), "too many parse errors"), g.now().Add(writeWait))
					return
				}
			}
			sess.log.Debug("frame handling error", logging.Error(err))
		}
	}
}

func (g *Gateway) handleFrame(ctx context.Context, sess *session, raw []byte) error {
	var frame wire.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierr.Wrap(apierr.Parse, "decode inbound frame", err)
	}

	switch frame.Type {
	case wire.FrameSubscribe:
		return g.handleSubscribe(ctx, sess, frame)
	case wire.FrameUnsubscribe:
		return g.handleUnsubscribe(ctx, sess, frame)
	case wire.FramePublish:
		return g.handlePublish(ctx, sess, frame)
	case wire.FrameHeartbeat, wire.FramePing:
		return g.handleHeartbeat(ctx, sess, frame)
	case wire.FrameAck:
		return g.router.Acknowledge(sess.id, frame.EventID)
	default:
		return apierr.New(apierr.Parse, "unknown frame type")
	}
}

func (g *Gateway) sendError(sess *session, errFrame wire.ErrorFrame) {
	body, err := json.Marshal(errFrame)
	if err != nil {
		return
	}
	_ = sess.conn.SetWriteDeadline(g.now().Add(writeWait))
	_ = sess.conn.WriteMessage(websocket.TextMessage, body)
}

func (g *Gateway) writeLoop(ctx context.Context, sess *session) {
	pingTicker := time.NewTicker(g.cfg.PingInterval)
	flushTicker := time.NewTicker(50 * time.Millisecond)
	defer func() {
		pingTicker.Stop()
		flushTicker.Stop()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, []byte{}, g.now().Add(writeWait)); err != nil {
				sess.log.Warn("ping failed", logging.Error(err))
				return
			}
		case <-flushTicker.C:
			if !g.flushOutbound(sess) {
				return
			}
		}
	}
}

func (g *Gateway) flushOutbound(sess *session) bool {
	events := g.router.DrainOutbound(sess.id)
	for _, event := range events {
		frame := wire.EventFrame{
			ID: event.ID, Type: event.Type, Channel: event.Channel,
			Payload: event.Payload, Timestamp: event.CreatedAt.Format(time.RFC3339Nano),
			OrganizationID: event.OrganizationID,
		}
		if len(event.Payload) > compressThreshold {
			if compressed, err := g.compressor.Compress(event.Payload); err == nil {
				encoded, marshalErr := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
				if marshalErr == nil {
					frame.Payload = encoded
					frame.ContentEncoding = g.compressor.Name()
				}
			}
		}
		body, err := json.Marshal(frame)
		if err != nil {
			sess.log.Error("failed to encode event frame", logging.Error(err))
			continue
		}
		if err := sess.conn.SetWriteDeadline(g.now().Add(writeWait)); err != nil {
			sess.log.Error("failed to set write deadline", logging.Error(err))
			return false
		}
		if err := sess.conn.WriteMessage(websocket.TextMessage, body); err != nil {
			sess.log.Error("event write error", logging.Error(err))
			return false
		}
	}
	return true
}
