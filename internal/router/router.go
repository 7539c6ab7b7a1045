package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apix-platform/realtime-fabric/internal/apierr"
	"github.com/apix-platform/realtime-fabric/internal/bus"
	"github.com/apix-platform/realtime-fabric/internal/logging"
	"github.com/apix-platform/realtime-fabric/internal/metastore"
	"github.com/apix-platform/realtime-fabric/internal/policy"
	"github.com/apix-platform/realtime-fabric/internal/queue"
	"github.com/apix-platform/realtime-fabric/internal/tenant"
)

// DefaultMaxSubscriptions is spec §6's ws.channels.maxSubscriptions default.
const DefaultMaxSubscriptions = 50

// DefaultChannelTTL is spec §6's ws.channels.defaultTtl default.
const DefaultChannelTTL = time.Hour

// Config tunes the Router's caps and retention policy.
type Config struct {
	MaxSubscriptions int
	MaxOutbound      int
	ChannelTTL       time.Duration
	MaxAttempts      int
}

// DefaultConfig mirrors spec §6's defaults.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptions: DefaultMaxSubscriptions,
		MaxOutbound:      DefaultMaxOutbound,
		ChannelTTL:       DefaultChannelTTL,
		MaxAttempts:      3,
	}
}

// Router is the Event Router / Subscription Manager: a dual-indexed
// subscription table over channel/session, tenant-filtered dispatch, and
// per-session bounded outbound rings.
type Router struct {
	mu sync.RWMutex

	// subscriptions indexes channelKey -> sessionID -> *Subscription for
	// O(1) dispatch membership lookup.
	subscriptions map[string]map[string]*Subscription
	// sessionChannels mirrors sessionID -> set<channelKey> for O(1) teardown.
	sessionChannels map[string]map[string]bool
	channels        map[string]*Channel
	outbound        map[string]*outboundRing
	// pendingAcks tracks acknowledgment-required deliveries awaiting an
	// "ack" frame from the client, keyed sessionID -> eventID.
	pendingAcks map[string]map[string]*Event

	cfg    Config
	now    func() time.Time
	nextID func() string

	engine policy.Engine
	audit  policy.AuditSink
	quota  policy.QuotaTracker

	queue *queue.Service
	store metastore.Store
	bus   *bus.Bus
	log   *logging.Logger
}

// Option configures a Router at construction time.
type Option func(*Router)

func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		if clock != nil {
			r.now = clock
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(r *Router) {
		if gen != nil {
			r.nextID = gen
		}
	}
}

func WithPolicy(engine policy.Engine, audit policy.AuditSink, quota policy.QuotaTracker) Option {
	return func(r *Router) {
		if engine != nil {
			r.engine = engine
		}
		if audit != nil {
			r.audit = audit
		}
		if quota != nil {
			r.quota = quota
		}
	}
}

func WithMetaStore(store metastore.Store) Option {
	return func(r *Router) { r.store = store }
}

func WithBus(b *bus.Bus) Option {
	return func(r *Router) { r.bus = b }
}

// New constructs a Router. svc drives Publish's enqueue path; it may be
// nil for tests that call Dispatch directly.
func New(svc *queue.Service, cfg Config, logger *logging.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = logging.L()
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if cfg.MaxOutbound <= 0 {
		cfg.MaxOutbound = DefaultMaxOutbound
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	r := &Router{
		subscriptions:   make(map[string]map[string]*Subscription),
		sessionChannels: make(map[string]map[string]bool),
		channels:        make(map[string]*Channel),
		outbound:        make(map[string]*outboundRing),
		pendingAcks:     make(map[string]map[string]*Event),
		cfg:             cfg,
		now:             time.Now,
		nextID:          defaultIDGenerator,
		engine:          policy.PermissiveEngine{},
		audit:           policy.DiscardAuditSink{},
		quota:           policy.UnboundedQuotaTracker{},
		queue:           svc,
		log:             logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func defaultIDGenerator() string {
	return "evt-" + uuid.NewString()
}

// Subscribe installs sessionID's membership in (channelType, name),
// enforcing the per-session and per-tenant caps and consulting the
// PolicyEngine for channel:read.
func (r *Router) Subscribe(ctx context.Context, principal tenant.Principal, sessionID string, channelType ChannelType, name string, filters map[string]string, ack bool) (Subscription, error) {
	if !validChannelTypes[channelType] {
		return Subscription{}, apierr.New(apierr.Parse, fmt.Sprintf("unknown channel type %q", channelType))
	}
	if err := r.engine.CanSubscribe(ctx, principal, name, channelType.permissionClass()); err != nil {
		return Subscription{}, apierr.Wrap(apierr.Forbidden, "subscribe denied", err)
	}

	organizationID := principal.OrganizationID
	if channelType == ChannelSystemEvents {
		organizationID = ""
	}
	key := channelKey(channelType, organizationID, name)

	r.mu.Lock()
	if sessions := r.sessionChannels[sessionID]; len(sessions) >= r.cfg.MaxSubscriptions {
		r.mu.Unlock()
		return Subscription{}, apierr.New(apierr.QuotaExceeded, "maxSubscriptions reached")
	}
	r.mu.Unlock()

	if err := r.quota.Allow(ctx, principal.OrganizationID, "subscriptions", 1); err != nil {
		return Subscription{}, apierr.Wrap(apierr.QuotaExceeded, "tenant subscription quota exceeded", err)
	}

	sub := Subscription{
		SessionID:      sessionID,
		Channel:        name,
		OrganizationID: principal.OrganizationID,
		Filters:        filters,
		Acknowledgment: ack,
		CreatedAt:      r.now(),
	}

	r.mu.Lock()
	channel, ok := r.channels[key]
	if !ok {
		channel = &Channel{Name: name, Type: channelType, OrganizationID: organizationID, CreatedAt: r.now()}
		r.channels[key] = channel
	}
	channel.subscriberCount++

	if r.subscriptions[key] == nil {
		r.subscriptions[key] = make(map[string]*Subscription)
	}
	r.subscriptions[key][sessionID] = &sub

	if r.sessionChannels[sessionID] == nil {
		r.sessionChannels[sessionID] = make(map[string]bool)
	}
	r.sessionChannels[sessionID][key] = true

	if r.outbound[sessionID] == nil {
		r.outbound[sessionID] = newOutboundRing(r.cfg.MaxOutbound)
	}
	r.mu.Unlock()

	r.audit.Record(ctx, principal.OrganizationID, principal.UserID, "channel:subscribe", name)
	return sub, nil
}

// Unsubscribe removes sessionID's membership in (channelType, name).
func (r *Router) Unsubscribe(ctx context.Context, principal tenant.Principal, sessionID string, channelType ChannelType, name string) error {
	organizationID := principal.OrganizationID
	if channelType == ChannelSystemEvents {
		organizationID = ""
	}
	key := channelKey(channelType, organizationID, name)

	r.mu.Lock()
	subs := r.subscriptions[key]
	if subs != nil {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(r.subscriptions, key)
		}
	}
	if sessions := r.sessionChannels[sessionID]; sessions != nil {
		delete(sessions, key)
		if len(sessions) == 0 {
			delete(r.sessionChannels, sessionID)
		}
	}
	if channel, ok := r.channels[key]; ok {
		channel.subscriberCount--
		if channel.subscriberCount <= 0 {
			channel.LastEmptyAt = r.now()
		}
	}
	r.mu.Unlock()

	r.quota.Release(ctx, principal.OrganizationID, "subscriptions", 1)
	r.audit.Record(ctx, principal.OrganizationID, principal.UserID, "channel:unsubscribe", name)
	return nil
}

// RemoveSession tears down every channel membership for sessionID,
// satisfying invariant I2 (subscriptions die with their Connection).
func (r *Router) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.sessionChannels[sessionID] {
		if subs := r.subscriptions[key]; subs != nil {
			delete(subs, sessionID)
			if len(subs) == 0 {
				delete(r.subscriptions, key)
			}
		}
		if channel, ok := r.channels[key]; ok {
			channel.subscriberCount--
		}
	}
	delete(r.sessionChannels, sessionID)
	delete(r.outbound, sessionID)
	delete(r.pendingAcks, sessionID)
}

// Publish validates channel:write, wraps payload into a server-assigned
// Event, mirrors it to the MetaStore, and enqueues it for asynchronous
// dispatch via the Message Queue.
func (r *Router) Publish(ctx context.Context, principal tenant.Principal, channelType ChannelType, name string, eventType string, payload json.RawMessage, priority int, ack bool) (Event, error) {
	if !validChannelTypes[channelType] {
		return Event{}, apierr.New(apierr.Parse, fmt.Sprintf("unknown channel type %q", channelType))
	}
	if err := r.engine.CanPublish(ctx, principal, name, channelType.permissionClass()); err != nil {
		return Event{}, apierr.Wrap(apierr.Forbidden, "publish denied", err)
	}

	organizationID := principal.OrganizationID
	event := Event{
		ID:             r.nextID(),
		Type:           eventType,
		Channel:        name,
		ChannelType:    channelType,
		Payload:        payload,
		OrganizationID: organizationID,
		UserID:         principal.UserID,
		Acknowledgment: ack,
		CreatedAt:      r.now(),
	}

	if r.store != nil {
		if err := r.store.Upsert(ctx, metastore.TableEvents, organizationID, event.ID, event); err != nil {
			r.log.Error("failed to mirror event to metastore", logging.Error(err), logging.String("event_id", event.ID))
		}
	}

	if r.queue != nil {
		body, err := json.Marshal(event)
		if err != nil {
			return Event{}, apierr.Wrap(apierr.Parse, "encode event for queue", err)
		}
		msg := queue.QueueMessage{
			Type:           "router.event",
			Payload:        body,
			Priority:       priority,
			MaxAttempts:    r.cfg.MaxAttempts,
			OrganizationID: organizationID,
			UserID:         principal.UserID,
		}
		if _, err := r.queue.Enqueue(ctx, msg); err != nil {
			return Event{}, apierr.Wrap(apierr.Transient, "enqueue event for dispatch", err)
		}
	}

	r.audit.Record(ctx, organizationID, principal.UserID, "channel:publish", name)
	return event, nil
}

// Dispatch pushes event onto every subscribed session's outbound ring,
// enforcing tenant isolation at delivery time (invariant I3) rather than
// at subscription time, so SYSTEM_EVENTS's shared global channel still
// routes correctly across every organization. Returns an error when any
// acknowledgment-required session could not be delivered to, so the
// caller (a Message Queue consumer) retries the whole event.
func (r *Router) Dispatch(ctx context.Context, event Event) error {
	key := channelKey(event.ChannelType, event.OrganizationID, event.Channel)

	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.subscriptions[key]))
	for _, sub := range r.subscriptions[key] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	var ackFailures int
	for _, sub := range subs {
		if event.ChannelType != ChannelSystemEvents && sub.OrganizationID != event.OrganizationID {
			continue
		}
		ring := r.ringFor(sub.SessionID)
		copyEvent := event
		copyEvent.SessionID = sub.SessionID
		if !ring.push(&copyEvent) {
			r.log.Warn("dropped event due to session backpressure", logging.String("session_id", sub.SessionID), logging.String("channel", event.Channel))
			if sub.Acknowledgment {
				ackFailures++
			}
		} else if sub.Acknowledgment {
			r.recordPendingAck(sub.SessionID, &copyEvent)
		}
	}

	if ackFailures > 0 {
		return apierr.New(apierr.Transient, fmt.Sprintf("%d acknowledgment-required sessions over capacity, deferring to retry", ackFailures))
	}
	return nil
}

func (r *Router) ringFor(sessionID string) *outboundRing {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.outbound[sessionID]
	if !ok {
		ring = newOutboundRing(r.cfg.MaxOutbound)
		r.outbound[sessionID] = ring
	}
	return ring
}

// DrainOutbound returns and clears every pending event for sessionID, in
// FIFO order, for the gateway's writer goroutine to flush to the socket.
func (r *Router) DrainOutbound(sessionID string) []*Event {
	return r.ringFor(sessionID).drain()
}

func (r *Router) recordPendingAck(sessionID string, event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingAcks[sessionID] == nil {
		r.pendingAcks[sessionID] = make(map[string]*Event)
	}
	r.pendingAcks[sessionID][event.ID] = event
}

// Acknowledge records sessionID's acknowledgment of eventID, per spec §6's
// "ack" frame ("Router acknowledges prior event id"). Only eventIDs
// delivered to sessionID on an acknowledgment=true subscription are
// tracked; acknowledging anything else is a NotFound error.
func (r *Router) Acknowledge(sessionID, eventID string) error {
	r.mu.Lock()
	pending, ok := r.pendingAcks[sessionID]
	if !ok {
		r.mu.Unlock()
		return apierr.New(apierr.NotFound, fmt.Sprintf("no pending acknowledgment for session %s", sessionID))
	}
	event, ok := pending[eventID]
	if !ok {
		r.mu.Unlock()
		return apierr.New(apierr.NotFound, fmt.Sprintf("no pending acknowledgment for event %s", eventID))
	}
	delete(pending, eventID)
	r.mu.Unlock()

	r.log.Debug("event acknowledged", logging.String("session_id", sessionID), logging.String("event_id", eventID))
	r.audit.Record(context.Background(), event.OrganizationID, "", "channel:ack", event.Channel)
	return nil
}

// BackpressureDrops reports the cumulative backpressure.drop count for sessionID.
func (r *Router) BackpressureDrops(sessionID string) int64 {
	return r.ringFor(sessionID).droppedCount()
}

// StartWorkers launches one blocking consumer per priority queue (each on
// its own goroutine) that decodes router.event messages and calls
// Dispatch, per spec §4.F's "a worker consumes and calls dispatch(event)".
// Every goroutine returns once ctx is cancelled.
func (r *Router) StartWorkers(ctx context.Context, opts queue.ConsumeOptions) error {
	if r.queue == nil {
		return apierr.New(apierr.Fatal, "router: no queue service configured")
	}
	for _, name := range []queue.Name{queue.HighPriority, queue.NormalPriority, queue.LowPriority} {
		go r.queue.Consume(ctx, name, opts, r.handleQueueMessage)
	}
	return nil
}

func (r *Router) handleQueueMessage(ctx context.Context, msg queue.QueueMessage) error {
	if msg.Type != "router.event" {
		return nil
	}
	var event Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return apierr.Wrap(apierr.Parse, "decode router event", err)
	}
	return r.Dispatch(ctx, event)
}
