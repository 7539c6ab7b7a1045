// Package queue implements the Message Queue: priority/delay/retry/DLQ
// semantics layered over a broker.Broker stream per logical queue, per
// spec §4.C. New domain code in the teacher's idiom (Option functors,
// numbered step comments for non-obvious control flow, injected clock).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/apierr"
	"github.com/apix-platform/realtime-fabric/internal/broker"
	"github.com/apix-platform/realtime-fabric/internal/bus"
	"github.com/apix-platform/realtime-fabric/internal/logging"
	"github.com/apix-platform/realtime-fabric/internal/metastore"
)

// Name enumerates the logical queues the fabric ships.
type Name string

const (
	HighPriority   Name = "high-priority"
	NormalPriority Name = "normal-priority"
	LowPriority    Name = "low-priority"
	Delayed        Name = "delayed"
	Retry          Name = "retry"
	DeadLetter     Name = "dead-letter"
)

// ConsumerGroup is the single consumer group shared by every queue.
const ConsumerGroup = "apix-consumers"

// BackoffMode selects how retry delay grows between attempts.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffExponential BackoffMode = "exponential"
)

// QueueMessage is the durable unit of work carried through the fabric.
type QueueMessage struct {
	ID             string          `json:"id,omitempty"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	DelayMillis    int64           `json:"delay,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	OrganizationID string          `json:"organizationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ProcessedAt    *time.Time      `json:"processedAt,omitempty"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithClock overrides the Service's time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithBackoff selects the retry backoff mode and its base/max delays.
func WithBackoff(mode BackoffMode, base, max time.Duration) Option {
	return func(s *Service) {
		s.backoffMode = mode
		if base > 0 {
			s.backoffBase = base
		}
		if max > 0 {
			s.backoffMax = max
		}
	}
}

// WithConsumerName overrides the per-process consumer identity.
func WithConsumerName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.consumerName = name
		}
	}
}

// WithBus attaches the internal bus TopicDeadLetter is published on.
func WithBus(b *bus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// Service implements the Message Queue over a broker.Broker, mirroring
// DLQ entries into a metastore.Store as Event rows per SPEC_FULL's
// expansion of §4.C.
type Service struct {
	broker broker.Broker
	store  metastore.Store
	log    *logging.Logger
	bus    *bus.Bus

	now          func() time.Time
	consumerName string
	backoffMode  BackoffMode
	backoffBase  time.Duration
	backoffMax   time.Duration

	delayed *dueIndex
	retry   *dueIndex
}

// NewService constructs a Message Queue service. store may be nil, in
// which case DLQ mirroring is skipped.
func NewService(b broker.Broker, store metastore.Store, logger *logging.Logger, opts ...Option) (*Service, error) {
	if b == nil {
		return nil, fmt.Errorf("queue: broker must not be nil")
	}
	if logger == nil {
		logger = logging.L()
	}
	svc := &Service{
		broker:       b,
		store:        store,
		log:          logger,
		now:          time.Now,
		consumerName: defaultConsumerName(),
		backoffMode:  BackoffExponential,
		backoffBase:  time.Second,
		backoffMax:   30 * time.Second,
		delayed:      newDueIndex(),
		retry:        newDueIndex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

// StreamName maps a logical queue Name to its broker stream key, per §6's
// broker key layout.
func StreamName(name Name) string {
	return fmt.Sprintf("apix:queue:%s", name)
}

// DLQStreamName maps the dead-letter queue to its broker stream key.
func DLQStreamName(name Name) string {
	return fmt.Sprintf("apix:dlq:%s", name)
}

// CreateGroups idempotently creates the shared consumer group on every
// logical queue's stream. Call once during process init.
func (s *Service) CreateGroups(ctx context.Context) error {
	for _, name := range []Name{HighPriority, NormalPriority, LowPriority, Delayed, Retry, DeadLetter} {
		if err := s.broker.CreateGroup(ctx, StreamName(name), ConsumerGroup, "0"); err != nil {
			return apierr.Wrap(apierr.Fatal, fmt.Sprintf("create group for %s", name), err)
		}
	}
	return nil
}

// Enqueue routes msg to a logical queue following the {priority, delay}
// policy: delay>0 → delayed; priority>5 → high; priority<0 → low; else
// normal. Returns the assigned broker entry ID (or a synthetic one for
// delayed messages not yet added to a stream).
func (s *Service) Enqueue(ctx context.Context, msg QueueMessage) (string, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.DelayMillis > 0 {
		due := s.now().Add(time.Duration(msg.DelayMillis) * time.Millisecond)
		target := s.routeByPriority(msg.Priority)
		s.delayed.push(dueItem{dueAt: due, target: target, message: msg})
		return "", nil
	}
	target := s.routeByPriority(msg.Priority)
	return s.enqueueToStream(ctx, target, msg)
}

func (s *Service) routeByPriority(priority int) Name {
	switch {
	case priority > 5:
		return HighPriority
	case priority < 0:
		return LowPriority
	default:
		return NormalPriority
	}
}

func (s *Service) enqueueToStream(ctx context.Context, name Name, msg QueueMessage) (string, error) {
	values, err := encodeMessage(msg)
	if err != nil {
		return "", apierr.Wrap(apierr.Parse, "encode queue message", err)
	}
	id, err := s.broker.XAdd(ctx, StreamName(name), values)
	if err != nil {
		return "", apierr.Wrap(apierr.Transient, fmt.Sprintf("enqueue to %s", name), err)
	}
	return id, nil
}

// EnqueueParseError routes a message that failed to parse directly to the
// named queue's DLQ with error="parse", per §4.C's documented error path.
func (s *Service) EnqueueParseError(ctx context.Context, name Name, raw json.RawMessage, organizationID string) error {
	now := s.now()
	msg := QueueMessage{
		Type:           "parse-error",
		Payload:        raw,
		Error:          "parse",
		FailedAt:       &now,
		CreatedAt:      now,
		OrganizationID: organizationID,
	}
	return s.deadLetter(ctx, name, msg)
}

func (s *Service) deadLetter(ctx context.Context, name Name, msg QueueMessage) error {
	compressed, err := compressPayload(msg.Payload)
	if err != nil {
		return apierr.Wrap(apierr.Fatal, "compress dlq payload", err)
	}
	toStore := msg
	toStore.Payload = compressed
	values, err := encodeMessage(toStore)
	if err != nil {
		return apierr.Wrap(apierr.Parse, "encode dlq message", err)
	}
	id, err := s.broker.XAdd(ctx, DLQStreamName(name), values)
	if err != nil {
		return apierr.Wrap(apierr.Transient, fmt.Sprintf("enqueue dlq for %s", name), err)
	}
	msg.ID = id

	if s.store != nil {
		if err := s.mirrorDeadLetter(ctx, name, msg); err != nil {
			s.log.Error("failed to mirror dlq entry to metastore", logging.Error(err), logging.String("queue", string(name)))
		}
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicDeadLetter, bus.DeadLetter{QueueName: string(name), MessageID: id, Reason: msg.Error})
	}
	return nil
}

func (s *Service) mirrorDeadLetter(ctx context.Context, name Name, msg QueueMessage) error {
	return s.store.Upsert(ctx, metastore.TableEvents, msg.OrganizationID, dlqRowKey(name, msg.ID), msg)
}

func dlqRowKey(name Name, id string) string {
	return fmt.Sprintf("%s:%s", name, id)
}

// Purge drops every entry currently on the named queue's stream. The
// caller is responsible for recreating the consumer group afterward, per
// spec.
func (s *Service) Purge(ctx context.Context, name Name) error {
	ids, err := s.pendingIDs(ctx, name)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return s.broker.Del(ctx, StreamName(name), ids...)
}

func (s *Service) pendingIDs(ctx context.Context, name Name) ([]string, error) {
	msgs, err := s.broker.XRead(ctx, StreamName(name), "0", 0)
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, fmt.Sprintf("drain %s for purge", name), err)
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func defaultConsumerName() string {
	return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
}
