package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker backs Broker with Redis Streams, following the pack's
// XAdd/XReadGroup/XAck/XGroupCreateMkStream idiom (BUSYGROUP tolerated as
// success, consumer groups never re-created on every publish).
type RedisBroker struct {
	client *redis.Client

	mu     sync.Mutex
	pubsub map[string]*redis.PubSub
}

// RedisOptions configures the underlying client connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBroker dials addr and verifies connectivity with a bounded ping.
func NewRedisBroker(ctx context.Context, opts RedisOptions) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("broker: redis ping: %w", err)
	}

	return &RedisBroker{client: client, pubsub: make(map[string]*redis.PubSub)}, nil
}

func (b *RedisBroker) XAdd(ctx context.Context, stream string, values map[string]string) (string, error) {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("broker: xadd %s: %w", stream, err)
	}
	return id, nil
}

func (b *RedisBroker) XRead(ctx context.Context, stream, fromID string, count int64) ([]Message, error) {
	if fromID == "" {
		fromID = "0"
	}
	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, fromID},
		Count:   count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: xread %s: %w", stream, err)
	}

	var out []Message
	for _, streamResult := range res {
		for _, entry := range streamResult.Messages {
			out = append(out, Message{ID: entry.ID, Values: stringifyValues(entry.Values)})
		}
	}
	return out, nil
}

func (b *RedisBroker) CreateGroup(ctx context.Context, stream, group, startID string) error {
	if startID == "" {
		startID = "0"
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group %s/%s: %w", stream, group, err)
	}
	return nil
}

func (b *RedisBroker) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: xreadgroup %s/%s: %w", stream, group, err)
	}

	var out []Message
	for _, streamResult := range res {
		for _, entry := range streamResult.Messages {
			out = append(out, Message{ID: entry.ID, Values: stringifyValues(entry.Values)})
		}
	}
	return out, nil
}

func (b *RedisBroker) XAck(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("broker: xack %s/%s: %w", stream, group, err)
	}
	return nil
}

func (b *RedisBroker) XLen(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: xlen %s: %w", stream, err)
	}
	return n, nil
}

func (b *RedisBroker) Del(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XDel(ctx, stream, ids...).Err(); err != nil {
		return fmt.Errorf("broker: xdel %s: %w", stream, err)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, values map[string]string) error {
	encoded, err := encodeValues(values)
	if err != nil {
		return fmt.Errorf("broker: encode publish payload: %w", err)
	}
	if err := b.client.Publish(ctx, channel, encoded).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("broker: subscribe %s: %w", channel, err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			values, err := decodeValues(msg.Payload)
			if err != nil {
				continue
			}
			select {
			case out <- Message{ID: strconv.FormatInt(time.Now().UnixNano(), 10), Values: values}:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func stringifyValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprintf("%v", t)
		}
	}
	return out
}

// encodeValues/decodeValues give Publish/Subscribe a stable wire format
// (newline-delimited key=value pairs) independent of XAdd's field map,
// since PUBLISH carries a single string payload rather than a hash.
func encodeValues(values map[string]string) (string, error) {
	var b strings.Builder
	for k, v := range values {
		if strings.ContainsAny(k, "=\n") || strings.Contains(v, "\n") {
			return "", fmt.Errorf("value for %q contains reserved characters", k)
		}
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	return b.String(), nil
}

func decodeValues(payload string) (map[string]string, error) {
	out := make(map[string]string)
	for _, line := range strings.Split(payload, "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed pubsub payload line %q", line)
		}
		out[k] = v
	}
	return out, nil
}
