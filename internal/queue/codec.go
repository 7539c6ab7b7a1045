package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/apix-platform/realtime-fabric/internal/apierr"
	"github.com/apix-platform/realtime-fabric/internal/logging"
)

func encodeMessage(msg QueueMessage) (map[string]string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return map[string]string{"body": string(body)}, nil
}

func decodeMessage(values map[string]string) (QueueMessage, error) {
	var msg QueueMessage
	body, ok := values["body"]
	if !ok {
		return msg, fmt.Errorf("queue: entry missing body field")
	}
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func compressPayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	compressed := snappy.Encode(nil, payload)
	encoded, err := json.Marshal(compressed)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func decompressPayload(payload json.RawMessage) (json.RawMessage, error) {
	var compressed []byte
	if err := json.Unmarshal(payload, &compressed); err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// ReprocessDeadLetterQueue drains up to batchSize entries from the named
// queue's DLQ, resets attempts and clears error/failedAt, and re-adds each
// to the named queue. It then acks the original DLQ entry — the spec's
// documented fix for the source's missing ack-on-requeue, which otherwise
// allows the same dead-lettered message to be reprocessed twice.
func (s *Service) ReprocessDeadLetterQueue(ctx context.Context, name Name, batchSize int64) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if err := s.broker.CreateGroup(ctx, DLQStreamName(name), ConsumerGroup, "0"); err != nil {
		return 0, apierr.Wrap(apierr.Transient, fmt.Sprintf("create dlq group for %s", name), err)
	}
	msgs, err := s.broker.XReadGroup(ctx, DLQStreamName(name), ConsumerGroup, s.consumerName, batchSize, 0)
	if err != nil {
		return 0, apierr.Wrap(apierr.Transient, fmt.Sprintf("read dlq %s", name), err)
	}

	reprocessed := 0
	for _, entry := range msgs {
		msg, err := decodeMessage(entry.Values)
		if err != nil {
			s.log.Error("failed to decode dlq entry during reprocess", logging.Error(err))
			continue
		}
		if payload, err := decompressPayload(msg.Payload); err == nil {
			msg.Payload = payload
		}
		msg.Attempts = 0
		msg.Error = ""
		msg.FailedAt = nil
		now := s.now()
		msg.ProcessedAt = nil
		msg.CreatedAt = now

		if _, err := s.enqueueToStream(ctx, name, msg); err != nil {
			return reprocessed, err
		}
		// 1.- Ack the original DLQ entry only after the requeue succeeds,
		// so a crash mid-reprocess leaves the entry pending rather than lost.
		if err := s.broker.XAck(ctx, DLQStreamName(name), ConsumerGroup, entry.ID); err != nil {
			return reprocessed, apierr.Wrap(apierr.Transient, "ack reprocessed dlq entry", err)
		}
		reprocessed++
	}
	return reprocessed, nil
}
