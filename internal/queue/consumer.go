package queue

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/broker"
	"github.com/apix-platform/realtime-fabric/internal/logging"
)

// Handler processes a single QueueMessage. Returning an error routes the
// message through failure handling (retry or dead-letter); returning nil
// acks the entry when autoAck is set.
type Handler func(ctx context.Context, msg QueueMessage) error

// ConsumeOptions configures a Consume worker pool for one logical queue.
type ConsumeOptions struct {
	Concurrency int           // number of workers pulling from the same stream/group
	BatchSize   int64         // XREADGROUP COUNT
	Block       time.Duration // XREADGROUP BLOCK
	AutoAck     bool          // ack immediately on handler success
}

// DefaultConsumeOptions mirrors §6's queue defaults.
func DefaultConsumeOptions() ConsumeOptions {
	return ConsumeOptions{Concurrency: 1, BatchSize: 10, Block: 5 * time.Second, AutoAck: true}
}

// Consume starts opts.Concurrency workers reading name's stream under the
// shared consumer group, invoking handler for every entry. It blocks
// until ctx is cancelled, then waits for in-flight workers to exit.
func (s *Service) Consume(ctx context.Context, name Name, opts ConsumeOptions, handler Handler) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		consumerID := workerConsumerName(s.consumerName, i)
		go func() {
			defer wg.Done()
			s.consumeLoop(ctx, name, consumerID, opts, handler)
		}()
	}
	wg.Wait()
}

func workerConsumerName(base string, worker int) string {
	if worker == 0 {
		return base
	}
	return base + "-" + itoa(worker)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (s *Service) consumeLoop(ctx context.Context, name Name, consumerID string, opts ConsumeOptions, handler Handler) {
	stream := StreamName(name)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := s.broker.XReadGroup(ctx, stream, ConsumerGroup, consumerID, opts.BatchSize, opts.Block)
		if err != nil {
			s.log.Error("consumer loop read failed", logging.Error(err), logging.String("queue", string(name)))
			// 1.- Back off briefly on a read error burst instead of spinning hot.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, entry := range msgs {
			s.handleEntry(ctx, name, consumerID, entry, opts, handler)
		}
	}
}

func (s *Service) handleEntry(ctx context.Context, name Name, consumerID string, entry broker.Message, opts ConsumeOptions, handler Handler) {
	msg, err := decodeMessage(entry.Values)
	if err != nil {
		if dlqErr := s.EnqueueParseError(ctx, name, []byte(entry.Values["body"]), msg.OrganizationID); dlqErr != nil {
			s.log.Error("failed to dead-letter unparseable entry", logging.Error(dlqErr))
		}
		_ = s.broker.XAck(ctx, StreamName(name), ConsumerGroup, entry.ID)
		return
	}

	err = handler(ctx, msg)
	if err == nil {
		if opts.AutoAck {
			if ackErr := s.broker.XAck(ctx, StreamName(name), ConsumerGroup, entry.ID); ackErr != nil {
				s.log.Error("failed to ack processed entry", logging.Error(ackErr), logging.String("queue", string(name)))
			}
		}
		return
	}

	s.handleFailure(ctx, name, entry, msg, err)
}

func (s *Service) handleFailure(ctx context.Context, name Name, entry broker.Message, msg QueueMessage, cause error) {
	now := s.now()
	msg.Attempts++
	msg.Error = cause.Error()
	msg.FailedAt = &now

	if msg.Attempts >= msg.MaxAttempts {
		if err := s.deadLetter(ctx, name, msg); err != nil {
			s.log.Error("failed to dead-letter message", logging.Error(err), logging.String("queue", string(name)))
			return
		}
	} else {
		delay := s.backoffDelay(msg.Attempts)
		s.retry.push(dueItem{dueAt: now.Add(delay), target: NormalPriority, message: msg})
	}

	if err := s.broker.XAck(ctx, StreamName(name), ConsumerGroup, entry.ID); err != nil {
		s.log.Error("failed to ack failed entry", logging.Error(err), logging.String("queue", string(name)))
	}
}

// backoffDelay computes the retry delay for the given attempt count,
// capped at s.backoffMax. Exponential: base·2^(attempts-1). Fixed: base.
func (s *Service) backoffDelay(attempts int) time.Duration {
	if s.backoffMode == BackoffFixed || attempts <= 0 {
		return s.backoffBase
	}
	multiplier := math.Pow(2, float64(attempts-1))
	delay := time.Duration(float64(s.backoffBase) * multiplier)
	if delay > s.backoffMax {
		delay = s.backoffMax
	}
	return delay
}
