package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/internal/deadletter"
	"github.com/abc3/sequin/internal/retry"
	"github.com/abc3/sequin/internal/telemetry"
	"github.com/abc3/sequin/pkg/connector"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrRetired is returned by Deliver when the worker was replaced or removed
// while a batch was in flight. The batch was not fully acknowledged.
var ErrRetired = errors.New("delivery worker retired")

// Worker delivers one consumer's batches to its sink. Transient failures
// are retried forever with capped backoff; once MaxAttempts is exceeded the
// consumer is reported failing but nothing is dropped. A message the sink
// rejects permanently is isolated and dead-lettered.
type Worker struct {
	Consumer    *consumer.Compiled
	Sink        connector.Sink
	Backoff     retry.Backoff
	DeadLetters deadletter.Store
	Health      *consumer.HealthRegistry
	Tracer      trace.Tracer

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	initOnce   sync.Once
	retireOnce sync.Once
	retired    chan struct{}
}

// NewWorker wires a worker with real clocks.
func NewWorker(c *consumer.Compiled, sink connector.Sink, backoff retry.Backoff, dlq deadletter.Store, health *consumer.HealthRegistry) *Worker {
	return &Worker{
		Consumer:    c,
		Sink:        sink,
		Backoff:     backoff,
		DeadLetters: dlq,
		Health:      health,
		Tracer:      telemetry.Tracer("sequin/delivery"),
	}
}

// Deliver encodes msgs and delivers them in order. It returns nil once every
// message is acknowledged or dead-lettered, ctx.Err() if abandoned, and
// ErrRetired if Retire was called before the batch completed.
func (w *Worker) Deliver(ctx context.Context, msgs []connector.RoutedMessage) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	retired := w.retiredCh()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-retired:
			cancel(ErrRetired)
		case <-done:
		}
	}()

	err := w.deliver(ctx, msgs)
	if err != nil && errors.Is(context.Cause(ctx), ErrRetired) {
		return ErrRetired
	}
	return err
}

// Retire stops any in-flight Deliver, which then returns ErrRetired. Safe to
// call more than once.
func (w *Worker) Retire() {
	ch := w.retiredCh()
	w.retireOnce.Do(func() { close(ch) })
}

func (w *Worker) retiredCh() chan struct{} {
	w.initOnce.Do(func() { w.retired = make(chan struct{}) })
	return w.retired
}

func (w *Worker) deliver(ctx context.Context, msgs []connector.RoutedMessage) error {
	batch := connector.Batch{ConsumerID: w.Consumer.ID, ConsumerName: w.Consumer.Name}
	for _, msg := range msgs {
		encoded, err := ToMessage(msg, w.Consumer)
		if err != nil {
			// A message that cannot be encoded is poison; flush what precedes it.
			if err := w.deliverBatch(ctx, batch); err != nil {
				return err
			}
			batch.Messages = nil
			if err := w.deadLetter(ctx, connector.Message{
				ID: msg.IdempotencyID, GroupKey: msg.GroupKey, Schema: msg.Record.Schema, Table: msg.Record.Table, Position: msg.Record.Position,
			}, fmt.Errorf("encode: %w", err)); err != nil {
				return err
			}
			continue
		}
		batch.Messages = append(batch.Messages, encoded)
	}
	return w.deliverBatch(ctx, batch)
}

func (w *Worker) deliverBatch(ctx context.Context, batch connector.Batch) error {
	if len(batch.Messages) == 0 {
		return nil
	}
	maxAttempts := w.Consumer.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = consumer.DefaultMaxAttempts
	}
	failing := false
	for attempt := 1; ; attempt++ {
		res := w.attempt(ctx, batch, attempt)
		switch res.Status {
		case connector.StatusAck:
			if failing {
				telemetry.ConsumerFailing.With(w.Consumer.ID).Set(0)
				log.Info().Str("consumer", w.Consumer.ID).Int("attempt", attempt).Msg("consumer recovered")
			}
			if w.Health != nil {
				w.Health.MarkDelivered(w.Consumer.ID, len(batch.Messages))
			}
			telemetry.DeliveredTotal.With(w.Consumer.ID).Add(float64(len(batch.Messages)))
			return nil

		case connector.StatusFatal:
			return w.isolate(ctx, batch, res)

		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= maxAttempts && !failing {
				failing = true
				telemetry.ConsumerFailing.With(w.Consumer.ID).Set(1)
				if w.Health != nil {
					w.Health.MarkFailing(w.Consumer.ID, res.Err, w.clock())
				}
				log.Error().Err(res.Err).Str("consumer", w.Consumer.ID).Int("attempts", attempt).
					Int("messages", len(batch.Messages)).Msg("consumer failing, retries exhausted; delivery paused")
			}
			delay := w.Backoff.Duration(min(attempt, maxAttempts))
			log.Debug().Err(res.Err).Str("consumer", w.Consumer.ID).Int("attempt", attempt).
				Dur("backoff", delay).Msg("delivery failed, retrying")
			if err := w.pause(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// isolate finds the message a sink refused permanently. Messages before it
// are redelivered, it is dead-lettered, and the rest follow in order.
func (w *Worker) isolate(ctx context.Context, batch connector.Batch, res connector.Result) error {
	msgs := batch.Messages
	if len(msgs) == 1 {
		return w.deadLetter(ctx, msgs[0], res.Err)
	}
	if res.FailedIndex >= 0 && res.FailedIndex < len(msgs) {
		idx := res.FailedIndex
		if err := w.deliverBatch(ctx, subBatch(batch, msgs[:idx])); err != nil {
			return err
		}
		if err := w.deadLetter(ctx, msgs[idx], res.Err); err != nil {
			return err
		}
		return w.deliverBatch(ctx, subBatch(batch, msgs[idx+1:]))
	}
	for _, msg := range msgs {
		if err := w.deliverBatch(ctx, subBatch(batch, []connector.Message{msg})); err != nil {
			return err
		}
	}
	return nil
}

func subBatch(batch connector.Batch, msgs []connector.Message) connector.Batch {
	batch.Messages = msgs
	return batch
}

func (w *Worker) attempt(ctx context.Context, batch connector.Batch, attempt int) connector.Result {
	ctx, span := w.tracer().Start(ctx, "delivery.batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("consumer", batch.ConsumerID),
		attribute.Int("messages", len(batch.Messages)),
		attribute.Int("attempt", attempt),
	)

	started := w.clock()
	res := w.Sink.Deliver(ctx, batch)
	telemetry.DeliverySeconds.With(batch.ConsumerID).Observe(w.clock().Sub(started).Seconds())
	telemetry.DeliveryAttemptsTotal.With(batch.ConsumerID, res.Status.String()).Inc()

	span.SetAttributes(attribute.String("outcome", res.Status.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Status.String())
	}
	if res.Status == connector.StatusRetry && res.Err == nil {
		res.Err = &connector.DeliveryTransientError{Err: errors.New("sink requested retry")}
	}
	return res
}

// deadLetter stores msg. The store is retried until it accepts the entry so
// a message is never acknowledged without a record of it.
func (w *Worker) deadLetter(ctx context.Context, msg connector.Message, reason error) error {
	text := "rejected by destination"
	if reason != nil {
		text = reason.Error()
	}
	entry := deadletter.Entry{
		ConsumerID: w.Consumer.ID,
		MessageID:  msg.ID,
		GroupKey:   msg.GroupKey,
		Table:      msg.Schema + "." + msg.Table,
		Position:   msg.Position.String(),
		Payload:    msg.Payload,
		Reason:     text,
		At:         w.clock(),
	}
	for attempt := 1; ; attempt++ {
		if w.DeadLetters == nil {
			break
		}
		err := w.DeadLetters.Put(ctx, entry)
		if err == nil {
			break
		}
		log.Error().Err(err).Str("consumer", w.Consumer.ID).Str("message", msg.ID).Msg("store dead letter")
		if err := w.pause(ctx, w.Backoff.Duration(attempt)); err != nil {
			return err
		}
	}

	telemetry.DeadLetteredTotal.With(w.Consumer.ID).Inc()
	if w.Health != nil {
		w.Health.MarkDeadLettered(w.Consumer.ID, reason)
	}
	log.Warn().Str("consumer", w.Consumer.ID).Str("message", msg.ID).Str("group_key", msg.GroupKey).
		Str("position", entry.Position).Str("reason", text).Msg("message dead-lettered")
	return nil
}

func (w *Worker) tracer() trace.Tracer {
	if w.Tracer == nil {
		w.Tracer = telemetry.Tracer("sequin/delivery")
	}
	return w.Tracer
}

func (w *Worker) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

func (w *Worker) pause(ctx context.Context, d time.Duration) error {
	if w.sleep != nil {
		return w.sleep(ctx, d)
	}
	return retry.Sleep(ctx, d)
}
