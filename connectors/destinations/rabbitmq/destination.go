package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/abc3/sequin/pkg/connector"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const (
	optURL            = "url"
	optExchange       = "exchange"
	optRoutingKey     = "routing_key"
	optConfirmTimeout = "confirm_timeout"
	optMaxMessage     = "max_message_bytes"
	optConnectionName = "connection_name"
)

const defaultRoutingKey = "{schema}.{table}.{action}"

const minConfirmBuffer = 256

// confirmBuffer sizes the publish listener so a whole batch of confirmations
// fits without blocking amqp091's dispatch goroutine.
func confirmBuffer(batchSize int) int {
	return max(batchSize, minConfirmBuffer)
}

// Destination publishes each message to an exchange and waits for
// publisher confirms before acknowledging the batch.
type Destination struct {
	spec           connector.Spec
	url            string
	exchange       string
	routingKey     string
	confirmTimeout time.Duration
	maxMessageSize int
	connectionName string

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	confirms  chan amqp.Confirmation
	batchHint int
}

func (d *Destination) Open(_ context.Context, spec connector.Spec) error {
	d.spec = spec
	d.url = spec.Options[optURL]
	if d.url == "" {
		return errors.New("rabbitmq url is required")
	}
	d.exchange = spec.Options[optExchange]
	d.routingKey = spec.Options[optRoutingKey]
	if d.routingKey == "" {
		d.routingKey = defaultRoutingKey
	}
	d.connectionName = spec.Options[optConnectionName]
	if d.connectionName == "" {
		d.connectionName = "sequin-" + spec.Name
	}

	d.confirmTimeout = 15 * time.Second
	if raw := spec.Options[optConfirmTimeout]; raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse confirm_timeout: %w", err)
		}
		d.confirmTimeout = timeout
	}
	if raw := spec.Options[optMaxMessage]; raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			return fmt.Errorf("invalid %s: %q", optMaxMessage, raw)
		}
		d.maxMessageSize = size
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connect()
}

func (d *Destination) Deliver(ctx context.Context, batch connector.Batch) connector.Result {
	if len(batch.Messages) == 0 {
		return connector.Ack()
	}
	if d.maxMessageSize > 0 {
		for idx, msg := range batch.Messages {
			if len(msg.Payload) > d.maxMessageSize {
				return connector.Fatal(fmt.Errorf("rabbitmq message size %d exceeds limit %d", len(msg.Payload), d.maxMessageSize), idx)
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.channel == nil || d.channel.IsClosed() || !d.confirmsFit(len(batch.Messages)) {
		d.batchHint = max(d.batchHint, len(batch.Messages))
		if err := d.connect(); err != nil {
			return connector.Retry(err)
		}
	}

	for _, msg := range batch.Messages {
		err := d.channel.PublishWithContext(ctx, d.exchange, d.routingKeyFor(msg), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.CommitTime,
			Type:         string(msg.Action),
			Headers:      amqp.Table{"sequin-consumer": batch.ConsumerName, "sequin-group-key": msg.GroupKey},
			Body:         msg.Payload,
		})
		if err != nil {
			d.reset()
			return connector.Retry(fmt.Errorf("rabbitmq publish: %w", err))
		}
	}
	return d.awaitConfirms(ctx, len(batch.Messages))
}

// awaitConfirms collects one confirmation per published message. Any nack
// retries the whole batch; a timeout also drops the channel so late
// confirmations cannot be matched against the next batch.
func (d *Destination) awaitConfirms(ctx context.Context, n int) connector.Result {
	timer := time.NewTimer(d.confirmTimeout)
	defer timer.Stop()

	var nacked int
	for i := 0; i < n; i++ {
		select {
		case c, ok := <-d.confirms:
			if !ok {
				d.reset()
				return connector.Retry(errors.New("rabbitmq channel closed while awaiting confirms"))
			}
			if !c.Ack {
				nacked++
			}
		case <-timer.C:
			d.reset()
			return connector.Retry(errors.New("timeout while waiting publisher confirms"))
		case <-ctx.Done():
			d.reset()
			return connector.Retry(ctx.Err())
		}
	}
	if nacked > 0 {
		return connector.Retry(fmt.Errorf("rabbitmq nacked %d of %d messages", nacked, n))
	}
	return connector.Ack()
}

func (d *Destination) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *Destination) connect() error {
	_ = d.closeLocked()

	conn, err := amqp.DialConfig(d.url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": d.connectionName},
	})
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq confirm mode: %w", err)
	}

	d.conn = conn
	d.channel = ch
	// One listener per channel; amqp091 blocks if a registered listener fills.
	d.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer(d.batchHint)))
	log.Debug().Str("sink", d.spec.Name).Str("exchange", d.exchange).Msg("rabbitmq connected")
	return nil
}

// confirmsFit reports whether the current listener can hold n confirmations.
func (d *Destination) confirmsFit(n int) bool {
	return d.confirms != nil && cap(d.confirms) >= n
}

func (d *Destination) reset() {
	if err := d.closeLocked(); err != nil {
		log.Debug().Err(err).Str("sink", d.spec.Name).Msg("rabbitmq close after failure")
	}
}

func (d *Destination) closeLocked() error {
	var errs []error
	if d.channel != nil && !d.channel.IsClosed() {
		errs = append(errs, d.channel.Close())
	}
	if d.conn != nil && !d.conn.IsClosed() {
		errs = append(errs, d.conn.Close())
	}
	d.channel = nil
	d.conn = nil
	d.confirms = nil
	return errors.Join(errs...)
}

func (d *Destination) routingKeyFor(msg connector.Message) string {
	return renderRoutingKey(d.routingKey, msg)
}

func renderRoutingKey(tmpl string, msg connector.Message) string {
	return strings.NewReplacer(
		"{schema}", msg.Schema,
		"{table}", msg.Table,
		"{action}", string(msg.Action),
	).Replace(tmpl)
}
