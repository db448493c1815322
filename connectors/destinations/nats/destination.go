package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	optURL           = "url"
	optMode          = "mode"
	optSubjectPrefix = "subject_prefix"
	optStream        = "stream"
	optMaxAge        = "max_age"
)

const (
	modeStream = "stream"
	modePubSub = "pubsub"
)

// Destination publishes to NATS subjects named
// <prefix>.<schema>.<table>.<action>, through JetStream or core NATS.
type Destination struct {
	spec   connector.Spec
	mode   string
	prefix string
	nc     *nats.Conn
	js     jetstream.JetStream
}

func (d *Destination) Open(ctx context.Context, spec connector.Spec) error {
	d.spec = spec
	url := spec.Options[optURL]
	if url == "" {
		return errors.New("nats url is required")
	}
	d.mode = strings.ToLower(spec.Options[optMode])
	if d.mode == "" {
		d.mode = modeStream
	}
	if d.mode != modeStream && d.mode != modePubSub {
		return fmt.Errorf("unsupported nats mode %q (use stream or pubsub)", d.mode)
	}
	d.prefix = spec.Options[optSubjectPrefix]
	if d.prefix == "" {
		d.prefix = "sequin"
	}
	maxAge := 24 * time.Hour
	if raw := spec.Options[optMaxAge]; raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse max_age: %w", err)
		}
		maxAge = parsed
	}

	nc, err := nats.Connect(url,
		nats.Name("sequin-"+spec.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	d.nc = nc
	if d.mode == modePubSub {
		return nil
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("create jetstream context: %w", err)
	}
	d.js = js
	streamName := spec.Options[optStream]
	if streamName == "" {
		streamName = sanitizeStreamName(d.prefix)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{d.prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	}); err != nil {
		nc.Close()
		return fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	return nil
}

func (d *Destination) Deliver(ctx context.Context, batch connector.Batch) connector.Result {
	if d.nc == nil {
		return connector.Retry(errors.New("nats destination not initialized"))
	}
	if len(batch.Messages) == 0 {
		return connector.Ack()
	}
	if limit := d.nc.MaxPayload(); limit > 0 {
		for idx, msg := range batch.Messages {
			if int64(len(msg.Payload)) > limit {
				return connector.Fatal(fmt.Errorf("%w: %d bytes", nats.ErrMaxPayload, len(msg.Payload)), idx)
			}
		}
	}

	for idx, msg := range batch.Messages {
		out := &nats.Msg{
			Subject: d.subject(msg),
			Data:    msg.Payload,
			Header: nats.Header{
				"key":         []string{msg.GroupKey},
				nats.MsgIdHdr: []string{msg.ID},
			},
		}
		var err error
		if d.js != nil {
			_, err = d.js.PublishMsg(ctx, out)
		} else {
			err = d.nc.PublishMsg(out)
		}
		if err != nil {
			if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
				return connector.Fatal(err, idx)
			}
			return connector.Retry(fmt.Errorf("publish to %s: %w", out.Subject, err))
		}
	}
	if d.js == nil {
		if err := d.nc.FlushWithContext(ctx); err != nil {
			return connector.Retry(fmt.Errorf("flush nats: %w", err))
		}
	}
	return connector.Ack()
}

func (d *Destination) Close(_ context.Context) error {
	if d.nc != nil {
		d.nc.Close()
	}
	return nil
}

func (d *Destination) subject(msg connector.Message) string {
	return subjectFor(d.prefix, msg)
}

func subjectFor(prefix string, msg connector.Message) string {
	return strings.Join([]string{prefix, token(msg.Schema), token(msg.Table), string(msg.Action)}, ".")
}

// token strips characters that carry meaning in NATS subjects.
func token(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, value)
}

// sanitizeStreamName converts a subject prefix to a valid stream name.
func sanitizeStreamName(topic string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic))
}
