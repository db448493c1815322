package kafka

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	optBrokers     = "brokers"
	optTopic       = "topic"
	optCompression = "compression"
	optAcks        = "acks"
	optMaxMessage  = "max_message_bytes"
)

// Destination produces one Kafka record per message, keyed by group key so
// a group stays on one Kafka partition.
type Destination struct {
	spec           connector.Spec
	client         *kgo.Client
	topic          string
	maxMessageSize int
}

func (d *Destination) Open(_ context.Context, spec connector.Spec) error {
	d.spec = spec
	brokers := splitCSV(spec.Options[optBrokers])
	if len(brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if spec.Options[optTopic] == "" {
		return errors.New("kafka topic is required")
	}
	d.topic = spec.Options[optTopic]

	maxMessage, err := parseSizeOption(spec.Options, optMaxMessage, 1000000)
	if err != nil {
		return err
	}
	if maxMessage > math.MaxInt32 {
		return fmt.Errorf("max_message_bytes exceeds int32: %d", maxMessage)
	}
	d.maxMessageSize = maxMessage

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(parseAcks(spec.Options[optAcks])),
		kgo.DefaultProduceTopic(d.topic),
	}
	if compression := strings.ToLower(spec.Options[optCompression]); compression != "" {
		opts = append(opts, kgo.ProducerBatchCompression(parseCompression(compression)))
	}
	if d.maxMessageSize > 0 {
		// #nosec G115 -- size validated above.
		opts = append(opts, kgo.ProducerBatchMaxBytes(int32(d.maxMessageSize)))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	d.client = client
	return nil
}

func (d *Destination) Deliver(ctx context.Context, batch connector.Batch) connector.Result {
	if d.client == nil {
		return connector.Retry(errors.New("kafka destination not initialized"))
	}
	if len(batch.Messages) == 0 {
		return connector.Ack()
	}
	if idx := d.oversized(batch); idx >= 0 {
		return connector.Fatal(fmt.Errorf("kafka message size %d exceeds limit %d",
			len(batch.Messages[idx].Payload), d.maxMessageSize), idx)
	}

	records := make([]*kgo.Record, 0, len(batch.Messages))
	for _, msg := range batch.Messages {
		records = append(records, d.record(batch, msg))
	}
	results := d.client.ProduceSync(ctx, records...)
	for idx, res := range results {
		if res.Err != nil {
			return classify(res.Err, idx)
		}
	}
	return connector.Ack()
}

func (d *Destination) Close(_ context.Context) error {
	if d.client != nil {
		d.client.Close()
	}
	return nil
}

func (d *Destination) record(batch connector.Batch, msg connector.Message) *kgo.Record {
	return &kgo.Record{
		Topic: d.topic,
		Key:   []byte(msg.GroupKey),
		Value: msg.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "idempotency-id", Value: []byte(msg.ID)},
			{Key: "sequin-consumer", Value: []byte(batch.ConsumerName)},
			{Key: "sequin-table", Value: []byte(msg.Schema + "." + msg.Table)},
			{Key: "sequin-action", Value: []byte(msg.Action)},
		},
	}
}

func (d *Destination) oversized(batch connector.Batch) int {
	if d.maxMessageSize <= 0 {
		return -1
	}
	for idx, msg := range batch.Messages {
		if len(msg.Payload) > d.maxMessageSize {
			return idx
		}
	}
	return -1
}

// classify maps a produce error for the record at idx onto an outcome.
// Records the broker will never accept are fatal; everything else retries.
func classify(err error, idx int) connector.Result {
	switch {
	case errors.Is(err, kerr.MessageTooLarge),
		errors.Is(err, kerr.RecordListTooLarge),
		errors.Is(err, kerr.InvalidRecord),
		errors.Is(err, kerr.CorruptMessage):
		return connector.Fatal(err, idx)
	default:
		return connector.Retry(err)
	}
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trim := strings.TrimSpace(part)
		if trim != "" {
			out = append(out, trim)
		}
	}
	return out
}

func parseSizeOption(options map[string]string, key string, fallback int) (int, error) {
	if options == nil {
		return fallback, nil
	}
	raw := strings.TrimSpace(options[key])
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return val, nil
}

func parseCompression(value string) kgo.CompressionCodec {
	switch value {
	case "gzip":
		return kgo.GzipCompression()
	case "snappy":
		return kgo.SnappyCompression()
	case "lz4":
		return kgo.Lz4Compression()
	case "zstd":
		return kgo.ZstdCompression()
	default:
		return kgo.NoCompression()
	}
}

func parseAcks(value string) kgo.Acks {
	switch strings.ToLower(value) {
	case "none", "0":
		return kgo.NoAck()
	case "leader", "1":
		return kgo.LeaderAck()
	default:
		return kgo.AllISRAcks()
	}
}
