package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/twmb/franz-go/pkg/kerr"
)

func TestClassify(t *testing.T) {
	if res := classify(kerr.MessageTooLarge, 2); res.Status != connector.StatusFatal || res.FailedIndex != 2 {
		t.Fatalf("expected fatal at 2, got %v %d", res.Status, res.FailedIndex)
	}
	if res := classify(kerr.NotLeaderForPartition, 0); res.Status != connector.StatusRetry {
		t.Fatalf("expected retry, got %v", res.Status)
	}
	if res := classify(errors.New("dial tcp: refused"), 0); res.Status != connector.StatusRetry {
		t.Fatalf("expected retry, got %v", res.Status)
	}
}

func TestOversizedIsFatalBeforeProduce(t *testing.T) {
	d := &Destination{maxMessageSize: 4}
	batch := connector.Batch{Messages: []connector.Message{
		{ID: "a", Payload: []byte("ok")},
		{ID: "b", Payload: []byte("too large")},
	}}
	if idx := d.oversized(batch); idx != 1 {
		t.Fatalf("expected index 1, got %d", idx)
	}
}

func TestRecordKeyedByGroup(t *testing.T) {
	d := &Destination{topic: "cdc"}
	rec := d.record(connector.Batch{ConsumerName: "orders"}, connector.Message{
		ID: "id-1", GroupKey: "16384:[1]", Schema: "public", Table: "orders", Action: connector.ActionInsert, Payload: []byte("{}"),
	})
	if string(rec.Key) != "16384:[1]" || rec.Topic != "cdc" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if string(rec.Headers[0].Value) != "id-1" {
		t.Fatalf("missing idempotency header")
	}
}

func TestOpenValidatesOptions(t *testing.T) {
	if err := (&Destination{}).Open(context.Background(), connector.Spec{Options: map[string]string{optTopic: "t"}}); err == nil {
		t.Fatalf("expected brokers error")
	}
	if err := (&Destination{}).Open(context.Background(), connector.Spec{Options: map[string]string{optBrokers: "localhost:9092"}}); err == nil {
		t.Fatalf("expected topic error")
	}
	if err := (&Destination{}).Open(context.Background(), connector.Spec{Options: map[string]string{
		optBrokers: "localhost:9092", optTopic: "t", optMaxMessage: "-1",
	}}); err == nil {
		t.Fatalf("expected size error")
	}
}
