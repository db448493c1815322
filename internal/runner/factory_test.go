package runner

import (
	"context"
	"testing"

	"github.com/abc3/sequin/connectors/destinations/mock"
	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/pkg/connector"
)

func TestFactorySinkByType(t *testing.T) {
	f := Factory{}
	for _, typ := range []connector.SinkType{
		connector.SinkHTTP, connector.SinkKafka, connector.SinkRabbitMQ,
		connector.SinkNATS, connector.SinkSQS, connector.SinkMock,
	} {
		sink, err := f.Sink(connector.Spec{Type: typ})
		if err != nil || sink == nil {
			t.Fatalf("type %s: %v", typ, err)
		}
	}
	if _, err := f.Sink(connector.Spec{Type: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestFactoryOpenUsesOverride(t *testing.T) {
	sink := &mock.Destination{}
	f := Factory{Overrides: map[string]connector.Sink{"c1": sink}}
	got, err := f.Open(context.Background(), consumer.Consumer{ID: "c1", Name: "orders", Destination: consumer.Destination{Type: "webhook"}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != sink {
		t.Fatalf("expected override sink")
	}
}

func TestFactoryValidate(t *testing.T) {
	f := Factory{}
	ok := consumer.Consumer{ID: "a", Destination: consumer.Destination{Type: "mock"}}
	bad := consumer.Consumer{ID: "b", Destination: consumer.Destination{Type: "ftp"}}
	if err := f.Validate([]consumer.Consumer{ok}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Validate([]consumer.Consumer{ok, bad}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
