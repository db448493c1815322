// Package runner builds sinks from consumer destinations.
package runner

import (
	"context"
	"fmt"

	httpdest "github.com/abc3/sequin/connectors/destinations/http"
	"github.com/abc3/sequin/connectors/destinations/kafka"
	"github.com/abc3/sequin/connectors/destinations/mock"
	natsdest "github.com/abc3/sequin/connectors/destinations/nats"
	"github.com/abc3/sequin/connectors/destinations/rabbitmq"
	sqsdest "github.com/abc3/sequin/connectors/destinations/sqs"
	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/pkg/connector"
)

// Factory builds sinks for consumers.
type Factory struct {
	// Overrides supplies a prebuilt sink per consumer id, used in place of
	// the configured destination.
	Overrides map[string]connector.Sink
}

// Sink returns an unopened sink for spec.
func (f Factory) Sink(spec connector.Spec) (connector.Sink, error) {
	switch spec.Type {
	case connector.SinkHTTP:
		return &httpdest.Destination{}, nil
	case connector.SinkKafka:
		return &kafka.Destination{}, nil
	case connector.SinkRabbitMQ:
		return &rabbitmq.Destination{}, nil
	case connector.SinkNATS:
		return &natsdest.Destination{}, nil
	case connector.SinkSQS:
		return &sqsdest.Destination{}, nil
	case connector.SinkMock:
		return &mock.Destination{}, nil
	default:
		return nil, fmt.Errorf("unsupported destination type: %s", spec.Type)
	}
}

// Spec converts a consumer's destination into a sink spec.
func Spec(c consumer.Consumer) connector.Spec {
	return connector.Spec{
		Name:    c.Name,
		Type:    connector.SinkType(c.Destination.Type),
		Options: c.Destination.Options,
	}
}

// Open builds and opens the sink for c.
func (f Factory) Open(ctx context.Context, c consumer.Consumer) (connector.Sink, error) {
	spec := Spec(c)
	sink, ok := f.Overrides[c.ID]
	if !ok {
		var err error
		sink, err = f.Sink(spec)
		if err != nil {
			return nil, fmt.Errorf("consumer %q: %w", c.ID, err)
		}
	}
	if err := sink.Open(ctx, spec); err != nil {
		return nil, fmt.Errorf("consumer %q: open %s destination: %w", c.ID, spec.Type, err)
	}
	return sink, nil
}

// Validate checks that every consumer names a known destination type.
func (f Factory) Validate(consumers []consumer.Consumer) error {
	for _, c := range consumers {
		if _, ok := f.Overrides[c.ID]; ok {
			continue
		}
		if _, err := f.Sink(Spec(c)); err != nil {
			return fmt.Errorf("consumer %q: %w", c.ID, err)
		}
	}
	return nil
}
