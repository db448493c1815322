package rabbitmq

import (
	"context"
	"testing"

	"github.com/abc3/sequin/pkg/connector"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func TestRenderRoutingKey(t *testing.T) {
	msg := connector.Message{Schema: "public", Table: "orders", Action: connector.ActionUpdate}
	require.Equal(t, "public.orders.update", renderRoutingKey(defaultRoutingKey, msg))
	require.Equal(t, "cdc.orders", renderRoutingKey("cdc.{table}", msg))
	require.Equal(t, "fixed", renderRoutingKey("fixed", msg))
}

func TestOversizedMessageIsFatal(t *testing.T) {
	d := &Destination{maxMessageSize: 3}
	res := d.Deliver(context.Background(), connector.Batch{Messages: []connector.Message{
		{ID: "a", Payload: []byte("ok")},
		{ID: "b", Payload: []byte("oversized")},
	}})
	require.Equal(t, connector.StatusFatal, res.Status)
	require.Equal(t, 1, res.FailedIndex)
}

func TestOpenValidatesOptions(t *testing.T) {
	require.Error(t, (&Destination{}).Open(context.Background(), connector.Spec{}))
	require.Error(t, (&Destination{}).Open(context.Background(), connector.Spec{Options: map[string]string{
		optURL: "amqp://localhost", optConfirmTimeout: "soon",
	}}))
}

func TestEmptyBatchAcks(t *testing.T) {
	res := (&Destination{}).Deliver(context.Background(), connector.Batch{})
	require.Equal(t, connector.StatusAck, res.Status)
}

func TestConfirmBufferHoldsLargestBatch(t *testing.T) {
	require.Equal(t, minConfirmBuffer, confirmBuffer(1))
	require.Equal(t, 10000, confirmBuffer(10000))

	d := &Destination{}
	require.False(t, d.confirmsFit(1), "no listener yet")
	d.confirms = make(chan amqp.Confirmation, confirmBuffer(0))
	require.True(t, d.confirmsFit(minConfirmBuffer))
	require.False(t, d.confirmsFit(10000), "a larger batch needs a new listener")
}
