package sqs

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageBatchInput
	fail   func(in *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error)
}

func (f *fakeSQS) SendMessageBatch(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.fail != nil {
		return f.fail(in)
	}
	return &sqs.SendMessageBatchOutput{}, nil
}

func messages(n int) connector.Batch {
	batch := connector.Batch{ConsumerID: "c1"}
	for i := 0; i < n; i++ {
		batch.Messages = append(batch.Messages, connector.Message{
			ID:       "id-" + strconv.Itoa(i),
			GroupKey: "g" + strconv.Itoa(i%3),
			Payload:  []byte(`{}`),
		})
	}
	return batch
}

func open(t *testing.T, url string, api API) *Destination {
	t.Helper()
	d := &Destination{client: api}
	require.NoError(t, d.Open(context.Background(), connector.Spec{Options: map[string]string{optQueueURL: url}}))
	return d
}

func TestDeliverChunksByTen(t *testing.T) {
	api := &fakeSQS{}
	d := open(t, "https://sqs.local/123/events", api)

	res := d.Deliver(context.Background(), messages(23))
	require.Equal(t, connector.StatusAck, res.Status)
	require.Len(t, api.inputs, 3)
	require.Len(t, api.inputs[0].Entries, 10)
	require.Len(t, api.inputs[2].Entries, 3)
	require.Nil(t, api.inputs[0].Entries[0].MessageGroupId)
}

func TestDeliverFifoSetsGroupAndDedup(t *testing.T) {
	api := &fakeSQS{}
	d := open(t, "https://sqs.local/123/events.fifo", api)

	require.Equal(t, connector.StatusAck, d.Deliver(context.Background(), messages(2)).Status)
	entry := api.inputs[0].Entries[1]
	require.Equal(t, "g1", aws.ToString(entry.MessageGroupId))
	require.Equal(t, "id-1", aws.ToString(entry.MessageDeduplicationId))
}

func TestDeliverSenderFaultIsFatalAtEarliestIndex(t *testing.T) {
	api := &fakeSQS{fail: func(in *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error) {
		if aws.ToString(in.Entries[0].Id) != "10" {
			return &sqs.SendMessageBatchOutput{}, nil
		}
		return &sqs.SendMessageBatchOutput{Failed: []types.BatchResultErrorEntry{
			{Id: aws.String("14"), SenderFault: true, Code: aws.String("InvalidMessageContents")},
			{Id: aws.String("12"), SenderFault: true, Code: aws.String("InvalidMessageContents")},
		}}, nil
	}}
	d := open(t, "https://sqs.local/123/events", api)

	res := d.Deliver(context.Background(), messages(15))
	require.Equal(t, connector.StatusFatal, res.Status)
	require.Equal(t, 12, res.FailedIndex)
}

func TestDeliverServerFaultRetries(t *testing.T) {
	api := &fakeSQS{fail: func(*sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error) {
		return &sqs.SendMessageBatchOutput{Failed: []types.BatchResultErrorEntry{
			{Id: aws.String("0"), SenderFault: false, Code: aws.String("InternalError")},
		}}, nil
	}}
	d := open(t, "https://sqs.local/123/events", api)
	require.Equal(t, connector.StatusRetry, d.Deliver(context.Background(), messages(1)).Status)

	api.fail = func(*sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error) {
		return nil, errors.New("throttled")
	}
	require.Equal(t, connector.StatusRetry, d.Deliver(context.Background(), messages(1)).Status)
}

func TestDeliverOversizedIsFatal(t *testing.T) {
	d := open(t, "https://sqs.local/123/events", &fakeSQS{})
	batch := messages(2)
	batch.Messages[1].Payload = make([]byte, maxMessageBytes+1)
	res := d.Deliver(context.Background(), batch)
	require.Equal(t, connector.StatusFatal, res.Status)
	require.Equal(t, 1, res.FailedIndex)
}
