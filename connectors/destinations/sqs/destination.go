package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	optQueueURL     = "queue_url"
	optRegion       = "region"
	optEndpoint     = "endpoint"
	optAccessKey    = "access_key"
	optSecretKey    = "secret_key"
	optSessionToken = "session_token"
)

const (
	maxBatchEntries = 10
	maxMessageBytes = 256 * 1024
)

// API is the subset of the SQS client used by the destination.
type API interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// Destination sends messages with SendMessageBatch. FIFO queues receive
// the group key as MessageGroupId so per-key order survives the queue.
type Destination struct {
	spec     connector.Spec
	queueURL string
	fifo     bool
	client   API
}

func (d *Destination) Open(ctx context.Context, spec connector.Spec) error {
	d.spec = spec
	d.queueURL = strings.TrimSpace(spec.Options[optQueueURL])
	if d.queueURL == "" {
		return errors.New("sqs queue_url is required")
	}
	d.fifo = strings.HasSuffix(d.queueURL, ".fifo")
	if d.client != nil {
		return nil
	}

	loadOpts := []func(*config.LoadOptions) error{}
	endpoint := strings.TrimSpace(spec.Options[optEndpoint])
	region := strings.TrimSpace(spec.Options[optRegion])
	if region == "" && endpoint != "" {
		region = "us-east-1"
	}
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	accessKey := strings.TrimSpace(spec.Options[optAccessKey])
	secretKey := strings.TrimSpace(spec.Options[optSecretKey])
	if accessKey != "" && secretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(accessKey, secretKey, strings.TrimSpace(spec.Options[optSessionToken]))
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	d.client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return nil
}

func (d *Destination) Deliver(ctx context.Context, batch connector.Batch) connector.Result {
	if d.client == nil {
		return connector.Retry(errors.New("sqs destination not initialized"))
	}
	for idx, msg := range batch.Messages {
		if len(msg.Payload) > maxMessageBytes {
			return connector.Fatal(fmt.Errorf("sqs message size %d exceeds limit %d", len(msg.Payload), maxMessageBytes), idx)
		}
	}

	for start := 0; start < len(batch.Messages); start += maxBatchEntries {
		end := min(start+maxBatchEntries, len(batch.Messages))
		if res := d.send(ctx, batch, start, end); res.Status != connector.StatusAck {
			return res
		}
	}
	return connector.Ack()
}

func (d *Destination) send(ctx context.Context, batch connector.Batch, start, end int) connector.Result {
	entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
	for idx := start; idx < end; idx++ {
		entries = append(entries, d.entry(batch, idx))
	}
	out, err := d.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(d.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return connector.Retry(fmt.Errorf("sqs send batch: %w", err))
	}
	if len(out.Failed) == 0 {
		return connector.Ack()
	}

	// Entries are reported unordered; act on the earliest failure.
	first := -1
	var failed types.BatchResultErrorEntry
	for _, entry := range out.Failed {
		idx, err := strconv.Atoi(aws.ToString(entry.Id))
		if err != nil || idx < start || idx >= end {
			continue
		}
		if first < 0 || idx < first {
			first = idx
			failed = entry
		}
	}
	if first < 0 {
		return connector.Retry(fmt.Errorf("sqs reported %d failures with unknown ids", len(out.Failed)))
	}
	cause := fmt.Errorf("sqs entry %d failed: %s: %s", first, aws.ToString(failed.Code), aws.ToString(failed.Message))
	if failed.SenderFault {
		return connector.Fatal(cause, first)
	}
	return connector.Retry(cause)
}

func (d *Destination) entry(batch connector.Batch, idx int) types.SendMessageBatchRequestEntry {
	msg := batch.Messages[idx]
	entry := types.SendMessageBatchRequestEntry{
		Id:          aws.String(strconv.Itoa(idx)),
		MessageBody: aws.String(string(msg.Payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"idempotency_id": {DataType: aws.String("String"), StringValue: aws.String(msg.ID)},
			"table":          {DataType: aws.String("String"), StringValue: aws.String(msg.Schema + "." + msg.Table)},
			"action":         {DataType: aws.String("String"), StringValue: aws.String(string(msg.Action))},
		},
	}
	if d.fifo {
		entry.MessageGroupId = aws.String(msg.GroupKey)
		entry.MessageDeduplicationId = aws.String(msg.ID)
	}
	return entry
}

func (d *Destination) Close(_ context.Context) error {
	return nil
}
