package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/klauspost/compress/zstd"
)

const (
	optURL               = "url"
	optMethod            = "method"
	optTimeout           = "timeout"
	optHeaders           = "headers"
	optCompression       = "compression"
	optIdempotencyHeader = "idempotency_header"
)

// Destination delivers batches to an HTTP endpoint as {"data": [...]}.
type Destination struct {
	spec              connector.Spec
	url               string
	method            string
	headers           map[string]string
	client            *http.Client
	encoder           *zstd.Encoder
	idempotencyHeader string
}

type requestBody struct {
	Data []json.RawMessage `json:"data"`
}

func (d *Destination) Open(_ context.Context, spec connector.Spec) error {
	d.spec = spec
	d.url = spec.Options[optURL]
	if d.url == "" {
		return errors.New("http url is required")
	}

	d.method = strings.ToUpper(spec.Options[optMethod])
	if d.method == "" {
		d.method = http.MethodPost
	}

	timeout, err := parseDuration(spec.Options[optTimeout], 10*time.Second)
	if err != nil {
		return fmt.Errorf("parse timeout: %w", err)
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: timeout}
	}

	switch compression := strings.ToLower(spec.Options[optCompression]); compression {
	case "", "none":
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("zstd encoder: %w", err)
		}
		d.encoder = enc
	default:
		return fmt.Errorf("unsupported compression %q (use zstd or none)", compression)
	}

	d.headers = parseHeaders(spec.Options[optHeaders])
	d.idempotencyHeader = spec.Options[optIdempotencyHeader]
	if d.idempotencyHeader == "" {
		d.idempotencyHeader = "Idempotency-Key"
	}
	return nil
}

func (d *Destination) Deliver(ctx context.Context, batch connector.Batch) connector.Result {
	if d.client == nil {
		return connector.Retry(errors.New("http destination not initialized"))
	}
	if len(batch.Messages) == 0 {
		return connector.Ack()
	}

	body := requestBody{Data: make([]json.RawMessage, 0, len(batch.Messages))}
	for _, msg := range batch.Messages {
		body.Data = append(body.Data, msg.Payload)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return connector.Fatal(fmt.Errorf("encode request: %w", err), -1)
	}
	if d.encoder != nil {
		payload = d.encoder.EncodeAll(payload, nil)
	}

	req, err := http.NewRequestWithContext(ctx, d.method, d.url, bytes.NewReader(payload))
	if err != nil {
		return connector.Fatal(err, -1)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.encoder != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}
	if d.idempotencyHeader != "" {
		req.Header.Set(d.idempotencyHeader, idempotencyKey(batch))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return connector.Retry(err)
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_ = resp.Body.Close()
	return classify(resp.StatusCode, len(batch.Messages), strings.TrimSpace(string(snippet)))
}

func (d *Destination) Close(_ context.Context) error {
	if d.encoder != nil {
		return d.encoder.Close()
	}
	return nil
}

// classify maps a response status onto a delivery outcome. A permanent
// rejection of a single message pins the failure to it.
func classify(status, size int, body string) connector.Result {
	if status < 300 {
		return connector.Ack()
	}
	err := fmt.Errorf("http destination status %d", status)
	if body != "" {
		err = fmt.Errorf("http destination status %d: %s", status, body)
	}
	if retryable(status) {
		return connector.Retry(err)
	}
	index := -1
	if size == 1 {
		index = 0
	}
	return connector.Fatal(err, index)
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	default:
		return status >= 500 || status < 200
	}
}

// idempotencyKey is stable for a given set of messages, so a redelivered
// batch carries the same key.
func idempotencyKey(batch connector.Batch) string {
	if len(batch.Messages) == 1 {
		return batch.Messages[0].ID
	}
	h := sha256.New()
	for _, msg := range batch.Messages {
		h.Write([]byte(msg.ID))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func parseHeaders(value string) map[string]string {
	out := map[string]string{}
	if value == "" {
		return out
	}
	pairs := strings.Split(value, ",")
	for _, pair := range pairs {
		item := strings.TrimSpace(pair)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key != "" {
			out[key] = val
		}
	}
	return out
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}
