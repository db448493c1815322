// Package mock provides an in-memory destination for local runs and tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/rs/zerolog/log"
)

const optFailFirst = "fail_first"

// Destination records every batch it is given. Script, when set, decides
// each outcome; otherwise the first fail_first calls are retried and the
// rest acknowledged.
type Destination struct {
	Script func(call int, batch connector.Batch) connector.Result

	mu        sync.Mutex
	spec      connector.Spec
	failFirst int
	calls     int
	batches   []connector.Batch
	delivered []connector.Message
	closed    bool
}

func (d *Destination) Open(_ context.Context, spec connector.Spec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spec = spec
	if raw := spec.Options[optFailFirst]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s: %q", optFailFirst, raw)
		}
		d.failFirst = n
	}
	return nil
}

func (d *Destination) Deliver(_ context.Context, batch connector.Batch) connector.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	call := d.calls
	d.calls++
	msgs := append([]connector.Message(nil), batch.Messages...)
	batch.Messages = msgs
	d.batches = append(d.batches, batch)

	var res connector.Result
	switch {
	case d.Script != nil:
		res = d.Script(call, batch)
	case call < d.failFirst:
		res = connector.Retry(errors.New("mock destination scripted failure"))
	default:
		res = connector.Ack()
	}
	if res.Status == connector.StatusAck {
		d.delivered = append(d.delivered, msgs...)
		log.Debug().Str("sink", d.spec.Name).Str("consumer", batch.ConsumerID).Int("messages", len(msgs)).Msg("mock delivered")
	}
	return res
}

func (d *Destination) Close(_ context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Batches returns every batch received, including failed attempts.
func (d *Destination) Batches() []connector.Batch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]connector.Batch(nil), d.batches...)
}

// Delivered returns acknowledged messages in delivery order.
func (d *Destination) Delivered() []connector.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]connector.Message(nil), d.delivered...)
}

// Calls reports how many delivery attempts were made.
func (d *Destination) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Closed reports whether Close was called.
func (d *Destination) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
