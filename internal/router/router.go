// Package router matches decoded changes against a slot's consumers and fans
// them out to ordered partitions.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/internal/telemetry"
	"github.com/abc3/sequin/pkg/connector"
	"github.com/rs/zerolog/log"
)

// Partitions is the destination of routed messages.
type Partitions interface {
	PartitionFor(groupKey string) int
	Enqueue(ctx context.Context, msg connector.RoutedMessage) error
	Mark(ctx context.Context, end connector.LSN) error
}

type snapshot struct {
	consumers []*consumer.Compiled
	byID      map[string]*consumer.Compiled
}

// Router holds a read-mostly snapshot of one slot's consumers. Route is
// called by a single dispatcher; Replace may be called from any goroutine.
type Router struct {
	slot    string
	current atomic.Pointer[snapshot]
}

// New returns a router for slot with no consumers.
func New(slot string) *Router {
	r := &Router{slot: slot}
	r.current.Store(&snapshot{byID: map[string]*consumer.Compiled{}})
	return r
}

// Replace swaps in a new consumer set. Consumers for other slots are ignored.
func (r *Router) Replace(consumers []*consumer.Compiled) {
	next := &snapshot{byID: make(map[string]*consumer.Compiled, len(consumers))}
	for _, c := range consumers {
		if c.Slot != r.slot {
			continue
		}
		next.consumers = append(next.consumers, c)
		next.byID[c.ID] = c
	}
	r.current.Store(next)
	log.Info().Str("slot", r.slot).Int("consumers", len(next.consumers)).Msg("consumer set replaced")
}

// Consumers returns the active consumers.
func (r *Router) Consumers() []*consumer.Compiled {
	return r.current.Load().consumers
}

// Consumer looks up an active consumer by id.
func (r *Router) Consumer(id string) (*consumer.Compiled, bool) {
	c, ok := r.current.Load().byID[id]
	return c, ok
}

// BatchPolicy reports the consumer's batch size and window.
func (r *Router) BatchPolicy(consumerID string) (int, time.Duration) {
	c, ok := r.Consumer(consumerID)
	if !ok {
		return 1, 0
	}
	return c.BatchSize, c.BatchTimeout
}

// Route fans a committed transaction out to partitions and then marks its
// end on every partition. It blocks only on full partition queues.
func (r *Router) Route(ctx context.Context, txn *connector.Transaction, parts Partitions) error {
	snap := r.current.Load()
	for idx := range txn.Records {
		if err := r.routeRecord(ctx, snap, txn.Records[idx], parts); err != nil {
			return err
		}
	}
	if err := parts.Mark(ctx, txn.EndLSN); err != nil {
		return fmt.Errorf("mark transaction end %s: %w", txn.EndLSN, err)
	}
	return nil
}

// RouteBackfill fans out read records. They carry no transaction boundary
// and never move the flush position. A batch holding any other action is
// rejected before anything is routed.
func (r *Router) RouteBackfill(ctx context.Context, records []connector.ChangeRecord, parts Partitions) error {
	for idx := range records {
		if records[idx].Action != connector.ActionRead {
			return fmt.Errorf("backfill record %d has action %s", idx, records[idx].Action)
		}
	}
	snap := r.current.Load()
	for idx := range records {
		if err := r.routeRecord(ctx, snap, records[idx], parts); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) routeRecord(ctx context.Context, snap *snapshot, rec connector.ChangeRecord, parts Partitions) error {
	for _, c := range snap.consumers {
		ok, err := c.Matches(rec)
		if err != nil {
			telemetry.FilterErrorsTotal.With(c.ID).Inc()
			log.Warn().Err(err).Str("slot", r.slot).Str("consumer", c.ID).
				Str("table", rec.QualifiedName()).Str("position", rec.Position.String()).
				Msg("skipping record, filter could not be evaluated")
			continue
		}
		if !ok {
			continue
		}
		groupKey := c.GroupKey(rec)
		id := consumer.IdempotencyID(rec.Position, rec.RelationID, c.ID)
		if rec.Action == connector.ActionRead {
			id = consumer.BackfillIdempotencyID(rec, c.ID)
		}
		msg := connector.RoutedMessage{
			ConsumerID:    c.ID,
			Record:        rec,
			GroupKey:      groupKey,
			IdempotencyID: id,
			Partition:     parts.PartitionFor(groupKey),
		}
		if err := parts.Enqueue(ctx, msg); err != nil {
			return err
		}
		telemetry.RoutedTotal.With(c.ID).Inc()
	}
	return nil
}
