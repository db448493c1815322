// Package partition runs the ordered per-partition delivery actors and
// computes the slot's safe flush position.
package partition

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/abc3/sequin/internal/telemetry"
	"github.com/abc3/sequin/pkg/connector"
	"github.com/rs/zerolog/log"
)

// Item is either a routed message or a transaction boundary mark.
type Item struct {
	Msg *connector.RoutedMessage
	// Mark is the end position of a fully routed transaction. Set only when
	// Msg is nil.
	Mark connector.LSN
}

// Deliverer sends an ordered slice of one consumer's messages and returns
// once they are acknowledged or dead-lettered. An error means delivery was
// abandoned, normally because ctx ended.
type Deliverer interface {
	Deliver(ctx context.Context, consumerID string, msgs []connector.RoutedMessage) error
}

// BatchPolicy supplies per-consumer batching limits.
type BatchPolicy interface {
	BatchPolicy(consumerID string) (size int, timeout time.Duration)
}

// segment counts tracked messages received between two marks.
type segment struct {
	end         connector.LSN
	outstanding int
}

type entry struct {
	msg connector.RoutedMessage
	seg *segment
	at  time.Time
}

type consumerQueue struct {
	pending  []entry
	inFlight []entry
}

type result struct {
	consumerID string
	err        error
}

// Handler owns one partition: a bounded inbox, per-consumer ordered queues
// with at most one batch in flight per consumer, and the partition's
// low-water mark. All state except lowWater is confined to Run.
type Handler struct {
	index       int
	slot        string
	inbox       chan Item
	maxBuffered int
	deliverer   Deliverer
	policy      BatchPolicy

	lowWater atomic.Uint64
	stopped  atomic.Bool

	queues   map[string]*consumerQueue
	segments []*segment
	open     *segment
	buffered int
	inFlight int
	results  chan result
	closing  bool
	now      func() time.Time
}

func newHandler(index int, slot string, start connector.LSN, cfg Config) *Handler {
	h := &Handler{
		index:       index,
		slot:        slot,
		inbox:       make(chan Item, cfg.QueueSize),
		maxBuffered: cfg.MaxBuffered,
		deliverer:   cfg.Deliverer,
		policy:      cfg.Policy,
		queues:      make(map[string]*consumerQueue),
		results:     make(chan result, 1),
		now:         time.Now,
	}
	h.lowWater.Store(uint64(start))
	return h
}

// Index returns the partition number.
func (h *Handler) Index() int { return h.index }

// LowWater is the highest position below which every tracked message this
// partition received has been acknowledged.
func (h *Handler) LowWater() connector.LSN {
	return connector.LSN(h.lowWater.Load())
}

// Enqueue blocks until the inbox has room or ctx ends.
func (h *Handler) Enqueue(ctx context.Context, item Item) error {
	select {
	case h.inbox <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake. Run drains what it holds and returns.
func (h *Handler) Close() {
	if h.stopped.CompareAndSwap(false, true) {
		close(h.inbox)
	}
}

// Run processes the inbox until ctx ends or the inbox is closed and drained.
func (h *Handler) Run(ctx context.Context) {
	gauge := telemetry.PartitionBuffered.With(h.slot, strconv.Itoa(h.index))
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		inbox := h.inbox
		if h.closing || h.buffered >= h.maxBuffered {
			inbox = nil
		}
		if h.closing && h.buffered == 0 && h.inFlight == 0 {
			return
		}

		wait := h.nextDeadline()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			h.awaitInFlight()
			return
		case item, ok := <-inbox:
			if !ok {
				h.closing = true
				break
			}
			h.accept(item)
		case res := <-h.results:
			h.complete(res)
		case <-timer.C:
		}
		h.dispatch(ctx)
		gauge.Set(float64(h.buffered))
	}
}

func (h *Handler) accept(item Item) {
	if item.Msg == nil {
		h.mark(item.Mark)
		return
	}
	msg := *item.Msg
	var seg *segment
	if msg.Tracked() {
		if h.open == nil {
			h.open = &segment{}
		}
		h.open.outstanding++
		seg = h.open
	}
	q := h.queues[msg.ConsumerID]
	if q == nil {
		q = &consumerQueue{}
		h.queues[msg.ConsumerID] = q
	}
	q.pending = append(q.pending, entry{msg: msg, seg: seg, at: h.now()})
	h.buffered++
}

// mark closes the segment of messages received since the previous mark.
func (h *Handler) mark(end connector.LSN) {
	switch {
	case h.open != nil:
		h.open.end = end
		h.segments = append(h.segments, h.open)
		h.open = nil
	case len(h.segments) > 0:
		// nothing new since the last mark; it can release up to end.
		h.segments[len(h.segments)-1].end = end
	default:
		h.advanceTo(end)
		return
	}
	h.advance()
}

func (h *Handler) advance() {
	for len(h.segments) > 0 && h.segments[0].outstanding == 0 {
		h.advanceTo(h.segments[0].end)
		h.segments[0] = nil
		h.segments = h.segments[1:]
	}
}

func (h *Handler) advanceTo(end connector.LSN) {
	if uint64(end) > h.lowWater.Load() {
		h.lowWater.Store(uint64(end))
	}
}

func (h *Handler) complete(res result) {
	h.inFlight--
	q := h.queues[res.consumerID]
	if q == nil {
		return
	}
	if res.err != nil {
		// abandoned: keep the batch at the head so it is never skipped.
		log.Debug().Err(res.err).Str("slot", h.slot).Int("partition", h.index).
			Str("consumer", res.consumerID).Msg("delivery abandoned")
		q.pending = append(q.inFlight, q.pending...)
		q.inFlight = nil
		return
	}
	for _, e := range q.inFlight {
		if e.seg != nil {
			e.seg.outstanding--
		}
	}
	h.buffered -= len(q.inFlight)
	q.inFlight = nil
	if len(q.pending) == 0 {
		delete(h.queues, res.consumerID)
	}
	h.advance()
}

func (h *Handler) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := h.now()
	for consumerID, q := range h.queues {
		if len(q.inFlight) > 0 || len(q.pending) == 0 {
			continue
		}
		size, timeout := h.batchPolicy(consumerID)
		if len(q.pending) < size && !h.closing && now.Sub(q.pending[0].at) < timeout {
			continue
		}
		n := min(size, len(q.pending))
		q.inFlight = q.pending[:n:n]
		q.pending = q.pending[n:]
		msgs := make([]connector.RoutedMessage, n)
		for idx, e := range q.inFlight {
			msgs[idx] = e.msg
		}
		h.inFlight++
		go h.deliver(ctx, consumerID, msgs)
	}
}

func (h *Handler) deliver(ctx context.Context, consumerID string, msgs []connector.RoutedMessage) {
	err := h.deliverer.Deliver(ctx, consumerID, msgs)
	h.results <- result{consumerID: consumerID, err: err}
}

// awaitInFlight collects outstanding results so delivery goroutines exit.
func (h *Handler) awaitInFlight() {
	for h.inFlight > 0 {
		<-h.results
		h.inFlight--
	}
}

func (h *Handler) nextDeadline() time.Duration {
	wait := time.Hour
	now := h.now()
	for consumerID, q := range h.queues {
		if len(q.inFlight) > 0 || len(q.pending) == 0 {
			continue
		}
		_, timeout := h.batchPolicy(consumerID)
		remaining := timeout - now.Sub(q.pending[0].at)
		if remaining < 0 {
			remaining = 0
		}
		if remaining < wait {
			wait = remaining
		}
	}
	return wait
}

func (h *Handler) batchPolicy(consumerID string) (int, time.Duration) {
	size, timeout := 1, time.Duration(0)
	if h.policy != nil {
		size, timeout = h.policy.BatchPolicy(consumerID)
	}
	if size < 1 {
		size = 1
	}
	return size, timeout
}
