package partition

import (
	"context"
	"errors"
	"sync"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/cespare/xxhash/v2"
)

const (
	DefaultPartitions  = 8
	DefaultQueueSize   = 1024
	DefaultMaxBuffered = 4096
)

// Config sizes a partition set.
type Config struct {
	Partitions  int
	QueueSize   int
	MaxBuffered int
	Deliverer   Deliverer
	Policy      BatchPolicy
}

func (c *Config) applyDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = DefaultPartitions
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = DefaultMaxBuffered
	}
}

// Set is the fixed group of partition handlers for one slot.
type Set struct {
	handlers []*Handler
	wg       sync.WaitGroup
}

// NewSet builds cfg.Partitions handlers whose low-water marks start at start.
func NewSet(slot string, start connector.LSN, cfg Config) (*Set, error) {
	if cfg.Deliverer == nil {
		return nil, errors.New("partition deliverer is required")
	}
	cfg.applyDefaults()
	set := &Set{handlers: make([]*Handler, cfg.Partitions)}
	for idx := range set.handlers {
		set.handlers[idx] = newHandler(idx, slot, start, cfg)
	}
	return set, nil
}

// Start launches every handler.
func (s *Set) Start(ctx context.Context) {
	for _, h := range s.handlers {
		s.wg.Add(1)
		go func(h *Handler) {
			defer s.wg.Done()
			h.Run(ctx)
		}(h)
	}
}

// Wait blocks until every handler has returned.
func (s *Set) Wait() {
	s.wg.Wait()
}

// Close stops intake on every handler; they drain and exit.
func (s *Set) Close() {
	for _, h := range s.handlers {
		h.Close()
	}
}

// Len returns the number of partitions.
func (s *Set) Len() int {
	return len(s.handlers)
}

// Handler returns partition idx.
func (s *Set) Handler(idx int) *Handler {
	return s.handlers[idx]
}

// PartitionFor maps a group key onto a partition index.
func (s *Set) PartitionFor(groupKey string) int {
	return int(xxhash.Sum64String(groupKey) % uint64(len(s.handlers)))
}

// Enqueue hands msg to its partition, blocking while that partition is full.
func (s *Set) Enqueue(ctx context.Context, msg connector.RoutedMessage) error {
	return s.handlers[msg.Partition].Enqueue(ctx, Item{Msg: &msg})
}

// Mark tells every partition that all messages of the transaction ending at
// end have been enqueued.
func (s *Set) Mark(ctx context.Context, end connector.LSN) error {
	for _, h := range s.handlers {
		if err := h.Enqueue(ctx, Item{Mark: end}); err != nil {
			return err
		}
	}
	return nil
}

// FlushLSN is the minimum low-water mark across partitions: the highest
// position at which every tracked message has been delivered.
func (s *Set) FlushLSN() connector.LSN {
	var flush connector.LSN
	for idx, h := range s.handlers {
		lw := h.LowWater()
		if idx == 0 || lw < flush {
			flush = lw
		}
	}
	return flush
}
