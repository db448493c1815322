package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/rs/zerolog/log"
)

// ErrPoolClosed is returned for batches still in flight when the pool closes.
var ErrPoolClosed = errors.New("delivery pool closed")

// Pool dispatches partition batches to the worker owning each consumer.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	closed  bool
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{workers: make(map[string]*Worker)}
}

// Deliver implements partition.Deliverer. Messages for a consumer that was
// removed are dropped with a warning. A batch whose worker is replaced while
// it is in flight is handed to the replacement.
func (p *Pool) Deliver(ctx context.Context, consumerID string, msgs []connector.RoutedMessage) error {
	for {
		p.mu.RLock()
		w, ok := p.workers[consumerID]
		closed := p.closed
		p.mu.RUnlock()
		if closed {
			return ErrPoolClosed
		}
		if !ok {
			log.Warn().Str("consumer", consumerID).Int("messages", len(msgs)).Msg("no worker for consumer, dropping batch")
			return nil
		}
		err := w.Deliver(ctx, msgs)
		if !errors.Is(err, ErrRetired) {
			return err
		}
		log.Info().Str("consumer", consumerID).Int("messages", len(msgs)).Msg("worker replaced, redelivering batch")
	}
}

// Put installs w for its consumer, closing the sink it replaces.
func (p *Pool) Put(ctx context.Context, w *Worker) error {
	p.mu.Lock()
	prev := p.workers[w.Consumer.ID]
	p.workers[w.Consumer.ID] = w
	p.mu.Unlock()
	if prev == nil || prev == w {
		return nil
	}
	prev.Retire()
	if prev.Sink != w.Sink {
		return prev.Sink.Close(ctx)
	}
	return nil
}

// Remove closes and forgets the worker for id.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	delete(p.workers, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	w.Retire()
	return w.Sink.Close(ctx)
}

// Worker returns the worker for id.
func (p *Pool) Worker(id string) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[id]
	return w, ok
}

// IDs lists installed consumers.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close closes every sink.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	workers := p.workers
	p.workers = make(map[string]*Worker)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, w := range workers {
		w.Retire()
		if err := w.Sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
