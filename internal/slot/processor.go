// Package slot runs one replication slot end to end: it reads the change
// stream, hands committed transactions to the router and reports the flush
// position the partitions have made safe.
package slot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/abc3/sequin/internal/partition"
	"github.com/abc3/sequin/internal/replication"
	"github.com/abc3/sequin/internal/retry"
	"github.com/abc3/sequin/internal/router"
	"github.com/abc3/sequin/internal/telemetry"
	"github.com/abc3/sequin/pkg/connector"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a processor.
type State string

const (
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

var states = []State{StateConnecting, StateStreaming, StateReconnecting, StateStopped}

const (
	DefaultStatusInterval = 10 * time.Second
	DefaultDrainTimeout   = 30 * time.Second
	DefaultDispatchQueue  = 64
)

// ErrNotRunning is returned by Backfill when the processor has no pipeline.
var ErrNotRunning = errors.New("slot processor is not running")

// Config describes one replication slot.
type Config struct {
	Name           string        `mapstructure:"name" json:"name" validate:"required"`
	Publication    string        `mapstructure:"publication" json:"publication" validate:"required"`
	Partitions     int           `mapstructure:"partitions" json:"partitions" validate:"gte=0,lte=1024"`
	RestartLSN     string        `mapstructure:"restart_lsn" json:"restart_lsn,omitempty"`
	CreateSlot     bool          `mapstructure:"create_slot" json:"create_slot,omitempty"`
	StatusInterval time.Duration `mapstructure:"status_interval" json:"status_interval,omitempty"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout" json:"drain_timeout,omitempty"`
	DispatchQueue  int           `mapstructure:"dispatch_queue" json:"dispatch_queue,omitempty" validate:"gte=0"`
	QueueSize      int           `mapstructure:"queue_size" json:"queue_size,omitempty" validate:"gte=0"`
	MaxBuffered    int           `mapstructure:"max_buffered" json:"max_buffered,omitempty" validate:"gte=0"`
	Reconnect      retry.Backoff `mapstructure:"reconnect" json:"reconnect"`
}

func (c *Config) applyDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = partition.DefaultPartitions
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.DispatchQueue <= 0 {
		c.DispatchQueue = DefaultDispatchQueue
	}
}

// Deps are the collaborators shared by every processor run.
type Deps struct {
	Dial        func(cfg Config) replication.Conn
	Router      func(slot string) *router.Router
	Deliverer   partition.Deliverer
	Checkpoints connector.CheckpointStore
	TypeMap     *pgtype.Map
}

// work is one unit handed from the reader to the dispatcher.
type work struct {
	txn      *connector.Transaction
	backfill []connector.ChangeRecord
	done     chan error
}

// Processor owns a slot's replication session and its partitioned pipeline.
// It is single use: a restart builds a new one.
//
// The reader (Run's goroutine) owns the connection and is the only sender of
// status updates; the dispatcher goroutine is the only caller of the router.
type Processor struct {
	cfg    Config
	deps   Deps
	router *router.Router

	state    atomic.Value
	streamed atomic.Bool
	flushed  atomic.Uint64
	queue    atomic.Pointer[chan work]
	stopped  chan struct{}

	// owned by the reader goroutine
	session *session
	tracker flushTracker
	start   connector.LSN
	walEnd  connector.LSN
	handed  connector.LSN
	lastTxn connector.LSN

	sleep func(context.Context, time.Duration) error
}

type session struct {
	conn      replication.Conn
	decoder   *replication.Decoder
	assembler *replication.Assembler
}

// NewProcessor prepares a processor; Run starts it.
func NewProcessor(cfg Config, deps Deps) *Processor {
	cfg.applyDefaults()
	p := &Processor{cfg: cfg, deps: deps, stopped: make(chan struct{}), sleep: retry.Sleep}
	if deps.Router != nil {
		p.router = deps.Router(cfg.Name)
	}
	if p.router == nil {
		p.router = router.New(cfg.Name)
	}
	p.setState(StateConnecting)
	return p
}

// Name returns the slot name.
func (p *Processor) Name() string { return p.cfg.Name }

// State returns the current lifecycle state.
func (p *Processor) State() State {
	return p.state.Load().(State)
}

// FlushLSN is the last position confirmed to the server.
func (p *Processor) FlushLSN() connector.LSN {
	return connector.LSN(p.flushed.Load())
}

func (p *Processor) setState(state State) {
	p.state.Store(state)
	if state == StateStreaming {
		p.streamed.Store(true)
	}
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1
		}
		telemetry.SlotState.With(p.cfg.Name, string(s)).Set(value)
	}
}

// Run streams until ctx ends or a fatal error occurs. Connection failures
// are retried with backoff; protocol errors and flush invariant violations
// stop the processor and are returned.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.stopped)
	defer p.setState(StateStopped)
	if p.deps.Deliverer == nil {
		return errors.New("slot processor requires a deliverer")
	}

	start, err := p.startPosition(ctx)
	if err != nil {
		return err
	}
	p.start, p.handed = start, start
	p.tracker = flushTracker{slot: p.cfg.Name, confirmed: start, partitions: start}
	p.flushed.Store(uint64(start))

	set, err := partition.NewSet(p.cfg.Name, start, partition.Config{
		Partitions:  p.cfg.Partitions,
		QueueSize:   p.cfg.QueueSize,
		MaxBuffered: p.cfg.MaxBuffered,
		Deliverer:   p.deps.Deliverer,
		Policy:      p.router,
	})
	if err != nil {
		return err
	}
	partCtx, cancelParts := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelParts()
	set.Start(partCtx)

	runCtx, failRun := context.WithCancelCause(ctx)
	defer failRun(nil)
	queue := make(chan work, p.cfg.DispatchQueue)
	p.queue.Store(&queue)
	dispatchCtx, cancelDispatch := context.WithCancel(runCtx)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		p.dispatch(dispatchCtx, queue, set, failRun)
	}()

	log.Info().Str("slot", p.cfg.Name).Str("publication", p.cfg.Publication).
		Str("lsn", start.String()).Int("partitions", set.Len()).Msg("slot processor starting")

	runErr := p.stream(runCtx, set, queue)
	if ctx.Err() == nil && runCtx.Err() != nil {
		runErr = context.Cause(runCtx)
	}

	p.queue.Store(nil)
	cancelDispatch()
	<-dispatchDone
	p.drain(set, cancelParts)
	p.finish(set, runErr)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Str("slot", p.cfg.Name).Msg("slot processor stopped")
		return runErr
	}
	log.Info().Str("slot", p.cfg.Name).Str("lsn", p.FlushLSN().String()).Msg("slot processor stopped")
	return nil
}

// Backfill routes read records through the slot's dispatcher. It returns
// once they are enqueued on partitions.
func (p *Processor) Backfill(ctx context.Context, records []connector.ChangeRecord) error {
	queue := p.queue.Load()
	if queue == nil {
		return ErrNotRunning
	}
	item := work{backfill: records, done: make(chan error, 1)}
	select {
	case *queue <- item:
	case <-p.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-item.done:
		return err
	case <-p.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) startPosition(ctx context.Context) (connector.LSN, error) {
	start, err := connector.ParseLSN(p.cfg.RestartLSN)
	if err != nil {
		return 0, fmt.Errorf("slot %s: parse restart_lsn: %w", p.cfg.Name, err)
	}
	if p.deps.Checkpoints == nil {
		return start, nil
	}
	cp, err := p.deps.Checkpoints.Get(ctx, p.cfg.Name)
	if errors.Is(err, connector.ErrNotFound) {
		return start, nil
	}
	if err != nil {
		return 0, fmt.Errorf("slot %s: load checkpoint: %w", p.cfg.Name, err)
	}
	stored, err := connector.ParseLSN(cp.LSN)
	if err != nil {
		return 0, fmt.Errorf("slot %s: parse checkpoint %q: %w", p.cfg.Name, cp.LSN, err)
	}
	return max(start, stored), nil
}

// dispatch is the only caller of the router for this slot. A rejected
// backfill batch fails only its caller; a transaction that cannot be routed
// stops the processor through fail.
func (p *Processor) dispatch(ctx context.Context, queue <-chan work, set *partition.Set, fail context.CancelCauseFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-queue:
			if item.txn == nil {
				err := p.router.RouteBackfill(ctx, item.backfill, set)
				if err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Str("slot", p.cfg.Name).Int("records", len(item.backfill)).Msg("backfill batch rejected")
				}
				item.done <- err
				continue
			}
			err := p.router.Route(ctx, item.txn, set)
			if item.done != nil {
				item.done <- err
			}
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Str("slot", p.cfg.Name).Msg("dispatch failed")
					fail(fmt.Errorf("slot %s: dispatch transaction %s: %w", p.cfg.Name, item.txn.CommitLSN, err))
				}
				return
			}
		}
	}
}

// stream runs replication sessions until ctx ends or a fatal error.
func (p *Processor) stream(ctx context.Context, set *partition.Set, queue chan work) error {
	attempt := 0
	for {
		err := p.runSession(ctx, set, queue, &attempt)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if isFatal(err) {
			return err
		}

		attempt++
		p.setState(StateReconnecting)
		telemetry.ReconnectsTotal.With(p.cfg.Name).Inc()
		delay := p.cfg.Reconnect.Duration(attempt)
		log.Warn().Err(err).Str("slot", p.cfg.Name).Int("attempt", attempt).Dur("backoff", delay).
			Str("lsn", p.tracker.confirmed.String()).Msg("replication session lost, reconnecting")
		p.closeSession(ctx)
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func isFatal(err error) bool {
	return errors.Is(err, connector.ErrProtocol) || errors.Is(err, connector.ErrFlushInvariant)
}

func (p *Processor) runSession(ctx context.Context, set *partition.Set, queue chan work, attempt *int) error {
	p.setState(StateConnecting)
	conn := p.deps.Dial(p.cfg)
	catalog := replication.NewCatalog(p.deps.TypeMap)
	p.session = &session{
		conn:      conn,
		decoder:   replication.NewDecoder(catalog, p.deps.TypeMap),
		assembler: replication.NewAssembler(),
	}
	if err := conn.Start(ctx, p.cfg.Name, p.cfg.Publication, p.tracker.confirmed); err != nil {
		return err
	}
	p.setState(StateStreaming)
	log.Info().Str("slot", p.cfg.Name).Str("lsn", p.tracker.confirmed.String()).Msg("replication streaming")

	ticker := time.NewTicker(p.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.sendStatus(ctx, set); err != nil {
				return err
			}
		default:
		}

		msg, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		*attempt = 0

		switch msg.Kind {
		case replication.MessageKeepalive:
			if msg.ServerWALEnd > p.walEnd {
				p.walEnd = msg.ServerWALEnd
			}
			if msg.ReplyRequested {
				if err := p.sendStatus(ctx, set); err != nil {
					return err
				}
			}
		case replication.MessageXLogData:
			if err := p.handleXLogData(ctx, msg, set, queue, ticker); err != nil {
				return err
			}
		}
	}
}

func (p *Processor) handleXLogData(ctx context.Context, msg *replication.Message, set *partition.Set, queue chan work, ticker *time.Ticker) error {
	event, err := p.session.decoder.Decode(msg.XLogData())
	if err != nil {
		return err
	}
	txn, err := p.session.assembler.Push(event)
	if err != nil || txn == nil {
		return err
	}
	telemetry.TransactionsTotal.With(p.cfg.Name).Inc()

	// After a reconnect the server resends from the confirmed flush;
	// transactions already handed to partitions are skipped.
	if txn.EndLSN <= p.start || (p.lastTxn != 0 && txn.CommitLSN <= p.lastTxn) {
		log.Debug().Str("slot", p.cfg.Name).Str("commit_lsn", txn.CommitLSN.String()).Msg("skipping replayed transaction")
		return nil
	}

	item := work{txn: txn}
	for {
		select {
		case queue <- item:
			p.lastTxn = txn.CommitLSN
			if txn.EndLSN > p.handed {
				p.handed = txn.EndLSN
			}
			return nil
		case <-ticker.C:
			if err := p.sendStatus(ctx, set); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendStatus reports the partitions' flush position, or the server's WAL
// end when nothing is outstanding, and persists it.
func (p *Processor) sendStatus(ctx context.Context, set *partition.Set) error {
	idle := !p.session.assembler.InTransaction()
	report, err := p.tracker.next(set.FlushLSN(), p.handed, p.walEnd, idle)
	if err != nil {
		return err
	}
	if err := p.session.conn.SendStatus(ctx, report); err != nil {
		return err
	}
	p.commit(ctx, report)
	return nil
}

func (p *Processor) commit(ctx context.Context, report connector.LSN) {
	previous := connector.LSN(p.flushed.Swap(uint64(report)))
	telemetry.FlushLSN.With(p.cfg.Name).Set(float64(report))
	if report == previous || p.deps.Checkpoints == nil {
		return
	}
	err := p.deps.Checkpoints.Put(ctx, p.cfg.Name, connector.Checkpoint{
		LSN:       report.String(),
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"publication": p.cfg.Publication},
	})
	if err != nil {
		log.Warn().Err(err).Str("slot", p.cfg.Name).Str("lsn", report.String()).Msg("persist checkpoint")
	}
}

// drain lets partitions finish what they hold, then abandons the rest.
// Abandoned messages were never flushed and are replayed after a restart.
func (p *Processor) drain(set *partition.Set, cancel context.CancelFunc) {
	set.Close()
	done := make(chan struct{})
	go func() {
		set.Wait()
		close(done)
	}()
	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn().Str("slot", p.cfg.Name).Dur("timeout", p.cfg.DrainTimeout).Msg("drain timed out, abandoning in-flight deliveries")
		cancel()
		<-done
	}
}

// finish sends a last status for what the drain delivered and closes the
// session.
func (p *Processor) finish(set *partition.Set, runErr error) {
	if p.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !isFatal(runErr) {
		if err := p.sendStatus(ctx, set); err != nil {
			log.Debug().Err(err).Str("slot", p.cfg.Name).Msg("final status update")
		}
	}
	p.closeSession(ctx)
}

func (p *Processor) closeSession(ctx context.Context) {
	if p.session == nil {
		return
	}
	if err := p.session.conn.Close(ctx); err != nil {
		log.Debug().Err(err).Str("slot", p.cfg.Name).Msg("close replication session")
	}
	p.session = nil
}

// flushTracker enforces that the reported flush never moves backwards and
// never passes a transaction that has not been handed to partitions.
type flushTracker struct {
	slot       string
	confirmed  connector.LSN
	partitions connector.LSN
}

func (t *flushTracker) next(computed, handed, walEnd connector.LSN, idle bool) (connector.LSN, error) {
	if computed < t.partitions || computed > handed {
		return 0, &connector.FlushInvariantViolation{
			Slot:     t.slot,
			Computed: computed,
			Previous: t.partitions,
			Limit:    handed,
		}
	}
	t.partitions = computed

	report := computed
	if idle && computed == handed && walEnd > report {
		report = walEnd
	}
	if report < t.confirmed {
		report = t.confirmed
	}
	t.confirmed = report
	return report, nil
}
