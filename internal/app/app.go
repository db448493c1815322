// Package app wires the stores, sinks, slot supervisor and ops server into a
// running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/abc3/sequin/internal/backfill"
	"github.com/abc3/sequin/internal/checkpoint"
	"github.com/abc3/sequin/internal/config"
	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/internal/deadletter"
	"github.com/abc3/sequin/internal/delivery"
	"github.com/abc3/sequin/internal/ops"
	"github.com/abc3/sequin/internal/replication"
	"github.com/abc3/sequin/internal/router"
	"github.com/abc3/sequin/internal/runner"
	"github.com/abc3/sequin/internal/slot"
	"github.com/abc3/sequin/internal/telemetry"
	"github.com/abc3/sequin/pkg/connector"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

// Option customizes an App.
type Option func(*App)

// WithSinks replaces the configured destination of the given consumers.
func WithSinks(sinks map[string]connector.Sink) Option {
	return func(a *App) {
		a.factory.Overrides = sinks
	}
}

// WithDialer replaces the replication connection factory.
func WithDialer(dial func(slot.Config) replication.Conn) Option {
	return func(a *App) {
		a.dial = dial
	}
}

// App owns every long-lived component of the service.
type App struct {
	factory     runner.Factory
	dial        func(slot.Config) replication.Conn
	checkpoints checkpoint.Store
	deadLetters deadletter.Store
	health      *consumer.HealthRegistry
	pool        *delivery.Pool
	supervisor  *slot.Supervisor
	ops         *ops.Server

	mu        sync.Mutex
	cfg       *config.Config
	routers   map[string]*router.Router
	consumers map[string]consumer.Consumer
	pgPool    *pgxpool.Pool

	backfillCtx     context.Context
	cancelBackfills context.CancelFunc
	backfills       sync.WaitGroup
}

// New opens the stores and sinks named by cfg. Nothing streams until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		health:    consumer.NewHealthRegistry(),
		pool:      delivery.NewPool(),
		routers:   make(map[string]*router.Router),
		consumers: make(map[string]consumer.Consumer),
	}
	a.backfillCtx, a.cancelBackfills = context.WithCancel(context.WithoutCancel(ctx))
	a.dial = func(sc slot.Config) replication.Conn {
		return replication.NewPostgresConn(a.cfg.Postgres.ReplicationDSN, replication.WithCreateSlot(sc.CreateSlot))
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.factory.Validate(cfg.Consumers); err != nil {
		return nil, err
	}

	cpCfg := cfg.Checkpoints
	if cpCfg.DSN == "" {
		cpCfg.DSN = cfg.Postgres.DSN
	}
	checkpoints, err := checkpoint.Open(ctx, cpCfg)
	if err != nil {
		return nil, err
	}
	a.checkpoints = checkpoints

	if cfg.DeadLetters.Path != "" {
		store, err := deadletter.OpenPebble(cfg.DeadLetters.Path)
		if err != nil {
			_ = checkpoints.Close()
			return nil, err
		}
		a.deadLetters = store
	} else {
		a.deadLetters = deadletter.NewMemoryStore()
	}

	a.supervisor = slot.NewSupervisor(slot.Deps{
		Dial:        func(sc slot.Config) replication.Conn { return a.dial(sc) },
		Router:      a.router,
		Deliverer:   a.pool,
		Checkpoints: a.checkpoints,
	}, cfg.Supervisor.Restart)

	if err := a.applyConsumers(ctx, cfg); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.ops = &ops.Server{
		Slots:       a.supervisor,
		Health:      a.health,
		DeadLetters: a.deadLetters,
		Checkpoints: a.checkpoints,
		Backfill:    a.StartBackfill,
	}
	if cfg.Ops.Metrics {
		telemetry.Initialize()
		a.ops.Metrics = telemetry.Handler()
	}
	return a, nil
}

// Run starts every configured slot and the ops server, then blocks until
// ctx is cancelled and everything has shut down.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) error {
	a, err := New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// Run streams until ctx ends.
func (a *App) Run(ctx context.Context) error {
	defer a.close(context.WithoutCancel(ctx))

	if a.cfg.Ops.Listen != "" {
		if _, err := a.ops.Start(a.cfg.Ops.Listen); err != nil {
			return fmt.Errorf("start ops server: %w", err)
		}
	}
	for _, sc := range a.cfg.Slots {
		if err := a.supervisor.Start(ctx, sc); err != nil {
			a.supervisor.StopAll()
			return err
		}
		log.Info().Str("slot", sc.Name).Str("publication", sc.Publication).Msg("slot started")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// Supervisor exposes the slot supervisor.
func (a *App) Supervisor() *slot.Supervisor { return a.supervisor }

// Reload applies a new configuration revision. Consumers are added, replaced
// and removed in place; slots that appear are started and slots that vanish
// are stopped. Changes to a running slot's settings need a restart.
func (a *App) Reload(ctx context.Context, next *config.Config) error {
	a.mu.Lock()
	prev := a.cfg
	a.mu.Unlock()

	if err := a.factory.Validate(next.Consumers); err != nil {
		return err
	}
	if err := a.applyConsumers(ctx, next); err != nil {
		return err
	}

	var errs []error
	for _, sc := range prev.Slots {
		nextSlot, ok := next.Slot(sc.Name)
		switch {
		case !ok:
			if err := a.supervisor.Stop(sc.Name); err != nil && !errors.Is(err, slot.ErrUnknownSlot) {
				errs = append(errs, err)
			}
			log.Info().Str("slot", sc.Name).Msg("slot removed")
		case !reflect.DeepEqual(sc, nextSlot):
			log.Warn().Str("slot", sc.Name).Msg("slot settings changed; restart to apply")
		}
	}
	for _, sc := range next.Slots {
		if _, ok := prev.Slot(sc.Name); ok {
			continue
		}
		if err := a.supervisor.Start(ctx, sc); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info().Str("slot", sc.Name).Msg("slot added")
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
	return errors.Join(errs...)
}

// applyConsumers installs workers for every new or changed consumer, swaps
// each slot's routing table, and only then retires workers that are no
// longer routed to.
func (a *App) applyConsumers(ctx context.Context, cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bySlot := make(map[string][]*consumer.Compiled, len(cfg.Slots))
	var pending []*delivery.Worker
	for _, c := range cfg.Consumers {
		compiled, err := consumer.Compile(c)
		if err != nil {
			return err
		}
		bySlot[c.Slot] = append(bySlot[c.Slot], compiled)

		if prev, ok := a.consumers[c.ID]; ok && reflect.DeepEqual(prev, c) {
			if _, ok := a.pool.Worker(c.ID); ok {
				continue
			}
		}
		sink, err := a.factory.Open(ctx, c)
		if err != nil {
			for _, w := range pending {
				_ = w.Sink.Close(ctx)
			}
			return err
		}
		pending = append(pending, delivery.NewWorker(compiled, sink, cfg.Delivery.Backoff, a.deadLetters, a.health))
	}

	for _, w := range pending {
		if err := a.pool.Put(ctx, w); err != nil {
			log.Warn().Err(err).Str("consumer", w.Consumer.ID).Msg("close replaced sink")
		}
	}
	for _, sc := range cfg.Slots {
		a.routerLocked(sc.Name).Replace(bySlot[sc.Name])
	}
	for name, r := range a.routers {
		if _, ok := cfg.Slot(name); !ok {
			r.Replace(nil)
		}
	}

	next := make(map[string]consumer.Consumer, len(cfg.Consumers))
	for _, c := range cfg.Consumers {
		next[c.ID] = c
	}
	for _, id := range a.pool.IDs() {
		if _, ok := next[id]; ok {
			continue
		}
		if err := a.pool.Remove(ctx, id); err != nil {
			log.Warn().Err(err).Str("consumer", id).Msg("close removed sink")
		}
		a.health.Remove(id)
		log.Info().Str("consumer", id).Msg("consumer removed")
	}
	a.consumers = next
	return nil
}

func (a *App) router(slotName string) *router.Router {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.routerLocked(slotName)
}

func (a *App) routerLocked(slotName string) *router.Router {
	r, ok := a.routers[slotName]
	if !ok {
		r = router.New(slotName)
		a.routers[slotName] = r
	}
	return r
}

// StartBackfill validates the request and copies tables into slotName in
// the background. Running copies are cancelled on shutdown.
func (a *App) StartBackfill(slotName string, tables []string) error {
	ctx := a.backfillCtx
	if _, ok := a.supervisor.Processor(slotName); !ok {
		return fmt.Errorf("%w: %s", slot.ErrUnknownSlot, slotName)
	}
	for _, table := range tables {
		if _, err := backfill.ParseTable(table); err != nil {
			return err
		}
	}
	scanner, err := a.scanner(ctx)
	if err != nil {
		return err
	}

	a.backfills.Add(1)
	go func() {
		defer a.backfills.Done()
		results, err := scanner.Run(ctx, slotName, tables)
		if err != nil {
			log.Error().Err(err).Str("slot", slotName).Strs("tables", tables).Msg("backfill failed")
			return
		}
		var rows int64
		for _, res := range results {
			rows += res.Rows
		}
		log.Info().Str("slot", slotName).Int("tables", len(results)).Int64("rows", rows).Msg("backfill complete")
	}()
	return nil
}

// Backfill copies tables into slotName and waits for the copy to finish.
func (a *App) Backfill(ctx context.Context, slotName string, tables []string) ([]backfill.Result, error) {
	scanner, err := a.scanner(ctx)
	if err != nil {
		return nil, err
	}
	return scanner.Run(ctx, slotName, tables)
}

func (a *App) scanner(ctx context.Context) (*backfill.Scanner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.Postgres.DSN == "" {
		return nil, errors.New("postgres.dsn is required for backfills")
	}
	if a.pgPool == nil {
		pool, err := pgxpool.New(ctx, a.cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect backfill pool: %w", err)
		}
		a.pgPool = pool
	}
	return backfill.NewScanner(a.pgPool, a.supervisor, a.cfg.Backfill), nil
}

func (a *App) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if a.ops != nil {
		if err := a.ops.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("ops server shutdown")
		}
	}
	if a.supervisor != nil {
		a.supervisor.StopAll()
	}
	a.cancelBackfills()
	a.backfills.Wait()
	if err := a.pool.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("close sinks")
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.deadLetters != nil {
		if err := a.deadLetters.Close(); err != nil {
			log.Warn().Err(err).Msg("close dead letter store")
		}
	}
	if a.checkpoints != nil {
		if err := a.checkpoints.Close(); err != nil {
			log.Warn().Err(err).Msg("close checkpoint store")
		}
	}
}
