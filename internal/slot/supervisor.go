package slot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abc3/sequin/internal/retry"
	"github.com/abc3/sequin/internal/telemetry"
	"github.com/abc3/sequin/pkg/connector"
	"github.com/rs/zerolog/log"
)

// ErrSlotActive is returned when a slot already has a live processor.
var ErrSlotActive = errors.New("slot already has an active processor")

// ErrUnknownSlot is returned for slots the supervisor is not running.
var ErrUnknownSlot = errors.New("unknown slot")

// Status is a point-in-time view of a supervised slot.
type Status struct {
	Slot      string    `json:"slot"`
	State     State     `json:"state"`
	FlushLSN  string    `json:"flush_lsn"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type handle struct {
	cfg     Config
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	mu       sync.Mutex
	proc     *Processor
	restarts int
	lastErr  error
	halted   bool
}

func (h *handle) status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{Slot: h.cfg.Name, State: StateStopped, Restarts: h.restarts, StartedAt: h.started}
	if h.proc != nil {
		st.FlushLSN = h.proc.FlushLSN().String()
		if !h.halted {
			st.State = h.proc.State()
		}
	}
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	return st
}

// Supervisor keeps at most one processor per slot name alive, restarting
// processors that stop on protocol errors with a fresh pipeline.
type Supervisor struct {
	deps    Deps
	restart retry.Backoff
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time

	mu    sync.Mutex
	slots map[string]*handle
}

// NewSupervisor returns a supervisor with no slots.
func NewSupervisor(deps Deps, restart retry.Backoff) *Supervisor {
	return &Supervisor{
		deps:    deps,
		restart: restart,
		sleep:   retry.Sleep,
		now:     time.Now,
		slots:   make(map[string]*handle),
	}
}

// Start launches a processor for cfg. A slot that is already supervised is
// rejected, even if its processor is between restarts.
func (s *Supervisor) Start(ctx context.Context, cfg Config) error {
	if cfg.Name == "" {
		return errors.New("slot name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.slots[cfg.Name]; ok {
		select {
		case <-h.done:
		default:
			return fmt.Errorf("%w: %s", ErrSlotActive, cfg.Name)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{cfg: cfg, cancel: cancel, done: make(chan struct{}), started: time.Now().UTC()}
	s.slots[cfg.Name] = h
	go s.supervise(runCtx, h)
	return nil
}

// stableAfter is how long a processor must run after reaching streaming
// for its next failure to restart the backoff from the first attempt.
func (s *Supervisor) stableAfter() time.Duration {
	if s.restart.Max > 0 {
		return s.restart.Max
	}
	return retry.Default.Max
}

func (s *Supervisor) supervise(ctx context.Context, h *handle) {
	defer close(h.done)
	attempt := 0
	for {
		proc := NewProcessor(h.cfg, s.deps)
		h.mu.Lock()
		h.proc = proc
		h.mu.Unlock()

		started := s.now()
		err := proc.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if proc.streamed.Load() && s.now().Sub(started) >= s.stableAfter() {
			attempt = 0
		}
		attempt++

		h.mu.Lock()
		h.lastErr = err
		h.mu.Unlock()

		if err != nil && errors.Is(err, connector.ErrFlushInvariant) {
			h.mu.Lock()
			h.halted = true
			h.mu.Unlock()
			log.Error().Err(err).Str("slot", h.cfg.Name).Msg("flush invariant violated, slot halted")
			return
		}

		reason := "exit"
		if errors.Is(err, connector.ErrProtocol) {
			reason = "protocol"
		} else if err != nil {
			reason = "error"
		}
		h.mu.Lock()
		h.restarts++
		h.mu.Unlock()
		telemetry.RestartsTotal.With(h.cfg.Name, reason).Inc()

		delay := s.restart.Duration(attempt)
		log.Warn().Err(err).Str("slot", h.cfg.Name).Str("reason", reason).Dur("backoff", delay).
			Str("lsn", proc.FlushLSN().String()).Msg("restarting slot processor")
		if err := s.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// Stop cancels the slot's processor and waits for it to drain.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	h, ok := s.slots[name]
	delete(s.slots, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
	}
	h.cancel()
	<-h.done
	return nil
}

// StopAll stops every slot concurrently.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.slots))
	for name, h := range s.slots {
		handles = append(handles, h)
		delete(s.slots, name)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

// Processor returns the current processor for name.
func (s *Supervisor) Processor(name string) (*Processor, bool) {
	s.mu.Lock()
	h, ok := s.slots[name]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc, h.proc != nil
}

// Backfill routes read records through the named slot.
func (s *Supervisor) Backfill(ctx context.Context, name string, records []connector.ChangeRecord) error {
	proc, ok := s.Processor(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
	}
	return proc.Backfill(ctx, records)
}

// Status lists supervised slots ordered by name.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.slots))
	for _, h := range s.slots {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Wait blocks until the named slot's supervision ends.
func (s *Supervisor) Wait(name string) {
	s.mu.Lock()
	h, ok := s.slots[name]
	s.mu.Unlock()
	if ok {
		<-h.done
	}
}
