// Package ops serves the operator HTTP surface: health, metrics, slot and
// consumer status, dead letters and backfill triggers.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/abc3/sequin/internal/checkpoint"
	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/internal/deadletter"
	"github.com/abc3/sequin/internal/slot"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

const defaultDeadLetterLimit = 100

// SlotLister reports supervised slots.
type SlotLister interface {
	Status() []slot.Status
}

// BackfillFunc starts a backfill of tables into slot. It returns once the
// run is accepted; the copy itself continues in the background.
type BackfillFunc func(slotName string, tables []string) error

// Server exposes the ops endpoints. Nil collaborators disable their routes.
type Server struct {
	Slots       SlotLister
	Health      *consumer.HealthRegistry
	DeadLetters deadletter.Store
	Checkpoints checkpoint.Store
	Metrics     http.Handler
	Backfill    BackfillFunc

	srv *http.Server
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}
	if s.Slots != nil {
		r.Get("/slots", s.handleSlots)
	}
	if s.Backfill != nil {
		r.Post("/slots/{slot}/backfill", s.handleBackfill)
	}
	if s.Checkpoints != nil {
		r.Get("/checkpoints", s.handleCheckpoints)
	}
	r.Route("/consumers", func(r chi.Router) {
		r.Get("/", s.handleConsumers)
		if s.DeadLetters != nil {
			r.Get("/{id}/dead-letters", s.handleDeadLetters)
		}
	})
	return r
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("ops server stopped")
		}
	}()
	log.Info().Str("addr", listener.Addr().String()).Msg("ops server listening")
	return listener.Addr(), nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status    string   `json:"status"`
	Stopped   []string `json:"stopped_slots,omitempty"`
	Failing   []string `json:"failing_consumers,omitempty"`
	CheckedAt string   `json:"checked_at"`
}

// handleHealth reports 503 while any slot is stopped. Failing consumers are
// listed but do not fail the check; their slots keep streaming.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", CheckedAt: time.Now().UTC().Format(time.RFC3339)}
	if s.Slots != nil {
		for _, st := range s.Slots.Status() {
			if st.State == slot.StateStopped {
				resp.Stopped = append(resp.Stopped, st.Slot)
			}
		}
	}
	if s.Health != nil {
		for _, h := range s.Health.Snapshot() {
			if h.State == consumer.StateFailing {
				resp.Failing = append(resp.Failing, h.ConsumerID)
			}
		}
	}
	status := http.StatusOK
	if len(resp.Stopped) > 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSlots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"slots": s.Slots.Status()})
}

type backfillRequest struct {
	Tables []string `json:"tables"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Tables) == 0 {
		writeError(w, http.StatusBadRequest, "tables are required")
		return
	}
	slotName := chi.URLParam(r, "slot")
	if err := s.Backfill(slotName, req.Tables); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, slot.ErrUnknownSlot) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"slot": slotName, "tables": req.Tables})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	items, err := s.Checkpoints.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": items})
}

func (s *Server) handleConsumers(w http.ResponseWriter, _ *http.Request) {
	var items []consumer.Health
	if s.Health != nil {
		items = s.Health.Snapshot()
	}
	if items == nil {
		items = []consumer.Health{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"consumers": items})
}

type deadLetterView struct {
	Seq       uint64          `json:"seq"`
	MessageID string          `json:"message_id"`
	GroupKey  string          `json:"group_key"`
	Table     string          `json:"table"`
	Position  string          `json:"position"`
	Reason    string          `json:"reason"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RawBase64 []byte          `json:"payload_base64,omitempty"`
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.DeadLetters.List(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.DeadLetters.Count(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]deadLetterView, 0, len(entries))
	for _, e := range entries {
		view := deadLetterView{
			Seq: e.Seq, MessageID: e.MessageID, GroupKey: e.GroupKey, Table: e.Table,
			Position: e.Position, Reason: e.Reason, At: e.At,
		}
		if json.Valid(e.Payload) {
			view.Payload = e.Payload
		} else {
			view.RawBase64 = e.Payload
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"consumer_id": id, "total": total, "entries": views})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("write ops response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
