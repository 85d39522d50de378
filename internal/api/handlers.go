package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"copyvault/internal/domain"
	"copyvault/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  "store unreachable",
		})
		return
	}

	if s.nc != nil && !s.nc.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  "NATS disconnected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.StrategyFilter{
		Status: q.Get("status"),
		Trader: q.Get("trader"),
	}
	if !store.ValidStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput),
			"invalid status: must be active, inactive, or all")
		return
	}

	strategies, err := s.engine.Store().ListStrategies(r.Context(), filter)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, strategies)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Store().GetStrategy(r.Context(), chi.URLParam(r, "strategyId"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyId")
	q := r.URL.Query()
	status := q.Get("status")
	if status == "" {
		status = "active"
	}
	if !store.ValidStatus(status) {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput),
			"invalid status: must be active, inactive, or all")
		return
	}

	if _, err := s.engine.Store().GetStrategy(r.Context(), strategyID); err != nil {
		writeLedgerError(w, r, err)
		return
	}

	positions, err := s.engine.Store().ListPositions(r.Context(), store.PositionFilter{
		StrategyID: strategyID,
		User:       q.Get("user"),
		Status:     status,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Store().GetPosition(r.Context(), chi.URLParam(r, "positionId"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyId")
	positionID := chi.URLParam(r, "positionId")
	q := r.URL.Query()

	filter := store.TradeFilter{Cursor: q.Get("cursor")}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput), "invalid limit")
			return
		}
		filter.Limit = limit
	}

	if startStr := q.Get("start"); startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput), "invalid start time")
			return
		}
		filter.Start = &t
	}

	if endStr := q.Get("end"); endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput), "invalid end time")
			return
		}
		filter.End = &t
	}

	p, err := s.engine.Store().GetPosition(r.Context(), positionID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if p.Strategy != strategyID {
		writeError(w, http.StatusNotFound, string(domain.KindNotFound), "position not found in strategy")
		return
	}

	// Trades of earlier subscriptions are only listed on request.
	switch q.Get("scope") {
	case "", "current":
		filter.SubscribedAt = &p.SubscribedAt
	case "all":
	default:
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput), "scope must be current or all")
		return
	}

	result, err := s.engine.Store().ListTrades(r.Context(), positionID, filter)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
