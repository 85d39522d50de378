package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/rs/zerolog/log"

	"copyvault/internal/domain"
	"copyvault/internal/ingest"
)

// maxImportBatch bounds the number of trade results in one import request.
const maxImportBatch = 1000

// ImportRequest is the request body for POST /api/v1/import.
type ImportRequest struct {
	Trades []ingest.TradeResultEvent `json:"trades"`
}

// ImportResult holds the result of a single trade result import.
type ImportResult struct {
	TradeID string `json:"trade_id"`
	Status  string `json:"status"` // "applied", "duplicate", "error"
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ImportResponse is the response body for POST /api/v1/import.
type ImportResponse struct {
	Total      int            `json:"total"`
	Applied    int            `json:"applied"`
	Duplicates int            `json:"duplicates"`
	Errors     int            `json:"errors"`
	Results    []ImportResult `json:"results"`
}

// handleImportTrades applies a batch of the caller's trade results. Every
// event must name the caller as its trader.
func (s *Server) handleImportTrades(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput), fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if len(req.Trades) == 0 {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput), "trades array is empty")
		return
	}

	if len(req.Trades) > maxImportBatch {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput),
			fmt.Sprintf("too many trades: max %d per request", maxImportBatch))
		return
	}

	// Validate all trade results up front before applying any
	for i, event := range req.Trades {
		if err := event.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput),
				fmt.Sprintf("trade[%d] (%s): %v", i, event.TradeID, err))
			return
		}
		if event.Trader != caller {
			writeError(w, http.StatusForbidden, string(domain.KindUnauthorized),
				fmt.Sprintf("trade[%d] (%s): trader %s does not match caller", i, event.TradeID, event.Trader))
			return
		}
	}

	// Balances are path dependent, so apply in execution order.
	sort.SliceStable(req.Trades, func(i, j int) bool {
		return req.Trades[i].ExecutedAt().Before(req.Trades[j].ExecutedAt())
	})

	ctx := r.Context()
	resp := ImportResponse{
		Total:   len(req.Trades),
		Results: make([]ImportResult, 0, len(req.Trades)),
	}

	for _, event := range req.Trades {
		result := ImportResult{TradeID: event.TradeID}

		in, err := event.ToInput()
		if err == nil {
			in.Caller = caller
			_, err = s.engine.ExecuteTrade(ctx, in)
		}

		switch {
		case err == nil:
			result.Status = "applied"
			resp.Applied++
		case errors.Is(err, domain.ErrAlreadyExists):
			result.Status = "duplicate"
			resp.Duplicates++
		default:
			result.Status = "error"
			result.Code = string(domain.KindOf(err))
			result.Error = err.Error()
			resp.Errors++
			if result.Code == "" {
				log.Error().Err(err).Str("trade_id", event.TradeID).Msg("failed to import trade result")
			}
		}
		resp.Results = append(resp.Results, result)
	}

	status := http.StatusOK
	if resp.Errors > 0 && resp.Applied == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}
