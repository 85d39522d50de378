package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"copyvault/internal/domain"
	"copyvault/internal/units"
	"copyvault/internal/vault"
)

type initializeStrategyRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	PerformanceFeeBps int    `json:"performance_fee_bps"`
}

type subscribeRequest struct {
	// Deposit is in lamports; DepositSOL is a decimal SOL string. Exactly one is used.
	Deposit    int64  `json:"deposit"`
	DepositSOL string `json:"deposit_sol"`
}

type executeTradeRequest struct {
	TradeID      string `json:"trade_id"`
	Amount       int64  `json:"amount"`
	ProfitOrLoss int64  `json:"profit_or_loss"`
}

// amountResponse reports a lamport amount alongside its SOL rendering.
type amountResponse struct {
	Lamports int64  `json:"lamports"`
	SOL      string `json:"sol"`
}

type settleResponse struct {
	Fee amountResponse `json:"fee"`
}

type unsubscribeResponse struct {
	Withdrawn amountResponse `json:"withdrawn"`
}

func newAmount(lamports int64) amountResponse {
	return amountResponse{Lamports: lamports, SOL: units.ToSOL(lamports).String()}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput), fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func (s *Server) handleInitializeStrategy(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	var req initializeStrategyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	st, err := s.engine.InitializeStrategy(r.Context(), caller, req.Name, req.Description, req.PerformanceFeeBps)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	var upd domain.StrategyUpdate
	if !decodeBody(w, r, &upd) {
		return
	}

	st, err := s.engine.UpdateStrategy(r.Context(), caller, chi.URLParam(r, "strategyId"), upd)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	var req subscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	deposit := req.Deposit
	if req.DepositSOL != "" {
		if req.Deposit != 0 {
			writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput),
				"set either deposit or deposit_sol, not both")
			return
		}
		lamports, err := units.ParseSOL(req.DepositSOL)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput), err.Error())
			return
		}
		deposit = lamports
	}

	p, err := s.engine.Subscribe(r.Context(), caller, chi.URLParam(r, "strategyId"), deposit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	var req executeTradeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := s.engine.ExecuteTrade(r.Context(), vault.TradeInput{
		Caller:       caller,
		StrategyID:   chi.URLParam(r, "strategyId"),
		PositionID:   chi.URLParam(r, "positionId"),
		Amount:       req.Amount,
		ProfitOrLoss: req.ProfitOrLoss,
		TradeID:      req.TradeID,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSettleFees(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	fee, err := s.engine.SettleFees(r.Context(), caller, chi.URLParam(r, "strategyId"), chi.URLParam(r, "positionId"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{Fee: newAmount(fee)})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	withdrawn, err := s.engine.Unsubscribe(r.Context(), caller, chi.URLParam(r, "strategyId"), chi.URLParam(r, "positionId"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unsubscribeResponse{Withdrawn: newAmount(withdrawn)})
}
