package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"copyvault/internal/domain"
	"copyvault/internal/store"
	"copyvault/internal/vault"
)

// IdentityHeader carries the authenticated caller identity, set by the
// wallet gateway in front of this service.
const IdentityHeader = "X-Vault-Identity"

// Server holds the HTTP server dependencies.
type Server struct {
	engine *vault.Engine
	nc     *nats.Conn
}

// NewServer creates a new API server. nc may be nil when NATS is not configured.
func NewServer(engine *vault.Engine, nc *nats.Conn) *Server {
	return &Server{engine: engine, nc: nc}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", IdentityHeader},
		MaxAge:         300,
	}))
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/import", s.handleImportTrades)

		r.Get("/strategies", s.handleListStrategies)
		r.Post("/strategies", s.handleInitializeStrategy)
		r.Get("/positions/{positionId}", s.handleGetPosition)

		r.Route("/strategies/{strategyId}", func(r chi.Router) {
			r.Get("/", s.handleGetStrategy)
			r.Patch("/", s.handleUpdateStrategy)
			r.Get("/positions", s.handleListPositions)
			r.Post("/subscribe", s.handleSubscribe)

			r.Route("/positions/{positionId}", func(r chi.Router) {
				r.Get("/trades", s.handleListTrades)
				r.Post("/trades", s.handleExecuteTrade)
				r.Post("/settle", s.handleSettleFees)
				r.Post("/unsubscribe", s.handleUnsubscribe)
			})
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed")
}

// callerIdentity returns the caller from IdentityHeader, writing a 401 if it is missing.
func callerIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(IdentityHeader))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+IdentityHeader+" header")
		return "", false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// statusForKind maps a ledger rule violation to its HTTP status.
func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput, domain.KindInvalidFeeBps:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyExists, domain.KindAlreadyActive,
		domain.KindStrategyInactive, domain.KindPositionInactive:
		return http.StatusConflict
	case domain.KindNoProfitToSettle, domain.KindFeeTooSmall,
		domain.KindInsufficientDeposit, domain.KindArithmetic:
		return http.StatusUnprocessableEntity
	case domain.KindTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeLedgerError reports an engine or store failure.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	if kind := domain.KindOf(err); kind != "" {
		writeError(w, statusForKind(kind), string(kind), err.Error())
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, string(domain.KindNotFound), "not found")
	case errors.Is(err, store.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput), "invalid cursor")
	default:
		log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
