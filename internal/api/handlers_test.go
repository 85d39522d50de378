package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copyvault/internal/domain"
	"copyvault/internal/store/memory"
	"copyvault/internal/transfer"
	"copyvault/internal/vault"
)

const (
	sol    = domain.LamportsPerSOL
	trader = "trader-1"
	alice  = "alice"
	bob    = "bob"
)

type testServer struct {
	engine *vault.Engine
	book   *transfer.Book
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	book := transfer.NewBook()
	book.Fund(alice, 100*sol)
	book.Fund(bob, 100*sol)

	engine, err := vault.New(memory.New(), vault.Options{Transfers: book})
	require.NoError(t, err)

	return &testServer{
		engine: engine,
		book:   book,
		router: NewServer(engine, nil).Router(),
	}
}

// do sends a request as identity (empty for none) with an optional JSON body.
func (ts *testServer) do(t *testing.T, method, path, identity, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

// seed creates trader's strategy and subscribes alice with 10 SOL.
func (ts *testServer) seed(t *testing.T) (*domain.Strategy, *domain.Position) {
	t.Helper()
	ctx := context.Background()
	st, err := ts.engine.InitializeStrategy(ctx, trader, "Momentum", "", 2000)
	require.NoError(t, err)
	p, err := ts.engine.Subscribe(ctx, alice, st.ID, 10*sol)
	require.NoError(t, err)
	return st, p
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, w))
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct{ method, path string }{
		{"PUT", "/api/v1/strategies"},
		{"DELETE", "/api/v1/strategies"},
		{"DELETE", "/api/v1/strategies/s1"},
		{"GET", "/api/v1/strategies/s1/subscribe"},
		{"PATCH", "/api/v1/positions/p1"},
		{"GET", "/api/v1/strategies/s1/positions/p1/settle"},
		{"GET", "/api/v1/import"},
	}
	for _, tt := range tests {
		w := ts.do(t, tt.method, tt.path, "", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", tt.method, tt.path)
	}
}

func TestRouterHasCorrectGETRoutes(t *testing.T) {
	ts := newTestServer(t)
	st, p := ts.seed(t)

	paths := []string{
		"/health",
		"/api/v1/strategies",
		"/api/v1/strategies/" + st.ID,
		"/api/v1/strategies/" + st.ID + "/positions",
		"/api/v1/positions/" + p.ID,
		"/api/v1/strategies/" + st.ID + "/positions/" + p.ID + "/trades",
	}
	for _, path := range paths {
		w := ts.do(t, "GET", path, "", "")
		assert.Equal(t, http.StatusOK, w.Code, "GET %s: %s", path, w.Body.String())
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	}
}

func TestReadEndpointsNotFound(t *testing.T) {
	ts := newTestServer(t)
	st, p := ts.seed(t)

	paths := []string{
		"/api/v1/strategies/missing",
		"/api/v1/strategies/missing/positions",
		"/api/v1/positions/missing",
		"/api/v1/strategies/" + st.ID + "/positions/missing/trades",
		"/api/v1/strategies/other/positions/" + p.ID + "/trades",
	}
	for _, path := range paths {
		w := ts.do(t, "GET", path, "", "")
		require.Equal(t, http.StatusNotFound, w.Code, "GET %s", path)
		assert.Equal(t, "not_found", decode[errorResponse](t, w).Code)
	}
}

func TestListStrategiesFilters(t *testing.T) {
	ts := newTestServer(t)
	st, _ := ts.seed(t)
	_, err := ts.engine.InitializeStrategy(context.Background(), "trader-2", "Carry", "", 100)
	require.NoError(t, err)

	w := ts.do(t, "GET", "/api/v1/strategies?trader="+trader, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]domain.Strategy](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, st.ID, list[0].ID)

	w = ts.do(t, "GET", "/api/v1/strategies?status=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListPositionsStatus(t *testing.T) {
	ts := newTestServer(t)
	st, p := ts.seed(t)
	_, err := ts.engine.Unsubscribe(context.Background(), alice, st.ID, p.ID)
	require.NoError(t, err)

	w := ts.do(t, "GET", "/api/v1/strategies/"+st.ID+"/positions", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]domain.Position](t, w))

	w = ts.do(t, "GET", "/api/v1/strategies/"+st.ID+"/positions?status=inactive", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Position](t, w), 1)

	w = ts.do(t, "GET", "/api/v1/strategies/"+st.ID+"/positions?status=open", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTradesPagination(t *testing.T) {
	ts := newTestServer(t)
	st, p := ts.seed(t)
	for _, id := range []string{"t-1", "t-2", "t-3"} {
		_, err := ts.engine.ExecuteTrade(context.Background(), vault.TradeInput{
			Caller: trader, StrategyID: st.ID, PositionID: p.ID, Amount: 1, ProfitOrLoss: 1, TradeID: id,
		})
		require.NoError(t, err)
	}
	base := "/api/v1/strategies/" + st.ID + "/positions/" + p.ID + "/trades"

	w := ts.do(t, "GET", base+"?limit=2", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Trades     []domain.TradeRecord `json:"trades"`
		NextCursor string               `json:"next_cursor"`
	}](t, w)
	assert.Len(t, page.Trades, 2)
	assert.NotEmpty(t, page.NextCursor)

	w = ts.do(t, "GET", base+"?cursor=!!", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, "GET", base+"?limit=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, "GET", base+"?start=yesterday", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTradesScopedToCurrentSubscription(t *testing.T) {
	book := transfer.NewBook()
	book.Fund(alice, 100*sol)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine, err := vault.New(memory.New(), vault.Options{
		Transfers: book,
		Now: func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		},
	})
	require.NoError(t, err)
	ts := &testServer{engine: engine, book: book, router: NewServer(engine, nil).Router()}
	ctx := context.Background()

	st, p := ts.seed(t)
	trade := func(id string) {
		_, err := engine.ExecuteTrade(ctx, vault.TradeInput{
			Caller: trader, StrategyID: st.ID, PositionID: p.ID, Amount: 1, ProfitOrLoss: -1, TradeID: id,
		})
		require.NoError(t, err)
	}
	trade("old-1")
	trade("old-2")
	_, err = engine.Unsubscribe(ctx, alice, st.ID, p.ID)
	require.NoError(t, err)
	again, err := engine.Subscribe(ctx, alice, st.ID, 5*sol)
	require.NoError(t, err)
	require.Equal(t, p.ID, again.ID)
	trade("new-1")

	base := "/api/v1/strategies/" + st.ID + "/positions/" + p.ID + "/trades"
	ids := func(query string) []string {
		w := ts.do(t, "GET", base+query, "", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		page := decode[struct {
			Trades []domain.TradeRecord `json:"trades"`
		}](t, w)
		var out []string
		for _, tr := range page.Trades {
			out = append(out, tr.TradeID)
		}
		return out
	}

	assert.Equal(t, []string{"new-1"}, ids(""))
	assert.Equal(t, []string{"new-1"}, ids("?scope=current"))
	assert.ElementsMatch(t, []string{"new-1", "old-1", "old-2"}, ids("?scope=all"))

	w := ts.do(t, "GET", base+"?scope=previous", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusForKind(t *testing.T) {
	tests := map[domain.Kind]int{
		domain.KindInvalidInput:        http.StatusBadRequest,
		domain.KindInvalidFeeBps:       http.StatusBadRequest,
		domain.KindUnauthorized:        http.StatusForbidden,
		domain.KindNotFound:            http.StatusNotFound,
		domain.KindAlreadyExists:       http.StatusConflict,
		domain.KindAlreadyActive:       http.StatusConflict,
		domain.KindStrategyInactive:    http.StatusConflict,
		domain.KindPositionInactive:    http.StatusConflict,
		domain.KindNoProfitToSettle:    http.StatusUnprocessableEntity,
		domain.KindFeeTooSmall:         http.StatusUnprocessableEntity,
		domain.KindInsufficientDeposit: http.StatusUnprocessableEntity,
		domain.KindArithmetic:          http.StatusUnprocessableEntity,
		domain.KindTransferFailed:      http.StatusBadGateway,
		domain.Kind("other"):           http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, statusForKind(kind), string(kind))
	}
}
