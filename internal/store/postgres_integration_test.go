//go:build integration

package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"copyvault/internal/domain"
	"copyvault/internal/store"
)

// Integration tests start a PostgreSQL container and need a Docker daemon.
//
// Run with: go test -tags=integration ./internal/store/ -v

func setupRepository(t *testing.T) *store.Repository {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("vault"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	repo, err := store.NewRepository(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	require.NoError(t, repo.Migrate(ctx))
	return repo
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func insertStrategy(t *testing.T, repo *store.Repository, id, trader string) {
	t.Helper()
	err := repo.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertStrategy(context.Background(), &domain.Strategy{
			ID: id, Trader: trader, Name: "alpha", PerformanceFeeBps: 2000,
			IsActive: true, CreatedAt: epoch, UpdatedAt: epoch,
		})
	})
	require.NoError(t, err)
}

func openPosition(ctx context.Context, tx store.Tx, id, user, strategyID string, balance int64) error {
	return tx.OpenPosition(ctx, &domain.Position{
		ID: id, User: user, Strategy: strategyID,
		InitialBalance: balance, CurrentBalance: balance,
		LastFeeSettlement: epoch, SubscribedAt: epoch, IsActive: true,
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	repo := setupRepository(t)
	require.NoError(t, repo.Migrate(context.Background()))
	require.NoError(t, repo.Ping(context.Background()))
}

func TestStrategyRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertStrategy(t, repo, "strat-1", "trader-1")

	st, err := repo.GetStrategy(ctx, "strat-1")
	require.NoError(t, err)
	assert.Equal(t, "trader-1", st.Trader)
	assert.Equal(t, 2000, st.PerformanceFeeBps)
	assert.True(t, st.IsActive)

	_, err = repo.GetStrategy(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = repo.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertStrategy(ctx, &domain.Strategy{ID: "strat-2", Trader: "trader-1", Name: "dup", CreatedAt: epoch, UpdatedAt: epoch})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	err = repo.WithinTx(ctx, func(tx store.Tx) error {
		st, err := tx.LockStrategy(ctx, "strat-1")
		if err != nil {
			return err
		}
		st.Name = "beta"
		st.IsActive = false
		st.TotalSubscribers = 99 // ignored by profile updates
		return tx.UpdateStrategyProfile(ctx, st)
	})
	require.NoError(t, err)

	st, err = repo.GetStrategy(ctx, "strat-1")
	require.NoError(t, err)
	assert.Equal(t, "beta", st.Name)
	assert.False(t, st.IsActive)
	assert.Zero(t, st.TotalSubscribers)

	list, err := repo.ListStrategies(ctx, store.StrategyFilter{Status: "inactive"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertStrategy(t, repo, "strat-1", "trader-1")

	boom := errors.New("boom")
	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		if err := openPosition(ctx, tx, "pos-1", "alice", "strat-1", 10); err != nil {
			return err
		}
		if _, err := tx.ApplyStrategyDelta(ctx, "strat-1", store.StrategyDelta{Subscribers: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.GetPosition(ctx, "pos-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	st, err := repo.GetStrategy(ctx, "strat-1")
	require.NoError(t, err)
	assert.Zero(t, st.TotalSubscribers)
}

func TestOpenPositionReplacesOnlyTerminal(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertStrategy(t, repo, "strat-1", "trader-1")

	open := func(balance int64) error {
		return repo.WithinTx(ctx, func(tx store.Tx) error {
			return openPosition(ctx, tx, "pos-1", "alice", "strat-1", balance)
		})
	}
	require.NoError(t, open(10))
	assert.ErrorIs(t, open(20), store.ErrDuplicate)

	require.NoError(t, repo.WithinTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPosition(ctx, "pos-1")
		if err != nil {
			return err
		}
		p.CurrentBalance = 0
		p.IsActive = false
		p.LastTransferID = "withdraw-1"
		return tx.UpdatePosition(ctx, p)
	}))
	closed, err := repo.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, "withdraw-1", closed.LastTransferID)

	require.NoError(t, open(30))
	p, err := repo.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.True(t, p.IsActive)
	assert.Equal(t, int64(30), p.InitialBalance)
	assert.Empty(t, p.LastTransferID)
}

func TestApplyStrategyDeltaFloorAndOverflow(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertStrategy(t, repo, "strat-1", "trader-1")

	var res *store.DeltaResult
	require.NoError(t, repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = tx.ApplyStrategyDelta(ctx, "strat-1", store.StrategyDelta{Subscribers: -1, Volume: 5})
		return err
	}))
	assert.True(t, res.Floored)
	assert.Zero(t, res.Strategy.TotalSubscribers)
	assert.Equal(t, int64(5), res.Strategy.TotalVolumeTraded)

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.ApplyStrategyDelta(ctx, "strat-1", store.StrategyDelta{Volume: 1<<63 - 1})
		return err
	})
	assert.ErrorIs(t, err, store.ErrOverflow)

	err = repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.ApplyStrategyDelta(ctx, "missing", store.StrategyDelta{Subscribers: 1})
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentDeltasAreNotLost(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertStrategy(t, repo, "strat-1", "trader-1")

	const n = 20
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return repo.WithinTx(gctx, func(tx store.Tx) error {
				if err := openPosition(gctx, tx, fmt.Sprintf("pos-%d", i), fmt.Sprintf("user-%d", i), "strat-1", 10); err != nil {
					return err
				}
				_, err := tx.ApplyStrategyDelta(gctx, "strat-1", store.StrategyDelta{Subscribers: 1})
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	st, err := repo.GetStrategy(ctx, "strat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), st.TotalSubscribers)

	positions, err := repo.ListPositions(ctx, store.PositionFilter{StrategyID: "strat-1", Status: "active"})
	require.NoError(t, err)
	assert.Len(t, positions, n)
}

func TestTradesJournal(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertStrategy(t, repo, "strat-1", "trader-1")
	require.NoError(t, repo.WithinTx(ctx, func(tx store.Tx) error {
		return openPosition(ctx, tx, "pos-1", "alice", "strat-1", 10)
	}))

	insert := func(id string, at time.Time) error {
		return repo.WithinTx(ctx, func(tx store.Tx) error {
			return tx.InsertTrade(ctx, &domain.TradeRecord{
				TradeID: id, StrategyID: "strat-1", PositionID: "pos-1",
				Amount: 1, ProfitOrLoss: 1, BalanceAfter: 11, ExecutedAt: at,
			})
		})
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, insert(fmt.Sprintf("t-%d", i), epoch.Add(time.Duration(i)*time.Minute)))
	}
	assert.ErrorIs(t, insert("t-0", epoch), store.ErrDuplicate)

	page, err := repo.ListTrades(ctx, "pos-1", store.TradeFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page.Trades, 3)
	assert.Equal(t, "t-4", page.Trades[0].TradeID)
	require.NotEmpty(t, page.NextCursor)

	page, err = repo.ListTrades(ctx, "pos-1", store.TradeFilter{Limit: 3, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Trades, 2)
	assert.Equal(t, "t-1", page.Trades[0].TradeID)
	assert.Empty(t, page.NextCursor)

	start := epoch.Add(2 * time.Minute)
	page, err = repo.ListTrades(ctx, "pos-1", store.TradeFilter{Start: &start})
	require.NoError(t, err)
	assert.Len(t, page.Trades, 3)
}
