//go:build integration

package ingest_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"copyvault/internal/domain"
	"copyvault/internal/ingest"
	"copyvault/internal/store/memory"
	"copyvault/internal/transfer"
	"copyvault/internal/vault"
)

// Integration test requires NATS with JetStream on NATS_URLS
// (default: nats://localhost:4222).
//
// Run with: go test -tags=integration ./internal/ingest/ -v

func TestIngestionFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	natsURL := os.Getenv("NATS_URLS")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	book := transfer.NewBook()
	book.Fund("alice", 100*domain.LamportsPerSOL)
	engine, err := vault.New(memory.New(), vault.Options{Transfers: book})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	trader := "integration-trader-" + time.Now().Format("20060102150405")
	st, err := engine.InitializeStrategy(ctx, trader, "Integration", "", 1000)
	if err != nil {
		t.Fatalf("initialize strategy: %v", err)
	}
	pos, err := engine.Subscribe(ctx, "alice", st.ID, 5*domain.LamportsPerSOL)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect to nats: %v", err)
	}
	defer nc.Close()

	consumer := ingest.NewConsumer(nc, engine)
	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()

	go func() {
		consumer.Start(consumerCtx)
	}()

	// Wait a moment for consumer to be ready
	time.Sleep(time.Second)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("create jetstream: %v", err)
	}

	event := ingest.TradeResultEvent{
		TradeID:      "integration-" + time.Now().Format("20060102150405.000"),
		Trader:       trader,
		StrategyID:   st.ID,
		PositionID:   pos.ID,
		Amount:       domain.LamportsPerSOL,
		ProfitOrLoss: domain.LamportsPerSOL / 4,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	if _, err := js.Publish(ctx, ingest.SubjectPrefix+st.ID, data); err != nil {
		t.Fatalf("publish trade result: %v", err)
	}

	// Wait for processing
	time.Sleep(2 * time.Second)

	got, err := engine.Store().GetPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	want := 5*domain.LamportsPerSOL + domain.LamportsPerSOL/4
	if got.CurrentBalance != want {
		t.Errorf("expected balance %d, got %d", want, got.CurrentBalance)
	}

	strategy, err := engine.Store().GetStrategy(ctx, st.ID)
	if err != nil {
		t.Fatalf("get strategy: %v", err)
	}
	if strategy.TotalVolumeTraded != domain.LamportsPerSOL {
		t.Errorf("expected volume %d, got %d", domain.LamportsPerSOL, strategy.TotalVolumeTraded)
	}
}
