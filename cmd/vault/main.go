package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"copyvault/internal/address"
	"copyvault/internal/api"
	"copyvault/internal/config"
	"copyvault/internal/events"
	"copyvault/internal/ingest"
	"copyvault/internal/store"
	"copyvault/internal/store/memory"
	"copyvault/internal/transfer"
	"copyvault/internal/vault"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.HTTPPort).
		Str("environment", cfg.Environment).
		Str("store", cfg.StoreBackend).
		Str("transfers", cfg.TransferMode).
		Msg("starting vault service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize ledger store
	var ledger store.Store
	switch cfg.StoreBackend {
	case config.StoreMemory:
		ledger = memory.New()
		log.Warn().Msg("using in-memory store, state is lost on exit")
	default:
		repo, err := store.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer repo.Close()

		if err := repo.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		log.Info().Msg("connected to PostgreSQL")

		if err := repo.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations complete")
		ledger = repo
	}

	// Connect to NATS
	var nc *nats.Conn
	if cfg.NATSURLs != "" {
		nc, err = ingest.ConnectNATS(ctx, cfg.NATSURLs, cfg.NATSCredsFile, cfg.NATSCreds)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Close()
		log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	}

	deriver, err := address.NewDeriver(cfg.ProgramID)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid VAULT_PROGRAM_ID")
	}

	opts := vault.Options{
		MinDeposit: cfg.MinDeposit,
		MaxFeeBps:  cfg.MaxFeeBps,
		Deriver:    deriver,
	}
	if cfg.TransferMode == config.TransferNATS {
		opts.Transfers = transfer.NewNATSClient(nc, cfg.TransferTimeout)
	} else {
		opts.Transfers = transfer.NewBook()
		log.Warn().Msg("using in-memory transfer book, wallets start empty")
	}
	if nc != nil {
		pub, err := events.NewJetStreamPublisher(ctx, nc)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		opts.Events = pub
	}

	engine, err := vault.New(ledger, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create vault engine")
	}

	srv := api.NewServer(engine, nc)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start NATS consumer
	if nc != nil {
		consumer := ingest.NewConsumer(nc, engine)
		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}

	// Start HTTP server
	g.Go(func() error {
		log.Info().Str("port", cfg.HTTPPort).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Wait for shutdown signal or a failed component
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("service exited with error")
	}
	log.Info().Msg("shutdown complete")
}
