package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"copyvault/internal/domain"
	"copyvault/internal/vault"
)

const (
	// StreamName is the JetStream stream name for trade results.
	StreamName = "VAULT_TRADES"
	// SubjectPrefix is the NATS subject prefix for trade result events.
	SubjectPrefix = "vault.trades."
	// SubjectWildcard subscribes to all trade result subjects.
	SubjectWildcard = "vault.trades.>"
	// ConsumerName is the durable consumer name.
	ConsumerName = "vault-trade-consumer"
)

// TradeExecutor applies a trade result to the ledger.
type TradeExecutor interface {
	ExecuteTrade(ctx context.Context, in vault.TradeInput) (*domain.Position, error)
}

// Consumer subscribes to trade result events via NATS JetStream.
type Consumer struct {
	nc     *nats.Conn
	exec   TradeExecutor
	logger zerolog.Logger
}

// NewConsumer creates a new NATS trade result consumer.
func NewConsumer(nc *nats.Conn, exec TradeExecutor) *Consumer {
	return &Consumer{
		nc:     nc,
		exec:   exec,
		logger: log.With().Str("component", "ingest").Logger(),
	}
}

// Start begins consuming trade results. Blocks until context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	js, err := jetstream.New(c.nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectWildcard},
		Storage:  jetstream.FileStorage,
		MaxBytes: 100 * 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	c.logger.Info().Msg("started consuming trade results from NATS JetStream")

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		switch c.process(ctx, msg.Subject(), msg.Data()) {
		case dispositionAck:
			msg.Ack()
		case dispositionTerm:
			msg.Term()
		default:
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	c.logger.Info().Msg("stopped consuming trade results")
	return nil
}

type disposition int

const (
	dispositionAck disposition = iota
	// dispositionTerm drops a message that can never succeed.
	dispositionTerm
	// dispositionNak asks for redelivery after a transient failure.
	dispositionNak
)

func (c *Consumer) process(ctx context.Context, subject string, data []byte) disposition {
	var event TradeResultEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Warn().Err(err).
			Str("subject", subject).
			Msg("failed to unmarshal trade result, rejecting")
		return dispositionTerm
	}

	if err := event.Validate(); err != nil {
		c.logger.Warn().Err(err).
			Str("trade_id", event.TradeID).
			Str("subject", subject).
			Msg("invalid trade result, rejecting")
		return dispositionTerm
	}

	in, err := event.ToInput()
	if err != nil {
		c.logger.Warn().Err(err).
			Str("trade_id", event.TradeID).
			Msg("failed to convert trade result, rejecting")
		return dispositionTerm
	}

	pos, err := c.exec.ExecuteTrade(ctx, in)
	switch {
	case err == nil:
		c.logger.Info().
			Str("trade_id", event.TradeID).
			Str("position_id", event.PositionID).
			Int64("pnl", event.ProfitOrLoss).
			Int64("balance", pos.CurrentBalance).
			Msg("applied trade result")
		return dispositionAck
	case errors.Is(err, domain.ErrAlreadyExists):
		c.logger.Debug().
			Str("trade_id", event.TradeID).
			Msg("duplicate trade result, skipped")
		return dispositionAck
	case domain.KindOf(err) != "":
		c.logger.Warn().Err(err).
			Str("trade_id", event.TradeID).
			Str("code", string(domain.KindOf(err))).
			Msg("trade result rejected by ledger")
		return dispositionTerm
	default:
		c.logger.Error().Err(err).
			Str("trade_id", event.TradeID).
			Str("subject", subject).
			Msg("failed to apply trade result")
		return dispositionNak
	}
}

// ConnectNATS connects to NATS with retry logic. It gives up when ctx is done.
func ConnectNATS(ctx context.Context, urls string, credsFile, creds string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("copyvault"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	// Inline credentials take precedence over a credentials file.
	if creds != "" {
		tmpFile, err := os.CreateTemp("", "nats-creds-*.creds")
		if err != nil {
			return nil, fmt.Errorf("create temp credentials file: %w", err)
		}
		if _, err := tmpFile.WriteString(creds); err != nil {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, fmt.Errorf("write credentials: %w", err)
		}
		tmpFile.Close()
		opts = append(opts, nats.UserCredentials(tmpFile.Name()))
	} else if credsFile != "" {
		opts = append(opts, nats.UserCredentials(credsFile))
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 1; ; attempt++ {
		nc, err := nats.Connect(urls, opts...)
		if err == nil {
			log.Info().Str("url", nc.ConnectedUrl()).Int("attempt", attempt).Msg("connected to NATS")
			return nc, nil
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("failed to connect to NATS, retrying...")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to nats: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
