package ingestion

import (
	"context"
	"fmt"
	"time"

	"NFTLend/internal/event"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// commands to the dispatcher. JetStream is the primary ingestion surface;
// each subject maps to one command type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is an undecoded command from NATS, ready for the parser.
type RawEvent struct {
	Subject   string
	EventType event.EventType
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed or logged as rejected
	NakFunc   func() // redeliver later
	TermFunc  func() // malformed, never redeliver
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	EventType    event.EventType
	ConsumerName string
	StreamName   string
}

const (
	StreamCommands  = "LEND_COMMANDS"
	StreamAdmin     = "LEND_ADMIN"
	StreamOracle    = "LEND_ORACLE"
	StreamTransfers = "LEND_TRANSFERS"
	StreamEvents    = "LEND_EVENTS"
)

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lend.commands.deposit.>", EventType: event.EventTypeDeposit, ConsumerName: "lend-deposit", StreamName: StreamCommands},
		{Subject: "lend.commands.withdraw.>", EventType: event.EventTypeWithdraw, ConsumerName: "lend-withdraw", StreamName: StreamCommands},
		{Subject: "lend.commands.borrow.>", EventType: event.EventTypeBorrow, ConsumerName: "lend-borrow", StreamName: StreamCommands},
		{Subject: "lend.commands.batch_borrow.>", EventType: event.EventTypeBatchBorrow, ConsumerName: "lend-batch-borrow", StreamName: StreamCommands},
		{Subject: "lend.commands.repay.>", EventType: event.EventTypeRepay, ConsumerName: "lend-repay", StreamName: StreamCommands},
		{Subject: "lend.commands.bid.>", EventType: event.EventTypeBid, ConsumerName: "lend-bid", StreamName: StreamCommands},
		{Subject: "lend.commands.redeem.>", EventType: event.EventTypeRedeem, ConsumerName: "lend-redeem", StreamName: StreamCommands},
		{Subject: "lend.commands.liquidate.>", EventType: event.EventTypeLiquidate, ConsumerName: "lend-liquidate", StreamName: StreamCommands},
		{Subject: "lend.admin.init_reserve.>", EventType: event.EventTypeInitReserve, ConsumerName: "lend-admin-init-reserve", StreamName: StreamAdmin},
		{Subject: "lend.admin.rate_strategy.>", EventType: event.EventTypeSetInterestRateStrategy, ConsumerName: "lend-admin-rate-strategy", StreamName: StreamAdmin},
		{Subject: "lend.admin.liquidation_threshold.>", EventType: event.EventTypeSetLiquidationThreshold, ConsumerName: "lend-admin-threshold", StreamName: StreamAdmin},
		{Subject: "lend.admin.auction_duration.>", EventType: event.EventTypeSetAuctionDuration, ConsumerName: "lend-admin-auction-duration", StreamName: StreamAdmin},
		{Subject: "lend.admin.whitelist.>", EventType: event.EventTypeUpdateWhitelist, ConsumerName: "lend-admin-whitelist", StreamName: StreamAdmin},
		{Subject: "lend.oracle.asset.>", EventType: event.EventTypeAssetPriceUpdate, ConsumerName: "lend-oracle-asset", StreamName: StreamOracle},
		{Subject: "lend.oracle.floor.>", EventType: event.EventTypeFloorPriceUpdate, ConsumerName: "lend-oracle-floor", StreamName: StreamOracle},
		{Subject: "lend.transfers.asset.>", EventType: event.EventTypeAssetTransfer, ConsumerName: "lend-transfer-asset", StreamName: StreamTransfers},
		{Subject: "lend.transfers.collateral.>", EventType: event.EventTypeCollateralTransfer, ConsumerName: "lend-transfer-collateral", StreamName: StreamTransfers},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			received := time.Now()
			if md, err := msg.Metadata(); err == nil {
				received = md.Timestamp
			}
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: cfg.EventType,
				Data:      msg.Data(),
				Timestamp: received,
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{Name: StreamCommands, Subjects: []string{"lend.commands.>"}},
		{Name: StreamAdmin, Subjects: []string{"lend.admin.>"}},
		{Name: StreamOracle, Subjects: []string{"lend.oracle.>"}},
		{Name: StreamTransfers, Subjects: []string{"lend.transfers.>"}},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("nftlend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
