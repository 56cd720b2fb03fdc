package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on the persist channel with BLOCKING sends, so if this
// worker falls behind the core stalls and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
	// outbound receives envelopes once their batch is committed
	outbound chan<- *event.EventEnvelope
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          logger,
	}
}

// WithOutbound forwards committed envelopes to ch for publishing. Sends
// never block; a full channel drops the notification.
func (pw *PersistenceWorker) WithOutbound(ch chan<- *event.EventEnvelope) *PersistenceWorker {
	pw.outbound = ch
	return pw
}

// pending accumulates rows between flushes.
type pending struct {
	envelopes []*event.EventEnvelope
	events    []EventRow
	journals  []JournalRow
	custody   []CustodyRow
}

func (p *pending) add(env *event.EventEnvelope, r Rows) {
	p.envelopes = append(p.envelopes, env)
	p.events = append(p.events, r.Event)
	p.journals = append(p.journals, r.Journals...)
	p.custody = append(p.custody, r.Custody...)
}

func (p *pending) reset() {
	p.envelopes = p.envelopes[:0]
	p.events = p.events[:0]
	p.journals = p.journals[:0]
	p.custody = p.custody[:0]
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4), // ~4 journals per event avg
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch.events) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.log.Error().Err(err).Int("events", len(batch.events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				// Channel closed: flush and exit
				if len(batch.events) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.log.Error().Err(err).Int("events", len(batch.events)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch.add(output.Envelope, RowsFromOutput(output))

			if len(batch.events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch.events) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. The worker never drops a batch.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch.events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				// one last attempt outside the cancelled context
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.log.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) error {
	start := time.Now()

	// Events, journals and custody moves share one transaction
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.fail("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, batch.events, tx); err != nil {
		pw.fail("write_events")
		return fmt.Errorf("write events: %w", err)
	}
	if err := pw.writer.WriteJournalBatch(ctx, batch.journals, tx); err != nil {
		pw.fail("write_journals")
		return fmt.Errorf("write journals: %w", err)
	}
	if err := pw.writer.WriteCustodyBatch(ctx, batch.custody, tx); err != nil {
		pw.fail("write_custody")
		return fmt.Errorf("write custody moves: %w", err)
	}
	if err := tx.Commit(); err != nil {
		pw.fail("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		pw.metrics.PersistCustodyMoves.Add(float64(len(batch.custody)))
		pw.metrics.PersistLastSequence.Set(float64(batch.events[len(batch.events)-1].Sequence))
	}
	pw.forward(batch.envelopes)
	return nil
}

func (pw *PersistenceWorker) forward(envs []*event.EventEnvelope) {
	if pw.outbound == nil {
		return
	}
	for _, env := range envs {
		select {
		case pw.outbound <- env:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
			pw.log.Warn().Int64("sequence", env.Sequence).Msg("outbound channel full, event not published")
		}
	}
}

func (pw *PersistenceWorker) fail(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
