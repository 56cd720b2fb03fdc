// Package projection maintains read-side tables derived from the core
// outputs. Projections are eventually consistent and can always be rebuilt
// from the event log.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"NFTLend/internal/collateral"
	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/observability"
	"NFTLend/internal/reserve"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop; a watermark gap is
// repaired with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		log:       logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if pw.lastSeq >= 0 && seq > pw.lastSeq+1 {
				pw.log.Warn().Int64("from", pw.lastSeq+1).Int64("to", seq-1).Msg("projection missed outputs; rebuild to repair")
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// projections can be rebuilt from the event log
				pw.log.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			} else if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = seq
		}
	}
}

// LastSequence returns the last sequence the worker saw.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			amount := j.Amount.Dec()
			if err := applyBalanceDelta(ctx, tx, j.DebitAccount.AccountPath(), j.Asset.Hex(), amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := applyBalanceDelta(ctx, tx, j.CreditAccount.AccountPath(), j.Asset.Hex(), "-"+amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}
	if err := applyOutcome(ctx, tx, output.Outcome, seq); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, accountPath, asset, delta string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence, updated_at)
		VALUES ($1, $2, $3::NUMERIC, $4, NOW())
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $3::NUMERIC, last_sequence = $4, updated_at = NOW()
	`, accountPath, asset, delta, seq)
	return err
}

// applyOutcome upserts the borrows and reserves a domain event carries.
func applyOutcome(ctx context.Context, tx *sql.Tx, outcome interface{}, seq int64) error {
	for _, b := range event.Borrows(outcome) {
		if err := upsertBorrow(ctx, tx, b, seq); err != nil {
			return fmt.Errorf("borrow projection: %w", err)
		}
	}
	for _, r := range event.Reserves(outcome) {
		if err := upsertReserve(ctx, tx, r, seq); err != nil {
			return fmt.Errorf("reserve projection: %w", err)
		}
	}
	return nil
}

func upsertBorrow(ctx context.Context, tx *sql.Tx, b *collateral.Borrow, seq int64) error {
	if b == nil {
		return nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	var bidder, bid interface{}
	if b.Auction != nil {
		bidder, bid = b.Auction.Bidder.Hex(), b.Auction.Bid.String()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.borrows
			(borrow_id, borrower, collateral, token_id, asset, status, borrow_amount, scaled_debt,
			 bidder, bid, data, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (borrow_id) DO UPDATE SET
			borrower = $2, status = $6, borrow_amount = $7, scaled_debt = $8,
			bidder = $9, bid = $10, data = $11, last_sequence = $12, updated_at = NOW()
	`, b.ID.Hex(), b.Borrower.Hex(), b.Collateral.Hex(), b.TokenID.String(), b.Asset.Hex(),
		b.Status.String(), b.BorrowAmount.String(), b.ScaledDebt.String(),
		bidder, bid, string(data), seq)
	return err
}

func upsertReserve(ctx context.Context, tx *sql.Tx, r reserve.Snapshot, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.reserves
			(reserve_key, collateral, asset, liquidity_index, variable_borrow_index, liquidity_rate,
			 variable_borrow_rate, total_supply, total_debt, last_update, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (reserve_key) DO UPDATE SET
			liquidity_index = $4, variable_borrow_index = $5, liquidity_rate = $6,
			variable_borrow_rate = $7, total_supply = $8, total_debt = $9,
			last_update = $10, last_sequence = $11, updated_at = NOW()
	`, r.Key().String(), r.Collateral.Hex(), r.Asset.Hex(),
		r.LiquidityIndex.String(), r.VariableBorrowIndex.String(),
		r.LiquidityRate.String(), r.VariableBorrowRate.String(),
		r.TotalSupply.String(), r.TotalDebt.String(), r.LastUpdate, seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// Watermark returns the last sequence the projections reflect, or -1.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, workerID).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

// RebuildProjections rebuilds all projection tables from the event log:
// balances from the journal, borrows and reserves from the logged domain
// events in sequence order.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.borrows`,
		`TRUNCATE projections.reserves`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits add, credits subtract
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence, updated_at)
		SELECT account_path, asset, SUM(delta), MAX(sequence), NOW()
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM event_log.journal
		) entries
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, event_type, outcome FROM event_log.events
		WHERE rejected = FALSE AND outcome IS NOT NULL
		ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("load outcomes: %w", err)
	}
	type logged struct {
		seq     int64
		et      event.EventType
		outcome []byte
	}
	var outcomes []logged
	for rows.Next() {
		var l logged
		var et string
		if err := rows.Scan(&l.seq, &et, &l.outcome); err != nil {
			rows.Close()
			return err
		}
		l.et = event.ParseEventType(et)
		outcomes = append(outcomes, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	last := int64(-1)
	for _, l := range outcomes {
		outcome, err := event.DecodeOutcome(l.et, l.outcome)
		if err != nil {
			return fmt.Errorf("seq %d: %w", l.seq, err)
		}
		if err := applyOutcome(ctx, tx, outcome, l.seq); err != nil {
			return fmt.Errorf("seq %d: %w", l.seq, err)
		}
		last = l.seq
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&maxSeq); err != nil {
		return err
	}
	if maxSeq.Valid && maxSeq.Int64 > last {
		last = maxSeq.Int64
	}
	if last >= 0 {
		if err := setWatermark(ctx, tx, last); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Int64("watermark", last).Int("events", len(outcomes)).Msg("projection rebuild complete")
	return nil
}
