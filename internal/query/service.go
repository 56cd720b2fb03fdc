// Package query serves read-only views over the projection tables and the
// event log. Every response carries as_of_sequence, the projection
// watermark it reflects.
package query

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"NFTLend/internal/core"
	"NFTLend/internal/ledger"
	"NFTLend/internal/observability"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a projected record does not exist.
var ErrNotFound = errors.New("not found")

// maxChainBreaks bounds the breaks reported by VerifyIntegrity.
const maxChainBreaks = 10

// QueryService provides read-only access to projection tables.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// observe records request count, latency and failures for one method.
func (qs *QueryService) observe(method string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		code := "internal"
		if errors.Is(err, ErrNotFound) {
			code = "not_found"
		}
		qs.metrics.QueryErrors.WithLabelValues(method, code).Inc()
	}
}

// GetBalance returns an owner's projected balance of an asset. Pool-owned
// accounts are stored under the system scope, so both scopes are checked.
func (qs *QueryService) GetBalance(ctx context.Context, owner, asset common.Address) (resp *BalanceResponse, err error) {
	defer func(start time.Time) { qs.observe("GetBalance", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	paths := []string{
		ledger.NewUserAccountKey(owner, asset).AccountPath(),
		ledger.NewSystemAccountKey(owner, asset).AccountPath(),
	}
	if owner == ledger.ExternalOwner {
		paths = []string{ledger.NewExternalAccountKey(asset).AccountPath()}
	}

	resp = &BalanceResponse{
		Owner:        owner.Hex(),
		Asset:        asset.Hex(),
		AccountPath:  paths[0],
		Balance:      new(big.Int),
		AsOfSequence: asOfSeq,
	}

	var path, balance string
	err = qs.db.QueryRowContext(ctx, `
		SELECT account_path, balance::TEXT FROM projections.balances
		WHERE account_path = ANY($1)
		ORDER BY account_path
		LIMIT 1
	`, pq.Array(paths)).Scan(&path, &balance)
	if err == sql.ErrNoRows {
		// an account that never moved has a zero balance
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	resp.AccountPath = path
	if resp.Balance, err = parseNumeric(balance); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetBorrow returns one projected borrow by id.
func (qs *QueryService) GetBorrow(ctx context.Context, id common.Hash) (resp *BorrowResponse, err error) {
	defer func(start time.Time) { qs.observe("GetBorrow", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var (
		r                                 BorrowResponse
		tokenID, borrowAmount, scaledDebt string
		bidder, bid                       sql.NullString
		record                            []byte
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT borrow_id, borrower, collateral, token_id::TEXT, asset, status,
		       borrow_amount::TEXT, scaled_debt::TEXT, bidder, bid::TEXT, data, last_sequence
		FROM projections.borrows
		WHERE borrow_id = $1
	`, id.Hex()).Scan(
		&r.BorrowID, &r.Borrower, &r.Collateral, &tokenID, &r.Asset, &r.Status,
		&borrowAmount, &scaledDebt, &bidder, &bid, &record, &r.LastSequence,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("borrow %s: %w", id.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if r.TokenID, err = parseNumeric(tokenID); err != nil {
		return nil, err
	}
	if r.BorrowAmount, err = parseNumeric(borrowAmount); err != nil {
		return nil, err
	}
	if r.ScaledDebt, err = parseNumeric(scaledDebt); err != nil {
		return nil, err
	}
	if bidder.Valid {
		r.Bidder = bidder.String
	}
	if bid.Valid {
		if r.Bid, err = parseNumeric(bid.String); err != nil {
			return nil, err
		}
	}
	r.Record = record
	r.AsOfSequence = asOfSeq
	return &r, nil
}

// ListUserBorrows returns the ids of every borrow opened by owner, oldest
// first. A reopened NFT keeps one entry.
func (qs *QueryService) ListUserBorrows(ctx context.Context, owner common.Address) (resp *UserBorrowsResponse, err error) {
	defer func(start time.Time) { qs.observe("ListUserBorrows", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT borrow_id FROM projections.borrows
		WHERE borrower = $1
		ORDER BY (data->>'timestamp')::BIGINT, borrow_id
	`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp = &UserBorrowsResponse{Owner: owner.Hex(), BorrowIDs: []string{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		resp.BorrowIDs = append(resp.BorrowIDs, id)
	}
	return resp, rows.Err()
}

// GetReserve returns the projected state of a reserve.
func (qs *QueryService) GetReserve(ctx context.Context, key reserve.Key) (resp *ReserveResponse, err error) {
	defer func(start time.Time) { qs.observe("GetReserve", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var (
		r       ReserveResponse
		numeric [6]string
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT reserve_key, collateral, asset,
		       liquidity_index::TEXT, variable_borrow_index::TEXT,
		       liquidity_rate::TEXT, variable_borrow_rate::TEXT,
		       total_supply::TEXT, total_debt::TEXT, last_update
		FROM projections.reserves
		WHERE reserve_key = $1
	`, key.String()).Scan(
		&r.ReserveKey, &r.Collateral, &r.Asset,
		&numeric[0], &numeric[1], &numeric[2], &numeric[3], &numeric[4], &numeric[5],
		&r.LastUpdate,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reserve %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	targets := []**big.Int{
		&r.LiquidityIndex, &r.VariableBorrowIndex,
		&r.LiquidityRate, &r.VariableBorrowRate,
		&r.TotalSupply, &r.TotalDebt,
	}
	for i, target := range targets {
		if *target, err = parseNumeric(numeric[i]); err != nil {
			return nil, err
		}
	}
	r.AsOfSequence = asOfSeq
	return &r, nil
}

// GetJournalHistory returns the journal entries touching owner's user
// accounts, newest first. beforeSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	beforeSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("GetJournalHistory", start, err) }(time.Now())

	accountPrefix := fmt.Sprintf("user:%s:%%", owner.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// GetEventLogInfo summarizes the event log, the projection watermark and
// the newest snapshot.
func (qs *QueryService) GetEventLogInfo(ctx context.Context) (info *EventLogInfo, err error) {
	defer func(start time.Time) { qs.observe("GetEventLogInfo", start, err) }(time.Now())

	info = &EventLogInfo{LatestSequence: -1, LatestSnapshot: -1}
	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE rejected), COALESCE(MAX(sequence), -1)
		FROM event_log.events
	`).Scan(&info.EventCount, &info.RejectedCount, &info.LatestSequence)
	if err != nil {
		return nil, err
	}

	if info.LatestSequence >= 0 {
		var hash []byte
		var ts time.Time
		if err := qs.db.QueryRowContext(ctx, `
			SELECT state_hash, timestamp FROM event_log.events WHERE sequence = $1
		`, info.LatestSequence).Scan(&hash, &ts); err != nil {
			return nil, err
		}
		info.LatestStateHash = common.Bytes2Hex(hash)
		info.LatestTimestamp = &ts
	}

	var snap sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.snapshots WHERE verified
	`).Scan(&snap); err != nil {
		return nil, err
	}
	if snap.Valid {
		info.LatestSnapshot = snap.Int64
	}

	if info.ProjectionMarker, err = qs.getWatermark(ctx); err != nil {
		return nil, err
	}
	info.ProjectionLag = info.LatestSequence - info.ProjectionMarker
	return info, nil
}

// VerifyIntegrity walks the stored hash chain and checks that every
// asset's projected balances sum to zero. The external bridge account
// carries the negative side of everything bridged in.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer func(start time.Time) { qs.observe("VerifyIntegrity", start, err) }(time.Now())

	report = &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, prev_hash, state_hash
		FROM event_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	genesis := core.GenesisHash()
	expectSeq := int64(0)
	prevState := genesis[:]
	for rows.Next() {
		var seq int64
		var prevHash, stateHash []byte
		if err := rows.Scan(&seq, &prevHash, &stateHash); err != nil {
			return nil, err
		}
		report.CheckedEvents++
		if (seq != expectSeq || !bytes.Equal(prevHash, prevState)) && len(report.HashChainBreaks) < maxChainBreaks {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		expectSeq = seq + 1
		prevState = stateHash
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::TEXT
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset, total string
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		imbalance, err := parseNumeric(total)
		if err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: imbalance,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

// parseNumeric converts a NUMERIC(78,0) text value into a big.Int.
func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric %q", s)
	}
	return v, nil
}
