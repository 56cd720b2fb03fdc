package query

import (
	"encoding/json"
	"math/big"
	"time"
)

// BalanceResponse is a projected ledger balance.
type BalanceResponse struct {
	Owner        string   `json:"owner"`
	Asset        string   `json:"asset"`
	AccountPath  string   `json:"account_path"`
	Balance      *big.Int `json:"balance"`
	AsOfSequence int64    `json:"as_of_sequence"` // projection watermark
}

// BorrowResponse is the projected state of one borrow.
type BorrowResponse struct {
	BorrowID     string          `json:"borrow_id"`
	Borrower     string          `json:"borrower"`
	Collateral   string          `json:"collateral"`
	TokenID      *big.Int        `json:"token_id"`
	Asset        string          `json:"asset"`
	Status       string          `json:"status"`
	BorrowAmount *big.Int        `json:"borrow_amount"`
	ScaledDebt   *big.Int        `json:"scaled_debt"`
	Bidder       string          `json:"bidder,omitempty"`
	Bid          *big.Int        `json:"bid,omitempty"`
	Record       json.RawMessage `json:"record"`
	LastSequence int64           `json:"last_sequence"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// UserBorrowsResponse lists the borrow ids a user has opened.
type UserBorrowsResponse struct {
	Owner        string   `json:"owner"`
	BorrowIDs    []string `json:"borrow_ids"`
	AsOfSequence int64    `json:"as_of_sequence"`
}

// ReserveResponse is the projected accounting state of one reserve.
type ReserveResponse struct {
	ReserveKey          string   `json:"reserve_key"`
	Collateral          string   `json:"collateral"`
	Asset               string   `json:"asset"`
	LiquidityIndex      *big.Int `json:"liquidity_index"`
	VariableBorrowIndex *big.Int `json:"variable_borrow_index"`
	LiquidityRate       *big.Int `json:"liquidity_rate"`
	VariableBorrowRate  *big.Int `json:"variable_borrow_rate"`
	TotalSupply         *big.Int `json:"total_supply"`
	TotalDebt           *big.Int `json:"total_debt"`
	LastUpdate          int64    `json:"last_update"`
	AsOfSequence        int64    `json:"as_of_sequence"`
}

// JournalHistoryEntry is one journal row touching an account.
type JournalHistoryEntry struct {
	JournalID     string   `json:"journal_id"`
	BatchID       string   `json:"batch_id"`
	EventRef      string   `json:"event_ref"`
	Sequence      int64    `json:"sequence"`
	DebitAccount  string   `json:"debit_account"`
	CreditAccount string   `json:"credit_account"`
	Asset         string   `json:"asset"`
	Amount        *big.Int `json:"amount"`
	JournalType   int32    `json:"journal_type"`
	Timestamp     int64    `json:"timestamp"`
}

// EventLogInfo summarizes the event log.
type EventLogInfo struct {
	EventCount       int64      `json:"event_count"`
	RejectedCount    int64      `json:"rejected_count"`
	LatestSequence   int64      `json:"latest_sequence"`
	LatestStateHash  string     `json:"latest_state_hash,omitempty"`
	LatestTimestamp  *time.Time `json:"latest_timestamp,omitempty"`
	ProjectionLag    int64      `json:"projection_lag"`
	LatestSnapshot   int64      `json:"latest_snapshot_sequence"`
	ProjectionMarker int64      `json:"projection_watermark"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	CheckedEvents    int64             `json:"checked_events"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose ledger balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string   `json:"asset"`
	Imbalance *big.Int `json:"imbalance"`
}
