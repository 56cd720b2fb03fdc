package core

import (
	"encoding/json"
	"fmt"
	"math/big"

	"NFTLend/internal/ledger"
	"NFTLend/internal/oracle"
	"NFTLend/internal/pool"
)

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	// Sequence is the last processed sequence, -1 when nothing was.
	Sequence        int64                   `json:"sequence"`
	Clock           int64                   `json:"clock"`
	StateHash       [32]byte                `json:"state_hash"`
	Pool            pool.State              `json:"pool"`
	Balances        map[string]*big.Int     `json:"balances"`
	Custody         []ledger.TokenOwnership `json:"custody"`
	Oracle          oracle.State            `json:"oracle"`
	SequenceState   map[string]int64        `json:"sequence_state"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
// Call it from the goroutine that runs Process.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	balances := make(map[string]*big.Int)
	for key, bal := range e.book.Tracker().Snapshot() {
		balances[key.AccountPath()] = bal
	}
	return &SnapshotState{
		Sequence:        e.sequence - 1,
		Clock:           e.clock,
		StateHash:       e.hasher.GetPrevHash(),
		Pool:            e.pool.Export(),
		Balances:        balances,
		Custody:         e.custody.Export(),
		Oracle:          e.feed.Export(),
		SequenceState:   e.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: e.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot restores the engine's in-memory state from a snapshot.
// On warm restart the log tail after snap.Sequence is replayed next.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	balances := make(map[ledger.AccountKey]*big.Int, len(snap.Balances))
	for path, bal := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
		balances[key] = bal
	}
	if err := e.pool.Restore(snap.Pool); err != nil {
		return fmt.Errorf("restore pool: %w", err)
	}

	e.sequence = snap.Sequence + 1
	e.clock = snap.Clock
	e.hasher.SetPrevHash(snap.StateHash)
	e.book.Tracker().Restore(balances)
	e.custody.Restore(snap.Custody)
	e.feed.Restore(snap.Oracle)
	for partition, next := range snap.SequenceState {
		e.sequenceValidator.RestorePartition(partition, next)
	}
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	e.registerSystemAccounts()
	return nil
}

// MarshalSnapshot encodes the current state for the snapshot store.
func (e *Engine) MarshalSnapshot() (sequence int64, hash [32]byte, data []byte, err error) {
	snap := e.CreateSnapshotState()
	data, err = json.Marshal(snap)
	if err != nil {
		return 0, [32]byte{}, nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return snap.Sequence, snap.StateHash, data, nil
}

// UnmarshalSnapshot restores from bytes written by MarshalSnapshot.
func (e *Engine) UnmarshalSnapshot(data []byte) error {
	var snap SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return e.RestoreFromSnapshot(&snap)
}
