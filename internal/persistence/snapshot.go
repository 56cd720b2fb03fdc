package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"NFTLend/internal/event"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1 is the JSON encoding of core.SnapshotState.
const snapshotFormatVersion = int32(1)

// SnapshotManager stores engine snapshots and reads the event log back for
// recovery.
type SnapshotManager struct {
	db *sql.DB
}

// Snapshot is one stored snapshot row.
type Snapshot struct {
	SnapshotID uuid.UUID
	Sequence   int64
	StateHash  [32]byte
	Data       []byte
	Verified   bool
	CreatedAt  time.Time
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists an encoded snapshot. Snapshots start unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, sequence int64, stateHash [32]byte, data []byte, createdAt time.Time) (uuid.UUID, error) {
	snapshotID := uuid.New()
	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, sequence, data, stateHash[:], snapshotFormatVersion, len(data), createdAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("save snapshot at seq %d: %w", sequence, err)
	}
	return snapshotID, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*Snapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT snapshot_id, sequence, state_hash, data, verified, created_at
		FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var s Snapshot
	var hash []byte
	if err := row.Scan(&s.SnapshotID, &s.Sequence, &hash, &s.Data, &s.Verified, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	copy(s.StateHash[:], hash)
	return &s, nil
}

// MarkVerified marks a snapshot as verified once the log replays to its
// state hash.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads logged envelopes from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, source, reserve_key, payload, outcome,
		       rejected, error_code, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.EventEnvelope
	for rows.Next() {
		var (
			env        event.EventEnvelope
			eventType  string
			reserveKey sql.NullString
			outcome    []byte
			stateHash  []byte
			prevHash   []byte
		)
		if err := rows.Scan(
			&env.Sequence, &eventType, &env.IdempotencyKey, &env.Source, &reserveKey,
			&env.Payload, &outcome, &env.Rejected, &env.ErrorCode,
			&stateHash, &prevHash, &env.Timestamp, &env.SourceSequence,
		); err != nil {
			return nil, err
		}
		env.EventType = event.ParseEventType(eventType)
		if env.EventType == event.EventTypeUnknown {
			return nil, fmt.Errorf("seq %d: unknown event type %q", env.Sequence, eventType)
		}
		if reserveKey.Valid {
			k := reserveKey.String
			env.ReserveKey = &k
		}
		env.Outcome = outcome
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		events = append(events, &env)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// LoadRecentIdempotencyKeys returns the newest "event_type:key" pairs,
// oldest first, in the form the dedup LRU stores them.
func (sm *SnapshotManager) LoadRecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT event_type || ':' || idempotency_key FROM (
			SELECT event_type, idempotency_key, sequence FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// VerifyAgainstLog marks the snapshot at sequence verified once the event
// log holds that sequence with the same state hash. It reports whether the
// snapshot is verified.
func (sm *SnapshotManager) VerifyAgainstLog(ctx context.Context, sequence int64, stateHash [32]byte) (bool, error) {
	var logged []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, sequence).Scan(&logged)
	if err == sql.ErrNoRows {
		// persistence has not caught up yet
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(logged, stateHash[:]) {
		return false, fmt.Errorf("snapshot at seq %d: state hash %x differs from log %x", sequence, stateHash, logged)
	}
	return true, sm.MarkVerified(ctx, sequence)
}
