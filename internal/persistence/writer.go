package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"NFTLend/internal/core"
)

// EventLogWriter writes events, journals and custody moves to Postgres
// using multi-row INSERTs inside the caller's transaction.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Source         string
	ReserveKey     *string
	Payload        []byte // JSON-encoded command
	Outcome        []byte // JSON-encoded domain event, nil when rejected
	Rejected       bool
	ErrorCode      string
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // decimal base units
	JournalType   int32
	Timestamp     int64
}

// CustodyRow represents a row in event_log.custody_moves
type CustodyRow struct {
	MoveID     string
	EventRef   string
	Sequence   int64
	Collection string
	TokenID    string
	From       string
	To         string
	Timestamp  int64
}

// Rows is everything one core output persists.
type Rows struct {
	Event    EventRow
	Journals []JournalRow
	Custody  []CustodyRow
}

// RowsFromOutput flattens a core output into table rows.
func RowsFromOutput(out core.CoreOutput) Rows {
	env := out.Envelope
	var outcome []byte
	if len(env.Outcome) > 0 {
		outcome = env.Outcome
	}
	rows := Rows{Event: EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Source:         env.Source,
		ReserveKey:     env.ReserveKey,
		Payload:        env.Payload,
		Outcome:        outcome,
		Rejected:       env.Rejected,
		ErrorCode:      env.ErrorCode,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset.Hex(),
				Amount:        j.Amount.Dec(),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	for _, m := range out.Moves {
		rows.Custody = append(rows.Custody, CustodyRow{
			MoveID:     m.MoveID.String(),
			EventRef:   m.EventRef,
			Sequence:   m.Sequence,
			Collection: m.Collection.Hex(),
			TokenID:    m.TokenID.String(),
			From:       m.From.Hex(),
			To:         m.To.Hex(),
			Timestamp:  m.Timestamp,
		})
	}
	return rows
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// placeholders returns "($1, ..., $n), ($n+1, ...)" for rows of width cols.
func placeholders(rows, cols int) string {
	values := make([]string, 0, rows)
	for i := 0; i < rows; i++ {
		ph := make([]string, cols)
		for c := 0; c < cols; c++ {
			ph[c] = fmt.Sprintf("$%d", i*cols+c+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
	}
	return strings.Join(values, ", ")
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, tx execer) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(events)*13)
	for _, e := range events {
		// lib/pq sends []byte as bytea; JSONB columns take text
		var outcome interface{}
		if e.Outcome != nil {
			outcome = string(e.Outcome)
		}
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Source, e.ReserveKey,
			string(e.Payload), outcome, e.Rejected, e.ErrorCode,
			e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, source, reserve_key, payload, outcome,
		 rejected, error_code, state_hash, prev_hash, timestamp, source_sequence)
		VALUES ` + placeholders(len(events), 13) +
		" ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, journals []JournalRow, tx execer) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(journals)*10)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 10) +
		" ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteCustodyBatch writes NFT custody moves to event_log.custody_moves.
func (w *EventLogWriter) WriteCustodyBatch(ctx context.Context, moves []CustodyRow, tx execer) error {
	if len(moves) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(moves)*8)
	for _, m := range moves {
		args = append(args, m.MoveID, m.EventRef, m.Sequence, m.Collection, m.TokenID, m.From, m.To, m.Timestamp)
	}

	query := `INSERT INTO event_log.custody_moves
		(move_id, event_ref, sequence, collection, token_id, from_owner, to_owner, timestamp)
		VALUES ` + placeholders(len(moves), 8) +
		" ON CONFLICT (move_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
