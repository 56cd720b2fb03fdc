package core

import (
	"errors"
	"fmt"
)

// ErrOutOfSequence is returned for a command that arrives out of order or
// after a gap in its source sequence. The command is not logged.
var ErrOutOfSequence = errors.New("source sequence out of order")

// SequenceValidator validates source sequences per partition. Each upstream
// source is one partition whose sequence starts at 0 and advances by one.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			// This is expected - already processed
			return nil
		}
		// Out-of-order delivery of NEW event
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("%w: out-of-order event: partition=%s, expected=%d, got=%d",
			ErrOutOfSequence, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		// Normal case - advance sequence
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	// sourceSequence > expected - gap detected
	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("%w: sequence gap: partition=%s, expected=%d, got=%d",
		ErrOutOfSequence, partition, expected, sourceSequence)
}

// ValidatePriceSequence checks an oracle update against the last sequence
// seen on its feed. Gaps are tolerated. It returns false for a stale update,
// which the core logs but does not apply.
func (sv *SequenceValidator) ValidatePriceSequence(
	feed string,
	priceSequence int64,
) bool {
	partition := fmt.Sprintf("price:%s", feed)

	next := sv.expectedNextSeq[partition]

	if priceSequence < next {
		sv.metrics.RecordStalePrice(feed)
		return false
	}

	if next > 0 && priceSequence > next {
		sv.metrics.RecordPriceGap(feed, next, priceSequence)
	}

	sv.expectedNextSeq[partition] = priceSequence + 1

	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of the expected sequence of every
// partition.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// Metrics returns the validator's counters.
func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
	priceGaps  map[string]int64 // feed -> price gap count
	stale      map[string]int64 // feed -> stale update count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		priceGaps:  make(map[string]int64),
		stale:      make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(feed string, expected, got int64) {
	m.priceGaps[feed]++
}

func (m *SequenceMetrics) RecordStalePrice(feed string) {
	m.stale[feed]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps(feed string) int64 {
	return m.priceGaps[feed]
}

func (m *SequenceMetrics) GetStalePrices(feed string) int64 {
	return m.stale[feed]
}
