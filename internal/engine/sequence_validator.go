package engine

import (
	"fmt"
)

// SequenceValidator enforces per-partition source ordering. Instruction
// partitions are strict: gaps and out-of-order delivery fail. Price
// partitions tolerate gaps, since a missed tick is superseded by the next.
// Not thread-safe; only touched from the single-threaded engine loop.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{expectedNextSeq: make(map[string]int64)}
}

// ValidateSequence checks strict source ordering for a partition.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]
	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}
	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidatePriceSequence accepts any forward progress; stale ticks are
// silently ignored by the caller re-checking the return.
func (sv *SequenceValidator) ValidatePriceSequence(market string, priceSequence int64) error {
	partition := fmt.Sprintf("price:%s", market)
	expected := sv.expectedNextSeq[partition]
	if priceSequence <= expected {
		return nil
	}
	sv.expectedNextSeq[partition] = priceSequence + 1
	return nil
}

// Expected returns the next expected sequence for a partition.
func (sv *SequenceValidator) Expected(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition re-seats a partition cursor during snapshot restore.
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNextSeq[partition] = next
}

// Partitions returns every cursor, for snapshotting.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
