package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"slabcore/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending anything to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "InstructionSubmitted":
		return parseInstructionSubmitted(raw.Data)
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdrawal":
		return parseWithdrawal(raw.Data)
	case "MarkPriceUpdate":
		return parseMarkPriceUpdate(raw.Data)
	case "FundingUpdate":
		return parseFundingUpdate(raw.Data)
	case "RiskParamUpdate":
		return parseRiskParamUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. The instruction
// payload itself stays binary (base64 in JSON) and is decoded by the core.

type instructionJSON struct {
	SubmissionID  string `json:"submission_id"`
	UserID        string `json:"user_id"`
	Program       uint8  `json:"program"`
	InstrumentIdx uint16 `json:"instrument_idx"`
	Market        string `json:"market"`
	Payload       []byte `json:"payload"`
	TargetUserID  string `json:"target_user_id,omitempty"`
	Sequence      int64  `json:"sequence"`
	TimestampMs   uint64 `json:"timestamp_ms"`
}

func parseInstructionSubmitted(data []byte) (*event.InstructionSubmitted, error) {
	var j instructionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InstructionSubmitted: %w", err)
	}

	submissionID, err := uuid.Parse(j.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("parse submission_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}

	var targetID uuid.UUID
	if j.TargetUserID != "" {
		targetID, err = uuid.Parse(j.TargetUserID)
		if err != nil {
			return nil, fmt.Errorf("parse target_user_id: %w", err)
		}
	}

	if len(j.Payload) == 0 {
		return nil, fmt.Errorf("instruction %s has empty payload", submissionID)
	}

	return &event.InstructionSubmitted{
		SubmissionID:  submissionID,
		UserID:        userID,
		Program:       j.Program,
		InstrumentIdx: j.InstrumentIdx,
		Market:        j.Market,
		Payload:       j.Payload,
		TargetUserID:  targetID,
		Sequence:      j.Sequence,
		Timestamp:     j.TimestampMs,
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampMs uint64 `json:"timestamp_ms"`
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.Deposit{
		DepositID: depositID,
		UserID:    userID,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampMs,
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampMs  uint64 `json:"timestamp_ms"`
}

func parseWithdrawal(data []byte) (*event.Withdrawal, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdrawal: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.Withdrawal{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    j.TimestampMs,
	}, nil
}

type markPriceJSON struct {
	Market        string `json:"market"`
	InstrumentIdx uint16 `json:"instrument_idx"`
	MarkPrice     int64  `json:"mark_price"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampMs   uint64 `json:"timestamp_ms"`
}

func parseMarkPriceUpdate(data []byte) (*event.MarkPriceUpdate, error) {
	var j markPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarkPriceUpdate: %w", err)
	}
	return &event.MarkPriceUpdate{
		Market:        j.Market,
		InstrumentIdx: j.InstrumentIdx,
		MarkPrice:     j.MarkPrice,
		PriceSequence: j.PriceSequence,
		Timestamp:     j.TimestampMs,
	}, nil
}

type fundingJSON struct {
	Market        string `json:"market"`
	InstrumentIdx uint16 `json:"instrument_idx"`
	FundingRate   int64  `json:"funding_rate"`
	CumFunding    int64  `json:"cum_funding"`
	EpochID       int64  `json:"epoch_id"`
	TimestampMs   uint64 `json:"timestamp_ms"`
}

func parseFundingUpdate(data []byte) (*event.FundingUpdate, error) {
	var j fundingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingUpdate: %w", err)
	}
	return &event.FundingUpdate{
		Market:        j.Market,
		InstrumentIdx: j.InstrumentIdx,
		FundingRate:   j.FundingRate,
		CumFunding:    j.CumFunding,
		EpochID:       j.EpochID,
		Timestamp:     j.TimestampMs,
	}, nil
}

type riskParamJSON struct {
	Market        string `json:"market"`
	InstrumentIdx uint16 `json:"instrument_idx"`
	IMFraction    int64  `json:"im_fraction"`
	MMFraction    int64  `json:"mm_fraction"`
	EffectiveSeq  int64  `json:"effective_seq"`
	TimestampMs   uint64 `json:"timestamp_ms"`
}

func parseRiskParamUpdate(data []byte) (*event.RiskParamUpdate, error) {
	var j riskParamJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RiskParamUpdate: %w", err)
	}
	return &event.RiskParamUpdate{
		Market:        j.Market,
		InstrumentIdx: j.InstrumentIdx,
		IMFraction:    j.IMFraction,
		MMFraction:    j.MMFraction,
		EffectiveSeq:  j.EffectiveSeq,
		Timestamp:     j.TimestampMs,
	}, nil
}
