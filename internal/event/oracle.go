package event

import "fmt"

// MarkPriceUpdate carries a new oracle index price for one instrument.
// Sequence gaps are tolerated: a missed price tick is superseded by the next.
// Idempotency key: market + price sequence.
type MarkPriceUpdate struct {
	Market        string
	InstrumentIdx uint16
	MarkPrice     int64
	PriceSequence int64
	Timestamp     uint64
}

func (e *MarkPriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("mark:%s:%d", e.Market, e.PriceSequence)
}
func (e *MarkPriceUpdate) EventType() EventType { return EventTypeMarkPriceUpdate }
func (e *MarkPriceUpdate) Symbol() *string {
	m := e.Market
	return &m
}
func (e *MarkPriceUpdate) SourceSequence() int64 { return e.PriceSequence }
func (e *MarkPriceUpdate) TsMs() uint64          { return e.Timestamp }

// FundingUpdate advances an instrument's cumulative funding index and settles
// every open exposure against it.
type FundingUpdate struct {
	Market        string
	InstrumentIdx uint16
	FundingRate   int64
	CumFunding    int64
	EpochID       int64
	Timestamp     uint64
}

func (e *FundingUpdate) IdempotencyKey() string {
	return fmt.Sprintf("funding:%s:%d", e.Market, e.EpochID)
}
func (e *FundingUpdate) EventType() EventType { return EventTypeFundingUpdate }
func (e *FundingUpdate) Symbol() *string {
	m := e.Market
	return &m
}
func (e *FundingUpdate) SourceSequence() int64 { return e.EpochID }
func (e *FundingUpdate) TsMs() uint64          { return e.Timestamp }

// RiskParamUpdate replaces an instrument's margin fractions. Tick and lot are
// immutable after listing and are not part of the update.
type RiskParamUpdate struct {
	Market        string
	InstrumentIdx uint16
	IMFraction    int64 // parts per million
	MMFraction    int64
	EffectiveSeq  int64
	Timestamp     uint64
}

func (e *RiskParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("risk:%s:%d", e.Market, e.EffectiveSeq)
}
func (e *RiskParamUpdate) EventType() EventType { return EventTypeRiskParamUpdate }
func (e *RiskParamUpdate) Symbol() *string {
	m := e.Market
	return &m
}
func (e *RiskParamUpdate) SourceSequence() int64 { return e.EffectiveSeq }
func (e *RiskParamUpdate) TsMs() uint64          { return e.Timestamp }
