package event

// EventType discriminates envelope payloads in the event log.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInstruction
	EventTypeOrderPlaced
	EventTypeOrderCancelled
	EventTypeFillExecuted
	EventTypeHoldReserved
	EventTypeHoldCommitted
	EventTypeHoldCancelled
	EventTypeBatchOpened
	EventTypeLiquidationExecuted
	EventTypeDeposit
	EventTypeWithdrawal
	EventTypeMarkPriceUpdate
	EventTypeFundingUpdate
	EventTypeRiskParamUpdate
)

func (et EventType) String() string {
	switch et {
	case EventTypeInstruction:
		return "Instruction"
	case EventTypeOrderPlaced:
		return "OrderPlaced"
	case EventTypeOrderCancelled:
		return "OrderCancelled"
	case EventTypeFillExecuted:
		return "FillExecuted"
	case EventTypeHoldReserved:
		return "HoldReserved"
	case EventTypeHoldCommitted:
		return "HoldCommitted"
	case EventTypeHoldCancelled:
		return "HoldCancelled"
	case EventTypeBatchOpened:
		return "BatchOpened"
	case EventTypeLiquidationExecuted:
		return "LiquidationExecuted"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdrawal:
		return "Withdrawal"
	case EventTypeMarkPriceUpdate:
		return "MarkPriceUpdate"
	case EventTypeFundingUpdate:
		return "FundingUpdate"
	case EventTypeRiskParamUpdate:
		return "RiskParamUpdate"
	default:
		return "Unknown"
	}
}

// Envelope wraps every record in the event log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Instrument context (nil for global events like deposits)
	Symbol *string

	// Versioned input timestamp in milliseconds; the engine never reads
	// the wall clock
	TsMs uint64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// Binary event payload, where the event carries one
	Payload []byte

	// SHA-256 of state after applying this event, chained to the previous
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is the interface every inbound event implements.
type Event interface {
	IdempotencyKey() string
	EventType() EventType
	Symbol() *string
	SourceSequence() int64
	TsMs() uint64
}
