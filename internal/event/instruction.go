package event

import (
	"github.com/google/uuid"
)

// InstructionSubmitted is one signed trading instruction from the gateway:
// a discriminator-prefixed binary payload routed to a program family.
// Idempotency key: submission_id assigned by the gateway.
type InstructionSubmitted struct {
	SubmissionID  uuid.UUID
	UserID        uuid.UUID
	Program       uint8
	InstrumentIdx uint16
	Market        string
	Payload       []byte
	// TargetUserID is set for liquidation instructions: the portfolio to
	// liquidate, distinct from the submitting liquidator.
	TargetUserID uuid.UUID
	Sequence     int64
	Timestamp    uint64
}

func (e *InstructionSubmitted) IdempotencyKey() string { return e.SubmissionID.String() }
func (e *InstructionSubmitted) EventType() EventType   { return EventTypeInstruction }
func (e *InstructionSubmitted) Symbol() *string {
	m := e.Market
	return &m
}
func (e *InstructionSubmitted) SourceSequence() int64 { return e.Sequence }
func (e *InstructionSubmitted) TsMs() uint64          { return e.Timestamp }
