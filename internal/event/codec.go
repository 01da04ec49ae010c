package event

import (
	"encoding/json"
	"fmt"
)

// wrapper tags a serialized event with its source type so the log can be
// replayed without guessing from the envelope's effect type.
type wrapper struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalEvent serializes a source event for the event log payload column.
func MarshalEvent(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	return json.Marshal(wrapper{Type: evt.EventType().String(), Data: data})
}

// UnmarshalEvent decodes a payload written by MarshalEvent back into the
// typed source event for replay.
func UnmarshalEvent(payload []byte) (Event, error) {
	var w wrapper
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("unmarshal event wrapper: %w", err)
	}

	var evt Event
	switch w.Type {
	case EventTypeInstruction.String():
		evt = &InstructionSubmitted{}
	case EventTypeDeposit.String():
		evt = &Deposit{}
	case EventTypeWithdrawal.String():
		evt = &Withdrawal{}
	case EventTypeMarkPriceUpdate.String():
		evt = &MarkPriceUpdate{}
	case EventTypeFundingUpdate.String():
		evt = &FundingUpdate{}
	case EventTypeRiskParamUpdate.String():
		evt = &RiskParamUpdate{}
	default:
		return nil, fmt.Errorf("unknown source event type: %s", w.Type)
	}

	if err := json.Unmarshal(w.Data, evt); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", w.Type, err)
	}
	return evt, nil
}
