package lifecycle

import "fmt"

// State is a controller's position in one of its workflows.
type State uint8

const (
	StateIdle State = iota
	StateGenerating
	StateEmbedding
	StateAwaitingSettlement
	StateSettled
	StateTimedOut
	StateFailed
	StateExtracting
	StateExtracted
	StateRedeeming
	StateRedeemed
	StateIssuing
	StateEmbedded
	StatePaying
	StatePaid
	StatePaymentPending
)

var stateNames = map[State]string{
	StateIdle:               "idle",
	StateGenerating:         "generating",
	StateEmbedding:          "embedding",
	StateAwaitingSettlement: "awaiting_settlement",
	StateSettled:            "settled",
	StateTimedOut:           "timed_out",
	StateFailed:             "failed",
	StateExtracting:         "extracting",
	StateExtracted:          "extracted",
	StateRedeeming:          "redeeming",
	StateRedeemed:           "redeemed",
	StateIssuing:            "issuing",
	StateEmbedded:           "embedded",
	StatePaying:             "paying",
	StatePaid:               "paid",
	StatePaymentPending:     "payment_pending",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText lets states appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy reports whether a workflow is in progress.
func (s State) Busy() bool {
	switch s {
	case StateGenerating, StateEmbedding, StateAwaitingSettlement,
		StateExtracting, StateRedeeming, StateIssuing, StatePaying:

		return true
	}
	return false
}
