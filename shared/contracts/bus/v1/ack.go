package v1

import (
	"encoding/json"
	"fmt"
)

// Ack is the system's six-value delivery vocabulary.
type Ack int

const (
	AckError Ack = iota
	AckPending
	AckSent
	AckReceived
	AckRead
	AckPlayed
)

// AckSendFailed is the value carried by a failed-send acknowledgment, always paired
// with a non-empty Error. Backends treat ack 5 plus error as a failure.
const AckSendFailed = AckPlayed

var ackNames = [...]string{"error", "pending", "sent", "received", "read", "played"}

// AckFromStatus maps a protocol delivery-state code onto Ack.
// Codes outside 0..5 report ok=false and must not produce an event.
func AckFromStatus(code int) (Ack, bool) {
	if code < int(AckError) || code > int(AckPlayed) {
		return 0, false
	}
	return Ack(code), true
}

func (a Ack) String() string {
	if a < AckError || a > AckPlayed {
		return fmt.Sprintf("ack(%d)", int(a))
	}
	return ackNames[a]
}

// MarshalJSON keeps the numeric wire form.
func (a Ack) MarshalJSON() ([]byte, error) { return json.Marshal(int(a)) }
