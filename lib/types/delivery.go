package types

import (
	"time"

	"github.com/runnerhub/runnerhub/lib/util"
)

// DeliveryState is the dedup/processing lifecycle of a webhook Delivery.
type DeliveryState string

const (
	DeliveryReceived  DeliveryState = "received"
	DeliveryValidated DeliveryState = "validated"
	DeliveryProcessed DeliveryState = "processed"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryDuplicate DeliveryState = "duplicate"
)

// Delivery is the raw webhook envelope recorded for dedup and replay.
// RawPayload keeps the body verbatim (deferring parsing to whichever
// event-specific type it turns out to be) so an operator can replay a
// delivery without GitHub re-sending it.
type Delivery struct {
	DeliveryID      string            `json:"delivery_id"`
	EventType       string            `json:"event_type"`
	Signature       string            `json:"signature"`
	PayloadHash     string            `json:"payload_hash"`
	RawPayload      util.UnparsedJSON `json:"raw_payload,omitempty"`
	ReceivedAt      time.Time         `json:"received_at"`
	ProcessingState DeliveryState     `json:"processing_state"`
}
