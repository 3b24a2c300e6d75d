package entities

// BridgeState is the delivery state of a bridge message
type BridgeState string

const (
	BridgeStatePending BridgeState = "PENDING"
	BridgeStateSuccess BridgeState = "SUCCESS"
	BridgeStateFailure BridgeState = "FAILURE"
)

// IsTerminal reports whether the message will not change state anymore.
func (s BridgeState) IsTerminal() bool {
	return s == BridgeStateSuccess || s == BridgeStateFailure
}

// BridgeMessageStatus is what a bridge status source knows about a message
type BridgeMessageStatus struct {
	MessageID         string      `json:"messageId"`
	State             BridgeState `json:"state"`
	DestinationTxHash string      `json:"destinationTxHash,omitempty"`
	BlockNumber       uint64      `json:"blockNumber,omitempty"`
	Reason            string      `json:"reason,omitempty"`
}
