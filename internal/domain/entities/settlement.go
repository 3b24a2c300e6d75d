package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
)

// AttemptStatus represents settlement attempt status
type AttemptStatus string

const (
	AttemptStatusSubmitted AttemptStatus = "SUBMITTED"
	AttemptStatusConfirmed AttemptStatus = "CONFIRMED"
	AttemptStatusFailed    AttemptStatus = "FAILED"
)

// DirectTransferMessageID marks same-chain attempts that have no bridge leg.
const DirectTransferMessageID = "direct-transfer"

// SettlementAttempt is one payment transaction made toward a debt
type SettlementAttempt struct {
	ID                uuid.UUID     `json:"id"`
	DebtID            uuid.UUID     `json:"debtId"`
	Ower              Identity      `json:"ower"`
	SourceChain       uint64        `json:"sourceChain"`
	DestinationChain  uint64        `json:"destinationChain"`
	TokenType         TokenType     `json:"tokenType"`
	AmountBaseUnits   string        `json:"amountBaseUnits"`
	BridgeMessageID   string        `json:"bridgeMessageId,omitempty"`
	TransactionHash   string        `json:"transactionHash"`
	Status            AttemptStatus `json:"status"`
	ExplorerURL       string        `json:"explorerUrl,omitempty"`
	FailureReason     null.String   `json:"failureReason"`
	BlockNumber       null.Uint64   `json:"blockNumber"`
	BlockHash         null.String   `json:"blockHash"`
	DestinationTxHash null.String   `json:"destinationTxHash"`
	ConfirmedAt       null.Time     `json:"confirmedAt"`
	SubmittedAt       time.Time     `json:"submittedAt"`
	NextPollAt        time.Time     `json:"-"`
	PollCount         int           `json:"-"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// IsTerminal reports whether the attempt can no longer change.
func (a *SettlementAttempt) IsTerminal() bool {
	return a.Status == AttemptStatusConfirmed || a.Status == AttemptStatusFailed
}

// IsDirectTransfer reports whether the attempt settles without a bridge leg.
func (a *SettlementAttempt) IsDirectTransfer() bool {
	return a.SourceChain == a.DestinationChain
}

// HasBridgeMessageID reports whether a real bridge message id is known.
func (a *SettlementAttempt) HasBridgeMessageID() bool {
	return a.BridgeMessageID != "" && a.BridgeMessageID != DirectTransferMessageID
}

// BlockInfo describes where a settlement landed
type BlockInfo struct {
	BlockNumber       uint64    `json:"blockNumber"`
	BlockHash         string    `json:"blockHash,omitempty"`
	DestinationTxHash string    `json:"destinationTxHash,omitempty"`
	ConfirmedAt       time.Time `json:"confirmedAt"`
}

// AttemptKind selects which submitted attempts a sweep should pick up
type AttemptKind string

const (
	AttemptKindDirect AttemptKind = "direct"
	AttemptKindBridge AttemptKind = "bridge"
)

// ApprovalRequirement tells the signer whether an ERC20 approve must precede the payment.
type ApprovalRequirement struct {
	Required         bool   `json:"required"`
	Spender          string `json:"spender,omitempty"`
	Amount           string `json:"amount,omitempty"`
	CurrentAllowance string `json:"currentAllowance,omitempty"`
}

// PaymentIntent carries everything an external signer needs to build the transaction
type PaymentIntent struct {
	DebtID                   uuid.UUID           `json:"debtId"`
	Ower                     Identity            `json:"ower"`
	Receiver                 string              `json:"receiver"`
	SourceChain              uint64              `json:"sourceChain"`
	DestinationChain         uint64              `json:"destinationChain"`
	ContractAddress          string              `json:"contractAddress"`
	TokenAddress             string              `json:"tokenAddress"`
	DestinationTokenAddress  string              `json:"destinationTokenAddress"`
	AmountBaseUnits          string              `json:"amountBaseUnits"`
	DisplayAmount            string              `json:"displayAmount"`
	Decimals                 int32               `json:"decimals"`
	DestinationChainSelector uint64              `json:"destinationChainSelector,string"`
	TokenType                TokenType           `json:"tokenType"`
	TokenTypeCode            uint8               `json:"tokenTypeCode"`
	SameChain                bool                `json:"sameChain"`
	CallData                 string              `json:"callData"`
	Approval                 ApprovalRequirement `json:"approval"`
	FeeHint                  string              `json:"feeHint,omitempty"`
}

// BalanceCheck is the result of a balance verification
type BalanceCheck struct {
	Sufficient      bool   `json:"sufficient"`
	CurrentBalance  string `json:"currentBalance"`
	RequiredBalance string `json:"requiredBalance"`
	Decimals        int32  `json:"decimals"`
	TokenAddress    string `json:"tokenAddress"`
}
