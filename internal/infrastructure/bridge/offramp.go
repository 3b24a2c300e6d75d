package bridge

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"anypay.backend/internal/domain/entities"
)

const defaultLookbackBlocks = 5000

const eventsABI = `[
 {"anonymous":false,"name":"ExecutionStateChanged","type":"event","inputs":[
  {"indexed":true,"name":"sequenceNumber","type":"uint64"},
  {"indexed":true,"name":"messageId","type":"bytes32"},
  {"indexed":false,"name":"state","type":"uint8"},
  {"indexed":false,"name":"returnData","type":"bytes"}]},
 {"anonymous":false,"name":"TokensTransferred","type":"event","inputs":[
  {"indexed":true,"name":"messageId","type":"bytes32"},
  {"indexed":true,"name":"destinationChainSelector","type":"uint64"},
  {"indexed":false,"name":"receiver","type":"address"},
  {"indexed":false,"name":"token","type":"address"},
  {"indexed":false,"name":"tokenAmount","type":"uint256"},
  {"indexed":false,"name":"feeToken","type":"address"},
  {"indexed":false,"name":"fees","type":"uint256"}]}
]`

// OffRamp execution states
const (
	executionStateSuccess = 2
	executionStateFailure = 3
)

var parsedEvents = mustParseABI(eventsABI)

var (
	// ExecutionStateChangedTopic is emitted by the destination OffRamp when a message executes.
	ExecutionStateChangedTopic = parsedEvents.Events["ExecutionStateChanged"].ID
	// TokensTransferredTopic is emitted by the settlement contract when a bridge transfer is sent.
	TokensTransferredTopic = parsedEvents.Events["TokensTransferred"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// LogFilterer is the part of a chain client the OffRamp source needs
type LogFilterer interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
}

// ChainLookup resolves registry entries
type ChainLookup interface {
	Lookup(chainID uint64) (entities.ChainInfo, error)
}

// LogClientFunc returns the log client of a chain
type LogClientFunc func(chain entities.ChainInfo) (LogFilterer, error)

// OffRampSource reads ExecutionStateChanged logs on the destination chain
type OffRampSource struct {
	chains   ChainLookup
	clients  LogClientFunc
	lookback uint64
}

// NewOffRampSource creates an on-chain status source scanning the last lookback blocks
func NewOffRampSource(chains ChainLookup, clients LogClientFunc, lookback uint64) *OffRampSource {
	if lookback == 0 {
		lookback = defaultLookbackBlocks
	}
	return &OffRampSource{chains: chains, clients: clients, lookback: lookback}
}

// MessageStatus implements StatusSource
func (s *OffRampSource) MessageStatus(ctx context.Context, messageID string, _, destinationChain uint64) (*entities.BridgeMessageStatus, error) {
	chain, err := s.chains.Lookup(destinationChain)
	if err != nil {
		return nil, err
	}
	if chain.OffRamp == "" {
		return nil, fmt.Errorf("no off ramp configured for chain %d", destinationChain)
	}
	client, err := s.clients(chain)
	if err != nil {
		return nil, err
	}

	latest, err := client.GetBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block number: %w", err)
	}
	from := uint64(0)
	if latest > s.lookback {
		from = latest - s.lookback
	}

	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{common.HexToAddress(chain.OffRamp)},
		Topics: [][]common.Hash{
			{ExecutionStateChangedTopic},
			nil,
			{common.HexToHash(messageID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("filter off ramp logs: %w", err)
	}

	status := &entities.BridgeMessageStatus{MessageID: messageID, State: entities.BridgeStatePending}
	if len(logs) == 0 {
		return status, nil
	}
	// Manual re-execution can emit several logs; the newest wins.
	last := logs[len(logs)-1]
	values, err := parsedEvents.Unpack("ExecutionStateChanged", last.Data)
	if err != nil || len(values) < 2 {
		return nil, fmt.Errorf("decode execution state: %w", err)
	}
	state, _ := values[0].(uint8)
	returnData, _ := values[1].([]byte)

	status.DestinationTxHash = strings.ToLower(last.TxHash.Hex())
	status.BlockNumber = last.BlockNumber
	switch state {
	case executionStateSuccess:
		status.State = entities.BridgeStateSuccess
	case executionStateFailure:
		status.State = entities.BridgeStateFailure
		status.Reason = "bridge execution failed"
		if len(returnData) > 0 {
			status.Reason += ": 0x" + common.Bytes2Hex(returnData)
		}
	}
	return status, nil
}

// MessageIDFromReceipt extracts the bridge message id from the settlement contract's
// TokensTransferred log. An empty emitter accepts the log from any address.
func MessageIDFromReceipt(receipt *types.Receipt, emitter string) (string, bool) {
	l := tokensTransferredLog(receipt, emitter)
	if l == nil {
		return "", false
	}
	return strings.ToLower(l.Topics[1].Hex()), true
}

// SentTransfer is a decoded TokensTransferred log
type SentTransfer struct {
	MessageID string
	Receiver  common.Address
	Token     common.Address
	Amount    *big.Int
}

// SentTransferFromReceipt decodes the settlement contract's TokensTransferred log. ok is false
// when the receipt carries no such log or its data cannot be decoded.
func SentTransferFromReceipt(receipt *types.Receipt, emitter string) (*SentTransfer, bool) {
	l := tokensTransferredLog(receipt, emitter)
	if l == nil {
		return nil, false
	}
	values, err := parsedEvents.Unpack("TokensTransferred", l.Data)
	if err != nil || len(values) < 3 {
		return nil, false
	}
	receiver, ok1 := values[0].(common.Address)
	token, ok2 := values[1].(common.Address)
	amount, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, false
	}
	return &SentTransfer{
		MessageID: strings.ToLower(l.Topics[1].Hex()),
		Receiver:  receiver,
		Token:     token,
		Amount:    amount,
	}, true
}

func tokensTransferredLog(receipt *types.Receipt, emitter string) *types.Log {
	if receipt == nil {
		return nil
	}
	for _, l := range receipt.Logs {
		if l == nil || len(l.Topics) < 2 || l.Topics[0] != TokensTransferredTopic {
			continue
		}
		if emitter != "" && !strings.EqualFold(l.Address.Hex(), common.HexToAddress(emitter).Hex()) {
			continue
		}
		return l
	}
	return nil
}
