package usecases

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/pkg/logger"
)

var (
	abiAddress, _ = abi.NewType("address", "", nil)
	abiUint64, _  = abi.NewType("uint64", "", nil)
	abiUint256, _ = abi.NewType("uint256", "", nil)

	transferArgs       = abi.Arguments{{Type: abiAddress}, {Type: abiUint256}}
	transferTokensArgs = abi.Arguments{{Type: abiUint64}, {Type: abiAddress}, {Type: abiAddress}, {Type: abiUint256}}
)

// IntentBuilder produces the exact call a wallet must sign to pay an ower's share.
// It never signs or submits anything.
type IntentBuilder struct {
	registry ChainRegistry
	clients  ChainClientProvider
	timeout  time.Duration
}

// NewIntentBuilder creates a new intent builder. clients may be nil, in which case
// approval and fee hints are not looked up.
func NewIntentBuilder(registry ChainRegistry, clients ChainClientProvider, timeout time.Duration) *IntentBuilder {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &IntentBuilder{registry: registry, clients: clients, timeout: timeout}
}

// BuildIntent validates the request against the debt and the registry and encodes the payment call.
func (b *IntentBuilder) BuildIntent(ctx context.Context, debt *entities.Debt, ower entities.Identity, sourceChain uint64, tokenType entities.TokenType) (*entities.PaymentIntent, error) {
	if debt == nil {
		return nil, domainerrors.ErrDebtNotFound
	}
	share, ok := debt.FindOwer(ower)
	if !ok {
		return nil, fmt.Errorf("%s on debt %s: %w", ower, debt.ID, domainerrors.ErrOwerNotFound)
	}
	if debt.IsCompleted() || debt.ConfirmedAttemptFor(share.Identity) != nil {
		return nil, fmt.Errorf("debt %s: %w", debt.ID, domainerrors.ErrDebtAlreadySettled)
	}

	source, err := b.registry.Lookup(sourceChain)
	if err != nil {
		return nil, err
	}
	sourceToken, err := b.registry.Token(sourceChain, tokenType)
	if err != nil {
		return nil, err
	}
	settlement := b.registry.SettlementChain()
	destToken, ok := settlement.Token(tokenType)
	if !ok {
		return nil, fmt.Errorf("%s on settlement chain %d: %w", tokenType, settlement.ChainID, domainerrors.ErrUnsupportedToken)
	}

	if !common.IsHexAddress(debt.Payer.WalletAddress) {
		return nil, fmt.Errorf("payer %s has no wallet address: %w", debt.Payer, domainerrors.ErrInvalidInput)
	}
	receiver := common.HexToAddress(debt.Payer.WalletAddress)

	amount, err := DecimalToBaseUnits(share.Amount, sourceToken.Decimals)
	if err != nil {
		return nil, err
	}

	intent := &entities.PaymentIntent{
		DebtID:                   debt.ID,
		Ower:                     share.Identity,
		Receiver:                 receiver.Hex(),
		SourceChain:              source.ChainID,
		DestinationChain:         settlement.ChainID,
		TokenAddress:             sourceToken.Address,
		DestinationTokenAddress:  destToken.Address,
		AmountBaseUnits:          amount.String(),
		DisplayAmount:            FormatBaseUnits(amount, sourceToken.Decimals),
		Decimals:                 sourceToken.Decimals,
		DestinationChainSelector: settlement.BridgeSelector,
		TokenType:                tokenType,
		TokenTypeCode:            sourceToken.Code,
		SameChain:                source.ChainID == settlement.ChainID,
	}

	if intent.SameChain {
		data, err := packCall(erc20TransferSig, transferArgs, receiver, amount)
		if err != nil {
			return nil, err
		}
		intent.ContractAddress = sourceToken.Address
		intent.CallData = "0x" + hex.EncodeToString(data)
		return intent, nil
	}

	if !common.IsHexAddress(source.SettlementContract) {
		return nil, fmt.Errorf("no settlement contract on chain %d: %w", source.ChainID, domainerrors.ErrUnsupportedChain)
	}
	args := []interface{}{settlement.BridgeSelector, receiver, common.HexToAddress(sourceToken.Address), amount}
	data, err := packCall(transferTokensSig, transferTokensArgs, args...)
	if err != nil {
		return nil, err
	}
	intent.ContractAddress = source.SettlementContract
	intent.CallData = "0x" + hex.EncodeToString(data)
	intent.Approval = entities.ApprovalRequirement{
		Required: true,
		Spender:  source.SettlementContract,
		Amount:   amount.String(),
	}
	payingWallet := share.WalletAddress
	if ower.WalletAddress != "" {
		payingWallet = ower.WalletAddress
	}
	b.enrichFromChain(ctx, intent, payingWallet, args, amount)
	return intent, nil
}

// enrichFromChain fills the current allowance and a fee hint. Both are advisory, so
// lookup failures are logged and left blank.
func (b *IntentBuilder) enrichFromChain(ctx context.Context, intent *entities.PaymentIntent, owerWallet string, args []interface{}, amount *big.Int) {
	if b.clients == nil {
		return
	}
	client, err := b.clients.ClientFor(intent.SourceChain)
	if err != nil {
		logger.Warn(ctx, "No chain client for intent hints", zap.Uint64("chain_id", intent.SourceChain), zap.Error(err))
		return
	}
	rpcCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if common.IsHexAddress(owerWallet) {
		allowance, err := client.GetAllowance(rpcCtx, intent.TokenAddress, owerWallet, intent.ContractAddress)
		if err == nil && allowance != nil {
			intent.Approval.CurrentAllowance = allowance.String()
			intent.Approval.Required = allowance.Cmp(amount) < 0
		}
	}

	data, err := packCall(estimateTransferFeeSig, transferTokensArgs, args...)
	if err != nil {
		return
	}
	out, err := client.CallView(rpcCtx, intent.ContractAddress, data)
	if err != nil || len(out) < EVMWordSize {
		logger.Debug(ctx, "Fee estimate unavailable", zap.Uint64("chain_id", intent.SourceChain), zap.Error(err))
		return
	}
	intent.FeeHint = new(big.Int).SetBytes(out[:EVMWordSize]).String()
}

func packCall(signature string, args abi.Arguments, values ...interface{}) ([]byte, error) {
	packed, err := args.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", signature, err)
	}
	selector, err := hex.DecodeString(computeSelectorHex(signature)[2:])
	if err != nil {
		return nil, err
	}
	return append(selector, packed...), nil
}
