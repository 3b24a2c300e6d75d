package usecases

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/metrics"
	"anypay.backend/pkg/logger"
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)")
var erc20TransferTopic = common.BytesToHash(crypto.Keccak256([]byte("Transfer(address,address,uint256)")))

// CoordinatorConfig tunes same-chain confirmation
type CoordinatorConfig struct {
	ConfirmationDepth uint64
	RPCTimeout        time.Duration
	MaxAttemptAge     time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Concurrency       int
	BatchSize         int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.ConfirmationDepth == 0 {
		c.ConfirmationDepth = DefaultConfirmationDepth
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.MaxAttemptAge <= 0 {
		c.MaxAttemptAge = DefaultMaxAttemptAge
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultPollConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultSweepLimit
	}
	return c
}

// PrepareRequest asks for everything needed to sign a settlement
type PrepareRequest struct {
	DebtID      uuid.UUID
	Ower        entities.Identity
	SourceChain uint64
	TokenType   entities.TokenType
}

// PreparedSettlement is the result of a successful prepare
type PreparedSettlement struct {
	Intent  *entities.PaymentIntent `json:"intent"`
	Balance *entities.BalanceCheck  `json:"balance"`
}

// AdHocDebt describes a debt created on first submission when it is not stored yet
type AdHocDebt struct {
	Payer       entities.Identity
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// SubmitRequest reports a broadcast payment transaction
type SubmitRequest struct {
	DebtID          uuid.UUID
	Ower            entities.Identity
	SourceChain     uint64
	TokenType       entities.TokenType
	TransactionHash string
	// BridgeMessageID is optional; the reconciler reads it from the receipt otherwise.
	BridgeMessageID string
	AdHoc           *AdHocDebt
}

// SubmitResult is the debt after recording a submission and the attempt it holds
type SubmitResult struct {
	Debt    *entities.Debt              `json:"debt"`
	Attempt *entities.SettlementAttempt `json:"attempt"`
}

// FinalizeRequest is an explicit terminal outcome for an attempt
type FinalizeRequest struct {
	DebtID     uuid.UUID
	AttemptRef string
	Status     entities.AttemptStatus
	Block      entities.BlockInfo
	Reason     string
}

// SettlementCoordinator is the request-facing entry point of the settlement flow
type SettlementCoordinator struct {
	ledger   *SettlementLedger
	verifier *BalanceVerifier
	builder  *IntentBuilder
	registry ChainRegistry
	clients  ChainClientProvider
	cfg      CoordinatorConfig
	now      func() time.Time
}

// NewSettlementCoordinator creates a new coordinator
func NewSettlementCoordinator(
	ledger *SettlementLedger,
	verifier *BalanceVerifier,
	builder *IntentBuilder,
	registry ChainRegistry,
	clients ChainClientProvider,
	cfg CoordinatorConfig,
) *SettlementCoordinator {
	return &SettlementCoordinator{
		ledger:   ledger,
		verifier: verifier,
		builder:  builder,
		registry: registry,
		clients:  clients,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Prepare builds the payment intent and checks the ower's balance against it. It writes nothing.
func (c *SettlementCoordinator) Prepare(ctx context.Context, req PrepareRequest) (*PreparedSettlement, error) {
	debt, err := c.ledger.GetDebt(ctx, req.DebtID)
	if err != nil {
		return nil, err
	}
	intent, err := c.builder.BuildIntent(ctx, debt, req.Ower, req.SourceChain, req.TokenType)
	if err != nil {
		return nil, err
	}

	token, err := c.registry.Token(req.SourceChain, req.TokenType)
	if err != nil {
		return nil, err
	}
	required, ok := new(big.Int).SetString(intent.AmountBaseUnits, 10)
	if !ok {
		return nil, fmt.Errorf("intent amount %q: %w", intent.AmountBaseUnits, domainerrors.ErrInvalidAmount)
	}

	wallet := req.Ower.WalletAddress
	if wallet == "" {
		wallet = intent.Ower.WalletAddress
	}
	check, err := c.verifier.CheckBaseUnits(ctx, wallet, req.SourceChain, token, required)
	if err != nil {
		return nil, err
	}
	if !check.Sufficient {
		insufficient := fmt.Errorf("wallet holds %s %s, needs %s: %w",
			check.CurrentBalance, req.TokenType, check.RequiredBalance, domainerrors.ErrInsufficientBalance)
		return nil, domainerrors.FromError(insufficient).WithDetails(check)
	}
	return &PreparedSettlement{Intent: intent, Balance: check}, nil
}

// Submit records a broadcast transaction. Re-submitting the same hash returns the same state.
func (c *SettlementCoordinator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	txHash, err := NormalizeTxHash(req.TransactionHash)
	if err != nil {
		return nil, err
	}
	if req.BridgeMessageID != "" && !IsHash32(req.BridgeMessageID) {
		return nil, fmt.Errorf("bridge message id %q: %w", req.BridgeMessageID, domainerrors.ErrInvalidInput)
	}
	if req.Ower.IsZero() || req.DebtID == uuid.Nil {
		return nil, fmt.Errorf("debt id and ower are required: %w", domainerrors.ErrInvalidInput)
	}

	source, err := c.registry.Lookup(req.SourceChain)
	if err != nil {
		return nil, err
	}
	token, err := c.registry.Token(req.SourceChain, req.TokenType)
	if err != nil {
		return nil, err
	}
	settlement := c.registry.SettlementChain()
	if _, ok := settlement.Token(req.TokenType); !ok {
		return nil, fmt.Errorf("%s on settlement chain %d: %w", req.TokenType, settlement.ChainID, domainerrors.ErrUnsupportedToken)
	}

	var debt *entities.Debt
	if req.AdHoc != nil {
		debt, _, err = c.ledger.EnsureDebt(ctx, req.DebtID, CreateDebtInput{
			Payer:       req.AdHoc.Payer,
			Owers:       []entities.DebtOwer{{Identity: req.Ower, Amount: req.AdHoc.Amount}},
			TotalAmount: req.AdHoc.Amount,
			Currency:    req.AdHoc.Currency,
			Description: req.AdHoc.Description,
		})
	} else {
		debt, err = c.ledger.GetDebt(ctx, req.DebtID)
	}
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(debt.Payer.WalletAddress) {
		return nil, fmt.Errorf("payer %s has no wallet address: %w", debt.Payer, domainerrors.ErrInvalidInput)
	}
	share, ok := debt.FindOwer(req.Ower)
	if !ok {
		return nil, fmt.Errorf("%s on debt %s: %w", req.Ower, debt.ID, domainerrors.ErrOwerNotFound)
	}
	amount, err := DecimalToBaseUnits(share.Amount, token.Decimals)
	if err != nil {
		return nil, err
	}

	attempt := &entities.SettlementAttempt{
		SourceChain:      source.ChainID,
		DestinationChain: settlement.ChainID,
		TokenType:        req.TokenType,
		AmountBaseUnits:  amount.String(),
		BridgeMessageID:  req.BridgeMessageID,
		TransactionHash:  txHash,
		ExplorerURL:      source.TxURL(txHash),
	}
	debt, err = c.ledger.RecordSubmission(ctx, debt.ID, req.Ower, attempt)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Debt: debt, Attempt: debt.AttemptByRef(txHash)}, nil
}

// Finalize applies an explicit CONFIRMED or FAILED outcome to an attempt
func (c *SettlementCoordinator) Finalize(ctx context.Context, req FinalizeRequest) (*entities.Debt, error) {
	switch req.Status {
	case entities.AttemptStatusConfirmed:
		return c.ledger.RecordConfirmation(ctx, req.DebtID, req.AttemptRef, req.Block)
	case entities.AttemptStatusFailed:
		return c.ledger.RecordFailure(ctx, req.DebtID, req.AttemptRef, req.Reason)
	default:
		return nil, fmt.Errorf("final status %q: %w", req.Status, domainerrors.ErrInvalidInput)
	}
}

// QueryForUser returns the debts an identity is owed, owes, and has completed
func (c *SettlementCoordinator) QueryForUser(ctx context.Context, identity entities.Identity) (*entities.UserDebts, error) {
	return c.ledger.QueryForUser(ctx, identity)
}

// ConfirmDirectTransfers checks every due same-chain attempt against its receipt. An attempt is
// confirmed once its block is ConfirmationDepth blocks deep and it pays the payer.
func (c *SettlementCoordinator) ConfirmDirectTransfers(ctx context.Context) (ReconcileResult, error) {
	now := c.now()
	attempts, err := c.ledger.ListPendingAttempts(ctx, entities.AttemptKindDirect, now, c.cfg.BatchSize)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list pending direct transfers: %w", err)
	}
	metrics.PendingAttempts.WithLabelValues(string(entities.AttemptKindDirect)).Set(float64(len(attempts)))

	var confirmed, failed, pending atomic.Int64
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, a := range attempts {
		g.Go(func() error {
			switch c.confirmDirect(ctx, a, now) {
			case outcomeConfirmed:
				confirmed.Add(1)
			case outcomeFailed:
				failed.Add(1)
			default:
				pending.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return ReconcileResult{
		Checked:   len(attempts),
		Confirmed: int(confirmed.Load()),
		Failed:    int(failed.Load()),
		Pending:   int(pending.Load()),
	}, ctx.Err()
}

func (c *SettlementCoordinator) confirmDirect(ctx context.Context, a *entities.SettlementAttempt, now time.Time) outcome {
	client, err := c.clients.ClientFor(a.SourceChain)
	if err != nil {
		logger.Warn(ctx, "No client for direct transfer chain", zap.Uint64("chain_id", a.SourceChain), zap.Error(err))
		return c.rescheduleDirect(ctx, a, now)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	defer cancel()
	receipt, err := client.GetTransactionReceipt(rpcCtx, a.TransactionHash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		if now.Sub(a.SubmittedAt) > c.cfg.MaxAttemptAge {
			return c.failDirect(ctx, a, fmt.Sprintf("transaction not confirmed within %s", c.cfg.MaxAttemptAge))
		}
		return c.rescheduleDirect(ctx, a, now)
	case err != nil:
		logger.Warn(ctx, "Receipt lookup failed", zap.String("tx_hash", a.TransactionHash), zap.Error(err))
		return c.rescheduleDirect(ctx, a, now)
	case receipt.Status == types.ReceiptStatusFailed:
		return c.failDirect(ctx, a, "transaction reverted")
	}

	head, err := client.GetBlockNumber(rpcCtx)
	if err != nil {
		logger.Warn(ctx, "Block number lookup failed", zap.Uint64("chain_id", a.SourceChain), zap.Error(err))
		return c.rescheduleDirect(ctx, a, now)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < c.cfg.ConfirmationDepth {
		return c.rescheduleDirect(ctx, a, now)
	}

	terms, reason, err := paymentTermsFor(ctx, c.ledger, c.registry, a)
	switch {
	case err != nil:
		logger.Warn(ctx, "Payment terms lookup failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
		return c.rescheduleDirect(ctx, a, now)
	case reason != "":
		return c.failDirect(ctx, a, reason)
	case !terms.paidBy(receipt):
		return c.failDirect(ctx, a, terms.mismatch(a))
	}

	_, err = c.Finalize(ctx, FinalizeRequest{
		DebtID:     a.DebtID,
		AttemptRef: a.ID.String(),
		Status:     entities.AttemptStatusConfirmed,
		Block: entities.BlockInfo{
			BlockNumber:       mined,
			BlockHash:         receipt.BlockHash.Hex(),
			DestinationTxHash: a.TransactionHash,
			ConfirmedAt:       now,
		},
	})
	if err != nil {
		if errors.Is(err, domainerrors.ErrInvalidAttemptReference) || errors.Is(err, domainerrors.ErrAlreadySettled) {
			return outcomePending
		}
		logger.Error(ctx, "Record direct confirmation failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
		return c.rescheduleDirect(ctx, a, now)
	}
	return outcomeConfirmed
}

// paymentTerms is what a settlement transaction must deliver for one attempt
type paymentTerms struct {
	payee  common.Address
	token  common.Address
	amount *big.Int
}

// paymentTermsFor resolves the payee, source token and amount an attempt must pay. A non-empty
// reason means no transaction can ever satisfy the attempt; err means the lookup should be retried.
func paymentTermsFor(ctx context.Context, ledger *SettlementLedger, registry ChainRegistry, a *entities.SettlementAttempt) (*paymentTerms, string, error) {
	debt, err := ledger.GetDebt(ctx, a.DebtID)
	if err != nil {
		return nil, "", err
	}
	if !common.IsHexAddress(debt.Payer.WalletAddress) {
		return nil, "payer has no wallet address", nil
	}
	token, err := registry.Token(a.SourceChain, a.TokenType)
	if err != nil {
		return nil, "", err
	}
	amount, ok := new(big.Int).SetString(a.AmountBaseUnits, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Sprintf("attempt amount %q is not a positive base unit value", a.AmountBaseUnits), nil
	}
	return &paymentTerms{
		payee:  common.HexToAddress(debt.Payer.WalletAddress),
		token:  common.HexToAddress(token.Address),
		amount: amount,
	}, "", nil
}

// paidBy looks for an ERC20 Transfer log of the token to the payee for at least the amount.
func (t *paymentTerms) paidBy(receipt *types.Receipt) bool {
	for _, l := range receipt.Logs {
		if l == nil || l.Address != t.token || len(l.Topics) != 3 || l.Topics[0] != erc20TransferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != t.payee {
			continue
		}
		if new(big.Int).SetBytes(l.Data).Cmp(t.amount) >= 0 {
			return true
		}
	}
	return false
}

func (t *paymentTerms) mismatch(a *entities.SettlementAttempt) string {
	return fmt.Sprintf("transaction does not transfer %s base units of %s to the payer", a.AmountBaseUnits, a.TokenType)
}

func (c *SettlementCoordinator) failDirect(ctx context.Context, a *entities.SettlementAttempt, reason string) outcome {
	_, err := c.Finalize(ctx, FinalizeRequest{
		DebtID:     a.DebtID,
		AttemptRef: a.ID.String(),
		Status:     entities.AttemptStatusFailed,
		Reason:     reason,
	})
	if err != nil {
		logger.Error(ctx, "Record direct failure failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
		return outcomePending
	}
	return outcomeFailed
}

func (c *SettlementCoordinator) rescheduleDirect(ctx context.Context, a *entities.SettlementAttempt, now time.Time) outcome {
	next := now.Add(pollDelay(c.cfg.InitialBackoff, c.cfg.MaxBackoff, a.PollCount))
	if err := c.ledger.ReschedulePoll(ctx, a.ID, next, a.PollCount+1); err != nil {
		logger.Error(ctx, "Reschedule direct transfer failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
	}
	return outcomePending
}
