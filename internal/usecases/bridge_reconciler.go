package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/infrastructure/bridge"
	"anypay.backend/internal/metrics"
	"anypay.backend/pkg/logger"
)

// ReconcilerConfig tunes bridge polling
type ReconcilerConfig struct {
	BridgeTimeout  time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttemptAge  time.Duration
	Concurrency    int
	BatchSize      int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.BridgeTimeout <= 0 {
		c.BridgeTimeout = DefaultBridgeTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultPollInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = DefaultPollMaxBackoff
	}
	if c.MaxAttemptAge <= 0 {
		c.MaxAttemptAge = DefaultMaxAttemptAge
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultPollConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultSweepLimit
	}
	return c
}

// DeliveryNotification is a push from the bridge that a message reached a terminal state
type DeliveryNotification struct {
	MessageID         string               `json:"messageId" binding:"required"`
	State             entities.BridgeState `json:"state" binding:"required,oneof=PENDING SUCCESS FAILURE"`
	DestinationTxHash string               `json:"destinationTxHash"`
	BlockNumber       uint64               `json:"blockNumber"`
	Reason            string               `json:"reason"`
}

// ReconcileResult summarizes one sweep
type ReconcileResult struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// AttemptFinalizer applies a terminal outcome to a settlement attempt
type AttemptFinalizer interface {
	Finalize(ctx context.Context, req FinalizeRequest) (*entities.Debt, error)
}

// BridgeReconciler drives SUBMITTED cross-chain attempts to a terminal state by polling the
// bridge and by accepting delivery notifications.
type BridgeReconciler struct {
	ledger    *SettlementLedger
	finalizer AttemptFinalizer
	status    bridge.StatusSource
	registry  ChainRegistry
	clients   ChainClientProvider
	cfg       ReconcilerConfig
	now       func() time.Time
}

// NewBridgeReconciler creates a new reconciler. Terminal outcomes go through finalizer.
// clients reads source receipts; without it no delivery is ever confirmed.
func NewBridgeReconciler(ledger *SettlementLedger, finalizer AttemptFinalizer, status bridge.StatusSource, registry ChainRegistry, clients ChainClientProvider, cfg ReconcilerConfig) *BridgeReconciler {
	return &BridgeReconciler{
		ledger:    ledger,
		finalizer: finalizer,
		status:    status,
		registry:  registry,
		clients:   clients,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeConfirmed
	outcomeFailed
)

// ReconcileOnce polls every due cross-chain attempt once. Per-attempt problems are logged and
// rescheduled; only a failure to list attempts is returned.
func (r *BridgeReconciler) ReconcileOnce(ctx context.Context) (ReconcileResult, error) {
	now := r.now()
	attempts, err := r.ledger.ListPendingAttempts(ctx, entities.AttemptKindBridge, now, r.cfg.BatchSize)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list pending bridge attempts: %w", err)
	}
	metrics.PendingAttempts.WithLabelValues(string(entities.AttemptKindBridge)).Set(float64(len(attempts)))

	var confirmed, failed, pending atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, a := range attempts {
		g.Go(func() error {
			switch r.reconcileAttempt(ctx, a, now) {
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

	res := ReconcileResult{
		Checked:   len(attempts),
		Confirmed: int(confirmed.Load()),
		Failed:    int(failed.Load()),
		Pending:   int(pending.Load()),
	}
	if res.Checked > 0 {
		logger.Info(ctx, "Bridge reconcile sweep finished",
			zap.Int("checked", res.Checked),
			zap.Int("confirmed", res.Confirmed),
			zap.Int("failed", res.Failed),
			zap.Int("pending", res.Pending),
		)
	}
	return res, ctx.Err()
}

func (r *BridgeReconciler) reconcileAttempt(ctx context.Context, a *entities.SettlementAttempt, now time.Time) outcome {
	verified := false
	if !a.HasBridgeMessageID() {
		sent, out, ok := r.verifySource(ctx, a, now)
		if !ok {
			return out
		}
		if _, err := r.ledger.AssignBridgeMessageID(ctx, a.DebtID, a.ID.String(), sent.MessageID); err != nil {
			if errors.Is(err, domainerrors.ErrDuplicateSubmission) {
				return r.fail(ctx, a, "bridge message already belongs to another attempt")
			}
			logger.Error(ctx, "Assign bridge message id failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
			return r.reschedule(ctx, a, now)
		}
		a.BridgeMessageID = sent.MessageID
		verified = true
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.BridgeTimeout)
	status, err := r.status.MessageStatus(pollCtx, a.BridgeMessageID, a.SourceChain, a.DestinationChain)
	cancel()
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("bridge_reconciler", "status_unavailable").Inc()
		logger.Warn(ctx, "Bridge status unavailable",
			zap.String("attempt_id", a.ID.String()),
			zap.String("message_id", a.BridgeMessageID),
			zap.Error(err),
		)
		return r.reschedule(ctx, a, now)
	}
	return r.apply(ctx, a, status, verified, now)
}

// verifySource reads the source receipt and checks that its TokensTransferred log carries the
// attempt's message id and pays the payer the attempt amount in the attempt's token. ok is
// false when the attempt was rescheduled or failed instead.
func (r *BridgeReconciler) verifySource(ctx context.Context, a *entities.SettlementAttempt, now time.Time) (*bridge.SentTransfer, outcome, bool) {
	if r.clients == nil {
		return nil, r.reschedule(ctx, a, now), false
	}
	source, err := r.registry.Lookup(a.SourceChain)
	if err != nil {
		return nil, r.fail(ctx, a, err.Error()), false
	}
	client, err := r.clients.ClientFor(a.SourceChain)
	if err != nil {
		logger.Warn(ctx, "No client for source chain", zap.Uint64("chain_id", a.SourceChain), zap.Error(err))
		return nil, r.reschedule(ctx, a, now), false
	}

	rpcCtx, cancel := context.WithTimeout(ctx, r.cfg.BridgeTimeout)
	receipt, err := client.GetTransactionReceipt(rpcCtx, a.TransactionHash)
	cancel()
	switch {
	case errors.Is(err, ethereum.NotFound):
		return nil, r.notYet(ctx, a, now), false
	case err != nil:
		logger.Warn(ctx, "Source receipt lookup failed", zap.String("tx_hash", a.TransactionHash), zap.Error(err))
		return nil, r.reschedule(ctx, a, now), false
	case receipt.Status == types.ReceiptStatusFailed:
		return nil, r.fail(ctx, a, "source transaction reverted"), false
	}

	sent, ok := bridge.SentTransferFromReceipt(receipt, source.SettlementContract)
	if !ok {
		logger.Warn(ctx, "No bridge transfer in source receipt", zap.String("tx_hash", a.TransactionHash))
		return nil, r.notYet(ctx, a, now), false
	}
	if a.HasBridgeMessageID() && !strings.EqualFold(a.BridgeMessageID, sent.MessageID) {
		return nil, r.fail(ctx, a, "bridge message id does not match the source transaction"), false
	}

	terms, reason, err := paymentTermsFor(ctx, r.ledger, r.registry, a)
	switch {
	case err != nil:
		logger.Warn(ctx, "Payment terms lookup failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
		return nil, r.reschedule(ctx, a, now), false
	case reason != "":
		return nil, r.fail(ctx, a, reason), false
	}
	if sent.Receiver != terms.payee || sent.Token != terms.token || sent.Amount.Cmp(terms.amount) < 0 {
		return nil, r.fail(ctx, a, terms.mismatch(a)), false
	}
	return sent, outcomePending, true
}

// apply acts on a bridge status. A SUCCESS is only confirmed after the source receipt checks out.
func (r *BridgeReconciler) apply(ctx context.Context, a *entities.SettlementAttempt, status *entities.BridgeMessageStatus, verified bool, now time.Time) outcome {
	switch status.State {
	case entities.BridgeStateSuccess:
		if !verified {
			if _, out, ok := r.verifySource(ctx, a, now); !ok {
				return out
			}
		}
		_, err := r.finalizer.Finalize(ctx, FinalizeRequest{
			DebtID:     a.DebtID,
			AttemptRef: a.ID.String(),
			Status:     entities.AttemptStatusConfirmed,
			Block: entities.BlockInfo{
				BlockNumber:       status.BlockNumber,
				DestinationTxHash: status.DestinationTxHash,
				ConfirmedAt:       now,
			},
		})
		if err != nil {
			return r.terminalError(ctx, a, err, now)
		}
		return outcomeConfirmed
	case entities.BridgeStateFailure:
		reason := status.Reason
		if reason == "" {
			reason = "bridge reported delivery failure"
		}
		return r.fail(ctx, a, reason)
	default:
		return r.notYet(ctx, a, now)
	}
}

// notYet reschedules an attempt whose outcome is not visible yet, or fails it once it is older
// than MaxAttemptAge.
func (r *BridgeReconciler) notYet(ctx context.Context, a *entities.SettlementAttempt, now time.Time) outcome {
	if now.Sub(a.SubmittedAt) > r.cfg.MaxAttemptAge {
		return r.fail(ctx, a, fmt.Sprintf("bridge delivery not observed within %s", r.cfg.MaxAttemptAge))
	}
	return r.reschedule(ctx, a, now)
}

func (r *BridgeReconciler) fail(ctx context.Context, a *entities.SettlementAttempt, reason string) outcome {
	_, err := r.finalizer.Finalize(ctx, FinalizeRequest{
		DebtID:     a.DebtID,
		AttemptRef: a.ID.String(),
		Status:     entities.AttemptStatusFailed,
		Reason:     reason,
	})
	if err != nil {
		return r.terminalError(ctx, a, err, r.now())
	}
	return outcomeFailed
}

// terminalError handles a ledger write that lost a race with another writer.
func (r *BridgeReconciler) terminalError(ctx context.Context, a *entities.SettlementAttempt, err error, now time.Time) outcome {
	if errors.Is(err, domainerrors.ErrInvalidAttemptReference) || errors.Is(err, domainerrors.ErrAlreadySettled) {
		logger.Debug(ctx, "Attempt already terminal", zap.String("attempt_id", a.ID.String()), zap.Error(err))
		return outcomePending
	}
	metrics.ErrorsTotal.WithLabelValues("bridge_reconciler", "ledger").Inc()
	logger.Error(ctx, "Ledger update failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
	return r.reschedule(ctx, a, now)
}

func (r *BridgeReconciler) reschedule(ctx context.Context, a *entities.SettlementAttempt, now time.Time) outcome {
	count := a.PollCount + 1
	next := now.Add(r.NextPollDelay(a.PollCount))
	if err := r.ledger.ReschedulePoll(ctx, a.ID, next, count); err != nil {
		logger.Error(ctx, "Reschedule poll failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
	}
	return outcomePending
}

// NextPollDelay returns the wait after the given number of unsuccessful polls.
func (r *BridgeReconciler) NextPollDelay(pollCount int) time.Duration {
	return pollDelay(r.cfg.InitialBackoff, r.cfg.MaxBackoff, pollCount)
}

// pollDelay doubles from initial on every poll and is capped at maxDelay.
func pollDelay(initial, maxDelay time.Duration, pollCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < pollCount && delay < maxDelay; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// HandleDeliveryNotification applies a pushed bridge status. Unknown message ids are logged and
// ignored; notifications for attempts already terminal are no-ops. A SUCCESS is checked against
// the source receipt like a polled one.
func (r *BridgeReconciler) HandleDeliveryNotification(ctx context.Context, n DeliveryNotification) error {
	if !IsHash32(n.MessageID) {
		return fmt.Errorf("bridge message id %q: %w", n.MessageID, domainerrors.ErrInvalidInput)
	}
	messageID := strings.ToLower(n.MessageID)

	a, err := r.ledger.FindByBridgeMessageID(ctx, messageID)
	if err != nil {
		if errors.Is(err, domainerrors.ErrNotFound) {
			logger.Warn(ctx, "Delivery notification for unknown message", zap.String("message_id", messageID))
			return nil
		}
		return err
	}
	if a.IsTerminal() {
		logger.Debug(ctx, "Duplicate delivery notification", zap.String("message_id", messageID))
		return nil
	}
	if n.State != entities.BridgeStateSuccess && n.State != entities.BridgeStateFailure {
		return nil
	}

	r.apply(ctx, a, &entities.BridgeMessageStatus{
		MessageID:         messageID,
		State:             n.State,
		DestinationTxHash: n.DestinationTxHash,
		BlockNumber:       n.BlockNumber,
		Reason:            n.Reason,
	}, false, r.now())
	return nil
}
