package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"
	"go.uber.org/zap"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/domain/repositories"
	"anypay.backend/internal/metrics"
	"anypay.backend/pkg/lock"
	"anypay.backend/pkg/logger"
	"anypay.backend/pkg/utils"
)

// DebtLocker serializes work on a single debt. Implementations: lock.KeyedMutex in-process,
// redis.LeaseLocker across replicas.
type DebtLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// CreateDebtInput describes a new debt
type CreateDebtInput struct {
	Payer       entities.Identity
	Owers       []entities.DebtOwer
	TotalAmount decimal.Decimal
	Currency    string
	Description string
}

// SettlementLedger owns every Debt and SettlementAttempt state transition
type SettlementLedger struct {
	debts    repositories.DebtRepository
	attempts repositories.SettlementAttemptRepository
	uow      repositories.UnitOfWork
	locker   DebtLocker
	now      func() time.Time
}

// NewSettlementLedger creates a new ledger. A nil locker falls back to an in-process keyed mutex.
func NewSettlementLedger(
	debts repositories.DebtRepository,
	attempts repositories.SettlementAttemptRepository,
	uow repositories.UnitOfWork,
	locker DebtLocker,
) *SettlementLedger {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &SettlementLedger{
		debts:    debts,
		attempts: attempts,
		uow:      uow,
		locker:   locker,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateDebt validates and stores a new PENDING debt
func (l *SettlementLedger) CreateDebt(ctx context.Context, input CreateDebtInput) (*entities.Debt, error) {
	debt, err := l.newDebt(utils.GenerateUUIDv7(), input)
	if err != nil {
		return nil, err
	}
	if err := l.uow.Do(ctx, func(txCtx context.Context) error {
		return l.debts.Create(txCtx, debt)
	}); err != nil {
		return nil, err
	}
	logger.Info(ctx, "Debt created",
		zap.String("debt_id", debt.ID.String()),
		zap.Int("owers", len(debt.Owers)),
		zap.String("total", debt.TotalAmount.String()),
	)
	return debt, nil
}

// EnsureDebt creates the debt unless one with the same id exists and returns the stored state.
// The boolean reports whether this call created it.
func (l *SettlementLedger) EnsureDebt(ctx context.Context, id uuid.UUID, input CreateDebtInput) (*entities.Debt, bool, error) {
	debt, err := l.newDebt(id, input)
	if err != nil {
		return nil, false, err
	}

	var (
		created bool
		stored  *entities.Debt
	)
	err = l.uow.Do(ctx, func(txCtx context.Context) error {
		var err error
		if created, err = l.debts.CreateIfMissing(txCtx, debt); err != nil {
			return err
		}
		stored, err = l.debts.GetByID(txCtx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		logger.Info(ctx, "Ad hoc debt created", zap.String("debt_id", id.String()))
	}
	return stored, created, nil
}

func (l *SettlementLedger) newDebt(id uuid.UUID, input CreateDebtInput) (*entities.Debt, error) {
	if input.Payer.IsZero() {
		return nil, fmt.Errorf("payer is required: %w", domainerrors.ErrInvalidInput)
	}
	if !common.IsHexAddress(input.Payer.WalletAddress) {
		return nil, fmt.Errorf("payer %s has no wallet address: %w", input.Payer, domainerrors.ErrInvalidInput)
	}
	total := input.TotalAmount
	if total.IsZero() {
		for _, o := range input.Owers {
			total = total.Add(o.Amount)
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = "USD"
	}
	now := l.now()
	debt := &entities.Debt{
		ID:          id,
		Payer:       input.Payer,
		Owers:       append([]entities.DebtOwer(nil), input.Owers...),
		TotalAmount: total,
		Currency:    currency,
		Description: input.Description,
		Status:      entities.DebtStatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, o := range debt.Owers {
		if debt.Payer.Matches(o.Identity) {
			return nil, fmt.Errorf("payer %s cannot owe themselves: %w", o.Identity, domainerrors.ErrInvalidInput)
		}
	}
	if err := debt.ValidateAmounts(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domainerrors.ErrInvalidAmount)
	}
	return debt, nil
}

// GetDebt loads a debt with its owers and settlement records
func (l *SettlementLedger) GetDebt(ctx context.Context, id uuid.UUID) (*entities.Debt, error) {
	return l.debts.GetByID(ctx, id)
}

// mutate runs fn on the locked, freshly loaded debt inside one transaction. When fn reports
// a change the debt row is written back under an optimistic version check.
func (l *SettlementLedger) mutate(ctx context.Context, debtID uuid.UUID, fn func(ctx context.Context, debt *entities.Debt) (bool, error)) (*entities.Debt, error) {
	unlock, err := l.locker.Lock(ctx, debtID.String())
	if err != nil {
		return nil, fmt.Errorf("acquire debt lock: %w", err)
	}
	defer unlock()

	var result *entities.Debt
	err = l.uow.Do(ctx, func(txCtx context.Context) error {
		debt, err := l.debts.GetByID(l.uow.WithLock(txCtx), debtID)
		if err != nil {
			return err
		}
		expected := debt.Version
		changed, err := fn(txCtx, debt)
		if err != nil {
			return err
		}
		if changed {
			debt.UpdatedAt = l.now()
			if err := l.debts.UpdateState(txCtx, debt, expected); err != nil {
				return err
			}
		}
		result = debt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordSubmission appends a SUBMITTED attempt for an ower. Re-submitting the same transaction
// hash for the same debt and ower returns the current state unchanged.
func (l *SettlementLedger) RecordSubmission(ctx context.Context, debtID uuid.UUID, ower entities.Identity, attempt *entities.SettlementAttempt) (*entities.Debt, error) {
	if attempt == nil || attempt.TransactionHash == "" {
		return nil, fmt.Errorf("transaction hash is required: %w", domainerrors.ErrInvalidInput)
	}
	txHash := strings.ToLower(attempt.TransactionHash)
	recorded := false

	debt, err := l.mutate(ctx, debtID, func(txCtx context.Context, debt *entities.Debt) (bool, error) {
		share, ok := debt.FindOwer(ower)
		if !ok {
			return false, fmt.Errorf("%s on debt %s: %w", ower, debt.ID, domainerrors.ErrOwerNotFound)
		}

		existing, err := l.attempts.GetByTransactionHash(txCtx, txHash)
		switch {
		case err == nil:
			if existing.DebtID == debt.ID && existing.Ower.Matches(share.Identity) {
				return false, nil
			}
			return false, fmt.Errorf("transaction %s already recorded: %w", txHash, domainerrors.ErrDuplicateSubmission)
		case !errors.Is(err, domainerrors.ErrNotFound):
			return false, err
		}

		if debt.IsCompleted() || debt.ConfirmedAttemptFor(share.Identity) != nil {
			return false, fmt.Errorf("debt %s: %w", debt.ID, domainerrors.ErrAlreadySettled)
		}
		if inFlight := debt.InFlightAttemptFor(share.Identity); inFlight != nil {
			return false, fmt.Errorf("attempt %s still pending: %w", inFlight.TransactionHash, domainerrors.ErrAttemptInFlight)
		}

		if attempt.IsDirectTransfer() {
			attempt.BridgeMessageID = entities.DirectTransferMessageID
		} else if attempt.BridgeMessageID != "" {
			attempt.BridgeMessageID = strings.ToLower(attempt.BridgeMessageID)
			if err := l.ensureMessageIDUnused(txCtx, attempt.BridgeMessageID); err != nil {
				return false, err
			}
		}

		now := l.now()
		if attempt.ID == uuid.Nil {
			attempt.ID = utils.GenerateUUIDv7()
		}
		attempt.DebtID = debt.ID
		attempt.Ower = mergeIdentity(share.Identity, ower)
		attempt.TransactionHash = txHash
		attempt.Status = entities.AttemptStatusSubmitted
		attempt.SubmittedAt = now
		if attempt.NextPollAt.IsZero() {
			attempt.NextPollAt = now
		}
		attempt.UpdatedAt = now

		if err := l.attempts.Create(txCtx, attempt); err != nil {
			return false, err
		}
		debt.SettlementRecords = append(debt.SettlementRecords, attempt)
		recorded = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if recorded {
		metrics.AttemptsTotal.WithLabelValues(attemptKind(attempt), string(entities.AttemptStatusSubmitted)).Inc()
		logger.Info(ctx, "Settlement attempt submitted",
			zap.String("debt_id", debtID.String()),
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("tx_hash", txHash),
			zap.Uint64("source_chain", attempt.SourceChain),
		)
	}
	return debt, nil
}

// RecordConfirmation moves an attempt to CONFIRMED and completes the debt once every ower has
// a confirmed attempt. Confirming an already confirmed attempt is a no-op.
func (l *SettlementLedger) RecordConfirmation(ctx context.Context, debtID uuid.UUID, attemptRef string, info entities.BlockInfo) (*entities.Debt, error) {
	var (
		confirmed *entities.SettlementAttempt
		completed bool
	)
	debt, err := l.mutate(ctx, debtID, func(txCtx context.Context, debt *entities.Debt) (bool, error) {
		a := debt.AttemptByRef(attemptRef)
		if a == nil {
			return false, fmt.Errorf("attempt %q on debt %s: %w", attemptRef, debt.ID, domainerrors.ErrInvalidAttemptReference)
		}
		switch a.Status {
		case entities.AttemptStatusConfirmed:
			return false, nil
		case entities.AttemptStatusFailed:
			return false, fmt.Errorf("attempt %s already failed: %w", a.ID, domainerrors.ErrInvalidAttemptReference)
		}
		if other := debt.ConfirmedAttemptFor(a.Ower); other != nil {
			return false, fmt.Errorf("ower %s already settled by %s: %w", a.Ower, other.ID, domainerrors.ErrAlreadySettled)
		}

		now := l.now()
		confirmedAt := info.ConfirmedAt
		if confirmedAt.IsZero() {
			confirmedAt = now
		}
		a.Status = entities.AttemptStatusConfirmed
		a.ConfirmedAt = null.TimeFrom(confirmedAt.UTC())
		if info.BlockNumber > 0 {
			a.BlockNumber = null.Uint64From(info.BlockNumber)
		}
		if info.BlockHash != "" {
			a.BlockHash = null.StringFrom(strings.ToLower(info.BlockHash))
		}
		if info.DestinationTxHash != "" {
			a.DestinationTxHash = null.StringFrom(strings.ToLower(info.DestinationTxHash))
		}
		if err := l.attempts.Update(txCtx, a); err != nil {
			return false, err
		}

		if !debt.IsCompleted() && debt.AllOwersConfirmed() {
			debt.Status = entities.DebtStatusCompleted
			debt.CompletedAt = null.TimeFrom(now)
			completed = true
		}
		confirmed = a
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if confirmed != nil {
		kind := attemptKind(confirmed)
		metrics.AttemptsTotal.WithLabelValues(kind, string(entities.AttemptStatusConfirmed)).Inc()
		metrics.SettlementLatency.WithLabelValues(kind, string(entities.AttemptStatusConfirmed)).
			Observe(confirmed.ConfirmedAt.Time.Sub(confirmed.SubmittedAt).Seconds())
		logger.Info(ctx, "Settlement attempt confirmed",
			zap.String("debt_id", debtID.String()),
			zap.String("attempt_id", confirmed.ID.String()),
			zap.Bool("debt_completed", completed),
		)
	}
	if completed {
		metrics.DebtsCompleted.Inc()
	}
	return debt, nil
}

// RecordFailure marks a SUBMITTED attempt FAILED. The debt stays PENDING and accepts a new attempt.
func (l *SettlementLedger) RecordFailure(ctx context.Context, debtID uuid.UUID, attemptRef, reason string) (*entities.Debt, error) {
	var failed *entities.SettlementAttempt
	debt, err := l.mutate(ctx, debtID, func(txCtx context.Context, debt *entities.Debt) (bool, error) {
		a := debt.AttemptByRef(attemptRef)
		if a == nil {
			return false, fmt.Errorf("attempt %q on debt %s: %w", attemptRef, debt.ID, domainerrors.ErrInvalidAttemptReference)
		}
		switch a.Status {
		case entities.AttemptStatusFailed:
			return false, nil
		case entities.AttemptStatusConfirmed:
			return false, fmt.Errorf("attempt %s already confirmed: %w", a.ID, domainerrors.ErrInvalidAttemptReference)
		}

		if reason = strings.TrimSpace(reason); reason == "" {
			reason = "unspecified failure"
		}
		a.Status = entities.AttemptStatusFailed
		a.FailureReason = null.StringFrom(reason)
		if err := l.attempts.Update(txCtx, a); err != nil {
			return false, err
		}
		failed = a
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if failed != nil {
		kind := attemptKind(failed)
		metrics.AttemptsTotal.WithLabelValues(kind, string(entities.AttemptStatusFailed)).Inc()
		metrics.SettlementLatency.WithLabelValues(kind, string(entities.AttemptStatusFailed)).
			Observe(l.now().Sub(failed.SubmittedAt).Seconds())
		logger.Warn(ctx, "Settlement attempt failed",
			zap.String("debt_id", debtID.String()),
			zap.String("attempt_id", failed.ID.String()),
			zap.String("reason", reason),
		)
	}
	return debt, nil
}

// AssignBridgeMessageID records the bridge message id of a cross-chain attempt. An id is
// assigned at most once and never shared between attempts.
func (l *SettlementLedger) AssignBridgeMessageID(ctx context.Context, debtID uuid.UUID, attemptRef, messageID string) (*entities.Debt, error) {
	if !IsHash32(messageID) {
		return nil, fmt.Errorf("bridge message id %q: %w", messageID, domainerrors.ErrInvalidInput)
	}
	messageID = strings.ToLower(messageID)

	return l.mutate(ctx, debtID, func(txCtx context.Context, debt *entities.Debt) (bool, error) {
		a := debt.AttemptByRef(attemptRef)
		if a == nil || a.IsDirectTransfer() {
			return false, fmt.Errorf("attempt %q on debt %s: %w", attemptRef, debt.ID, domainerrors.ErrInvalidAttemptReference)
		}
		if a.HasBridgeMessageID() {
			if strings.EqualFold(a.BridgeMessageID, messageID) {
				return false, nil
			}
			return false, fmt.Errorf("attempt %s already has message %s: %w", a.ID, a.BridgeMessageID, domainerrors.ErrInvalidAttemptReference)
		}
		if err := l.ensureMessageIDUnused(txCtx, messageID); err != nil {
			return false, err
		}
		a.BridgeMessageID = messageID
		if err := l.attempts.Update(txCtx, a); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (l *SettlementLedger) ensureMessageIDUnused(ctx context.Context, messageID string) error {
	_, err := l.attempts.GetByBridgeMessageID(ctx, messageID)
	switch {
	case err == nil:
		return fmt.Errorf("bridge message %s already used: %w", messageID, domainerrors.ErrDuplicateSubmission)
	case errors.Is(err, domainerrors.ErrNotFound):
		return nil
	default:
		return err
	}
}

// QueryForUser partitions every debt the identity takes part in
func (l *SettlementLedger) QueryForUser(ctx context.Context, identity entities.Identity) (*entities.UserDebts, error) {
	if identity.IsZero() {
		return nil, fmt.Errorf("identity is required: %w", domainerrors.ErrInvalidInput)
	}
	debts, err := l.debts.ListByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	out := &entities.UserDebts{
		Owed:      []*entities.Debt{},
		Owing:     []*entities.Debt{},
		Completed: []*entities.Debt{},
	}
	for _, d := range debts {
		switch {
		case d.IsCompleted():
			out.Completed = append(out.Completed, d)
		case d.Payer.Matches(identity):
			out.Owed = append(out.Owed, d)
		default:
			if _, ok := d.FindOwer(identity); ok {
				out.Owing = append(out.Owing, d)
			}
		}
	}
	return out, nil
}

// ListPendingAttempts returns SUBMITTED attempts of a kind whose next poll is due
func (l *SettlementLedger) ListPendingAttempts(ctx context.Context, kind entities.AttemptKind, dueAt time.Time, limit int) ([]*entities.SettlementAttempt, error) {
	return l.attempts.ListSubmitted(ctx, repositories.AttemptFilter{Kind: kind, DueAt: dueAt}, limit)
}

// FindByBridgeMessageID returns the attempt carrying a bridge message id
func (l *SettlementLedger) FindByBridgeMessageID(ctx context.Context, messageID string) (*entities.SettlementAttempt, error) {
	return l.attempts.GetByBridgeMessageID(ctx, strings.ToLower(messageID))
}

// ReschedulePoll moves the next poll time of a still SUBMITTED attempt
func (l *SettlementLedger) ReschedulePoll(ctx context.Context, attemptID uuid.UUID, next time.Time, pollCount int) error {
	return l.attempts.Reschedule(ctx, attemptID, next.UTC(), pollCount)
}

func mergeIdentity(canonical, given entities.Identity) entities.Identity {
	if canonical.Username == "" {
		canonical.Username = given.Username
	}
	if canonical.WalletAddress == "" {
		canonical.WalletAddress = given.WalletAddress
	}
	return canonical
}

func attemptKind(a *entities.SettlementAttempt) string {
	if a.IsDirectTransfer() {
		return string(entities.AttemptKindDirect)
	}
	return string(entities.AttemptKindBridge)
}
