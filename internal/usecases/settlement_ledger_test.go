package usecases

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
)

func TestSettlementLedger_CreateDebt(t *testing.T) {
	l := newTestLedger(t, newTestClock())
	ctx := context.Background()

	d := mustCreateDebt(t, l, twoOwerDebt())
	assert.Equal(t, entities.DebtStatusPending, d.Status)
	assert.True(t, d.TotalAmount.Equal(decimal.RequireFromString("20")))
	assert.Equal(t, "USD", d.Currency)
	assert.Equal(t, int64(1), d.Version)
	assert.Equal(t, 7, int(d.ID.Version()))

	stored, err := l.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Owers, 2)
	assert.Empty(t, stored.SettlementRecords)
}

func TestSettlementLedger_CreateDebtRejectsBadAmounts(t *testing.T) {
	l := newTestLedger(t, newTestClock())
	ctx := context.Background()

	mismatch := twoOwerDebt()
	mismatch.TotalAmount = decimal.RequireFromString("25")
	_, err := l.CreateDebt(ctx, mismatch)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidAmount)

	zero := singleOwerDebt("0")
	_, err = l.CreateDebt(ctx, zero)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidAmount)

	selfOwed := singleOwerDebt("1")
	selfOwed.Owers[0].Identity = entities.Identity{Username: "ALICE"}
	_, err = l.CreateDebt(ctx, selfOwed)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidInput)

	noPayer := singleOwerDebt("1")
	noPayer.Payer = entities.Identity{}
	_, err = l.CreateDebt(ctx, noPayer)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidInput)

	noPayerWallet := singleOwerDebt("1")
	noPayerWallet.Payer = entities.Identity{Username: "alice"}
	_, err = l.CreateDebt(ctx, noPayerWallet)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidInput)

	_, _, err = l.EnsureDebt(ctx, uuid.New(), noPayerWallet)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidInput)
}

func TestSettlementLedger_SubmissionAndConfirmation(t *testing.T) {
	clock := newTestClock()
	l := newTestLedger(t, clock)
	ctx := context.Background()
	d := mustCreateDebt(t, l, twoOwerDebt())

	after, err := l.RecordSubmission(ctx, d.ID, bob(), bridgeAttempt(txHash(1), messageID(1)))
	require.NoError(t, err)
	require.Len(t, after.SettlementRecords, 1)
	a := after.SettlementRecords[0]
	assert.Equal(t, entities.AttemptStatusSubmitted, a.Status)
	assert.Equal(t, bobWallet, a.Ower.WalletAddress)
	assert.Equal(t, messageID(1), a.BridgeMessageID)
	assert.Equal(t, int64(2), after.Version)

	clock.Advance(time.Minute)
	after, err = l.RecordConfirmation(ctx, d.ID, a.ID.String(), entities.BlockInfo{BlockNumber: 42, DestinationTxHash: txHash(99)})
	require.NoError(t, err)
	assert.Equal(t, entities.DebtStatusPending, after.Status, "carol has not paid")
	assert.Equal(t, entities.AttemptStatusConfirmed, after.SettlementRecords[0].Status)
	assert.Equal(t, uint64(42), after.SettlementRecords[0].BlockNumber.Uint64)

	_, err = l.RecordSubmission(ctx, d.ID, carol(), directAttempt(txHash(2)))
	require.NoError(t, err)
	after, err = l.RecordConfirmation(ctx, d.ID, txHash(2), entities.BlockInfo{BlockNumber: 43})
	require.NoError(t, err)
	assert.Equal(t, entities.DebtStatusCompleted, after.Status)
	assert.True(t, after.CompletedAt.Valid)
	assert.Equal(t, entities.DirectTransferMessageID, after.AttemptByRef(txHash(2)).BridgeMessageID)

	stored, err := l.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.DebtStatusCompleted, stored.Status)
	assert.Equal(t, after.Version, stored.Version)

	// confirming again is a no-op
	again, err := l.RecordConfirmation(ctx, d.ID, txHash(2), entities.BlockInfo{BlockNumber: 99})
	require.NoError(t, err)
	assert.Equal(t, stored.Version, again.Version)
	assert.Equal(t, uint64(43), again.AttemptByRef(txHash(2)).BlockNumber.Uint64)

	_, err = l.RecordSubmission(ctx, d.ID, bob(), directAttempt(txHash(3)))
	assert.ErrorIs(t, err, domainerrors.ErrAlreadySettled)
}

func TestSettlementLedger_SubmissionIsIdempotentPerHash(t *testing.T) {
	l := newTestLedger(t, newTestClock())
	ctx := context.Background()
	d := mustCreateDebt(t, l, twoOwerDebt())

	hash := txHash(0xabcdef)
	first, err := l.RecordSubmission(ctx, d.ID, bob(), bridgeAttempt(hash, ""))
	require.NoError(t, err)

	upper := "0x" + strings.ToUpper(hash[2:])
	second, err := l.RecordSubmission(ctx, d.ID, entities.Identity{WalletAddress: bobWallet}, bridgeAttempt(upper, ""))
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	require.Len(t, second.SettlementRecords, 1)
	assert.Equal(t, hash, second.SettlementRecords[0].TransactionHash)

	_, err = l.RecordSubmission(ctx, d.ID, carol(), bridgeAttempt(hash, ""))
	assert.ErrorIs(t, err, domainerrors.ErrDuplicateSubmission)

	other := mustCreateDebt(t, l, twoOwerDebt())
	_, err = l.RecordSubmission(ctx, other.ID, bob(), bridgeAttempt(hash, ""))
	assert.ErrorIs(t, err, domainerrors.ErrDuplicateSubmission)
}

func TestSettlementLedger_InFlightAndRetryAfterFailure(t *testing.T) {
	l := newTestLedger(t, newTestClock())
	ctx := context.Background()
	d := mustCreateDebt(t, l, twoOwerDebt())

	_, err := l.RecordSubmission(ctx, d.ID, bob(), bridgeAttempt(txHash(1), messageID(1)))
	require.NoError(t, err)

	_, err = l.RecordSubmission(ctx, d.ID, bob(), bridgeAttempt(txHash(2), ""))
	assert.ErrorIs(t, err, domainerrors.ErrAttemptInFlight)

	after, err := l.RecordFailure(ctx, d.ID, txHash(1), "bridge delivery failed")
	require.NoError(t, err)
	failed := after.AttemptByRef(txHash(1))
	assert.Equal(t, entities.AttemptStatusFailed, failed.Status)
	assert.Equal(t, "bridge delivery failed", failed.FailureReason.String)
	assert.Equal(t, entities.DebtStatusPending, after.Status)

	// repeated failure is a no-op, confirming a failed attempt is rejected
	again, err := l.RecordFailure(ctx, d.ID, txHash(1), "other")
	require.NoError(t, err)
	assert.Equal(t, after.Version, again.Version)
	_, err = l.RecordConfirmation(ctx, d.ID, txHash(1), entities.BlockInfo{})
	assert.ErrorIs(t, err, domainerrors.ErrInvalidAttemptReference)

	// a new attempt may not reuse the failed attempt's message id
	_, err = l.RecordSubmission(ctx, d.ID, bob(), bridgeAttempt(txHash(2), messageID(1)))
	assert.ErrorIs(t, err, domainerrors.ErrDuplicateSubmission)

	retry, err := l.RecordSubmission(ctx, d.ID, bob(), bridgeAttempt(txHash(2), messageID(2)))
	require.NoError(t, err)
	assert.Len(t, retry.SettlementRecords, 2)

	_, err = l.RecordConfirmation(ctx, d.ID, txHash(2), entities.BlockInfo{BlockNumber: 1})
	require.NoError(t, err)
	_, err = l.RecordFailure(ctx, d.ID, txHash(2), "late failure")
	assert.ErrorIs(t, err, domainerrors.ErrInvalidAttemptReference)
}

func TestSettlementLedger_ReferenceErrors(t *testing.T) {
	l := newTestLedger(t, newTestClock())
	ctx := context.Background()
	d := mustCreateDebt(t, l, twoOwerDebt())

	_, err := l.RecordConfirmation(ctx, d.ID, "missing", entities.BlockInfo{})
	assert.ErrorIs(t, err, domainerrors.ErrInvalidAttemptReference)
	_, err = l.RecordFailure(ctx, d.ID, txHash(5), "x")
	assert.ErrorIs(t, err, domainerrors.ErrInvalidAttemptReference)

	_, err = l.RecordSubmission(ctx, d.ID, entities.Identity{Username: "mallory"}, directAttempt(txHash(1)))
	assert.ErrorIs(t, err, domainerrors.ErrOwerNotFound)

	_, err = l.RecordSubmission(ctx, d.ID, bob(), &entities.SettlementAttempt{})
	assert.ErrorIs(t, err, domainerrors.ErrInvalidInput)

	_, err = l.RecordConfirmation(ctx, mustCreateDebt(t, l, singleOwerDebt("1")).ID, "x", entities.BlockInfo{})
	assert.ErrorIs(t, err, domainerrors.ErrInvalidAttemptReference)
}

func TestSettlementLedger_AssignBridgeMessageID(t *testing.T) {
	l := newTestLedger(t, newTestClock())
	ctx := context.Background()
	d := mustCreateDebt(t, l, twoOwerDebt())

	_, err := l.RecordSubmission(ctx, d.ID, bob(), bridgeAttempt(txHash(1), ""))
	require.NoError(t, err)
	_, err = l.RecordSubmission(ctx, d.ID, carol(), directAttempt(txHash(2)))
	require.NoError(t, err)

	_, err = l.AssignBridgeMessageID(ctx, d.ID, txHash(1), "not-a-hash")
	assert.ErrorIs(t, err, domainerrors.ErrInvalidInput)

	after, err := l.AssignBridgeMessageID(ctx, d.ID, txHash(1), messageID(7))
	require.NoError(t, err)
	assert.Equal(t, messageID(7), after.AttemptByRef(txHash(1)).BridgeMessageID)

	same, err := l.AssignBridgeMessageID(ctx, d.ID, txHash(1), messageID(7))
	require.NoError(t, err)
	assert.Equal(t, after.Version, same.Version)

	_, err = l.AssignBridgeMessageID(ctx, d.ID, txHash(1), messageID(8))
	assert.ErrorIs(t, err, domainerrors.ErrInvalidAttemptReference)

	_, err = l.AssignBridgeMessageID(ctx, d.ID, txHash(2), messageID(9))
	assert.ErrorIs(t, err, domainerrors.ErrInvalidAttemptReference, "direct transfers have no bridge leg")

	found, err := l.FindByBridgeMessageID(ctx, messageID(7))
	require.NoError(t, err)
	assert.Equal(t, txHash(1), found.TransactionHash)
}

func TestSettlementLedger_QueryForUser(t *testing.T) {
	l := newTestLedger(t, newTestClock())
	ctx := context.Background()

	open := mustCreateDebt(t, l, twoOwerDebt())
	done := mustCreateDebt(t, l, singleOwerDebt("2"))
	_, err := l.RecordSubmission(ctx, done.ID, bob(), directAttempt(txHash(1)))
	require.NoError(t, err)
	_, err = l.RecordConfirmation(ctx, done.ID, txHash(1), entities.BlockInfo{BlockNumber: 1})
	require.NoError(t, err)

	alice, err := l.QueryForUser(ctx, entities.Identity{Username: "alice"})
	require.NoError(t, err)
	require.Len(t, alice.Owed, 1)
	assert.Equal(t, open.ID, alice.Owed[0].ID)
	assert.Empty(t, alice.Owing)
	require.Len(t, alice.Completed, 1)
	assert.Equal(t, done.ID, alice.Completed[0].ID)

	byWallet, err := l.QueryForUser(ctx, entities.Identity{WalletAddress: carolWallet})
	require.NoError(t, err)
	require.Len(t, byWallet.Owing, 1)
	assert.Equal(t, open.ID, byWallet.Owing[0].ID)
	assert.Empty(t, byWallet.Owed)

	_, err = l.QueryForUser(ctx, entities.Identity{})
	assert.ErrorIs(t, err, domainerrors.ErrInvalidInput)
}

func TestSettlementLedger_ConcurrentOwersCompleteOnce(t *testing.T) {
	l := newTestLedger(t, newTestClock())
	ctx := context.Background()
	d := mustCreateDebt(t, l, twoOwerDebt())

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i, ower := range []entities.Identity{bob(), carol()} {
		wg.Add(1)
		go func(i int, ower entities.Identity) {
			defer wg.Done()
			hash := txHash(100 + i)
			if _, err := l.RecordSubmission(ctx, d.ID, ower, directAttempt(hash)); err != nil {
				errs <- err
				return
			}
			if _, err := l.RecordConfirmation(ctx, d.ID, hash, entities.BlockInfo{BlockNumber: uint64(10 + i)}); err != nil {
				errs <- err
			}
		}(i, ower)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := l.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.DebtStatusCompleted, stored.Status)
	assert.Len(t, stored.SettlementRecords, 2)
	// create + 2 submissions + 2 confirmations
	assert.Equal(t, int64(5), stored.Version)
}
