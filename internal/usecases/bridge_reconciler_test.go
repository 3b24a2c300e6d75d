package usecases

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/infrastructure/bridge"
)

const sepoliaUSDC = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"

type reconcilerFixture struct {
	clock  *testClock
	ledger *SettlementLedger
	status *scriptedStatus
	source *fakeChainClient
	rec    *BridgeReconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	clock := newTestClock()
	ledger := newTestLedger(t, clock)
	status := newScriptedStatus()
	source := newFakeChainClient()
	reg := newTestRegistry(t)
	clients := fakeClients{sepoliaChainID: source}
	coord := NewSettlementCoordinator(ledger, nil, nil, reg, clients, CoordinatorConfig{})
	rec := NewBridgeReconciler(ledger, coord, status, reg, clients, ReconcilerConfig{})
	rec.now = clock.Now
	return &reconcilerFixture{clock: clock, ledger: ledger, status: status, source: source, rec: rec}
}

func (f *reconcilerFixture) submit(t *testing.T, hash, msgID string) *entities.Debt {
	t.Helper()
	d := mustCreateDebt(t, f.ledger, singleOwerDebt("1.00"))
	_, err := f.ledger.RecordSubmission(context.Background(), d.ID, bob(), bridgeAttempt(hash, msgID))
	require.NoError(t, err)
	return d
}

func (f *reconcilerFixture) attempt(t *testing.T, debt *entities.Debt, hash string) *entities.SettlementAttempt {
	t.Helper()
	d, err := f.ledger.GetDebt(context.Background(), debt.ID)
	require.NoError(t, err)
	a := d.AttemptByRef(hash)
	require.NotNil(t, a)
	return a
}

func TestBridgeReconciler_PendingThenDelivered(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	d := f.submit(t, txHash(1), messageID(1))
	f.source.setReceipt(txHash(1), sentTransferReceipt(messageID(1), payerWallet, 16500000, types.ReceiptStatusSuccessful))
	f.status.script(messageID(1),
		entities.BridgeStatePending,
		entities.BridgeStatePending,
		entities.BridgeStatePending,
		entities.BridgeStateSuccess,
	)

	for i := 0; i < 3; i++ {
		res, err := f.rec.ReconcileOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, ReconcileResult{Checked: 1, Pending: 1}, res)

		// not due again until the backoff elapses
		res, err = f.rec.ReconcileOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Checked)

		f.clock.Advance(f.rec.NextPollDelay(i))
	}
	assert.Equal(t, 3, f.attempt(t, d, txHash(1)).PollCount)

	res, err := f.rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 1, Confirmed: 1}, res)
	assert.Equal(t, 4, f.status.callCount(messageID(1)))

	stored, err := f.ledger.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.DebtStatusCompleted, stored.Status)
	a := stored.AttemptByRef(txHash(1))
	assert.Equal(t, entities.AttemptStatusConfirmed, a.Status)
	assert.Equal(t, uint64(777), a.BlockNumber.Uint64)
	assert.Equal(t, txHash(0xdead), a.DestinationTxHash.String)

	// a redundant delivery notification changes nothing
	require.NoError(t, f.rec.HandleDeliveryNotification(ctx, DeliveryNotification{
		MessageID: messageID(1),
		State:     entities.BridgeStateSuccess,
	}))
	again, err := f.ledger.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Version, again.Version)

	res, err = f.rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)
}

func TestBridgeReconciler_DeliveryFailure(t *testing.T) {
	f := newReconcilerFixture(t)
	d := f.submit(t, txHash(1), messageID(1))
	f.status.script(messageID(1), entities.BridgeStateFailure)

	res, err := f.rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	a := f.attempt(t, d, txHash(1))
	assert.Equal(t, entities.AttemptStatusFailed, a.Status)
	assert.Equal(t, "receiver reverted", a.FailureReason.String)

	stored, err := f.ledger.GetDebt(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.DebtStatusPending, stored.Status)
}

func TestBridgeReconciler_StatusUnavailableReschedules(t *testing.T) {
	f := newReconcilerFixture(t)
	d := f.submit(t, txHash(1), messageID(1))
	f.status.err = errors.New("explorer timeout")

	res, err := f.rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 1, Pending: 1}, res)

	a := f.attempt(t, d, txHash(1))
	assert.Equal(t, entities.AttemptStatusSubmitted, a.Status)
	assert.Equal(t, 1, a.PollCount)
	assert.True(t, a.NextPollAt.Equal(testEpoch.Add(30*time.Second)), a.NextPollAt)
}

func TestBridgeReconciler_DeliveredAfterAgeCeiling(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	d := f.submit(t, txHash(1), messageID(1))
	f.source.setReceipt(txHash(1), sentTransferReceipt(messageID(1), payerWallet, 16500000, types.ReceiptStatusSuccessful))
	f.status.script(messageID(1), entities.BridgeStateSuccess)
	f.clock.Advance(25 * time.Hour)

	res, err := f.rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 1, Confirmed: 1}, res)
	assert.Equal(t, 1, f.status.callCount(messageID(1)))

	stored, err := f.ledger.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.DebtStatusCompleted, stored.Status)
	assert.Equal(t, entities.AttemptStatusConfirmed, stored.AttemptByRef(txHash(1)).Status)
}

func TestBridgeReconciler_AgeCeilingWhilePending(t *testing.T) {
	f := newReconcilerFixture(t)
	d := f.submit(t, txHash(1), messageID(1))
	f.clock.Advance(25 * time.Hour)

	res, err := f.rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, f.status.callCount(messageID(1)))

	a := f.attempt(t, d, txHash(1))
	assert.Equal(t, entities.AttemptStatusFailed, a.Status)
	assert.Contains(t, a.FailureReason.String, "not observed within 24h0m0s")
}

func TestBridgeReconciler_AgeCeilingWithoutReceipt(t *testing.T) {
	f := newReconcilerFixture(t)
	d := f.submit(t, txHash(1), "")
	f.clock.Advance(25 * time.Hour)

	res, err := f.rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, f.attempt(t, d, txHash(1)).FailureReason.String, "not observed within")
}

// sentTransferReceipt is a source receipt carrying the settlement contract's TokensTransferred log.
func sentTransferReceipt(msgID, receiver string, amount int64, status uint64) *types.Receipt {
	var data []byte
	for _, word := range [][]byte{
		common.HexToAddress(receiver).Bytes(),
		common.HexToAddress(sepoliaUSDC).Bytes(),
		big.NewInt(amount).Bytes(),
		common.Address{}.Bytes(),
		big.NewInt(0).Bytes(),
	} {
		data = append(data, common.LeftPadBytes(word, 32)...)
	}
	return &types.Receipt{
		Status:      status,
		BlockNumber: big.NewInt(10),
		Logs: []*types.Log{{
			Address: common.HexToAddress(testSettlementContract),
			Topics: []common.Hash{
				bridge.TokensTransferredTopic,
				common.HexToHash(msgID),
				common.BigToHash(new(big.Int).SetUint64(10344971235874465080)),
			},
			Data: data,
		}},
	}
}

func TestBridgeReconciler_MessageIDMustMatchSourceTransaction(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	d := f.submit(t, txHash(5), messageID(7))
	f.status.script(messageID(7), entities.BridgeStateSuccess)

	// a delivered message is not enough while the source receipt is unknown
	res, err := f.rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 1, Pending: 1}, res)
	assert.Equal(t, entities.AttemptStatusSubmitted, f.attempt(t, d, txHash(5)).Status)

	f.source.setReceipt(txHash(5), sentTransferReceipt(messageID(8), payerWallet, 16500000, types.ReceiptStatusSuccessful))
	f.clock.Advance(time.Hour)
	res, err = f.rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	a := f.attempt(t, d, txHash(5))
	assert.Equal(t, entities.AttemptStatusFailed, a.Status)
	assert.Contains(t, a.FailureReason.String, "does not match")

	stored, err := f.ledger.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.DebtStatusPending, stored.Status)
}

func TestBridgeReconciler_SourceTransferMustPayPayer(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	wrongReceiver := f.submit(t, txHash(1), messageID(1))
	shortPaid := f.submit(t, txHash(2), messageID(2))
	f.source.setReceipt(txHash(1), sentTransferReceipt(messageID(1), carolWallet, 16500000, types.ReceiptStatusSuccessful))
	f.source.setReceipt(txHash(2), sentTransferReceipt(messageID(2), payerWallet, 1000, types.ReceiptStatusSuccessful))
	f.status.script(messageID(1), entities.BridgeStateSuccess)
	f.status.script(messageID(2), entities.BridgeStateSuccess)

	res, err := f.rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 2, Failed: 2}, res)

	for _, c := range []struct {
		debt *entities.Debt
		hash string
	}{{wrongReceiver, txHash(1)}, {shortPaid, txHash(2)}} {
		a := f.attempt(t, c.debt, c.hash)
		assert.Equal(t, entities.AttemptStatusFailed, a.Status)
		assert.Contains(t, a.FailureReason.String, "to the payer")
	}
}

func TestBridgeReconciler_ResolvesMessageIDFromReceipt(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	d := f.submit(t, txHash(1), "")

	// receipt not available yet
	res, err := f.rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.False(t, f.attempt(t, d, txHash(1)).HasBridgeMessageID())

	f.source.setReceipt(txHash(1), sentTransferReceipt(messageID(5), payerWallet, 16500000, types.ReceiptStatusSuccessful))
	f.status.script(messageID(5), entities.BridgeStateSuccess)
	f.clock.Advance(time.Hour)

	res, err = f.rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)

	a := f.attempt(t, d, txHash(1))
	assert.Equal(t, messageID(5), a.BridgeMessageID)
	assert.Equal(t, entities.AttemptStatusConfirmed, a.Status)
}

func TestBridgeReconciler_RevertedSourceTransaction(t *testing.T) {
	f := newReconcilerFixture(t)
	d := f.submit(t, txHash(1), "")
	f.source.setReceipt(txHash(1), sentTransferReceipt(messageID(5), payerWallet, 16500000, types.ReceiptStatusFailed))

	res, err := f.rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "source transaction reverted", f.attempt(t, d, txHash(1)).FailureReason.String)
}

func TestBridgeReconciler_HandleDeliveryNotification(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	d := f.submit(t, txHash(1), messageID(1))

	err := f.rec.HandleDeliveryNotification(ctx, DeliveryNotification{MessageID: "0x12", State: entities.BridgeStateSuccess})
	assert.ErrorIs(t, err, domainerrors.ErrInvalidInput)

	assert.NoError(t, f.rec.HandleDeliveryNotification(ctx, DeliveryNotification{
		MessageID: messageID(404),
		State:     entities.BridgeStateSuccess,
	}), "unknown message ids are ignored")

	assert.NoError(t, f.rec.HandleDeliveryNotification(ctx, DeliveryNotification{
		MessageID: messageID(1),
		State:     entities.BridgeStatePending,
	}))
	assert.Equal(t, entities.AttemptStatusSubmitted, f.attempt(t, d, txHash(1)).Status)

	// no source receipt yet, so a pushed success is not trusted
	require.NoError(t, f.rec.HandleDeliveryNotification(ctx, DeliveryNotification{
		MessageID: messageID(1),
		State:     entities.BridgeStateSuccess,
	}))
	assert.Equal(t, entities.AttemptStatusSubmitted, f.attempt(t, d, txHash(1)).Status)

	require.NoError(t, f.rec.HandleDeliveryNotification(ctx, DeliveryNotification{
		MessageID: messageID(1),
		State:     entities.BridgeStateFailure,
		Reason:    "out of gas on destination",
	}))
	a := f.attempt(t, d, txHash(1))
	assert.Equal(t, entities.AttemptStatusFailed, a.Status)
	assert.Equal(t, "out of gas on destination", a.FailureReason.String)

	// a late success for a failed attempt is a no-op
	require.NoError(t, f.rec.HandleDeliveryNotification(ctx, DeliveryNotification{
		MessageID: messageID(1),
		State:     entities.BridgeStateSuccess,
	}))
	assert.Equal(t, entities.AttemptStatusFailed, f.attempt(t, d, txHash(1)).Status)
}

func TestBridgeReconciler_NextPollDelay(t *testing.T) {
	r := NewBridgeReconciler(nil, nil, nil, nil, nil, ReconcilerConfig{})
	want := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		10 * time.Minute,
		10 * time.Minute,
	}
	for i, w := range want {
		assert.Equal(t, w, r.NextPollDelay(i), "poll %d", i)
	}
	assert.Equal(t, 10*time.Minute, r.NextPollDelay(50))
}
