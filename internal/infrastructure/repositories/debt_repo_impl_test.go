package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
)

func newDebtFixture(payer string, owers map[string]string) *entities.Debt {
	now := time.Now().UTC().Truncate(time.Second)
	d := &entities.Debt{
		ID:        uuid.New(),
		Payer:     entities.Identity{Username: payer, WalletAddress: "0xPAYER" + payer},
		Currency:  "USD",
		Status:    entities.DebtStatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	total := decimal.Zero
	for _, name := range []string{"bob", "carol", "dave"} {
		amount, ok := owers[name]
		if !ok {
			continue
		}
		a := decimal.RequireFromString(amount)
		d.Owers = append(d.Owers, entities.DebtOwer{
			Identity: entities.Identity{Username: name, WalletAddress: "0x" + name},
			Amount:   a,
		})
		total = total.Add(a)
	}
	d.TotalAmount = total
	return d
}

func TestDebtRepository_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	createSettlementTables(t, db)
	repo := NewDebtRepository(db)
	ctx := context.Background()

	d := newDebtFixture("alice", map[string]string{"bob": "16.50", "carol": "3.5"})
	require.NoError(t, repo.Create(ctx, d))

	got, err := repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, d.ID, got.ID)
	require.Equal(t, "alice", got.Payer.Username)
	require.True(t, got.TotalAmount.Equal(decimal.RequireFromString("20")))
	require.Len(t, got.Owers, 2)
	require.Equal(t, "bob", got.Owers[0].Username)
	require.True(t, got.Owers[0].Amount.Equal(decimal.RequireFromString("16.5")))
	require.Equal(t, entities.DebtStatusPending, got.Status)
	require.Empty(t, got.SettlementRecords)

	_, err = repo.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, domainerrors.ErrDebtNotFound)
}

func TestDebtRepository_CreateIfMissing(t *testing.T) {
	db := newTestDB(t)
	createSettlementTables(t, db)
	repo := NewDebtRepository(db)
	ctx := context.Background()

	d := newDebtFixture("alice", map[string]string{"bob": "1.00"})
	created, err := repo.CreateIfMissing(ctx, d)
	require.NoError(t, err)
	require.True(t, created)

	again, err := repo.CreateIfMissing(ctx, d)
	require.NoError(t, err)
	require.False(t, again)

	var owers int64
	require.NoError(t, db.Table("debt_owers").Where("debt_id = ?", d.ID).Count(&owers).Error)
	require.Equal(t, int64(1), owers, "owers must not be inserted twice")
}

func TestDebtRepository_UpdateStateOptimistic(t *testing.T) {
	db := newTestDB(t)
	createSettlementTables(t, db)
	repo := NewDebtRepository(db)
	ctx := context.Background()

	d := newDebtFixture("alice", map[string]string{"bob": "1.00"})
	require.NoError(t, repo.Create(ctx, d))

	d.Status = entities.DebtStatusCompleted
	d.CompletedAt = null.TimeFrom(time.Now().UTC())
	require.NoError(t, repo.UpdateState(ctx, d, 1))
	require.Equal(t, int64(2), d.Version)

	err := repo.UpdateState(ctx, d, 1)
	require.ErrorIs(t, err, domainerrors.ErrConcurrentModification)

	got, err := repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, entities.DebtStatusCompleted, got.Status)
	require.Equal(t, int64(2), got.Version)
	require.True(t, got.CompletedAt.Valid)
}

func TestDebtRepository_ListByIdentity(t *testing.T) {
	db := newTestDB(t)
	createSettlementTables(t, db)
	repo := NewDebtRepository(db)
	ctx := context.Background()

	d1 := newDebtFixture("alice", map[string]string{"bob": "1.00"})
	d2 := newDebtFixture("bob", map[string]string{"carol": "2.00"})
	d2.CreatedAt = d1.CreatedAt.Add(time.Minute)
	d3 := newDebtFixture("carol", map[string]string{"dave": "3.00"})
	for _, d := range []*entities.Debt{d1, d2, d3} {
		require.NoError(t, repo.Create(ctx, d))
	}

	bobs, err := repo.ListByIdentity(ctx, entities.Identity{Username: "BOB"})
	require.NoError(t, err)
	require.Len(t, bobs, 2)
	require.Equal(t, d2.ID, bobs[0].ID, "newest first")
	require.Equal(t, d1.ID, bobs[1].ID)

	byWallet, err := repo.ListByIdentity(ctx, entities.Identity{WalletAddress: "0xDAVE"})
	require.NoError(t, err)
	require.Len(t, byWallet, 1)
	require.Equal(t, d3.ID, byWallet[0].ID)

	none, err := repo.ListByIdentity(ctx, entities.Identity{})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestDebtRepository_GetByIDLoadsAttempts(t *testing.T) {
	db := newTestDB(t)
	createSettlementTables(t, db)
	debts := NewDebtRepository(db)
	attempts := NewSettlementAttemptRepository(db)
	ctx := context.Background()

	d := newDebtFixture("alice", map[string]string{"bob": "1.00"})
	require.NoError(t, debts.Create(ctx, d))

	first := newAttemptFixture(d.ID, "0x01", time.Now().UTC().Add(-time.Minute))
	first.Status = entities.AttemptStatusFailed
	first.FailureReason = null.StringFrom("reverted")
	second := newAttemptFixture(d.ID, "0x02", time.Now().UTC())
	require.NoError(t, attempts.Create(ctx, first))
	require.NoError(t, attempts.Create(ctx, second))

	got, err := debts.GetByID(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, got.SettlementRecords, 2)
	require.Equal(t, first.ID, got.SettlementRecords[0].ID)
	require.Equal(t, "reverted", got.SettlementRecords[0].FailureReason.String)
	require.Equal(t, entities.AttemptStatusSubmitted, got.SettlementRecords[1].Status)
}
