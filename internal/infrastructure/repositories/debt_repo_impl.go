package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/infrastructure/models"
	"anypay.backend/pkg/utils"
)

// DebtRepository implements debt data operations
type DebtRepository struct {
	db *gorm.DB
}

// NewDebtRepository creates a new debt repository
func NewDebtRepository(db *gorm.DB) *DebtRepository {
	return &DebtRepository{db: db}
}

// Create inserts the debt and its owers
func (r *DebtRepository) Create(ctx context.Context, debt *entities.Debt) error {
	m := debtToModel(debt)
	db := GetDB(ctx, r.db).WithContext(ctx)
	if err := db.Omit(clause.Associations).Create(m).Error; err != nil {
		return err
	}
	return r.createOwers(ctx, debt)
}

// CreateIfMissing inserts the debt unless it already exists. The insert is a single
// INSERT ... ON CONFLICT DO NOTHING so concurrent callers cannot both create it.
func (r *DebtRepository) CreateIfMissing(ctx context.Context, debt *entities.Debt) (bool, error) {
	m := debtToModel(debt)
	db := GetDB(ctx, r.db).WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if err := r.createOwers(ctx, debt); err != nil {
		return false, err
	}
	return true, nil
}

func (r *DebtRepository) createOwers(ctx context.Context, debt *entities.Debt) error {
	if len(debt.Owers) == 0 {
		return nil
	}
	owers := make([]models.DebtOwer, 0, len(debt.Owers))
	for i, o := range debt.Owers {
		owers = append(owers, models.DebtOwer{
			ID:            utils.GenerateUUIDv7(),
			DebtID:        debt.ID,
			Position:      i,
			Username:      o.Username,
			WalletAddress: o.WalletAddress,
			Amount:        o.Amount.String(),
			CreatedAt:     debt.CreatedAt,
		})
	}
	return GetDB(ctx, r.db).WithContext(ctx).Create(&owers).Error
}

// GetByID gets a debt with owers and settlement records
func (r *DebtRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Debt, error) {
	var m models.Debt
	db := GetDB(ctx, r.db).WithContext(ctx)
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainerrors.ErrDebtNotFound
		}
		return nil, err
	}
	if err := r.loadChildren(ctx, []*models.Debt{&m}); err != nil {
		return nil, err
	}
	return debtToEntity(&m)
}

// ListByIdentity lists every debt where the identity is payer or ower, newest first
func (r *DebtRepository) ListByIdentity(ctx context.Context, identity entities.Identity) ([]*entities.Debt, error) {
	username := strings.ToLower(strings.TrimSpace(identity.Username))
	wallet := strings.ToLower(strings.TrimSpace(identity.WalletAddress))
	if username == "" && wallet == "" {
		return []*entities.Debt{}, nil
	}

	db := GetDB(ctx, r.db).WithContext(ctx)
	owerDebtIDs := db.Model(&models.DebtOwer{}).Select("debt_id").Where(identityCondition(db, "username", "wallet_address", username, wallet))
	var ms []*models.Debt
	err := db.Where(identityCondition(db, "payer_username", "payer_wallet", username, wallet)).
		Or("id IN (?)", owerDebtIDs).
		Order("created_at DESC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, ms); err != nil {
		return nil, err
	}

	out := make([]*entities.Debt, 0, len(ms))
	for _, m := range ms {
		d, err := debtToEntity(m)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func identityCondition(db *gorm.DB, userCol, walletCol, username, wallet string) *gorm.DB {
	cond := db.Session(&gorm.Session{NewDB: true})
	if username != "" {
		cond = cond.Or("LOWER("+userCol+") = ?", username)
	}
	if wallet != "" {
		cond = cond.Or("LOWER("+walletCol+") = ?", wallet)
	}
	return cond
}

func (r *DebtRepository) loadChildren(ctx context.Context, debts []*models.Debt) error {
	if len(debts) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(debts))
	byID := make(map[uuid.UUID]*models.Debt, len(debts))
	for _, d := range debts {
		ids = append(ids, d.ID)
		byID[d.ID] = d
	}

	// children are read without row locks
	db := GetDB(context.WithValue(ctx, lockKey, false), r.db).WithContext(ctx)

	var owers []models.DebtOwer
	if err := db.Where("debt_id IN ?", ids).Order("position ASC").Find(&owers).Error; err != nil {
		return err
	}
	for _, o := range owers {
		byID[o.DebtID].Owers = append(byID[o.DebtID].Owers, o)
	}

	var attempts []models.SettlementAttempt
	if err := db.Where("debt_id IN ?", ids).Order("submitted_at ASC, id ASC").Find(&attempts).Error; err != nil {
		return err
	}
	for _, a := range attempts {
		byID[a.DebtID].Attempts = append(byID[a.DebtID].Attempts, a)
	}
	return nil
}

// UpdateState writes status and completion time guarded by the version column
func (r *DebtRepository) UpdateState(ctx context.Context, debt *entities.Debt, expectedVersion int64) error {
	now := time.Now().UTC()
	res := GetDB(ctx, r.db).WithContext(ctx).
		Model(&models.Debt{}).
		Where("id = ? AND version = ?", debt.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":       string(debt.Status),
			"completed_at": debt.CompletedAt.Ptr(),
			"version":      expectedVersion + 1,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("debt %s version %d: %w", debt.ID, expectedVersion, domainerrors.ErrConcurrentModification)
	}
	debt.Version = expectedVersion + 1
	debt.UpdatedAt = now
	return nil
}

func debtToModel(d *entities.Debt) *models.Debt {
	return &models.Debt{
		ID:            d.ID,
		PayerUsername: d.Payer.Username,
		PayerWallet:   d.Payer.WalletAddress,
		TotalAmount:   d.TotalAmount.String(),
		Currency:      d.Currency,
		Description:   d.Description,
		Status:        string(d.Status),
		Version:       d.Version,
		CompletedAt:   d.CompletedAt.Ptr(),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func debtToEntity(m *models.Debt) (*entities.Debt, error) {
	total, err := decimal.NewFromString(m.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("debt %s total amount: %w", m.ID, err)
	}
	d := &entities.Debt{
		ID:                m.ID,
		Payer:             entities.Identity{Username: m.PayerUsername, WalletAddress: m.PayerWallet},
		TotalAmount:       total,
		Currency:          m.Currency,
		Description:       m.Description,
		Status:            entities.DebtStatus(m.Status),
		Version:           m.Version,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		CompletedAt:       null.TimeFromPtr(m.CompletedAt),
		Owers:             make([]entities.DebtOwer, 0, len(m.Owers)),
		SettlementRecords: make([]*entities.SettlementAttempt, 0, len(m.Attempts)),
	}
	for _, o := range m.Owers {
		amount, err := decimal.NewFromString(o.Amount)
		if err != nil {
			return nil, fmt.Errorf("debt %s ower amount: %w", m.ID, err)
		}
		d.Owers = append(d.Owers, entities.DebtOwer{
			Identity: entities.Identity{Username: o.Username, WalletAddress: o.WalletAddress},
			Amount:   amount,
		})
	}
	for i := range m.Attempts {
		d.SettlementRecords = append(d.SettlementRecords, attemptToEntity(&m.Attempts[i]))
	}
	return d, nil
}
