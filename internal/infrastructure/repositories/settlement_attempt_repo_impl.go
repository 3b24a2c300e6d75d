package repositories

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
	"gorm.io/gorm"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	domainRepos "anypay.backend/internal/domain/repositories"
	"anypay.backend/internal/infrastructure/models"
)

// SettlementAttemptRepository implements settlement attempt data operations
type SettlementAttemptRepository struct {
	db *gorm.DB
}

// NewSettlementAttemptRepository creates a new settlement attempt repository
func NewSettlementAttemptRepository(db *gorm.DB) *SettlementAttemptRepository {
	return &SettlementAttemptRepository{db: db}
}

// Create inserts a new attempt. A reused transaction hash violates the unique index.
func (r *SettlementAttemptRepository) Create(ctx context.Context, attempt *entities.SettlementAttempt) error {
	m := attemptToModel(attempt)
	if err := GetDB(ctx, r.db).WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return domainerrors.ErrDuplicateSubmission
		}
		return err
	}
	return nil
}

// Update persists the mutable fields of an attempt
func (r *SettlementAttemptRepository) Update(ctx context.Context, attempt *entities.SettlementAttempt) error {
	attempt.UpdatedAt = time.Now().UTC()
	m := attemptToModel(attempt)
	res := GetDB(ctx, r.db).WithContext(ctx).
		Model(&models.SettlementAttempt{}).
		Where("id = ?", attempt.ID).
		Updates(map[string]interface{}{
			"status":              m.Status,
			"bridge_message_id":   m.BridgeMessageID,
			"failure_reason":      m.FailureReason,
			"block_number":        m.BlockNumber,
			"block_hash":          m.BlockHash,
			"destination_tx_hash": m.DestinationTxHash,
			"confirmed_at":        m.ConfirmedAt,
			"explorer_url":        m.ExplorerURL,
			"next_poll_at":        m.NextPollAt,
			"poll_count":          m.PollCount,
			"updated_at":          m.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domainerrors.ErrInvalidAttemptReference
	}
	return nil
}

// GetByTransactionHash finds an attempt by its source transaction hash
func (r *SettlementAttemptRepository) GetByTransactionHash(ctx context.Context, txHash string) (*entities.SettlementAttempt, error) {
	return r.first(ctx, "transaction_hash = ?", strings.ToLower(txHash))
}

// GetByBridgeMessageID finds an attempt by its bridge message id
func (r *SettlementAttemptRepository) GetByBridgeMessageID(ctx context.Context, messageID string) (*entities.SettlementAttempt, error) {
	return r.first(ctx, "bridge_message_id = ?", strings.ToLower(messageID))
}

func (r *SettlementAttemptRepository) first(ctx context.Context, query string, args ...interface{}) (*entities.SettlementAttempt, error) {
	var m models.SettlementAttempt
	if err := GetDB(ctx, r.db).WithContext(ctx).Where(query, args...).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainerrors.ErrNotFound
		}
		return nil, err
	}
	return attemptToEntity(&m), nil
}

// ListSubmitted lists SUBMITTED attempts of the given kind whose next poll is due
func (r *SettlementAttemptRepository) ListSubmitted(ctx context.Context, filter domainRepos.AttemptFilter, limit int) ([]*entities.SettlementAttempt, error) {
	query := GetDB(ctx, r.db).WithContext(ctx).
		Where("status = ?", string(entities.AttemptStatusSubmitted))
	switch filter.Kind {
	case entities.AttemptKindDirect:
		query = query.Where("source_chain_id = dest_chain_id")
	case entities.AttemptKindBridge:
		query = query.Where("source_chain_id <> dest_chain_id")
	}
	if !filter.DueAt.IsZero() {
		query = query.Where("next_poll_at <= ?", filter.DueAt)
	}
	if limit <= 0 {
		limit = 100
	}

	var ms []models.SettlementAttempt
	if err := query.Order("next_poll_at ASC").Limit(limit).Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]*entities.SettlementAttempt, 0, len(ms))
	for i := range ms {
		out = append(out, attemptToEntity(&ms[i]))
	}
	return out, nil
}

// Reschedule moves the next poll of a still SUBMITTED attempt
func (r *SettlementAttemptRepository) Reschedule(ctx context.Context, id uuid.UUID, nextPollAt time.Time, pollCount int) error {
	return GetDB(ctx, r.db).WithContext(ctx).
		Model(&models.SettlementAttempt{}).
		Where("id = ? AND status = ?", id, string(entities.AttemptStatusSubmitted)).
		Updates(map[string]interface{}{
			"next_poll_at": nextPollAt,
			"poll_count":   pollCount,
		}).Error
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func attemptToModel(a *entities.SettlementAttempt) *models.SettlementAttempt {
	var messageID *string
	if a.BridgeMessageID != "" {
		v := strings.ToLower(a.BridgeMessageID)
		if a.BridgeMessageID == entities.DirectTransferMessageID {
			v = entities.DirectTransferMessageID
		}
		messageID = &v
	}
	return &models.SettlementAttempt{
		ID:                a.ID,
		DebtID:            a.DebtID,
		OwerUsername:      a.Ower.Username,
		OwerWallet:        a.Ower.WalletAddress,
		SourceChainID:     a.SourceChain,
		DestChainID:       a.DestinationChain,
		TokenType:         string(a.TokenType),
		AmountBaseUnits:   a.AmountBaseUnits,
		BridgeMessageID:   messageID,
		TransactionHash:   strings.ToLower(a.TransactionHash),
		Status:            string(a.Status),
		ExplorerURL:       a.ExplorerURL,
		FailureReason:     a.FailureReason.Ptr(),
		BlockNumber:       a.BlockNumber.Ptr(),
		BlockHash:         a.BlockHash.Ptr(),
		DestinationTxHash: a.DestinationTxHash.Ptr(),
		ConfirmedAt:       a.ConfirmedAt.Ptr(),
		SubmittedAt:       a.SubmittedAt,
		NextPollAt:        a.NextPollAt,
		PollCount:         a.PollCount,
		UpdatedAt:         a.UpdatedAt,
	}
}

func attemptToEntity(m *models.SettlementAttempt) *entities.SettlementAttempt {
	a := &entities.SettlementAttempt{
		ID:                m.ID,
		DebtID:            m.DebtID,
		Ower:              entities.Identity{Username: m.OwerUsername, WalletAddress: m.OwerWallet},
		SourceChain:       m.SourceChainID,
		DestinationChain:  m.DestChainID,
		TokenType:         entities.TokenType(m.TokenType),
		AmountBaseUnits:   m.AmountBaseUnits,
		TransactionHash:   m.TransactionHash,
		Status:            entities.AttemptStatus(m.Status),
		ExplorerURL:       m.ExplorerURL,
		FailureReason:     null.StringFromPtr(m.FailureReason),
		BlockNumber:       null.Uint64FromPtr(m.BlockNumber),
		BlockHash:         null.StringFromPtr(m.BlockHash),
		DestinationTxHash: null.StringFromPtr(m.DestinationTxHash),
		ConfirmedAt:       null.TimeFromPtr(m.ConfirmedAt),
		SubmittedAt:       m.SubmittedAt,
		NextPollAt:        m.NextPollAt,
		PollCount:         m.PollCount,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.BridgeMessageID != nil {
		a.BridgeMessageID = *m.BridgeMessageID
	}
	return a
}
