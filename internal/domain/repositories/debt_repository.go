package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"anypay.backend/internal/domain/entities"
)

// DebtRepository defines debt data operations
type DebtRepository interface {
	Create(ctx context.Context, debt *entities.Debt) error
	// CreateIfMissing inserts the debt unless a row with the same id exists.
	CreateIfMissing(ctx context.Context, debt *entities.Debt) (bool, error)
	// GetByID loads the debt with its owers and settlement records.
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Debt, error)
	ListByIdentity(ctx context.Context, identity entities.Identity) ([]*entities.Debt, error)
	// UpdateState persists status and completion of the debt if its version still equals expectedVersion,
	// and bumps the version.
	UpdateState(ctx context.Context, debt *entities.Debt, expectedVersion int64) error
}

// AttemptFilter narrows attempt sweeps
type AttemptFilter struct {
	Kind  entities.AttemptKind
	DueAt time.Time
}

// SettlementAttemptRepository defines settlement attempt data operations
type SettlementAttemptRepository interface {
	Create(ctx context.Context, attempt *entities.SettlementAttempt) error
	Update(ctx context.Context, attempt *entities.SettlementAttempt) error
	GetByTransactionHash(ctx context.Context, txHash string) (*entities.SettlementAttempt, error)
	GetByBridgeMessageID(ctx context.Context, messageID string) (*entities.SettlementAttempt, error)
	ListSubmitted(ctx context.Context, filter AttemptFilter, limit int) ([]*entities.SettlementAttempt, error)
	Reschedule(ctx context.Context, id uuid.UUID, nextPollAt time.Time, pollCount int) error
}
