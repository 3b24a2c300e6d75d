package models

import (
	"time"

	"github.com/google/uuid"
)

type SettlementAttempt struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	DebtID            uuid.UUID `gorm:"type:uuid;not null;index"`
	OwerUsername      string    `gorm:"type:varchar(100)"`
	OwerWallet        string    `gorm:"type:varchar(64)"`
	SourceChainID     uint64    `gorm:"not null"`
	DestChainID       uint64    `gorm:"not null"`
	TokenType         string    `gorm:"type:varchar(20);not null"`
	AmountBaseUnits   string    `gorm:"type:varchar(100);not null"` // BigInt
	BridgeMessageID   *string   `gorm:"type:varchar(80);index"`
	TransactionHash   string    `gorm:"type:varchar(66);not null;uniqueIndex"`
	Status            string    `gorm:"type:varchar(20);not null;index"`
	ExplorerURL       string    `gorm:"type:varchar(255)"`
	FailureReason     *string   `gorm:"type:text"`
	BlockNumber       *uint64
	BlockHash         *string `gorm:"type:varchar(66)"`
	DestinationTxHash *string `gorm:"type:varchar(66)"`
	ConfirmedAt       *time.Time
	SubmittedAt       time.Time `gorm:"not null"`
	NextPollAt        time.Time `gorm:"not null;index"`
	PollCount         int       `gorm:"not null"`
	UpdatedAt         time.Time
}

func (SettlementAttempt) TableName() string {
	return "settlement_attempts"
}

// All lists every model, in migration order.
func All() []interface{} {
	return []interface{}{&Debt{}, &DebtOwer{}, &SettlementAttempt{}}
}
