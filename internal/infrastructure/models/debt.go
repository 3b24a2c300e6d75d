package models

import (
	"time"

	"github.com/google/uuid"
)

type Debt struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PayerUsername string     `gorm:"type:varchar(100);index"`
	PayerWallet   string     `gorm:"type:varchar(64);index"`
	TotalAmount   string     `gorm:"type:varchar(100);not null"` // decimal
	Currency      string     `gorm:"type:varchar(16);not null"`
	Description   string     `gorm:"type:text"`
	Status        string     `gorm:"type:varchar(20);not null;index"`
	Version       int64      `gorm:"not null"`
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Owers    []DebtOwer          `gorm:"foreignKey:DebtID"`
	Attempts []SettlementAttempt `gorm:"foreignKey:DebtID"`
}

func (Debt) TableName() string {
	return "debts"
}

type DebtOwer struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	DebtID        uuid.UUID `gorm:"type:uuid;not null;index"`
	Position      int       `gorm:"not null"`
	Username      string    `gorm:"type:varchar(100);index"`
	WalletAddress string    `gorm:"type:varchar(64);index"`
	Amount        string    `gorm:"type:varchar(100);not null"` // decimal
	CreatedAt     time.Time
}

func (DebtOwer) TableName() string {
	return "debt_owers"
}
