package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"
)

// Identity is a participant in a debt
type Identity struct {
	Username      string `json:"username"`
	WalletAddress string `json:"walletAddress"`
}

// IsZero reports whether neither a username nor a wallet is set.
func (i Identity) IsZero() bool {
	return strings.TrimSpace(i.Username) == "" && strings.TrimSpace(i.WalletAddress) == ""
}

// Matches reports whether both identities refer to the same participant.
// Usernames and wallet addresses compare case-insensitively; either one matching is enough.
func (i Identity) Matches(other Identity) bool {
	if i.Username != "" && other.Username != "" && strings.EqualFold(i.Username, other.Username) {
		return true
	}
	return i.WalletAddress != "" && other.WalletAddress != "" && strings.EqualFold(i.WalletAddress, other.WalletAddress)
}

func (i Identity) String() string {
	if i.Username != "" {
		return i.Username
	}
	return i.WalletAddress
}

// DebtStatus represents debt status
type DebtStatus string

const (
	DebtStatusPending   DebtStatus = "PENDING"
	DebtStatusCompleted DebtStatus = "COMPLETED"
)

// DebtOwer is one party's share of a debt
type DebtOwer struct {
	Identity
	Amount decimal.Decimal `json:"amount"`
}

// Debt represents an obligation of one or more owers to a payer
type Debt struct {
	ID                uuid.UUID            `json:"id"`
	Payer             Identity             `json:"payer"`
	Owers             []DebtOwer           `json:"owers"`
	TotalAmount       decimal.Decimal      `json:"totalAmount"`
	Currency          string               `json:"currency"`
	Description       string               `json:"description,omitempty"`
	Status            DebtStatus           `json:"status"`
	SettlementRecords []*SettlementAttempt `json:"settlementRecords"`
	Version           int64                `json:"version"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
	CompletedAt       null.Time            `json:"completedAt"`
}

// IsCompleted reports whether the debt is terminal.
func (d *Debt) IsCompleted() bool {
	return d.Status == DebtStatusCompleted
}

// FindOwer returns the ower entry matching the identity.
func (d *Debt) FindOwer(identity Identity) (*DebtOwer, bool) {
	for i := range d.Owers {
		if d.Owers[i].Matches(identity) {
			return &d.Owers[i], true
		}
	}
	return nil, false
}

// ValidateAmounts checks that every share is positive and that the shares sum to the total.
func (d *Debt) ValidateAmounts() error {
	if len(d.Owers) == 0 {
		return fmt.Errorf("debt has no owers")
	}
	sum := decimal.Zero
	for i, o := range d.Owers {
		if !o.Amount.IsPositive() {
			return fmt.Errorf("ower %d amount must be positive", i)
		}
		if o.Identity.IsZero() {
			return fmt.Errorf("ower %d has no identity", i)
		}
		for _, prev := range d.Owers[:i] {
			if prev.Matches(o.Identity) {
				return fmt.Errorf("ower %s listed twice", o.Identity)
			}
		}
		sum = sum.Add(o.Amount)
	}
	if !sum.Equal(d.TotalAmount) {
		return fmt.Errorf("total %s does not match sum of shares %s", d.TotalAmount, sum)
	}
	return nil
}

// AttemptByRef finds an attempt by id or by transaction hash.
func (d *Debt) AttemptByRef(ref string) *SettlementAttempt {
	ref = strings.TrimSpace(ref)
	for _, a := range d.SettlementRecords {
		if a.ID.String() == ref || strings.EqualFold(a.TransactionHash, ref) {
			return a
		}
	}
	return nil
}

// ConfirmedAttemptFor returns the confirmed attempt of an ower, if any.
func (d *Debt) ConfirmedAttemptFor(ower Identity) *SettlementAttempt {
	for _, a := range d.SettlementRecords {
		if a.Status == AttemptStatusConfirmed && a.Ower.Matches(ower) {
			return a
		}
	}
	return nil
}

// InFlightAttemptFor returns the SUBMITTED attempt of an ower, if any.
func (d *Debt) InFlightAttemptFor(ower Identity) *SettlementAttempt {
	for _, a := range d.SettlementRecords {
		if a.Status == AttemptStatusSubmitted && a.Ower.Matches(ower) {
			return a
		}
	}
	return nil
}

// AllOwersConfirmed reports whether every ower has a confirmed attempt.
func (d *Debt) AllOwersConfirmed() bool {
	for _, o := range d.Owers {
		if d.ConfirmedAttemptFor(o.Identity) == nil {
			return false
		}
	}
	return len(d.Owers) > 0
}

// Involves reports whether the identity is the payer or one of the owers.
func (d *Debt) Involves(identity Identity) bool {
	if d.Payer.Matches(identity) {
		return true
	}
	_, ok := d.FindOwer(identity)
	return ok
}

// UserDebts partitions the debts an identity participates in
type UserDebts struct {
	// Owed lists pending debts where the identity is the payer.
	Owed []*Debt `json:"owed"`
	// Owing lists pending debts where the identity is an ower.
	Owing     []*Debt `json:"owing"`
	Completed []*Debt `json:"completed"`
}
