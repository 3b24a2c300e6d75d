package usecases

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	domainerrors "anypay.backend/internal/domain/errors"
)

// ToBaseUnits converts a display amount such as "16.50" into integer base units.
// Amounts with more fractional digits than the token supports are rejected, never rounded.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, domainerrors.ErrInvalidAmount)
	}
	return DecimalToBaseUnits(d, decimals)
}

// DecimalToBaseUnits converts a positive decimal into integer base units.
func DecimalToBaseUnits(d decimal.Decimal, decimals int32) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("negative decimals %d: %w", decimals, domainerrors.ErrInvalidAmount)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("amount %s must be positive: %w", d, domainerrors.ErrInvalidAmount)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places: %w", d, decimals, domainerrors.ErrInvalidAmount)
	}
	return shifted.BigInt(), nil
}

// BaseUnitsToDecimal converts integer base units back into a decimal amount.
func BaseUnitsToDecimal(base *big.Int, decimals int32) decimal.Decimal {
	if base == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(base, -decimals)
}

// FormatBaseUnits renders base units at the token's full precision, e.g. "0.500000".
func FormatBaseUnits(base *big.Int, decimals int32) string {
	return BaseUnitsToDecimal(base, decimals).StringFixed(decimals)
}
