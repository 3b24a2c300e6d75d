package usecases

import (
	"fmt"
	"regexp"
	"strings"

	domainerrors "anypay.backend/internal/domain/errors"
)

var hash32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// IsHash32 reports whether s is a 0x-prefixed 32-byte hex string.
func IsHash32(s string) bool {
	return hash32Pattern.MatchString(s)
}

// NormalizeTxHash validates a transaction hash and lowercases it.
func NormalizeTxHash(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !IsHash32(s) {
		return "", fmt.Errorf("transaction hash %q: %w", s, domainerrors.ErrInvalidInput)
	}
	return strings.ToLower(s), nil
}
