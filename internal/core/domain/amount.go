package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// RawDecimals is the number of raw units per whole coin as a power of ten.
const RawDecimals = 30

// MaxRaw is the largest representable account balance (2^128 - 1 raw).
var MaxRaw = decimal.RequireFromString("340282366920938463463374607431768211455")

var (
	ErrAmountNotInteger  = errors.New("amount must be a whole number of raw units")
	ErrAmountNotPositive = errors.New("amount must be positive")
	ErrAmountTooLarge    = errors.New("amount exceeds maximum supply")
)

// ParseRaw parses a positive integer amount of raw units.
func ParseRaw(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return d, CheckRaw(d)
}

// ParseUnits parses a decimal coin amount (e.g. "1.5") and converts it to raw units.
func ParseUnits(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	raw := d.Shift(RawDecimals)
	return raw, CheckRaw(raw)
}

// CheckRaw validates that d is usable as a transfer amount.
func CheckRaw(d decimal.Decimal) error {
	switch {
	case !d.IsInteger():
		return ErrAmountNotInteger
	case !d.IsPositive():
		return ErrAmountNotPositive
	case d.GreaterThan(MaxRaw):
		return ErrAmountTooLarge
	}
	return nil
}

// FormatUnits renders a raw amount in whole-coin units for messages.
func FormatUnits(raw decimal.Decimal) string {
	return raw.Shift(-RawDecimals).String()
}
