package models

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const bytesPerGB = 1 << 30

// ParseGigabytes converts a fractional-GB string (e.g. "1.5") to an exact
// byte count. Byte accounting never goes through floats.
func ParseGigabytes(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid gigabyte value %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("gigabyte value must not be negative: %s", s)
	}
	b := d.Mul(decimal.NewFromInt(bytesPerGB)).Truncate(0).BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("gigabyte value out of range: %s", s)
	}
	return b.Uint64(), nil
}

// FormatBytesGB renders a byte count as a decimal GB string for display.
func FormatBytesGB(b uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(b), 0).
		Div(decimal.NewFromInt(bytesPerGB)).
		Round(2).
		String()
}
