package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var errEmptyAmount = errors.New("empty amount")

// Normalize converts an integer string expressed in an asset's smallest
// unit into a decimal amount with the given precision.
//
//	Normalize("123000", 5)   // 1.23
//	Normalize("55660000", 4) // 5566
func Normalize(raw string, decimals int32) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, errEmptyAmount
	}
	if decimals < 0 {
		return decimal.Zero, fmt.Errorf("negative precision %d", decimals)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse base-unit amount %q: %w", raw, err)
	}
	if !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("base-unit amount %q is not an integer", raw)
	}
	return d.Shift(-decimals), nil
}

// NormalizeString is Normalize followed by FormatNumber.
func NormalizeString(raw string, decimals int32) (string, error) {
	d, err := Normalize(raw, decimals)
	if err != nil {
		return "", err
	}
	return FormatNumber(d), nil
}

// FormatNumber renders d without trailing zeros and with thousands grouped by commas.
func FormatNumber(d decimal.Decimal) string {
	s := d.String()
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	if len(intPart) <= 3 {
		return sign + intPart + frac
	}

	var b strings.Builder
	b.Grow(len(s) + len(s)/3 + 1)
	b.WriteString(sign)
	lead := len(intPart) % 3
	if lead > 0 {
		b.WriteString(intPart[:lead])
	}
	for i := lead; i < len(intPart); i += 3 {
		if b.Len() > len(sign) {
			b.WriteByte(',')
		}
		b.WriteString(intPart[i : i+3])
	}
	b.WriteString(frac)
	return b.String()
}

// ParseNumber parses a number that may carry grouping commas.
func ParseNumber(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse number %q: %w", s, err)
	}
	return d, nil
}

// Amount is a signed quantity of a commodity.
type Amount struct {
	Number decimal.Decimal
	Symbol string
}

// NewAmount returns a pointer to an Amount.
func NewAmount(n decimal.Decimal, symbol string) *Amount {
	return &Amount{Number: n, Symbol: symbol}
}

func (a Amount) String() string {
	return FormatNumber(a.Number) + " " + a.Symbol
}

// Neg returns the amount with its sign flipped.
func (a Amount) Neg() *Amount {
	return &Amount{Number: a.Number.Neg(), Symbol: a.Symbol}
}
