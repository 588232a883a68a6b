// Package money keeps amounts as decimals in naira and stores them as integer kobo.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	CurrencyNGN = "NGN"
	symbolNGN   = "₦"
)

var hundred = decimal.NewFromInt(100)

func ToKobo(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

func FromKobo(kobo int64) decimal.Decimal {
	return decimal.New(kobo, -2)
}

func LineTotal(price decimal.Decimal, quantity int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(quantity)))
}

// Percent returns pct percent of amount rounded to kobo.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred).Round(2)
}

func Parse(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(raw))
}

// FormatNGN renders amounts the way receipts and carts show them, e.g. ₦10,000.00.
func FormatNGN(amount decimal.Decimal) string {
	sign := ""
	if amount.IsNegative() {
		sign = "-"
	}

	fixed := amount.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	b.Grow(len(fixed) + len(fixed)/3 + 4)
	b.WriteString(sign)
	b.WriteString(symbolNGN)
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}
