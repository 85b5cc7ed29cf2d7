package cli

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatWon formats an amount in whole won with thousands separators.
func FormatWon(amount decimal.Decimal) string {
	rounded := amount.Round(0)
	negative := rounded.IsNegative()
	digits := rounded.Abs().String()

	result := "₩" + groupThousands(digits)
	if negative {
		result = "-" + result
	}
	return result
}

// groupThousands inserts a comma every three digits from the right.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPnL formats P&L with an explicit sign.
func FormatPnL(pnl decimal.Decimal) string {
	formatted := FormatWon(pnl)
	if pnl.Round(0).IsPositive() {
		return "+" + formatted
	}
	return formatted
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return sign + strconv.FormatFloat(value, 'f', 2, 64) + "%"
}

// FormatQuantity formats a share count with separators.
func FormatQuantity(qty int64) string {
	if qty < 0 {
		return "-" + groupThousands(strconv.FormatInt(-qty, 10))
	}
	return groupThousands(strconv.FormatInt(qty, 10))
}

// FormatTime formats a timestamp in the exchange time zone.
func FormatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("2006-01-02 15:04:05")
}
