package strategy

import "github.com/shopspring/decimal"

// krxTickBands lists the KRX equity price bands and their tick sizes.
var krxTickBands = []struct {
	below int64
	tick  int64
}{
	{2000, 1},
	{5000, 5},
	{20000, 10},
	{50000, 50},
	{200000, 100},
	{500000, 500},
}

// TickSize returns the KRX tick size for price.
func TickSize(price decimal.Decimal) decimal.Decimal {
	for _, b := range krxTickBands {
		if price.LessThan(decimal.NewFromInt(b.below)) {
			return decimal.NewFromInt(b.tick)
		}
	}
	return decimal.NewFromInt(1000)
}

// RoundUpToTick rounds price up to the next valid tick.
func RoundUpToTick(price decimal.Decimal) decimal.Decimal {
	tick := TickSize(price)
	return price.Div(tick).Ceil().Mul(tick)
}

// RoundDownToTick rounds price down to a valid tick.
func RoundDownToTick(price decimal.Decimal) decimal.Decimal {
	tick := TickSize(price)
	return price.Div(tick).Floor().Mul(tick)
}
