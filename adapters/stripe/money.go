package stripe

import "github.com/shopspring/decimal"

// MinorUnits 把金額轉成最小貨幣單位(例如分)，多餘的小數位四捨五入
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
