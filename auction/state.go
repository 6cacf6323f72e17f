package auction

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockat/models"
)

// State 是由時間與 IsClosed 推導出來的拍賣狀態，不會寫入資料庫
type State string

const (
	StateScheduled State = "Scheduled"
	StateActive    State = "Active"
	// StateEnded 表示已過結束時間但關閉程序尚未執行，不接受出價
	StateEnded  State = "Ended"
	StateClosed State = "Closed"
)

// StateOf 回傳拍賣在 now 時間點的狀態
func StateOf(a *models.Auction, now time.Time) State {
	switch {
	case a.IsClosed:
		return StateClosed
	case now.Before(a.StartTime):
		return StateScheduled
	case now.Before(a.EndTime):
		return StateActive
	default:
		return StateEnded
	}
}

// validMoney 判斷金額是否最多兩位小數
func validMoney(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// checkBidAdmission 檢查拍賣是否可以接受這筆出價
func checkBidAdmission(a *models.Auction, bidderID uuid.UUID, amount decimal.Decimal, now time.Time) error {
	if a.IsDeleted {
		return NotFound("auction %s not found", a.ID)
	}
	switch StateOf(a, now) {
	case StateClosed:
		return BusinessRule("auction is closed")
	case StateScheduled:
		return BusinessRule("auction has not started")
	case StateEnded:
		return BusinessRule("auction has ended")
	}
	if bidderID == a.SellerID {
		return BusinessRule("seller cannot bid on own auction")
	}
	if !amount.IsPositive() || !validMoney(amount) {
		return BusinessRule("bid amount must be positive with at most 2 decimal places")
	}
	if minimum := a.MinimumNextBid(); amount.LessThan(minimum) {
		return BusinessRule("bid amount too low, must be at least %s", minimum.StringFixed(2))
	}
	return nil
}

// NewAuction 是建立拍賣的參數
type NewAuction struct {
	ProductID     uuid.UUID
	StockID       uuid.UUID
	SellerID      uuid.UUID
	StartingPrice decimal.Decimal
	IncrementUnit decimal.Decimal
	Quantity      int
	StartTime     time.Time
	EndTime       time.Time
}

// validate 檢查拍賣參數是否合法
func (p NewAuction) validate(now time.Time) error {
	if p.ProductID == uuid.Nil || p.StockID == uuid.Nil || p.SellerID == uuid.Nil {
		return BusinessRule("product, stock and seller are required")
	}
	if !p.EndTime.After(p.StartTime) {
		return BusinessRule("end time must be after start time")
	}
	if !p.EndTime.After(now) {
		return BusinessRule("end time must be in the future")
	}
	if p.StartingPrice.IsNegative() || !validMoney(p.StartingPrice) {
		return BusinessRule("starting price must be a non-negative amount with at most 2 decimal places")
	}
	if !p.IncrementUnit.IsPositive() || !validMoney(p.IncrementUnit) {
		return BusinessRule("increment unit must be a positive amount with at most 2 decimal places")
	}
	if p.Quantity <= 0 {
		return BusinessRule("quantity must be positive")
	}
	return nil
}
