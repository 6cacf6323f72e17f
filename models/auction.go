package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Auction 代表一場針對單一商品庫存批次的競標
// CurrentBid 是冗餘的最高出價，每次出價時都會在交易內與出價紀錄核對
// BidCount 同時作為樂觀鎖的版本號，每接受一筆出價就加一
type Auction struct {
	Base

	ProductID     uuid.UUID       `gorm:"type:uuid;not null;<-:create"`
	SellerID      uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	StockID       uuid.UUID       `gorm:"type:uuid;not null;<-:create"`
	StartingPrice decimal.Decimal `gorm:"type:numeric(18,2);not null;<-:create"`
	CurrentBid    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	IncrementUnit decimal.Decimal `gorm:"type:numeric(18,2);not null;<-:create"`
	StartTime     time.Time       `gorm:"not null"`
	EndTime       time.Time       `gorm:"not null;index:idx_auction_due,priority:2"`
	Quantity      int             `gorm:"type:integer;not null"`
	IsClosed      bool            `gorm:"not null;default:false;index:idx_auction_due,priority:1"`
	IsDeleted     bool            `gorm:"not null;default:false"`
	BidCount      int             `gorm:"type:integer;not null;default:0"`
	BuyerID       *uuid.UUID      `gorm:"type:uuid"`
	WinningBidID  *uuid.UUID      `gorm:"type:uuid"`
	ClosedAt      *time.Time

	// 外鍵關聯
	Bids []AuctionBidRequest `gorm:"foreignKey:AuctionID;constraint:OnDelete:CASCADE"`
}

// MinimumNextBid 回傳下一筆出價至少需要的金額
// 第一筆出價也套用相同規則，CurrentBid 初始值即為起標價
func (a *Auction) MinimumNextBid() decimal.Decimal {
	return a.CurrentBid.Add(a.IncrementUnit)
}

// HasWinner 判斷拍賣是否已經決定得標者
func (a *Auction) HasWinner() bool {
	return a.WinningBidID != nil && a.BuyerID != nil
}
