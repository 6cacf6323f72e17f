package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuctionBidRequest 代表一次出價紀錄，寫入後不可修改
// Seq 是同一場拍賣內的插入順序，(auction_id, seq) 唯一，用來在資料庫層擋下並發出價
type AuctionBidRequest struct {
	Base

	AuctionID uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_bid_auction_seq;<-:create"`
	BidderID  uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	BidAmount decimal.Decimal `gorm:"type:numeric(18,2);not null;<-:create"`
	Seq       int             `gorm:"type:integer;not null;uniqueIndex:idx_bid_auction_seq;<-:create"`
}
