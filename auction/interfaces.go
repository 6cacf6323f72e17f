//go:generate mockgen -package=auction -destination=mock.go -source=interfaces.go -exclude_interfaces=Store,Notifier,BidPublisher

package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockat/models"
)

// Store 是核心邏輯使用的持久層介面
// Transaction 內的 fn 只能使用傳入的 tx，整個 fn 成功才會提交
type Store interface {
	Transaction(ctx context.Context, fn func(tx Store) error) error

	CreateAuction(ctx context.Context, auction *models.Auction) error
	GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error)
	GetAuctionForUpdate(ctx context.Context, id uuid.UUID) (*models.Auction, error)
	SaveAuction(ctx context.Context, auction *models.Auction) error
	// UpdateAuctionBid 只有在資料庫中的 bid_count 等於 expectedBidCount 時才會更新，否則回傳 ErrConflict
	UpdateAuctionBid(ctx context.Context, auction *models.Auction, expectedBidCount int) error
	ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]models.Auction, error)

	AddBid(ctx context.Context, bid *models.AuctionBidRequest) error
	GetBid(ctx context.Context, id uuid.UUID) (*models.AuctionBidRequest, error)
	GetBidsForAuction(ctx context.Context, auctionID uuid.UUID) ([]models.AuctionBidRequest, error)
	GetHighestBid(ctx context.Context, auctionID uuid.UUID) (*models.AuctionBidRequest, error)

	GetOrder(ctx context.Context, id uuid.UUID) (*models.AuctionOrder, error)
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.AuctionOrder, error)
	GetOrderByAuctionID(ctx context.Context, auctionID uuid.UUID) (*models.AuctionOrder, error)
	// CreateOrder 在唯一索引衝突時回傳 ErrConflict
	CreateOrder(ctx context.Context, order *models.AuctionOrder) error
	SaveOrder(ctx context.Context, order *models.AuctionOrder) error
}

// Mutex 是拍賣層級的互斥鎖，與 adapters/redis.IAutoRenewMutex 的方法集合相同
type Mutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}

// MutexFactory 依照 key 建立互斥鎖
type MutexFactory func(key string) Mutex

// CheckoutRequest 是建立付款頁面時交給金流閘道的資料
type CheckoutRequest struct {
	OrderID  uuid.UUID
	BuyerID  uuid.UUID
	Amount   decimal.Decimal
	Quantity int
	Metadata map[string]string
}

// SessionRef 是金流閘道回傳的付款頁面資訊
type SessionRef struct {
	ID  string
	URL string
}

// PaymentGateway 是金流閘道的介面
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (SessionRef, error)
}

// Notifier 是通知閘道的介面，失敗只記錄不往上拋
type Notifier interface {
	SendEmail(ctx context.Context, to, subject, body string)
}

// BidPublisher 將已接受的出價推送給即時訂閱者
type BidPublisher interface {
	PublishBid(ctx context.Context, event BidEvent) error
}

// BidEvent 描述一筆已被接受的出價
type BidEvent struct {
	AuctionID uuid.UUID       `msgpack:"auction_id" json:"auctionId"`
	BidID     uuid.UUID       `msgpack:"bid_id" json:"bidId"`
	BidderID  uuid.UUID       `msgpack:"bidder_id" json:"bidderId"`
	Amount    decimal.Decimal `msgpack:"amount" json:"amount"`
	Seq       int             `msgpack:"seq" json:"seq"`
	Time      time.Time       `msgpack:"time" json:"time"`
}
