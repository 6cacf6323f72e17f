package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus 表示訂單的履約狀態
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusReady      OrderStatus = "Ready"
	OrderStatusShipped    OrderStatus = "Shipped"
	OrderStatusDelivered  OrderStatus = "Delivered"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

// Valid 判斷是否為已知的訂單狀態
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusReady,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// PaymentStatus 表示訂單的付款狀態
type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "Unpaid"
	PaymentStatusPaid   PaymentStatus = "Paid"
	PaymentStatusFailed PaymentStatus = "Failed"
)

// AuctionOrder 代表拍賣結束後由得標出價產生的應付訂單
// 每場拍賣、每筆得標出價最多只會有一張訂單，由唯一索引保證
type AuctionOrder struct {
	Base

	AuctionID             uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex;<-:create"`
	AuctionRequestID      uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex;<-:create"`
	BuyerID               uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	SellerID              uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	Amount                decimal.Decimal `gorm:"type:numeric(18,2);not null;<-:create"`
	Quantity              int             `gorm:"type:integer;not null;<-:create"`
	OrderDate             time.Time       `gorm:"not null"`
	Status                OrderStatus     `gorm:"type:varchar(32);not null"`
	PaymentStatus         PaymentStatus   `gorm:"type:varchar(32);not null"`
	PaymentTransactionID  string          `gorm:"type:varchar(255);not null;default:''"`
	StripeSessionID       string          `gorm:"type:varchar(255);not null;default:''"`
	StripePaymentIntentID string          `gorm:"type:varchar(255);not null;default:''"`
	ShippingAddress       string          `gorm:"type:text;not null;default:''"`
	RecipientName         string          `gorm:"type:varchar(255);not null;default:''"`
	PhoneNumber           string          `gorm:"type:varchar(64);not null;default:''"`
	Notes                 string          `gorm:"type:text;not null;default:''"`
	PaidAt                *time.Time

	// 外鍵關聯
	Auction    *Auction           `gorm:"foreignKey:AuctionID"`
	WinningBid *AuctionBidRequest `gorm:"foreignKey:AuctionRequestID"`
}

// IsSettled 判斷訂單是否已付款
func (o *AuctionOrder) IsSettled() bool {
	return o.PaymentStatus == PaymentStatusPaid
}
