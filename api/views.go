package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"stockat/auction"
	"stockat/models"
)

// 金額一律以兩位小數的字串回傳，避免浮點誤差

type AuctionView struct {
	ID             uuid.UUID     `json:"id"`
	ProductID      uuid.UUID     `json:"productId"`
	SellerID       uuid.UUID     `json:"sellerId"`
	StockID        uuid.UUID     `json:"stockId"`
	StartingPrice  string        `json:"startingPrice"`
	CurrentBid     string        `json:"currentBid"`
	IncrementUnit  string        `json:"incrementUnit"`
	MinimumNextBid string        `json:"minimumNextBid"`
	StartTime      time.Time     `json:"startTime"`
	EndTime        time.Time     `json:"endTime"`
	Quantity       int           `json:"quantity"`
	State          auction.State `json:"state"`
	IsClosed       bool          `json:"isClosed"`
	BidCount       int           `json:"bidCount"`
	BuyerID        *uuid.UUID    `json:"buyerId,omitempty"`
	WinningBidID   *uuid.UUID    `json:"winningBidId,omitempty"`
	ClosedAt       *time.Time    `json:"closedAt,omitempty"`
}

func newAuctionView(a *models.Auction, now time.Time) AuctionView {
	return AuctionView{
		ID:             a.ID,
		ProductID:      a.ProductID,
		SellerID:       a.SellerID,
		StockID:        a.StockID,
		StartingPrice:  a.StartingPrice.StringFixed(2),
		CurrentBid:     a.CurrentBid.StringFixed(2),
		IncrementUnit:  a.IncrementUnit.StringFixed(2),
		MinimumNextBid: a.MinimumNextBid().StringFixed(2),
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
		Quantity:       a.Quantity,
		State:          auction.StateOf(a, now),
		IsClosed:       a.IsClosed,
		BidCount:       a.BidCount,
		BuyerID:        a.BuyerID,
		WinningBidID:   a.WinningBidID,
		ClosedAt:       a.ClosedAt,
	}
}

type BidView struct {
	ID        uuid.UUID `json:"id"`
	AuctionID uuid.UUID `json:"auctionId"`
	BidderID  uuid.UUID `json:"bidderId"`
	BidAmount string    `json:"bidAmount"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

func newBidView(b *models.AuctionBidRequest) BidView {
	return BidView{
		ID:        b.ID,
		AuctionID: b.AuctionID,
		BidderID:  b.BidderID,
		BidAmount: b.BidAmount.StringFixed(2),
		Seq:       b.Seq,
		CreatedAt: b.CreatedAt,
	}
}

func newBidViews(bids []models.AuctionBidRequest) []BidView {
	return lo.Map(bids, func(b models.AuctionBidRequest, _ int) BidView {
		return newBidView(&b)
	})
}

type BidEventView struct {
	AuctionID uuid.UUID `json:"auctionId"`
	BidID     uuid.UUID `json:"bidId"`
	BidderID  uuid.UUID `json:"bidderId"`
	Amount    string    `json:"amount"`
	Seq       int       `json:"seq"`
	Time      time.Time `json:"time"`
}

func newBidEventView(e auction.BidEvent) BidEventView {
	return BidEventView{
		AuctionID: e.AuctionID,
		BidID:     e.BidID,
		BidderID:  e.BidderID,
		Amount:    e.Amount.StringFixed(2),
		Seq:       e.Seq,
		Time:      e.Time,
	}
}

type OrderView struct {
	ID                    uuid.UUID            `json:"id"`
	AuctionID             uuid.UUID            `json:"auctionId"`
	AuctionRequestID      uuid.UUID            `json:"auctionRequestId"`
	BuyerID               uuid.UUID            `json:"buyerId"`
	SellerID              uuid.UUID            `json:"sellerId"`
	Amount                string               `json:"amount"`
	Quantity              int                  `json:"quantity"`
	OrderDate             time.Time            `json:"orderDate"`
	Status                models.OrderStatus   `json:"status"`
	PaymentStatus         models.PaymentStatus `json:"paymentStatus"`
	PaymentTransactionID  string               `json:"paymentTransactionId,omitempty"`
	StripeSessionID       string               `json:"stripeSessionId,omitempty"`
	StripePaymentIntentID string               `json:"stripePaymentIntentId,omitempty"`
	ShippingAddress       string               `json:"shippingAddress"`
	RecipientName         string               `json:"recipientName"`
	PhoneNumber           string               `json:"phoneNumber"`
	Notes                 string               `json:"notes"`
	PaidAt                *time.Time           `json:"paidAt,omitempty"`
}

func newOrderView(o *models.AuctionOrder) OrderView {
	return OrderView{
		ID:                    o.ID,
		AuctionID:             o.AuctionID,
		AuctionRequestID:      o.AuctionRequestID,
		BuyerID:               o.BuyerID,
		SellerID:              o.SellerID,
		Amount:                o.Amount.StringFixed(2),
		Quantity:              o.Quantity,
		OrderDate:             o.OrderDate,
		Status:                o.Status,
		PaymentStatus:         o.PaymentStatus,
		PaymentTransactionID:  o.PaymentTransactionID,
		StripeSessionID:       o.StripeSessionID,
		StripePaymentIntentID: o.StripePaymentIntentID,
		ShippingAddress:       o.ShippingAddress,
		RecipientName:         o.RecipientName,
		PhoneNumber:           o.PhoneNumber,
		Notes:                 o.Notes,
		PaidAt:                o.PaidAt,
	}
}
