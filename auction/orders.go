package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"stockat/models"
)

// 金流 metadata 的欄位與訂單類型
const (
	MetadataType    = "type"
	MetadataOrderID = "orderId"

	DomainOrder          = "order"
	DomainServiceRequest = "service_request"
	DomainAuctionOrder   = "auction_order"
)

// ErrPaymentGateway 表示金流閘道呼叫失敗
var ErrPaymentGateway = errors.New("payment gateway error")

// CreateOrderForWinningBid 為已關閉拍賣的得標出價建立訂單
// 訂單已存在時直接回傳既有訂單，created 為 false
func (s *Service) CreateOrderForWinningBid(ctx context.Context, auctionID uuid.UUID) (order *models.AuctionOrder, created bool, err error) {
	const op = "CreateOrderForWinningBid"
	err = s.retryOnConflict(ctx, func() error {
		return s.store.Transaction(ctx, func(tx Store) error {
			auction, err := tx.GetAuction(ctx, auctionID)
			if err != nil {
				return err
			}
			if auction.IsDeleted {
				return NotFound("auction %s not found", auctionID)
			}
			order, created, err = s.materialize(ctx, tx, auction)
			return err
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("[%s] Fail to create order, err=%w", op, err)
	}
	if created {
		s.logger.Info("Auction order created", slog.String("auctionID", auctionID.String()), slog.String("orderID", order.ID.String()))
	}
	return order, created, nil
}

// materialize 在交易中建立訂單，唯一索引衝突時回傳 ErrConflict 讓外層重試後讀到既有訂單
func (s *Service) materialize(ctx context.Context, tx Store, auction *models.Auction) (*models.AuctionOrder, bool, error) {
	if !auction.IsClosed {
		return nil, false, BusinessRule("auction is not closed yet")
	}
	if !auction.HasWinner() {
		return nil, false, BusinessRule("auction closed without a winning bid")
	}
	existing, err := tx.GetOrderByAuctionID(ctx, auction.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	bid, err := tx.GetBid(ctx, *auction.WinningBidID)
	if err != nil {
		return nil, false, err
	}
	order := &models.AuctionOrder{
		AuctionID:        auction.ID,
		AuctionRequestID: bid.ID,
		BuyerID:          bid.BidderID,
		SellerID:         auction.SellerID,
		Amount:           bid.BidAmount,
		Quantity:         auction.Quantity,
		OrderDate:        s.now(),
		Status:           models.OrderStatusPending,
		PaymentStatus:    models.PaymentStatusUnpaid,
	}
	if err := tx.CreateOrder(ctx, order); err != nil {
		return nil, false, err
	}
	return order, true, nil
}

// GetOrder 取得訂單，只有買家、賣家或管理員可以查看
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.AuctionOrder, error) {
	const op = "GetOrder"
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to find order, err=%w", op, err)
	}
	if !actor.Is(order.BuyerID) && !actor.Is(order.SellerID) {
		return nil, Unauthorized("order %s is not visible to this user", orderID)
	}
	return order, nil
}

// CreateCheckoutSession 為得標者建立付款頁面
func (s *Service) CreateCheckoutSession(ctx context.Context, orderID, buyerID uuid.UUID) (SessionRef, error) {
	const op = "CreateCheckoutSession"
	if s.options.gateway == nil {
		return SessionRef{}, fmt.Errorf("[%s] Payment gateway is not configured, err=%w", op, ErrPaymentGateway)
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return SessionRef{}, fmt.Errorf("[%s] Fail to find order, err=%w", op, err)
	}
	if err := checkCheckoutAllowed(order, buyerID); err != nil {
		return SessionRef{}, err
	}

	ref, err := s.options.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		OrderID:  order.ID,
		BuyerID:  buyerID,
		Amount:   order.Amount,
		Quantity: order.Quantity,
		Metadata: map[string]string{
			MetadataType:    DomainAuctionOrder,
			MetadataOrderID: order.ID.String(),
		},
	})
	if err != nil {
		return SessionRef{}, fmt.Errorf("[%s] Fail to create checkout session, err=%w", op, errors.Join(ErrPaymentGateway, err))
	}

	// 記錄最新的 session，付款通知到達時會再以通知內容覆寫
	err = s.store.Transaction(ctx, func(tx Store) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.IsSettled() {
			return nil
		}
		order.StripeSessionID = ref.ID
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return SessionRef{}, fmt.Errorf("[%s] Fail to record checkout session, err=%w", op, err)
	}
	s.logger.Info("Checkout session created", slog.String("orderID", orderID.String()), slog.String("sessionID", ref.ID))
	return ref, nil
}

func checkCheckoutAllowed(order *models.AuctionOrder, buyerID uuid.UUID) error {
	if order.BuyerID != buyerID {
		return Unauthorized("only the winning bidder can check out this order")
	}
	if order.IsSettled() {
		return BusinessRule("order is already paid")
	}
	if order.Status != models.OrderStatusPending {
		return BusinessRule("order is %s and cannot be checked out", order.Status)
	}
	return nil
}

// fulfilmentFlow 定義賣家可以推進的履約狀態
var fulfilmentFlow = map[models.OrderStatus]models.OrderStatus{
	models.OrderStatusProcessing: models.OrderStatusReady,
	models.OrderStatusReady:      models.OrderStatusShipped,
	models.OrderStatusShipped:    models.OrderStatusDelivered,
}

// UpdateOrderStatus 更新訂單狀態
//   - 賣家或管理員可以依序推進已付款訂單：Processing → Ready → Shipped → Delivered
//   - 買家、賣家或管理員可以取消尚未付款的 Pending 訂單
//   - 設定成目前的狀態視為成功，不做任何修改
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, actor Actor, status models.OrderStatus) (*models.AuctionOrder, error) {
	const op = "UpdateOrderStatus"
	if !status.Valid() {
		return nil, BusinessRule("unknown order status %q", status)
	}
	var order *models.AuctionOrder
	err := s.store.Transaction(ctx, func(tx Store) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.Is(order.BuyerID) && !actor.Is(order.SellerID) {
			return Unauthorized("order %s is not visible to this user", orderID)
		}
		if order.Status == status {
			return nil
		}
		if status == models.OrderStatusCancelled {
			if order.IsSettled() {
				return BusinessRule("paid orders cannot be cancelled")
			}
			if order.Status != models.OrderStatusPending {
				return BusinessRule("order is %s and cannot be cancelled", order.Status)
			}
		} else {
			if !actor.Is(order.SellerID) {
				return Unauthorized("only the seller can update fulfilment status")
			}
			if next, ok := fulfilmentFlow[order.Status]; !ok || next != status || !order.IsSettled() {
				return BusinessRule("cannot move order from %s to %s", order.Status, status)
			}
		}
		order.Status = status
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to update order status, err=%w", op, err)
	}
	return order, nil
}

// ShippingDetails 是買家填寫的收件資訊
type ShippingDetails struct {
	ShippingAddress string
	RecipientName   string
	PhoneNumber     string
	Notes           string
}

// UpdateShipping 更新收件資訊，只允許在出貨前修改
func (s *Service) UpdateShipping(ctx context.Context, orderID uuid.UUID, actor Actor, details ShippingDetails) (*models.AuctionOrder, error) {
	const op = "UpdateShipping"
	var order *models.AuctionOrder
	err := s.store.Transaction(ctx, func(tx Store) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.Is(order.BuyerID) {
			return Unauthorized("only the buyer can update shipping details")
		}
		if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusProcessing {
			return BusinessRule("order is %s and shipping details can no longer change", order.Status)
		}
		order.ShippingAddress = details.ShippingAddress
		order.RecipientName = details.RecipientName
		order.PhoneNumber = details.PhoneNumber
		order.Notes = details.Notes
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to update shipping details, err=%w", op, err)
	}
	return order, nil
}
