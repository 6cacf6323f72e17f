package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"stockat/auction"
	"stockat/models"
)

type handlerOptions struct {
	logger   *slog.Logger
	notifier auction.Notifier
	clock    func() time.Time
}

type HandlerOption func(*handlerOptions)

// WithHandlerLogger 設置日誌記錄器
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(o *handlerOptions) {
		o.logger = logger
	}
}

// WithHandlerNotifier 設置付款成功後的通知閘道
func WithHandlerNotifier(notifier auction.Notifier) HandlerOption {
	return func(o *handlerOptions) {
		o.notifier = notifier
	}
}

// WithHandlerClock 設置時間來源
func WithHandlerClock(clock func() time.Time) HandlerOption {
	return func(o *handlerOptions) {
		o.clock = clock
	}
}

// AuctionOrderHandler 依付款事件轉換拍賣訂單的付款與履約狀態
type AuctionOrderHandler struct {
	store   auction.Store
	logger  *slog.Logger
	options handlerOptions
}

func NewAuctionOrderHandler(store auction.Store, opts ...HandlerOption) *AuctionOrderHandler {
	// 默認選項
	options := handlerOptions{
		logger: slog.Default(),
		clock:  time.Now,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &AuctionOrderHandler{
		store:   store,
		logger:  options.logger.With(slog.String("caller", "AuctionOrderHandler")),
		options: options,
	}
}

// Handle 套用事件，重複投遞的事件不會改變已經確定的狀態
func (h *AuctionOrderHandler) Handle(ctx context.Context, event Event, orderID uuid.UUID) error {
	const op = "AuctionOrderHandler.Handle"
	switch event.Type {
	case EventCheckoutCompleted, EventAsyncPaymentSucceeded:
		order, changed, err := h.apply(ctx, orderID, func(order *models.AuctionOrder) bool {
			return h.markPaid(order, event)
		})
		if err != nil {
			return fmt.Errorf("[%s] Fail to mark order paid, err=%w", op, err)
		}
		if changed {
			h.logger.Info("Auction order paid", slog.String("orderID", orderID.String()), slog.String("eventID", event.ID))
			h.notifyPaid(ctx, order)
		}
	case EventCheckoutExpired, EventAsyncPaymentFailed:
		_, changed, err := h.apply(ctx, orderID, func(order *models.AuctionOrder) bool {
			return h.markFailed(order, event)
		})
		if err != nil {
			return fmt.Errorf("[%s] Fail to mark order failed, err=%w", op, err)
		}
		if changed {
			h.logger.Info("Auction order payment failed", slog.String("orderID", orderID.String()), slog.String("eventID", event.ID))
		}
	default:
		h.logger.Debug("Ignore event type", slog.String("type", event.Type), slog.String("eventID", event.ID))
	}
	return nil
}

// apply 在交易中鎖住訂單並套用變更，兩個狀態欄位在同一次 UPDATE 寫入
func (h *AuctionOrderHandler) apply(ctx context.Context, orderID uuid.UUID, mutate func(*models.AuctionOrder) bool) (*models.AuctionOrder, bool, error) {
	var (
		order   *models.AuctionOrder
		changed bool
	)
	err := h.store.Transaction(ctx, func(tx auction.Store) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !mutate(order) {
			return nil
		}
		changed = true
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return nil, false, err
	}
	return order, changed, nil
}

// markPaid 以事件內容覆寫 session 與付款識別碼，已付款的訂單只補上缺少的識別碼
func (h *AuctionOrderHandler) markPaid(order *models.AuctionOrder, event Event) bool {
	if order.IsSettled() {
		return fillIdentifiers(order, event)
	}
	if event.SessionID != "" {
		order.StripeSessionID = event.SessionID
	}
	if event.PaymentIntentID != "" {
		order.StripePaymentIntentID = event.PaymentIntentID
	}
	now := h.options.clock()
	order.PaymentStatus = models.PaymentStatusPaid
	order.Status = models.OrderStatusProcessing
	order.PaymentTransactionID = order.StripePaymentIntentID
	order.PaidAt = &now
	return true
}

// markFailed 已付款的訂單與舊 session 的事件都不會讓訂單失敗
func (h *AuctionOrderHandler) markFailed(order *models.AuctionOrder, event Event) bool {
	if order.IsSettled() {
		return false
	}
	if isStaleSession(order, event) {
		h.logger.Info("Ignore event for stale checkout session",
			slog.String("orderID", order.ID.String()),
			slog.String("eventID", event.ID),
			slog.String("sessionID", event.SessionID),
			slog.String("currentSessionID", order.StripeSessionID),
		)
		return false
	}
	if order.PaymentStatus == models.PaymentStatusFailed && order.Status == models.OrderStatusCancelled {
		return fillIdentifiers(order, event)
	}
	fillIdentifiers(order, event)
	order.PaymentStatus = models.PaymentStatusFailed
	order.Status = models.OrderStatusCancelled
	return true
}

// isStaleSession 事件屬於已被取代的 session
func isStaleSession(order *models.AuctionOrder, event Event) bool {
	return event.SessionID != "" && order.StripeSessionID != "" && event.SessionID != order.StripeSessionID
}

// fillIdentifiers 只寫入空白的識別碼，回傳是否有變更
func fillIdentifiers(order *models.AuctionOrder, event Event) bool {
	changed := false
	if order.StripeSessionID == "" && event.SessionID != "" {
		order.StripeSessionID = event.SessionID
		changed = true
	}
	if order.StripePaymentIntentID == "" && event.PaymentIntentID != "" {
		order.StripePaymentIntentID = event.PaymentIntentID
		changed = true
	}
	if order.IsSettled() && order.PaymentTransactionID == "" && order.StripePaymentIntentID != "" {
		order.PaymentTransactionID = order.StripePaymentIntentID
		changed = true
	}
	return changed
}

func (h *AuctionOrderHandler) notifyPaid(ctx context.Context, order *models.AuctionOrder) {
	if h.options.notifier == nil {
		return
	}
	amount := order.Amount.StringFixed(2)
	h.options.notifier.SendEmail(ctx, order.BuyerID.String(),
		"Payment received",
		fmt.Sprintf("We received your payment of %s for order %s. The seller will prepare your items.", amount, order.ID))
	h.options.notifier.SendEmail(ctx, order.SellerID.String(),
		"Auction order paid",
		fmt.Sprintf("Order %s has been paid (%s). Please prepare the items for shipping.", order.ID, amount))
}
