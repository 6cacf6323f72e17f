package settlement

import (
	"context"
	"time"
)

// 支付閘道的事件類型
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutExpired       = "checkout.session.expired"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
)

// Event 是驗證過簽章的支付閘道事件
type Event struct {
	ID              string
	Type            string
	SessionID       string
	PaymentIntentID string
	Metadata        map[string]string
}

// EventVerifier 驗證 webhook 簽章並解析事件，失敗時回傳 auction.ErrGatewayVerification
type EventVerifier interface {
	Verify(payload []byte, signature string) (Event, error)
}

// Archiver 保存原始 webhook 內容，回傳保存位置
type Archiver interface {
	ArchiveWebhook(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) (string, error)
}
