package notify

import (
	"context"
	"log/slog"
	"time"

	redisAdapter "stockat/adapters/redis"
	"stockat/auction"
)

// Email 是排入通知 stream 的郵件
type Email struct {
	To       string    `msgpack:"to"`
	Subject  string    `msgpack:"subject"`
	Body     string    `msgpack:"body"`
	QueuedAt time.Time `msgpack:"queued_at"`
}

// Notifier 把郵件排入 Redis stream，由 Worker 非同步寄出
// 排入失敗只會記錄日誌，不會影響呼叫端
type Notifier struct {
	publisher redisAdapter.IPublisher[Email]
	logger    *slog.Logger
	now       func() time.Time
}

var _ auction.Notifier = (*Notifier)(nil)

func NewNotifier(publisher redisAdapter.IPublisher[Email], logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		publisher: publisher,
		logger:    logger.With(slog.String("caller", "Notifier")),
		now:       time.Now,
	}
}

func (n *Notifier) SendEmail(ctx context.Context, to, subject, body string) {
	email := Email{To: to, Subject: subject, Body: body, QueuedAt: n.now()}
	if err := n.publisher.Publish(context.WithoutCancel(ctx), email); err != nil {
		n.logger.Warn("Fail to queue email", slog.String("to", to), slog.String("subject", subject), slog.Any("error", err))
	}
}

// BidPublisher 把新的出價寫入 bid stream，供各實例的即時出價推播使用
type BidPublisher struct {
	publisher redisAdapter.IPublisher[auction.BidEvent]
}

var _ auction.BidPublisher = (*BidPublisher)(nil)

func NewBidPublisher(publisher redisAdapter.IPublisher[auction.BidEvent]) *BidPublisher {
	return &BidPublisher{publisher: publisher}
}

func (p *BidPublisher) PublishBid(ctx context.Context, event auction.BidEvent) error {
	return p.publisher.Publish(ctx, event)
}
