package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	redisAdapter "stockat/adapters/redis"
)

// Mailer 實際寄出郵件
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// LogMailer 只把郵件寫進日誌，用於沒有郵件服務的環境
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(ctx context.Context, email Email) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Send email", slog.String("to", email.To), slog.String("subject", email.Subject))
	return nil
}

// Worker 從 consumer group 取出郵件並交給 Mailer，寄送失敗的郵件移到 dead-letter stream
type Worker struct {
	reader     redisAdapter.IGroupReader[Email]
	mailer     Mailer
	logger     *slog.Logger
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
}

func NewWorker(reader redisAdapter.IGroupReader[Email], mailer Mailer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		reader: reader,
		mailer: mailer,
		logger: logger.With(slog.String("caller", "MailWorker")),
	}
}

func (w *Worker) Start() error {
	const op = "MailWorker.Start"
	if err := w.reader.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start reader, err=%w", op, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelFunc = cancel
	ch := w.reader.Deliveries()

	w.logger.Info("Start mail worker")
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.logger.Info("Mail worker stopped")
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-ch:
				if !ok {
					return
				}
				w.handle(ctx, delivery)
			}
		}
	}()
	return nil
}

func (w *Worker) handle(ctx context.Context, delivery *redisAdapter.Delivery[Email]) {
	logger := w.logger.With(slog.String("messageId", delivery.ID), slog.String("to", delivery.Data.To))
	if err := w.mailer.Send(ctx, delivery.Data); err != nil {
		if errors.Is(err, context.Canceled) {
			// 未確認的訊息會在下次啟動時重新投遞
			return
		}
		logger.Error("Fail to send email", slog.Any("error", err))
		if err := delivery.Reject(ctx, err); err != nil {
			logger.Error("Fail to reject message", slog.Any("error", err))
		}
		return
	}
	if err := delivery.Ack(ctx); err != nil {
		logger.Error("Email sent but fail to ack message", slog.Any("error", err))
	}
}

func (w *Worker) Close() {
	if w.cancelFunc == nil {
		return
	}
	w.cancelFunc()
	w.wg.Wait()
	if err := w.reader.Close(); err != nil {
		w.logger.Warn("Fail to close reader", slog.Any("error", err))
	}
}
