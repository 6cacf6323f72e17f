package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	redisAdapter "stockat/adapters/redis"
	"stockat/auction"
)

// Handler 處理單一業務領域的付款事件
type Handler interface {
	Handle(ctx context.Context, event Event, orderID uuid.UUID) error
}

// IdempotencyStore 記錄已處理過的事件 ID
type IdempotencyStore interface {
	Begin(ctx context.Context, id string) (redisAdapter.Claim, error)
	Finish(ctx context.Context, claim redisAdapter.Claim) error
	Release(ctx context.Context, claim redisAdapter.Claim) error
}

// knownDomains 是 metadata.type 可以出現的值
var knownDomains = map[string]struct{}{
	auction.DomainOrder:          {},
	auction.DomainServiceRequest: {},
	auction.DomainAuctionOrder:   {},
}

type processorOptions struct {
	logger      *slog.Logger
	handlers    map[string]Handler
	idempotency IdempotencyStore
	archiver    Archiver
	clock       func() time.Time
}

type ProcessorOption func(*processorOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(o *processorOptions) {
		o.logger = logger
	}
}

// WithHandler 註冊某個領域的事件處理器
func WithHandler(domain string, handler Handler) ProcessorOption {
	return func(o *processorOptions) {
		o.handlers[domain] = handler
	}
}

// WithIdempotencyStore 設置事件去重
func WithIdempotencyStore(store IdempotencyStore) ProcessorOption {
	return func(o *processorOptions) {
		o.idempotency = store
	}
}

// WithArchiver 設置原始事件的保存位置
func WithArchiver(archiver Archiver) ProcessorOption {
	return func(o *processorOptions) {
		o.archiver = archiver
	}
}

// WithClock 設置時間來源
func WithClock(clock func() time.Time) ProcessorOption {
	return func(o *processorOptions) {
		o.clock = clock
	}
}

// Processor 驗證 webhook 後依 metadata.type 把事件分派給對應的處理器
type Processor struct {
	verifier EventVerifier
	logger   *slog.Logger
	options  processorOptions
}

func NewProcessor(verifier EventVerifier, opts ...ProcessorOption) (*Processor, error) {
	if verifier == nil {
		return nil, errors.New("verifier cannot be nil")
	}

	// 默認選項
	options := processorOptions{
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
		clock:    time.Now,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Processor{
		verifier: verifier,
		logger:   options.logger.With(slog.String("caller", "SettlementProcessor")),
		options:  options,
	}, nil
}

// HandleWebhook 驗證簽章失敗時不會有任何狀態變更
func (p *Processor) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	const op = "HandleWebhook"
	event, err := p.verifier.Verify(payload, signature)
	if err != nil {
		p.logger.Warn("Reject webhook", slog.Any("error", err))
		return fmt.Errorf("[%s] Fail to verify webhook, err=%w", op, err)
	}
	p.archive(ctx, event, payload)
	return p.Dispatch(ctx, event)
}

func (p *Processor) archive(ctx context.Context, event Event, payload []byte) {
	if p.options.archiver == nil {
		return
	}
	location, err := p.options.archiver.ArchiveWebhook(ctx, event.ID, p.options.clock(), payload)
	if err != nil {
		p.logger.Warn("Fail to archive webhook", slog.String("eventID", event.ID), slog.Any("error", err))
		return
	}
	p.logger.Debug("Webhook archived", slog.String("eventID", event.ID), slog.String("location", location))
}

// Route 從 metadata 取出領域與訂單 ID
func Route(event Event) (string, uuid.UUID, error) {
	domain := event.Metadata[auction.MetadataType]
	if domain == "" {
		return "", uuid.Nil, auction.BusinessRule("event %s has no %s metadata", event.ID, auction.MetadataType)
	}
	if _, ok := knownDomains[domain]; !ok {
		return "", uuid.Nil, auction.BusinessRule("event %s has unknown payment domain %q", event.ID, domain)
	}
	rawID := event.Metadata[auction.MetadataOrderID]
	if rawID == "" {
		return "", uuid.Nil, auction.BusinessRule("event %s has no %s metadata", event.ID, auction.MetadataOrderID)
	}
	orderID, err := uuid.Parse(rawID)
	if err != nil {
		return "", uuid.Nil, auction.BusinessRule("event %s has invalid %s %q", event.ID, auction.MetadataOrderID, rawID)
	}
	return domain, orderID, nil
}

// Dispatch 把已驗證的事件交給對應領域的處理器
func (p *Processor) Dispatch(ctx context.Context, event Event) error {
	const op = "Dispatch"
	domain, orderID, err := Route(event)
	if err != nil {
		return err
	}
	logger := p.logger.With(
		slog.String("eventID", event.ID),
		slog.String("type", event.Type),
		slog.String("domain", domain),
		slog.String("orderID", orderID.String()))

	handler, ok := p.options.handlers[domain]
	if !ok {
		logger.Info("No handler for payment domain, acknowledge event")
		return nil
	}

	claim, proceed, err := p.claim(ctx, event.ID, logger)
	if err != nil {
		return fmt.Errorf("[%s] Fail to claim event, err=%w", op, err)
	}
	if !proceed {
		return nil
	}

	if err := handler.Handle(ctx, event, orderID); err != nil {
		logger.Error("Fail to handle event", slog.Any("error", err))
		if claim != nil {
			if releaseErr := p.options.idempotency.Release(context.WithoutCancel(ctx), *claim); releaseErr != nil {
				logger.Warn("Fail to release event claim", slog.Any("error", releaseErr))
			}
		}
		return fmt.Errorf("[%s] Fail to handle event, err=%w", op, err)
	}
	if claim != nil {
		if err := p.options.idempotency.Finish(context.WithoutCancel(ctx), *claim); err != nil {
			logger.Warn("Fail to mark event done", slog.Any("error", err))
		}
	}
	logger.Info("Payment event handled")
	return nil
}

// claim 取得事件的處理權，去重服務不可用時仍繼續處理，由訂單狀態檢查保證冪等
func (p *Processor) claim(ctx context.Context, eventID string, logger *slog.Logger) (*redisAdapter.Claim, bool, error) {
	if p.options.idempotency == nil {
		return nil, true, nil
	}
	claim, err := p.options.idempotency.Begin(ctx, eventID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		logger.Warn("Idempotency store unavailable, process without dedupe", slog.Any("error", err))
		return nil, true, nil
	}
	switch claim.State {
	case redisAdapter.ClaimDone:
		logger.Info("Duplicate event, skip")
		return nil, false, nil
	case redisAdapter.ClaimInFlight:
		return nil, false, fmt.Errorf("event %s is being processed, %w", eventID, auction.ErrTransientStorage)
	}
	return &claim, true, nil
}
