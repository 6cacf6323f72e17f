package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actor 表示發起操作的使用者
type Actor struct {
	UserID uuid.UUID
	Admin  bool
	System bool
}

// SystemActor 代表背景排程
var SystemActor = Actor{System: true}

// Is 判斷 actor 是否為指定使用者，管理員與系統視為任何人
func (a Actor) Is(userID uuid.UUID) bool {
	return a.System || a.Admin || (a.UserID != uuid.Nil && a.UserID == userID)
}

type serviceOptions struct {
	logger        *slog.Logger
	mutexFactory  MutexFactory
	gateway       PaymentGateway
	notifier      Notifier
	publisher     BidPublisher
	clock         func() time.Time
	maxRetries    int
	retryDelay    time.Duration
	sweepBatch    int
	sweepBackoff  time.Duration
	sweepMaxDelay time.Duration
	lockKeyPrefix string
}

type Option func(*serviceOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithMutexFactory 設置拍賣鎖的來源，未設置時使用單機鎖
func WithMutexFactory(factory MutexFactory) Option {
	return func(o *serviceOptions) {
		o.mutexFactory = factory
	}
}

// WithPaymentGateway 設置金流閘道
func WithPaymentGateway(gateway PaymentGateway) Option {
	return func(o *serviceOptions) {
		o.gateway = gateway
	}
}

// WithNotifier 設置通知閘道
func WithNotifier(notifier Notifier) Option {
	return func(o *serviceOptions) {
		o.notifier = notifier
	}
}

// WithBidPublisher 設置出價推播
func WithBidPublisher(publisher BidPublisher) Option {
	return func(o *serviceOptions) {
		o.publisher = publisher
	}
}

// WithClock 設置時間來源 (主要用於測試)
func WithClock(clock func() time.Time) Option {
	return func(o *serviceOptions) {
		o.clock = clock
	}
}

// WithConflictRetries 設置樂觀鎖衝突時的重試次數與間隔
func WithConflictRetries(retries int, delay time.Duration) Option {
	return func(o *serviceOptions) {
		o.maxRetries = retries
		o.retryDelay = delay
	}
}

// WithSweepBatch 設置每次掃描最多關閉的拍賣數量
func WithSweepBatch(n int) Option {
	return func(o *serviceOptions) {
		o.sweepBatch = n
	}
}

// WithSweepBackoff 設置關閉失敗的拍賣在掃描中暫停的時間，每次失敗加倍直到 max
func WithSweepBackoff(base, max time.Duration) Option {
	return func(o *serviceOptions) {
		o.sweepBackoff = base
		o.sweepMaxDelay = max
	}
}

// WithLockKeyPrefix 設置拍賣鎖的 key 前綴
func WithLockKeyPrefix(prefix string) Option {
	return func(o *serviceOptions) {
		o.lockKeyPrefix = prefix
	}
}

// Service 實作出價、關閉拍賣以及訂單建立
type Service struct {
	store   Store
	logger  *slog.Logger
	options serviceOptions

	// 關閉失敗的拍賣與下次重試的時間
	retryMu sync.Mutex
	retries map[uuid.UUID]sweepRetry
}

func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}

	// 默認選項
	options := serviceOptions{
		logger:     slog.Default(),
		clock:      time.Now,
		maxRetries: 3,
		retryDelay: 10 * time.Millisecond,
		sweepBatch:    100,
		sweepBackoff:  30 * time.Second,
		sweepMaxDelay: 10 * time.Minute,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.mutexFactory == nil {
		options.mutexFactory = NewLocalMutexFactory()
	}
	if options.maxRetries < 1 {
		options.maxRetries = 1
	}

	return &Service{
		store:   store,
		logger:  options.logger.With(slog.String("caller", "AuctionService")),
		options: options,
		retries: make(map[uuid.UUID]sweepRetry),
	}, nil
}

func (s *Service) now() time.Time {
	return s.options.clock()
}

func (s *Service) lockKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("%sauction:%s:lock", s.options.lockKeyPrefix, auctionID)
}

// withAuctionLock 在持有拍賣鎖的狀態下執行 fn
// fn 收到的 context 會在鎖失效時被取消
func (s *Service) withAuctionLock(ctx context.Context, auctionID uuid.UUID, fn func(ctx context.Context) error) error {
	const op = "withAuctionLock"
	mutex := s.options.mutexFactory(s.lockKey(auctionID))
	lockCtx, err := mutex.Lock(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("[%s] Fail to acquire auction lock, err=%w", op, err)
		}
		return fmt.Errorf("[%s] Fail to acquire auction lock, err=%w", op, errors.Join(ErrTransientStorage, err))
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			s.logger.Warn("Fail to release auction lock", slog.String("auctionID", auctionID.String()), slog.Any("error", err))
		}
	}()
	return fn(lockCtx)
}

// retryOnConflict 在 fn 回傳 ErrConflict 時重試，超過次數後回傳最後一次的錯誤
func (s *Service) retryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.options.maxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt == s.options.maxRetries {
			break
		}
		s.logger.Debug("Retry after conflict", slog.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.options.retryDelay):
		}
	}
	return err
}

func (s *Service) notify(ctx context.Context, to uuid.UUID, subject, body string) {
	if s.options.notifier == nil {
		return
	}
	s.options.notifier.SendEmail(ctx, to.String(), subject, body)
}
