package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"stockat/adapters/database"
	"stockat/adapters/notify"
	redisAdapter "stockat/adapters/redis"
	internalS3 "stockat/adapters/s3"
	"stockat/adapters/sse"
	"stockat/adapters/stripe"
	"stockat/auction"
	"stockat/settlement"
)

// Dependencies 是由外部建立的連線，測試時可以換成 sqlite 與 miniredis
type Dependencies struct {
	DB          *gorm.DB
	RedisClient *redis.Client
	// Gateway 未設置時依照 Stripe 設定建立
	Gateway auction.PaymentGateway
	// Verifier 未設置時依照 Stripe 設定建立
	Verifier settlement.EventVerifier
	// Archiver 為 nil 時不保存 webhook 原始內容
	Archiver settlement.Archiver
	Mailer   notify.Mailer
	Clock    func() time.Time
}

type ServerImpl struct {
	service       *auction.Service
	processor     *settlement.Processor
	sseManager    sse.IConnectionManager[auction.BidEvent]
	bidPublisher  redisAdapter.IPublisher[auction.BidEvent]
	mailPublisher redisAdapter.IPublisher[notify.Email]
	mailWorker    *notify.Worker
	htmlChecker   *bluemonday.Policy
	redisClient   *redis.Client
	db            *gorm.DB
	now           func() time.Time
	wg            sync.WaitGroup
	cancelFunc    context.CancelFunc

	config ServerConfig
}

// NewServer 依照設定建立資料庫、Redis、S3 與 Stripe 的連線
func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化資料庫連線
	db, err := database.Open(config.DB)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	deps := Dependencies{
		DB:          db,
		RedisClient: redisClient,
		Mailer:      notify.LogMailer{Logger: slog.Default()},
	}

	// 初始化S3客戶端，未設定 bucket 時不保存 webhook
	if config.S3.Bucket != "" {
		region := config.S3.Region
		if region == "" {
			region = "auto"
		}
		s3Cfg, err := awsCfg.LoadDefaultConfig(
			context.Background(),
			awsCfg.WithBaseEndpoint(config.S3.Endpoint),
			awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
			awsCfg.WithRegion(region),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
		}
		s3Operator, err := internalS3.NewS3Operator(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create S3 operator, err=%w", op, err)
		}
		deps.Archiver = s3Operator
	}

	return New(config, deps)
}

// New 以既有的連線組裝服務
func New(config ServerConfig, deps Dependencies) (*ServerImpl, error) {
	const op = "New"
	if deps.DB == nil || deps.RedisClient == nil {
		return nil, fmt.Errorf("[%s] Database and redis client are required", op)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Mailer == nil {
		deps.Mailer = notify.LogMailer{Logger: slog.Default()}
	}
	if config.ID == "" {
		config.ID = "stockat"
	}
	if config.SSEHeartbeat <= 0 {
		config.SSEHeartbeat = 30 * time.Second
	}
	if config.Closer.Interval <= 0 {
		config.Closer.Interval = 10 * time.Second
	}
	redisCfg := config.Redis
	logger := slog.Default()

	// 初始化金流閘道
	if deps.Gateway == nil && config.Stripe.SecretKey != "" {
		opts := []stripe.ClientOption{stripe.WithLogger(logger)}
		if config.Stripe.BaseURL != "" {
			opts = append(opts, stripe.WithBaseURL(config.Stripe.BaseURL))
		}
		if config.Stripe.Currency != "" {
			opts = append(opts, stripe.WithCurrency(config.Stripe.Currency))
		}
		client, err := stripe.NewClient(config.Stripe.SecretKey, config.Stripe.SuccessURL, config.Stripe.CancelURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create stripe client, err=%w", op, err)
		}
		deps.Gateway = client
	}
	if deps.Verifier == nil {
		verifier, err := stripe.NewVerifier(config.Stripe.WebhookSecret, stripe.WithVerifierClock(deps.Clock))
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create webhook verifier, err=%w", op, err)
		}
		deps.Verifier = verifier
	}

	// 初始化出價與郵件的 stream
	bidPublisher, err := redisAdapter.NewPublisher(
		deps.RedisClient,
		redisCfg.StreamKeys.BidStream,
		redisAdapter.WithPublisherLogger[auction.BidEvent](logger),
		redisAdapter.WithPublisherMaxLen[auction.BidEvent](redisCfg.StreamMaxLen),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid publisher, err=%w", op, err)
	}
	mailPublisher, err := redisAdapter.NewPublisher(
		deps.RedisClient,
		redisCfg.StreamKeys.MailStream,
		redisAdapter.WithPublisherLogger[notify.Email](logger),
		redisAdapter.WithPublisherMaxLen[notify.Email](redisCfg.StreamMaxLen),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create mail publisher, err=%w", op, err)
	}
	mailReader, err := redisAdapter.NewGroupReader(
		deps.RedisClient,
		redisCfg.StreamKeys.MailStream,
		redisCfg.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupReaderLogger[notify.Email](logger),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create mail reader, err=%w", op, err)
	}
	notifier := notify.NewNotifier(mailPublisher, logger)

	// 初始化SSE管理器，每個實例都讀取完整的 bid stream
	tail, err := redisAdapter.NewTail(
		deps.RedisClient,
		redisCfg.StreamKeys.BidStream,
		redisAdapter.WithTailLogger[sse.PublishRequest[auction.BidEvent]](logger),
		redisAdapter.WithTailDecodeFunc(func(m map[string]any) (sse.PublishRequest[auction.BidEvent], error) {
			event, err := redisAdapter.DecodeMessage[auction.BidEvent](m)
			if err != nil {
				return sse.PublishRequest[auction.BidEvent]{}, fmt.Errorf("fail to parse message to sse.PublishRequest[auction.BidEvent], err=%w", err)
			}
			return sse.PublishRequest[auction.BidEvent]{
				Channel: event.AuctionID.String(),
				Message: event,
			}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid tail, err=%w", op, err)
	}
	sseManager, err := sse.NewConnectionManager(
		sse.WithLogger[auction.BidEvent](logger),
		sse.WithSubscriber[auction.BidEvent](tail),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	// 初始化拍賣服務，拍賣鎖使用 Redis 分散式鎖
	mutexOpts := []redisAdapter.AutoRenewMutexOption{}
	if redisCfg.LockExpiry > 0 {
		mutexOpts = append(mutexOpts, redisAdapter.WithAutoRenewMutexExpiry(redisCfg.LockExpiry))
	}
	newMutex := redisAdapter.NewMutexFactory(deps.RedisClient, mutexOpts...)
	store := database.NewStore(deps.DB)
	serviceOpts := []auction.Option{
		auction.WithLogger(logger),
		auction.WithClock(deps.Clock),
		auction.WithMutexFactory(func(key string) auction.Mutex { return newMutex(key) }),
		auction.WithLockKeyPrefix(redisCfg.KeyPrefix),
		auction.WithNotifier(notifier),
		auction.WithBidPublisher(notify.NewBidPublisher(bidPublisher)),
	}
	if deps.Gateway != nil {
		serviceOpts = append(serviceOpts, auction.WithPaymentGateway(deps.Gateway))
	}
	if config.Closer.BatchSize > 0 {
		serviceOpts = append(serviceOpts, auction.WithSweepBatch(config.Closer.BatchSize))
	}
	if config.Closer.RetryBackoff > 0 && config.Closer.MaxRetryBackoff > 0 {
		serviceOpts = append(serviceOpts, auction.WithSweepBackoff(config.Closer.RetryBackoff, config.Closer.MaxRetryBackoff))
	}
	service, err := auction.NewService(store, serviceOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create auction service, err=%w", op, err)
	}

	// 初始化付款事件處理
	processorOpts := []settlement.ProcessorOption{
		settlement.WithLogger(logger),
		settlement.WithClock(deps.Clock),
		settlement.WithHandler(auction.DomainAuctionOrder, settlement.NewAuctionOrderHandler(
			store,
			settlement.WithHandlerLogger(logger),
			settlement.WithHandlerNotifier(notifier),
			settlement.WithHandlerClock(deps.Clock),
		)),
		settlement.WithIdempotencyStore(redisAdapter.NewIdempotencyStore(
			deps.RedisClient,
			redisAdapter.WithIdempotencyPrefix(redisCfg.KeyPrefix+"webhook:"),
		)),
	}
	if deps.Archiver != nil {
		processorOpts = append(processorOpts, settlement.WithArchiver(deps.Archiver))
	}
	processor, err := settlement.NewProcessor(deps.Verifier, processorOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement processor, err=%w", op, err)
	}

	return &ServerImpl{
		service:       service,
		processor:     processor,
		sseManager:    sseManager,
		bidPublisher:  bidPublisher,
		mailPublisher: mailPublisher,
		mailWorker:    notify.NewWorker(mailReader, deps.Mailer, logger),
		htmlChecker:   bluemonday.StrictPolicy(),
		redisClient:   deps.RedisClient,
		db:            deps.DB,
		now:           deps.Clock,
		config:        config,
	}, nil
}

func (impl *ServerImpl) Start() error {
	const op = "Start"
	// 啟動publisher
	impl.bidPublisher.Start()
	impl.mailPublisher.Start()
	// 啟動sse connection manager
	impl.sseManager.Start()
	// 啟動郵件worker
	if err := impl.mailWorker.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start mail worker, err=%w", op, err)
	}
	// 啟動一個worker定期關閉到期的拍賣
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	impl.wg.Add(1)
	go func() {
		defer impl.wg.Done()
		impl.service.RunCloser(ctx, impl.config.Closer.Interval)
	}()
	return nil
}

func (impl *ServerImpl) Close() {
	// 關閉closer
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	// 關閉sse connection manager
	impl.sseManager.Done()
	// 關閉publisher，會先把緩衝中的訊息寫出
	impl.bidPublisher.Close()
	impl.mailPublisher.Close()
	// 關閉郵件worker
	impl.mailWorker.Close()
}
