package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrReaderClosed = errors.New("group reader is closed")
)

// Delivery 是交給下游處理的訊息，處理完必須呼叫 Ack 或 Reject
type Delivery[T any] struct {
	Data T
	ID   string

	client     *redis.Client
	stream     string
	group      string
	deadLetter string
	settled    bool
	raw        map[string]any
}

// Ack 確認訊息已處理完成
func (d *Delivery[T]) Ack(ctx context.Context) error {
	const op = "Delivery.Ack"
	if d.settled {
		return nil
	}
	if err := d.client.XAck(ctx, d.stream, d.group, d.ID).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to ack message, err=%w", op, err)
	}
	d.settled = true
	return nil
}

// Reject 把訊息連同錯誤原因移到 dead-letter stream，並從 group 中確認
func (d *Delivery[T]) Reject(ctx context.Context, cause error) error {
	const op = "Delivery.Reject"
	if d.settled {
		return nil
	}
	values := make(map[string]any, len(d.raw)+2)
	for k, v := range d.raw {
		values[k] = v
	}
	values["error"] = cause.Error()
	values["origin_id"] = d.ID
	if err := d.client.XAdd(ctx, &redis.XAddArgs{Stream: d.deadLetter, Values: values}).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to move message to dead letter stream, err=%w", op, err)
	}
	if err := d.client.XAck(ctx, d.stream, d.group, d.ID).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to ack rejected message, err=%w", op, err)
	}
	d.settled = true
	return nil
}

type groupReaderOptions[T any] struct {
	logger         *slog.Logger
	decodeFunc     func(map[string]any) (T, error)
	bufferSize     int
	blockTimeout   time.Duration
	errorBackoff   time.Duration
	mutex          IAutoRenewMutex
	strictOrdering bool
}

type GroupReaderOption[T any] func(*groupReaderOptions[T])

// WithGroupReaderLogger 設置日誌記錄器
func WithGroupReaderLogger[T any](logger *slog.Logger) GroupReaderOption[T] {
	return func(o *groupReaderOptions[T]) {
		o.logger = logger
	}
}

// WithGroupReaderDecodeFunc 設置訊息解析函數
func WithGroupReaderDecodeFunc[T any](fn func(map[string]any) (T, error)) GroupReaderOption[T] {
	return func(o *groupReaderOptions[T]) {
		o.decodeFunc = fn
	}
}

// WithGroupReaderBufferSize 設置下游 channel 的緩衝大小
func WithGroupReaderBufferSize[T any](size int) GroupReaderOption[T] {
	return func(o *groupReaderOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupReaderBlockTimeout 設置阻塞讀取超時時間
func WithGroupReaderBlockTimeout[T any](d time.Duration) GroupReaderOption[T] {
	return func(o *groupReaderOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupReaderErrorBackoff 設置 Redis 連線錯誤後的等待時間
func WithGroupReaderErrorBackoff[T any](d time.Duration) GroupReaderOption[T] {
	return func(o *groupReaderOptions[T]) {
		o.errorBackoff = d
	}
}

// WithGroupReaderMutex 注入 mutex (主要用於測試)
func WithGroupReaderMutex[T any](mutex IAutoRenewMutex) GroupReaderOption[T] {
	return func(o *groupReaderOptions[T]) {
		o.mutex = mutex
	}
}

// WithGroupReaderStrictOrdering 設置是否使用嚴格順序模式
// 嚴格順序模式下同一個 group 同時只有一個實例在讀取，並會先處理整個 group 的 pending 訊息
func WithGroupReaderStrictOrdering[T any](strict bool) GroupReaderOption[T] {
	return func(o *groupReaderOptions[T]) {
		o.strictOrdering = strict
	}
}

// GroupReader 以 XREADGROUP 讀取 stream
// 每一輪開始時會先重新投遞尚未確認的 pending 訊息，避免重啟後遺失
type GroupReader[T any] struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	downStream chan *Delivery[T]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	mutex      IAutoRenewMutex
	pendingIDs []string
	options    groupReaderOptions[T]
}

func NewGroupReader[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupReaderOption[T],
) (*GroupReader[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := groupReaderOptions[T]{
		logger:       slog.Default(),
		decodeFunc:   DecodeMessage[T],
		bufferSize:   1,
		blockTimeout: time.Second,
		errorBackoff: time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	r := &GroupReader[T]{
		logger:   options.logger.With(slog.String("caller", "GroupReader"), slog.String("stream", stream), slog.String("group", group), slog.String("consumer", consumer)),
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		options:  options,
	}
	if options.strictOrdering {
		r.mutex = options.mutex
		if r.mutex == nil {
			r.mutex = NewAutoRenewMutex(client, fmt.Sprintf("lock:%s:%s", stream, group), WithAutoRenewMutexSkipLockError(true))
		}
	}
	return r, nil
}

// DeadLetterStream 回傳處理失敗訊息存放的 stream
func (s *GroupReader[T]) DeadLetterStream() string {
	return s.stream + ":dead-letter"
}

// Start 建立 consumer group (已存在時忽略) 並開始讀取
func (s *GroupReader[T]) Start() error {
	const op = "GroupReader.Start"
	if !s.closed {
		return nil
	}
	err := s.client.XGroupCreateMkStream(context.Background(), s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("[%s] Fail to create consumer group, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.downStream = make(chan *Delivery[T], s.options.bufferSize)
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("Start group reader")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("Group reader goroutine stopped")
		defer close(s.downStream)

		for ctx.Err() == nil {
			workCtx := ctx
			if s.options.strictOrdering {
				// 持有鎖期間 workCtx 會在鎖失效時被取消
				lockCtx, err := s.mutex.Lock(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Error("Fail to acquire lock", slog.Any("error", err))
						s.backoff(ctx)
					}
					continue
				}
				workCtx = lockCtx
			}
			err := s.workflow(workCtx)
			if s.options.strictOrdering {
				if _, unlockErr := s.mutex.Unlock(); unlockErr != nil {
					s.logger.Warn("Fail to release lock", slog.Any("error", unlockErr))
				}
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.Canceled) {
				s.logger.Warn("Lock lost, restart group reader")
				continue
			}
			s.logger.Error("Fail to process messages, restart group reader", slog.Any("error", err))
			s.backoff(ctx)
		}
	}()
	return nil
}

func (s *GroupReader[T]) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.options.errorBackoff):
	}
}

// Deliveries 回傳下游 channel，Close 後會被關閉
func (s *GroupReader[T]) Deliveries() <-chan *Delivery[T] {
	return s.downStream
}

func (s *GroupReader[T]) Close() error {
	if s.closed {
		return nil
	}
	s.logger.Info("Close group reader")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("Group reader closed")
	return nil
}

// workflow 先處理 pending 訊息，再持續讀取新訊息，直到發生無法繼續的錯誤
func (s *GroupReader[T]) workflow(ctx context.Context) error {
	if err := s.loadPendingIDs(ctx); err != nil {
		return err
	}
	for {
		message, err := s.next(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		data, err := s.options.decodeFunc(message.Values)
		if err != nil {
			// 解析失敗不會因為重試而成功，直接移到 dead-letter
			s.logger.Error("Fail to decode message", slog.String("messageId", message.ID), slog.Any("error", err))
			delivery := s.newDelivery(message, data)
			if err := delivery.Reject(ctx, err); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		case s.downStream <- s.newDelivery(message, data):
		}
	}
}

func (s *GroupReader[T]) newDelivery(message redis.XMessage, data T) *Delivery[T] {
	return &Delivery[T]{
		Data:       data,
		ID:         message.ID,
		client:     s.client,
		stream:     s.stream,
		group:      s.group,
		deadLetter: s.DeadLetterStream(),
		raw:        message.Values,
	}
}

func (s *GroupReader[T]) loadPendingIDs(ctx context.Context) error {
	const pageSize = 100
	s.pendingIDs = s.pendingIDs[:0]
	start := "-"
	for {
		args := &redis.XPendingExtArgs{
			Stream: s.stream,
			Group:  s.group,
			Start:  start,
			End:    "+",
			Count:  pageSize,
		}
		// 非嚴格順序模式下只接手自己名下的 pending 訊息
		if !s.options.strictOrdering {
			args.Consumer = s.consumer
		}
		pending, err := s.client.XPendingExt(ctx, args).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("fail to list pending messages: %w", err)
		}
		for _, p := range pending {
			s.pendingIDs = append(s.pendingIDs, p.ID)
		}
		if len(pending) < pageSize {
			break
		}
		start = "(" + pending[len(pending)-1].ID
	}
	if len(s.pendingIDs) > 0 {
		s.logger.Info("Redeliver pending messages", slog.Int("count", len(s.pendingIDs)))
	}
	return nil
}

func (s *GroupReader[T]) next(ctx context.Context) (redis.XMessage, error) {
	if len(s.pendingIDs) > 0 {
		id := s.pendingIDs[0]
		s.pendingIDs = s.pendingIDs[1:]
		messages, err := s.client.XRangeN(ctx, s.stream, id, id, 1).Result()
		if err != nil {
			return redis.XMessage{}, err
		}
		if len(messages) == 0 {
			// 訊息已被裁切，只能確認掉
			s.logger.Warn("Pending message no longer exists", slog.String("messageId", id))
			if err := s.client.XAck(ctx, s.stream, s.group, id).Err(); err != nil {
				return redis.XMessage{}, err
			}
			return redis.XMessage{}, redis.Nil
		}
		return messages[0], nil
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    s.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, redis.Nil
	}
	return streams[0].Messages[0], nil
}
